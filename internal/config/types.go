package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Sheet     SheetConfig     `mapstructure:"sheet"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Trend     TrendConfig     `mapstructure:"trend"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	Endless     bool   `mapstructure:"endless"`
}

// BrokerConfig 描述经纪商 OpenAPI 连接信息。
type BrokerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	AuthURL        string        `mapstructure:"auth_url"`
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	AccessToken    string        `mapstructure:"access_token"`
	RefreshToken   string        `mapstructure:"refresh_token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	TokenLookahead time.Duration `mapstructure:"token_lookahead"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// SheetConfig 描述入场计划表的数据来源。
type SheetConfig struct {
	URL     string        `mapstructure:"url"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TradingConfig 控制下单与调度策略。
type TradingConfig struct {
	LotSize       float64       `mapstructure:"lot_size"`
	Leverage      float64       `mapstructure:"leverage"`
	AutoLot       bool          `mapstructure:"autolot"`
	GraceWindow   time.Duration `mapstructure:"grace_window"`
	ClosePolicy   string        `mapstructure:"close_policy"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// ClosePolicy 的取值。
const (
	ClosePolicyResume = "resume"
	ClosePolicySkip   = "skip"
)

// TrendConfig 控制移动平均趋势过滤器。
type TrendConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Instrument     string `mapstructure:"instrument"`
	FastPeriod     int    `mapstructure:"fast_period"`
	SlowPeriod     int    `mapstructure:"slow_period"`
	HorizonMinutes int    `mapstructure:"horizon_minutes"`
	CandleCount    int    `mapstructure:"candle_count"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// NotifierConfig 控制外发通知。
type NotifierConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// MonitorConfig 控制审计事件查询端口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Broker.BaseURL == "" {
		err = multierr.Append(err, errors.New("broker.base_url 不能为空"))
	}
	if c.Broker.AuthURL == "" {
		err = multierr.Append(err, errors.New("broker.auth_url 不能为空"))
	}
	if c.Broker.ClientID == "" && c.Broker.AccessToken == "" {
		err = multierr.Append(err, errors.New("broker.client_id 与 broker.access_token 至少配置一个"))
	}
	if c.Broker.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("broker.request_timeout 必须大于0"))
	}
	if c.Broker.TokenLookahead <= 0 {
		err = multierr.Append(err, errors.New("broker.token_lookahead 必须大于0"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}
	if c.Sheet.URL == "" && c.Sheet.Path == "" {
		err = multierr.Append(err, errors.New("sheet.url 与 sheet.path 至少配置一个"))
	}
	if c.Sheet.Timeout <= 0 {
		err = multierr.Append(err, errors.New("sheet.timeout 必须大于0"))
	}
	if c.Trading.LotSize <= 0 {
		err = multierr.Append(err, errors.New("trading.lot_size 必须大于0"))
	}
	if c.Trading.Leverage <= 0 {
		err = multierr.Append(err, errors.New("trading.leverage 必须大于0"))
	}
	if c.Trading.GraceWindow <= 0 {
		err = multierr.Append(err, errors.New("trading.grace_window 必须大于0"))
	}
	if c.Trading.ClosePolicy != ClosePolicyResume && c.Trading.ClosePolicy != ClosePolicySkip {
		err = multierr.Append(err, fmt.Errorf("trading.close_policy 仅支持 %s 或 %s", ClosePolicyResume, ClosePolicySkip))
	}
	if c.Trading.MaxConcurrent <= 0 {
		err = multierr.Append(err, errors.New("trading.max_concurrent 必须大于0"))
	}
	if c.Trend.Enabled {
		if c.Trend.Instrument == "" {
			err = multierr.Append(err, errors.New("trend.instrument 不能为空"))
		}
		if c.Trend.FastPeriod <= 0 || c.Trend.SlowPeriod <= 0 {
			err = multierr.Append(err, errors.New("trend.period 必须大于0"))
		}
		if c.Trend.FastPeriod >= c.Trend.SlowPeriod {
			err = multierr.Append(err, errors.New("trend.fast_period 必须小于 slow_period"))
		}
		if c.Trend.CandleCount <= c.Trend.SlowPeriod {
			err = multierr.Append(err, errors.New("trend.candle_count 必须大于 slow_period"))
		}
		if c.Trend.HorizonMinutes <= 0 {
			err = multierr.Append(err, errors.New("trend.horizon_minutes 必须大于0"))
		}
	}
	if c.Scheduler.TickInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.tick_interval 必须大于0"))
	}
	if c.Notifier.Timeout <= 0 {
		err = multierr.Append(err, errors.New("notifier.timeout 必须大于0"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
