package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "fxbot"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.endless", false)

	v.SetDefault("broker.base_url", "https://gateway.saxobank.com/sim/openapi")
	v.SetDefault("broker.auth_url", "https://sim.logonvalidation.net")
	v.SetDefault("broker.request_timeout", "15s")
	v.SetDefault("broker.token_lookahead", "60s")
	v.SetDefault("broker.retry.max_attempts", 3)
	v.SetDefault("broker.retry.min_delay", "500ms")
	v.SetDefault("broker.retry.max_delay", "5s")

	v.SetDefault("sheet.timeout", "20s")

	v.SetDefault("trading.lot_size", 10000)
	v.SetDefault("trading.leverage", 1)
	v.SetDefault("trading.autolot", false)
	v.SetDefault("trading.grace_window", "5m")
	v.SetDefault("trading.close_policy", ClosePolicyResume)
	v.SetDefault("trading.max_concurrent", 4)

	v.SetDefault("trend.enabled", true)
	v.SetDefault("trend.instrument", "USDJPY")
	v.SetDefault("trend.fast_period", 5)
	v.SetDefault("trend.slow_period", 20)
	v.SetDefault("trend.horizon_minutes", 60)
	v.SetDefault("trend.candle_count", 100)

	v.SetDefault("scheduler.tick_interval", "10s")

	v.SetDefault("notifier.webhook_url", "")
	v.SetDefault("notifier.timeout", "10s")

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.port", 8787)

	v.SetDefault("database.path", "data/fxbot.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
