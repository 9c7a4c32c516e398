package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fxbot/internal/broker"
	"fxbot/internal/config"
	"fxbot/internal/gateway"
	"fxbot/internal/journal"
	"fxbot/internal/notifier"
	"fxbot/internal/scheduler"
	"fxbot/internal/sheet"
	"fxbot/internal/sizing"
	"fxbot/internal/store"
	"fxbot/internal/trend"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 执行一次（或 endless 模式下连续多日）的计划交易。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker", a.cfg.Broker.BaseURL),
		zap.Bool("endless", a.cfg.App.Endless),
	)

	notify := a.buildNotifier()

	client := broker.NewClient(a.cfg.Broker, a.logger)
	sessions := broker.NewSessionManager(client, a.cfg.Broker, a.logger)

	trades, err := journal.New(a.store, a.logger)
	if err != nil {
		return err
	}

	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, trades, a.cfg.Monitor.Port, a.logger); err != nil {
			return err
		}
	}

	if err := a.verifyConnection(ctx, client, sessions, notify); err != nil {
		return err
	}

	var analyzer *trend.Analyzer
	if a.cfg.Trend.Enabled {
		analyzer = trend.NewAnalyzer(client, a.cfg.Trend, a.logger)
	}
	sizer := sizing.NewCalculator(a.cfg.Trading, a.logger)

	var gw *gateway.Gateway
	if analyzer != nil {
		gw = gateway.New(client, sessions, analyzer, sizer, notify, trades, a.logger)
	} else {
		gw = gateway.New(client, sessions, nil, sizer, notify, trades, a.logger)
	}

	loader := sheet.NewLoader(a.cfg.Sheet, a.logger)

	for {
		if err := a.runDay(ctx, loader, sessions, gw, trades, notify); err != nil {
			return err
		}

		if !a.cfg.App.Endless {
			return nil
		}

		if err := a.waitNextDay(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// runDay 加载当日计划并调度执行。
func (a *App) runDay(ctx context.Context, loader *sheet.Loader, sessions *broker.SessionManager,
	gw *gateway.Gateway, trades *journal.Journal, notify notifier.Notifier) error {
	tradingDay := time.Now()

	intents, failures, err := loader.Load(ctx, tradingDay)
	if err != nil {
		return fmt.Errorf("加载当日计划失败: %w", err)
	}

	for _, f := range failures {
		notify.Notify(ctx, notifier.Event{
			Type:      notifier.EventFailed,
			Timestamp: time.Now(),
			Detail:    fmt.Sprintf("计划表第%d行解析失败: %s", f.Line, f.Reason),
		})
	}

	if len(intents) == 0 {
		a.logger.Warn("当日没有可执行的交易计划")
		notify.Notify(ctx, notifier.Event{
			Type:      notifier.EventInfo,
			Timestamp: time.Now(),
			Detail:    "当日没有可执行的交易计划",
		})
		return nil
	}

	plan := fmt.Sprintf("📊 当日计划 (%d件):", len(intents))
	for i, it := range intents {
		plan += fmt.Sprintf("\n%d. %s %s-%s %s", i+1, it.Instrument,
			it.EntryAt.Format("15:04"), it.CloseAt.Format("15:04"), it.Direction)
	}
	notify.Notify(ctx, notifier.Event{
		Type:      notifier.EventInfo,
		Timestamp: time.Now(),
		Detail:    plan,
	})

	trades.RecordEvent(ctx, journal.Event{
		Type:    journal.EventRunStart,
		Payload: map[string]interface{}{"intents": len(intents), "failures": len(failures)},
	})

	sched := scheduler.New(intents, sessions, gw, trades, notify, scheduler.SystemClock{},
		scheduler.Options{
			TickInterval:  a.cfg.Scheduler.TickInterval,
			GraceWindow:   a.cfg.Trading.GraceWindow,
			ClosePolicy:   a.cfg.Trading.ClosePolicy,
			MaxConcurrent: a.cfg.Trading.MaxConcurrent,
		}, a.logger)

	runErr := sched.Run(ctx)

	summary := sched.Summary()
	notify.Notify(ctx, notifier.Event{
		Type:      notifier.EventInfo,
		Timestamp: time.Now(),
		Detail:    summary,
	})
	trades.RecordEvent(ctx, journal.Event{
		Type:    journal.EventRunEnd,
		Payload: map[string]interface{}{"summary": summary},
	})

	if runErr != nil && errors.Is(runErr, context.Canceled) {
		a.logger.Info("系统收到退出信号，正在停止")
		return nil
	}
	return runErr
}

// verifyConnection 启动时确认会话与账户可用，并推送开工通知。
func (a *App) verifyConnection(ctx context.Context, client *broker.Client,
	sessions *broker.SessionManager, notify notifier.Notifier) error {
	session, err := sessions.EnsureActive(ctx)
	if err != nil {
		notify.Notify(ctx, notifier.Event{
			Type:      notifier.EventFatal,
			Timestamp: time.Now(),
			Detail:    fmt.Sprintf("启动失败: %v", err),
		})
		return fmt.Errorf("建立经纪商会话失败: %w", err)
	}

	balance, err := client.GetBalance(ctx, session.AccessToken)
	if err != nil {
		a.logger.Warn("获取账户余额失败", zap.Error(err))
		return nil
	}

	a.logger.Info("账户连接正常",
		zap.String("currency", balance.Currency),
		zap.Float64("total_value", balance.TotalValue),
	)
	notify.Notify(ctx, notifier.Event{
		Type:      notifier.EventInfo,
		Timestamp: time.Now(),
		Detail: fmt.Sprintf("✅ 启动成功 账户余额: %s %.2f (%s)",
			balance.Currency, balance.TotalValue, a.cfg.App.Environment),
	})

	return nil
}

func (a *App) buildNotifier() notifier.Notifier {
	if a.cfg.Notifier.WebhookURL == "" {
		a.logger.Info("未配置通知 Webhook，外发通知已禁用")
		return notifier.Nop{}
	}
	return notifier.NewDiscord(a.cfg.Notifier, a.logger)
}

// waitNextDay 在 endless 模式下等待下一个交易日开始。
func (a *App) waitNextDay(ctx context.Context) error {
	now := time.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 1, 0, 0, now.Location()).Add(24 * time.Hour)
	wait := time.Until(next)

	a.logger.Info("等待下一个交易日",
		zap.Time("next", next),
		zap.Duration("wait", wait),
	)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
