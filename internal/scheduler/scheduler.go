package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fxbot/internal/broker"
	"fxbot/internal/config"
	"fxbot/internal/gateway"
	"fxbot/internal/intent"
	"fxbot/internal/journal"
	"fxbot/internal/notifier"
)

// orderGateway 抽象订单网关。
type orderGateway interface {
	PlaceEntry(ctx context.Context, session *broker.Session, it *intent.Intent) (gateway.ExecutionResult, error)
	ClosePosition(ctx context.Context, session *broker.Session, it *intent.Intent) (gateway.ExecutionResult, error)
}

// sessionProvider 抽象会话管理器。
type sessionProvider interface {
	EnsureActive(ctx context.Context) (*broker.Session, error)
}

// tradeLog 抽象持久化的执行日志，跨重启的幂等对账依赖它。
type tradeLog interface {
	RecordStatus(ctx context.Context, it *intent.Intent, detail string) error
	LookupStatuses(ctx context.Context) (map[string]journal.Record, error)
}

// Options 控制调度行为。
type Options struct {
	TickInterval  time.Duration
	GraceWindow   time.Duration
	ClosePolicy   string
	MaxConcurrent int
}

// Scheduler 驱动意图集合的状态机：
// 轮询墙钟，对到期意图触发网关调用并应用状态迁移。
// 意图集合与会话句柄由调度器独占，只有 Tick 会修改意图状态。
type Scheduler struct {
	intents  []*intent.Intent
	sessions sessionProvider
	gateway  orderGateway
	journal  tradeLog
	notify   notifier.Notifier
	clock    Clock
	opts     Options
	logger   *zap.Logger
}

// New 创建调度器。
func New(intents []*intent.Intent, sessions sessionProvider, gw orderGateway, log tradeLog,
	notify notifier.Notifier, clock Clock, opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notify == nil {
		notify = notifier.Nop{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.ClosePolicy == "" {
		opts.ClosePolicy = config.ClosePolicyResume
	}
	return &Scheduler{
		intents:  intents,
		sessions: sessions,
		gateway:  gw,
		journal:  log,
		notify:   notify,
		clock:    clock,
		opts:     opts,
		logger:   logger,
	}
}

// Intents 返回调度器持有的意图集合。
func (s *Scheduler) Intents() []*intent.Intent {
	return s.intents
}

// Done 判断是否所有意图都已进入终态。
func (s *Scheduler) Done() bool {
	for _, it := range s.intents {
		if !it.Status.Terminal() {
			return false
		}
	}
	return true
}

// Reconcile 用持久化日志校准内存状态：
// 上一次运行已离开 PENDING 的意图直接采纳其记录，绝不重复提交。
func (s *Scheduler) Reconcile(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}

	records, err := s.journal.LookupStatuses(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: 执行日志对账失败: %w", err)
	}

	for _, it := range s.intents {
		rec, ok := records[it.ID]
		if !ok || rec.Status == intent.StatusPending {
			continue
		}
		// 采纳上次运行的结果，而不是重新走状态迁移。
		it.Status = rec.Status
		it.BrokerOrderID = rec.BrokerOrderID
		it.PositionID = rec.PositionID
		s.logger.Info("从执行日志恢复意图状态",
			zap.String("intent", it.ID),
			zap.String("status", string(it.Status)),
		)
	}

	return nil
}

// Run 驱动轮询循环直到全部意图终结、发生致命错误或被取消。
// 取消后不再调度新的 Tick，在途调用允许自然完成。
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		return err
	}
	if s.Done() {
		s.logger.Info("所有意图均已终结，无需调度")
		return nil
	}

	if err := s.Tick(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		if s.Done() {
			s.logger.Info("当日计划执行完毕")
			return nil
		}

		select {
		case <-ctx.Done():
			s.logger.Info("调度器收到取消信号，停止排班")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

type dueAction struct {
	it *intent.Intent
	op gateway.Op
	at time.Time
}

type outcome struct {
	result gateway.ExecutionResult
	err    error
}

// Tick 执行一轮调度：划分到期意图、并发派发、按时间顺序应用迁移。
// 返回非 nil 仅表示致命错误（会话级认证失败），单个意图的失败不会中止循环。
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()
	due := s.collectDue(ctx, now)
	if len(due) == 0 {
		return nil
	}

	// 升序触发时间，时间相同时保持表格原始顺序。
	sort.SliceStable(due, func(a, b int) bool {
		if !due[a].at.Equal(due[b].at) {
			return due[a].at.Before(due[b].at)
		}
		return due[a].it.Row < due[b].it.Row
	})

	outcomes := make([]outcome, len(due))

	// 不同货币对的到期意图可并发派发，但结果必须按时间序应用。
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.opts.MaxConcurrent)

	for i, action := range due {
		group.Go(func() error {
			session, err := s.sessions.EnsureActive(groupCtx)
			if err != nil {
				outcomes[i] = outcome{err: err}
				if broker.IsAuth(err) {
					return err
				}
				return nil
			}

			var res gateway.ExecutionResult
			var callErr error
			switch action.op {
			case gateway.OpEntry:
				res, callErr = s.gateway.PlaceEntry(groupCtx, session, action.it)
			case gateway.OpClose:
				res, callErr = s.gateway.ClosePosition(groupCtx, session, action.it)
			}
			outcomes[i] = outcome{result: res, err: callErr}
			if broker.IsAuth(callErr) {
				return callErr
			}
			return nil
		})
	}

	waitErr := group.Wait()

	for i, action := range due {
		s.apply(ctx, action, outcomes[i])
	}

	if waitErr != nil && broker.IsAuth(waitErr) {
		// 会话级失败对整个运行致命；未触达的意图保持原状态。
		s.logger.Error("会话认证失败，中止本次运行", zap.Error(waitErr))
		s.notify.Notify(ctx, notifier.Event{
			Type:      notifier.EventFatal,
			Timestamp: s.clock.Now(),
			Detail:    fmt.Sprintf("认证失败，运行中止: %v", waitErr),
		})
		return waitErr
	}
	if waitErr != nil && errors.Is(waitErr, context.Canceled) {
		return nil
	}

	return nil
}

// collectDue 找出本轮到期的意图，超出宽限窗口的直接定局。
func (s *Scheduler) collectDue(ctx context.Context, now time.Time) []dueAction {
	due := make([]dueAction, 0, len(s.intents))

	for _, it := range s.intents {
		switch it.Status {
		case intent.StatusPending:
			if now.Before(it.EntryAt) {
				continue
			}
			if now.Sub(it.EntryAt) > s.opts.GraceWindow {
				s.skipLate(ctx, it, now)
				continue
			}
			due = append(due, dueAction{it: it, op: gateway.OpEntry, at: it.EntryAt})

		case intent.StatusEntered:
			if now.Before(it.CloseAt) {
				continue
			}
			// resume 策略下过期的平仓照常执行，避免留下孤儿头寸；
			// skip 策略按宽限窗口放弃并定为失败。
			if s.opts.ClosePolicy == config.ClosePolicySkip && now.Sub(it.CloseAt) > s.opts.GraceWindow {
				s.failMissedClose(ctx, it, now)
				continue
			}
			due = append(due, dueAction{it: it, op: gateway.OpClose, at: it.CloseAt})
		}
	}

	return due
}

// apply 把网关结果映射为状态迁移。迁移只前进不回退。
func (s *Scheduler) apply(ctx context.Context, action dueAction, out outcome) {
	it := action.it

	if out.err == nil {
		switch action.op {
		case gateway.OpEntry:
			it.BrokerOrderID = out.result.BrokerOrderID
			s.transition(ctx, it, intent.StatusEntered,
				fmt.Sprintf("已入场 orderId=%s", out.result.BrokerOrderID))
		case gateway.OpClose:
			s.transition(ctx, it, intent.StatusClosed,
				fmt.Sprintf("已平仓 orderId=%s", out.result.BrokerOrderID))
		}
		return
	}

	switch broker.KindOf(out.err) {
	case broker.KindAuth, broker.KindTransientAuth:
		// 会话级问题，不属于意图本身，状态保持不变。
	case broker.KindTransient:
		s.logger.Warn("网关调用临时失败，下一轮重试",
			zap.String("intent", it.ID),
			zap.String("op", string(action.op)),
			zap.Error(out.err),
		)
	case broker.KindValidation:
		s.transition(ctx, it, intent.StatusFailed, out.err.Error())
	case broker.KindMarketClosed:
		if action.op == gateway.OpEntry {
			s.transition(ctx, it, intent.StatusSkipped, "市场关闭")
		} else {
			// 平仓遇到市场关闭时保持 ENTERED，待市场恢复后重试。
			s.logger.Warn("平仓遇到市场关闭，下一轮重试",
				zap.String("intent", it.ID),
			)
		}
	}
}

// skipLate 处理首次观察即超出宽限窗口的意图：直接跳过，绝不迟发。
func (s *Scheduler) skipLate(ctx context.Context, it *intent.Intent, now time.Time) {
	detail := fmt.Sprintf("入场时刻 %s 已超出宽限窗口 %s",
		it.EntryAt.Format("15:04:05"), s.opts.GraceWindow)
	s.transition(ctx, it, intent.StatusSkipped, detail)
	s.notify.Notify(ctx, notifier.Event{
		Type:      notifier.EventSkipped,
		IntentID:  it.ID,
		Timestamp: now,
		Detail:    fmt.Sprintf("%s %s", it.Instrument, detail),
	})
}

func (s *Scheduler) failMissedClose(ctx context.Context, it *intent.Intent, now time.Time) {
	detail := fmt.Sprintf("平仓时刻 %s 已超出宽限窗口，头寸需要人工处理",
		it.CloseAt.Format("15:04:05"))
	s.transition(ctx, it, intent.StatusFailed, detail)
	s.notify.Notify(ctx, notifier.Event{
		Type:      notifier.EventFailed,
		IntentID:  it.ID,
		Timestamp: now,
		Detail:    fmt.Sprintf("%s %s", it.Instrument, detail),
	})
}

// transition 应用状态迁移并持久化，非法迁移视为编程错误记录下来。
func (s *Scheduler) transition(ctx context.Context, it *intent.Intent, to intent.Status, detail string) {
	if err := it.Transition(to); err != nil {
		s.logger.Error("非法状态迁移", zap.Error(err))
		return
	}

	s.logger.Info("意图状态迁移",
		zap.String("intent", it.ID),
		zap.String("status", string(to)),
		zap.String("detail", detail),
	)

	if s.journal != nil {
		if err := s.journal.RecordStatus(ctx, it, detail); err != nil {
			s.logger.Warn("持久化意图状态失败", zap.Error(err))
		}
	}
}

// Summary 生成当日运行的结果摘要。
func (s *Scheduler) Summary() string {
	counts := map[intent.Status]int{}
	lines := ""
	for _, it := range s.intents {
		counts[it.Status]++
		lines += fmt.Sprintf("\n%s %s %s → %s", it.EntryAt.Format("15:04"), it.Instrument, it.Direction, it.Status)
	}
	return fmt.Sprintf("当日结果: 平仓%d 跳过%d 失败%d 未完成%d%s",
		counts[intent.StatusClosed],
		counts[intent.StatusSkipped],
		counts[intent.StatusFailed],
		counts[intent.StatusPending]+counts[intent.StatusEntered],
		lines,
	)
}
