package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fxbot/internal/broker"
	"fxbot/internal/intent"
	"fxbot/internal/journal"
	"fxbot/internal/notifier"
	"fxbot/internal/sizing"
	"fxbot/internal/trend"
)

// brokerClient 抽象经纪商的交易端点，便于测试替换。
type brokerClient interface {
	ResolveInstrument(ctx context.Context, token, symbol string) (broker.Instrument, error)
	GetQuote(ctx context.Context, token string, inst broker.Instrument) (broker.Quote, error)
	GetBalance(ctx context.Context, token string) (broker.Balance, error)
	PlaceMarketOrder(ctx context.Context, token string, order broker.OrderRequest) (broker.OrderResult, error)
	ListPositions(ctx context.Context, token string, uic int64) ([]broker.Position, error)
	ClosePosition(ctx context.Context, token string, position broker.Position) (broker.OrderResult, error)
}

// sessionProvider 允许网关在令牌被拒后重试一次。
type sessionProvider interface {
	EnsureActive(ctx context.Context) (*broker.Session, error)
	Invalidate()
}

// trendAnalyzer 提供黑盒趋势信号。
type trendAnalyzer interface {
	Evaluate(ctx context.Context, token string) (trend.Direction, string)
}

// lotSizer 计算下单手数。
type lotSizer interface {
	Units(in sizing.Input) float64
}

// auditLog 接收每次调用的审计记录。
type auditLog interface {
	RecordEvent(ctx context.Context, event journal.Event)
}

// Gateway 是面向经纪商的轻量类型化封装。
// 自身不保存任何去重状态，至多一次的保障由调度器负责。
type Gateway struct {
	client   brokerClient
	sessions sessionProvider
	trend    trendAnalyzer
	sizer    lotSizer
	notify   notifier.Notifier
	audit    auditLog
	logger   *zap.Logger
}

// New 创建订单网关。trend 可以为 nil 表示禁用趋势注记。
func New(client brokerClient, sessions sessionProvider, tr trendAnalyzer, sizer lotSizer,
	notify notifier.Notifier, audit auditLog, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notify == nil {
		notify = notifier.Nop{}
	}
	return &Gateway{
		client:   client,
		sessions: sessions,
		trend:    tr,
		sizer:    sizer,
		notify:   notify,
		audit:    audit,
		logger:   logger,
	}
}

// PlaceEntry 为意图提交入场市价单。
// 每次调用无论成败都产生且仅产生一次审计记录与通知。
func (g *Gateway) PlaceEntry(ctx context.Context, session *broker.Session, it *intent.Intent) (ExecutionResult, error) {
	token := session.AccessToken

	if g.trend != nil {
		direction, info := g.trend.Evaluate(ctx, token)
		note := trend.Describe(direction, it.Direction == intent.DirectionBuy, info)
		it.AppendMemo(note)
		g.notify.Notify(ctx, notifier.Event{
			Type:      notifier.EventInfo,
			IntentID:  it.ID,
			Timestamp: time.Now(),
			Detail:    fmt.Sprintf("%s %s", it.Instrument, note),
		})
	}

	inst, err := g.client.ResolveInstrument(ctx, token, it.Instrument)
	if err != nil {
		return g.settle(ctx, OpEntry, it, broker.OrderResult{}, err)
	}

	// 入场前检查既有头寸，存在时只告警不阻断（可能是部分成交残留）。
	if positions, posErr := g.client.ListPositions(ctx, token, inst.UIC); posErr == nil && len(positions) > 0 {
		g.logger.Warn("入场前发现既有头寸",
			zap.String("intent", it.ID),
			zap.String("instrument", it.Instrument),
			zap.Int("count", len(positions)),
		)
	}

	amount := it.Amount
	if amount <= 0 {
		amount = g.entryUnits(ctx, token, inst, it)
	}

	order := broker.OrderRequest{
		UIC:        inst.UIC,
		Instrument: it.Instrument,
		BuySide:    it.Direction == intent.DirectionBuy,
		Amount:     amount,
	}

	var result broker.OrderResult
	session, err = g.withAuthRetry(ctx, session, func(token string) error {
		var callErr error
		result, callErr = g.client.PlaceMarketOrder(ctx, token, order)
		return callErr
	})
	return g.settle(ctx, OpEntry, it, result, err)
}

// ClosePosition 平掉意图对应的头寸。
func (g *Gateway) ClosePosition(ctx context.Context, session *broker.Session, it *intent.Intent) (ExecutionResult, error) {
	token := session.AccessToken

	inst, err := g.client.ResolveInstrument(ctx, token, it.Instrument)
	if err != nil {
		return g.settle(ctx, OpClose, it, broker.OrderResult{}, err)
	}

	positions, err := g.client.ListPositions(ctx, token, inst.UIC)
	if err != nil {
		return g.settle(ctx, OpClose, it, broker.OrderResult{}, err)
	}

	target, found := matchPosition(positions, it)
	if !found {
		err = broker.NewError(broker.KindValidation, "close_position",
			fmt.Errorf("未找到 %s 的可平仓头寸", it.Instrument))
		return g.settle(ctx, OpClose, it, broker.OrderResult{}, err)
	}

	var result broker.OrderResult
	session, err = g.withAuthRetry(ctx, session, func(token string) error {
		var callErr error
		result, callErr = g.client.ClosePosition(ctx, token, target)
		return callErr
	})
	return g.settle(ctx, OpClose, it, result, err)
}

// entryUnits 为自动手数收集报价与余额，任何失败退回固定手数。
func (g *Gateway) entryUnits(ctx context.Context, token string, inst broker.Instrument, it *intent.Intent) float64 {
	in := sizing.Input{
		Instrument: it.Instrument,
		Direction:  it.Direction,
	}

	if balance, err := g.client.GetBalance(ctx, token); err == nil {
		in.CashBalance = balance.CashBalance
	} else {
		g.logger.Warn("获取余额失败，自动手数退化为固定手数", zap.Error(err))
	}

	if quote, err := g.client.GetQuote(ctx, token, inst); err == nil {
		in.Bid = quote.Bid
		in.Ask = quote.Ask
	} else {
		g.logger.Warn("获取报价失败，自动手数退化为固定手数", zap.Error(err))
	}

	if usdInst, err := g.client.ResolveInstrument(ctx, token, "USDJPY"); err == nil {
		if usdQuote, qErr := g.client.GetQuote(ctx, token, usdInst); qErr == nil {
			in.USDJPYBid = usdQuote.Bid
			in.USDJPYAsk = usdQuote.Ask
		}
	}

	return g.sizer.Units(in)
}

// withAuthRetry 执行调用；令牌被拒时作废会话、重新认证并重试一次。
func (g *Gateway) withAuthRetry(ctx context.Context, session *broker.Session, fn func(token string) error) (*broker.Session, error) {
	err := fn(session.AccessToken)
	if err == nil || broker.KindOf(err) != broker.KindAuth {
		return session, err
	}

	g.logger.Warn("令牌在调用中被拒绝，重新认证后重试一次")
	g.sessions.Invalidate()

	renewed, authErr := g.sessions.EnsureActive(ctx)
	if authErr != nil {
		return session, authErr
	}

	return renewed, fn(renewed.AccessToken)
}

// settle 汇总调用结果：构造 ExecutionResult，写审计记录，发通知。
func (g *Gateway) settle(ctx context.Context, op Op, it *intent.Intent, order broker.OrderResult, err error) (ExecutionResult, error) {
	result := ExecutionResult{
		Success:       err == nil,
		BrokerOrderID: order.OrderID,
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		result.ErrorKind = broker.KindOf(err)
		result.Detail = err.Error()
	}

	if g.audit != nil {
		g.audit.RecordEvent(ctx, journal.Event{
			Type:      journal.EventExecution,
			Timestamp: result.Timestamp,
			Payload: map[string]interface{}{
				"op":        string(op),
				"intent_id": it.ID,
				"result":    result,
			},
		})
	}

	g.notifyOutcome(ctx, op, it, result)

	if err != nil {
		return result, err
	}
	return result, nil
}

// notifyOutcome 只为定局结果推送生命周期事件；
// 可重试的临时失败仅留在日志与审计中，避免重试风暴刷屏。
func (g *Gateway) notifyOutcome(ctx context.Context, op Op, it *intent.Intent, result ExecutionResult) {
	event := notifier.Event{
		IntentID:  it.ID,
		Timestamp: result.Timestamp,
	}

	switch {
	case result.Success && op == OpEntry:
		event.Type = notifier.EventEntered
		event.Detail = fmt.Sprintf("%s %s orderId=%s %s", it.Instrument, it.Direction, result.BrokerOrderID, it.Memo)
	case result.Success && op == OpClose:
		event.Type = notifier.EventClosed
		event.Detail = fmt.Sprintf("%s orderId=%s", it.Instrument, result.BrokerOrderID)
	case result.ErrorKind == broker.KindValidation:
		event.Type = notifier.EventFailed
		event.Detail = fmt.Sprintf("%s %s", it.Instrument, result.Detail)
	case result.ErrorKind == broker.KindMarketClosed && op == OpEntry:
		event.Type = notifier.EventSkipped
		event.Detail = fmt.Sprintf("%s 市场关闭", it.Instrument)
	default:
		g.logger.Warn("网关调用失败，等待调度器决定后续",
			zap.String("op", string(op)),
			zap.String("intent", it.ID),
			zap.String("kind", string(result.ErrorKind)),
			zap.String("detail", result.Detail),
		)
		return
	}

	g.notify.Notify(ctx, event)
}

func matchPosition(positions []broker.Position, it *intent.Intent) (broker.Position, bool) {
	for _, p := range positions {
		if it.PositionID != "" && p.PositionID == it.PositionID {
			return p, true
		}
	}
	for _, p := range positions {
		if it.Direction == intent.DirectionBuy && p.Amount > 0 {
			return p, true
		}
		if it.Direction == intent.DirectionSell && p.Amount < 0 {
			return p, true
		}
	}
	return broker.Position{}, false
}
