package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"fxbot/internal/broker"
	"fxbot/internal/config"
	"fxbot/internal/intent"
	"fxbot/internal/journal"
	"fxbot/internal/notifier"
	"fxbot/internal/sizing"
)

type mockBroker struct {
	placeResult broker.OrderResult
	placeErr    error
	placeCalls  int
	placeErrs   []error

	closeResult broker.OrderResult
	closeErr    error
	closeCalls  int

	positions    []broker.Position
	positionsErr error

	resolveErr error
}

func (m *mockBroker) ResolveInstrument(ctx context.Context, token, symbol string) (broker.Instrument, error) {
	if m.resolveErr != nil {
		return broker.Instrument{}, m.resolveErr
	}
	return broker.Instrument{UIC: 21, Symbol: symbol}, nil
}

func (m *mockBroker) GetQuote(ctx context.Context, token string, inst broker.Instrument) (broker.Quote, error) {
	return broker.Quote{Instrument: inst.Symbol, Bid: 1.0840, Ask: 1.0842}, nil
}

func (m *mockBroker) GetBalance(ctx context.Context, token string) (broker.Balance, error) {
	return broker.Balance{Currency: "USD", CashBalance: 100000}, nil
}

func (m *mockBroker) PlaceMarketOrder(ctx context.Context, token string, order broker.OrderRequest) (broker.OrderResult, error) {
	m.placeCalls++
	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			return broker.OrderResult{}, err
		}
		return m.placeResult, nil
	}
	if m.placeErr != nil {
		return broker.OrderResult{}, m.placeErr
	}
	return m.placeResult, nil
}

func (m *mockBroker) ListPositions(ctx context.Context, token string, uic int64) ([]broker.Position, error) {
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}
	return m.positions, nil
}

func (m *mockBroker) ClosePosition(ctx context.Context, token string, position broker.Position) (broker.OrderResult, error) {
	m.closeCalls++
	if m.closeErr != nil {
		return broker.OrderResult{}, m.closeErr
	}
	return m.closeResult, nil
}

type mockSessions struct {
	invalidated int
	ensured     int
	ensureErr   error
}

func (m *mockSessions) EnsureActive(ctx context.Context) (*broker.Session, error) {
	m.ensured++
	if m.ensureErr != nil {
		return nil, m.ensureErr
	}
	return &broker.Session{AccessToken: "renewed-token", State: broker.SessionActive}, nil
}

func (m *mockSessions) Invalidate() { m.invalidated++ }

type captureNotifier struct {
	events []notifier.Event
}

func (c *captureNotifier) Notify(ctx context.Context, event notifier.Event) {
	c.events = append(c.events, event)
}

type captureAudit struct {
	events []journal.Event
}

func (c *captureAudit) RecordEvent(ctx context.Context, event journal.Event) {
	c.events = append(c.events, event)
}

func activeSession() *broker.Session {
	return &broker.Session{AccessToken: "access", State: broker.SessionActive, ExpiresAt: time.Now().Add(time.Hour)}
}

func entryIntent(t *testing.T) *intent.Intent {
	t.Helper()
	it, err := intent.New("EURUSD", intent.DirectionBuy,
		time.Date(2025, 6, 10, 9, 0, 0, 0, time.Local),
		time.Date(2025, 6, 10, 17, 0, 0, 0, time.Local), 0)
	if err != nil {
		t.Fatalf("创建意图失败: %v", err)
	}
	it.Amount = 10000
	return it
}

func newTestGateway(client *mockBroker, sessions *mockSessions) (*Gateway, *captureNotifier, *captureAudit) {
	notify := &captureNotifier{}
	audit := &captureAudit{}
	g := New(client, sessions, nil, sizing.NewCalculator(config.TradingConfig{LotSize: 10000}, nil), notify, audit, nil)
	return g, notify, audit
}

func TestPlaceEntry_Success(t *testing.T) {
	client := &mockBroker{placeResult: broker.OrderResult{OrderID: "X1"}}
	g, notify, audit := newTestGateway(client, &mockSessions{})

	it := entryIntent(t)
	result, err := g.PlaceEntry(context.Background(), activeSession(), it)
	if err != nil {
		t.Fatalf("PlaceEntry returned error: %v", err)
	}
	if !result.Success || result.BrokerOrderID != "X1" {
		t.Errorf("unexpected result: %+v", result)
	}

	if len(notify.events) != 1 || notify.events[0].Type != notifier.EventEntered {
		t.Errorf("expected one ENTERED notification, got %+v", notify.events)
	}
	if len(audit.events) != 1 || audit.events[0].Type != journal.EventExecution {
		t.Errorf("expected one audit record, got %+v", audit.events)
	}
}

func TestPlaceEntry_ValidationFailure(t *testing.T) {
	client := &mockBroker{
		placeErr: broker.NewError(broker.KindValidation, "place_order", errors.New("invalid amount")),
	}
	g, notify, _ := newTestGateway(client, &mockSessions{})

	result, err := g.PlaceEntry(context.Background(), activeSession(), entryIntent(t))
	if err == nil {
		t.Fatalf("expected error")
	}
	if result.Success || result.ErrorKind != broker.KindValidation {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(notify.events) != 1 || notify.events[0].Type != notifier.EventFailed {
		t.Errorf("expected one FAILED notification, got %+v", notify.events)
	}
}

func TestPlaceEntry_MarketClosedNotifiesSkip(t *testing.T) {
	client := &mockBroker{
		placeErr: broker.NewError(broker.KindMarketClosed, "place_order", errors.New("market closed")),
	}
	g, notify, _ := newTestGateway(client, &mockSessions{})

	result, err := g.PlaceEntry(context.Background(), activeSession(), entryIntent(t))
	if err == nil {
		t.Fatalf("expected error")
	}
	if result.ErrorKind != broker.KindMarketClosed {
		t.Errorf("unexpected kind: %s", result.ErrorKind)
	}
	if len(notify.events) != 1 || notify.events[0].Type != notifier.EventSkipped {
		t.Errorf("expected one SKIPPED notification, got %+v", notify.events)
	}
}

func TestPlaceEntry_TransientFailureNotNotified(t *testing.T) {
	client := &mockBroker{
		placeErr: broker.NewError(broker.KindTransient, "place_order", errors.New("gateway timeout")),
	}
	g, notify, audit := newTestGateway(client, &mockSessions{})

	_, err := g.PlaceEntry(context.Background(), activeSession(), entryIntent(t))
	if broker.KindOf(err) != broker.KindTransient {
		t.Fatalf("unexpected error: %v", err)
	}
	// 临时失败只进审计，不推送通知。
	if len(notify.events) != 0 {
		t.Errorf("transient failures must not notify, got %+v", notify.events)
	}
	if len(audit.events) != 1 {
		t.Errorf("transient failures must still be audited, got %d", len(audit.events))
	}
}

func TestPlaceEntry_TokenRejectedRetriesOnce(t *testing.T) {
	client := &mockBroker{
		placeResult: broker.OrderResult{OrderID: "X2"},
		placeErrs: []error{
			broker.NewError(broker.KindAuth, "place_order", errors.New("token rejected")),
			nil,
		},
	}
	sessions := &mockSessions{}
	g, notify, _ := newTestGateway(client, sessions)

	result, err := g.PlaceEntry(context.Background(), activeSession(), entryIntent(t))
	if err != nil {
		t.Fatalf("PlaceEntry returned error: %v", err)
	}
	if result.BrokerOrderID != "X2" {
		t.Errorf("unexpected order id: %s", result.BrokerOrderID)
	}
	if sessions.invalidated != 1 || sessions.ensured != 1 {
		t.Errorf("expected invalidate+renew exactly once, got invalidate=%d ensure=%d",
			sessions.invalidated, sessions.ensured)
	}
	if client.placeCalls != 2 {
		t.Errorf("expected exactly one retry, got %d calls", client.placeCalls)
	}
	if len(notify.events) != 1 || notify.events[0].Type != notifier.EventEntered {
		t.Errorf("expected single ENTERED notification, got %+v", notify.events)
	}
}

func TestPlaceEntry_RenewalFailureStopsRetry(t *testing.T) {
	client := &mockBroker{
		placeErr: broker.NewError(broker.KindAuth, "place_order", errors.New("token rejected")),
	}
	sessions := &mockSessions{
		ensureErr: broker.NewError(broker.KindAuth, "ensure_active", errors.New("invalid credentials")),
	}
	g, _, _ := newTestGateway(client, sessions)

	_, err := g.PlaceEntry(context.Background(), activeSession(), entryIntent(t))
	if !broker.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if client.placeCalls != 1 {
		t.Errorf("renewal failure must not retry the order, got %d calls", client.placeCalls)
	}
}

func TestClosePosition_Success(t *testing.T) {
	client := &mockBroker{
		positions:   []broker.Position{{PositionID: "P1", UIC: 21, Amount: 10000}},
		closeResult: broker.OrderResult{OrderID: "X3"},
	}
	g, notify, _ := newTestGateway(client, &mockSessions{})

	it := entryIntent(t)
	if err := it.Transition(intent.StatusEntered); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	it.PositionID = "P1"

	result, err := g.ClosePosition(context.Background(), activeSession(), it)
	if err != nil {
		t.Fatalf("ClosePosition returned error: %v", err)
	}
	if !result.Success || result.BrokerOrderID != "X3" {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(notify.events) != 1 || notify.events[0].Type != notifier.EventClosed {
		t.Errorf("expected one CLOSED notification, got %+v", notify.events)
	}
}

func TestClosePosition_FallsBackToDirectionMatch(t *testing.T) {
	client := &mockBroker{
		positions:   []broker.Position{{PositionID: "P9", UIC: 21, Amount: -10000}},
		closeResult: broker.OrderResult{OrderID: "X4"},
	}
	g, _, _ := newTestGateway(client, &mockSessions{})

	it, _ := intent.New("EURUSD", intent.DirectionSell,
		time.Date(2025, 6, 10, 9, 0, 0, 0, time.Local),
		time.Date(2025, 6, 10, 17, 0, 0, 0, time.Local), 0)
	_ = it.Transition(intent.StatusEntered)

	result, err := g.ClosePosition(context.Background(), activeSession(), it)
	if err != nil {
		t.Fatalf("ClosePosition returned error: %v", err)
	}
	if result.BrokerOrderID != "X4" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestClosePosition_NoPositionIsValidationFailure(t *testing.T) {
	client := &mockBroker{positions: nil}
	g, notify, _ := newTestGateway(client, &mockSessions{})

	it := entryIntent(t)
	_ = it.Transition(intent.StatusEntered)

	result, err := g.ClosePosition(context.Background(), activeSession(), it)
	if broker.KindOf(err) != broker.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if result.Success {
		t.Errorf("result must not be success: %+v", result)
	}
	if client.closeCalls != 0 {
		t.Errorf("no close order should be sent, got %d", client.closeCalls)
	}
	if len(notify.events) != 1 || notify.events[0].Type != notifier.EventFailed {
		t.Errorf("expected one FAILED notification, got %+v", notify.events)
	}
}
