package notifier

import (
	"context"
	"time"
)

// EventType 表示对外通知的事件类型。
type EventType string

const (
	EventEntered EventType = "ENTERED"
	EventClosed  EventType = "CLOSED"
	EventSkipped EventType = "SKIPPED"
	EventFailed  EventType = "FAILED"
	EventFatal   EventType = "FATAL"
	EventInfo    EventType = "INFO"
)

// Event 为一次生命周期通知。
type Event struct {
	Type      EventType
	IntentID  string
	Timestamp time.Time
	Detail    string
}

// Notifier 接收生命周期事件并尽力送达。
// 送达失败绝不影响意图状态，调用方无需关心结果。
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Nop 在未配置外发渠道时使用。
type Nop struct{}

// Notify 丢弃事件。
func (Nop) Notify(ctx context.Context, event Event) {}
