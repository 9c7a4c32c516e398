package broker

import (
	"fmt"
	"time"
)

// SessionState 表示会话的生命周期状态。
type SessionState string

const (
	SessionUnauthenticated SessionState = "UNAUTHENTICATED"
	SessionActive          SessionState = "ACTIVE"
	SessionExpiring        SessionState = "EXPIRING"
	SessionFailed          SessionState = "FAILED"
)

// Session 是一条经过认证、有时限的经纪商连接。
// 令牌为敏感信息，日志中只允许出现截断形式。
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	State        SessionState
}

// ValidFor 判断会话在 lookahead 窗口内是否仍然有效。
func (s *Session) ValidFor(lookahead time.Duration, now time.Time) bool {
	if s == nil || s.State != SessionActive {
		return false
	}
	return now.Add(lookahead).Before(s.ExpiresAt)
}

// Redacted 返回可安全记录的令牌形式。
func (s *Session) Redacted() string {
	if s == nil || s.AccessToken == "" {
		return "<none>"
	}
	token := s.AccessToken
	if len(token) <= 8 {
		return "***"
	}
	return fmt.Sprintf("%s...", token[:8])
}

// Token 为一次认证或刷新的结果。
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Quote 为某货币对的即时报价。
type Quote struct {
	Instrument string
	Bid        float64
	Ask        float64
	Timestamp  time.Time
}

// Candle 为单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
}

// Instrument 为货币对的元数据。
type Instrument struct {
	UIC    int64
	Symbol string
}

// Balance 为账户资金概要。
type Balance struct {
	Currency        string
	CashBalance     float64
	MarginAvailable float64
	TotalValue      float64
}

// OrderRequest 为一笔市价委托。
type OrderRequest struct {
	UIC        int64
	Instrument string
	BuySide    bool
	Amount     float64
}

// OrderResult 为下单或平仓的回执。
type OrderResult struct {
	OrderID string
}

// Position 为账户中一笔未平仓头寸。
type Position struct {
	PositionID string
	UIC        int64
	Instrument string
	Amount     float64
}
