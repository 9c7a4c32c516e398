package gateway

import (
	"time"

	"fxbot/internal/broker"
)

// ExecutionResult 为一次下单或平仓调用的不可变结果。
type ExecutionResult struct {
	Success       bool
	BrokerOrderID string
	PositionID    string
	ErrorKind     broker.Kind
	Detail        string
	Timestamp     time.Time
}

// Op 标识网关操作类型。
type Op string

const (
	OpEntry Op = "entry"
	OpClose Op = "close"
)
