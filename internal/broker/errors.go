package broker

import (
	"errors"
	"fmt"
)

// Kind 对经纪商错误进行分类，调度器依据分类决定重试与状态迁移。
type Kind string

const (
	// KindAuth 凭证被拒绝，对整个运行是致命的。
	KindAuth Kind = "auth"
	// KindTransientAuth 认证链路的临时故障，重试耗尽后在下个周期再试。
	KindTransientAuth Kind = "transient_auth"
	// KindTransient 网络超时、限流、5xx 等可重试故障。
	KindTransient Kind = "transient"
	// KindValidation 请求本身非法，针对单个意图不可重试。
	KindValidation Kind = "validation"
	// KindMarketClosed 市场关闭，当前窗口内不可重试。
	KindMarketClosed Kind = "market_closed"
)

// Error 为带分类的经纪商错误。
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("broker: %s (%s)", e.Op, e.Kind)
	}
	return fmt.Sprintf("broker: %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 构造分类错误。
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 提取错误分类，未分类错误按可重试处理。
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}

// IsAuth 判断是否为致命认证错误。
func IsAuth(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}

// IsRetryable 判断错误是否可在后续重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransient, KindTransientAuth:
		return true
	default:
		return false
	}
}
