package scheduler

import "time"

// Clock 抽象墙钟，测试中用模拟时钟替换。
type Clock interface {
	Now() time.Time
}

// SystemClock 使用系统时间。
type SystemClock struct{}

// Now 返回当前本地时间。
func (SystemClock) Now() time.Time {
	return time.Now()
}
