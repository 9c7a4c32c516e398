package trend

import (
	"context"
	"fmt"

	talib "github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"fxbot/internal/broker"
	"fxbot/internal/config"
)

// Direction 为趋势判定结果。
type Direction int

const (
	DirectionRange Direction = 0
	DirectionUp    Direction = 1
	DirectionDown  Direction = -1
)

// candleSource 抽象历史K线来源。
type candleSource interface {
	ResolveInstrument(ctx context.Context, token, symbol string) (broker.Instrument, error)
	FetchCandles(ctx context.Context, token string, inst broker.Instrument, horizonMinutes, count int) ([]broker.Candle, error)
}

// Analyzer 以快慢均线的交叉判断趋势方向。
// 结果只作为黑盒信号附在通知备注上，不拦截任何交易。
type Analyzer struct {
	source candleSource
	cfg    config.TrendConfig
	logger *zap.Logger
}

// NewAnalyzer 创建趋势分析器。
func NewAnalyzer(source candleSource, cfg config.TrendConfig, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{source: source, cfg: cfg, logger: logger}
}

// Evaluate 获取参考货币对的K线并判定趋势。
// 任何失败都降级为盘整，不向上传播。
func (a *Analyzer) Evaluate(ctx context.Context, token string) (Direction, string) {
	inst, err := a.source.ResolveInstrument(ctx, token, a.cfg.Instrument)
	if err != nil {
		a.logger.Warn("趋势参考货币对解析失败", zap.Error(err))
		return DirectionRange, "趋势判定不可用"
	}

	candles, err := a.source.FetchCandles(ctx, token, inst, a.cfg.HorizonMinutes, a.cfg.CandleCount)
	if err != nil {
		a.logger.Warn("趋势K线获取失败", zap.Error(err))
		return DirectionRange, "趋势判定不可用"
	}

	return Detect(candles, a.cfg.FastPeriod, a.cfg.SlowPeriod)
}

// Detect 对收盘价序列计算快慢均线并比较最新值。
func Detect(candles []broker.Candle, fastPeriod, slowPeriod int) (Direction, string) {
	if len(candles) <= slowPeriod {
		return DirectionRange, "K线数量不足"
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	fast := talib.Sma(closes, fastPeriod)
	slow := talib.Sma(closes, slowPeriod)

	lastFast := fast[len(fast)-1]
	lastSlow := slow[len(slow)-1]

	info := fmt.Sprintf("SMA%d=%.5f SMA%d=%.5f", fastPeriod, lastFast, slowPeriod, lastSlow)
	switch {
	case lastFast > lastSlow:
		return DirectionUp, info
	case lastFast < lastSlow:
		return DirectionDown, info
	default:
		return DirectionRange, info
	}
}

// Describe 生成针对具体交易方向的说明文本。
func Describe(direction Direction, buy bool, info string) string {
	switch direction {
	case DirectionUp:
		if buy {
			return fmt.Sprintf("顺应上升趋势 (%s)", info)
		}
		return fmt.Sprintf("逆上升趋势 (%s)", info)
	case DirectionDown:
		if !buy {
			return fmt.Sprintf("顺应下降趋势 (%s)", info)
		}
		return fmt.Sprintf("逆下降趋势 (%s)", info)
	default:
		return fmt.Sprintf("盘整 (%s)", info)
	}
}
