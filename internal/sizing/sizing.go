package sizing

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"fxbot/internal/config"
	"fxbot/internal/intent"
)

// 1手 = 100000 货币单位，最小下单 0.01 手。
const (
	unitsPerLot = 100000
	minLots     = 0.01
	minUnits    = 1000
)

// Input 为一次手数计算所需的市场与账户数据。
type Input struct {
	Instrument  string
	Direction   intent.Direction
	CashBalance float64
	Bid         float64
	Ask         float64
	// 美元计价货币对换算用的 USDJPY 报价，非美元计价时可为零。
	USDJPYBid float64
	USDJPYAsk float64
}

// Calculator 根据账户余额与杠杆计算下单手数。
type Calculator struct {
	cfg    config.TradingConfig
	logger *zap.Logger
}

// NewCalculator 创建手数计算器。
func NewCalculator(cfg config.TradingConfig, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{cfg: cfg, logger: logger}
}

// Units 返回应下单的货币单位数。
// 未启用自动手数或余额不可用时退回固定手数。
func (c *Calculator) Units(in Input) float64 {
	if !c.cfg.AutoLot || in.CashBalance <= 0 {
		return c.cfg.LotSize
	}

	price := in.Ask
	usdjpy := in.USDJPYAsk
	if in.Direction == intent.DirectionSell {
		price = in.Bid
		usdjpy = in.USDJPYBid
	}
	if price <= 0 {
		c.logger.Warn("报价无效，退回固定手数",
			zap.String("instrument", in.Instrument),
		)
		return c.cfg.LotSize
	}

	// 美元计价货币对（如EURUSD）先换算为日元价值。
	if isUSDQuoted(in.Instrument) {
		if usdjpy <= 0 {
			c.logger.Warn("缺少USDJPY报价，退回固定手数",
				zap.String("instrument", in.Instrument),
			)
			return c.cfg.LotSize
		}
		price *= usdjpy
	}

	rawUnits := in.CashBalance * c.cfg.Leverage / price
	lots := math.Round(rawUnits/unitsPerLot*100) / 100
	if lots < minLots {
		lots = minLots
	}

	units := lots * unitsPerLot
	if units < minUnits {
		units = minUnits
	}

	c.logger.Info("自动手数计算完成",
		zap.String("instrument", in.Instrument),
		zap.String("lots", fmt.Sprintf("%.2f", lots)),
		zap.Float64("units", units),
	)

	return units
}

func isUSDQuoted(instrument string) bool {
	return strings.HasSuffix(intent.NormalizeInstrument(instrument), "USD")
}
