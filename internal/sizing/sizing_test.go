package sizing

import (
	"testing"

	"fxbot/internal/config"
	"fxbot/internal/intent"
)

func TestUnits_FixedLotWhenAutoDisabled(t *testing.T) {
	calc := NewCalculator(config.TradingConfig{LotSize: 10000, Leverage: 3}, nil)
	got := calc.Units(Input{Instrument: "EURUSD", Direction: intent.DirectionBuy, CashBalance: 500000, Ask: 1.0842})
	if got != 10000 {
		t.Errorf("Units = %v, want fixed 10000", got)
	}
}

func TestUnits_AutoLotJPYQuoted(t *testing.T) {
	calc := NewCalculator(config.TradingConfig{LotSize: 10000, Leverage: 3, AutoLot: true}, nil)
	// 1000000 * 3 / 150 = 20000 单位 = 0.20 手。
	got := calc.Units(Input{
		Instrument:  "USDJPY",
		Direction:   intent.DirectionBuy,
		CashBalance: 1000000,
		Bid:         149.98,
		Ask:         150.00,
	})
	if got != 20000 {
		t.Errorf("Units = %v, want 20000", got)
	}
}

func TestUnits_AutoLotUSDQuotedConverts(t *testing.T) {
	calc := NewCalculator(config.TradingConfig{LotSize: 10000, Leverage: 3, AutoLot: true}, nil)
	// 美元计价：价格先乘 USDJPY 再算。1000000*3/(1.0000*150) = 20000。
	got := calc.Units(Input{
		Instrument:  "EURUSD",
		Direction:   intent.DirectionBuy,
		CashBalance: 1000000,
		Bid:         0.9998,
		Ask:         1.0000,
		USDJPYBid:   149.98,
		USDJPYAsk:   150.00,
	})
	if got != 20000 {
		t.Errorf("Units = %v, want 20000", got)
	}
}

func TestUnits_SellUsesBidSide(t *testing.T) {
	calc := NewCalculator(config.TradingConfig{LotSize: 10000, Leverage: 3, AutoLot: true}, nil)
	buy := calc.Units(Input{Instrument: "USDJPY", Direction: intent.DirectionBuy,
		CashBalance: 1000000, Bid: 100.00, Ask: 200.00})
	sell := calc.Units(Input{Instrument: "USDJPY", Direction: intent.DirectionSell,
		CashBalance: 1000000, Bid: 100.00, Ask: 200.00})
	if buy >= sell {
		t.Errorf("sell must use bid price: buy=%v sell=%v", buy, sell)
	}
}

func TestUnits_Fallbacks(t *testing.T) {
	calc := NewCalculator(config.TradingConfig{LotSize: 10000, Leverage: 3, AutoLot: true}, nil)

	// 余额不可用退回固定手数。
	if got := calc.Units(Input{Instrument: "USDJPY", Direction: intent.DirectionBuy, Ask: 150}); got != 10000 {
		t.Errorf("missing balance: Units = %v, want 10000", got)
	}
	// 报价无效退回固定手数。
	if got := calc.Units(Input{Instrument: "USDJPY", Direction: intent.DirectionBuy, CashBalance: 1000000}); got != 10000 {
		t.Errorf("missing quote: Units = %v, want 10000", got)
	}
	// 美元计价缺少USDJPY报价退回固定手数。
	if got := calc.Units(Input{Instrument: "EURUSD", Direction: intent.DirectionBuy,
		CashBalance: 1000000, Bid: 1.0840, Ask: 1.0842}); got != 10000 {
		t.Errorf("missing usdjpy: Units = %v, want 10000", got)
	}
}

func TestUnits_MinimumFloor(t *testing.T) {
	calc := NewCalculator(config.TradingConfig{LotSize: 10000, Leverage: 1, AutoLot: true}, nil)
	// 余额过小仍保证最小 0.01 手。
	got := calc.Units(Input{
		Instrument:  "USDJPY",
		Direction:   intent.DirectionBuy,
		CashBalance: 100,
		Bid:         149.98,
		Ask:         150.00,
	})
	if got != 1000 {
		t.Errorf("Units = %v, want minimum 1000", got)
	}
}
