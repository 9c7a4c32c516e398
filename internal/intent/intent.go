package intent

import (
	"fmt"
	"strings"
	"time"
)

// Direction 表示交易方向。
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// ParseDirection 将表格中的方向文本标准化为 BUY/SELL。
func ParseDirection(raw string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "LONG", "L", "買い":
		return DirectionBuy, nil
	case "SELL", "SHORT", "S", "売り":
		return DirectionSell, nil
	default:
		return "", fmt.Errorf("无法识别的交易方向 %q", raw)
	}
}

// Status 表示意图在生命周期中的状态，只允许单向前进。
type Status string

const (
	StatusPending Status = "PENDING"
	StatusEntered Status = "ENTERED"
	StatusClosed  Status = "CLOSED"
	StatusSkipped Status = "SKIPPED"
	StatusFailed  Status = "FAILED"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusClosed, StatusSkipped, StatusFailed:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusEntered, StatusSkipped, StatusFailed},
	StatusEntered: {StatusClosed, StatusFailed},
}

// Intent 对应计划表中的一行交易意图。
type Intent struct {
	ID         string
	Instrument string
	Direction  Direction
	EntryAt    time.Time
	CloseAt    time.Time
	Status     Status
	Row        int
	Amount     float64
	Memo       string

	BrokerOrderID string
	PositionID    string
}

// New 根据解析后的字段构造意图，并确保 CloseAt > EntryAt。
// 收盘时间早于或等于开仓时间时视为次日收盘。
func New(instrument string, direction Direction, entryAt, closeAt time.Time, row int) (*Intent, error) {
	instrument = NormalizeInstrument(instrument)
	if instrument == "" {
		return nil, fmt.Errorf("货币对不能为空")
	}
	if !closeAt.After(entryAt) {
		closeAt = closeAt.Add(24 * time.Hour)
	}

	it := &Intent{
		ID:         DeriveID(entryAt, instrument, direction),
		Instrument: instrument,
		Direction:  direction,
		EntryAt:    entryAt,
		CloseAt:    closeAt,
		Status:     StatusPending,
		Row:        row,
	}
	return it, nil
}

// DeriveID 由交易日、开仓时间与货币对推导稳定的意图标识。
// 同一张表重复加载必须得到相同ID，重复检测依赖该性质。
func DeriveID(entryAt time.Time, instrument string, direction Direction) string {
	return fmt.Sprintf("%s-%s-%s-%s",
		entryAt.Format("20060102"),
		entryAt.Format("1504"),
		NormalizeInstrument(instrument),
		direction,
	)
}

// NormalizeInstrument 去除分隔符并统一为大写，如 usd_jpy → USDJPY。
func NormalizeInstrument(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "/", "")
	return s
}

// Transition 将意图迁移到新状态，终态不可再变更，也不允许回退。
func (i *Intent) Transition(to Status) error {
	if i.Status == to {
		return fmt.Errorf("意图 %s 已处于状态 %s", i.ID, to)
	}
	for _, allowed := range allowedTransitions[i.Status] {
		if allowed == to {
			i.Status = to
			return nil
		}
	}
	return fmt.Errorf("意图 %s 不允许从 %s 迁移到 %s", i.ID, i.Status, to)
}

// AppendMemo 在备注后追加说明。
func (i *Intent) AppendMemo(note string) {
	if note == "" {
		return
	}
	if i.Memo == "" {
		i.Memo = note
		return
	}
	i.Memo = i.Memo + " | " + note
}
