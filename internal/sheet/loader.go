package sheet

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"fxbot/internal/config"
	"fxbot/internal/intent"
)

// Row 是计划表中的一行原始数据。
type Row struct {
	Instrument string
	EntryTime  string
	CloseTime  string
	Direction  string
	Line       int
}

// LoadFailure 记录解析失败的行，运行继续，失败行不参与执行。
type LoadFailure struct {
	Line   int
	Reason string
}

// Loader 从公开表格（或本地CSV）读取当日的交易意图。
type Loader struct {
	cfg    config.SheetConfig
	client *http.Client
	logger *zap.Logger
}

// NewLoader 创建计划表读取器。
func NewLoader(cfg config.SheetConfig, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Load 读取并解析当日的交易意图，按入场时间升序返回。
// day 决定选择哪个星期块，tradingDay 决定意图的交易日。
func (l *Loader) Load(ctx context.Context, tradingDay time.Time) ([]*intent.Intent, []LoadFailure, error) {
	records, err := l.fetch(ctx)
	if err != nil {
		return nil, nil, err
	}

	block := selectWeekdayBlock(records, int(tradingDay.Weekday()))
	if len(block) == 0 {
		l.logger.Warn("计划表中没有找到有效的星期块")
		return nil, nil, nil
	}

	rows := dataRows(block)
	intents, failures := Parse(rows, tradingDay)

	for _, f := range failures {
		l.logger.Warn("计划表行解析失败，已排除",
			zap.Int("line", f.Line),
			zap.String("reason", f.Reason),
		)
	}

	sort.SliceStable(intents, func(a, b int) bool {
		return intents[a].EntryAt.Before(intents[b].EntryAt)
	})

	return intents, failures, nil
}

func (l *Loader) fetch(ctx context.Context) ([][]string, error) {
	if l.cfg.Path != "" {
		f, err := os.Open(l.cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("打开计划表文件失败: %w", err)
		}
		defer f.Close()
		return readCSV(f)
	}

	csvURL, err := ExportURL(l.cfg.URL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, csvURL, nil)
	if err != nil {
		return nil, fmt.Errorf("构造计划表请求失败: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("下载计划表失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("下载计划表失败: http %d", resp.StatusCode)
	}

	return readCSV(resp.Body)
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("解析CSV失败: %w", err)
	}
	return records, nil
}

// ExportURL 将 Google 表格链接转换为CSV导出链接。
func ExportURL(sheetURL string) (string, error) {
	const marker = "/d/"
	idx := strings.Index(sheetURL, marker)
	if idx < 0 {
		return "", fmt.Errorf("无法从 %q 提取表格ID", sheetURL)
	}
	rest := sheetURL[idx+len(marker):]
	end := strings.Index(rest, "/")
	if end < 0 {
		end = len(rest)
	}
	id := rest[:end]
	if id == "" {
		return "", fmt.Errorf("无法从 %q 提取表格ID", sheetURL)
	}
	return fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/gviz/tq?tqx=out:csv", id), nil
}

// isHeaderRow 判断是否为块的表头行：
// 首列包含「通貨ペア」，或第二列为「エントリ」。
func isHeaderRow(row []string) bool {
	if len(row) == 0 {
		return false
	}
	if strings.Contains(strings.TrimSpace(row[0]), "通貨ペア") {
		return true
	}
	if len(row) > 1 && strings.TrimSpace(row[1]) == "エントリ" {
		return true
	}
	return false
}

func isTotalRow(row []string) bool {
	return len(row) > 0 && strings.TrimSpace(row[0]) == "合計"
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// selectWeekdayBlock 把表格切分为星期块并选出当日的块。
// 块按 周一..周五 顺序排列；周末或找不到对应块时退回第一个块。
func selectWeekdayBlock(records [][]string, weekday int) [][]string {
	var blocks [][][]string
	var current [][]string
	inBlock := false

	for _, row := range records {
		if isEmptyRow(row) {
			continue
		}
		if isHeaderRow(row) {
			if len(current) > 0 {
				blocks = append(blocks, current)
			}
			current = [][]string{row}
			inBlock = true
			continue
		}
		if isTotalRow(row) {
			if inBlock {
				blocks = append(blocks, current)
				current = nil
				inBlock = false
			}
			continue
		}
		if inBlock {
			current = append(current, row)
		}
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}

	if len(blocks) == 0 {
		return nil
	}

	// time.Weekday: Sunday=0。块顺序以周一为首。
	idx := weekday - 1
	if idx >= 0 && idx <= 4 && idx < len(blocks) {
		return blocks[idx]
	}
	return blocks[0]
}

func dataRows(block [][]string) []Row {
	rows := make([]Row, 0, len(block))
	for i, raw := range block {
		if i == 0 {
			continue // 表头
		}
		if isTotalRow(raw) || isEmptyRow(raw) {
			continue
		}
		row := Row{Line: i + 1}
		if len(raw) > 0 {
			row.Instrument = strings.TrimSpace(raw[0])
		}
		if len(raw) > 1 {
			row.EntryTime = strings.TrimSpace(raw[1])
		}
		if len(raw) > 2 {
			row.CloseTime = strings.TrimSpace(raw[2])
		}
		if len(raw) > 3 {
			row.Direction = strings.TrimSpace(raw[3])
		}
		rows = append(rows, row)
	}
	return rows
}

// Parse 将原始行转换为交易意图，非法行记录为 LoadFailure。
func Parse(rows []Row, tradingDay time.Time) ([]*intent.Intent, []LoadFailure) {
	intents := make([]*intent.Intent, 0, len(rows))
	failures := make([]LoadFailure, 0)

	for i, row := range rows {
		if row.Instrument == "" {
			continue
		}
		if row.EntryTime == "" || row.CloseTime == "" {
			continue
		}

		entryAt, err := atClock(tradingDay, row.EntryTime)
		if err != nil {
			failures = append(failures, LoadFailure{Line: row.Line, Reason: fmt.Sprintf("入场时间无效: %v", err)})
			continue
		}
		closeAt, err := atClock(tradingDay, row.CloseTime)
		if err != nil {
			failures = append(failures, LoadFailure{Line: row.Line, Reason: fmt.Sprintf("收盘时间无效: %v", err)})
			continue
		}
		direction, err := intent.ParseDirection(row.Direction)
		if err != nil {
			failures = append(failures, LoadFailure{Line: row.Line, Reason: err.Error()})
			continue
		}

		it, err := intent.New(row.Instrument, direction, entryAt, closeAt, i)
		if err != nil {
			failures = append(failures, LoadFailure{Line: row.Line, Reason: err.Error()})
			continue
		}
		it.Memo = fmt.Sprintf("%s-%s %s", row.EntryTime, row.CloseTime, direction)
		intents = append(intents, it)
	}

	return intents, failures
}

// atClock 在交易日上套用 HH:MM 时刻。
func atClock(day time.Time, clock string) (time.Time, error) {
	parts := strings.Split(clock, ":")
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("时间格式应为 HH:MM，实际为 %q", clock)
	}
	hour, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || hour < 0 || hour > 23 {
		return time.Time{}, fmt.Errorf("小时无效: %q", parts[0])
	}
	minute, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("分钟无效: %q", parts[1])
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location()), nil
}
