package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fxbot/internal/intent"
	"fxbot/internal/store"
)

// Record 为意图在持久化日志中的最新状态。
type Record struct {
	IntentID      string
	Status        intent.Status
	BrokerOrderID string
	PositionID    string
	Detail        string
	UpdatedAt     time.Time
}

// EventType 表示审计事件类型。
type EventType string

const (
	EventRunStart  EventType = "run_start"
	EventExecution EventType = "execution"
	EventSkip      EventType = "skip"
	EventError     EventType = "error"
	EventRunEnd    EventType = "run_end"
)

// Event 封装通用审计事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Journal 负责意图状态与审计事件的持久化。
// 跨进程重启的幂等保障依赖 trade_log 表。
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// New 初始化执行日志，创建所需表结构。
func New(store *store.Store, logger *zap.Logger) (*Journal, error) {
	if store == nil {
		return nil, fmt.Errorf("journal: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	j := &Journal{
		db:     store.DB(),
		logger: logger,
	}

	if err := j.initSchema(); err != nil {
		return nil, err
	}

	return j, nil
}

func (j *Journal) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS trade_log (
	intent_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	broker_order_id TEXT NOT NULL DEFAULT '',
	position_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);
`
	if _, err := j.db.Exec(stmt); err != nil {
		return fmt.Errorf("journal: 初始化表失败: %w", err)
	}
	return nil
}

// RecordStatus 写入或更新意图的最新状态。
func (j *Journal) RecordStatus(ctx context.Context, it *intent.Intent, detail string) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO trade_log (intent_id, status, broker_order_id, position_id, detail, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(intent_id) DO UPDATE SET
	status = excluded.status,
	broker_order_id = excluded.broker_order_id,
	position_id = excluded.position_id,
	detail = excluded.detail,
	updated_at = excluded.updated_at`,
		it.ID, string(it.Status), it.BrokerOrderID, it.PositionID, detail,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("journal: 写入交易日志失败: %w", err)
	}
	return nil
}

// LookupStatuses 读取全部已记录的意图状态，供启动时对账。
func (j *Journal) LookupStatuses(ctx context.Context) (map[string]Record, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT intent_id, status, broker_order_id, position_id, detail, updated_at FROM trade_log`)
	if err != nil {
		return nil, fmt.Errorf("journal: 查询交易日志失败: %w", err)
	}
	defer rows.Close()

	records := make(map[string]Record)
	for rows.Next() {
		var rec Record
		var status, updated string
		if scanErr := rows.Scan(&rec.IntentID, &status, &rec.BrokerOrderID, &rec.PositionID, &rec.Detail, &updated); scanErr != nil {
			return nil, fmt.Errorf("journal: 解析交易日志失败: %w", scanErr)
		}
		rec.Status = intent.Status(status)
		if ts, parseErr := time.Parse(time.RFC3339, updated); parseErr == nil {
			rec.UpdatedAt = ts
		}
		records[rec.IntentID] = rec
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: 读取交易日志失败: %w", err)
	}

	return records, nil
}

// RecordEvent 写入单个审计事件，失败只记录日志不影响主流程。
func (j *Journal) RecordEvent(ctx context.Context, event Event) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		j.logger.Warn("序列化审计事件失败", zap.Error(err))
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		j.logger.Warn("写入审计事件失败", zap.Error(err))
	}
}

// ListEvents 按类型检索最近事件。
func (j *Journal) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM audit_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: 查询审计事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("journal: 解析审计事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: 读取审计事件失败: %w", err)
	}

	return events, nil
}
