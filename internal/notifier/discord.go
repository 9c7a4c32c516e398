package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"fxbot/internal/config"
)

// Discord 通过 Webhook 推送通知。
type Discord struct {
	webhookURL string
	client     *http.Client
	logger     *zap.Logger
}

// NewDiscord 创建 Discord 通知器。
func NewDiscord(cfg config.NotifierConfig, logger *zap.Logger) *Discord {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discord{
		webhookURL: cfg.WebhookURL,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Notify 将事件格式化后推送到 Webhook。尽力而为：
// 任何失败只记录警告，不向调用方传播。
func (d *Discord) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	payload, err := json.Marshal(map[string]string{
		"content": format(event),
	})
	if err != nil {
		d.logger.Warn("序列化通知失败", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Warn("构造通知请求失败", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("发送通知失败",
			zap.String("event", string(event.Type)),
			zap.Error(err),
		)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.logger.Warn("通知被拒绝",
			zap.String("event", string(event.Type)),
			zap.Int("status", resp.StatusCode),
		)
	}
}

func format(event Event) string {
	prefix := ""
	switch event.Type {
	case EventEntered:
		prefix = "✅ 开仓"
	case EventClosed:
		prefix = "🏁 平仓"
	case EventSkipped:
		prefix = "⏰ 跳过"
	case EventFailed:
		prefix = "❌ 失败"
	case EventFatal:
		prefix = "⚠️ 致命错误"
	default:
		prefix = "📊"
	}

	if event.IntentID == "" {
		return fmt.Sprintf("%s %s", prefix, event.Detail)
	}
	return fmt.Sprintf("%s [%s] %s", prefix, event.IntentID, event.Detail)
}
