package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"supply-integrity/internal/metrics"
	"supply-integrity/internal/storage"
)

// Notification 封装告警上下文。
type Notification struct {
	BatchID       string           `json:"batchId"`
	AlertID       string           `json:"alertId"`
	Reason        string           `json:"reason"`
	Transfer      storage.Transfer `json:"transfer"`
	RaisedAt      time.Time        `json:"raisedAt"`
	AdditionalMsg string           `json:"message,omitempty"`
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Multi delivers to every channel and joins their errors.
type Multi struct {
	channels map[string]Notifier
	order    []string
}

// NewMulti builds an empty fan-out notifier.
func NewMulti() *Multi {
	return &Multi{channels: make(map[string]Notifier)}
}

// Add registers a named channel. Nil notifiers are ignored.
func (m *Multi) Add(name string, n Notifier) *Multi {
	if n == nil {
		return m
	}
	if _, exists := m.channels[name]; !exists {
		m.order = append(m.order, name)
	}
	m.channels[name] = n
	return m
}

// Len reports how many channels are registered.
func (m *Multi) Len() int {
	return len(m.order)
}

// Notify 依次推送到所有通道，单个通道失败不影响其它通道。
func (m *Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, name := range m.order {
		if err := m.channels[name].Notify(ctx, note); err != nil {
			metrics.NotificationsTotal.WithLabelValues(name, "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(name, "ok").Inc()
	}
	return errors.Join(errs...)
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().
		Str("batch_id", note.BatchID).
		Str("reason", note.Reason).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Batch Integrity Alert]\n")
	builder.WriteString(fmt.Sprintf("Batch: %s\n", note.BatchID))
	builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
	builder.WriteString(fmt.Sprintf("Transfer: %s -> %s\n", note.Transfer.From, note.Transfer.To))
	if note.Transfer.Timestamp > 0 {
		builder.WriteString(fmt.Sprintf("Transfer time: %s UTC\n", time.UnixMilli(note.Transfer.Timestamp).UTC().Format(time.RFC3339)))
	}
	if note.Transfer.Location != "" {
		builder.WriteString(fmt.Sprintf("Location: %s\n", note.Transfer.Location))
	}
	if note.Transfer.TxHash != "" {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", note.Transfer.TxHash))
	}
	if !note.RaisedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Raised: %s UTC\n", note.RaisedAt.UTC().Format(time.RFC3339)))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Multi)(nil)
)
