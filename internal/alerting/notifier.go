package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification 封装近距离告警上下文。
type Notification struct {
	SessionID       string
	SourceAddress   uint32
	PeerAddress     string
	ReceivedAt      time.Time
	DistanceMeters  decimal.Decimal
	ThresholdMeters decimal.Decimal
	SignalDBm       decimal.Decimal
	SightingCount   uint64
	AdditionalMsg   string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
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
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	})
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
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false")
	}

	n.logger.Info().
		Str("source", fmt.Sprintf("%08x", note.SourceAddress)).
		Str("distance_m", note.DistanceMeters.StringFixed(2)).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Beacon Proximity Alert]\n")
	builder.WriteString(fmt.Sprintf("Source: %08x via %s\n", note.SourceAddress, note.PeerAddress))
	builder.WriteString(fmt.Sprintf("Seen: %s UTC\n", note.ReceivedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Distance: %s m (threshold %s m)\n", note.DistanceMeters.StringFixed(2), note.ThresholdMeters.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Signal: %s dBm\n", note.SignalDBm.StringFixed(0)))
	builder.WriteString(fmt.Sprintf("Sightings: %d\n", note.SightingCount))
	if note.SessionID != "" {
		builder.WriteString(fmt.Sprintf("Session: %s\n", note.SessionID))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
