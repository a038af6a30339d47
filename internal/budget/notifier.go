package budget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cost-optimizer/internal/anomaly"
)

// Event is what happened to an alert
type Event string

const (
	EventRaised   Event = "raised"
	EventResolved Event = "resolved"
	EventAnomaly  Event = "anomaly"
)

// Notification is delivered to external consumers
type Notification struct {
	Event      Event            `json:"event"`
	Alert      *Alert           `json:"alert,omitempty"`
	Anomaly    *anomaly.Verdict `json:"anomaly,omitempty"`
	Message    string           `json:"message"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Notifier delivers notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the logger
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a new LogNotifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	fields := []zap.Field{zap.String("event", string(n.Event))}
	if n.Alert != nil {
		fields = append(fields,
			zap.String("alert_id", n.Alert.ID),
			zap.String("scope", n.Alert.ScopeKey),
			zap.String("level", string(n.Alert.Level)),
			zap.String("current_spend", n.Alert.CurrentSpend.StringFixed(2)),
			zap.String("budget_amount", n.Alert.BudgetAmount.StringFixed(2)),
		)
	}
	if n.Anomaly != nil {
		fields = append(fields,
			zap.String("series", n.Anomaly.Series.String()),
			zap.String("severity", string(n.Anomaly.Severity)),
			zap.Float64("deviation_ratio", n.Anomaly.DeviationRatio),
		)
	}
	l.logger.Warn(n.Message, fields...)
	return nil
}

// WebhookNotifier posts Slack-compatible {"text": ...} payloads
type WebhookNotifier struct {
	url     string
	channel string
	client  *http.Client
}

// NewWebhookNotifier creates a notifier for an incoming webhook URL
func NewWebhookNotifier(url, channel string) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		channel: channel,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	payload := map[string]string{"text": fmt.Sprintf("*[cost-optimizer/%s]* %s", n.Event, n.Message)}
	if w.channel != "" {
		payload["channel"] = w.channel
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from webhook", resp.StatusCode)
	}
	return nil
}

// MultiNotifier fans out to every notifier and joins their errors
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errList []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
