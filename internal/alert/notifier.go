package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"github.com/avast/retry-go"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const footer = "callflow alert manager"

var severityColors = map[Severity]string{
	SeverityWarning:   "#f2c744",
	SeverityCritical:  "#e8642c",
	SeverityEmergency: "#d50200",
}

type ConsoleNotifier struct {
	logger *zap.Logger
}

func NewConsoleNotifier(logger *zap.Logger) *ConsoleNotifier {
	return &ConsoleNotifier{logger: logging.Or(logger)}
}

func (c *ConsoleNotifier) Notify(_ context.Context, alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.Any("details", alert.Details),
	}

	switch alert.Severity {
	case SeverityWarning:
		c.logger.Warn("[ALERT] "+alert.Message, fields...)
	default:
		c.logger.Error("[ALERT] "+alert.Message, fields...)
	}

	return nil
}

type webhookField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type webhookAttachment struct {
	Color  string         `json:"color"`
	Title  string         `json:"title"`
	Text   string         `json:"text"`
	Fields []webhookField `json:"fields"`
	Footer string         `json:"footer"`
	Ts     int64          `json:"ts"`
}

type webhookPayload struct {
	Attachments []webhookAttachment `json:"attachments"`
}

// WebhookNotifier posts chat-style attachments to an incoming webhook.
type WebhookNotifier struct {
	url            string
	client         *http.Client
	attempts       uint
	delay          time.Duration
	circuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		url:            url,
		client:         &http.Client{Timeout: timeout},
		attempts:       3,
		delay:          time.Second,
		circuitBreaker: circuitbreak.New[any](circuitbreak.WebhookService, 60, 5),
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(buildPayload(alert))
	if err != nil {
		return err
	}

	_, err = w.circuitBreaker.Execute(func() (any, error) {
		return nil, retry.Do(
			func() error {
				return w.post(ctx, body)
			},
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.DelayType(retry.BackOffDelay),
			retry.Delay(w.delay),
			retry.LastErrorOnly(true),
		)
	})

	return err
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		err = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Unrecoverable(err)
		}

		return err
	}

	return nil
}

func buildPayload(alert *Alert) webhookPayload {
	keys := make([]string, 0, len(alert.Details))
	for key := range alert.Details {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	fields := make([]webhookField, 0, len(keys))
	for _, key := range keys {
		fields = append(fields, webhookField{
			Title: key,
			Value: fmt.Sprintf("%v", alert.Details[key]),
			Short: true,
		})
	}

	return webhookPayload{
		Attachments: []webhookAttachment{{
			Color:  severityColors[alert.Severity],
			Title:  fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Type),
			Text:   alert.Message,
			Fields: fields,
			Footer: footer,
			Ts:     alert.CreatedAt.Unix(),
		}},
	}
}
