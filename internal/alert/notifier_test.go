package alert

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlert() *Alert {
	return &Alert{
		ID:        "a-1",
		Type:      TypeFailover,
		Severity:  SeverityCritical,
		Message:   "Database failover: primary -> secondary",
		Details:   map[string]any{"to": "secondary", "from": "primary"},
		CreatedAt: time.Unix(1760000000, 0),
	}
}

func TestWebhookNotifierPayload(t *testing.T) {
	var received webhookPayload

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &received))

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, time.Second)

	err := notifier.Notify(context.Background(), testAlert())
	require.NoError(t, err)

	require.Len(t, received.Attachments, 1)
	attachment := received.Attachments[0]
	assert.Equal(t, "#e8642c", attachment.Color)
	assert.Equal(t, "[CRITICAL] failover", attachment.Title)
	assert.Equal(t, "Database failover: primary -> secondary", attachment.Text)
	assert.Equal(t, footer, attachment.Footer)
	assert.Equal(t, int64(1760000000), attachment.Ts)
	assert.Equal(t, []webhookField{
		{Title: "from", Value: "primary", Short: true},
		{Title: "to", Value: "secondary", Short: true},
	}, attachment.Fields)
}

func TestWebhookNotifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, time.Second)
	notifier.delay = time.Millisecond

	err := notifier.Notify(context.Background(), testAlert())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookNotifierDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, time.Second)
	notifier.delay = time.Millisecond

	err := notifier.Notify(context.Background(), testAlert())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConsoleNotifierNeverFails(t *testing.T) {
	notifier := NewConsoleNotifier(nil)

	assert.NoError(t, notifier.Notify(context.Background(), testAlert()))
}
