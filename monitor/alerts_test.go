package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingHandler struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (h *recordingHandler) Name() string { return "recording" }

func (h *recordingHandler) HandleAlert(ctx context.Context, alert *Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, alert)
	return nil
}

func (h *recordingHandler) received() []*Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Alert(nil), h.alerts...)
}

func dlqUpdate(t *testing.T, m *SnapshotManager, dlq int64) *Snapshot {
	t.Helper()
	require.NoError(t, m.Update(rawUpdate(true, "", map[string]int64{
		"queue://ns.order.submit":     1,
		"queue://DLQ.ns.order.submit": dlq,
	})))
	s, ok := m.Snapshot()
	require.True(t, ok)
	return s
}

func TestDeadLetterAlerter_Evaluate(t *testing.T) {
	m := newTestManager()
	alerter := NewDeadLetterAlerter(m, nil,
		WithCriticalThreshold(10),
		WithAlertClock(func() time.Time { return sampleTime }))

	alerts := alerter.evaluate(dlqUpdate(t, m, 2).Fabric)
	require.Len(t, alerts, 1)
	first := alerts[0]
	assert.Equal(t, "order.submit", first.StageID)
	assert.Equal(t, AlertLevelWarning, first.Level)
	assert.Equal(t, int64(2), first.DeadLetters)
	assert.False(t, first.Resolved)

	t.Run("unchanged or shrinking count stays quiet", func(t *testing.T) {
		assert.Empty(t, alerter.evaluate(dlqUpdate(t, m, 2).Fabric))
		assert.Empty(t, alerter.evaluate(dlqUpdate(t, m, 1).Fabric))
		assert.Len(t, alerter.Active(), 1)
	})

	t.Run("growth escalates", func(t *testing.T) {
		alerts := alerter.evaluate(dlqUpdate(t, m, 12).Fabric)
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertLevelCritical, alerts[0].Level)
		assert.Equal(t, 2, alerts[0].Occurrences)
		assert.Equal(t, first.FirstSeen, alerts[0].FirstSeen)
	})

	t.Run("drained stage resolves", func(t *testing.T) {
		alerts := alerter.evaluate(dlqUpdate(t, m, 0).Fabric)
		require.Len(t, alerts, 1)
		assert.True(t, alerts[0].Resolved)
		require.NotNil(t, alerts[0].ResolvedAt)
		assert.Equal(t, AlertLevelInfo, alerts[0].Level)
		assert.Empty(t, alerter.Active())
	})
}

func TestDeadLetterAlerter_NotifiesHandlers(t *testing.T) {
	m := newTestManager()
	h := &recordingHandler{}
	alerter := NewDeadLetterAlerter(m, []AlertHandler{h, NewLogAlertHandler(zaptest.NewLogger(t))})
	defer alerter.Close()
	m.RegisterListener(alerter)

	dlqUpdate(t, m, 3)

	require.Eventually(t, func() bool { return len(h.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "dlq-order.submit", h.received()[0].ID)
}

func TestWebhookAlertHandler_Formats(t *testing.T) {
	alert := &Alert{
		ID:          "dlq-order.submit",
		Level:       AlertLevelCritical,
		EndpointID:  "order.submit",
		StageID:     "order.submit",
		Message:     "order.submit has 120 dead letters",
		DeadLetters: 120,
		Timestamp:   sampleTime,
		Occurrences: 1,
		FirstSeen:   sampleTime,
	}

	tests := []struct {
		format string
		check  func(t *testing.T, body map[string]any)
	}{
		{WebhookFormatGeneric, func(t *testing.T, body map[string]any) {
			assert.Equal(t, "dlq-order.submit", body["id"])
			assert.EqualValues(t, 120, body["deadLetters"])
		}},
		{WebhookFormatSlack, func(t *testing.T, body map[string]any) {
			assert.Contains(t, body["text"], "TRIGGERED")
			attachments := body["attachments"].([]any)
			require.Len(t, attachments, 1)
			assert.Equal(t, "danger", attachments[0].(map[string]any)["color"])
		}},
		{WebhookFormatDiscord, func(t *testing.T, body map[string]any) {
			embeds := body["embeds"].([]any)
			require.Len(t, embeds, 1)
			assert.EqualValues(t, 0xFF0000, embeds[0].(map[string]any)["color"])
		}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var body map[string]any
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			h := NewWebhookAlertHandler("test", server.URL, tt.format, zaptest.NewLogger(t))
			require.NoError(t, h.HandleAlert(context.Background(), alert))
			tt.check(t, body)
		})
	}
}

func TestWebhookAlertHandler_Signature(t *testing.T) {
	var signature string
	var payload []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get("X-Hub-Signature-256")
		payload, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	h := NewWebhookAlertHandler("signed", server.URL, WebhookFormatGeneric, nil).WithSecret("s3cret")
	require.NoError(t, h.HandleAlert(context.Background(), &Alert{ID: "a"}))

	assert.Equal(t, "sha256="+Sign("s3cret", payload), signature)
}

func TestWebhookAlertHandler_Retries(t *testing.T) {
	t.Run("server errors are retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		h := NewWebhookAlertHandler("retry", server.URL, WebhookFormatGeneric, nil).WithRetries(3, time.Millisecond)
		require.NoError(t, h.HandleAlert(context.Background(), &Alert{ID: "a"}))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("client errors are not", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		h := NewWebhookAlertHandler("retry", server.URL, WebhookFormatGeneric, nil).WithRetries(3, time.Millisecond)
		err := h.HandleAlert(context.Background(), &Alert{ID: "a"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 404")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("gives up after retries", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		h := NewWebhookAlertHandler("retry", server.URL, WebhookFormatGeneric, nil).WithRetries(2, time.Millisecond)
		assert.Error(t, h.HandleAlert(context.Background(), &Alert{ID: "a"}))
		assert.Equal(t, int32(3), calls.Load())
	})
}
