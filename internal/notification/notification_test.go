package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recorder) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func TestThrottled_DropsDuplicatesWithinWindow(t *testing.T) {
	rec := &recorder{}
	now := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	th := NewThrottled(rec, 5*time.Minute).WithClock(func() time.Time { return now })

	a := Critical(KindPartialFill, "SPY", "s1", "Partial fill", "1 of 2 legs filled")
	require.NoError(t, th.Send(context.Background(), a))
	require.NoError(t, th.Send(context.Background(), a))

	other := Critical(KindPartialFill, "QQQ", "s2", "Partial fill", "1 of 2 legs filled")
	require.NoError(t, th.Send(context.Background(), other))
	assert.Len(t, rec.alerts, 2)

	now = now.Add(5 * time.Minute)
	require.NoError(t, th.Send(context.Background(), a))
	assert.Len(t, rec.alerts, 3)
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("down")}
	err := Multi{bad, nil, ok}.Send(context.Background(), Alert{Title: "x"})
	assert.ErrorContains(t, err, "down")
	assert.Len(t, ok.alerts, 1)
	assert.Len(t, bad.alerts, 1)
}

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(),
		Critical(KindStopLoss, "SPY", "s1", "Stop loss", "closed at -40%"))
	require.NoError(t, err)
	assert.Equal(t, "CRITICAL", got["level"])
	assert.Equal(t, "stop_loss", got["kind"])
	assert.Equal(t, "SPY", got["symbol"])
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Title: "x"})
	assert.ErrorContains(t, err, "unexpected status 502")
}

func TestTelegramNotifier_SendsMarkdown(t *testing.T) {
	var path string
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("tok", "42").WithBaseURL(srv.URL)
	require.NoError(t, n.Send(context.Background(), Alert{Level: AlertCritical, Title: "Partial close", Message: "1/2 legs"}))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", payload["chat_id"])
	assert.Contains(t, payload["text"], "Partial close")
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `\-40\.5%`, escapeMarkdown("-40.5%"))
}
