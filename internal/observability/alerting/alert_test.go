package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "AgentFlow-Chain/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "failing" }
func (failingNotifier) Notify(context.Context, Event) error {
	return errors.New("unreachable")
}

func sampleEvent() Event {
	return Event{
		Code:        "TASK_RETRIES_EXHAUSTED",
		Message:     "insufficient funds for swap",
		Severity:    xerrors.SeverityCritical,
		Category:    "insufficient_funds",
		RunID:       "run-1",
		BenchmarkID: "swap-001",
		Attempts:    3,
		MaxRetries:  3,
		Metadata:    map[string]string{"stage": "terminal"},
		OccurredAt:  time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}
	if err := n.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.RunID != "run-1" || got.Category != "insufficient_funds" || got.Metadata["stage"] != "terminal" {
		t.Fatalf("unexpected payload: %+v", got)
	}

	bad := &WebhookNotifier{URL: srv.URL}
	if err := bad.Notify(context.Background(), sampleEvent()); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	d := NewFanout(&LogNotifier{Logger: log}, failingNotifier{}, nil)

	err := d.Notify(context.Background(), sampleEvent())
	if err == nil || !strings.Contains(err.Error(), "channel failing") {
		t.Fatalf("expected joined error, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"ERROR"`) || !strings.Contains(out, `"run_id":"run-1"`) || !strings.Contains(out, `"stage":"terminal"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}
