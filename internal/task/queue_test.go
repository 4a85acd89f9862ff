package task

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDecodeMessage(t *testing.T) {
	msg := NewMessage("run-1", 0)
	body, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeMessage(body)
	if err != nil || got.RunID != "run-1" || got.Attempt != 1 || !got.EnqueuedAt.Equal(msg.EnqueuedAt) {
		t.Fatalf("unexpected decode %+v (%v)", got, err)
	}

	bare, err := DecodeMessage([]byte(" run-2\n"))
	if err != nil || bare.RunID != "run-2" || bare.Attempt != 1 || !bare.EnqueuedAt.IsZero() {
		t.Fatalf("unexpected bare decode %+v (%v)", bare, err)
	}

	for _, body := range []string{"", "   ", `{"attempt":2}`, `{"run_id":`} {
		if _, err := DecodeMessage([]byte(body)); err == nil {
			t.Fatalf("expected error for %q", body)
		}
	}
}

func TestMessageWait(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 10, 0, time.UTC)
	msg := Message{RunID: "r", EnqueuedAt: now.Add(-3 * time.Second)}
	if got := msg.Wait(now); got != 3*time.Second {
		t.Fatalf("unexpected wait %s", got)
	}
	if got := (Message{RunID: "r"}).Wait(now); got != 0 {
		t.Fatalf("zero enqueue time should report 0, got %s", got)
	}
	if got := (Message{EnqueuedAt: now.Add(time.Second)}).Wait(now); got != 0 {
		t.Fatalf("clock skew should report 0, got %s", got)
	}
}

func TestMemoryQueueConsumeStopsOnClose(t *testing.T) {
	queue := NewMemoryQueue(2)
	ctx := context.Background()
	if err := queue.Publish(ctx, NewMessage("a", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var mu sync.Mutex
	var seen []string
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(ctx, 2, func(_ context.Context, msg Message) error {
			mu.Lock()
			seen = append(seen, msg.RunID)
			mu.Unlock()
			return nil
		})
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("message was not consumed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	_ = queue.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("consume returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not stop after close")
	}
	if err := queue.Publish(ctx, NewMessage("b", 1)); err != ErrQueueClosed {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}
