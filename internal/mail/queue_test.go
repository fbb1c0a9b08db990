// queue_test.go
//
// Unit tests for QueuedMailer dispatch logic + Redis round trip.
// The Redis test skips when the compose test Redis is not reachable.
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// mockInner records the most recent message for assertion.
type mockInner struct {
	last       *Message
	configured bool
	err        error
}

func (m *mockInner) Send(_ context.Context, msg Message) (*Receipt, error) {
	m.last = &msg
	if m.err != nil {
		return nil, m.err
	}
	return &Receipt{ID: "inner-1", Message: "sent"}, nil
}

func (m *mockInner) IsConfigured() bool { return m.configured }

func TestQueuedMailer_Dispatch(t *testing.T) {
	t.Run("hands the message to inner", func(t *testing.T) {
		inner := &mockInner{configured: true}
		q := &QueuedMailer{inner: inner}

		q.dispatch(context.Background(), job{ID: "j1", Message: OTPMessage("otp@example.com", "111222", time.Minute)})

		if inner.last == nil {
			t.Fatal("inner.Send was not called")
		}
		if inner.last.To != "otp@example.com" {
			t.Errorf("To: got %q, want %q", inner.last.To, "otp@example.com")
		}
	})

	t.Run("send error does not panic", func(t *testing.T) {
		inner := &mockInner{configured: true, err: errors.New("smtp timeout")}
		q := &QueuedMailer{inner: inner}

		// dispatch logs the error and returns -- must not panic or propagate.
		q.dispatch(context.Background(), job{ID: "j2", Message: Message{To: "err@example.com"}})
	})
}

func TestQueuedMailer_Unconfigured(t *testing.T) {
	q := &QueuedMailer{inner: &NopMailer{}}

	if q.IsConfigured() {
		t.Error("queue over NopMailer should report unconfigured")
	}
	// rdb is nil: Send must refuse before touching Redis.
	if _, err := q.Send(context.Background(), Message{To: "a@b.c"}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestErrQueueFull_Sentinel(t *testing.T) {
	// Verify ErrQueueFull can be identified with errors.Is after wrapping.
	wrapped := fmt.Errorf("outer: %w", ErrQueueFull)
	if !errors.Is(wrapped, ErrQueueFull) {
		t.Error("errors.Is: wrapped ErrQueueFull not detected")
	}
}

// testRedis connects to the compose test Redis or skips.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6380"})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() {
		rdb.Del(context.Background(), QueueKey)
		rdb.Close()
	})
	return rdb
}

func TestQueuedMailer_Redis(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	rdb.Del(ctx, QueueKey)

	t.Run("send enqueues and returns a queued receipt", func(t *testing.T) {
		q := NewQueuedMailer(&mockInner{configured: true}, rdb, DefaultMaxQueueSize)

		receipt, err := q.Send(ctx, OTPMessage("queue@example.com", "333444", time.Minute))
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if receipt.Message != "queued" {
			t.Errorf("receipt message: got %q, want %q", receipt.Message, "queued")
		}

		raw, err := rdb.LPop(ctx, QueueKey).Result()
		if err != nil {
			t.Fatalf("LPop: %v", err)
		}
		var j job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			t.Fatalf("unmarshal job: %v", err)
		}
		if j.ID != receipt.ID || j.Message.To != "queue@example.com" {
			t.Errorf("unexpected job: %+v", j)
		}
	})

	t.Run("full queue rejects", func(t *testing.T) {
		q := NewQueuedMailer(&mockInner{configured: true}, rdb, 1)
		t.Cleanup(func() { rdb.Del(ctx, QueueKey) })

		if _, err := q.Send(ctx, Message{To: "a@b.c"}); err != nil {
			t.Fatalf("first Send: %v", err)
		}
		if _, err := q.Send(ctx, Message{To: "a@b.c"}); !errors.Is(err, ErrQueueFull) {
			t.Errorf("expected ErrQueueFull, got %v", err)
		}
	})

	t.Run("worker drains to inner", func(t *testing.T) {
		inner := &mockInner{configured: true}
		q := NewQueuedMailer(inner, rdb, DefaultMaxQueueSize)
		if _, err := q.Send(ctx, Message{To: "worker@example.com"}); err != nil {
			t.Fatalf("Send: %v", err)
		}

		workerCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			q.StartWorker(workerCtx, 5*time.Second)
			close(done)
		}()

		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if n, _ := rdb.LLen(ctx, QueueKey).Result(); n == 0 {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		cancel()
		<-done

		if inner.last == nil || inner.last.To != "worker@example.com" {
			t.Errorf("worker did not deliver, last = %+v", inner.last)
		}
	})
}
