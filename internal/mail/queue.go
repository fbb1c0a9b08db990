// queue.go
//
// Redis-backed async mail queue. QueuedMailer implements Mailer and enqueues
// messages instead of sending synchronously; StartWorker drains the queue in a
// background goroutine and hands each message to the inner Mailer (SMTPMailer).
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list used as the outbound mail queue.
const QueueKey = "warden:mail:queue"

// DefaultMaxQueueSize is the cap applied when creating a QueuedMailer via NewQueuedMailer.
// Prevents unbounded growth when the SMTP server is down. 0 = unlimited.
const DefaultMaxQueueSize int64 = 1000

// ErrQueueFull is returned by Send when the queue has reached its size cap.
var ErrQueueFull = errors.New("mail queue full")

// job is the serialized payload pushed onto the queue.
type job struct {
	ID         string    `json:"id"`
	Message    Message   `json:"message"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// QueuedMailer enqueues messages to Redis so callers return immediately
// without waiting for SMTP. StartWorker drains the queue asynchronously.
// Implements Mailer -- callers are unaware of async dispatch.
type QueuedMailer struct {
	inner        Mailer
	rdb          *redis.Client
	maxQueueSize int64 // 0 = unlimited
}

// NewQueuedMailer wraps inner with a Redis-backed async queue.
// inner handles actual SMTP sending; rdb is the shared Redis client.
// maxSize caps the queue length (0 = unlimited); use DefaultMaxQueueSize for production.
func NewQueuedMailer(inner Mailer, rdb *redis.Client, maxSize int64) *QueuedMailer {
	return &QueuedMailer{inner: inner, rdb: rdb, maxQueueSize: maxSize}
}

// enqueueScript atomically checks the queue length and pushes the job only if
// under the cap. Returns 1 if enqueued, 0 if rejected (queue full).
// KEYS[1] = queue key, ARGV[1] = max size (0 = skip check), ARGV[2] = payload.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// IsConfigured mirrors the inner transport; queueing for a dead transport is pointless.
func (q *QueuedMailer) IsConfigured() bool {
	return q.inner.IsConfigured()
}

// Send enqueues msg. The receipt's Message is "queued"; delivery happens in StartWorker.
func (q *QueuedMailer) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if !q.inner.IsConfigured() {
		return nil, ErrNotConfigured
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating job id: %w", err)
	}
	data, err := json.Marshal(job{ID: id.String(), Message: msg, EnqueuedAt: time.Now()})
	if err != nil {
		return nil, fmt.Errorf("marshaling email job: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxQueueSize, data).Int64()
	if err != nil {
		return nil, fmt.Errorf("enqueuing email job: %w", err)
	}
	if ok == 0 {
		return nil, ErrQueueFull
	}
	return &Receipt{ID: id.String(), Message: "queued"}, nil
}

// StartWorker drains the mail queue in a loop, dispatching each job to inner.
// Blocks until ctx is cancelled (server shutdown). Call in a goroutine.
// Each send is bounded by sendTimeout.
func (q *QueuedMailer) StartWorker(ctx context.Context, sendTimeout time.Duration) {
	for {
		// BLPop blocks up to 2s then returns redis.Nil -- keeps the loop
		// responsive to ctx cancellation without busy-spinning.
		res, err := q.rdb.BLPop(ctx, 2*time.Second, QueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return // server shutting down
			}
			if errors.Is(err, redis.Nil) {
				continue // timeout; check ctx and try again
			}
			slog.Error("mail worker: queue pop failed", "err", err)
			continue
		}
		// res[0] = key name, res[1] = payload
		var j job
		if err := json.Unmarshal([]byte(res[1]), &j); err != nil {
			slog.Error("mail worker: bad job payload", "err", err)
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		q.dispatch(sendCtx, j)
		cancel()
	}
}

// dispatch hands one job to the inner Mailer.
// Errors are logged and dropped -- no retry in v1.
func (q *QueuedMailer) dispatch(ctx context.Context, j job) {
	receipt, err := q.inner.Send(ctx, j.Message)
	if err != nil {
		slog.Error("mail worker: send failed", "job_id", j.ID, "subject", j.Message.Subject, "err", err)
		return
	}
	slog.Debug("mail worker: sent", "job_id", j.ID, "message_id", receipt.ID)
}
