package leaderboard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/quizparty/internal/domain"
)

const (
	retryQueueSize   = 256
	retryBackoffMin  = 100 * time.Millisecond
	retryBackoffMax  = 10 * time.Second
	retryDrainBudget = 30 * time.Second
)

type applyOp struct {
	sessionID string
	endTime   time.Time
	deltas    []domain.PlayerDelta
}

// retryQueue re-drives finalize deltas whose durable apply failed. A queued
// delta is retried with backoff until it lands; it is never dropped while the
// queue is running.
type retryQueue struct {
	apply  func(ctx context.Context, op applyOp) error
	ops    chan applyOp
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRetryQueue(apply func(ctx context.Context, op applyOp) error) *retryQueue {
	ctx, cancel := context.WithCancel(context.Background())

	q := &retryQueue{
		apply:  apply,
		ops:    make(chan applyOp, retryQueueSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	q.wg.Add(1)
	go q.run(ctx)

	return q
}

func (q *retryQueue) enqueue(op applyOp) {
	select {
	case q.ops <- op:
	case <-q.done:
		slog.Error("leaderboard: delta retry rejected, queue closed", "session", op.sessionID)
	}
}

func (q *retryQueue) run(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case op := <-q.ops:
			q.applyWithBackoff(ctx, op)
		case <-q.done:
			// Drain what is queued before giving up the goroutine.
			for {
				select {
				case op := <-q.ops:
					q.applyWithBackoff(ctx, op)
				default:
					return
				}
			}
		}
	}
}

func (q *retryQueue) applyWithBackoff(ctx context.Context, op applyOp) {
	backoff := retryBackoffMin
	for {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			slog.ErrorContext(ctx, "leaderboard: delta retry abandoned on shutdown", "session", op.sessionID)
			return
		}

		err := q.apply(ctx, op)
		if err == nil {
			return
		}

		slog.ErrorContext(ctx, "leaderboard: delta apply failed, retrying",
			"session", op.sessionID,
			"backoff", backoff,
			"error", err,
		)

		backoff *= 2
		if backoff > retryBackoffMax {
			backoff = retryBackoffMax
		}
	}
}

// close drains pending retries, bounded by the drain budget.
func (q *retryQueue) close() {
	close(q.done)

	t := time.AfterFunc(retryDrainBudget, q.cancel)
	q.wg.Wait()
	t.Stop()
	q.cancel()
}
