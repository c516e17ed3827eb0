package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	persistQueueSize   = 1024
	persistBackoffMin  = 100 * time.Millisecond
	persistBackoffMax  = 10 * time.Second
	persistDrainBudget = 30 * time.Second
)

type persistOp struct {
	name string
	fn   func(ctx context.Context) error
}

// persistQueue applies durable writes off the round-timing path. In-memory
// session state stays authoritative; a failed write is retried with backoff
// and never dropped while the queue is running.
type persistQueue struct {
	ops    chan persistOp
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPersistQueue() *persistQueue {
	ctx, cancel := context.WithCancel(context.Background())

	q := &persistQueue{
		ops:    make(chan persistOp, persistQueueSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	q.wg.Add(1)
	go q.run(ctx)

	return q
}

func (q *persistQueue) enqueue(op persistOp) {
	select {
	case q.ops <- op:
	case <-q.done:
		slog.Error("session: persist op rejected, queue closed", "op", op.name)
	}
}

func (q *persistQueue) run(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case op := <-q.ops:
			q.apply(ctx, op)
		case <-q.done:
			// Drain what is queued before giving up the goroutine.
			for {
				select {
				case op := <-q.ops:
					q.apply(ctx, op)
				default:
					return
				}
			}
		}
	}
}

func (q *persistQueue) apply(ctx context.Context, op persistOp) {
	backoff := persistBackoffMin
	for {
		err := op.fn(ctx)
		if err == nil {
			return
		}

		slog.ErrorContext(ctx, "session: persist failed, retrying",
			"op", op.name,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			slog.ErrorContext(ctx, "session: persist abandoned on shutdown", "op", op.name, "error", err)
			return
		}

		backoff *= 2
		if backoff > persistBackoffMax {
			backoff = persistBackoffMax
		}
	}
}

// close drains pending writes, bounded by the drain budget.
func (q *persistQueue) close() {
	close(q.done)

	t := time.AfterFunc(persistDrainBudget, q.cancel)
	q.wg.Wait()
	t.Stop()
	q.cancel()
}
