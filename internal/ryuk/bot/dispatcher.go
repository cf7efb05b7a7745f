package bot

import (
	"context"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/bdobrica/ryuk/common/trace"
	"github.com/bdobrica/ryuk/internal/ryuk/observability"
)

// Handler processes one inbound message. *Bot satisfies it.
type Handler interface {
	Handle(ctx context.Context, in Inbound) error
}

// DefaultWorkers bounds concurrent handlers when no limit is configured.
const DefaultWorkers = 8

// Dispatcher runs handlers on a bounded goroutine pool so messages from
// different chats are answered in parallel. Dispatch blocks while every
// worker is busy, which slows the transport's poll loop down instead of
// queueing without bound.
type Dispatcher struct {
	handler Handler
	timeout time.Duration
	pool    *pool.Pool
}

// NewDispatcher creates a Dispatcher with at most workers concurrent
// handlers. timeout bounds each handler; zero means no limit beyond the
// caller's context.
func NewDispatcher(handler Handler, workers int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		handler: handler,
		timeout: timeout,
		pool:    pool.New().WithMaxGoroutines(workers),
	}
}

// Dispatch schedules in for handling. Each message gets its own trace ID.
// A handler error or panic is logged and never reaches the transport.
func (d *Dispatcher) Dispatch(ctx context.Context, in Inbound) {
	ctx = trace.Ensure(ctx)
	d.pool.Go(func() {
		hctx, cancel := ctx, context.CancelFunc(func() {})
		if d.timeout > 0 {
			hctx, cancel = context.WithTimeout(ctx, d.timeout)
		}
		defer cancel()

		log := observability.WithTrace(hctx)
		var pc panics.Catcher
		pc.Try(func() {
			if err := d.handler.Handle(hctx, in); err != nil {
				log.Error("bot: handler failed", "chat_id", in.ChatID, "err", err)
			}
		})
		if r := pc.Recovered(); r != nil {
			log.Error("bot: handler panicked", "chat_id", in.ChatID,
				slog.Any("panic", r.Value), slog.String("stack", string(r.Stack)))
		}
	})
}

// Wait blocks until every dispatched message has been handled. The
// Dispatcher must not be used afterwards.
func (d *Dispatcher) Wait() {
	d.pool.Wait()
}
