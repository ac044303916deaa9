package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/profiled/internal/events"
	"github.com/mattjoyce/profiled/internal/log"
	"github.com/mattjoyce/profiled/internal/profile"
)

// DefaultIdleTimeout is how long a worker waits on an empty queue before
// exiting.
const DefaultIdleTimeout = 30 * time.Second

// Handler executes one request against the store/fetch/scheduler
// collaborators. A Handler must be safe for concurrent calls with distinct
// keys; the dispatcher guarantees calls for the same key are sequential.
type Handler interface {
	Process(ctx context.Context, req *profile.Request) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *profile.Request) error

func (f HandlerFunc) Process(ctx context.Context, req *profile.Request) error {
	return f(ctx, req)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithIdleTimeout overrides the worker idle timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.idleTimeout = d
		}
	}
}

// WithLogger overrides the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(disp *Dispatcher) {
		if l != nil {
			disp.logger = l
		}
	}
}

// WithEvents publishes request lifecycle events to hub.
func WithEvents(hub *events.Hub) Option {
	return func(disp *Dispatcher) {
		disp.hub = hub
	}
}

// Dispatcher routes requests to the worker for their key, creating workers
// lazily and replacing them after idle exit.
type Dispatcher struct {
	handler     Handler
	idleTimeout time.Duration
	logger      *slog.Logger
	hub         *events.Hub

	mu      sync.Mutex
	workers map[int64]*worker
	closed  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Stats is a point-in-time view of dispatcher load.
type Stats struct {
	Workers    int `json:"workers"`
	QueueDepth int `json:"queue_depth"`
}

// New creates a Dispatcher that hands requests to handler.
func New(handler Handler, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		handler:     handler,
		idleTimeout: DefaultIdleTimeout,
		logger:      log.WithComponent("dispatch"),
		workers:     make(map[int64]*worker),
		baseCtx:     ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue hands a request to the worker for its key, spawning one if
// absent. It never blocks: the per-worker queue is unbounded. Requests for
// the same key from one caller are delivered in program order.
func (d *Dispatcher) Enqueue(req *profile.Request) {
	key := req.Key()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("request dropped, dispatcher is shut down", "key", key)
		req.Notify(profile.Signal{State: profile.SignalFailed, Message: "dispatcher is shut down"})
		return
	}

	w := d.workers[key]
	if w == nil {
		w = newWorker(key)
		d.workers[key] = w
		d.wg.Add(1)
		go d.run(w)
		d.logger.Debug("worker spawned", "key", key)
	}
	w.push(req)
	d.mu.Unlock()
}

// Stats returns the current worker count and total queued requests.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{Workers: len(d.workers)}
	for _, w := range d.workers {
		s.QueueDepth += len(w.queue)
	}
	return s
}

// Shutdown stops accepting requests, cancels in-flight processing contexts,
// and waits for all workers to exit or ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
