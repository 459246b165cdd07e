// Package trigger delivers object-created events to background workers.
//
// Delivery is at-most-once: an event is handed to a handler at most one time,
// is never retried when the handler fails and is dropped when the queue is
// full. Callers that need a derivative to exist must tolerate its absence.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrAlreadyStarted is returned by Run when the dispatcher has been run
// before. A dispatcher cannot be restarted once its queue is closed.
var ErrAlreadyStarted = errors.New("dispatcher already started")

// ObjectCreated is published once for every object written into a watched
// container.
type ObjectCreated struct {
	Container string
	Key       string
	Size      int64
}

// Handler processes a single event. Handlers own their error reporting; the
// dispatcher does not inspect the outcome.
type Handler interface {
	HandleObjectCreated(ctx context.Context, ev ObjectCreated)
}

type HandlerFunc func(ctx context.Context, ev ObjectCreated)

func (f HandlerFunc) HandleObjectCreated(ctx context.Context, ev ObjectCreated) {
	f(ctx, ev)
}

// Publisher accepts events for asynchronous processing.
type Publisher interface {
	Publish(ev ObjectCreated) bool
}

// DropRecorder is notified whenever an event is dropped.
type DropRecorder interface {
	RecordDroppedEvent()
}

// Dispatcher fans events out to a fixed pool of workers through a bounded
// queue.
type Dispatcher struct {
	handler Handler
	workers int
	queue   chan ObjectCreated
	drops   DropRecorder

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewDispatcher creates a dispatcher with the given number of workers and
// queue capacity. drops may be nil.
func NewDispatcher(handler Handler, workers int, queueSize int, drops DropRecorder) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Dispatcher{
		handler: handler,
		workers: workers,
		queue:   make(chan ObjectCreated, queueSize),
		drops:   drops,
	}
}

// Publish enqueues ev without blocking. It returns false when the event was
// dropped because the queue is full or the dispatcher has stopped.
func (d *Dispatcher) Publish(ev ObjectCreated) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.closed {
		select {
		case d.queue <- ev:
			return true
		default:
		}
	}

	slog.Warn("Dropping object-created event", "container", ev.Container, "key", ev.Key, "closed", d.closed)
	if d.drops != nil {
		d.drops.RecordDroppedEvent()
	}
	return false
}

// Run starts the workers and blocks until ctx is done. It may be called only
// once. Events still queued when ctx is cancelled are drained and handled
// with a context that is no longer cancelled, so an accepted event is
// processed before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	d.mu.Unlock()

	eg := errgroup.Group{}

	for range d.workers {
		eg.Go(func() error {
			for ev := range d.queue {
				d.handle(ctx, ev)
			}
			return nil
		})
	}

	<-ctx.Done()

	d.mu.Lock()
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	return eg.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, ev ObjectCreated) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	defer func() {
		if rvr := recover(); rvr != nil {
			slog.Error("Panic in object-created handler", "container", ev.Container, "key", ev.Key, "error", rvr)
		}
	}()

	d.handler.HandleObjectCreated(ctx, ev)
}
