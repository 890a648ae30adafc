package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultQueueSize bounds the events waiting for delivery.
	DefaultQueueSize = 64
	// DefaultDeliveryTimeout bounds one delivery, retries included.
	DefaultDeliveryTimeout = 5 * time.Second
)

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("event publisher closed")
)

type item struct {
	ev      Event
	flushed chan struct{}
}

// Async delivers events to another Publisher from a single goroutine, in
// the order they were published. Publish never waits for the broker; when
// the queue is full the event is dropped and ErrQueueFull returned.
type Async struct {
	next    Publisher
	logger  *slog.Logger
	timeout time.Duration

	queue  chan item
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts delivering to next. Close stops delivery; it does not
// close next.
func NewAsync(next Publisher, logger *slog.Logger) *Async {
	return newAsync(next, logger, DefaultQueueSize, DefaultDeliveryTimeout)
}

func newAsync(next Publisher, logger *slog.Logger, size int, timeout time.Duration) *Async {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Async{
		next:    next,
		logger:  logger,
		timeout: timeout,
		queue:   make(chan item, size),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for it := range a.queue {
		if it.flushed != nil {
			close(it.flushed)
			continue
		}

		ctx, cancel := context.WithTimeout(a.ctx, a.timeout)
		err := a.next.Publish(ctx, it.ev)
		cancel()
		if err != nil {
			a.logger.Warn("failed to publish run event", "run_id", it.ev.RunID, "state", it.ev.State, "error", err)
		}
	}
}

// Publish queues ev for delivery.
func (a *Async) Publish(_ context.Context, ev Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}

	select {
	case a.queue <- item{ev: ev}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Flush waits until every event queued before the call was handed to the
// underlying publisher.
func (a *Async) Flush(ctx context.Context) error {
	flushed := make(chan struct{})

	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return ErrClosed
	}
	select {
	case a.queue <- item{flushed: flushed}:
		a.mu.RUnlock()
	case <-ctx.Done():
		a.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close delivers what is still queued, giving up on a delivery that is
// still running after the delivery timeout.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	select {
	case <-a.done:
	case <-timer.C:
		a.logger.Warn("dropping undelivered run events", "pending", len(a.queue))
		a.cancel()
		<-a.done
	}
	a.cancel()
	return nil
}
