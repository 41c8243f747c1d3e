package calsync

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher decouples webhook acknowledgment from processing. The
// handler enqueues and returns 200 immediately; workers drain the
// queue and run the reconciler. There is no durable backing store: a
// dropped notification is recovered by the next upstream delivery for
// the same resource, since reconciliation reads current state.
type Dispatcher struct {
	reconciler *Reconciler
	logger     *slog.Logger
	queue      chan InboundNotification
	workers    int

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewDispatcher(reconciler *Reconciler, workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		reconciler: reconciler,
		logger:     logger,
		queue:      make(chan InboundNotification, queueSize),
		workers:    workers,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	})
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.queue {
		// Reconciliations are cheap, bounded by per-call timeouts, and
		// idempotent, so they run to completion even during shutdown
		// rather than being cancelled mid-write.
		d.reconciler.Reconcile(context.Background(), n)
	}
}

// TryEnqueue hands a notification to the pool without blocking the
// response path. A full queue drops the notification with a log line.
func (d *Dispatcher) TryEnqueue(n InboundNotification) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- n:
		return true
	default:
		d.logger.Warn("notification queue full, dropping",
			"channelId", n.ChannelID,
			"resourceId", n.ResourceID,
			"capacity", cap(d.queue))
		return false
	}
}

func (d *Dispatcher) Depth() int {
	return len(d.queue)
}

// Close stops intake, lets the workers drain what is already queued,
// and waits for in-flight reconciliations to finish.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		d.wg.Wait()
	})
}
