package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// dispatcher publishes events off the request path. The queue is bounded and
// enqueue never blocks: when it is full the event is dropped, which is safe
// because recipients reconcile from the store on their next fetch.
type dispatcher struct {
	pub     Publisher
	timeout time.Duration
	logger  *zap.Logger
	metrics *Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	wg     sync.WaitGroup

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

func newDispatcher(pub Publisher, size, workers int, timeout time.Duration, logger *zap.Logger, metrics *Metrics) *dispatcher {
	d := &dispatcher{
		pub:     pub,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan Event, size),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

func (d *dispatcher) enqueue(evt Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(evt, "closed")
		return
	}
	select {
	case d.queue <- evt:
	default:
		d.drop(evt, "queue_full")
	}
}

func (d *dispatcher) drop(evt Event, reason string) {
	d.dropped.Add(1)
	d.metrics.event(evt.Type, "dropped")
	d.logger.Warn("event dropped",
		zap.String("type", string(evt.Type)),
		zap.String("recipient", evt.Recipient),
		zap.String("conversation_key", string(evt.ConversationKey)),
		zap.String("reason", reason))
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	for evt := range d.queue {
		d.publish(evt)
	}
}

func (d *dispatcher) publish(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.pub.Publish(ctx, evt); err != nil {
		d.failed.Add(1)
		d.metrics.event(evt.Type, "failed")
		d.logger.Debug("publish failed",
			zap.String("type", string(evt.Type)),
			zap.String("recipient", evt.Recipient),
			zap.Error(err))
		return
	}
	d.published.Add(1)
	d.metrics.event(evt.Type, "published")
}

// close stops accepting events and waits for queued ones to be published.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *dispatcher) stats() map[string]any {
	return map[string]any{
		"queued":    len(d.queue),
		"published": d.published.Load(),
		"dropped":   d.dropped.Load(),
		"failed":    d.failed.Load(),
	}
}
