// Package delivery pushes chat events to live connections. It is a latency
// optimization only: nothing here is durable and every drop is recoverable
// by re-fetching from the store.
package delivery

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/joelkehle/farmchat/internal/chat"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type HubConfig struct {
	// Buffer is the per-connection event buffer.
	Buffer     int
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// Subscription is one live connection of a participant.
type Subscription struct {
	ID          string
	Participant string
	C           <-chan chat.Event

	ch      chan chat.Event
	hub     *Hub
	once    sync.Once
	dropped atomic.Int64
}

// Close detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Dropped reports events this connection missed because it was not keeping up.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Hub fans events out to every connection of the recipient.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	buffer int
	logger *zap.Logger

	hookMu      sync.RWMutex
	onDelivered func(ctx context.Context, evt chat.Event)

	active    prometheus.Gauge
	delivered *prometheus.CounterVec
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		subs:   map[string]map[string]*Subscription{},
		buffer: cfg.Buffer,
		logger: cfg.Logger.Named("delivery"),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "farmchat",
			Name:      "active_subscriptions",
			Help:      "Live event stream connections.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmchat",
			Name:      "hub_deliveries_total",
			Help:      "Per-connection event hand-offs by outcome.",
		}, []string{"outcome"}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(h.active, h.delivered)
	}
	return h
}

// OnDelivered registers a hook called once per event that reached at least
// one live connection.
func (h *Hub) OnDelivered(fn func(ctx context.Context, evt chat.Event)) {
	h.hookMu.Lock()
	defer h.hookMu.Unlock()
	h.onDelivered = fn
}

func (h *Hub) Subscribe(participant string) *Subscription {
	ch := make(chan chat.Event, h.buffer)
	sub := &Subscription{
		ID:          uuid.NewString(),
		Participant: participant,
		C:           ch,
		ch:          ch,
		hub:         h,
	}
	h.mu.Lock()
	conns, ok := h.subs[participant]
	if !ok {
		conns = map[string]*Subscription{}
		h.subs[participant] = conns
	}
	conns[sub.ID] = sub
	h.mu.Unlock()

	h.active.Inc()
	h.logger.Debug("subscribed", zap.String("participant", participant), zap.String("subscription", sub.ID))
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if conns, ok := h.subs[sub.Participant]; ok {
		delete(conns, sub.ID)
		if len(conns) == 0 {
			delete(h.subs, sub.Participant)
		}
	}
	close(sub.ch)
	h.mu.Unlock()

	h.active.Dec()
	h.logger.Debug("unsubscribed", zap.String("participant", sub.Participant), zap.String("subscription", sub.ID))
}

// Subscribers returns the number of live connections of participant.
func (h *Hub) Subscribers(participant string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[participant])
}

// Publish implements chat.Publisher. A recipient without connections is not
// an error.
func (h *Hub) Publish(ctx context.Context, evt chat.Event) error {
	n := h.deliver(evt)
	if n == 0 || evt.Type != chat.EventNewMessage {
		return nil
	}
	h.hookMu.RLock()
	fn := h.onDelivered
	h.hookMu.RUnlock()
	if fn != nil {
		fn(ctx, evt)
	}
	return nil
}

// deliver never blocks: a connection with a full buffer misses the event.
// The send happens under the read lock so remove cannot close the channel
// underneath it.
func (h *Hub) deliver(evt chat.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sub := range h.subs[evt.Recipient] {
		select {
		case sub.ch <- evt:
			n++
			h.delivered.WithLabelValues("sent").Inc()
		default:
			sub.dropped.Add(1)
			h.delivered.WithLabelValues("dropped").Inc()
			h.logger.Debug("slow subscriber, event dropped",
				zap.String("participant", sub.Participant),
				zap.String("subscription", sub.ID),
				zap.String("type", string(evt.Type)))
		}
	}
	return n
}

func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := 0
	for _, c := range h.subs {
		conns += len(c)
	}
	return map[string]any{
		"participants":  len(h.subs),
		"subscriptions": conns,
	}
}

var _ chat.Publisher = (*Hub)(nil)
