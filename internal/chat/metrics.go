package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the messaging counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Sent        prometheus.Counter
	Duplicates  prometheus.Counter
	Failures    *prometheus.CounterVec
	Events      *prometheus.CounterVec
	MarkedRead  prometheus.Counter
	SendLatency prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "farmchat",
			Name:      "messages_sent_total",
			Help:      "Messages durably stored.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "farmchat",
			Name:      "messages_deduplicated_total",
			Help:      "Sends answered from an earlier idempotency token.",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmchat",
			Name:      "operation_failures_total",
			Help:      "Failed operations by error code.",
		}, []string{"op", "code"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmchat",
			Name:      "events_total",
			Help:      "Real-time events by type and outcome.",
		}, []string{"type", "outcome"}),
		MarkedRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "farmchat",
			Name:      "messages_marked_read_total",
			Help:      "Messages transitioned to read.",
		}),
		SendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "farmchat",
			Name:      "send_duration_seconds",
			Help:      "Send latency including the store write.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Sent, m.Duplicates, m.Failures, m.Events, m.MarkedRead, m.SendLatency)
	}
	return m
}

func (m *Metrics) sent() {
	if m != nil {
		m.Sent.Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.Duplicates.Inc()
	}
}

func (m *Metrics) failure(op string, err error) {
	if m != nil {
		m.Failures.WithLabelValues(op, ErrorCode(err)).Inc()
	}
}

func (m *Metrics) event(t EventType, outcome string) {
	if m != nil {
		m.Events.WithLabelValues(string(t), outcome).Inc()
	}
}

func (m *Metrics) markedRead(n int) {
	if m != nil && n > 0 {
		m.MarkedRead.Add(float64(n))
	}
}

func (m *Metrics) observeSend(seconds float64) {
	if m != nil {
		m.SendLatency.Observe(seconds)
	}
}
