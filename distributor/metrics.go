package distributor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters/gauges the distributor registers with a
// prometheus.Registerer when one is supplied. A nil *Metrics is valid and
// turns every recording method into a no-op.
type Metrics struct {
	Dropped      *prometheus.CounterVec
	Enqueued     prometheus.Counter
	AuthOutcomes *prometheus.CounterVec
	QueueDepth   *prometheus.GaugeVec
}

// NewMetrics builds a fresh, unregistered Metrics set.
func NewMetrics() *Metrics {
	return &Metrics{
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "distributor_dropped_total",
			Help: "Messages dropped by the distributor, by reason.",
		}, []string{"reason"}),
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distributor_enqueued_total",
			Help: "Messages successfully enqueued onto a serializer.",
		}),
		AuthOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "distributor_auth_outcomes_total",
			Help: "Authenticator outcomes, by outcome.",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "distributor_pool_queue_depth",
			Help: "Pending task count per serializer.",
		}, []string{"serializer"}),
	}
}

// Register adds every collector to reg. Call once during Lifecycle setup.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Dropped, m.Enqueued, m.AuthOutcomes, m.QueueDepth} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) sampleQueueDepths(p *Pool) {
	if m == nil {
		return
	}
	for _, s := range p.entries {
		m.QueueDepth.WithLabelValues(s.Name()).Set(float64(s.QueueDepth()))
	}
}

func (m *Metrics) drop(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) enqueue() {
	if m == nil {
		return
	}
	m.Enqueued.Inc()
}

func (m *Metrics) authOutcome(o Outcome) {
	if m == nil {
		return
	}
	var label string
	switch o {
	case Challenge:
		label = "challenge"
	case Success:
		label = "success"
	case Failed:
		label = "failed"
	default:
		label = "error"
	}
	m.AuthOutcomes.WithLabelValues(label).Inc()
}
