package leaderrpc

import (
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"

	"github.com/raftcabin/cabin/pkg/metricsx"
)

// Metrics tracks call outcomes and leader-redirect activity for one Engine.
type Metrics struct {
	set *metrics.Set

	byStatus      *metricsx.LabelCounter
	hintsFollowed *metrics.Counter
	seedFallbacks *metrics.Counter
	fatalErrors   *metrics.Counter

	init sync.Once
}

func newMetrics() *Metrics {
	m := &Metrics{}
	m.ensure()
	return m
}

func (m *Metrics) ensure() {
	m.init.Do(func() {
		m.set = metrics.NewSet()
		m.byStatus = metricsx.NewLabelCounter(m.set, "cabin_leaderrpc_calls_total", "status")
		m.hintsFollowed = m.set.NewCounter("cabin_leaderrpc_hints_followed_total")
		m.seedFallbacks = m.set.NewCounter("cabin_leaderrpc_seed_fallbacks_total")
		m.fatalErrors = m.set.NewCounter("cabin_leaderrpc_fatal_errors_total")
	})
}

// WritePrometheus writes every Engine metric in Prometheus text exposition
// format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
