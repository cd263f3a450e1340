package cabinserver

import (
	"io"
	"sync"

	vmetrics "github.com/VictoriaMetrics/metrics"

	"github.com/raftcabin/cabin/pkg/metricsx"
)

// RequestMetrics tracks request volume split by op code and by the status
// each request was answered with, so a dashboard can see e.g. how much
// NOT_LEADER traffic a node is redirecting without scraping per-status
// counters by hand for every op.
type RequestMetrics struct {
	set *vmetrics.Set

	byOp     *metricsx.LabelCounter
	byStatus *metricsx.LabelCounter

	init sync.Once
}

func newRequestMetrics() *RequestMetrics {
	m := &RequestMetrics{}
	m.ensure()
	return m
}

func (m *RequestMetrics) ensure() {
	m.init.Do(func() {
		m.set = vmetrics.NewSet()
		m.byOp = metricsx.NewLabelCounter(m.set, "cabin_server_requests_total", "op")
		m.byStatus = metricsx.NewLabelCounter(m.set, "cabin_server_responses_total", "status")
	})
}

// Observe records one handled request: op is the request's op code name,
// status is the name of the status it was answered with.
func (m *RequestMetrics) Observe(op, status string) {
	m.byOp.Inc(op)
	m.byStatus.Inc(status)
}

// WritePrometheus writes every metric in Prometheus text exposition format.
func (m *RequestMetrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
