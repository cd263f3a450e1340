package logstore

import (
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics tracks storage-module activity across every log in a Directory:
// how many logs have been created and deleted, how many entries have been
// appended (and how many appends failed), and how many payload bytes those
// entries carried before compression. Call the matching Observe* method
// after each operation; WritePrometheus exposes the result in the standard
// text format.
type Metrics struct {
	set *metrics.Set

	logsCreatedTotal *metrics.Counter
	logsDeletedTotal *metrics.Counter
	appendsTotal     *metrics.Counter
	appendBytesTotal *metrics.Counter
	appendErrorsTotal *metrics.Counter

	init sync.Once
}

func NewMetrics() *Metrics {
	m := &Metrics{}
	m.ensure()
	return m
}

func (m *Metrics) ensure() {
	m.init.Do(func() {
		m.set = metrics.NewSet()
		m.logsCreatedTotal = m.set.NewCounter(`cabin_logstore_logs_created_total`)
		m.logsDeletedTotal = m.set.NewCounter(`cabin_logstore_logs_deleted_total`)
		m.appendsTotal = m.set.NewCounter(`cabin_logstore_appends_total`)
		m.appendBytesTotal = m.set.NewCounter(`cabin_logstore_append_bytes_total`)
		m.appendErrorsTotal = m.set.NewCounter(`cabin_logstore_append_errors_total`)
	})
}

// ObserveLogCreated records that CreateLog actually created a new log
// (created == true from its return).
func (m *Metrics) ObserveLogCreated() {
	m.logsCreatedTotal.Inc()
}

// ObserveLogDeleted records a completed DeleteLog.
func (m *Metrics) ObserveLogDeleted() {
	m.logsDeletedTotal.Inc()
}

// ObserveAppend records the outcome of one Append completion: payloadBytes
// is the size of the entry's payload before compression, and err is the
// result the AppendFuture resolved with.
func (m *Metrics) ObserveAppend(payloadBytes int, err error) {
	if err != nil {
		m.appendErrorsTotal.Inc()
		return
	}
	m.appendsTotal.Inc()
	m.appendBytesTotal.Add(payloadBytes)
}

// WritePrometheus writes every metric in Prometheus text exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
