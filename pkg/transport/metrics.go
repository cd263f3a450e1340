package transport

import (
	"fmt"
	"io"
	"sync/atomic"
)

// metrics tracks connection and call volume across every Session in the
// process. Plain atomic counters written out by hand, the same shape as
// the teacher's nspkt.Listener.WritePrometheus rather than a
// VictoriaMetrics registry. This package has a fixed, small set of
// counters known at compile time, so there's no dynamic label set to
// justify a *metrics.Set.
type metrics struct {
	opensTotal      atomic.Uint64
	openErrorsTotal atomic.Uint64
	sendsTotal      atomic.Uint64
	sendBytesTotal  atomic.Uint64
	sendErrorsTotal atomic.Uint64
	closedTotal     atomic.Uint64 // peer hangups observed via ErrClosed
}

var defaultMetrics metrics

// WritePrometheus writes every pkg/transport metric in Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) {
	fmt.Fprintln(w, `cabin_transport_opens_total`, defaultMetrics.opensTotal.Load())
	fmt.Fprintln(w, `cabin_transport_open_errors_total`, defaultMetrics.openErrorsTotal.Load())
	fmt.Fprintln(w, `cabin_transport_sends_total`, defaultMetrics.sendsTotal.Load())
	fmt.Fprintln(w, `cabin_transport_send_bytes_total`, defaultMetrics.sendBytesTotal.Load())
	fmt.Fprintln(w, `cabin_transport_send_errors_total`, defaultMetrics.sendErrorsTotal.Load())
	fmt.Fprintln(w, `cabin_transport_closed_total`, defaultMetrics.closedTotal.Load())
}
