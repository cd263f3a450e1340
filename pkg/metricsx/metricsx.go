// Package metricsx extends github.com/VictoriaMetrics/metrics with counters
// split by a label value that's only known at increment time, created
// lazily the first time each value is seen.
package metricsx

import (
	"strings"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

func splitName(name string) (base, arg string) {
	if n := len(name); n != 0 {
		base = name
		for i, r := range base {
			if r == '{' {
				if j := len(base) - 1; j > i && base[j] == '}' {
					base, arg = base[:i], base[i+1:j]
					break
				}
			}
		}
	}
	return
}

func formatName(base, arg string, args ...string) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('{')
	if arg != "" {
		b.WriteString(arg)
	}
	for i := 1; i < len(args); i += 2 {
		if arg != "" || i > 1 {
			b.WriteByte(',')
		}
		b.WriteString(args[i-1])
		b.WriteString("=\"")
		b.WriteString(args[i])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// LabelCounter is a family of *metrics.Counter sharing a base name but
// split by one label, with a child counter created the first time its
// value is seen. Meant for closed, low-cardinality label values (an RPC op
// code, a response status): there's no eviction, so an unbounded label
// value would leak memory.
type LabelCounter struct {
	set   *metrics.Set
	base  string
	arg   string
	label string

	mu  sync.Mutex
	ctr map[string]*metrics.Counter
}

// NewLabelCounter creates a LabelCounter in set under name, labeling each
// child counter with label="<value>".
func NewLabelCounter(set *metrics.Set, name, label string) *LabelCounter {
	base, arg := splitName(name)
	return &LabelCounter{
		set:   set,
		base:  base,
		arg:   arg,
		label: label,
		ctr:   make(map[string]*metrics.Counter),
	}
}

// Inc increments the counter for the given label value, creating it first
// if this is the first time value has been seen.
func (c *LabelCounter) Inc(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.ctr[value]
	if !ok {
		m = c.set.NewCounter(formatName(c.base, c.arg, c.label, value))
		c.ctr[value] = m
	}
	m.Inc()
}
