package obs

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Label is a key/value pair attached to measurements.
type Label struct {
	Key   string
	Value string
}

// Meter is a small ambient counter/histogram interface used by
// components (like internal/http1) that shouldn't need to import the
// otel API directly just to bump a counter.
type Meter interface {
	Counter(name string, value float64, labels ...Label)
	Histogram(name string, value float64, labels ...Label)
}

// NopMeter discards all measurements.
type NopMeter struct{}

func (NopMeter) Counter(name string, value float64, labels ...Label)   {}
func (NopMeter) Histogram(name string, value float64, labels ...Label) {}

// OtelMeter bridges the ambient Meter interface to a real
// go.opentelemetry.io/otel/metric.Meter, lazily creating one instrument
// per distinct name it's asked to record.
type OtelMeter struct {
	m          metric.Meter
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// NewOtelMeter wraps m. A nil m yields a Meter that silently no-ops,
// matching the otel SDK's own no-op-on-unconfigured-provider behavior.
func NewOtelMeter(m metric.Meter) *OtelMeter {
	return &OtelMeter{
		m:          m,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func toAttrs(labels []Label) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(labels))
	for i, l := range labels {
		out[i] = attribute.String(l.Key, l.Value)
	}
	return out
}

func (o *OtelMeter) Counter(name string, value float64, labels ...Label) {
	if o == nil || o.m == nil {
		return
	}
	c, ok := o.counters[name]
	if !ok {
		var err error
		c, err = o.m.Float64Counter(name)
		if err != nil {
			return
		}
		o.counters[name] = c
	}
	c.Add(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

func (o *OtelMeter) Histogram(name string, value float64, labels ...Label) {
	if o == nil || o.m == nil {
		return
	}
	h, ok := o.histograms[name]
	if !ok {
		var err error
		h, err = o.m.Float64Histogram(name)
		if err != nil {
			return
		}
		o.histograms[name] = h
	}
	h.Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}
