// Prometheus text exposition
//
// A small registry of counters, gauges and histograms rendered in the
// Prometheus text format. Series are written sorted by label set so the
// output is stable between scrapes.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MetricType represents the type of metric
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels as key-value pairs
type Labels map[string]string

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns labels in Prometheus format, {} omitted when empty.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(escapeLabel(l[k]))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}

func (l Labels) clone() Labels {
	out := make(Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	return out
}

func (l Labels) with(k, v string) Labels {
	out := l.clone()
	out[k] = v
	return out
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Metric is one named metric family.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

func writeHeader(sb *strings.Builder, m Metric) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", m.Name(), m.Help(), m.Name(), m.Type())
}

// series holds the values of a family keyed by label string.
type series[T any] struct {
	mu     sync.Mutex
	values map[string]*T
	labels map[string]Labels
}

func (s *series[T]) get(labels Labels, init func() *T) *T {
	key := labels.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]*T)
		s.labels = make(map[string]Labels)
	}
	v, ok := s.values[key]
	if !ok {
		v = init()
		s.values[key] = v
		s.labels[key] = labels.clone()
	}
	return v
}

func (s *series[T]) lookup(labels Labels) (*T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[labels.String()]
	return v, ok
}

func (s *series[T]) each(fn func(labels Labels, v *T)) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	type entry struct {
		labels Labels
		v      *T
	}
	entries := make([]entry, len(keys))
	for i, k := range keys {
		entries[i] = entry{s.labels[k], s.values[k]}
	}
	s.mu.Unlock()
	for _, e := range entries {
		fn(e.labels, e.v)
	}
}

// Counter is a monotonically increasing value.
type Counter struct {
	name, help string
	s          series[float64]
	mu         sync.Mutex
}

// NewCounter creates a counter.
func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Name() string     { return c.name }
func (c *Counter) Help() string     { return c.help }
func (c *Counter) Type() MetricType { return TypeCounter }

// Inc adds one.
func (c *Counter) Inc(labels Labels) { c.Add(labels, 1) }

// Add adds delta; negative deltas are ignored.
func (c *Counter) Add(labels Labels, delta float64) {
	if delta < 0 {
		return
	}
	v := c.s.get(labels, func() *float64 { return new(float64) })
	c.mu.Lock()
	*v += delta
	c.mu.Unlock()
}

// Get returns the value for labels.
func (c *Counter) Get(labels Labels) float64 {
	v, ok := c.s.lookup(labels)
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return *v
}

func (c *Counter) Write(sb *strings.Builder) {
	writeHeader(sb, c)
	c.s.each(func(labels Labels, v *float64) {
		c.mu.Lock()
		val := *v
		c.mu.Unlock()
		fmt.Fprintf(sb, "%s%s %s\n", c.name, labels, formatFloat(val))
	})
}

// Gauge is a value that can go up and down.
type Gauge struct {
	name, help string
	s          series[float64]
	mu         sync.Mutex
}

// NewGauge creates a gauge.
func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Name() string     { return g.name }
func (g *Gauge) Help() string     { return g.help }
func (g *Gauge) Type() MetricType { return TypeGauge }

// Set stores value.
func (g *Gauge) Set(labels Labels, value float64) {
	v := g.s.get(labels, func() *float64 { return new(float64) })
	g.mu.Lock()
	*v = value
	g.mu.Unlock()
}

// Add adds delta, which may be negative.
func (g *Gauge) Add(labels Labels, delta float64) {
	v := g.s.get(labels, func() *float64 { return new(float64) })
	g.mu.Lock()
	*v += delta
	g.mu.Unlock()
}

// Get returns the value for labels.
func (g *Gauge) Get(labels Labels) float64 {
	v, ok := g.s.lookup(labels)
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return *v
}

func (g *Gauge) Write(sb *strings.Builder) {
	writeHeader(sb, g)
	g.s.each(func(labels Labels, v *float64) {
		g.mu.Lock()
		val := *v
		g.mu.Unlock()
		fmt.Fprintf(sb, "%s%s %s\n", g.name, labels, formatFloat(val))
	})
}

type histogramValue struct {
	counts []uint64
	count  uint64
	sum    float64
}

// Histogram tracks the distribution of observations.
type Histogram struct {
	name, help string
	buckets    []float64
	s          series[histogramValue]
	mu         sync.Mutex
}

// NewHistogram creates a histogram with the given upper bounds.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return &Histogram{name: name, help: help, buckets: sorted}
}

// DefaultBuckets returns latency buckets in seconds.
func DefaultBuckets() []float64 {
	return []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}
}

func (h *Histogram) Name() string     { return h.name }
func (h *Histogram) Help() string     { return h.help }
func (h *Histogram) Type() MetricType { return TypeHistogram }

// Observe records value.
func (h *Histogram) Observe(labels Labels, value float64) {
	hv := h.s.get(labels, func() *histogramValue {
		return &histogramValue{counts: make([]uint64, len(h.buckets))}
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	hv.count++
	hv.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			hv.counts[i]++
		}
	}
}

// Timer returns a function that observes the time since Timer was called.
func (h *Histogram) Timer(labels Labels) func() {
	start := time.Now()
	return func() { h.Observe(labels, time.Since(start).Seconds()) }
}

// Count returns the number of observations for labels.
func (h *Histogram) Count(labels Labels) uint64 {
	hv, ok := h.s.lookup(labels)
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return hv.count
}

func (h *Histogram) Write(sb *strings.Builder) {
	writeHeader(sb, h)
	h.s.each(func(labels Labels, hv *histogramValue) {
		h.mu.Lock()
		counts := append([]uint64(nil), hv.counts...)
		count, sum := hv.count, hv.sum
		h.mu.Unlock()
		for i, bound := range h.buckets {
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, labels.with("le", formatFloat(bound)), counts[i])
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, labels.with("le", "+Inf"), count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, labels, formatFloat(sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, labels, count)
	})
}

// Registry holds metric families in registration order.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds metric.
func (r *Registry) Register(metric Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := metric.Name()
	if _, exists := r.metrics[name]; exists {
		return fmt.Errorf("metric %q already registered", name)
	}
	r.metrics[name] = metric
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds metric and panics on error.
func (r *Registry) MustRegister(metric Metric) {
	if err := r.Register(metric); err != nil {
		panic(err)
	}
}

// Get returns a metric by name.
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather renders every metric in Prometheus text format.
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
