// Metrics collection for the crash daemon
//
// Counters and gauges keyed by label sets, rendered in the Prometheus
// text exposition format.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// MetricType represents the type of metric
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
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

// Key generates a unique key for a label set
func (l Labels) Key() string {
	var sb strings.Builder
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
	}
	return sb.String()
}

// String returns labels in Prometheus format
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

// Clone creates a copy of the labels
func (l Labels) Clone() Labels {
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

// Metric is the interface for all metric types
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

func writeHeader(sb *strings.Builder, m Metric) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", m.Name(), m.Help(), m.Name(), m.Type())
}

// series is one labelled value; rendered sorted by label key so the
// output is stable between scrapes.
type series struct {
	labels Labels
	bits   atomic.Uint64
}

type seriesSet struct {
	values sync.Map // label key -> *series
}

func (s *seriesSet) get(labels Labels) *series {
	key := labels.Key()
	if v, ok := s.values.Load(key); ok {
		return v.(*series)
	}
	v, _ := s.values.LoadOrStore(key, &series{labels: labels.Clone()})
	return v.(*series)
}

func (s *seriesSet) lookup(labels Labels) (*series, bool) {
	v, ok := s.values.Load(labels.Key())
	if !ok {
		return nil, false
	}
	return v.(*series), true
}

func (s *seriesSet) sorted() []*series {
	var out []*series
	s.values.Range(func(_, v any) bool {
		out = append(out, v.(*series))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].labels.Key() < out[j].labels.Key() })
	return out
}

// Counter is a monotonically increasing metric
type Counter struct {
	name, help string
	set        seriesSet
}

// NewCounter creates a new counter metric
func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Name() string     { return c.name }
func (c *Counter) Help() string     { return c.help }
func (c *Counter) Type() MetricType { return TypeCounter }

// Inc increments the counter by 1
func (c *Counter) Inc(labels Labels) { c.Add(labels, 1) }

// Add increments the counter by delta
func (c *Counter) Add(labels Labels, delta uint64) {
	c.set.get(labels).bits.Add(delta)
}

// Get returns the current counter value for labels
func (c *Counter) Get(labels Labels) uint64 {
	s, ok := c.set.lookup(labels)
	if !ok {
		return 0
	}
	return s.bits.Load()
}

func (c *Counter) Write(sb *strings.Builder) {
	writeHeader(sb, c)
	for _, s := range c.set.sorted() {
		fmt.Fprintf(sb, "%s%s %d\n", c.name, s.labels, s.bits.Load())
	}
}

// Gauge is a metric that can go up and down
type Gauge struct {
	name, help string
	set        seriesSet
	mu         sync.Mutex // serializes Add
}

// NewGauge creates a new gauge metric
func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Name() string     { return g.name }
func (g *Gauge) Help() string     { return g.help }
func (g *Gauge) Type() MetricType { return TypeGauge }

// Set sets the gauge to value
func (g *Gauge) Set(labels Labels, value float64) {
	g.set.get(labels).bits.Store(floatBits(value))
}

// Add adds delta to the gauge
func (g *Gauge) Add(labels Labels, delta float64) {
	s := g.set.get(labels)
	g.mu.Lock()
	s.bits.Store(floatBits(bitsFloat(s.bits.Load()) + delta))
	g.mu.Unlock()
}

// Get returns the current gauge value for labels
func (g *Gauge) Get(labels Labels) float64 {
	s, ok := g.set.lookup(labels)
	if !ok {
		return 0
	}
	return bitsFloat(s.bits.Load())
}

func (g *Gauge) Write(sb *strings.Builder) {
	writeHeader(sb, g)
	for _, s := range g.set.sorted() {
		fmt.Fprintf(sb, "%s%s %s\n", g.name, s.labels, formatFloat(bitsFloat(s.bits.Load())))
	}
}

func floatBits(f float64) uint64 { return math.Float64bits(f) }
func bitsFloat(b uint64) float64 { return math.Float64frombits(b) }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Registry holds all registered metrics
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string // registration order
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric to the registry
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

// Get returns a metric by name
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Counter returns the counter called name, registering it on first use.
// It returns nil if name is registered as another type.
func (r *Registry) Counter(name, help string) *Counter {
	m := r.getOrRegister(name, func() Metric { return NewCounter(name, help) })
	c, _ := m.(*Counter)
	return c
}

// Gauge returns the gauge called name, registering it on first use.
// It returns nil if name is registered as another type.
func (r *Registry) Gauge(name, help string) *Gauge {
	m := r.getOrRegister(name, func() Metric { return NewGauge(name, help) })
	g, _ := m.(*Gauge)
	return g
}

func (r *Registry) getOrRegister(name string, create func() Metric) Metric {
	if m := r.Get(name); m != nil {
		return m
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.metrics[name]; ok {
		return m
	}
	m := create()
	r.metrics[name] = m
	r.order = append(r.order, name)
	return m
}

// Gather collects all metrics in Prometheus text format
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
