// Crash metrics recorder
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"sync"
	"time"
)

// Namespace prefixes every metric the Recorder registers.
const Namespace = "crashd"

// Sample kinds
const (
	KindCustom = "custom"
	KindEvent  = "event"
)

// Sample is one recorded metric point, as delivered to subscribers.
type Sample struct {
	Kind   string             `json:"kind"`
	Name   string             `json:"name"`
	Tags   map[string]string  `json:"tags,omitempty"`
	Values map[string]float64 `json:"values,omitempty"`
	Time   time.Time          `json:"time"`
}

// Recorder turns crash machine metrics into registry series. A custom
// metric "crash" with field "speed" becomes the gauge crashd_crash_speed
// labelled with its tags, and an event becomes the counter
// crashd_<name>_total.
type Recorder struct {
	reg *Registry
	now func() time.Time

	mu   sync.RWMutex
	subs []func(Sample)
}

// NewRecorder creates a Recorder backed by reg.
func NewRecorder(reg *Registry) *Recorder {
	return &Recorder{reg: reg, now: time.Now}
}

// Registry returns the backing registry.
func (r *Recorder) Registry() *Registry { return r.reg }

// Subscribe registers fn to receive every recorded sample. fn is called
// synchronously and must not block.
func (r *Recorder) Subscribe(fn func(Sample)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// RecordCustom sets one gauge per value field.
func (r *Recorder) RecordCustom(name string, tags map[string]string, values map[string]float64) {
	labels := Labels(tags)
	for field, v := range values {
		g := r.reg.Gauge(Namespace+"_"+name+"_"+field, "crash metric "+name+" field "+field)
		if g != nil {
			g.Set(labels, v)
		}
	}
	r.publish(Sample{Kind: KindCustom, Name: name, Tags: tags, Values: values, Time: r.now()})
}

// RecordEvent increments the event counter.
func (r *Recorder) RecordEvent(name string) {
	if c := r.reg.Counter(Namespace+"_"+name+"_total", "crash event "+name); c != nil {
		c.Inc(nil)
	}
	r.publish(Sample{Kind: KindEvent, Name: name, Time: r.now()})
}

func (r *Recorder) publish(s Sample) {
	r.mu.RLock()
	subs := r.subs
	r.mu.RUnlock()
	for _, fn := range subs {
		fn(s)
	}
}
