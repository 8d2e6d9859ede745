// Stall-guard threshold controller
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package stallguard

import (
	"sync"
	"sync/atomic"

	"crash-recovery-go/pkg/errors"
	"crash-recovery-go/pkg/log"
	"crash-recovery-go/pkg/store"
)

// Axis selects one of the two stall-monitored motors
type Axis int

const (
	X Axis = iota
	Y
)

func (a Axis) String() string {
	if a == X {
		return "x"
	}
	return "y"
}

// Pair holds a per-axis value for X and Y
type Pair[T any] struct {
	X, Y T
}

// Get returns the value for axis
func (p Pair[T]) Get(a Axis) T {
	if a == X {
		return p.X
	}
	return p.Y
}

func (p *Pair[T]) set(a Axis, v T) {
	if a == X {
		p.X = v
	} else {
		p.Y = v
	}
}

// Driver is the stall-guard surface of a motor driver
type Driver interface {
	SetStallMaxPeriod(period uint32) error
	SetStallSensitivity(sens int32) error
	// DisableStallGuard restores the baseline drive mode. stealth selects
	// the silent chopper.
	DisableStallGuard(stealth bool) error
}

// FilterDriver is implemented by drivers with a stall filter and a
// dedicated stall diagnostic output.
type FilterDriver interface {
	Driver
	SetStallFilter(on bool) error
	SetDiagStall(on bool) error
}

// Options are the parts of the controller not kept in the store
type Options struct {
	// CoreXY couples X and Y: both motors move for either axis.
	CoreXY bool
	// HomeSensitivity is programmed during sensorless homing.
	HomeSensitivity Pair[int32]
}

// Controller owns stall thresholds for X and Y. Values are loaded from
// the store at construction and written through on every change.
// Mutators run in task context only; Enabled is lock-free and safe from
// trigger context.
type Controller struct {
	mu      sync.Mutex
	drivers Pair[Driver]
	store   store.Store
	opts    Options
	log     *log.Logger

	enabled     atomic.Bool
	sensitivity Pair[int32]
	maxPeriod   Pair[uint32]
	filter      bool
	homing      Pair[bool]
	stealth     Pair[bool]
}

// New loads the persisted configuration. Hardware is not touched until
// UpdateMachine is called.
func New(x, y Driver, st store.Store, opts Options) *Controller {
	c := &Controller{
		drivers: Pair[Driver]{X: x, Y: y},
		store:   st,
		opts:    opts,
		log:     log.GetLogger("stallguard"),
		sensitivity: Pair[int32]{
			X: st.Int32(store.KeyCrashSensX),
			Y: st.Int32(store.KeyCrashSensY),
		},
		maxPeriod: Pair[uint32]{
			X: st.Uint32(store.KeyCrashMaxPeriodX),
			Y: st.Uint32(store.KeyCrashMaxPeriodY),
		},
		filter: st.Bool(store.KeyCrashFilter),
	}
	c.enabled.Store(st.Bool(store.KeyCrashEnabled))
	return c
}

// Enabled reports whether stall detection is on
func (c *Controller) Enabled() bool {
	return c.enabled.Load()
}

// Sensitivity returns the printing thresholds
func (c *Controller) Sensitivity() Pair[int32] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sensitivity
}

// MaxPeriod returns the slowest step period stalls are detected at
func (c *Controller) MaxPeriod() Pair[uint32] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxPeriod
}

// Filter reports whether the stall filter is on
func (c *Controller) Filter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// Homing reports whether axis is in sensorless homing
func (c *Controller) Homing(a Axis) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.homing.Get(a)
}

// Enable turns stall detection on or off
func (c *Controller) Enable(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled.Load() == on {
		return nil
	}
	c.enabled.Store(on)
	c.store.SetBool(store.KeyCrashEnabled, on)
	c.log.WithField("enabled", on).Info("crash detection changed")
	return c.updateMachine()
}

// SetSensitivity changes the printing thresholds
func (c *Controller) SetSensitivity(sens Pair[int32]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sensitivity == sens {
		return nil
	}
	c.sensitivity = sens
	c.store.SetInt32(store.KeyCrashSensX, sens.X)
	c.store.SetInt32(store.KeyCrashSensY, sens.Y)
	c.log.WithFields(log.Fields{"x": sens.X, "y": sens.Y}).Info("sensitivity changed")
	return c.updateMachine()
}

// SetMaxPeriod changes the slowest step period stalls are detected at
func (c *Controller) SetMaxPeriod(period Pair[uint32]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxPeriod == period {
		return nil
	}
	c.maxPeriod = period
	c.store.SetUint32(store.KeyCrashMaxPeriodX, period.X)
	c.store.SetUint32(store.KeyCrashMaxPeriodY, period.Y)
	c.log.WithFields(log.Fields{"x": period.X, "y": period.Y}).Info("max period changed")
	return c.updateMachine()
}

// SetFilter turns the stall filter on or off
func (c *Controller) SetFilter(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filter == on {
		return nil
	}
	c.filter = on
	c.store.SetBool(store.KeyCrashFilter, on)
	c.log.WithField("filter", on).Info("filter changed")
	return c.updateMachine()
}

// UpdateMachine reprograms both drivers from the current configuration.
// It is idempotent.
func (c *Controller) UpdateMachine() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateMachine()
}

// blocked reports whether axis must be left alone because a motor it
// drives is homing.
func (c *Controller) blocked(a Axis) bool {
	if c.opts.CoreXY {
		return c.homing.X || c.homing.Y
	}
	return c.homing.Get(a)
}

func (c *Controller) updateMachine() error {
	var errs []error
	for _, a := range []Axis{X, Y} {
		if c.blocked(a) {
			continue
		}
		if err := c.program(a); err != nil {
			c.log.WithField("axis", a.String()).WithError(err).Error("reprogram failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) program(a Axis) error {
	d := c.drivers.Get(a)
	if d == nil {
		return nil
	}
	if !c.enabled.Load() {
		return d.DisableStallGuard(c.stealth.Get(a))
	}
	// Keep detection off while thresholds change.
	if err := d.SetStallMaxPeriod(0); err != nil {
		return err
	}
	if fd, ok := d.(FilterDriver); ok {
		if err := fd.SetStallFilter(c.filter); err != nil {
			return err
		}
		if err := fd.SetDiagStall(true); err != nil {
			return err
		}
	}
	if err := d.SetStallSensitivity(c.sensitivity.Get(a)); err != nil {
		return err
	}
	return d.SetStallMaxPeriod(c.maxPeriod.Get(a))
}

// StartSensorlessHoming marks axis as homing and programs its home
// sensitivity. With CoreXY both motors take the home sensitivity, but
// only axis is marked.
func (c *Controller) StartSensorlessHoming(a Axis) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.homing.set(a, true)
	axes := []Axis{a}
	if c.opts.CoreXY {
		axes = []Axis{X, Y}
	}
	var errs []error
	for _, ax := range axes {
		d := c.drivers.Get(ax)
		if d == nil {
			continue
		}
		if err := d.SetStallSensitivity(c.opts.HomeSensitivity.Get(ax)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EndSensorlessHoming ends homing on axis, records its chopper mode to
// restore when detection is off, and reprograms the drivers that are
// no longer blocked by homing.
func (c *Controller) EndSensorlessHoming(a Axis, stealth bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.homing.set(a, false)
	c.stealth.set(a, stealth)
	return c.updateMachine()
}

// SetHomeSensitivity replaces the homing thresholds. They take effect
// on the next StartSensorlessHoming.
func (c *Controller) SetHomeSensitivity(sens Pair[int32]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.HomeSensitivity = sens
}
