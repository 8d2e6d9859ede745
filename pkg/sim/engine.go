// Simulated motion engine
//
// Engine stands in for the planner, stepper and command interpreter of
// a printer so the crash machine can be exercised without hardware.
// Blocks execute only when Step is called. An Engine is driven from a
// single goroutine.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"fmt"
	"math"
	"time"

	"crash-recovery-go/pkg/crash"
)

// Config describes the simulated machine
type Config struct {
	// BlockBufferSize is the planner ring size.
	BlockBufferSize int
	// StepsPerMM per axis, in microsteps.
	StepsPerMM crash.Position
	// LevelingZOffset is added to Z while leveling is active. Non-zero
	// enables position modifiers.
	LevelingZOffset float64
	// LinearAdvanceSteps is reported as the pressure advance carry.
	LinearAdvanceSteps int32
}

// DefaultConfig resembles a small bed slinger
func DefaultConfig() Config {
	return Config{
		BlockBufferSize: 16,
		StepsPerMM:      crash.Position{100, 100, 400, 280},
	}
}

type block struct {
	start, end crash.Position
}

// Engine implements crash.Stepper, crash.Planner, crash.Interpreter and
// crash.JobTimer.
type Engine struct {
	cfg    Config
	table  *crash.BlockTable
	ring   []block
	tail   int
	count  int
	active bool // tail block is executing
	prog   float64

	suspended bool
	queuing   bool
	leveling  bool

	physical crash.Position // logical position of the steppers
	planned  crash.Position // end of the last queued move

	sdpos    uint32
	feedrate float64
	inhibit  crash.InhibitFlags
	current  crash.Position
	known    crash.AxisMask
	clock    time.Duration

	quickStops int
	resumes    int
}

// New creates an engine at the origin with all axes homed
func New(cfg Config) *Engine {
	if cfg.BlockBufferSize <= 0 {
		cfg.BlockBufferSize = DefaultConfig().BlockBufferSize
	}
	for a := range cfg.StepsPerMM {
		if cfg.StepsPerMM[a] <= 0 {
			cfg.StepsPerMM[a] = DefaultConfig().StepsPerMM[a]
		}
	}
	return &Engine{
		cfg:     cfg,
		table:   crash.NewBlockTable(cfg.BlockBufferSize),
		ring:    make([]block, cfg.BlockBufferSize),
		queuing: true,
		known:   crash.AxisMask(1<<crash.AxisX | 1<<crash.AxisY | 1<<crash.AxisZ),
		sdpos:   crash.InvalidSDPos,
	}
}

// Blocks is the side table the engine fills on every enqueue
func (e *Engine) Blocks() *crash.BlockTable { return e.table }

// Move queues a straight move to target, read from sdpos in the job file
func (e *Engine) Move(target crash.Position, feedrate float64, sdpos uint32) error {
	if !e.queuing {
		return fmt.Errorf("planner is not accepting moves")
	}
	if e.count == len(e.ring) {
		return fmt.Errorf("block buffer full")
	}
	idx := (e.tail + e.count) % len(e.ring)
	start := e.planned
	e.ring[idx] = block{start: start, end: target}
	e.table.Record(idx, crash.BlockRecord{
		SDPos:         sdpos,
		InhibitFlags:  e.inhibit,
		Feedrate:      feedrate,
		StartPosition: start,
		EPosition:     start[crash.AxisE],
		ESteps:        int32(math.Round((target[crash.AxisE] - start[crash.AxisE]) * e.cfg.StepsPerMM[crash.AxisE])),
	})
	e.count++
	e.planned = target
	e.current = target
	e.feedrate = feedrate
	e.sdpos = sdpos
	return nil
}

// Step advances execution by fraction of a block, completing blocks as
// their progress reaches 1. Nothing moves while suspended.
func (e *Engine) Step(fraction float64) {
	for fraction > 0 && !e.suspended && e.count > 0 {
		e.active = true
		b := e.ring[e.tail]
		take := math.Min(fraction, 1-e.prog)
		e.prog += take
		fraction -= take
		e.physical = lerp(b.start, b.end, e.prog)
		if e.prog >= 1 {
			e.tail = (e.tail + 1) % len(e.ring)
			e.count--
			e.prog = 0
			e.active = false
		}
	}
}

// Advance moves the job clock forward
func (e *Engine) Advance(d time.Duration) { e.clock += d }

// SetInhibitFlags sets the replay restrictions for moves queued next
func (e *Engine) SetInhibitFlags(f crash.InhibitFlags) { e.inhibit = f }

// SetAxisKnown replaces the homed axes mask
func (e *Engine) SetAxisKnown(m crash.AxisMask) { e.known = m }

// Suspended reports whether the stepper was suspended
func (e *Engine) Suspended() bool { return e.suspended }

// Queuing reports whether the planner accepts moves
func (e *Engine) Queuing() bool { return e.queuing }

// QuickStops returns how often the planner was quick stopped
func (e *Engine) QuickStops() int { return e.quickStops }

// PhysicalPosition is where the steppers are, modifiers applied
func (e *Engine) PhysicalPosition() crash.Position { return e.applyModifiers(e.physical) }

func lerp(a, b crash.Position, f float64) crash.Position {
	var p crash.Position
	for i := range p {
		p[i] = a[i] + (b[i]-a[i])*f
	}
	return p
}

func (e *Engine) applyModifiers(p crash.Position) crash.Position {
	if e.leveling {
		p[crash.AxisZ] += e.cfg.LevelingZOffset
	}
	return p
}

// Stepper

func (e *Engine) Suspend() { e.suspended = true }

func (e *Engine) CurrentBlock() (int, bool) {
	if !e.active || e.count == 0 {
		return 0, false
	}
	return e.tail, true
}

func (e *Engine) SegmentProgress() float64 { return e.prog }

func (e *Engine) LinearAdvanceSteps() int32 { return e.cfg.LinearAdvanceSteps }

// Planner

func (e *Engine) MovesPlanned() int { return e.count }

func (e *Engine) TailIndex() int { return e.tail }

func (e *Engine) QuickStop() {
	e.count = 0
	e.active = false
	e.prog = 0
	e.queuing = false
	e.quickStops++
}

func (e *Engine) ResetPosition() { e.planned = e.physical }

func (e *Engine) MachinePosition() crash.Position { return e.applyModifiers(e.physical) }

func (e *Engine) AxisPosition() crash.Position { return e.applyModifiers(e.physical) }

func (e *Engine) SetPositionMM(pos crash.Position) {
	e.planned = pos
	e.physical = pos
}

func (e *Engine) MMPerStep(a crash.Axis) float64 {
	if int(a) >= crash.NumAxes {
		return 0
	}
	return 1 / e.cfg.StepsPerMM[a]
}

func (e *Engine) LevelingActive() bool { return e.leveling }

func (e *Engine) SetLevelingActive(on bool) { e.leveling = on }

func (e *Engine) HasPositionModifiers() bool { return e.cfg.LevelingZOffset != 0 }

func (e *Engine) UnapplyModifiers(pos crash.Position, leveling bool) crash.Position {
	if leveling {
		pos[crash.AxisZ] -= e.cfg.LevelingZOffset
	}
	return pos
}

func (e *Engine) ResumeQueuing() {
	e.queuing = true
	e.suspended = false
	e.resumes++
}

// Interpreter

func (e *Engine) CurrentSDPos() uint32 { return e.sdpos }

func (e *Engine) Feedrate() float64 { return e.feedrate }

func (e *Engine) SetFeedrate(mmPerS float64) { e.feedrate = mmPerS }

func (e *Engine) InhibitFlags() crash.InhibitFlags { return e.inhibit }

func (e *Engine) CurrentPosition() crash.Position { return e.current }

func (e *Engine) SetCurrentPosition(pos crash.Position) { e.current = pos }

func (e *Engine) AxisKnownPosition() crash.AxisMask { return e.known }

// JobTimer

func (e *Engine) Duration() time.Duration { return e.clock }

var (
	_ crash.Stepper     = (*Engine)(nil)
	_ crash.Planner     = (*Engine)(nil)
	_ crash.Interpreter = (*Engine)(nil)
	_ crash.JobTimer    = (*Engine)(nil)
)
