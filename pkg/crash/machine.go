// Crash detection and recovery state machine
//
// A trigger (stall interrupt, AC fault, toolchanger fault, homing
// failure) moves the machine from PRINTING into a TRIGGERED state,
// freezing motion and capturing a snapshot. The orchestrator then walks
// RECOVERY, REPLAY and back to PRINTING, or parks in REPEAT_WAIT when
// crashes repeat too often.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package crash

import (
	"fmt"
	"sync/atomic"
	"time"

	"crash-recovery-go/pkg/errors"
	"crash-recovery-go/pkg/log"
	"crash-recovery-go/pkg/stallguard"
	"crash-recovery-go/pkg/store"
)

// Default sliding window parameters
const (
	DefaultHistoryCapacity = 3
	DefaultHistoryWindow   = 60 * time.Second
)

// Deps are the collaborators a Machine drives
type Deps struct {
	Stepper     Stepper
	Planner     Planner
	Interpreter Interpreter
	Timer       JobTimer
	Blocks      *BlockTable
	StallGuard  StallGuard
	Store       store.Store
	Fatal       FatalReporter

	// Optional
	Metrics Metrics
	Drivers stallguard.Pair[TStepReader]
}

// Options tune the repeated crash detector
type Options struct {
	HistoryCapacity int
	HistoryWindow   time.Duration
}

// Machine is the crash state machine. SetState is the only entry point
// that changes state and may be called from any context. Everything on
// the transition path is lock-free.
type Machine struct {
	d   Deps
	log *log.Logger

	// gate admits one transition at a time
	gate    atomic.Bool
	haltErr atomic.Pointer[errors.HostError]
	state   atomic.Uint32

	active                atomic.Bool
	varsLocked            atomic.Bool
	toolchangeInProgress  atomic.Bool
	pretoolchangeLeveling atomic.Bool
	repeatedCrash         atomic.Bool
	pendingRepeated       atomic.Bool
	axisHit               atomic.Uint32

	// loop is raised by capture and cleared once the motion queue has
	// drained. Recovery and replay refuse to run while it is raised.
	loop atomic.Bool

	// written only with the gate held
	snapshot        Snapshot
	toolchangeEvent bool

	history     *History
	crashCount  [2]atomic.Uint32 // indexed by AxisX, AxisY
	powerPanics atomic.Uint32
}

// New creates a machine in IDLE
func New(d Deps, opts Options) (*Machine, error) {
	switch {
	case d.Stepper == nil:
		return nil, errors.RuntimeErrorInit("crash", errMissing("stepper"))
	case d.Planner == nil:
		return nil, errors.RuntimeErrorInit("crash", errMissing("planner"))
	case d.Interpreter == nil:
		return nil, errors.RuntimeErrorInit("crash", errMissing("interpreter"))
	case d.Timer == nil:
		return nil, errors.RuntimeErrorInit("crash", errMissing("job timer"))
	case d.Blocks == nil:
		return nil, errors.RuntimeErrorInit("crash", errMissing("block table"))
	case d.Store == nil:
		return nil, errors.RuntimeErrorInit("crash", errMissing("store"))
	case d.Fatal == nil:
		return nil, errors.RuntimeErrorInit("crash", errMissing("fatal reporter"))
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = DefaultHistoryCapacity
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}

	m := &Machine{
		d:       d,
		log:     log.GetLogger("crash"),
		history: NewHistory(opts.HistoryCapacity, opts.HistoryWindow),
	}
	m.reset()
	return m, nil
}

func errMissing(name string) error { return fmt.Errorf("%s is required", name) }

// State returns the current state
func (m *Machine) State() State { return State(m.state.Load()) }

// Halted reports whether a fatal error locked the machine
func (m *Machine) Halted() bool { return m.haltErr.Load() != nil }

// IsActive reports whether crash handling is armed for the current job
func (m *Machine) IsActive() bool { return m.active.Load() }

// IsEnabled reports whether stall detection is enabled
func (m *Machine) IsEnabled() bool {
	return m.d.StallGuard != nil && m.d.StallGuard.Enabled()
}

// Activate arms crash handling
func (m *Machine) Activate() { m.active.Store(true) }

// Deactivate disarms crash handling, e.g. during moves that may stall
// on purpose
func (m *Machine) Deactivate() { m.active.Store(false) }

// SetVarsLocked marks the crash variables as owned by another subsystem
// such as power panic recovery
func (m *Machine) SetVarsLocked(locked bool) { m.varsLocked.Store(locked) }

// VarsLocked reports whether the crash variables are locked
func (m *Machine) VarsLocked() bool { return m.varsLocked.Load() }

// SetAxisHit records which axis stalled
func (m *Machine) SetAxisHit(a Axis) { m.axisHit.Store(uint32(a)) }

// AxisHit returns the last axis that stalled
func (m *Machine) AxisHit() Axis { return Axis(m.axisHit.Load()) }

// BeginToolchange marks a toolchange in progress. leveling is the
// planner leveling state from before the change, restored after a crash.
func (m *Machine) BeginToolchange(leveling bool) {
	m.pretoolchangeLeveling.Store(leveling)
	m.toolchangeInProgress.Store(true)
}

// EndToolchange clears the toolchange in progress flag
func (m *Machine) EndToolchange() { m.toolchangeInProgress.Store(false) }

// ToolchangeEvent reports whether the last trigger involved the toolchanger.
// Only meaningful outside a transition.
func (m *Machine) ToolchangeEvent() bool { return m.toolchangeEvent }

// IsRepeatedCrash reports whether the crash limit was reached
func (m *Machine) IsRepeatedCrash() bool { return m.repeatedCrash.Load() }

// ResetRepeatedCrash clears the crash limit flag
func (m *Machine) ResetRepeatedCrash() { m.repeatedCrash.Store(false) }

// Snapshot returns a copy of the last capture.
// Only meaningful outside a transition.
func (m *Machine) Snapshot() Snapshot { return m.snapshot }

// BuffersDrained tells the machine the motion queue was flushed after a
// capture, allowing recovery to proceed.
func (m *Machine) BuffersDrained() { m.loop.Store(false) }

// SetState requests a transition. Invalid requests are unrecoverable:
// the FatalReporter is invoked, the error is returned and the machine
// stays locked. Once halted every call returns the first fatal error.
func (m *Machine) SetState(target State) error {
	if err := m.haltErr.Load(); err != nil {
		return err
	}
	if !m.gate.CompareAndSwap(false, true) {
		return m.halt(errors.Fatal("reentrant set_state").SetContext("target", target.String()))
	}
	if err := m.transition(target); err != nil {
		return err
	}
	// A transition preempted by a reentrant call keeps the gate.
	if err := m.haltErr.Load(); err != nil {
		return err
	}
	m.gate.Store(false)
	return nil
}

func (m *Machine) fatal(reason string, from, target State) error {
	return m.halt(errors.Fatal(reason).
		SetContext("from", from.String()).
		SetContext("target", target.String()))
}

func (m *Machine) halt(err *errors.HostError) error {
	if !m.haltErr.CompareAndSwap(nil, err) {
		return m.haltErr.Load()
	}
	m.d.Fatal.Fatal(err)
	return err
}

func oneOf(s State, set ...State) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}

func (m *Machine) transition(target State) error {
	from := m.State()
	if from == target {
		return m.fatal(selfTransitionReason(target), from, target)
	}

	switch target {
	case StateIdle:
		m.reset()

	case StateTriggeredISR:
		if from != StatePrinting || !m.IsActive() || !m.IsEnabled() {
			return m.fatal("isr, not active", from, target)
		}
		fallthrough
	case StateTriggeredACFault:
		m.toolchangeEvent = m.toolchangeInProgress.Load()
		if err := m.stopAndSave(from, target); err != nil {
			return err
		}

	case StateTriggeredToolfall:
		if from != StatePrinting || !m.IsActive() {
			return m.fatal("toolfall, not active", from, target)
		}
		m.toolchangeEvent = true
		if err := m.stopAndSave(from, target); err != nil {
			return err
		}

	case StateTriggeredToolcrash, StateTriggeredHomefail:
		if from != StatePrinting || !m.IsActive() {
			reason := "toolcrash, not active"
			if target == StateTriggeredHomefail {
				reason = "home, not active"
			}
			return m.fatal(reason, from, target)
		}
		m.toolchangeEvent = target == StateTriggeredToolcrash
		m.snapshot.AxisKnownPosition = m.d.Interpreter.AxisKnownPosition()
		m.checkAndSetSDPos(m.d.Interpreter.CurrentSDPos())

	case StateRepeatWait:
		if !oneOf(from, StatePrinting, StateTriggeredToolcrash, StateTriggeredHomefail) {
			return m.fatal("invalid wait transition", from, target)
		}

	case StateRecovery:
		if !oneOf(from, StatePrinting, StateTriggeredISR, StateTriggeredToolfall, StateTriggeredACFault) {
			return m.fatal("invalid recovery transition", from, target)
		}
		if err := m.resumeMovement(from, target); err != nil {
			return err
		}

	case StateReplay:
		if from != StateRecovery {
			return m.fatal("invalid replay transition", from, target)
		}
		m.Activate()
		if err := m.restoreState(from, target); err != nil {
			return err
		}

	case StatePrinting:
		if !oneOf(from, StateRecovery, StateRepeatWait, StateIdle, StateReplay) {
			return m.fatal("invalid printing transition", from, target)
		}
		m.ResetRepeatedCrash()
		if from != StateReplay {
			m.Activate()
		}

	default:
		return m.fatal("unknown crash state", from, target)
	}

	m.state.Store(uint32(target))
	return nil
}

// reset returns to IDLE with the job state cleared
func (m *Machine) reset() {
	m.history.Reset()
	m.repeatedCrash.Store(false)
	m.toolchangeInProgress.Store(false)
	m.snapshot.SegmentsFinished = 0
	m.snapshot.InhibitFlags = 0
	m.state.Store(uint32(StateIdle))
	m.varsLocked.Store(false)
	m.active.Store(false)
	m.axisHit.Store(uint32(NoAxis))
}
