// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package crash

import (
	"time"

	"crash-recovery-go/pkg/stallguard"
	"crash-recovery-go/pkg/store"
)

// fakeMotion implements Stepper, Planner, Interpreter and JobTimer and
// logs the calls that change machine state.
type fakeMotion struct {
	calls []string

	block     int
	hasBlock  bool
	progress  float64
	laSteps   int32
	moves     int
	tail      int
	onSuspend func()

	machinePos Position
	axisPos    Position
	plannerPos Position
	leveling   bool
	modifiers  bool
	zOffset    float64
	mmPerStep  Position

	sdpos    uint32
	feedrate float64
	inhibit  InhibitFlags
	current  Position
	known    AxisMask
	now      time.Duration
}

func newFakeMotion() *fakeMotion {
	return &fakeMotion{
		mmPerStep: Position{0.01, 0.01, 0.0025, 1.0 / 280},
		sdpos:     InvalidSDPos,
		known:     0x7,
	}
}

func (f *fakeMotion) call(name string) { f.calls = append(f.calls, name) }

func (f *fakeMotion) Suspend() {
	f.call("suspend")
	if f.onSuspend != nil {
		f.onSuspend()
	}
}
func (f *fakeMotion) CurrentBlock() (int, bool)  { return f.block, f.hasBlock }
func (f *fakeMotion) SegmentProgress() float64   { return f.progress }
func (f *fakeMotion) LinearAdvanceSteps() int32  { return f.laSteps }
func (f *fakeMotion) MovesPlanned() int          { return f.moves }
func (f *fakeMotion) TailIndex() int             { return f.tail }
func (f *fakeMotion) QuickStop()                 { f.call("quick_stop"); f.moves = 0 }
func (f *fakeMotion) ResetPosition()             { f.call("reset_position") }
func (f *fakeMotion) MachinePosition() Position  { return f.machinePos }
func (f *fakeMotion) AxisPosition() Position     { return f.axisPos }
func (f *fakeMotion) MMPerStep(a Axis) float64   { return f.mmPerStep[a] }
func (f *fakeMotion) LevelingActive() bool       { return f.leveling }
func (f *fakeMotion) HasPositionModifiers() bool { return f.modifiers }
func (f *fakeMotion) ResumeQueuing()             { f.call("resume_queuing") }

func (f *fakeMotion) SetPositionMM(p Position) {
	f.call("set_position")
	f.plannerPos = p
}

func (f *fakeMotion) SetLevelingActive(on bool) {
	if on {
		f.call("leveling on")
	} else {
		f.call("leveling off")
	}
	f.leveling = on
}

func (f *fakeMotion) UnapplyModifiers(p Position, leveling bool) Position {
	if leveling {
		p[AxisZ] -= f.zOffset
	}
	return p
}

func (f *fakeMotion) CurrentSDPos() uint32          { return f.sdpos }
func (f *fakeMotion) Feedrate() float64             { return f.feedrate }
func (f *fakeMotion) SetFeedrate(v float64)         { f.feedrate = v }
func (f *fakeMotion) InhibitFlags() InhibitFlags    { return f.inhibit }
func (f *fakeMotion) CurrentPosition() Position     { return f.current }
func (f *fakeMotion) SetCurrentPosition(p Position) { f.current = p }
func (f *fakeMotion) AxisKnownPosition() AxisMask   { return f.known }
func (f *fakeMotion) Duration() time.Duration       { return f.now }

type fakeFatal struct {
	errs []error
}

func (f *fakeFatal) Fatal(err error) { f.errs = append(f.errs, err) }

type fakeStallGuard struct {
	enabled bool
	sens    stallguard.Pair[int32]
	period  stallguard.Pair[uint32]
}

func (f *fakeStallGuard) Enabled() bool                       { return f.enabled }
func (f *fakeStallGuard) Sensitivity() stallguard.Pair[int32] { return f.sens }
func (f *fakeStallGuard) MaxPeriod() stallguard.Pair[uint32]  { return f.period }

type sample struct {
	name   string
	tags   map[string]string
	values map[string]float64
}

type fakeMetrics struct {
	custom []sample
	events []string
}

func (f *fakeMetrics) RecordCustom(name string, tags map[string]string, values map[string]float64) {
	f.custom = append(f.custom, sample{name, tags, values})
}

func (f *fakeMetrics) RecordEvent(name string) { f.events = append(f.events, name) }

type fakeTStep struct {
	tstep      uint32
	microsteps int
}

func (f fakeTStep) TStep() (uint32, error) { return f.tstep, nil }
func (f fakeTStep) Microsteps() int        { return f.microsteps }

// tb is the part of testing.TB that rapid.T also provides
type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

type harness struct {
	m       *Machine
	motion  *fakeMotion
	fatal   *fakeFatal
	metrics *fakeMetrics
	sg      *fakeStallGuard
	store   *store.Memory
	blocks  *BlockTable
}

func newHarness(t tb) *harness {
	t.Helper()
	h := &harness{
		motion:  newFakeMotion(),
		fatal:   &fakeFatal{},
		metrics: &fakeMetrics{},
		sg:      &fakeStallGuard{enabled: true, sens: stallguard.Pair[int32]{X: 2, Y: 3}, period: stallguard.Pair[uint32]{X: 210, Y: 220}},
		store:   store.NewMemory(),
		blocks:  NewBlockTable(16),
	}
	m, err := New(Deps{
		Stepper:     h.motion,
		Planner:     h.motion,
		Interpreter: h.motion,
		Timer:       h.motion,
		Blocks:      h.blocks,
		StallGuard:  h.sg,
		Store:       h.store,
		Fatal:       h.fatal,
		Metrics:     h.metrics,
		Drivers:     stallguard.Pair[TStepReader]{X: fakeTStep{tstep: 150, microsteps: 16}},
	}, Options{HistoryCapacity: 3, HistoryWindow: 60 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	return h
}

// drive walks a fresh machine to s along valid transitions, draining
// buffers after every capture.
func (h *harness) drive(t tb, s State) {
	t.Helper()
	var path []State
	switch s {
	case StateIdle:
	case StatePrinting, StateRepeatWait:
		path = []State{StatePrinting, s}
		if s == StatePrinting {
			path = path[:1]
		}
	case StateTriggeredISR, StateTriggeredACFault, StateTriggeredToolfall,
		StateTriggeredToolcrash, StateTriggeredHomefail:
		path = []State{StatePrinting, s}
	case StateRecovery:
		path = []State{StatePrinting, StateTriggeredISR, StateRecovery}
	case StateReplay:
		path = []State{StatePrinting, StateTriggeredISR, StateRecovery, StateReplay}
	}
	for _, next := range path {
		if err := h.m.SetState(next); err != nil {
			t.Fatalf("driving to %s: %s failed: %v", s, next, err)
		}
		h.m.BuffersDrained()
	}
	h.motion.calls = nil
}
