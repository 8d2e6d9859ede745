// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package crash

import (
	"testing"

	"crash-recovery-go/pkg/errors"
)

// validSources lists, per target, the states it may be entered from.
// nil means any state other than the target itself.
var validSources = map[State][]State{
	StateIdle:               nil,
	StateTriggeredISR:       {StatePrinting},
	StateTriggeredACFault:   nil,
	StateTriggeredToolfall:  {StatePrinting},
	StateTriggeredToolcrash: {StatePrinting},
	StateTriggeredHomefail:  {StatePrinting},
	StateRepeatWait:         {StatePrinting, StateTriggeredToolcrash, StateTriggeredHomefail},
	StateRecovery:           {StatePrinting, StateTriggeredISR, StateTriggeredToolfall, StateTriggeredACFault},
	StateReplay:             {StateRecovery},
	StatePrinting:           {StateRecovery, StateRepeatWait, StateIdle, StateReplay},
}

var invalidReasons = map[State]string{
	StateTriggeredISR:       "isr, not active",
	StateTriggeredToolfall:  "toolfall, not active",
	StateTriggeredToolcrash: "toolcrash, not active",
	StateTriggeredHomefail:  "home, not active",
	StateRepeatWait:         "invalid wait transition",
	StateRecovery:           "invalid recovery transition",
	StateReplay:             "invalid replay transition",
	StatePrinting:           "invalid printing transition",
}

func allowed(from, target State) bool {
	if from == target {
		return false
	}
	sources := validSources[target]
	if sources == nil {
		return true
	}
	return oneOf(from, sources...)
}

func expectedReason(from, target State) string {
	if from == target {
		return selfTransitionReason(target)
	}
	return invalidReasons[target]
}

func TestTransitionMatrix(t *testing.T) {
	for _, from := range AllStates {
		for _, target := range AllStates {
			t.Run(from.String()+"->"+target.String(), func(t *testing.T) {
				h := newHarness(t)
				h.drive(t, from)

				err := h.m.SetState(target)
				if allowed(from, target) {
					if err != nil {
						t.Fatalf("expected success, got %v", err)
					}
					if h.m.State() != target {
						t.Errorf("state = %s, want %s", h.m.State(), target)
					}
					if len(h.fatal.errs) != 0 {
						t.Errorf("fatal reported on a valid transition")
					}
					return
				}

				if !errors.IsUnrecoverable(err) {
					t.Fatalf("expected unrecoverable error, got %v", err)
				}
				if got, want := errors.Reason(err), expectedReason(from, target); got != want {
					t.Errorf("reason = %q, want %q", got, want)
				}
				if h.m.State() != from {
					t.Errorf("state mutated to %s", h.m.State())
				}
				if len(h.fatal.errs) != 1 {
					t.Errorf("fatal reported %d times", len(h.fatal.errs))
				}
				if len(h.motion.calls) != 0 {
					t.Errorf("side effects before the guard: %v", h.motion.calls)
				}
				if !h.m.Halted() {
					t.Error("machine should be halted")
				}
			})
		}
	}
}

func TestHaltedMachineRejectsEverything(t *testing.T) {
	h := newHarness(t)
	first := h.m.SetState(StateTriggeredISR)
	if errors.Reason(first) != "isr, not active" {
		t.Fatalf("unexpected first error: %v", first)
	}

	err := h.m.SetState(StatePrinting)
	if err != first {
		t.Errorf("halted machine should return the first error, got %v", err)
	}
	if len(h.fatal.errs) != 1 {
		t.Errorf("halt should be reported once, got %d", len(h.fatal.errs))
	}
}

func TestReentrantSetStateIsFatal(t *testing.T) {
	h := newHarness(t)
	h.drive(t, StatePrinting)

	var inner error
	h.motion.onSuspend = func() {
		inner = h.m.SetState(StateTriggeredACFault)
	}

	outer := h.m.SetState(StateTriggeredISR)
	if errors.Reason(inner) != "reentrant set_state" {
		t.Fatalf("inner call: %v", inner)
	}
	if errors.Reason(outer) != "reentrant set_state" {
		t.Errorf("outer call should report the halt, got %v", outer)
	}
	if len(h.fatal.errs) != 1 {
		t.Errorf("fatal reported %d times", len(h.fatal.errs))
	}
	if err := h.m.SetState(StateIdle); !errors.IsUnrecoverable(err) {
		t.Errorf("machine should stay locked, got %v", err)
	}
}

func TestISRRequiresActiveAndEnabled(t *testing.T) {
	tests := []struct {
		name    string
		active  bool
		enabled bool
	}{
		{"inactive", false, true},
		{"disabled", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.drive(t, StatePrinting)
			if !tt.active {
				h.m.Deactivate()
			}
			h.sg.enabled = tt.enabled

			err := h.m.SetState(StateTriggeredISR)
			if errors.Reason(err) != "isr, not active" {
				t.Fatalf("got %v", err)
			}
			if h.m.State() != StatePrinting {
				t.Errorf("state = %s", h.m.State())
			}
		})
	}
}

func TestACFaultAllowedWhileInactive(t *testing.T) {
	h := newHarness(t)
	if err := h.m.SetState(StateTriggeredACFault); err != nil {
		t.Fatalf("AC fault from IDLE should be accepted: %v", err)
	}
	if h.motion.calls[0] != "suspend" {
		t.Errorf("capture should suspend the stepper first: %v", h.motion.calls)
	}
}

func TestEndToEndRecovery(t *testing.T) {
	h := newHarness(t)
	mo := h.motion

	if err := h.m.SetState(StatePrinting); err != nil {
		t.Fatal(err)
	}
	start := Position{10, 20, 0.3, 5}
	h.blocks.Record(4, BlockRecord{SDPos: 1234, SegmentIdx: 2, Feedrate: 50, StartPosition: start, EPosition: 5, ESteps: 280})
	mo.block, mo.hasBlock, mo.progress = 4, true, 0.5
	mo.machinePos = Position{15, 25, 0.3, 0}
	mo.axisPos = Position{15, 25, 0.3, 0}

	if err := h.m.SetState(StateTriggeredISR); err != nil {
		t.Fatal(err)
	}
	snap := h.m.Snapshot()
	if snap.SDPos != 1234 || snap.SegmentsFinished != 2 || snap.Feedrate != 50 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	// Recovery must wait for the queue to drain.
	h.m.BuffersDrained()
	if err := h.m.SetState(StateRecovery); err != nil {
		t.Fatal(err)
	}
	if mo.current != snap.CurrentPosition || mo.leveling {
		t.Errorf("recovery should resume at the anchor with leveling off")
	}
	if err := h.m.SetState(StateReplay); err != nil {
		t.Fatal(err)
	}
	if mo.current != start || mo.plannerPos != start || mo.feedrate != 50 {
		t.Errorf("replay should restore the interrupted move start: current=%v planner=%v", mo.current, mo.plannerPos)
	}
	if err := h.m.SetState(StatePrinting); err != nil {
		t.Fatal(err)
	}
	if !h.m.IsActive() {
		t.Error("machine should be active after replay")
	}
	if len(h.fatal.errs) != 0 {
		t.Errorf("unexpected fatal: %v", h.fatal.errs)
	}
}

func TestRecoveryBeforeDrainIsFatal(t *testing.T) {
	h := newHarness(t)
	h.drive(t, StatePrinting)
	if err := h.m.SetState(StateTriggeredISR); err != nil {
		t.Fatal(err)
	}

	err := h.m.SetState(StateRecovery)
	if errors.Reason(err) != "reentrant recovery" {
		t.Fatalf("got %v", err)
	}
}

func TestPrintingFromReplayKeepsActiveFlag(t *testing.T) {
	h := newHarness(t)
	h.drive(t, StateReplay)
	h.m.Deactivate()

	if err := h.m.SetState(StatePrinting); err != nil {
		t.Fatal(err)
	}
	if h.m.IsActive() {
		t.Error("PRINTING from REPLAY must not re-activate")
	}
}

func TestIdleResets(t *testing.T) {
	h := newHarness(t)
	h.drive(t, StatePrinting)
	h.m.SetAxisHit(AxisX)
	h.m.SetVarsLocked(true)
	h.m.BeginToolchange(true)
	h.m.CountCrash()
	h.m.CountCrash()
	h.m.CountCrash()
	if !h.m.IsRepeatedCrash() {
		t.Fatal("three crashes in the window should set the flag")
	}

	if err := h.m.SetState(StateIdle); err != nil {
		t.Fatal(err)
	}
	if h.m.IsActive() || h.m.VarsLocked() || h.m.IsRepeatedCrash() || h.m.AxisHit() != NoAxis {
		t.Error("IDLE should clear job flags")
	}
	if h.m.history.Clean(h.motion.now) != 0 {
		t.Error("IDLE should clear the history")
	}
	if h.m.CrashCount(AxisX) != 3 {
		t.Error("lifetime counters survive IDLE")
	}
}

func TestPrintingClearsRepeatedCrash(t *testing.T) {
	h := newHarness(t)
	h.drive(t, StateRepeatWait)
	h.m.repeatedCrash.Store(true)

	if err := h.m.SetState(StatePrinting); err != nil {
		t.Fatal(err)
	}
	if h.m.IsRepeatedCrash() {
		t.Error("entering PRINTING should clear the repeated flag")
	}
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Deps{}, Options{})
	if !errors.Is(err, errors.ErrRuntimeInit) {
		t.Fatalf("expected init error, got %v", err)
	}
}
