// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package crash

import (
	"math"
	"reflect"
	"testing"

	"pgregory.net/rapid"
)

func TestExtruderReconstruction(t *testing.T) {
	for _, f := range []float64{0, 0.5, 1} {
		rapid.Check(t, func(rt *rapid.T) {
			p := rapid.Float64Range(-1000, 1000).Draw(rt, "e_position")
			steps := rapid.Int32Range(-100000, 100000).Draw(rt, "e_steps")
			mmPerStep := rapid.Float64Range(1e-4, 0.1).Draw(rt, "mm_per_step")

			h := newHarness(rt)
			h.drive(rt, StatePrinting)
			h.motion.mmPerStep[AxisE] = mmPerStep
			h.motion.block, h.motion.hasBlock, h.motion.progress = 7, true, f
			h.blocks.Record(7, BlockRecord{SDPos: 1, EPosition: p, ESteps: steps})

			if err := h.m.SetState(StateTriggeredISR); err != nil {
				rt.Fatal(err)
			}
			want := p + f*float64(steps)*mmPerStep
			if got := h.m.Snapshot().CrashPosition[AxisE]; math.Abs(got-want) > 1e-6 {
				rt.Fatalf("f=%v: E = %v, want %v", f, got, want)
			}
		})
	}
}

func TestCaptureUsesQueuedBlockWhenIdleStepper(t *testing.T) {
	h := newHarness(t)
	h.drive(t, StatePrinting)
	h.motion.moves, h.motion.tail = 3, 9
	h.motion.laSteps = 14
	h.blocks.Record(9, BlockRecord{SDPos: 900, SegmentIdx: 1, InhibitFlags: InhibitPartialReplay, Feedrate: 30})

	if err := h.m.SetState(StateTriggeredToolfall); err != nil {
		t.Fatal(err)
	}
	s := h.m.Snapshot()
	if s.SDPos != 900 || s.SegmentsFinished != 1 || s.InhibitFlags != InhibitPartialReplay || s.Feedrate != 30 {
		t.Errorf("snapshot not taken from the tail block: %+v", s)
	}
	if want := 14 * h.motion.mmPerStep[AxisE]; s.AdvanceMM != want {
		t.Errorf("advance = %v, want %v", s.AdvanceMM, want)
	}
	if !h.m.ToolchangeEvent() {
		t.Error("toolfall is a toolchange event")
	}
	want := []string{"suspend", "quick_stop", "reset_position"}
	if !reflect.DeepEqual(h.motion.calls, want) {
		t.Errorf("calls = %v, want %v", h.motion.calls, want)
	}
}

func TestCaptureWithoutBlocks(t *testing.T) {
	h := newHarness(t)
	h.drive(t, StatePrinting)
	mo := h.motion
	mo.sdpos = 4321
	mo.feedrate = 12
	mo.inhibit = InhibitXYZRepositioning
	mo.current = Position{1, 2, 3, 4.5}
	mo.laSteps = 99

	if err := h.m.SetState(StateTriggeredISR); err != nil {
		t.Fatal(err)
	}
	s := h.m.Snapshot()
	if s.SDPos != 4321 || s.SegmentsFinished != 0 || s.Feedrate != 12 || s.InhibitFlags != InhibitXYZRepositioning {
		t.Errorf("unexpected snapshot: %+v", s)
	}
	if s.StartPosition != mo.current || s.CrashPosition[AxisE] != 4.5 || s.AdvanceMM != 0 {
		t.Errorf("positions should come from the interpreter: %+v", s)
	}
}

func TestInvalidSDPosKeepsPrevious(t *testing.T) {
	h := newHarness(t)
	h.drive(t, StatePrinting)
	h.motion.sdpos = 77
	if err := h.m.SetState(StateTriggeredToolcrash); err != nil {
		t.Fatal(err)
	}
	if err := h.m.SetState(StateRepeatWait); err != nil {
		t.Fatal(err)
	}
	if err := h.m.SetState(StatePrinting); err != nil {
		t.Fatal(err)
	}
	h.motion.sdpos = InvalidSDPos
	if err := h.m.SetState(StateTriggeredHomefail); err != nil {
		t.Fatal(err)
	}
	if got := h.m.Snapshot().SDPos; got != 77 {
		t.Errorf("sdpos = %d, want previous 77", got)
	}
	if h.m.ToolchangeEvent() {
		t.Error("homing failure is not a toolchange event")
	}
	if len(h.motion.calls) != 0 {
		t.Errorf("toolcrash and homefail must not stop motion: %v", h.motion.calls)
	}
}

func TestLevelingAndModifiers(t *testing.T) {
	tests := []struct {
		name         string
		toolchange   bool
		preLeveling  bool
		planLeveling bool
		wantLeveling bool
		wantZ        float64
	}{
		{"planner leveling", false, false, true, true, 0.7},
		{"no leveling", false, true, false, false, 1.0},
		{"toolchange restores pre-change leveling", true, true, false, true, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.drive(t, StatePrinting)
			mo := h.motion
			mo.leveling = tt.planLeveling
			mo.modifiers = true
			mo.zOffset = 0.3
			mo.axisPos = Position{5, 5, 1.0, 0}
			if tt.toolchange {
				h.m.BeginToolchange(tt.preLeveling)
			}

			if err := h.m.SetState(StateTriggeredACFault); err != nil {
				t.Fatal(err)
			}
			s := h.m.Snapshot()
			if s.LevelingActive != tt.wantLeveling {
				t.Errorf("leveling = %v, want %v", s.LevelingActive, tt.wantLeveling)
			}
			if math.Abs(s.CurrentPosition[AxisZ]-tt.wantZ) > 1e-12 {
				t.Errorf("anchor Z = %v, want %v", s.CurrentPosition[AxisZ], tt.wantZ)
			}
			if h.m.ToolchangeEvent() != tt.toolchange {
				t.Errorf("toolchange event = %v", h.m.ToolchangeEvent())
			}
		})
	}
}

func TestReplayRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		inhibit InhibitFlags
	}{
		{"reposition", 0},
		{"stay in place", InhibitXYZRepositioning},
		{"restart move", InhibitPartialReplay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.drive(t, StatePrinting)
			mo := h.motion
			start := Position{10, 10, 0.2, 3}
			h.blocks.Record(0, BlockRecord{SDPos: 10, SegmentIdx: 4, InhibitFlags: tt.inhibit, Feedrate: 40, StartPosition: start, EPosition: 3, ESteps: 100})
			mo.hasBlock, mo.progress = true, 0.25
			mo.axisPos = Position{12, 11, 0.2, 0}
			mo.machinePos = mo.axisPos

			for _, s := range []State{StateTriggeredISR, StateRecovery, StateReplay} {
				h.m.BuffersDrained()
				if err := h.m.SetState(s); err != nil {
					t.Fatalf("%s: %v", s, err)
				}
			}

			snap := h.m.Snapshot()
			want := start
			if tt.inhibit.Has(InhibitXYZRepositioning) {
				want = Position{12, 11, 0.2, 3}
				if snap.CrashPosition[AxisX] != 12 || snap.CrashPosition[AxisY] != 11 {
					t.Errorf("crash position XYZ should collapse to the live position: %v", snap.CrashPosition)
				}
			}
			if mo.current != want || mo.plannerPos != want {
				t.Errorf("current=%v planner=%v, want %v", mo.current, mo.plannerPos, want)
			}
			wantSegments := uint16(4)
			if tt.inhibit.Has(InhibitPartialReplay) {
				wantSegments = 0
			}
			if snap.SegmentsFinished != wantSegments {
				t.Errorf("segments = %d, want %d", snap.SegmentsFinished, wantSegments)
			}
		})
	}
}
