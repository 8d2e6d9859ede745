// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package crash

import (
	"math"
	"sync"
	"testing"

	"crash-recovery-go/pkg/store"
)

func TestCountCrashPerAxis(t *testing.T) {
	h := newHarness(t)
	for _, a := range []Axis{AxisX, AxisX, AxisY, NoAxis, AxisZ} {
		h.m.SetAxisHit(a)
		h.m.CountCrash()
	}
	if h.m.CrashCount(AxisX) != 2 || h.m.CrashCount(AxisY) != 1 {
		t.Errorf("x=%d y=%d", h.m.CrashCount(AxisX), h.m.CrashCount(AxisY))
	}
}

func TestWriteStats(t *testing.T) {
	h := newHarness(t)
	h.store.SetUint32(store.KeyCrashCountX, 10)
	h.m.SetAxisHit(AxisX)
	h.m.CountCrash()
	h.m.CountCrash()
	h.m.CountPowerPanic()

	h.m.WriteStats()

	if got := h.store.Uint32(store.KeyCrashCountX); got != 12 {
		t.Errorf("persisted x = %d, want 12", got)
	}
	if got := h.store.Uint32(store.KeyCrashCountY); got != 0 {
		t.Errorf("persisted y = %d, want 0", got)
	}
	if got := h.store.Uint32(store.KeyPowerPanicsCount); got != 1 {
		t.Errorf("power panics = %d, want 1", got)
	}
	if h.m.CrashCount(AxisX) != 0 || h.m.PowerPanics() != 0 {
		t.Error("counters should be zeroed")
	}

	if len(h.metrics.custom) != 1 {
		t.Fatalf("expected one crash_stat sample, got %v", h.metrics.custom)
	}
	s := h.metrics.custom[0]
	if s.name != MetricCrashStat || s.tags["axis"] != "x" || s.values["last"] != 2 || s.values["total"] != 12 {
		t.Errorf("unexpected sample: %+v", s)
	}

	h.m.WriteStats()
	if got := h.store.Uint32(store.KeyCrashCountX); got != 12 {
		t.Errorf("second flush must not double count, got %d", got)
	}
}

func TestWriteStatsKeepsConcurrentCrashes(t *testing.T) {
	h := newHarness(t)
	h.m.SetAxisHit(AxisY)

	const crashes = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < crashes; i++ {
			h.m.CountCrash()
		}
	}()
	for i := 0; i < 50; i++ {
		h.m.WriteStats()
	}
	wg.Wait()
	h.m.WriteStats()

	if got := h.store.Uint32(store.KeyCrashCountY); got != crashes {
		t.Errorf("persisted y = %d, want %d", got, crashes)
	}
}

func TestResetCrashCounter(t *testing.T) {
	h := newHarness(t)
	h.m.SetAxisHit(AxisY)
	h.m.CountCrash()
	h.m.CountPowerPanic()
	h.m.ResetCrashCounter()
	h.m.WriteStats()
	if h.store.Uint32(store.KeyCrashCountY) != 0 || h.store.Uint32(store.KeyPowerPanicsCount) != 0 {
		t.Error("reset counters must not be persisted")
	}
}

func TestSendReports(t *testing.T) {
	h := newHarness(t)
	h.drive(t, StatePrinting)
	h.m.SetAxisHit(AxisX)
	for i := 0; i < 3; i++ {
		h.m.CountCrash()
	}
	if len(h.metrics.events) != 0 {
		t.Fatal("events must wait for SendReports")
	}

	h.m.SendReports()

	if len(h.metrics.events) != 1 || h.metrics.events[0] != MetricCrashRepeated {
		t.Errorf("events = %v", h.metrics.events)
	}
	if len(h.metrics.custom) != 1 {
		t.Fatalf("custom = %v", h.metrics.custom)
	}
	s := h.metrics.custom[0]
	if s.name != MetricCrash || s.tags["axis"] != "x" || s.values["sens"] != 2 || s.values["period"] != 210 {
		t.Errorf("unexpected sample: %+v", s)
	}
	// tstep 150 at 16 microsteps and 100 steps/mm is 50 mm/s
	if math.Abs(s.values["speed"]-50) > 1e-9 {
		t.Errorf("speed = %v, want 50", s.values["speed"])
	}

	h.m.SendReports()
	if len(h.metrics.events) != 1 {
		t.Error("repeated event must be published once")
	}
}

func TestSendReportsWithoutAxis(t *testing.T) {
	h := newHarness(t)
	h.m.SendReports()
	if len(h.metrics.custom) != 0 {
		t.Errorf("no crash sample without an axis hit: %v", h.metrics.custom)
	}
}

func TestSendReportsWithoutDriverSpeed(t *testing.T) {
	h := newHarness(t)
	h.m.SetAxisHit(AxisY)
	h.m.SendReports()
	if len(h.metrics.custom) != 1 {
		t.Fatalf("custom = %v", h.metrics.custom)
	}
	if got := h.metrics.custom[0].values["speed"]; got != -1 {
		t.Errorf("speed = %v, want -1 without a driver", got)
	}
}
