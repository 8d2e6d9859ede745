// Crash counters, persistence and reporting
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package crash

import (
	"crash-recovery-go/pkg/log"
	"crash-recovery-go/pkg/stallguard"
	"crash-recovery-go/pkg/store"
	"crash-recovery-go/pkg/tmc"
)

// Metric names
const (
	MetricCrash         = "crash"
	MetricCrashRepeated = "crash_repeated"
	MetricCrashStat     = "crash_stat"
)

// CountCrash records a physical crash on the job clock and raises the
// repeated crash flag once the window holds as many crashes as the
// history capacity, the current one included. Safe from trigger
// context; the crash_repeated event is published by SendReports. The
// history ring is not synchronized with its reset on IDLE, so callers
// must not count and go idle concurrently.
func (m *Machine) CountCrash() {
	if a := m.AxisHit(); a == AxisX || a == AxisY {
		m.crashCount[a].Add(1)
	}

	now := m.d.Timer.Duration()
	m.history.Record(now)
	if m.history.Clean(now) == m.history.Capacity() {
		m.repeatedCrash.Store(true)
		m.pendingRepeated.Store(true)
	}
}

// CountPowerPanic records a power loss recovery
func (m *Machine) CountPowerPanic() { m.powerPanics.Add(1) }

// CrashCount returns the crashes counted on axis since the last WriteStats
func (m *Machine) CrashCount(a Axis) uint32 {
	if a != AxisX && a != AxisY {
		return 0
	}
	return m.crashCount[a].Load()
}

// PowerPanics returns the power panics counted since the last WriteStats
func (m *Machine) PowerPanics() uint32 { return m.powerPanics.Load() }

// ResetCrashCounter zeroes the counters without persisting them
func (m *Machine) ResetCrashCounter() {
	m.crashCount[AxisX].Store(0)
	m.crashCount[AxisY].Store(0)
	m.powerPanics.Store(0)
}

// WriteStats adds the counters to the persisted totals and zeroes them.
// Each counter is taken with an atomic swap, so a crash counted while
// the totals are written is kept for the next call instead of lost.
// Task context only.
func (m *Machine) WriteStats() {
	st := m.d.Store
	for _, a := range []Axis{AxisX, AxisY} {
		last := m.crashCount[a].Swap(0)
		if last == 0 {
			continue
		}
		key := store.KeyCrashCountX
		if a == AxisY {
			key = store.KeyCrashCountY
		}
		total := st.Uint32(key) + last
		st.SetUint32(key, total)
		m.d.Metrics.RecordCustom(MetricCrashStat,
			map[string]string{"axis": a.String()},
			map[string]float64{"last": float64(last), "total": float64(total)})
		m.log.WithFields(log.Fields{"axis": a.String(), "last": last, "total": total}).Info("crash stats written")
	}

	if panics := m.powerPanics.Swap(0); panics > 0 {
		total := st.Uint32(store.KeyPowerPanicsCount) + panics
		st.SetUint32(store.KeyPowerPanicsCount, total)
		m.log.WithField("total", total).Info("power panic stats written")
	}
}

// SendReports publishes the crash sample for the last axis hit and any
// pending crash_repeated event. Task context only.
func (m *Machine) SendReports() {
	if m.pendingRepeated.Swap(false) {
		m.d.Metrics.RecordEvent(MetricCrashRepeated)
		m.log.Warn("repeated crash limit reached")
	}

	a := m.AxisHit()
	if a != AxisX && a != AxisY {
		return
	}
	sgAxis := stallguardAxis(a)

	values := map[string]float64{}
	if m.d.StallGuard != nil {
		values["sens"] = float64(m.d.StallGuard.Sensitivity().Get(sgAxis))
		values["period"] = float64(m.d.StallGuard.MaxPeriod().Get(sgAxis))
	}
	values["speed"] = m.axisSpeed(a)

	m.d.Metrics.RecordCustom(MetricCrash, map[string]string{"axis": a.String()}, values)
}

// noSpeed is reported when the driver speed cannot be read
const noSpeed = -1

func (m *Machine) axisSpeed(a Axis) float64 {
	drv := m.d.Drivers.Get(stallguardAxis(a))
	if drv == nil {
		return noSpeed
	}
	tstep, err := drv.TStep()
	if err != nil {
		m.log.WithField("axis", a.String()).WithError(err).Warn("tstep read failed")
		return noSpeed
	}
	mmPerStep := m.d.Planner.MMPerStep(a)
	if mmPerStep <= 0 {
		return noSpeed
	}
	return tmc.PeriodToSpeed(drv.Microsteps(), tstep, 1/mmPerStep)
}

func stallguardAxis(a Axis) stallguard.Axis {
	if a == AxisY {
		return stallguard.Y
	}
	return stallguard.X
}
