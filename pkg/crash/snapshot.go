// Motion snapshot capture, resume and replay
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package crash

// Snapshot is everything needed to put the job back where a crash
// interrupted it. Capture overwrites it unconditionally.
type Snapshot struct {
	SDPos            uint32
	SegmentsFinished uint16
	InhibitFlags     InhibitFlags
	Feedrate         float64
	// StartPosition is where the interrupted move began.
	StartPosition Position
	// CrashPosition is the physical position at stop, with E
	// reconstructed from the block progress.
	CrashPosition Position
	// CurrentPosition is the logical position recovery resumes from.
	CurrentPosition   Position
	AdvanceMM         float64
	LevelingActive    bool
	AxisKnownPosition AxisMask
}

// checkAndSetSDPos keeps the previous position when sdpos is invalid,
// e.g. for a block that did not come from a file.
func (m *Machine) checkAndSetSDPos(sdpos uint32) {
	if sdpos != InvalidSDPos {
		m.snapshot.SDPos = sdpos
	}
}

// checkLoop fails while the capture guard is still raised, meaning the
// motion queue has not been drained since the last capture.
func (m *Machine) checkLoop(from, target State) error {
	if m.loop.Load() {
		return m.fatal("reentrant recovery", from, target)
	}
	return nil
}

// stopAndSave freezes motion and captures the snapshot
func (m *Machine) stopAndSave(from, target State) error {
	st, pl, in := m.d.Stepper, m.d.Planner, m.d.Interpreter

	st.Suspend()
	if m.loop.Swap(true) {
		return m.fatal("reentrant recovery", from, target)
	}

	s := &m.snapshot
	mmPerStepE := pl.MMPerStep(AxisE)

	idx, ok := st.CurrentBlock()
	if !ok && pl.MovesPlanned() > 0 {
		idx, ok = pl.TailIndex(), true
	}

	var ePosition float64
	if ok {
		rec := m.d.Blocks.At(idx)
		m.checkAndSetSDPos(rec.SDPos)
		s.SegmentsFinished = rec.SegmentIdx
		s.InhibitFlags = rec.InhibitFlags
		s.Feedrate = rec.Feedrate
		s.StartPosition = rec.StartPosition
		s.AdvanceMM = float64(st.LinearAdvanceSteps()) * mmPerStepE
		ePosition = rec.EPosition + st.SegmentProgress()*float64(rec.ESteps)*mmPerStepE
	} else {
		current := in.CurrentPosition()
		m.checkAndSetSDPos(in.CurrentSDPos())
		s.SegmentsFinished = 0
		s.InhibitFlags = in.InhibitFlags()
		s.Feedrate = in.Feedrate()
		s.StartPosition = current
		s.AdvanceMM = 0
		ePosition = current[AxisE]
	}

	if m.toolchangeInProgress.Load() {
		s.LevelingActive = m.pretoolchangeLeveling.Load()
	} else {
		s.LevelingActive = pl.LevelingActive()
	}
	s.AxisKnownPosition = in.AxisKnownPosition()

	pl.QuickStop()
	pl.ResetPosition()
	s.CrashPosition = pl.MachinePosition()
	s.CrashPosition[AxisE] = ePosition
	s.CurrentPosition = pl.AxisPosition()
	if pl.HasPositionModifiers() {
		s.CurrentPosition = pl.UnapplyModifiers(s.CurrentPosition, s.LevelingActive)
	}
	return nil
}

// resumeMovement lets the planner accept moves from where it stopped.
// Leveling stays off until replay restores it.
func (m *Machine) resumeMovement(from, target State) error {
	pl := m.d.Planner

	pl.SetLevelingActive(false)
	m.d.Interpreter.SetCurrentPosition(m.snapshot.CurrentPosition)
	pl.SetPositionMM(m.snapshot.CurrentPosition)
	if err := m.checkLoop(from, target); err != nil {
		return err
	}
	pl.ResumeQueuing()
	return nil
}

// restoreState reinstates the interpreter state captured at the crash
// so the job can be replayed from the interrupted move.
func (m *Machine) restoreState(from, target State) error {
	s := &m.snapshot
	pl, in := m.d.Planner, m.d.Interpreter

	if s.InhibitFlags.Has(InhibitPartialReplay) {
		s.SegmentsFinished = 0
	}
	if s.InhibitFlags.Has(InhibitXYZRepositioning) {
		current := in.CurrentPosition()
		for _, a := range []Axis{AxisX, AxisY, AxisZ} {
			s.StartPosition[a] = current[a]
			s.CrashPosition[a] = current[a]
		}
	}

	pl.SetLevelingActive(s.LevelingActive)
	in.SetCurrentPosition(s.StartPosition)
	pl.SetPositionMM(s.StartPosition)
	in.SetFeedrate(s.Feedrate)
	if err := m.checkLoop(from, target); err != nil {
		return err
	}
	pl.ResumeQueuing()
	return nil
}
