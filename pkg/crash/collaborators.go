// Collaborators the crash state machine drives
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package crash

import (
	"time"

	"crash-recovery-go/pkg/stallguard"
)

// Stepper is the step generator. Every method may be called from
// trigger context and must not block.
type Stepper interface {
	// Suspend stops step generation immediately.
	Suspend()
	// CurrentBlock returns the ring index of the executing block.
	CurrentBlock() (index int, ok bool)
	// SegmentProgress is the fraction of the current block already
	// stepped, in [0, 1].
	SegmentProgress() float64
	// LinearAdvanceSteps is the pressure advance carry in E steps.
	LinearAdvanceSteps() int32
}

// Planner is the motion planner owning the block ring.
type Planner interface {
	MovesPlanned() int
	TailIndex() int
	QuickStop()
	// ResetPosition syncs the planner to the stepper's physical position.
	ResetPosition()
	// MachinePosition is the physical position, modifiers applied.
	MachinePosition() Position
	// AxisPosition is the planner's logical position.
	AxisPosition() Position
	SetPositionMM(pos Position)
	MMPerStep(axis Axis) float64
	LevelingActive() bool
	SetLevelingActive(on bool)
	HasPositionModifiers() bool
	UnapplyModifiers(pos Position, leveling bool) Position
	ResumeQueuing()
}

// Interpreter is the command stream and its modal state.
type Interpreter interface {
	CurrentSDPos() uint32
	Feedrate() float64
	SetFeedrate(mmPerS float64)
	InhibitFlags() InhibitFlags
	CurrentPosition() Position
	SetCurrentPosition(pos Position)
	AxisKnownPosition() AxisMask
}

// JobTimer reports how long the current print has been running
type JobTimer interface {
	Duration() time.Duration
}

// Metrics receives samples. Implementations must return quickly.
type Metrics interface {
	RecordCustom(name string, tags map[string]string, values map[string]float64)
	RecordEvent(name string)
}

// FatalReporter halts the machine. Fatal may return; the crash machine
// stays locked afterwards.
type FatalReporter interface {
	Fatal(err error)
}

// StallGuard is the read side of the stall-guard controller
type StallGuard interface {
	Enabled() bool
	Sensitivity() stallguard.Pair[int32]
	MaxPeriod() stallguard.Pair[uint32]
}

// TStepReader exposes the measured step period of a motor driver
type TStepReader interface {
	TStep() (uint32, error)
	Microsteps() int
}

type nopMetrics struct{}

func (nopMetrics) RecordCustom(string, map[string]string, map[string]float64) {}
func (nopMetrics) RecordEvent(string)                                         {}
