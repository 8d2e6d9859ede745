// Motion types shared with the planner and stepper
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package crash

import "math"

// Axis indexes a Position
type Axis uint8

const (
	AxisX Axis = iota
	AxisY
	AxisZ
	AxisE

	// NoAxis means no physical axis was identified for a crash
	NoAxis Axis = 0xff
)

// NumAxes is the number of modeled axes
const NumAxes = 4

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	case AxisE:
		return "e"
	default:
		return "none"
	}
}

// Position is X, Y, Z, E in millimeters
type Position [NumAxes]float64

// AxisMask holds one bit per axis, e.g. which axes are homed
type AxisMask uint8

// Has reports whether the bit for a is set
func (m AxisMask) Has(a Axis) bool { return m&(1<<a) != 0 }

// InhibitFlags restrict how a job may be replayed after a crash
type InhibitFlags uint8

const (
	// InhibitPartialReplay forces the interrupted move to restart from
	// its first segment.
	InhibitPartialReplay InhibitFlags = 1 << iota
	// InhibitXYZRepositioning keeps the head where it is instead of
	// moving back to the interrupted move.
	InhibitXYZRepositioning
)

// Has reports whether flag is set
func (f InhibitFlags) Has(flag InhibitFlags) bool { return f&flag != 0 }

// InvalidSDPos marks a command stream position that does not exist
const InvalidSDPos uint32 = math.MaxUint32
