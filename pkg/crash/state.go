// Crash state machine states
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package crash

// State is the crash recovery state of the machine
type State uint32

const (
	StateIdle State = iota
	StatePrinting
	StateTriggeredISR
	StateTriggeredACFault
	StateTriggeredToolfall
	StateTriggeredToolcrash
	StateTriggeredHomefail
	StateRepeatWait
	StateRecovery
	StateReplay
)

// AllStates lists every state in declaration order
var AllStates = []State{
	StateIdle,
	StatePrinting,
	StateTriggeredISR,
	StateTriggeredACFault,
	StateTriggeredToolfall,
	StateTriggeredToolcrash,
	StateTriggeredHomefail,
	StateRepeatWait,
	StateRecovery,
	StateReplay,
}

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePrinting:
		return "PRINTING"
	case StateTriggeredISR:
		return "TRIGGERED_ISR"
	case StateTriggeredACFault:
		return "TRIGGERED_AC_FAULT"
	case StateTriggeredToolfall:
		return "TRIGGERED_TOOLFALL"
	case StateTriggeredToolcrash:
		return "TRIGGERED_TOOLCRASH"
	case StateTriggeredHomefail:
		return "TRIGGERED_HOMEFAIL"
	case StateRepeatWait:
		return "REPEAT_WAIT"
	case StateRecovery:
		return "RECOVERY"
	case StateReplay:
		return "REPLAY"
	default:
		return "UNKNOWN"
	}
}

// IsTriggered reports whether s is one of the TRIGGERED_* states
func (s State) IsTriggered() bool {
	return s >= StateTriggeredISR && s <= StateTriggeredHomefail
}

// selfTransitionReason is the halt reason for entering the current state again
func selfTransitionReason(s State) string {
	switch {
	case s == StateIdle:
		return "crash idle"
	case s == StateRecovery:
		return "crash recovery"
	case s == StateReplay:
		return "crash replay"
	case s.IsTriggered():
		return "crash double trigger"
	case s == StateRepeatWait:
		return "toolcrash or homing fail repeat"
	default:
		return "crash printing"
	}
}
