// Package trigger reads crash events from a line oriented source, such
// as the motion board's serial link, and feeds them to the crash
// machine.
//
// One event per line:
//
//	stall x|y          stall guard fired on an axis
//	acfault            mains power lost
//	toolfall           tool dropped from the carriage
//	toolcrash          tool collided during a tool change
//	homefail           homing failed
//	drained            motion buffers finished draining
//	recover            rehome and resume
//	replay             replay the interrupted moves
//	wait               ask for confirmation after repeated crashes
//	print              resume printing
//	idle               job ended
//	toolchange begin [leveling] | toolchange end
//	home start x|y | home end x|y [stealth]
//	powerpanic         a power loss recovery completed
//	ping               link heartbeat
//
// Blank lines and lines starting with '#' are ignored.
package trigger

import (
	"bufio"
	"context"
	"io"
	"strings"

	"crash-recovery-go/pkg/crash"
	"crash-recovery-go/pkg/errors"
	"crash-recovery-go/pkg/log"
	"crash-recovery-go/pkg/stallguard"
)

// Op is a trigger event kind.
type Op string

const (
	OpStall      Op = "stall"
	OpACFault    Op = "acfault"
	OpToolfall   Op = "toolfall"
	OpToolcrash  Op = "toolcrash"
	OpHomefail   Op = "homefail"
	OpDrained    Op = "drained"
	OpRecover    Op = "recover"
	OpReplay     Op = "replay"
	OpWait       Op = "wait"
	OpPrint      Op = "print"
	OpIdle       Op = "idle"
	OpToolchange Op = "toolchange"
	OpPowerPanic Op = "powerpanic"
	OpPing       Op = "ping"
	OpHome       Op = "home"
)

// stateOps map events that are a single state request.
var stateOps = map[Op]crash.State{
	OpACFault:   crash.StateTriggeredACFault,
	OpToolfall:  crash.StateTriggeredToolfall,
	OpToolcrash: crash.StateTriggeredToolcrash,
	OpHomefail:  crash.StateTriggeredHomefail,
	OpRecover:   crash.StateRecovery,
	OpReplay:    crash.StateReplay,
	OpWait:      crash.StateRepeatWait,
	OpPrint:     crash.StatePrinting,
	OpIdle:      crash.StateIdle,
}

// Command is one parsed line.
type Command struct {
	Op       Op
	Axis     crash.Axis
	Begin    bool
	Leveling bool
	Stealth  bool
}

// Parse parses one line. ok is false for blank and comment lines.
func Parse(line string) (cmd Command, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Command{}, false, nil
	}
	f := strings.Fields(strings.ToLower(line))
	cmd = Command{Op: Op(f[0]), Axis: crash.NoAxis}
	args := f[1:]

	switch cmd.Op {
	case OpStall:
		if len(args) != 1 {
			return Command{}, false, errors.TriggerError(line, "stall needs one axis")
		}
		if cmd.Axis, ok = parseAxis(args[0]); !ok {
			return Command{}, false, errors.TriggerError(line, "stall axis must be x or y")
		}
		return cmd, true, nil

	case OpHome:
		if len(args) < 2 || len(args) > 3 || (args[0] != "start" && args[0] != "end") {
			return Command{}, false, errors.TriggerError(line, "home needs start or end and an axis")
		}
		cmd.Begin = args[0] == "start"
		if cmd.Axis, ok = parseAxis(args[1]); !ok {
			return Command{}, false, errors.TriggerError(line, "home axis must be x or y")
		}
		if len(args) == 3 {
			if cmd.Begin || args[2] != "stealth" {
				return Command{}, false, errors.TriggerError(line, "unknown home flag")
			}
			cmd.Stealth = true
		}
		return cmd, true, nil

	case OpToolchange:
		switch {
		case len(args) == 1 && args[0] == "end":
		case len(args) >= 1 && args[0] == "begin" && len(args) <= 2:
			cmd.Begin = true
			if len(args) == 2 {
				if args[1] != "leveling" {
					return Command{}, false, errors.TriggerError(line, "unknown toolchange flag")
				}
				cmd.Leveling = true
			}
		default:
			return Command{}, false, errors.TriggerError(line, "toolchange needs begin or end")
		}
		return cmd, true, nil
	}

	if _, isState := stateOps[cmd.Op]; isState || cmd.Op == OpDrained || cmd.Op == OpPowerPanic || cmd.Op == OpPing {
		if len(args) != 0 {
			return Command{}, false, errors.TriggerError(line, string(cmd.Op)+" takes no arguments")
		}
		return cmd, true, nil
	}
	return Command{}, false, errors.TriggerError(line, "unknown event")
}

func parseAxis(s string) (crash.Axis, bool) {
	switch s {
	case "x":
		return crash.AxisX, true
	case "y":
		return crash.AxisY, true
	}
	return crash.NoAxis, false
}

// Target is the part of the crash machine events act on.
type Target interface {
	SetState(crash.State) error
	SetAxisHit(crash.Axis)
	CountCrash()
	CountPowerPanic()
	BuffersDrained()
	IsRepeatedCrash() bool
	BeginToolchange(leveling bool)
	EndToolchange()
}

// Homing runs sensorless homing on the stall guard drivers.
type Homing interface {
	StartSensorlessHoming(stallguard.Axis) error
	EndSensorlessHoming(stallguard.Axis, bool) error
}

// Dispatcher applies parsed events to a Target.
type Dispatcher struct {
	target Target
	homing Homing
	onLine func()
	log    *log.Logger

	// escalate is set by a stall that completed a repeated crash. The
	// next drained event moves the machine to REPEAT_WAIT.
	escalate bool
}

// escalation is the path from TRIGGERED_ISR to REPEAT_WAIT, which is
// not reachable directly.
var escalation = []crash.State{crash.StateRecovery, crash.StatePrinting, crash.StateRepeatWait}

// NewDispatcher creates a dispatcher for t.
func NewDispatcher(t Target) *Dispatcher {
	return &Dispatcher{target: t, onLine: func() {}, log: log.GetLogger("trigger")}
}

// SetHoming routes home events to h. Without it they are rejected.
func (d *Dispatcher) SetHoming(h Homing) { d.homing = h }

// OnLine registers a hook run for every line received, valid or not.
func (d *Dispatcher) OnLine(fn func()) { d.onLine = fn }

// Apply runs one command. A stall records the hit axis before the
// trigger and counts the crash after it. When that crash is a repeated
// one, the following drained event escalates to REPEAT_WAIT instead of
// leaving the machine to wait for recover.
func (d *Dispatcher) Apply(cmd Command) error {
	switch cmd.Op {
	case OpStall:
		d.target.SetAxisHit(cmd.Axis)
		if err := d.target.SetState(crash.StateTriggeredISR); err != nil {
			return err
		}
		d.target.CountCrash()
		d.escalate = d.target.IsRepeatedCrash()
	case OpDrained:
		d.target.BuffersDrained()
		if d.escalate {
			d.escalate = false
			return d.escalateRepeated()
		}
	case OpPowerPanic:
		d.target.CountPowerPanic()
	case OpToolchange:
		if cmd.Begin {
			d.target.BeginToolchange(cmd.Leveling)
		} else {
			d.target.EndToolchange()
		}
	case OpHome:
		if d.homing == nil {
			return errors.TriggerError(string(cmd.Op), "homing not available")
		}
		a := stallguard.X
		if cmd.Axis == crash.AxisY {
			a = stallguard.Y
		}
		var err error
		if cmd.Begin {
			err = d.homing.StartSensorlessHoming(a)
		} else {
			err = d.homing.EndSensorlessHoming(a, cmd.Stealth)
		}
		if err != nil {
			return errors.DriverError(a.String(), "stallguard", err)
		}
	case OpPing:
	default:
		st, ok := stateOps[cmd.Op]
		if !ok {
			return errors.TriggerError(string(cmd.Op), "unknown event")
		}
		return d.target.SetState(st)
	}
	return nil
}

func (d *Dispatcher) escalateRepeated() error {
	d.log.Warn("repeated crash, waiting for the operator")
	for _, st := range escalation {
		if err := d.target.SetState(st); err != nil {
			return err
		}
	}
	return nil
}

// Run reads r until EOF, ctx ends, or the machine halts. Malformed
// lines and recoverable failures are logged and skipped.
func (d *Dispatcher) Run(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			d.onLine()
			cmd, ok, err := Parse(line)
			if err != nil {
				d.log.WithError(err).Warn("ignoring trigger line")
				continue
			}
			if !ok {
				continue
			}
			d.log.WithFields(log.Fields{"op": string(cmd.Op), "axis": cmd.Axis.String()}).Debug("trigger")
			if err := d.Apply(cmd); err != nil {
				if errors.IsUnrecoverable(err) {
					return err
				}
				d.log.WithError(err).Warn("trigger event failed")
			}
		}
	}
}
