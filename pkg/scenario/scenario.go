// Package scenario replays scripted print jobs against a simulated
// printer and checks the crash machine's reaction step by step.
//
// A scenario is YAML:
//
//	name: y stall mid move
//	setup:
//	  axis_known: [x, y, z]
//	steps:
//	  - trigger: print
//	  - move: {to: [10, 20, 0, 1], feedrate: 50, sdpos: 120}
//	  - step: 0.5
//	  - trigger: stall y
//	  - expect: {state: TRIGGERED_ISR, suspended: true}
//	  - trigger: recover
//	    error: reentrant recovery
package scenario

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"crash-recovery-go/pkg/crash"
	"crash-recovery-go/pkg/errors"
	"crash-recovery-go/pkg/safety"
	"crash-recovery-go/pkg/sim"
	"crash-recovery-go/pkg/stallguard"
	"crash-recovery-go/pkg/store"
	"crash-recovery-go/pkg/trigger"
)

// Scenario is one scripted job.
type Scenario struct {
	Name    string  `yaml:"name"`
	Machine Machine `yaml:"machine"`
	Setup   Setup   `yaml:"setup"`
	Steps   []Step  `yaml:"steps"`
}

// Machine overrides the simulated hardware.
type Machine struct {
	Driver          string        `yaml:"driver"`
	CoreXY          bool          `yaml:"core_xy"`
	BlockBuffer     int           `yaml:"block_buffer"`
	LevelingZOffset float64       `yaml:"leveling_z_offset"`
	HistoryCapacity int           `yaml:"history_capacity"`
	HistoryWindow   time.Duration `yaml:"history_window"`
}

// Setup is applied before the first step.
type Setup struct {
	StallGuardDisabled bool     `yaml:"stallguard_disabled"`
	AxisKnown          []string `yaml:"axis_known"`
	Leveling           bool     `yaml:"leveling"`
	Inhibit            []string `yaml:"inhibit"`
}

// Move queues one block.
type Move struct {
	To       []float64 `yaml:"to"`
	Feedrate float64   `yaml:"feedrate"`
	SDPos    uint32    `yaml:"sdpos"`
}

// Step is one action. Exactly one of its action fields is set.
type Step struct {
	Trigger string        `yaml:"trigger"`
	Move    *Move         `yaml:"move"`
	Step    float64       `yaml:"step"`
	Advance time.Duration `yaml:"advance"`
	Report  bool          `yaml:"report"`
	Expect  *Expect       `yaml:"expect"`

	// Error is a substring the trigger's error must contain. Empty
	// means the trigger must succeed.
	Error string `yaml:"error"`
}

// Expect checks machine state. Unset fields are not checked.
type Expect struct {
	State            string            `yaml:"state"`
	Halted           *bool             `yaml:"halted"`
	Active           *bool             `yaml:"active"`
	Repeated         *bool             `yaml:"repeated"`
	Suspended        *bool             `yaml:"suspended"`
	Queuing          *bool             `yaml:"queuing"`
	CrashCount       map[string]uint32 `yaml:"crash_count"`
	StoredCount      map[string]uint32 `yaml:"stored_count"`
	SDPos            *uint32           `yaml:"sdpos"`
	SegmentsFinished *uint16           `yaml:"segments_finished"`
	Position         []float64         `yaml:"position"`
}

// Parse decodes a scenario.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("scenario %q has no steps", s.Name)
	}
	for i, st := range s.Steps {
		if n := st.actions(); n > 1 {
			return nil, fmt.Errorf("step %d: %d actions, want at most one", i+1, n)
		}
	}
	return &s, nil
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = path
	}
	return s, nil
}

func (st Step) actions() int {
	n := 0
	for _, set := range []bool{st.Trigger != "", st.Move != nil, st.Step != 0, st.Advance != 0, st.Report, st.Expect != nil} {
		if set {
			n++
		}
	}
	return n
}

// StepError reports the first failed step.
type StepError struct {
	Scenario string
	Index    int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: step %d: %v", e.Scenario, e.Index+1, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Options carry collaborators shared with the caller.
type Options struct {
	Metrics crash.Metrics
}

// Result summarizes a completed run.
type Result struct {
	Name   string
	Steps  int
	Final  crash.State
	Halt   safety.Status
	Stored stallguard.Pair[uint32]
}

// Run executes s from a fresh simulated printer.
func Run(s *Scenario, opts Options) (*Result, error) {
	engineCfg := sim.DefaultConfig()
	if s.Machine.BlockBuffer > 0 {
		engineCfg.BlockBufferSize = s.Machine.BlockBuffer
	}
	engineCfg.LevelingZOffset = s.Machine.LevelingZOffset

	st := store.NewMemory()
	if s.Setup.StallGuardDisabled {
		st.SetBool(store.KeyCrashEnabled, false)
	}
	halt := safety.New()
	rig, err := sim.NewRig(sim.RigOptions{
		Engine:     engineCfg,
		Driver:     s.Machine.Driver,
		StallGuard: stallguard.Options{CoreXY: s.Machine.CoreXY},
		History:    crash.Options{HistoryCapacity: s.Machine.HistoryCapacity, HistoryWindow: s.Machine.HistoryWindow},
		Store:      st,
		Fatal:      halt,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, &StepError{Scenario: s.Name, Index: -1, Err: err}
	}
	halt.RegisterMotor(rig.Drivers.X)
	halt.RegisterMotor(rig.Drivers.Y)
	if err := applySetup(rig, s.Setup); err != nil {
		return nil, &StepError{Scenario: s.Name, Index: -1, Err: err}
	}

	d := trigger.NewDispatcher(rig.Machine)
	for i, step := range s.Steps {
		if err := runStep(rig, st, d, step); err != nil {
			return nil, &StepError{Scenario: s.Name, Index: i, Err: err}
		}
	}
	return &Result{
		Name:  s.Name,
		Steps: len(s.Steps),
		Final: rig.Machine.State(),
		Halt:  halt.GetStatus(),
		Stored: stallguard.Pair[uint32]{
			X: st.Uint32(store.KeyCrashCountX),
			Y: st.Uint32(store.KeyCrashCountY),
		},
	}, nil
}

// RunAll runs scenarios concurrently, at most limit at a time, and
// returns results in input order. It stops at the first failure.
func RunAll(ctx context.Context, scenarios []*Scenario, limit int, opts Options) ([]*Result, error) {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	results := make([]*Result, len(scenarios))
	var mu sync.Mutex
	for i, s := range scenarios {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := Run(s, opts)
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func parseAxis(name string) (crash.Axis, error) {
	switch strings.ToLower(name) {
	case "x":
		return crash.AxisX, nil
	case "y":
		return crash.AxisY, nil
	case "z":
		return crash.AxisZ, nil
	case "e":
		return crash.AxisE, nil
	}
	return crash.NoAxis, fmt.Errorf("unknown axis %q", name)
}

func applySetup(rig *sim.Rig, s Setup) error {
	if len(s.AxisKnown) > 0 {
		var known crash.AxisMask
		for _, name := range s.AxisKnown {
			a, err := parseAxis(name)
			if err != nil {
				return err
			}
			known |= 1 << a
		}
		rig.Engine.SetAxisKnown(known)
	}
	rig.Engine.SetLevelingActive(s.Leveling)

	var flags crash.InhibitFlags
	for _, f := range s.Inhibit {
		switch f {
		case "partial_replay":
			flags |= crash.InhibitPartialReplay
		case "xyz_repositioning":
			flags |= crash.InhibitXYZRepositioning
		default:
			return fmt.Errorf("unknown inhibit flag %q", f)
		}
	}
	rig.Engine.SetInhibitFlags(flags)
	return nil
}

func runStep(rig *sim.Rig, st store.Store, d *trigger.Dispatcher, step Step) error {
	switch {
	case step.Trigger != "":
		cmd, ok, err := trigger.Parse(step.Trigger)
		if err == nil && !ok {
			err = fmt.Errorf("empty trigger")
		}
		if err == nil {
			err = d.Apply(cmd)
		}
		return checkError(err, step.Error)
	case step.Move != nil:
		var pos crash.Position
		if len(step.Move.To) != crash.NumAxes {
			return fmt.Errorf("move needs %d coordinates", crash.NumAxes)
		}
		copy(pos[:], step.Move.To)
		return checkError(rig.Engine.Move(pos, step.Move.Feedrate, step.Move.SDPos), step.Error)
	case step.Step != 0:
		rig.Engine.Step(step.Step)
	case step.Advance != 0:
		rig.Engine.Advance(step.Advance)
	case step.Report:
		rig.Machine.WriteStats()
		rig.Machine.SendReports()
	case step.Expect != nil:
		return check(rig, st, step.Expect)
	}
	return nil
}

func checkError(err error, want string) error {
	switch {
	case want == "" && err != nil:
		return err
	case want != "" && err == nil:
		return fmt.Errorf("expected error %q, got none", want)
	case want != "" && !strings.Contains(err.Error(), want):
		return fmt.Errorf("expected error %q, got %v", want, err)
	}
	return nil
}

func check(rig *sim.Rig, st store.Store, e *Expect) error {
	m := rig.Machine
	var errs []error
	mismatch := func(what string, got, want any) {
		errs = append(errs, fmt.Errorf("%s = %v, want %v", what, got, want))
	}
	if e.State != "" && m.State().String() != e.State {
		mismatch("state", m.State(), e.State)
	}
	boolChecks := []struct {
		name string
		want *bool
		got  bool
	}{
		{"halted", e.Halted, m.Halted()},
		{"active", e.Active, m.IsActive()},
		{"repeated", e.Repeated, m.IsRepeatedCrash()},
		{"suspended", e.Suspended, rig.Engine.Suspended()},
		{"queuing", e.Queuing, rig.Engine.Queuing()},
	}
	for _, c := range boolChecks {
		if c.want != nil && *c.want != c.got {
			mismatch(c.name, c.got, *c.want)
		}
	}
	for name, want := range e.CrashCount {
		a, err := parseAxis(name)
		if err != nil {
			return err
		}
		if got := m.CrashCount(a); got != want {
			mismatch("crash_count."+name, got, want)
		}
	}
	for name, want := range e.StoredCount {
		key := store.KeyCrashCountX
		switch name {
		case "x":
		case "y":
			key = store.KeyCrashCountY
		default:
			return fmt.Errorf("unknown axis %q", name)
		}
		if got := st.Uint32(key); got != want {
			mismatch("stored_count."+name, got, want)
		}
	}
	snap := m.Snapshot()
	if e.SDPos != nil && snap.SDPos != *e.SDPos {
		mismatch("sdpos", snap.SDPos, *e.SDPos)
	}
	if e.SegmentsFinished != nil && snap.SegmentsFinished != *e.SegmentsFinished {
		mismatch("segments_finished", snap.SegmentsFinished, *e.SegmentsFinished)
	}
	if len(e.Position) > 0 {
		got := rig.Engine.PhysicalPosition()
		for i, want := range e.Position {
			if i < crash.NumAxes && math.Abs(got[i]-want) > 1e-6 {
				mismatch("position", got, e.Position)
				break
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
