// Simulated printer assembly
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"fmt"

	"crash-recovery-go/pkg/crash"
	"crash-recovery-go/pkg/stallguard"
	"crash-recovery-go/pkg/store"
	"crash-recovery-go/pkg/tmc"
)

// Driver names accepted by RigOptions
const (
	DriverTMC2130 = "tmc2130"
	DriverTMC2209 = "tmc2209"
)

// DefaultTStep is the step period preset in every simulated driver.
const DefaultTStep = 150

// RigOptions describe a simulated printer.
type RigOptions struct {
	Engine     Config
	Driver     string
	Microsteps int
	StallGuard stallguard.Options
	History    crash.Options

	Store   store.Store
	Fatal   crash.FatalReporter
	Metrics crash.Metrics
}

// Driver is a simulated TMC driver.
type Driver interface {
	stallguard.Driver
	crash.TStepReader
	Init() error
	DisableMotors() error
}

// Rig is an Engine wired to simulated drivers, a stall guard
// controller and a crash machine.
type Rig struct {
	Engine     *Engine
	Banks      stallguard.Pair[*RegisterBank]
	Drivers    stallguard.Pair[Driver]
	StallGuard *stallguard.Controller
	Machine    *crash.Machine
}

// NewRig builds and initializes a simulated printer.
func NewRig(opts RigOptions) (*Rig, error) {
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Microsteps == 0 {
		opts.Microsteps = 16
	}
	if opts.Engine.BlockBufferSize == 0 {
		opts.Engine = DefaultConfig()
	}

	r := &Rig{Engine: New(opts.Engine)}
	for _, a := range []stallguard.Axis{stallguard.X, stallguard.Y} {
		bank := NewRegisterBank()
		d, err := newDriver(opts.Driver, "stepper_"+a.String(), opts.Microsteps, bank)
		if err != nil {
			return nil, err
		}
		if err := d.Init(); err != nil {
			return nil, fmt.Errorf("init %s: %w", a, err)
		}
		if a == stallguard.X {
			r.Banks.X, r.Drivers.X = bank, d
		} else {
			r.Banks.Y, r.Drivers.Y = bank, d
		}
	}

	r.StallGuard = stallguard.New(r.Drivers.X, r.Drivers.Y, opts.Store, opts.StallGuard)
	if err := r.StallGuard.UpdateMachine(); err != nil {
		return nil, err
	}

	m, err := crash.New(crash.Deps{
		Stepper:     r.Engine,
		Planner:     r.Engine,
		Interpreter: r.Engine,
		Timer:       r.Engine,
		Blocks:      r.Engine.Blocks(),
		StallGuard:  r.StallGuard,
		Store:       opts.Store,
		Fatal:       opts.Fatal,
		Metrics:     opts.Metrics,
		Drivers:     stallguard.Pair[crash.TStepReader]{X: r.Drivers.X, Y: r.Drivers.Y},
	}, opts.History)
	if err != nil {
		return nil, err
	}
	r.Machine = m
	return r, nil
}

func newDriver(kind, name string, microsteps int, bank *RegisterBank) (Driver, error) {
	switch kind {
	case "", DriverTMC2130:
		d := tmc.NewTMC2130(name, microsteps)
		d.ReadRegisterFunc, d.WriteRegisterFunc = bank.Read, bank.Write
		bank.Preset(tmc.TMC2130RegAddrs["TSTEP"], DefaultTStep)
		return d, nil
	case DriverTMC2209:
		d := tmc.NewTMC2209(name, microsteps)
		d.ReadRegisterFunc, d.WriteRegisterFunc = bank.Read, bank.Write
		bank.Preset(tmc.TMC2209RegAddrs["TSTEP"], DefaultTStep)
		return d, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", kind)
	}
}
