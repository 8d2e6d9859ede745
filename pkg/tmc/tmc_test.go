// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package tmc

import (
	"errors"
	"math"
	"testing"
)

type fakeBus struct {
	regs   map[uint8]uint32
	writes []uint8
	fail   error
}

func newFakeBus() *fakeBus { return &fakeBus{regs: make(map[uint8]uint32)} }

func (b *fakeBus) read(addr uint8) (uint32, error) {
	if b.fail != nil {
		return 0, b.fail
	}
	return b.regs[addr], nil
}

func (b *fakeBus) write(addr uint8, value uint32) error {
	if b.fail != nil {
		return b.fail
	}
	b.writes = append(b.writes, addr)
	b.regs[addr&0x7f] = value
	return nil
}

func TestSignedField(t *testing.T) {
	fh := NewFieldHelper(TMC2130Fields, TMC2130SignedFields)
	for _, v := range []int32{-64, -1, 0, 5, 63} {
		fh.SetField("sgt", v)
		if got := fh.GetField("sgt"); got != v {
			t.Errorf("sgt round trip %d -> %d", v, got)
		}
	}
	if got := fh.GetField("sfilt"); got != 0 {
		t.Errorf("setting sgt must not touch sfilt, got %d", got)
	}
}

func TestTMC2130StallProgramming(t *testing.T) {
	bus := newFakeBus()
	d := NewTMC2130("stepper_x", 16)
	d.ReadRegisterFunc = bus.read
	d.WriteRegisterFunc = bus.write

	if err := d.SetStallFilter(true); err != nil {
		t.Fatal(err)
	}
	if err := d.SetStallSensitivity(-100); err != nil {
		t.Fatal(err)
	}
	coolconf := bus.regs[0x6d]
	if got := d.Fields.FieldOf("sgt", coolconf); got != TMC2130SGTMin {
		t.Errorf("sgt should clamp to %d, got %d", TMC2130SGTMin, got)
	}
	if got := d.Fields.FieldOf("sfilt", coolconf); got != 1 {
		t.Errorf("sfilt lost after sgt write")
	}
	if bus.writes[0] != 0x6d|0x80 {
		t.Errorf("write must set bit 7, got %#x", bus.writes[0])
	}

	if err := d.SetDiagStall(true); err != nil {
		t.Fatal(err)
	}
	if err := d.DisableStallGuard(true); err != nil {
		t.Fatal(err)
	}
	gconf := bus.regs[0x00]
	if d.Fields.FieldOf("diag1_stall", gconf) != 0 || d.Fields.FieldOf("en_pwm_mode", gconf) != 1 {
		t.Errorf("unexpected GCONF after disable: %#x", gconf)
	}
	if bus.regs[0x14] != 0 {
		t.Errorf("TCOOLTHRS should be cleared")
	}
}

func TestTMC2209StallProgramming(t *testing.T) {
	d := NewTMC2209("stepper_y", 16)
	if err := d.SetStallSensitivity(300); err != nil {
		t.Fatal(err)
	}
	if got := d.Fields.GetField("sgthrs"); got != 255 {
		t.Errorf("sgthrs should clamp to 255, got %d", got)
	}
	if err := d.DisableStallGuard(false); err != nil {
		t.Fatal(err)
	}
	if got := d.Fields.GetField("en_spreadcycle"); got != 1 {
		t.Errorf("spreadcycle expected when stealth is off")
	}
	if err := d.SetStallMaxPeriod(1 << 24); err != nil {
		t.Fatal(err)
	}
	if got := d.Fields.GetField("tcoolthrs"); got != TStepStandstill {
		t.Errorf("tcoolthrs should saturate, got %#x", got)
	}
}

func TestBusErrorsAreWrapped(t *testing.T) {
	bus := newFakeBus()
	bus.fail = errors.New("spi timeout")
	d := NewTMC2130("stepper_x", 16)
	d.ReadRegisterFunc = bus.read
	d.WriteRegisterFunc = bus.write

	if err := d.SetStallMaxPeriod(200); !errors.Is(err, bus.fail) {
		t.Errorf("expected wrapped bus error, got %v", err)
	}
	if _, err := d.TStep(); !errors.Is(err, bus.fail) {
		t.Errorf("expected wrapped bus error, got %v", err)
	}
}

func TestPeriodToSpeed(t *testing.T) {
	// 100 steps/mm at 16 microsteps, 50 mm/s => 5000 usteps/s
	// => 1/256 step frequency 80000 Hz => tstep = 12e6/80000 = 150
	if got := PeriodToSpeed(16, 150, 100); math.Abs(got-50) > 1e-9 {
		t.Errorf("PeriodToSpeed = %v, want 50", got)
	}
	if got := PeriodToSpeed(16, 0, 100); got != 0 {
		t.Errorf("zero period should report 0, got %v", got)
	}
	if got := PeriodToSpeed(16, TStepStandstill, 100); got != 0 {
		t.Errorf("standstill should report 0, got %v", got)
	}
}

func TestDisableMotorsClearsTOFF(t *testing.T) {
	bus := newFakeBus()
	d := NewTMC2130("stepper_y", 16)
	d.ReadRegisterFunc, d.WriteRegisterFunc = bus.read, bus.write
	d.Fields.SetField("toff", 3)

	if err := d.DisableMotors(); err != nil {
		t.Fatal(err)
	}
	chop := bus.regs[TMC2130RegAddrs["CHOPCONF"]]
	if got := d.Fields.FieldOf("toff", chop); got != 0 {
		t.Errorf("toff = %d after DisableMotors", got)
	}
}
