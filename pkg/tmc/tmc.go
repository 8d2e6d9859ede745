// TMC stepper driver stall-guard support
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package tmc

import (
	"fmt"
	"sync"

	"crash-recovery-go/pkg/errors"
)

// ClockHz is the internal oscillator frequency TSTEP is counted in
const ClockHz = 12_000_000

// TStepStandstill is the TSTEP value reported when the motor is not moving
const TStepStandstill = 0xfffff

// ffs returns the position of the first bit set in a mask.
func ffs(mask uint32) int {
	if mask == 0 {
		return 0
	}
	pos := 0
	for (mask & 1) == 0 {
		mask >>= 1
		pos++
	}
	return pos
}

// bitLength returns the number of bits needed to represent a value.
func bitLength(v uint32) int {
	bits := 0
	for v > 0 {
		bits++
		v >>= 1
	}
	return bits
}

// FieldHelper handles TMC register field manipulation and keeps a
// shadow copy of every register written.
type FieldHelper struct {
	AllFields       map[string]map[string]uint32 // register -> field -> mask
	SignedFields    map[string]bool
	Registers       map[string]uint32
	FieldToRegister map[string]string
}

// NewFieldHelper creates a new field helper.
func NewFieldHelper(allFields map[string]map[string]uint32, signedFields []string) *FieldHelper {
	fh := &FieldHelper{
		AllFields:       allFields,
		SignedFields:    make(map[string]bool),
		Registers:       make(map[string]uint32),
		FieldToRegister: make(map[string]string),
	}
	for _, sf := range signedFields {
		fh.SignedFields[sf] = true
	}
	for regName, fields := range allFields {
		for fieldName := range fields {
			fh.FieldToRegister[fieldName] = regName
		}
	}
	return fh
}

// GetField returns the value of a field from the shadow register.
func (fh *FieldHelper) GetField(fieldName string) int32 {
	regName := fh.FieldToRegister[fieldName]
	return fh.fieldOf(fieldName, regName, fh.Registers[regName])
}

// FieldOf extracts fieldName from an explicit register value.
func (fh *FieldHelper) FieldOf(fieldName string, regValue uint32) int32 {
	return fh.fieldOf(fieldName, fh.FieldToRegister[fieldName], regValue)
}

func (fh *FieldHelper) fieldOf(fieldName, regName string, val uint32) int32 {
	mask := fh.AllFields[regName][fieldName]
	fieldValue := int32((val & mask) >> ffs(mask))
	if fh.SignedFields[fieldName] {
		width := bitLength(mask >> ffs(mask))
		if fieldValue&(1<<(width-1)) != 0 {
			fieldValue -= 1 << width
		}
	}
	return fieldValue
}

// SetField sets a field in the shadow register and returns the register
// name and its new value.
func (fh *FieldHelper) SetField(fieldName string, fieldValue int32) (string, uint32) {
	regName := fh.FieldToRegister[fieldName]
	mask := fh.AllFields[regName][fieldName]
	val := fh.Registers[regName]
	newValue := (val &^ mask) | ((uint32(fieldValue) << ffs(mask)) & mask)
	fh.Registers[regName] = newValue
	return regName, newValue
}

// driver carries what every stall-guard capable TMC shares: the field
// table, register addresses and the bus transport. Register access is
// serialized so the shadow registers stay consistent with the chip.
type driver struct {
	Name   string
	Fields *FieldHelper
	addrs  map[string]uint8

	// ReadRegisterFunc and WriteRegisterFunc reach the chip. When unset
	// the driver only updates its shadow registers.
	ReadRegisterFunc  func(addr uint8) (uint32, error)
	WriteRegisterFunc func(addr uint8, value uint32) error

	microsteps int
	mu         sync.Mutex
}

// GetName returns the driver name.
func (d *driver) GetName() string { return d.Name }

// Microsteps returns the configured microstep resolution.
func (d *driver) Microsteps() int { return d.microsteps }

// GetRegister reads a register value.
func (d *driver) GetRegister(regName string) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ReadRegisterFunc == nil {
		return d.Fields.Registers[regName], nil
	}
	addr, ok := d.addrs[regName]
	if !ok {
		return 0, errors.DriverError(d.Name, regName, fmt.Errorf("unknown register"))
	}
	val, err := d.ReadRegisterFunc(addr)
	if err != nil {
		return 0, errors.DriverError(d.Name, regName, err)
	}
	return val, nil
}

// SetRegister writes a register value.
func (d *driver) SetRegister(regName string, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeLocked(regName, value)
}

func (d *driver) writeLocked(regName string, value uint32) error {
	d.Fields.Registers[regName] = value
	if d.WriteRegisterFunc == nil {
		return nil
	}
	addr, ok := d.addrs[regName]
	if !ok {
		return errors.DriverError(d.Name, regName, fmt.Errorf("unknown register"))
	}
	// Bit 7 of the address selects a write access.
	if err := d.WriteRegisterFunc(addr|0x80, value); err != nil {
		return errors.DriverError(d.Name, regName, err)
	}
	return nil
}

func (d *driver) setField(fieldName string, value int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, val := d.Fields.SetField(fieldName, value)
	return d.writeLocked(reg, val)
}

// DisableMotors switches the power stage off by clearing TOFF.
func (d *driver) DisableMotors() error {
	return d.setField("toff", 0)
}

// SetStallMaxPeriod programs TCOOLTHRS: stall detection is active only
// while TSTEP is at or below this period.
func (d *driver) SetStallMaxPeriod(period uint32) error {
	if period > TStepStandstill {
		period = TStepStandstill
	}
	return d.setField("tcoolthrs", int32(period))
}

// TStep reads the measured time between 1/256 microsteps.
func (d *driver) TStep() (uint32, error) {
	val, err := d.GetRegister("TSTEP")
	if err != nil {
		return 0, err
	}
	return uint32(d.Fields.FieldOf("tstep", val)), nil
}

// MicrostepTable maps microstep setting to MRES value.
var MicrostepTable = map[int]int{
	256: 0,
	128: 1,
	64:  2,
	32:  3,
	16:  4,
	8:   5,
	4:   6,
	2:   7,
	1:   8,
}

// GetMRES returns the MRES value for a microstep setting.
func GetMRES(microsteps int) (int, error) {
	mres, ok := MicrostepTable[microsteps]
	if !ok {
		return 0, fmt.Errorf("invalid microsteps %d", microsteps)
	}
	return mres, nil
}

// PeriodToSpeed converts a TSTEP reading into axis speed in mm/s.
// TSTEP counts clock cycles per 1/256 microstep, so the configured
// microstep frequency is ClockHz*msteps/(256*tstep).
func PeriodToSpeed(msteps int, tstep uint32, stepsPerMM float64) float64 {
	if tstep == 0 || tstep >= TStepStandstill || msteps <= 0 || stepsPerMM <= 0 {
		return 0
	}
	return float64(ClockHz) * float64(msteps) / (256 * float64(tstep)) / stepsPerMM
}
