// Simulated stepper driver register file
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import "sync"

// RegisterBank stands in for a driver's register file. Writes carry
// the write flag in bit 7 of the address, as on the wire.
type RegisterBank struct {
	mu     sync.Mutex
	regs   map[uint8]uint32
	writes int
}

// NewRegisterBank creates an empty register file.
func NewRegisterBank() *RegisterBank {
	return &RegisterBank{regs: make(map[uint8]uint32)}
}

// Read returns the register at addr.
func (b *RegisterBank) Read(addr uint8) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[addr&0x7f], nil
}

// Write stores value at addr.
func (b *RegisterBank) Write(addr uint8, value uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[addr&0x7f] = value
	b.writes++
	return nil
}

// Preset sets a register without counting it as a write, e.g. a status
// register the chip updates on its own.
func (b *RegisterBank) Preset(addr uint8, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[addr&0x7f] = value
}

// Writes returns how many writes reached the bank.
func (b *RegisterBank) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}
