// TMC2209 stall-guard driver
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package tmc

// TMC2209Fields defines the stall-guard related register fields.
var TMC2209Fields = map[string]map[string]uint32{
	"GCONF": {
		"i_scale_analog":   1 << 0,
		"internal_rsense":  1 << 1,
		"en_spreadcycle":   1 << 2,
		"shaft":            1 << 3,
		"pdn_disable":      1 << 6,
		"mstep_reg_select": 1 << 7,
		"multistep_filt":   1 << 8,
	},
	"TSTEP": {
		"tstep": 0xfffff,
	},
	"TCOOLTHRS": {
		"tcoolthrs": 0xfffff,
	},
	"SGTHRS": {
		"sgthrs": 0xff,
	},
	"SG_RESULT": {
		"sg_result": 0x3ff,
	},
	"CHOPCONF": {
		"toff":   0x0f << 0,
		"mres":   0x0f << 24,
		"intpol": 1 << 28,
	},
}

// TMC2209RegAddrs maps register names to addresses.
var TMC2209RegAddrs = map[string]uint8{
	"GCONF":     0x00,
	"TSTEP":     0x12,
	"TCOOLTHRS": 0x14,
	"SGTHRS":    0x40,
	"SG_RESULT": 0x41,
	"CHOPCONF":  0x6c,
}

// TMC2209 drives stall detection on a TMC2209 over UART. DIAG always
// reports stalls and there is no stall filter.
type TMC2209 struct {
	driver
}

// NewTMC2209 creates a TMC2209 driver with the given microstep resolution.
func NewTMC2209(name string, microsteps int) *TMC2209 {
	return &TMC2209{driver: driver{
		Name:       name,
		Fields:     NewFieldHelper(TMC2209Fields, nil),
		addrs:      TMC2209RegAddrs,
		microsteps: microsteps,
	}}
}

// Init selects register-controlled microstepping.
func (t *TMC2209) Init() error {
	if err := t.setField("pdn_disable", 1); err != nil {
		return err
	}
	if err := t.setField("mstep_reg_select", 1); err != nil {
		return err
	}
	mres, err := GetMRES(t.microsteps)
	if err != nil {
		return err
	}
	return t.setField("mres", int32(mres))
}

// SGTHRS limits. Higher is more sensitive.
const (
	TMC2209SGTHRSMin = 0
	TMC2209SGTHRSMax = 255
)

// SetStallSensitivity programs SGTHRS, clamped to its range.
func (t *TMC2209) SetStallSensitivity(sens int32) error {
	if sens < TMC2209SGTHRSMin {
		sens = TMC2209SGTHRSMin
	}
	if sens > TMC2209SGTHRSMax {
		sens = TMC2209SGTHRSMax
	}
	return t.setField("sgthrs", sens)
}

// DisableStallGuard turns stall detection off and restores the chopper
// mode used for normal printing.
func (t *TMC2209) DisableStallGuard(stealth bool) error {
	if err := t.setField("tcoolthrs", 0); err != nil {
		return err
	}
	return t.setField("en_spreadcycle", boolField(!stealth))
}

// StallResult reads the last stall-guard load measurement.
func (t *TMC2209) StallResult() (int, error) {
	val, err := t.GetRegister("SG_RESULT")
	if err != nil {
		return 0, err
	}
	return int(t.Fields.FieldOf("sg_result", val)), nil
}
