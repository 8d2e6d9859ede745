// TMC2130 stall-guard driver
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package tmc

// TMC2130Fields defines the stall-guard related register fields.
var TMC2130Fields = map[string]map[string]uint32{
	"GCONF": {
		"i_scale_analog":  1 << 0,
		"internal_rsense": 1 << 1,
		"en_pwm_mode":     1 << 2,
		"shaft":           1 << 4,
		"diag0_error":     1 << 5,
		"diag1_stall":     1 << 8,
		"diag1_pushpull":  1 << 13,
	},
	"TSTEP": {
		"tstep": 0xfffff,
	},
	"TCOOLTHRS": {
		"tcoolthrs": 0xfffff,
	},
	"CHOPCONF": {
		"toff":   0x0f << 0,
		"hstrt":  0x07 << 4,
		"hend":   0x0f << 7,
		"tbl":    0x03 << 15,
		"mres":   0x0f << 24,
		"intpol": 1 << 28,
	},
	"COOLCONF": {
		"semin":  0x0f << 0,
		"seup":   0x03 << 5,
		"semax":  0x0f << 8,
		"sedn":   0x03 << 13,
		"seimin": 1 << 15,
		"sgt":    0x7f << 16,
		"sfilt":  1 << 24,
	},
	"DRV_STATUS": {
		"sg_result":  0x3ff,
		"stallguard": 1 << 24,
		"stst":       1 << 31,
	},
}

// TMC2130SignedFields lists fields that are signed.
var TMC2130SignedFields = []string{"sgt"}

// TMC2130RegAddrs maps register names to addresses.
var TMC2130RegAddrs = map[string]uint8{
	"GCONF":      0x00,
	"TSTEP":      0x12,
	"TCOOLTHRS":  0x14,
	"CHOPCONF":   0x6c,
	"COOLCONF":   0x6d,
	"DRV_STATUS": 0x6f,
}

// SGT limits of the signed 7 bit threshold. Higher is less sensitive.
const (
	TMC2130SGTMin = -64
	TMC2130SGTMax = 63
)

// TMC2130 drives stall detection on a TMC2130 over SPI. It supports the
// stall filter and routes the stall flag to DIAG1.
type TMC2130 struct {
	driver
}

// NewTMC2130 creates a TMC2130 driver with the given microstep resolution.
func NewTMC2130(name string, microsteps int) *TMC2130 {
	return &TMC2130{driver: driver{
		Name:       name,
		Fields:     NewFieldHelper(TMC2130Fields, TMC2130SignedFields),
		addrs:      TMC2130RegAddrs,
		microsteps: microsteps,
	}}
}

// Init programs the microstep resolution.
func (t *TMC2130) Init() error {
	mres, err := GetMRES(t.microsteps)
	if err != nil {
		return err
	}
	return t.setField("mres", int32(mres))
}

// SetStallSensitivity programs SGT, clamped to its signed range.
func (t *TMC2130) SetStallSensitivity(sens int32) error {
	if sens < TMC2130SGTMin {
		sens = TMC2130SGTMin
	}
	if sens > TMC2130SGTMax {
		sens = TMC2130SGTMax
	}
	return t.setField("sgt", sens)
}

// SetStallFilter enables the four-step stall-guard filter.
func (t *TMC2130) SetStallFilter(on bool) error {
	return t.setField("sfilt", boolField(on))
}

// SetDiagStall routes the stall flag to the DIAG1 pin.
func (t *TMC2130) SetDiagStall(on bool) error {
	return t.setField("diag1_stall", boolField(on))
}

// DisableStallGuard turns stall detection off and restores the chopper
// mode used for normal printing.
func (t *TMC2130) DisableStallGuard(stealth bool) error {
	if err := t.setField("tcoolthrs", 0); err != nil {
		return err
	}
	if err := t.setField("diag1_stall", 0); err != nil {
		return err
	}
	return t.setField("en_pwm_mode", boolField(stealth))
}

func boolField(on bool) int32 {
	if on {
		return 1
	}
	return 0
}
