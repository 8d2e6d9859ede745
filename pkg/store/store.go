// Persistent crash configuration and statistics store
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package store

import (
	"strconv"
	"sync"

	"crash-recovery-go/pkg/log"
)

// Key names a persisted scalar. The names are stable across firmware
// versions and shared by every backend.
type Key string

const (
	KeyCrashEnabled     Key = "crash_enabled"
	KeyCrashSensX       Key = "crash_sens_x"
	KeyCrashSensY       Key = "crash_sens_y"
	KeyCrashMaxPeriodX  Key = "crash_max_period_x"
	KeyCrashMaxPeriodY  Key = "crash_max_period_y"
	KeyCrashFilter      Key = "crash_filter"
	KeyCrashCountX      Key = "crash_count_x"
	KeyCrashCountY      Key = "crash_count_y"
	KeyPowerPanicsCount Key = "power_panics_count"
)

// Keys lists every known key in a stable order
var Keys = []Key{
	KeyCrashEnabled,
	KeyCrashSensX,
	KeyCrashSensY,
	KeyCrashMaxPeriodX,
	KeyCrashMaxPeriodY,
	KeyCrashFilter,
	KeyCrashCountX,
	KeyCrashCountY,
	KeyPowerPanicsCount,
}

// Defaults holds the factory value of each key in its encoded form
var Defaults = map[Key]string{
	KeyCrashEnabled:     "true",
	KeyCrashSensX:       "2",
	KeyCrashSensY:       "3",
	KeyCrashMaxPeriodX:  "210",
	KeyCrashMaxPeriodY:  "210",
	KeyCrashFilter:      "true",
	KeyCrashCountX:      "0",
	KeyCrashCountY:      "0",
	KeyPowerPanicsCount: "0",
}

// Store is typed access to persisted scalars. Reads of a missing or
// corrupt value return the factory default. Writes never fail from the
// caller's point of view; backends log their own I/O errors.
type Store interface {
	Bool(key Key) bool
	SetBool(key Key, v bool)
	Int32(key Key) int32
	SetInt32(key Key, v int32)
	Uint32(key Key) uint32
	SetUint32(key Key, v uint32)
}

// backend persists encoded values
type backend interface {
	load(key Key) (string, bool)
	save(key Key, value string) error
	name() string
}

// typed adapts a backend to Store
type typed struct {
	b   backend
	log *log.Logger
}

func (t *typed) raw(key Key) string {
	if v, ok := t.b.load(key); ok {
		return v
	}
	return Defaults[key]
}

func (t *typed) put(key Key, value string) {
	if err := t.b.save(key, value); err != nil {
		t.log.WithFields(log.Fields{"backend": t.b.name(), "key": string(key)}).WithError(err).Error("persist failed")
	}
}

func (t *typed) Bool(key Key) bool {
	v, err := strconv.ParseBool(t.raw(key))
	if err != nil {
		v, _ = strconv.ParseBool(Defaults[key])
	}
	return v
}

func (t *typed) SetBool(key Key, v bool) { t.put(key, strconv.FormatBool(v)) }

func (t *typed) Int32(key Key) int32 {
	v, err := strconv.ParseInt(t.raw(key), 10, 32)
	if err != nil {
		v, _ = strconv.ParseInt(Defaults[key], 10, 32)
	}
	return int32(v)
}

func (t *typed) SetInt32(key Key, v int32) { t.put(key, strconv.FormatInt(int64(v), 10)) }

func (t *typed) Uint32(key Key) uint32 {
	v, err := strconv.ParseUint(t.raw(key), 10, 32)
	if err != nil {
		v, _ = strconv.ParseUint(Defaults[key], 10, 32)
	}
	return uint32(v)
}

func (t *typed) SetUint32(key Key, v uint32) { t.put(key, strconv.FormatUint(uint64(v), 10)) }

// Memory keeps values for the lifetime of the process
type Memory struct {
	typed
	mu     sync.RWMutex
	values map[Key]string
}

// NewMemory returns a volatile store starting from factory defaults
func NewMemory() *Memory {
	m := &Memory{values: make(map[Key]string)}
	m.typed = typed{b: m, log: log.GetLogger("store")}
	return m
}

func (m *Memory) load(key Key) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Memory) save(key Key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) name() string { return "memory" }
