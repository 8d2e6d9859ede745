// Unified error handling for the crash recovery subsystem
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Crash state machine errors. CRASH_FATAL is never retried: the
	// surrounding controller turns it into a full reset.
	ErrCrashFatal ErrorCode = "CRASH_FATAL"

	// Collaborator errors
	ErrStore   ErrorCode = "STORE"
	ErrDriver  ErrorCode = "DRIVER"
	ErrTrigger ErrorCode = "TRIGGER"

	// Runtime errors
	ErrRuntime     ErrorCode = "RUNTIME"
	ErrRuntimeInit ErrorCode = "RUNTIME_INIT"
)

// ErrUnrecoverable marks errors after which the motion system must halt
var ErrUnrecoverable = crdb.New("unrecoverable")

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or component
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	scope := e.Section
	if e.Option != "" {
		scope = e.Section + "." + e.Option
	}
	msg := fmt.Sprintf("[%s:%s] %s", e.Code, scope, e.Message)
	if e.Err != nil && e.Err.Error() != e.Message {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message}
}

// Wrap wraps an existing error with additional context. The cause keeps
// a stack trace for reporting.
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     crdb.WithStackDepth(err, 1),
	}
}

// Fatal creates an unrecoverable crash error carrying the halt reason
func Fatal(reason string) *HostError {
	return &HostError{
		Code:    ErrCrashFatal,
		Message: reason,
		Section: "crash",
		Err:     crdb.Mark(crdb.NewWithDepth(1, reason), ErrUnrecoverable),
	}
}

// ConfigOptionError creates an error for a missing or malformed option
func ConfigOptionError(section, option string, err error) *HostError {
	return Wrap(err, ErrConfigOption, fmt.Sprintf("option '%s' in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// StoreError creates an error for a persistence backend failure
func StoreError(operation, key string, err error) *HostError {
	return Wrap(err, ErrStore, fmt.Sprintf("%s %s failed", operation, key)).
		SetSection("store").
		SetOption(key)
}

// DriverError creates an error for a motor driver register access failure
func DriverError(axis, register string, err error) *HostError {
	return Wrap(err, ErrDriver, fmt.Sprintf("register %s failed", register)).
		SetSection("driver").
		SetOption(axis)
}

// TriggerError creates an error for a malformed trigger line
func TriggerError(line string, reason string) *HostError {
	return New(ErrTrigger, fmt.Sprintf("trigger %q: %s", line, reason)).SetSection("trigger")
}

// RuntimeErrorInit creates an error for initialization failure
func RuntimeErrorInit(component string, err error) *HostError {
	return Wrap(err, ErrRuntimeInit, fmt.Sprintf("failed to initialize %s", component)).
		SetSection(component)
}

// Is checks if err or anything it wraps is a HostError with the given code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	if crdb.As(err, &hostErr) {
		return hostErr.Code == code
	}
	return false
}

// Join combines errs into one error, dropping nils. It returns nil when
// every err is nil.
func Join(errs ...error) error {
	return crdb.JoinWithDepth(1, errs...)
}

// IsUnrecoverable reports whether err demands a halt
func IsUnrecoverable(err error) bool {
	return err != nil && crdb.Is(err, ErrUnrecoverable)
}

// Reason returns the halt reason of a fatal error, or "" for other errors
func Reason(err error) string {
	var hostErr *HostError
	if crdb.As(err, &hostErr) && hostErr.Code == ErrCrashFatal {
		return hostErr.Message
	}
	return ""
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigLoad)
}
