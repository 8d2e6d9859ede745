// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestFatalIsUnrecoverable(t *testing.T) {
	err := Fatal("crash double trigger")

	if !IsUnrecoverable(err) {
		t.Fatal("fatal error should be unrecoverable")
	}
	if !Is(err, ErrCrashFatal) {
		t.Error("fatal error should carry CRASH_FATAL")
	}
	if got := Reason(err); got != "crash double trigger" {
		t.Errorf("Reason = %q", got)
	}

	wrapped := fmt.Errorf("set_state: %w", err)
	if !IsUnrecoverable(wrapped) {
		t.Error("unrecoverable mark must survive wrapping")
	}
	if Reason(wrapped) != "crash double trigger" {
		t.Error("reason must survive wrapping")
	}
}

func TestOrdinaryErrorsAreRecoverable(t *testing.T) {
	tests := []error{
		nil,
		stderrors.New("disk full"),
		StoreError("write", "crash_sens_x", stderrors.New("disk full")),
		ConfigValidationError("history", "capacity", "must be positive"),
	}
	for _, err := range tests {
		if IsUnrecoverable(err) {
			t.Errorf("%v should not be unrecoverable", err)
		}
		if Reason(err) != "" {
			t.Errorf("%v should have no halt reason", err)
		}
	}
}

func TestHostErrorMessage(t *testing.T) {
	cause := stderrors.New("EIO")
	err := DriverError("x", "COOLCONF", cause)

	msg := err.Error()
	if !strings.Contains(msg, "[DRIVER:driver.x]") || !strings.Contains(msg, "EIO") {
		t.Errorf("unexpected message: %s", msg)
	}
	if !stderrors.Is(err, cause) {
		t.Error("driver error should unwrap to its cause")
	}
}

func TestIsConfig(t *testing.T) {
	if !IsConfig(ConfigOptionError("store", "backend", stderrors.New("bad"))) {
		t.Error("option error should be a config error")
	}
	if IsConfig(TriggerError("boom", "unknown")) {
		t.Error("trigger error is not a config error")
	}
}

func TestJoin(t *testing.T) {
	if err := Join(nil, nil); err != nil {
		t.Errorf("Join of nils = %v, want nil", err)
	}
	a := stderrors.New("x bus fault")
	b := Fatal("reentrant recovery")
	err := Join(a, nil, b)
	if !stderrors.Is(err, a) || !IsUnrecoverable(err) {
		t.Errorf("joined error lost a member: %v", err)
	}
	if !strings.Contains(err.Error(), "x bus fault") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
