package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"crash-recovery-go/pkg/config"
	"crash-recovery-go/pkg/crash"
	"crash-recovery-go/pkg/errors"
	"crash-recovery-go/pkg/log"
	"crash-recovery-go/pkg/store"
)

func newTestDaemon(t *testing.T) (*daemon, store.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Metrics.Address = ""
	cfg.Trigger.Device = ""
	st := store.NewMemory()
	d, err := newDaemon(cfg, st)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	d.log = log.Discard()
	return d, st
}

func TestDaemonReadsTriggerLines(t *testing.T) {
	d, _ := newTestDaemon(t)

	in := strings.NewReader("ping\npowerpanic\n# comment\npowerpanic\n")
	if err := d.readTriggers(context.Background(), in); err != nil {
		t.Fatalf("readTriggers: %v", err)
	}
	if got := d.rig.Machine.PowerPanics(); got != 2 {
		t.Errorf("power panics = %d, want 2", got)
	}
}

func TestHaltGateRejectsAfterShutdown(t *testing.T) {
	d, _ := newTestDaemon(t)
	gate := haltGate{Machine: d.rig.Machine, halt: d.halt}

	d.halt.RequestShutdown("operator stop")
	err := gate.SetState(crash.StatePrinting)
	if !errors.IsUnrecoverable(err) {
		t.Fatalf("SetState after shutdown = %v, want unrecoverable", err)
	}
	if d.rig.Machine.State() != crash.StateIdle {
		t.Errorf("state = %v, want idle", d.rig.Machine.State())
	}
}

func TestDaemonStatus(t *testing.T) {
	d, _ := newTestDaemon(t)

	status, ok := d.status().(map[string]any)
	if !ok {
		t.Fatalf("status type %T", d.status())
	}
	if status["state"] != crash.StateIdle.String() {
		t.Errorf("state = %v", status["state"])
	}
	if status["halted"] != false {
		t.Errorf("halted = %v", status["halted"])
	}
	if _, ok := status["safety"]; !ok {
		t.Error("missing safety status")
	}
}

func TestReportLoopWritesStatsOnExit(t *testing.T) {
	d, st := newTestDaemon(t)
	d.cfg.Report.Interval = time.Hour

	d.rig.Machine.CountPowerPanic()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.reportLoop(ctx); err != nil {
		t.Fatalf("reportLoop: %v", err)
	}
	if got := d.rig.Machine.PowerPanics(); got != 0 {
		t.Errorf("power panics after flush = %d, want 0", got)
	}
	if got := st.Uint32(store.KeyPowerPanicsCount); got != 1 {
		t.Errorf("stored power panics = %d, want 1", got)
	}
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	_, _, err := openStore(config.StoreConfig{Backend: "tape"})
	if !errors.IsConfig(err) {
		t.Fatalf("openStore = %v, want config error", err)
	}
}
