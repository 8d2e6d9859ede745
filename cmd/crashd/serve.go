package main

import (
	"context"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"crash-recovery-go/pkg/config"
	"crash-recovery-go/pkg/crash"
	"crash-recovery-go/pkg/errors"
	"crash-recovery-go/pkg/log"
	"crash-recovery-go/pkg/metrics"
	"crash-recovery-go/pkg/safety"
	"crash-recovery-go/pkg/sim"
	"crash-recovery-go/pkg/stallguard"
	"crash-recovery-go/pkg/store"
	"crash-recovery-go/pkg/telemetry"
	"crash-recovery-go/pkg/trigger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the crash machine on the trigger link",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, closeStore, err := openStore(cfg.Store)
		if err != nil {
			return err
		}
		defer closeStore()

		d, err := newDaemon(cfg, st)
		if err != nil {
			return err
		}
		return d.run(cmd.Context(), cmd.InOrStdin())
	},
}

type daemon struct {
	cfg      *config.Config
	rig      *sim.Rig
	halt     *safety.Manager
	recorder *metrics.Recorder
	hub      *telemetry.Hub
	server   *metrics.Server
	log      *log.Logger
}

// haltGate refuses state requests once the safety manager has halted
// for a reason the machine itself did not raise, e.g. the watchdog.
type haltGate struct {
	*crash.Machine
	halt *safety.Manager
}

func (g haltGate) SetState(s crash.State) error {
	if err := g.halt.CheckOperational(); err != nil {
		return errors.Fatal("motion halted")
	}
	return g.Machine.SetState(s)
}

func newDaemon(cfg *config.Config, st store.Store) (*daemon, error) {
	d := &daemon{
		cfg:      cfg,
		halt:     safety.New(),
		recorder: metrics.NewRecorder(metrics.NewRegistry()),
		log:      log.GetLogger("crashd"),
	}

	engine := sim.DefaultConfig()
	engine.StepsPerMM[crash.AxisX] = cfg.StallGuard.StepsPerMM.X
	engine.StepsPerMM[crash.AxisY] = cfg.StallGuard.StepsPerMM.Y
	rig, err := sim.NewRig(sim.RigOptions{
		Engine:     engine,
		Driver:     cfg.StallGuard.Driver,
		Microsteps: cfg.StallGuard.Microsteps,
		StallGuard: stallguard.Options{
			CoreXY: cfg.StallGuard.CoreXY,
			HomeSensitivity: stallguard.Pair[int32]{
				X: cfg.StallGuard.HomeSensitivity.X,
				Y: cfg.StallGuard.HomeSensitivity.Y,
			},
		},
		History: crash.Options{
			HistoryCapacity: cfg.History.Capacity,
			HistoryWindow:   cfg.History.Window,
		},
		Store:   st,
		Fatal:   d.halt,
		Metrics: d.recorder,
	})
	if err != nil {
		return nil, errors.RuntimeErrorInit("rig", err)
	}
	d.rig = rig
	d.halt.RegisterMotor(rig.Drivers.X)
	d.halt.RegisterMotor(rig.Drivers.Y)
	d.halt.OnShutdown(func(reason safety.ShutdownReason, msg string) {
		d.log.WithFields(log.Fields{"reason": string(reason), "msg": msg}).Error("motion halted")
	})

	if cfg.Metrics.Address != "" {
		sc := metrics.DefaultServerConfig()
		sc.Address = cfg.Metrics.Address
		sc.Username = cfg.Metrics.Username
		sc.Password = cfg.Metrics.Password
		d.server = metrics.NewServer(d.recorder.Registry(), d.status, sc)
		if cfg.Telemetry.Enabled {
			d.hub = telemetry.NewHub(d.status)
			d.recorder.Subscribe(d.hub.Publish)
			d.server.Handle("/ws", d.hub)
		}
	}
	return d, nil
}

func (d *daemon) status() any {
	m := d.rig.Machine
	return map[string]any{
		"state":          m.State().String(),
		"halted":         m.Halted(),
		"active":         m.IsActive(),
		"enabled":        m.IsEnabled(),
		"repeated_crash": m.IsRepeatedCrash(),
		"axis_hit":       m.AxisHit().String(),
		"crash_count": map[string]uint32{
			"x": m.CrashCount(crash.AxisX),
			"y": m.CrashCount(crash.AxisY),
		},
		"power_panics": m.PowerPanics(),
		"safety":       d.halt.GetStatus(),
	}
}

func (d *daemon) run(ctx context.Context, stdin io.Reader) error {
	g, ctx := errgroup.WithContext(ctx)

	if d.server != nil {
		g.Go(d.server.Start)
		g.Go(func() error {
			<-ctx.Done()
			if d.hub != nil {
				d.hub.Close()
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return d.server.Shutdown(shutdownCtx)
		})
		d.log.WithField("address", d.cfg.Metrics.Address).Info("metrics server listening")
	}

	if wd := d.cfg.Trigger.Watchdog; wd > 0 {
		d.halt.SetWatchdogTimeout(wd)
		d.halt.StartWatchdog(ctx)
	}

	g.Go(func() error { return d.readTriggers(ctx, stdin) })
	g.Go(func() error { return d.reportLoop(ctx) })

	if configPath != "" {
		w := config.NewWatcher(configPath, d.cfg, d.applyReload, nil)
		g.Go(func() error { return w.Run(ctx) })
	}

	d.log.WithField("state", d.rig.Machine.State().String()).Info("crash machine ready")
	err := g.Wait()
	d.halt.StopWatchdog()
	return err
}

func (d *daemon) readTriggers(ctx context.Context, stdin io.Reader) error {
	src := stdin
	if dev := d.cfg.Trigger.Device; dev != "" {
		port, err := trigger.OpenSerial(dev, d.cfg.Trigger.Baud)
		if err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			port.Close()
		}()
		src = port
	}

	disp := trigger.NewDispatcher(haltGate{Machine: d.rig.Machine, halt: d.halt})
	disp.SetHoming(d.rig.StallGuard)
	disp.OnLine(d.halt.Heartbeat)

	err := disp.Run(ctx, src)
	switch {
	case errors.IsUnrecoverable(err):
		// The halt is reported through the safety manager. Keep serving
		// status until asked to stop.
		<-ctx.Done()
		return nil
	case err != nil && ctx.Err() == nil:
		return errors.Wrap(err, errors.ErrTrigger, "trigger link failed")
	}
	if ctx.Err() == nil {
		d.log.Warn("trigger input closed")
	}
	return nil
}

func (d *daemon) reportLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Report.Interval)
	defer ticker.Stop()
	m := d.rig.Machine
	for {
		select {
		case <-ctx.Done():
			m.WriteStats()
			return nil
		case <-ticker.C:
			m.WriteStats()
			m.SendReports()
		}
	}
}

func (d *daemon) applyReload(res config.ReloadResult) {
	if config.Touched(res.Changed, "log") {
		res.Config.ApplyLog(log.Default())
	}
	if slices.Contains(res.Changed, "stallguard.home_sensitivity") {
		hs := res.Config.StallGuard.HomeSensitivity
		d.rig.StallGuard.SetHomeSensitivity(stallguard.Pair[int32]{X: hs.X, Y: hs.Y})
	}
	if len(res.Pending) > 0 {
		d.log.WithField("keys", res.Pending).Warn("changes need a restart")
	}
}
