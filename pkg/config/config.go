// Package config loads the crash daemon configuration from built-in
// defaults, an optional TOML file and CRASH_ environment variables, in
// that order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"crash-recovery-go/pkg/errors"
	"crash-recovery-go/pkg/log"
	"crash-recovery-go/pkg/tmc"
)

// EnvPrefix prefixes environment overrides. A double underscore
// separates sections, so CRASH_STALLGUARD__CORE_XY sets
// stallguard.core_xy.
const EnvPrefix = "CRASH_"

// Driver names
const (
	DriverTMC2130 = "tmc2130"
	DriverTMC2209 = "tmc2209"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// AxisPair holds a per-axis integer setting.
type AxisPair struct {
	X int32 `koanf:"x"`
	Y int32 `koanf:"y"`
}

// StallGuardConfig describes the stall detecting drivers.
type StallGuardConfig struct {
	CoreXY          bool     `koanf:"core_xy"`
	Driver          string   `koanf:"driver"`
	Microsteps      int      `koanf:"microsteps"`
	HomeSensitivity AxisPair `koanf:"home_sensitivity"`
	StepsPerMM      struct {
		X float64 `koanf:"x"`
		Y float64 `koanf:"y"`
	} `koanf:"steps_per_mm"`
}

// HistoryConfig sizes the repeated crash window.
type HistoryConfig struct {
	Capacity int           `koanf:"capacity"`
	Window   time.Duration `koanf:"window"`
}

// StoreConfig selects the persistent variable backend.
type StoreConfig struct {
	Backend string `koanf:"backend"`
	Path    string `koanf:"path"`
}

// MetricsConfig configures the HTTP metrics endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Address  string `koanf:"address"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// TelemetryConfig toggles the WebSocket stream on the metrics server.
type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

// TriggerConfig selects the trigger line source. An empty device reads
// standard input. A zero watchdog disables the silence check.
type TriggerConfig struct {
	Device   string        `koanf:"device"`
	Baud     int           `koanf:"baud"`
	Watchdog time.Duration `koanf:"watchdog"`
}

// ReportConfig sets how often counters are persisted and reported.
type ReportConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// LogConfig configures the default logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Config is the complete daemon configuration.
type Config struct {
	StallGuard StallGuardConfig `koanf:"stallguard"`
	History    HistoryConfig    `koanf:"history"`
	Store      StoreConfig      `koanf:"store"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Trigger    TriggerConfig    `koanf:"trigger"`
	Report     ReportConfig     `koanf:"report"`
	Log        LogConfig        `koanf:"log"`
}

func defaults() map[string]any {
	return map[string]any{
		"stallguard.core_xy":            false,
		"stallguard.driver":             DriverTMC2130,
		"stallguard.microsteps":         16,
		"stallguard.home_sensitivity.x": 3,
		"stallguard.home_sensitivity.y": 3,
		"stallguard.steps_per_mm.x":     100.0,
		"stallguard.steps_per_mm.y":     100.0,
		"history.capacity":              3,
		"history.window":                "60s",
		"store.backend":                 BackendFile,
		"store.path":                    "~/.config/crashd/variables.cfg",
		"metrics.address":               ":9100",
		"telemetry.enabled":             true,
		"trigger.device":                "",
		"trigger.baud":                  250000,
		"trigger.watchdog":              "0s",
		"report.interval":               "1s",
		"log.level":                     "info",
		"log.format":                    "text",
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

func load(path string, environ func() []string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to load defaults")
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to load "+path)
		}
	}

	opt := env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, EnvPrefix)
			if !strings.Contains(key, "__") {
				return "", nil
			}
			return strings.ToLower(strings.ReplaceAll(key, "__", ".")), value
		},
		EnvironFunc: environ,
	}
	if err := k.Load(env.Provider(".", opt), nil); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to load environment")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	sg := c.StallGuard
	var lo, hi int32
	switch sg.Driver {
	case DriverTMC2130:
		lo, hi = tmc.TMC2130SGTMin, tmc.TMC2130SGTMax
	case DriverTMC2209:
		lo, hi = tmc.TMC2209SGTHRSMin, tmc.TMC2209SGTHRSMax
	default:
		return errors.ConfigValidationError("stallguard", "driver", "must be tmc2130 or tmc2209")
	}
	if _, err := tmc.GetMRES(sg.Microsteps); err != nil {
		return errors.ConfigValidationError("stallguard", "microsteps", err.Error())
	}
	for name, v := range map[string]int32{"home_sensitivity.x": sg.HomeSensitivity.X, "home_sensitivity.y": sg.HomeSensitivity.Y} {
		if v < lo || v > hi {
			return errors.ConfigValidationError("stallguard", name, "out of range for "+sg.Driver)
		}
	}
	if sg.StepsPerMM.X <= 0 || sg.StepsPerMM.Y <= 0 {
		return errors.ConfigValidationError("stallguard", "steps_per_mm", "must be positive")
	}

	if c.History.Capacity < 1 {
		return errors.ConfigValidationError("history", "capacity", "must be at least 1")
	}
	if c.History.Window <= 0 {
		return errors.ConfigValidationError("history", "window", "must be positive")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Store.Path == "" {
			return errors.ConfigValidationError("store", "path", "required for "+c.Store.Backend)
		}
	default:
		return errors.ConfigValidationError("store", "backend", "must be memory, file or sqlite")
	}

	if c.Trigger.Device != "" && c.Trigger.Baud <= 0 {
		return errors.ConfigValidationError("trigger", "baud", "must be positive")
	}
	if c.Trigger.Watchdog < 0 {
		return errors.ConfigValidationError("trigger", "watchdog", "must not be negative")
	}
	if c.Report.Interval <= 0 {
		return errors.ConfigValidationError("report", "interval", "must be positive")
	}
	if c.Telemetry.Enabled && c.Metrics.Address == "" {
		return errors.ConfigValidationError("telemetry", "enabled", "requires metrics.address")
	}
	return nil
}

// ApplyLog configures l from the log section.
func (c *Config) ApplyLog(l *log.Logger) {
	l.SetLevel(log.ParseLevel(c.Log.Level))
	l.SetFormat(log.ParseFormat(c.Log.Format))
}
