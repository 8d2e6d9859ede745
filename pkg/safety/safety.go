// Package safety halts the motion system when crash handling hits an
// unrecoverable condition, and watches the trigger link for silence.
package safety

import (
	"context"
	"sync"
	"time"

	crdb "github.com/cockroachdb/errors"

	crasherrors "crash-recovery-go/pkg/errors"
	"crash-recovery-go/pkg/log"
)

// ShutdownState represents the halt state of the motion system.
type ShutdownState int

const (
	// StateRunning indicates normal operation.
	StateRunning ShutdownState = iota

	// StateShuttingDown indicates shutdown is in progress.
	StateShuttingDown

	// StateShutdown indicates an orderly shutdown.
	StateShutdown

	// StateError indicates a halt after an unrecoverable error.
	StateError
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ShutdownReason describes why the motion system was halted.
type ShutdownReason string

const (
	ReasonNone            ShutdownReason = ""
	ReasonCrashFatal      ShutdownReason = "crash_fatal"
	ReasonWatchdogTimeout ShutdownReason = "watchdog_timeout"
	ReasonUserRequest     ShutdownReason = "user_request"
)

// ErrShutdown is returned by CheckOperational once halted.
var ErrShutdown = crdb.New("safety: motion system is halted")

// MotorDisabler can disable motors.
type MotorDisabler interface {
	DisableMotors() error
}

// Manager tracks the halt state and runs the halt sequence once.
type Manager struct {
	mu sync.RWMutex

	state          ShutdownState
	shutdownReason ShutdownReason
	shutdownMsg    string
	shutdownErr    error
	shutdownTime   time.Time

	motors []MotorDisabler

	watchdogCancel  context.CancelFunc
	watchdogTimeout time.Duration
	lastHeartbeat   time.Time
	watchdogMu      sync.Mutex

	onShutdown    []func(reason ShutdownReason, msg string)
	onStateChange []func(oldState, newState ShutdownState)

	log *log.Logger
}

// New creates a new safety Manager.
func New() *Manager {
	return &Manager{
		state:           StateRunning,
		watchdogTimeout: 5 * time.Second,
		log:             log.GetLogger("safety"),
	}
}

// SetWatchdogTimeout sets how long the trigger link may stay silent.
func (m *Manager) SetWatchdogTimeout(d time.Duration) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if d > 0 {
		m.watchdogTimeout = d
	}
}

// RegisterMotor registers motors to disable on halt.
func (m *Manager) RegisterMotor(motor MotorDisabler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.motors = append(m.motors, motor)
}

// OnShutdown registers a callback run after the halt sequence.
func (m *Manager) OnShutdown(fn func(reason ShutdownReason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// OnStateChange registers a callback for state transitions.
func (m *Manager) OnStateChange(fn func(oldState, newState ShutdownState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = append(m.onStateChange, fn)
}

// GetState returns the current state.
func (m *Manager) GetState() ShutdownState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetShutdownInfo returns why and when the system halted.
func (m *Manager) GetShutdownInfo() (ShutdownReason, string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shutdownReason, m.shutdownMsg, m.shutdownTime
}

// Err returns the error that caused a fatal halt, if any.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shutdownErr
}

// IsOperational reports whether the system is running.
func (m *Manager) IsOperational() bool {
	return m.GetState() == StateRunning
}

// CheckOperational returns ErrShutdown once halted.
func (m *Manager) CheckOperational() error {
	if !m.IsOperational() {
		return ErrShutdown
	}
	return nil
}

// Fatal halts after an unrecoverable crash machine error. Fatal errors
// carry a halt reason which becomes the shutdown message.
func (m *Manager) Fatal(err error) {
	msg := crasherrors.Reason(err)
	if msg == "" && err != nil {
		msg = err.Error()
	}
	m.log.WithError(err).WithField("reason", msg).Error("unrecoverable crash error, halting")
	m.invokeShutdown(ReasonCrashFatal, msg, err)
}

// RequestShutdown triggers an orderly shutdown.
func (m *Manager) RequestShutdown(msg string) {
	m.invokeShutdown(ReasonUserRequest, msg, nil)
}

func (m *Manager) invokeShutdown(reason ShutdownReason, msg string, cause error) {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	oldState := m.state
	m.state = StateShuttingDown
	m.shutdownReason = reason
	m.shutdownMsg = msg
	m.shutdownErr = cause
	m.shutdownTime = time.Now()
	motors := append([]MotorDisabler(nil), m.motors...)
	m.mu.Unlock()

	m.StopWatchdog()

	for _, motor := range motors {
		if err := motor.DisableMotors(); err != nil {
			m.log.WithError(err).Warn("motor disable failed")
		}
	}

	m.mu.Lock()
	finalState := StateShutdown
	if reason != ReasonUserRequest {
		finalState = StateError
	}
	m.state = finalState
	onShutdown := append(([]func(ShutdownReason, string))(nil), m.onShutdown...)
	onStateChange := append(([]func(ShutdownState, ShutdownState))(nil), m.onStateChange...)
	m.mu.Unlock()

	for _, fn := range onStateChange {
		fn(oldState, finalState)
	}
	for _, fn := range onShutdown {
		fn(reason, msg)
	}
}

// StartWatchdog halts the system if Heartbeat is not called within the
// watchdog timeout. It runs until ctx ends or StopWatchdog is called.
func (m *Manager) StartWatchdog(ctx context.Context) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.watchdogCancel != nil {
		return
	}
	ctx, m.watchdogCancel = context.WithCancel(ctx)
	m.lastHeartbeat = time.Now()
	go m.watchdogLoop(ctx)
}

// StopWatchdog stops the watchdog timer.
func (m *Manager) StopWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.watchdogCancel != nil {
		m.watchdogCancel()
		m.watchdogCancel = nil
	}
}

// Heartbeat resets the watchdog timer.
func (m *Manager) Heartbeat() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	m.lastHeartbeat = time.Now()
}

func (m *Manager) watchdogLoop(ctx context.Context) {
	m.watchdogMu.Lock()
	tick := m.watchdogTimeout / 10
	m.watchdogMu.Unlock()
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.watchdogMu.Lock()
			elapsed := time.Since(m.lastHeartbeat)
			timeout := m.watchdogTimeout
			m.watchdogMu.Unlock()

			if elapsed > timeout {
				m.log.WithField("silent_for", elapsed.String()).Error("trigger link watchdog expired")
				m.invokeShutdown(ReasonWatchdogTimeout, "trigger link silent", nil)
				return
			}
		}
	}
}

// Status is the halt state for reporting.
type Status struct {
	State          string    `json:"state"`
	ShutdownReason string    `json:"shutdown_reason,omitempty"`
	ShutdownMsg    string    `json:"shutdown_msg,omitempty"`
	ShutdownTime   time.Time `json:"shutdown_time,omitempty"`
	IsOperational  bool      `json:"is_operational"`
}

// GetStatus returns the current status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:          m.state.String(),
		ShutdownReason: string(m.shutdownReason),
		ShutdownMsg:    m.shutdownMsg,
		ShutdownTime:   m.shutdownTime,
		IsOperational:  m.state == StateRunning,
	}
}
