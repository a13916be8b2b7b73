// Package lockstate reports whether the interactive session's screen is locked.
package lockstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the screen lock state.
type State int

const (
	Unlocked State = iota
	Locked
)

func (s State) String() string {
	if s == Locked {
		return "locked"
	}
	return "unlocked"
}

// ErrUnsupported is returned by probes on platforms without lock detection.
var ErrUnsupported = errors.New("lockstate: lock detection not supported on this platform")

// Probe asks the operating system whether the screen is locked.
type Probe interface {
	Locked(ctx context.Context) (bool, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (bool, error)

func (f ProbeFunc) Locked(ctx context.Context) (bool, error) { return f(ctx) }

// Static is a probe that always reports s. Used for the forced probe modes.
func Static(s State) Probe {
	return ProbeFunc(func(context.Context) (bool, error) { return s == Locked, nil })
}

// DefaultProbeTimeout bounds a single probe call.
const DefaultProbeTimeout = 3 * time.Second

// Monitor polls a Probe and fails safe: any probe error, timeout or panic
// reads as Unlocked, so a broken probe never starts surveillance.
type Monitor struct {
	probe   Probe
	timeout time.Duration
	log     *zap.Logger

	mu       sync.Mutex
	last     State
	failing  bool
	failures int
}

func NewMonitor(probe Probe, timeout time.Duration, logger *zap.Logger) *Monitor {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{probe: probe, timeout: timeout, log: logger}
}

// Poll runs the probe once. It never returns an error and never panics.
func (m *Monitor) Poll(ctx context.Context) State {
	locked, err := m.call(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	state := Unlocked
	if err != nil {
		m.failures++
		if !m.failing {
			m.failing = true
			m.log.Warn("lock probe failed, treating screen as unlocked", zap.Error(err))
		}
	} else {
		if m.failing {
			m.log.Info("lock probe recovered", zap.Int("failed_polls", m.failures))
			m.failing = false
			m.failures = 0
		}
		if locked {
			state = Locked
		}
	}

	if state != m.last {
		m.log.Info("lock state changed", zap.Stringer("from", m.last), zap.Stringer("to", state))
		m.last = state
	}
	return state
}

// Last returns the state reported by the most recent Poll.
func (m *Monitor) Last() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// call runs the probe on its own goroutine so a hung OS call cannot hold
// up the poll loop past the timeout.
func (m *Monitor) call(ctx context.Context) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type answer struct {
		locked bool
		err    error
	}
	done := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- answer{err: fmt.Errorf("lock probe panicked: %v", r)}
			}
		}()
		l, err := m.probe.Locked(pctx)
		done <- answer{locked: l, err: err}
	}()

	select {
	case a := <-done:
		return a.locked, a.err
	case <-pctx.Done():
		return false, fmt.Errorf("lock probe: %w", pctx.Err())
	}
}
