package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/syncular/syncd/internal/syncclient"
)

// Mode is the relay's connectivity state.
type Mode string

const (
	ModeOffline      Mode = "offline"
	ModeOnline       Mode = "online"
	ModeReconnecting Mode = "reconnecting"
)

// ModeManager tracks upstream reachability with a periodic health probe and
// exponential backoff on repeated failure.
type ModeManager struct {
	upstream *syncclient.Client
	interval time.Duration

	mu       sync.Mutex
	mode     Mode
	failures int
	onChange func(Mode)
}

func newModeManager(upstream *syncclient.Client, interval time.Duration) *ModeManager {
	return &ModeManager{
		upstream: upstream,
		interval: interval,
		mode:     ModeOffline,
	}
}

// Mode returns the current state.
func (m *ModeManager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// OnChange registers a callback invoked on every state transition.
func (m *ModeManager) OnChange(fn func(Mode)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *ModeManager) transition(to Mode) {
	m.mu.Lock()
	from := m.mode
	var fn func(Mode)
	if from != to {
		m.mode = to
		fn = m.onChange
	}
	m.mu.Unlock()

	if from != to {
		slog.Info("relay mode changed", "from", from, "to", to)
		if fn != nil {
			fn(to)
		}
	}
}

// reportFailure is called by the forward/pull loops when an upstream call
// fails, flipping the relay to reconnecting immediately.
func (m *ModeManager) reportFailure(err error) {
	slog.Warn("upstream call failed", "err", err)
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
	m.transition(ModeReconnecting)
}

// backoff returns the probe delay for the current failure count: the base
// interval doubled per consecutive failure, capped at 16x.
func (m *ModeManager) backoff() time.Duration {
	m.mu.Lock()
	failures := m.failures
	m.mu.Unlock()

	delay := m.interval
	for i := 0; i < failures && delay < 16*m.interval; i++ {
		delay *= 2
	}
	if delay > 16*m.interval {
		delay = 16 * m.interval
	}
	return delay
}

// Probe runs one health check: a minimal combined sync with an empty
// subscription list and limitCommits 1.
func (m *ModeManager) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := m.upstream.Probe(probeCtx); err != nil {
		m.mu.Lock()
		m.failures++
		m.mu.Unlock()
		if m.Mode() == ModeOnline || m.Mode() == ModeReconnecting {
			m.transition(ModeReconnecting)
		}
		return false
	}

	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
	m.transition(ModeOnline)
	return true
}

// Run probes until the context is cancelled, backing off while unreachable.
func (m *ModeManager) Run(ctx context.Context) {
	// Immediate first probe so a reachable upstream goes online without
	// waiting a full interval.
	m.Probe(ctx)

	for {
		delay := m.interval
		if m.Mode() != ModeOnline {
			delay = m.backoff()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			m.Probe(ctx)
		}
	}
}
