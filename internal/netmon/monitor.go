package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"civicbeacon/internal/config"
	"civicbeacon/internal/model"
)

// Probe measures one round-trip to the cloud collaborator. It returns the
// observed latency, or an error when the peer is unreachable.
type Probe func(ctx context.Context) (time.Duration, error)

type sample struct {
	latency time.Duration
	failed  bool
}

// Monitor keeps the rolling reachability state: the last three round-trip
// samples and the derived online/offline mode. Three consecutive slow or
// failed probes switch the device offline; a single fast probe makes it
// online again, but sync-dependent work waits for a confirmation window so
// a flapping link does not thrash the drain loop.
type Monitor struct {
	cfg    *config.Manager
	probe  Probe
	logger *slog.Logger

	mu          sync.Mutex
	samples     []sample
	mode        model.Mode
	onlineSince time.Time

	onTransition func(model.Mode)
}

func NewMonitor(cfg *config.Manager, probe Probe, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:         cfg,
		probe:       probe,
		logger:      logger,
		mode:        model.ModeOnline,
		onlineSince: time.Now(),
	}
}

// OnTransition registers a callback invoked on every mode change. Set before
// Run starts.
func (m *Monitor) OnTransition(fn func(model.Mode)) {
	m.onTransition = fn
}

func (m *Monitor) Mode() model.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SyncReady reports whether network-dependent sync work should run: online
// and past the confirmation window.
func (m *Monitor) SyncReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != model.ModeOnline {
		return false
	}
	confirm := m.cfg.Get().Network.ConfirmWindow
	return time.Since(m.onlineSince) >= confirm
}

// Run probes on the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.Get().Network.ProbeInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Observe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Observe runs one probe and feeds the result into the state machine.
func (m *Monitor) Observe(ctx context.Context) model.Mode {
	cfg := m.cfg.Get()
	probeCtx, cancel := context.WithTimeout(ctx, cfg.Network.LatencyThreshold*4)
	latency, err := m.probe(probeCtx)
	cancel()
	return m.Record(latency, err != nil)
}

// Record feeds one sample directly. Exposed so transports that learn about
// reachability out of band (a broker connection loss) can contribute.
func (m *Monitor) Record(latency time.Duration, failed bool) model.Mode {
	cfg := m.cfg.Get()
	slow := failed || latency > cfg.Network.LatencyThreshold

	m.mu.Lock()
	m.samples = append(m.samples, sample{latency: latency, failed: failed})
	if len(m.samples) > cfg.Network.FailureStreak {
		m.samples = m.samples[len(m.samples)-cfg.Network.FailureStreak:]
	}

	prev := m.mode
	if slow {
		if m.mode == model.ModeOnline && m.streakLocked(cfg.Network.FailureStreak, cfg.Network.LatencyThreshold) {
			m.mode = model.ModeOffline
		}
	} else if m.mode == model.ModeOffline {
		m.mode = model.ModeOnline
		m.onlineSince = time.Now()
	}
	mode := m.mode
	m.mu.Unlock()

	if mode != prev {
		if m.logger != nil {
			m.logger.Warn("network mode transition", "from", prev, "to", mode)
		}
		if m.onTransition != nil {
			m.onTransition(mode)
		}
	}
	return mode
}

func (m *Monitor) streakLocked(streak int, threshold time.Duration) bool {
	if len(m.samples) < streak {
		return false
	}
	for _, s := range m.samples[len(m.samples)-streak:] {
		if !s.failed && s.latency <= threshold {
			return false
		}
	}
	return true
}

// Samples returns a copy of the rolling window, newest last.
func (m *Monitor) Samples() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, 0, len(m.samples))
	for _, s := range m.samples {
		out = append(out, s.latency)
	}
	return out
}
