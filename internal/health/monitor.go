package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Prober is anything that can answer a lightweight round-trip check.
// *database.Postgres satisfies it.
type Prober interface {
	Ping(ctx context.Context) error
}

// Config tunes the monitor
type Config struct {
	ProbeTimeout     time.Duration
	FailureThreshold int // consecutive failures before the primary is marked unhealthy
	StalenessWindow  time.Duration
	DiagnosticsSize  int
	StatsWindow      int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:     3 * time.Second,
		FailureThreshold: 3,
		StalenessWindow:  60 * time.Second,
		DiagnosticsSize:  200,
		StatsWindow:      50,
	}
}

type probeOutcome struct {
	healthy bool
	latency time.Duration
}

// Monitor produces the health verdict for the primary store and each
// configured replica. The probe loop is its sole writer; concurrent
// readers get copied snapshots.
type Monitor struct {
	mu       sync.RWMutex
	config   Config
	logger   *zap.Logger
	primary  Prober
	replicas map[string]Prober

	primaryHealthy      bool
	consecutiveFailures int
	lastCheck           time.Time

	window   []probeOutcome // ring of recent primary probes
	windowAt int
	windowN  int

	diagnostics []ProbeResult // bounded ring, oldest dropped
	diagAt      int
	diagN       int

	replicaHealth map[string]ReplicaHealth

	onProbe func(ProbeResult)
}

// NewMonitor creates a monitor for one primary and zero or more replicas.
func NewMonitor(primary Prober, replicas map[string]Prober, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.DiagnosticsSize <= 0 {
		cfg.DiagnosticsSize = 200
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 50
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 60 * time.Second
	}
	if replicas == nil {
		replicas = map[string]Prober{}
	}

	return &Monitor{
		config:         cfg,
		logger:         logger,
		primary:        primary,
		replicas:       replicas,
		primaryHealthy: true,
		window:         make([]probeOutcome, cfg.StatsWindow),
		diagnostics:    make([]ProbeResult, cfg.DiagnosticsSize),
		replicaHealth:  make(map[string]ReplicaHealth, len(replicas)),
	}
}

// SetProbeHook registers a callback invoked after every probe. Used to
// feed metrics; set it before the probe loop starts.
func (m *Monitor) SetProbeHook(fn func(ProbeResult)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onProbe = fn
}

// Probe issues a round-trip against the target. It never returns an
// error: a failed probe is recorded and reported as unhealthy.
func (m *Monitor) Probe(ctx context.Context, target string, p Prober) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(probeCtx)
	result := ProbeResult{
		Target:    target,
		Healthy:   err == nil,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// Tick probes the primary and every replica once and folds the results
// into the rolling state. Called by the probe loop; safe to call
// directly in tests.
func (m *Monitor) Tick(ctx context.Context) Status {
	primaryResult := m.Probe(ctx, "primary", m.primary)

	replicaResults := make(map[string]ProbeResult, len(m.replicas))
	for id, p := range m.replicas {
		replicaResults[id] = m.Probe(ctx, id, p)
	}

	m.mu.Lock()
	if primaryResult.Healthy {
		m.recordSuccess(primaryResult.Latency)
	} else {
		m.recordFailure()
	}
	m.appendDiagnostic(primaryResult)
	m.lastCheck = primaryResult.Timestamp

	for id, r := range replicaResults {
		m.replicaHealth[id] = ReplicaHealth{
			ID:          id,
			Healthy:     r.Healthy,
			Latency:     r.Latency,
			LastChecked: r.Timestamp,
		}
		m.appendDiagnostic(r)
	}

	hook := m.onProbe
	status := m.statusLocked()
	m.mu.Unlock()

	if hook != nil {
		hook(primaryResult)
		for _, r := range replicaResults {
			hook(r)
		}
	}

	if !primaryResult.Healthy && m.logger != nil {
		m.logger.Warn("primary probe failed",
			zap.String("error", primaryResult.Error),
			zap.Int("consecutive_failures", status.ConsecutiveFailures))
	}

	return status
}

// ProbePrimary probes the primary out of band without folding the
// result into the rolling window. Used by forced reconnects.
func (m *Monitor) ProbePrimary(ctx context.Context) ProbeResult {
	return m.Probe(ctx, "primary", m.primary)
}

// RecordRecovery resets the failure count after an out-of-band probe
// confirmed the primary is reachable again.
func (m *Monitor) RecordRecovery(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordSuccess(latency)
	m.lastCheck = time.Now()
}

// recordSuccess updates the rolling window after a healthy primary probe.
// Caller must hold the lock.
func (m *Monitor) recordSuccess(latency time.Duration) {
	m.consecutiveFailures = 0
	m.primaryHealthy = true
	m.pushOutcome(probeOutcome{healthy: true, latency: latency})
}

// recordFailure updates the rolling window after a failed primary probe.
// Caller must hold the lock.
func (m *Monitor) recordFailure() {
	m.consecutiveFailures++
	if m.consecutiveFailures >= m.config.FailureThreshold {
		m.primaryHealthy = false
	}
	m.pushOutcome(probeOutcome{healthy: false})
}

func (m *Monitor) pushOutcome(o probeOutcome) {
	m.window[m.windowAt] = o
	m.windowAt = (m.windowAt + 1) % len(m.window)
	if m.windowN < len(m.window) {
		m.windowN++
	}
}

func (m *Monitor) appendDiagnostic(r ProbeResult) {
	m.diagnostics[m.diagAt] = r
	m.diagAt = (m.diagAt + 1) % len(m.diagnostics)
	if m.diagN < len(m.diagnostics) {
		m.diagN++
	}
}

// Status returns a copy of the current primary health snapshot.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() Status {
	return Status{
		PrimaryHealthy:      m.primaryHealthy,
		ConsecutiveFailures: m.consecutiveFailures,
		Stats:               m.statsLocked(),
		LastCheck:           m.lastCheck,
	}
}

func (m *Monitor) statsLocked() ConnectionStats {
	stats := ConnectionStats{}
	if m.windowN == 0 {
		stats.SuccessRate = 1.0
		return stats
	}

	successes := 0
	var totalLatency time.Duration
	for i := 0; i < m.windowN; i++ {
		o := m.window[i]
		if o.healthy {
			successes++
			totalLatency += o.latency
		} else {
			stats.RecentFailures++
		}
	}

	stats.SuccessRate = float64(successes) / float64(m.windowN)
	if successes > 0 {
		stats.AverageLatency = totalLatency / time.Duration(successes)
	}
	return stats
}

// IsPrimaryHealthy reports the current primary verdict.
func (m *Monitor) IsPrimaryHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primaryHealthy
}

// Replicas returns the last observed state of every configured replica.
func (m *Monitor) Replicas() []ReplicaHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ReplicaHealth, 0, len(m.replicaHealth))
	for _, r := range m.replicaHealth {
		out = append(out, r)
	}
	return out
}

// ActiveReplica returns a replica eligible to serve reads: last probe
// healthy and within the staleness window.
func (m *Monitor) ActiveReplica() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-m.config.StalenessWindow)
	for id, r := range m.replicaHealth {
		if r.Healthy && r.LastChecked.After(cutoff) {
			return id, true
		}
	}
	return "", false
}

// HasHealthyReplica reports whether any replica is currently eligible.
func (m *Monitor) HasHealthyReplica() bool {
	_, ok := m.ActiveReplica()
	return ok
}

// Diagnostics returns the probe ring buffer, oldest first.
func (m *Monitor) Diagnostics() []ProbeResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ProbeResult, 0, m.diagN)
	if m.diagN < len(m.diagnostics) {
		out = append(out, m.diagnostics[:m.diagN]...)
		return out
	}
	out = append(out, m.diagnostics[m.diagAt:]...)
	out = append(out, m.diagnostics[:m.diagAt]...)
	return out
}
