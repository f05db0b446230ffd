package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openelectorate/pollstation/internal/health"
	"go.uber.org/zap"
)

// ErrTransitionInFlight is returned when a second transition is
// requested while one is executing. Callers fail fast rather than
// queue, to avoid oscillation.
var ErrTransitionInFlight = errors.New("transition already in progress")

// Config tunes the controller
type Config struct {
	HistorySize       int
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		HistorySize:       100,
		ReconnectAttempts: 5,
		ReconnectBackoff:  500 * time.Millisecond,
	}
}

// Controller owns the authoritative operating mode. It evaluates
// failover rules on each monitor tick, executes manual and automatic
// transitions, and records the append-only event history.
type Controller struct {
	config  Config
	logger  *zap.Logger
	monitor *health.Monitor
	store   *EventStore // nil when the primary store is not configured

	mu         sync.RWMutex
	mode       Mode
	readOnly   bool
	rules      []*Rule
	history    []Event
	executions []RuleExecution

	// transitionMu serializes transitions. TryLock gives fail-fast
	// semantics: a concurrent transition request is rejected, never
	// queued.
	transitionMu sync.Mutex

	subscribers []func(Event)
}

// NewController creates a controller in database mode with the default
// rule set. store may be nil.
func NewController(monitor *health.Monitor, store *EventStore, cfg Config, logger *zap.Logger) *Controller {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 500 * time.Millisecond
	}

	return &Controller{
		config:  cfg,
		logger:  logger,
		monitor: monitor,
		store:   store,
		mode:    ModeDatabase,
		rules:   DefaultRules(),
	}
}

// Run drives the probe-then-evaluate loop until the context is
// cancelled. It is the single writer for health state and the only
// source of automatic transitions.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := c.monitor.Tick(ctx)
			c.Evaluate(ctx, status)
		}
	}
}

// Evaluate runs the enabled rules in ascending priority order against
// the given health snapshot. The first rule whose condition matches and
// whose cooldown has elapsed fires; at most one rule fires per tick.
func (c *Controller) Evaluate(ctx context.Context, status health.Status) {
	c.mu.Lock()
	snap := snapshot{
		status:     status,
		activeMode: c.mode,
	}
	_, snap.replicaOK = c.monitor.ActiveReplica()

	candidates := make([]*Rule, 0, len(c.rules))
	for _, r := range c.rules {
		if r.Enabled {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })

	now := time.Now()
	var fired *Rule
	for _, r := range candidates {
		if r.coolingDown(now) {
			continue
		}
		if r.matches(snap) {
			fired = r
			break
		}
	}
	c.mu.Unlock()

	if fired == nil {
		return
	}

	err := c.transition(ctx, fired.TargetMode, TriggerAutomatic, fired.Name)

	c.mu.Lock()
	exec := RuleExecution{
		RuleID:    fired.ID,
		RuleName:  fired.Name,
		Timestamp: now,
		Result:    "fired",
	}
	if err != nil {
		exec.Result = "skipped"
	} else {
		fired.LastTriggered = now
	}
	c.executions = append(c.executions, exec)
	if len(c.executions) > c.config.HistorySize {
		c.executions = c.executions[1:]
	}
	c.mu.Unlock()

	if err != nil && c.logger != nil {
		c.logger.Warn("automatic failover skipped",
			zap.String("rule", fired.ID), zap.Error(err))
	}
}

// TriggerManual bypasses rule evaluation and performs the same atomic
// transition plus event recording. It rejects if a transition is
// already in progress.
func (c *Controller) TriggerManual(ctx context.Context, target Mode, reason string) error {
	return c.transition(ctx, target, TriggerManual, reason)
}

// transition is the single path for mode changes. Mutual exclusion is
// enforced with TryLock so a concurrent request fails fast.
func (c *Controller) transition(ctx context.Context, to Mode, trigger, reason string) error {
	if !c.transitionMu.TryLock() {
		return ErrTransitionInFlight
	}
	defer c.transitionMu.Unlock()

	c.mu.Lock()
	from := c.mode
	if from == to {
		c.mu.Unlock()
		return fmt.Errorf("already in mode %s", to)
	}

	c.mode = to
	if to == ModeReadOnly {
		c.readOnly = true
	}

	event := Event{
		Timestamp: time.Now(),
		FromMode:  from.String(),
		ToMode:    to.String(),
		Trigger:   trigger,
		Reason:    reason,
		Success:   true,
	}
	c.history = append(c.history, event)
	if len(c.history) > c.config.HistorySize {
		c.history = c.history[1:]
	}
	subs := make([]func(Event), len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Info("mode transition",
			zap.String("from", event.FromMode),
			zap.String("to", event.ToMode),
			zap.String("trigger", trigger),
			zap.String("reason", reason))
	}

	// Best effort: if the primary is the thing that failed, the
	// in-memory history is the surviving record.
	if c.store != nil {
		if err := c.store.Append(ctx, event); err != nil && c.logger != nil {
			c.logger.Warn("failover event not persisted", zap.Error(err))
		}
	}

	for _, fn := range subs {
		fn(event)
	}

	return nil
}

// ForceReconnect re-probes the primary out of band with bounded,
// increasing backoff. On success the health window is reset and the
// controller transitions back toward database mode. A failed reconnect
// leaves the current mode untouched.
func (c *Controller) ForceReconnect(ctx context.Context) (int, error) {
	attempts := 0
	var lastErr error

	for attempts < c.config.ReconnectAttempts {
		attempts++

		result := c.monitor.ProbePrimary(ctx)
		if result.Healthy {
			c.monitor.RecordRecovery(result.Latency)

			if c.Mode() != ModeDatabase {
				if err := c.transition(ctx, ModeDatabase, TriggerReconnect, "primary reconnected"); err != nil {
					return attempts, err
				}
			}
			return attempts, nil
		}
		lastErr = errors.New(result.Error)

		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		case <-time.After(c.config.ReconnectBackoff * time.Duration(attempts)):
		}
	}

	return attempts, fmt.Errorf("primary unreachable after %d attempts: %w", attempts, lastErr)
}

// Mode returns the current operating mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// ReadOnly reports the global read-only flag.
func (c *Controller) ReadOnly() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readOnly
}

// SetReadOnly toggles the global read-only flag. The flag is
// independent of mode and always wins: mode database with read-only set
// still rejects writes.
func (c *Controller) SetReadOnly(v bool) {
	c.mu.Lock()
	c.readOnly = v
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Info("read-only flag changed", zap.Bool("read_only", v))
	}
}

// WritesAllowed is the single check behind the write guard.
func (c *Controller) WritesAllowed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.readOnly && c.mode.Writable()
}

// SystemHealthy is the final safety gate consulted by the remediator:
// the primary must be healthy and writes must be allowed.
func (c *Controller) SystemHealthy() bool {
	return c.monitor.IsPrimaryHealthy() && c.WritesAllowed()
}

// TransitionInProgress reports whether a transition is executing.
func (c *Controller) TransitionInProgress() bool {
	if c.transitionMu.TryLock() {
		c.transitionMu.Unlock()
		return false
	}
	return true
}

// History returns recent transitions from the in-memory ring, newest
// first. Safe to call concurrently with transitions.
func (c *Controller) History(limit int) []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if limit <= 0 || limit > len(c.history) {
		limit = len(c.history)
	}

	out := make([]Event, 0, limit)
	for i := len(c.history) - 1; i >= len(c.history)-limit; i-- {
		out = append(out, c.history[i])
	}
	return out
}

// Executions returns recent automatic rule firings, newest first.
func (c *Controller) Executions(limit int) []RuleExecution {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if limit <= 0 || limit > len(c.executions) {
		limit = len(c.executions)
	}

	out := make([]RuleExecution, 0, limit)
	for i := len(c.executions) - 1; i >= len(c.executions)-limit; i-- {
		out = append(out, c.executions[i])
	}
	return out
}

// Rules returns the rule set sorted by ascending priority.
func (c *Controller) Rules() []RuleView {
	c.mu.RLock()
	defer c.mu.RUnlock()

	views := make([]RuleView, 0, len(c.rules))
	for _, r := range c.rules {
		views = append(views, r.View())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Priority < views[j].Priority })
	return views
}

// RulePatch carries the mutable rule fields for an update.
type RulePatch struct {
	Enabled    *bool   `json:"enabled,omitempty"`
	Priority   *int    `json:"priority,omitempty"`
	CooldownMs *int64  `json:"cooldownMs,omitempty"`
	TargetMode *string `json:"targetMode,omitempty"`
}

// UpdateRule applies a patch to an existing rule. Rules are never
// created through this path.
func (c *Controller) UpdateRule(id string, patch RulePatch) (RuleView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.rules {
		if r.ID != id {
			continue
		}
		if patch.Enabled != nil {
			r.Enabled = *patch.Enabled
		}
		if patch.Priority != nil {
			r.Priority = *patch.Priority
		}
		if patch.CooldownMs != nil {
			r.Cooldown = time.Duration(*patch.CooldownMs) * time.Millisecond
		}
		if patch.TargetMode != nil {
			mode, err := ParseMode(*patch.TargetMode)
			if err != nil {
				return RuleView{}, err
			}
			r.TargetMode = mode
		}
		return r.View(), nil
	}

	return RuleView{}, fmt.Errorf("rule %q not found", id)
}

// Subscribe registers a listener invoked after every transition.
func (c *Controller) Subscribe(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// PersistedHistory reads the durable event trail, newest first. Returns
// an empty slice when no store is configured or the store is down.
func (c *Controller) PersistedHistory(ctx context.Context, limit int) []Event {
	if c.store == nil {
		return nil
	}
	events, err := c.store.Recent(ctx, limit)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("failover history unavailable from store", zap.Error(err))
		}
		return nil
	}
	return events
}
