package failover

import (
	"time"

	"github.com/openelectorate/pollstation/internal/health"
)

// Condition names a trigger condition evaluated against the live health
// snapshot on every monitor tick.
type Condition string

const (
	// CondPrimaryUnhealthy matches once the primary has crossed its
	// failure threshold.
	CondPrimaryUnhealthy Condition = "primary_unhealthy"
	// CondAllStoresUnhealthy matches when neither the primary nor any
	// replica is eligible to serve.
	CondAllStoresUnhealthy Condition = "all_stores_unhealthy"
	// CondPrimaryRecovered matches when the primary is healthy again
	// while the system is not in database mode.
	CondPrimaryRecovered Condition = "primary_recovered"
	// CondReplicaUnhealthy matches in replica mode when the replica
	// being served from is no longer eligible.
	CondReplicaUnhealthy Condition = "replica_unhealthy"
)

// Rule defines one automatic failover behavior. Rules are evaluated in
// ascending priority order; the first match fires. A rule that fired
// cannot fire again until its cooldown has elapsed.
type Rule struct {
	ID            string
	Name          string
	Condition     Condition
	TargetMode    Mode
	Priority      int
	Enabled       bool
	Cooldown      time.Duration
	LastTriggered time.Time
}

// RuleView is the wire representation of a rule.
type RuleView struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	TriggerCondition Condition  `json:"triggerCondition"`
	TargetMode       string     `json:"targetMode"`
	Priority         int        `json:"priority"`
	Enabled          bool       `json:"enabled"`
	CooldownMs       int64      `json:"cooldownMs"`
	LastTriggered    *time.Time `json:"lastTriggered,omitempty"`
}

// View renders the rule for API responses.
func (r *Rule) View() RuleView {
	v := RuleView{
		ID:               r.ID,
		Name:             r.Name,
		TriggerCondition: r.Condition,
		TargetMode:       r.TargetMode.String(),
		Priority:         r.Priority,
		Enabled:          r.Enabled,
		CooldownMs:       r.Cooldown.Milliseconds(),
	}
	if !r.LastTriggered.IsZero() {
		t := r.LastTriggered
		v.LastTriggered = &t
	}
	return v
}

// snapshot is the input to rule evaluation: primary health plus replica
// eligibility at a single instant.
type snapshot struct {
	status     health.Status
	replicaOK  bool
	activeMode Mode
}

// matches evaluates the rule condition against a snapshot.
func (r *Rule) matches(s snapshot) bool {
	switch r.Condition {
	case CondPrimaryUnhealthy:
		return !s.status.PrimaryHealthy && s.activeMode == ModeDatabase && s.replicaOK
	case CondAllStoresUnhealthy:
		return !s.status.PrimaryHealthy && !s.replicaOK && !s.activeMode.MemoryBacked()
	case CondPrimaryRecovered:
		return s.status.PrimaryHealthy && s.activeMode != ModeDatabase && s.activeMode != ModeReadOnly
	case CondReplicaUnhealthy:
		return s.activeMode == ModeReplica && !s.replicaOK
	default:
		return false
	}
}

// coolingDown reports whether the rule is still inside its cooldown.
func (r *Rule) coolingDown(now time.Time) bool {
	if r.LastTriggered.IsZero() || r.Cooldown <= 0 {
		return false
	}
	return now.Sub(r.LastTriggered) < r.Cooldown
}

// DefaultRules seeds the rule set the controller starts with. Rules are
// only ever mutated through an explicit update, never created implicitly.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			ID:         "primary-to-replica",
			Name:       "Fail over to replica when primary is down",
			Condition:  CondPrimaryUnhealthy,
			TargetMode: ModeReplica,
			Priority:   10,
			Enabled:    true,
			Cooldown:   30 * time.Second,
		},
		{
			ID:         "all-down-to-memory",
			Name:       "Serve from memory when no durable store is reachable",
			Condition:  CondAllStoresUnhealthy,
			TargetMode: ModeMemoryOptimized,
			Priority:   20,
			Enabled:    true,
			Cooldown:   30 * time.Second,
		},
		{
			ID:         "replica-lost-to-memory",
			Name:       "Drop to memory when the serving replica is lost",
			Condition:  CondReplicaUnhealthy,
			TargetMode: ModeMemoryOptimized,
			Priority:   30,
			Enabled:    true,
			Cooldown:   30 * time.Second,
		},
		{
			ID:         "recover-to-database",
			Name:       "Return to primary once it is healthy again",
			Condition:  CondPrimaryRecovered,
			TargetMode: ModeDatabase,
			Priority:   40,
			Enabled:    true,
			Cooldown:   10 * time.Second,
		},
	}
}
