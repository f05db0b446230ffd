package suggest

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity grades a detected integrity problem.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordering weight of a severity; unknown values rank
// above critical so they are never silently allowed through a policy.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return severityRank[SeverityCritical] + 1
}

// Valid reports whether the severity is one of the four known grades.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Status is the lifecycle state of a suggestion. OPEN transitions to
// APPLIED or FAILED exactly once; both are terminal.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusApplied Status = "APPLIED"
	StatusFailed  Status = "FAILED"
)

// Suggestion kinds produced by the detection tasks.
const (
	KindCongressMismatch   = "CONGRESS_MISMATCH"
	KindCandidateShortfall = "CANDIDATE_SHORTFALL"
	KindDateDrift          = "DATE_DRIFT"
	KindPatternAnomaly     = "PATTERN_ANOMALY"
)

// Suggestion is a detected, unresolved data-integrity issue awaiting
// optional auto-remediation.
type Suggestion struct {
	ID          uuid.UUID       `json:"id"`
	RunID       uuid.UUID       `json:"runId"`
	Kind        string          `json:"kind"`
	Severity    Severity        `json:"severity"`
	ElectionRef string          `json:"electionRef,omitempty"`
	State       string          `json:"state,omitempty"`
	Message     string          `json:"message"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Error       string          `json:"error,omitempty"`
	ActedAt     *time.Time      `json:"actedAt,omitempty"`
	ActedBy     string          `json:"actedBy,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// TaskRun groups the suggestions produced by one detection pass.
type TaskRun struct {
	RunID      uuid.UUID  `json:"runId"`
	Trigger    string     `json:"trigger"`
	Tasks      []string   `json:"tasks"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}
