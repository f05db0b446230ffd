package failover

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Trigger identifies what initiated a mode transition.
const (
	TriggerManual    = "manual"
	TriggerAutomatic = "automatic"
	TriggerReconnect = "reconnect"
)

// Event is an immutable, append-only record of a mode transition. It is
// never mutated or deleted once recorded.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	FromMode  string    `json:"fromMode"`
	ToMode    string    `json:"toMode"`
	Trigger   string    `json:"trigger"`
	Reason    string    `json:"reason"`
	Success   bool      `json:"success"`
}

// RuleExecution records one automatic rule firing, for the optional
// orchestration history surface.
type RuleExecution struct {
	RuleID    string    `json:"ruleId"`
	RuleName  string    `json:"ruleName"`
	Timestamp time.Time `json:"timestamp"`
	Result    string    `json:"result"`
}

// EventStore persists failover events to the primary store. Appends are
// best-effort: when the primary is the thing that failed, the in-memory
// history in the controller is the surviving record.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an event store over the given handle.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// Append writes one event.
func (s *EventStore) Append(ctx context.Context, e Event) error {
	query := `
		INSERT INTO failover_events (timestamp, from_mode, to_mode, trigger, reason, success)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := s.db.ExecContext(ctx, query,
		e.Timestamp, e.FromMode, e.ToMode, e.Trigger, e.Reason, e.Success); err != nil {
		return fmt.Errorf("insert failover event: %w", err)
	}
	return nil
}

// Recent returns the most recent events, newest first.
func (s *EventStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT timestamp, from_mode, to_mode, trigger, reason, success
		FROM failover_events
		ORDER BY timestamp DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query failover events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Timestamp, &e.FromMode, &e.ToMode, &e.Trigger, &e.Reason, &e.Success); err != nil {
			return nil, fmt.Errorf("scan failover event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
