package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType represents the type of audit event
type EventType string

const (
	// Failover events
	EventTypeModeTransition EventType = "failover.transition"
	EventTypeReconnect      EventType = "failover.reconnect"
	EventTypeRuleUpdated    EventType = "failover.rule_updated"

	// Autofix events
	EventTypeSuggestionApplied  EventType = "autofix.applied"
	EventTypeSuggestionFailed   EventType = "autofix.failed"
	EventTypeSuggestionRejected EventType = "autofix.rejected"
	EventTypePolicyUpdated      EventType = "autofix.policy_updated"

	// Detection events
	EventTypeDetectionRun EventType = "detect.run"
)

// Result represents the result of an operation
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultDenied  Result = "denied"
)

// Severity represents the severity of an audit event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a single audit record.
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"`
	EventType EventType              `json:"eventType"`
	Resource  string                 `json:"resource,omitempty"`
	Result    Result                 `json:"result"`
	Severity  Severity               `json:"severity"`
	Detail    string                 `json:"detail,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Service writes and queries the audit trail.
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService creates an audit service.
func NewService(db *sql.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// LogEvent records an audit event. Auditing is best-effort: a write
// failure is logged and never fails the audited operation.
func (s *Service) LogEvent(ctx context.Context, event *Event) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	var metadataJSON []byte
	if event.Metadata != nil {
		metadataJSON, _ = json.Marshal(event.Metadata)
	}

	query := `
		INSERT INTO audit_logs (id, timestamp, actor, event_type, resource, result, severity, detail, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.Timestamp, nullString(event.Actor), event.EventType,
		nullString(event.Resource), event.Result, event.Severity,
		nullString(event.Detail), nullBytes(metadataJSON))
	if err != nil && s.logger != nil {
		s.logger.Warn("audit event not recorded",
			zap.String("event_type", string(event.EventType)), zap.Error(err))
	}
}

// Query retrieves audit events, newest first, optionally filtered by
// event type.
func (s *Service) Query(ctx context.Context, eventType EventType, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id, timestamp, actor, event_type, resource, result, severity, detail, metadata
		FROM audit_logs
	`
	args := []interface{}{}
	if eventType != "" {
		query += ` WHERE event_type = $1`
		args = append(args, eventType)
	}
	query += fmt.Sprintf(` ORDER BY timestamp DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var (
			e        Event
			actor    sql.NullString
			resource sql.NullString
			detail   sql.NullString
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &actor, &e.EventType,
			&resource, &e.Result, &e.Severity, &detail, &metadata); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Actor = actor.String
		e.Resource = resource.String
		e.Detail = detail.String
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &e.Metadata)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
