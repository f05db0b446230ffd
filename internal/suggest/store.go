package suggest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a suggestion id does not exist.
var ErrNotFound = errors.New("suggestion not found")

// Store persists suggestions and task runs.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over the given handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateRun opens a new detection run.
func (s *Store) CreateRun(ctx context.Context, trigger string, tasks []string) (*TaskRun, error) {
	run := &TaskRun{
		RunID:     uuid.New(),
		Trigger:   trigger,
		Tasks:     tasks,
		StartedAt: time.Now(),
	}

	query := `INSERT INTO bot_task_runs (run_id, trigger, tasks, started_at) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, query, run.RunID, run.Trigger, pq.Array(run.Tasks), run.StartedAt); err != nil {
		return nil, fmt.Errorf("insert task run: %w", err)
	}
	return run, nil
}

// FinishRun stamps the run as complete.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID) error {
	query := `UPDATE bot_task_runs SET finished_at = NOW() WHERE run_id = $1`
	if _, err := s.db.ExecContext(ctx, query, runID); err != nil {
		return fmt.Errorf("finish task run: %w", err)
	}
	return nil
}

// Insert creates a suggestion. Suggestions are created only by
// detection runs.
func (s *Store) Insert(ctx context.Context, sg *Suggestion) error {
	if sg.ID == uuid.Nil {
		sg.ID = uuid.New()
	}
	if sg.Status == "" {
		sg.Status = StatusOpen
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO bot_suggestions (id, run_id, kind, severity, election_ref, state, message, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		sg.ID, sg.RunID, sg.Kind, sg.Severity,
		nullString(sg.ElectionRef), nullString(sg.State),
		sg.Message, nullBytes(sg.Payload), sg.Status, sg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert suggestion: %w", err)
	}
	return nil
}

// Get loads one suggestion by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Suggestion, error) {
	query := `
		SELECT id, run_id, kind, severity, election_ref, state, message, payload, status, error, acted_at, acted_by, created_at
		FROM bot_suggestions
		WHERE id = $1
	`
	return scanSuggestion(s.db.QueryRowContext(ctx, query, id))
}

// ListByStatus returns suggestions in the given state, newest first.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]*Suggestion, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, run_id, kind, severity, election_ref, state, message, payload, status, error, acted_at, acted_by, created_at
		FROM bot_suggestions
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query suggestions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// MarkApplied flips OPEN to APPLIED inside the caller's transaction.
// The WHERE clause is the compare-and-set that guarantees at most one
// successful apply per suggestion: it returns false when the row was
// not OPEN.
func (s *Store) MarkApplied(ctx context.Context, tx *sql.Tx, id uuid.UUID, actedBy string) (bool, error) {
	query := `
		UPDATE bot_suggestions
		SET status = 'APPLIED', acted_at = NOW(), acted_by = $2
		WHERE id = $1 AND status = 'OPEN'
	`
	res, err := tx.ExecContext(ctx, query, id, actedBy)
	if err != nil {
		return false, fmt.Errorf("mark applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkFailed records a terminal failure with the error retained. Runs
// outside the apply transaction, after rollback.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, actedBy, errMsg string) error {
	query := `
		UPDATE bot_suggestions
		SET status = 'FAILED', acted_at = NOW(), acted_by = $2, error = $3
		WHERE id = $1 AND status = 'OPEN'
	`
	if _, err := s.db.ExecContext(ctx, query, id, actedBy, errMsg); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSuggestion(row rowScanner) (*Suggestion, error) {
	var (
		sg          Suggestion
		electionRef sql.NullString
		state       sql.NullString
		payload     []byte
		errMsg      sql.NullString
		actedAt     sql.NullTime
		actedBy     sql.NullString
	)

	err := row.Scan(&sg.ID, &sg.RunID, &sg.Kind, &sg.Severity,
		&electionRef, &state, &sg.Message, &payload,
		&sg.Status, &errMsg, &actedAt, &actedBy, &sg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan suggestion: %w", err)
	}

	sg.ElectionRef = electionRef.String
	sg.State = state.String
	sg.Payload = payload
	sg.Error = errMsg.String
	sg.ActedBy = actedBy.String
	if actedAt.Valid {
		sg.ActedAt = &actedAt.Time
	}
	return &sg, nil
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
