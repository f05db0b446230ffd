package autofix

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openelectorate/pollstation/internal/suggest"
)

// Policy governs whether, and up to what severity, a suggestion kind
// may be auto-remediated. Mutated only through an explicit admin
// update.
type Policy struct {
	Kind               string           `json:"kind"`
	AutoFixEnabled     bool             `json:"autoFixEnabled"`
	AutoFixMaxSeverity suggest.Severity `json:"autoFixMaxSeverity"`
	HasFixSQL          bool             `json:"hasFixSql"`
	HasVerification    bool             `json:"hasVerification"`
	AppliedCount       int              `json:"appliedCount"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// Allows reports whether the policy permits auto-fixing the given
// severity.
func (p *Policy) Allows(severity suggest.Severity) bool {
	return p.AutoFixEnabled && severity.Rank() <= p.AutoFixMaxSeverity.Rank()
}

// PolicyStore persists per-kind autofix policies.
type PolicyStore struct {
	db *sql.DB
}

// NewPolicyStore creates a policy store.
func NewPolicyStore(db *sql.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// Get loads the policy for a kind. Returns nil when the kind has no
// policy row.
func (s *PolicyStore) Get(ctx context.Context, kind string) (*Policy, error) {
	query := `
		SELECT kind, auto_fix_enabled, auto_fix_max_severity, has_fix_sql, has_verification, applied_count, updated_at
		FROM autofix_policies
		WHERE kind = $1
	`
	var p Policy
	err := s.db.QueryRowContext(ctx, query, kind).Scan(
		&p.Kind, &p.AutoFixEnabled, &p.AutoFixMaxSeverity,
		&p.HasFixSQL, &p.HasVerification, &p.AppliedCount, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query policy: %w", err)
	}
	return &p, nil
}

// List returns every policy.
func (s *PolicyStore) List(ctx context.Context) ([]*Policy, error) {
	query := `
		SELECT kind, auto_fix_enabled, auto_fix_max_severity, has_fix_sql, has_verification, applied_count, updated_at
		FROM autofix_policies
		ORDER BY kind
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.Kind, &p.AutoFixEnabled, &p.AutoFixMaxSeverity,
			&p.HasFixSQL, &p.HasVerification, &p.AppliedCount, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Update upserts the admin-settable fields of a kind's policy.
func (s *PolicyStore) Update(ctx context.Context, kind string, enabled bool, maxSeverity suggest.Severity) (*Policy, error) {
	query := `
		INSERT INTO autofix_policies (kind, auto_fix_enabled, auto_fix_max_severity, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (kind) DO UPDATE
		SET auto_fix_enabled = $2, auto_fix_max_severity = $3, updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, kind, enabled, maxSeverity); err != nil {
		return nil, fmt.Errorf("update policy: %w", err)
	}
	return s.Get(ctx, kind)
}

// SetProcedures records which fix procedures are registered for a kind.
// Called at startup from the fixer registry.
func (s *PolicyStore) SetProcedures(ctx context.Context, kind string, hasFix, hasVerification bool) error {
	query := `
		INSERT INTO autofix_policies (kind, has_fix_sql, has_verification, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (kind) DO UPDATE
		SET has_fix_sql = $2, has_verification = $3, updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, kind, hasFix, hasVerification); err != nil {
		return fmt.Errorf("set policy procedures: %w", err)
	}
	return nil
}

// IncrementApplied bumps the applied counter inside the apply
// transaction.
func (s *PolicyStore) IncrementApplied(ctx context.Context, tx *sql.Tx, kind string) error {
	query := `UPDATE autofix_policies SET applied_count = applied_count + 1 WHERE kind = $1`
	if _, err := tx.ExecContext(ctx, query, kind); err != nil {
		return fmt.Errorf("increment applied count: %w", err)
	}
	return nil
}
