package autofix

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/openelectorate/pollstation/internal/suggest"
)

// Fixer is the kind-specific remediation procedure: a fix executed
// inside the apply transaction followed by an immediate verification
// check. The transaction commits only if verification passes.
type Fixer interface {
	// Apply mutates data to correct the detected problem.
	Apply(ctx context.Context, tx *sql.Tx, s *suggest.Suggestion) error
	// Verify re-checks the corrected state inside the same transaction.
	Verify(ctx context.Context, tx *sql.Tx, s *suggest.Suggestion) error
}

// Registry maps suggestion kinds to their fix procedures. A kind
// without an entry is not auto-fixable.
type Registry map[string]Fixer

// DefaultRegistry returns the built-in fixers. Only date drift has a
// safe mechanical fix; the other kinds need a human.
func DefaultRegistry() Registry {
	return Registry{
		suggest.KindDateDrift: dateDriftFixer{},
	}
}

// dateDriftPayload is the remediation seed carried by DATE_DRIFT
// suggestions.
type dateDriftPayload struct {
	StoredDate        string `json:"storedDate"`
	AuthoritativeDate string `json:"authoritativeDate"`
	Source            string `json:"source"`
}

// dateDriftFixer rewrites the stored election date to the
// authoritative one named in the suggestion payload.
type dateDriftFixer struct{}

func (dateDriftFixer) seed(s *suggest.Suggestion) (*dateDriftPayload, *GateError) {
	if len(s.Payload) == 0 {
		return nil, &GateError{Kind: KindNoSeed, Status: http.StatusUnprocessableEntity,
			Message: "suggestion carries no remediation payload"}
	}
	var p dateDriftPayload
	if err := json.Unmarshal(s.Payload, &p); err != nil || p.AuthoritativeDate == "" {
		return nil, &GateError{Kind: KindNoSeed, Status: http.StatusUnprocessableEntity,
			Message: "remediation payload is missing the authoritative date"}
	}
	return &p, nil
}

func (f dateDriftFixer) Apply(ctx context.Context, tx *sql.Tx, s *suggest.Suggestion) error {
	p, gateErr := f.seed(s)
	if gateErr != nil {
		return gateErr
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE elections SET election_date = $1, updated_at = NOW() WHERE id = $2`,
		p.AuthoritativeDate, s.ElectionRef)
	if err != nil {
		return fmt.Errorf("apply date fix: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("election %s not found", s.ElectionRef)
	}
	return nil
}

func (f dateDriftFixer) Verify(ctx context.Context, tx *sql.Tx, s *suggest.Suggestion) error {
	p, gateErr := f.seed(s)
	if gateErr != nil {
		return gateErr
	}

	var matches bool
	err := tx.QueryRowContext(ctx,
		`SELECT election_date = $1::date FROM elections WHERE id = $2`,
		p.AuthoritativeDate, s.ElectionRef).Scan(&matches)
	if err != nil {
		return fmt.Errorf("verify date fix: %w", err)
	}
	if !matches {
		return fmt.Errorf("election %s date does not match the authoritative date after fix", s.ElectionRef)
	}
	return nil
}
