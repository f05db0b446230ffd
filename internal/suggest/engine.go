package suggest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config tunes the detection tasks.
type Config struct {
	// MinCandidates is the minimum expected candidate count for a race.
	MinCandidates int
	// MunicipalMonths are the months a municipal election is expected
	// to fall in (uniform election dates).
	MunicipalMonths []time.Month
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MinCandidates:   2,
		MunicipalMonths: []time.Month{time.May, time.November},
	}
}

// Engine runs the named detection tasks against the store and
// materializes suggestions grouped under a run.
type Engine struct {
	db     *sql.DB
	store  *Store
	config Config
	logger *zap.Logger
}

// NewEngine creates a detection engine.
func NewEngine(db *sql.DB, store *Store, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MinCandidates <= 0 {
		cfg.MinCandidates = 2
	}
	if len(cfg.MunicipalMonths) == 0 {
		cfg.MunicipalMonths = []time.Month{time.May, time.November}
	}
	return &Engine{db: db, store: store, config: cfg, logger: logger}
}

// TaskNames lists the detection tasks in execution order.
func (e *Engine) TaskNames() []string {
	return []string{"congress_counts", "min_candidates", "date_drift", "municipal_pattern"}
}

// Run executes every detection task once. Each task is independent: a
// failing task is logged and skipped without aborting the pass.
// Detection never mutates domain data.
func (e *Engine) Run(ctx context.Context, trigger string) (*TaskRun, []*Suggestion, error) {
	run, err := e.store.CreateRun(ctx, trigger, e.TaskNames())
	if err != nil {
		return nil, nil, fmt.Errorf("create detection run: %w", err)
	}

	tasks := []struct {
		name string
		fn   func(ctx context.Context) ([]*Suggestion, error)
	}{
		{"congress_counts", e.detectCongressMismatches},
		{"min_candidates", e.detectCandidateShortfalls},
		{"date_drift", e.detectDateDrift},
		{"municipal_pattern", e.detectMunicipalAnomalies},
	}

	var created []*Suggestion
	for _, t := range tasks {
		found, err := t.fn(ctx)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("detection task failed",
					zap.String("task", t.name), zap.Error(err))
			}
			continue
		}

		for _, sg := range found {
			sg.RunID = run.RunID
			if err := e.store.Insert(ctx, sg); err != nil {
				if e.logger != nil {
					e.logger.Warn("suggestion not recorded",
						zap.String("task", t.name), zap.Error(err))
				}
				continue
			}
			created = append(created, sg)
		}
	}

	if err := e.store.FinishRun(ctx, run.RunID); err != nil && e.logger != nil {
		e.logger.Warn("detection run not finalized", zap.Error(err))
	}

	return run, created, nil
}

// severityForDelta scales congressional-count severity by the magnitude
// of the deviation from the baseline.
func severityForDelta(delta int) Severity {
	if delta < 0 {
		delta = -delta
	}
	switch {
	case delta >= 5:
		return SeverityCritical
	case delta >= 3:
		return SeverityHigh
	case delta >= 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// detectCongressMismatches cross-references actual delegation counts
// against the known-good baseline per state and chamber.
func (e *Engine) detectCongressMismatches(ctx context.Context) ([]*Suggestion, error) {
	query := `
		SELECT b.state, b.chamber, b.expected_count, COUNT(l.id) AS actual
		FROM delegation_baseline b
		LEFT JOIN legislators l
			ON l.state = b.state AND l.chamber = b.chamber AND l.in_office
		GROUP BY b.state, b.chamber, b.expected_count
		HAVING COUNT(l.id) <> b.expected_count
	`
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("congress counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Suggestion
	for rows.Next() {
		var state, chamber string
		var expected, actual int
		if err := rows.Scan(&state, &chamber, &expected, &actual); err != nil {
			return nil, err
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"chamber":  chamber,
			"expected": expected,
			"actual":   actual,
		})
		out = append(out, &Suggestion{
			Kind:     KindCongressMismatch,
			Severity: severityForDelta(actual - expected),
			State:    state,
			Message: fmt.Sprintf("%s %s delegation has %d members, baseline expects %d",
				state, chamber, actual, expected),
			Payload: payload,
		})
	}
	return out, rows.Err()
}

// detectCandidateShortfalls finds upcoming races below the minimum
// expected candidate count.
func (e *Engine) detectCandidateShortfalls(ctx context.Context) ([]*Suggestion, error) {
	query := `
		SELECT e.id, e.state, e.office, COUNT(c.id) AS candidates
		FROM elections e
		LEFT JOIN candidates c ON c.election_id = e.id
		WHERE e.election_date >= NOW()
		GROUP BY e.id, e.state, e.office
		HAVING COUNT(c.id) < $1
	`
	rows, err := e.db.QueryContext(ctx, query, e.config.MinCandidates)
	if err != nil {
		return nil, fmt.Errorf("min candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Suggestion
	for rows.Next() {
		var id, state, office string
		var count int
		if err := rows.Scan(&id, &state, &office, &count); err != nil {
			return nil, err
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"candidateCount": count,
			"minimum":        e.config.MinCandidates,
		})
		out = append(out, &Suggestion{
			Kind:        KindCandidateShortfall,
			Severity:    SeverityCritical,
			ElectionRef: id,
			State:       state,
			Message: fmt.Sprintf("%s race %q has %d candidates, expected at least %d",
				state, office, count, e.config.MinCandidates),
			Payload: payload,
		})
	}
	return out, rows.Err()
}

// detectDateDrift compares the stored election date against the
// authoritative external date. When authority sources disagree, the
// source with the lowest priority number wins.
func (e *Engine) detectDateDrift(ctx context.Context) ([]*Suggestion, error) {
	query := `
		SELECT e.id, e.state, e.election_date, s.source, s.election_date
		FROM elections e
		JOIN LATERAL (
			SELECT source, election_date
			FROM election_date_sources
			WHERE election_id = e.id
			ORDER BY priority ASC
			LIMIT 1
		) s ON TRUE
		WHERE e.election_date <> s.election_date
	`
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("date drift: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Suggestion
	for rows.Next() {
		var id, state, source string
		var stored, authoritative time.Time
		if err := rows.Scan(&id, &state, &stored, &source, &authoritative); err != nil {
			return nil, err
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"storedDate":        stored.Format("2006-01-02"),
			"authoritativeDate": authoritative.Format("2006-01-02"),
			"source":            source,
		})
		out = append(out, &Suggestion{
			Kind:        KindDateDrift,
			Severity:    SeverityHigh,
			ElectionRef: id,
			State:       state,
			Message: fmt.Sprintf("election %s stored date %s drifts from %s per %s",
				id, stored.Format("2006-01-02"), authoritative.Format("2006-01-02"), source),
			Payload: payload,
		})
	}
	return out, rows.Err()
}

// detectMunicipalAnomalies flags municipal elections scheduled outside
// the expected uniform election months.
func (e *Engine) detectMunicipalAnomalies(ctx context.Context) ([]*Suggestion, error) {
	query := `
		SELECT id, state, office, election_date
		FROM elections
		WHERE election_type = 'municipal' AND election_date >= NOW()
	`
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("municipal pattern: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Suggestion
	for rows.Next() {
		var id, state, office string
		var date time.Time
		if err := rows.Scan(&id, &state, &office, &date); err != nil {
			return nil, err
		}

		if e.expectedMunicipalMonth(date.Month()) {
			continue
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"electionDate":   date.Format("2006-01-02"),
			"expectedMonths": e.monthNames(),
		})
		out = append(out, &Suggestion{
			Kind:        KindPatternAnomaly,
			Severity:    SeverityMedium,
			ElectionRef: id,
			State:       state,
			Message: fmt.Sprintf("municipal election %q in %s falls in %s, outside the expected months",
				office, state, date.Month()),
			Payload: payload,
		})
	}
	return out, rows.Err()
}

func (e *Engine) expectedMunicipalMonth(m time.Month) bool {
	for _, expected := range e.config.MunicipalMonths {
		if m == expected {
			return true
		}
	}
	return false
}

func (e *Engine) monthNames() []string {
	names := make([]string, 0, len(e.config.MunicipalMonths))
	for _, m := range e.config.MunicipalMonths {
		names = append(names, m.String())
	}
	return names
}
