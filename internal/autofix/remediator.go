package autofix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/openelectorate/pollstation/internal/audit"
	"github.com/openelectorate/pollstation/internal/auth"
	"github.com/openelectorate/pollstation/internal/suggest"
	"go.uber.org/zap"
)

// Outcome is the result of one successful apply.
type Outcome struct {
	ID         uuid.UUID `json:"id"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	ApprovedBy string    `json:"approvedBy"`
}

// BatchItem is the per-suggestion result of a batch apply.
type BatchItem struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Remediator applies suggestions behind the gate pipeline. Each apply
// runs the kind-specific fix and verification inside a single
// transaction; the OPEN to APPLIED transition is a compare-and-set in
// that transaction, so a concurrent second apply observes a non-OPEN
// row and rejects.
type Remediator struct {
	db       *sql.DB
	store    *suggest.Store
	policies *PolicyStore
	fixers   Registry
	pipeline *Pipeline
	audit    *audit.Service
	logger   *zap.Logger
}

// NewRemediator wires the apply path.
func NewRemediator(db *sql.DB, store *suggest.Store, policies *PolicyStore, fixers Registry,
	pipeline *Pipeline, auditor *audit.Service, logger *zap.Logger) *Remediator {
	if fixers == nil {
		fixers = DefaultRegistry()
	}
	return &Remediator{
		db:       db,
		store:    store,
		policies: policies,
		fixers:   fixers,
		pipeline: pipeline,
		audit:    auditor,
		logger:   logger,
	}
}

// Preview loads a suggestion and reports whether it can be fixed,
// without mutating anything.
func (r *Remediator) Preview(ctx context.Context, id uuid.UUID) (*suggest.Suggestion, bool, error) {
	sg, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	_, autofixable := r.fixers[sg.Kind]
	return sg, autofixable, nil
}

// Apply runs the full gate chain and, if every gate passes, executes
// the fix transactionally. At most one apply per suggestion id ever
// succeeds. The identity gates run before the suggestion is loaded:
// a caller who cannot pass them never learns whether an id exists.
func (r *Remediator) Apply(ctx context.Context, id uuid.UUID, principal *auth.Principal, approvedBy string) (*Outcome, *GateError) {
	req := &Request{Principal: principal, ApprovedBy: approvedBy}
	if gateErr := r.pipeline.RunIdentity(ctx, req); gateErr != nil {
		return nil, gateErr
	}

	sg, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, suggest.ErrNotFound) {
			return nil, &GateError{Kind: "not_found", Status: http.StatusNotFound,
				Message: "suggestion not found"}
		}
		if !r.pipeline.Healthy() {
			return nil, &GateError{Kind: KindSystemUnhealthy, Status: http.StatusServiceUnavailable,
				Message: "system is unhealthy; mutations are suspended"}
		}
		return nil, r.internalError(err)
	}

	req.Suggestion = sg
	if gateErr := r.pipeline.Run(ctx, req); gateErr != nil {
		r.auditRejection(ctx, sg, principal, gateErr)
		return nil, gateErr
	}

	if sg.Status != suggest.StatusOpen {
		return nil, &GateError{Kind: KindNotOpen, Status: http.StatusConflict,
			Message: fmt.Sprintf("suggestion is %s, not OPEN", sg.Status)}
	}

	fixer, ok := r.fixers[sg.Kind]
	if !ok {
		return nil, &GateError{Kind: KindNotAutofixable, Status: http.StatusUnprocessableEntity,
			Message: fmt.Sprintf("no fix procedure for kind %s", sg.Kind)}
	}

	if gateErr := r.applyFix(ctx, sg, fixer, principal.Email); gateErr != nil {
		return nil, gateErr
	}

	if r.audit != nil {
		r.audit.LogEvent(ctx, &audit.Event{
			Actor:     principal.Email,
			EventType: audit.EventTypeSuggestionApplied,
			Resource:  sg.ID.String(),
			Result:    audit.ResultSuccess,
			Detail:    sg.Message,
			Metadata:  map[string]interface{}{"kind": sg.Kind, "severity": sg.Severity},
		})
	}

	return &Outcome{ID: sg.ID, Kind: sg.Kind, Status: "applied", ApprovedBy: approvedBy}, nil
}

// applyFix executes fix + verification + status CAS in one transaction.
// Any failure rolls the transaction back and marks the suggestion
// FAILED with the error retained; internal detail never reaches the
// caller.
func (r *Remediator) applyFix(ctx context.Context, sg *suggest.Suggestion, fixer Fixer, actedBy string) *GateError {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return r.internalError(err)
	}

	fail := func(cause error) *GateError {
		_ = tx.Rollback()

		// Seed problems are caller-visible; database errors are not.
		var gateErr *GateError
		if errors.As(cause, &gateErr) {
			return gateErr
		}

		if markErr := r.store.MarkFailed(ctx, sg.ID, actedBy, cause.Error()); markErr != nil && r.logger != nil {
			r.logger.Error("suggestion not marked failed",
				zap.String("id", sg.ID.String()), zap.Error(markErr))
		}
		if r.audit != nil {
			r.audit.LogEvent(ctx, &audit.Event{
				Actor:     actedBy,
				EventType: audit.EventTypeSuggestionFailed,
				Resource:  sg.ID.String(),
				Result:    audit.ResultFailure,
				Severity:  audit.SeverityWarning,
				Detail:    cause.Error(),
			})
		}
		if r.logger != nil {
			r.logger.Error("suggestion apply failed",
				zap.String("id", sg.ID.String()),
				zap.String("kind", sg.Kind),
				zap.Error(cause))
		}
		return r.internalError(cause)
	}

	if err := fixer.Apply(ctx, tx, sg); err != nil {
		return fail(err)
	}
	if err := fixer.Verify(ctx, tx, sg); err != nil {
		return fail(err)
	}

	applied, err := r.store.MarkApplied(ctx, tx, sg.ID, actedBy)
	if err != nil {
		return fail(err)
	}
	if !applied {
		// Lost the race: another apply got there first.
		_ = tx.Rollback()
		return &GateError{Kind: KindNotOpen, Status: http.StatusConflict,
			Message: "suggestion was already acted on"}
	}

	if err := r.policies.IncrementApplied(ctx, tx, sg.Kind); err != nil {
		return fail(err)
	}

	if err := tx.Commit(); err != nil {
		return fail(err)
	}
	return nil
}

// ApplyBatch applies each suggestion independently: one failure never
// aborts the rest. Request-level gates run once; the policy and health
// gates re-run per suggestion, health always fresh.
func (r *Remediator) ApplyBatch(ctx context.Context, ids []uuid.UUID, principal *auth.Principal, approvedBy string) ([]BatchItem, *GateError) {
	// Gates that do not depend on the suggestion run once for the
	// whole batch, preserving the chain order among themselves.
	req := &Request{Principal: principal, ApprovedBy: approvedBy}
	if gateErr := r.pipeline.Run(ctx, req); gateErr != nil {
		return nil, gateErr
	}

	items := make([]BatchItem, 0, len(ids))
	for _, id := range ids {
		outcome, gateErr := r.Apply(ctx, id, principal, approvedBy)
		item := BatchItem{ID: id.String()}
		if gateErr != nil {
			item.Status = "rejected"
			item.Error = gateErr.Kind
		} else {
			item.Status = outcome.Status
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *Remediator) internalError(err error) *GateError {
	if r.logger != nil {
		r.logger.Error("remediation error", zap.Error(err))
	}
	return &GateError{Kind: "fix_failed", Status: http.StatusInternalServerError,
		Message: "fix could not be applied"}
}

func (r *Remediator) auditRejection(ctx context.Context, sg *suggest.Suggestion, principal *auth.Principal, gateErr *GateError) {
	if r.audit == nil {
		return
	}
	actor := ""
	if principal != nil {
		actor = principal.Email
	}
	r.audit.LogEvent(ctx, &audit.Event{
		Actor:     actor,
		EventType: audit.EventTypeSuggestionRejected,
		Resource:  sg.ID.String(),
		Result:    audit.ResultDenied,
		Detail:    gateErr.Kind,
	})
}
