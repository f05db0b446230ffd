package autofix

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openelectorate/pollstation/internal/auth"
	"github.com/openelectorate/pollstation/internal/suggest"
)

// Stable error kinds surfaced verbatim with their status codes.
const (
	KindAuthRequired       = "authentication_required"
	KindInsufficientPrivs  = "insufficient_privileges"
	KindPoliciesDisabled   = "policies_disabled"
	KindSeverityNotAllowed = "severity_not_allowed"
	KindApprovalRequired   = "approval_required"
	KindApprovalMismatch   = "approval_mismatch"
	KindSystemUnhealthy    = "system_unhealthy"
	KindNotOpen            = "not_open"
	KindNotAutofixable     = "not_autofixable"
	KindNoSeed             = "no_seed"
)

// GateError is a typed rejection with a stable kind and HTTP status.
type GateError struct {
	Kind    string `json:"error"`
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Request is the input to the gate pipeline.
type Request struct {
	Principal  *auth.Principal
	Suggestion *suggest.Suggestion
	ApprovedBy string
}

// Gate is one ordered check in the apply pipeline. Failure
// short-circuits with a specific status code.
type Gate interface {
	Name() string
	Check(ctx context.Context, req *Request) *GateError
}

// HealthSource is the controller capability the final gate consults.
type HealthSource interface {
	SystemHealthy() bool
}

// authnGate rejects unauthenticated callers.
type authnGate struct{}

func (authnGate) Name() string { return "authentication" }

func (authnGate) Check(_ context.Context, req *Request) *GateError {
	if req.Principal == nil {
		return &GateError{Kind: KindAuthRequired, Status: http.StatusUnauthorized,
			Message: "authentication required"}
	}
	return nil
}

// adminGate rejects principals without elevated privilege.
type adminGate struct{}

func (adminGate) Name() string { return "authorization" }

func (adminGate) Check(_ context.Context, req *Request) *GateError {
	if !req.Principal.IsAdmin() {
		return &GateError{Kind: KindInsufficientPrivs, Status: http.StatusForbidden,
			Message: "admin privilege required"}
	}
	return nil
}

// policyGate rejects kinds with no enabled policy or with a severity
// above the allowed maximum.
type policyGate struct {
	policies *PolicyStore
}

func (policyGate) Name() string { return "policy" }

func (g policyGate) Check(ctx context.Context, req *Request) *GateError {
	if req.Suggestion == nil {
		return nil
	}

	policy, err := g.policies.Get(ctx, req.Suggestion.Kind)
	if err != nil {
		return &GateError{Kind: KindPoliciesDisabled, Status: http.StatusLocked,
			Message: "policy lookup failed"}
	}
	if policy == nil || !policy.AutoFixEnabled {
		return &GateError{Kind: KindPoliciesDisabled, Status: http.StatusLocked,
			Message: fmt.Sprintf("auto-fix is not enabled for kind %s", req.Suggestion.Kind)}
	}
	if !policy.Allows(req.Suggestion.Severity) {
		return &GateError{Kind: KindSeverityNotAllowed, Status: http.StatusLocked,
			Message: fmt.Sprintf("severity %s exceeds the allowed maximum %s",
				req.Suggestion.Severity, policy.AutoFixMaxSeverity)}
	}
	return nil
}

// approvalGate requires an approval attestation whose identity exactly
// matches the authenticated principal. One admin cannot rubber-stamp
// with another's name.
type approvalGate struct{}

func (approvalGate) Name() string { return "approval" }

func (approvalGate) Check(_ context.Context, req *Request) *GateError {
	if req.ApprovedBy == "" {
		return &GateError{Kind: KindApprovalRequired, Status: http.StatusBadRequest,
			Message: "approvedBy is required"}
	}
	if req.ApprovedBy != req.Principal.Email {
		return &GateError{Kind: KindApprovalMismatch, Status: http.StatusForbidden,
			Message: "approvedBy does not match the authenticated principal"}
	}
	return nil
}

// healthGate is the final safety gate. It re-checks the live signal on
// every pass, never a cached value.
type healthGate struct {
	health HealthSource
}

func (healthGate) Name() string { return "health" }

func (g healthGate) Check(_ context.Context, _ *Request) *GateError {
	if !g.health.SystemHealthy() {
		return &GateError{Kind: KindSystemUnhealthy, Status: http.StatusServiceUnavailable,
			Message: "system is unhealthy; mutations are suspended"}
	}
	return nil
}

// Pipeline is the ordered gate chain. A request failing multiple gates
// reports the earliest failing gate's status, never a later one.
type Pipeline struct {
	identity []Gate
	gates    []Gate
	health   HealthSource
}

// NewPipeline builds the standard chain: authentication, authorization,
// policy, approval, health. The safety gate is always last.
func NewPipeline(policies *PolicyStore, health HealthSource) *Pipeline {
	identity := []Gate{authnGate{}, adminGate{}}
	full := append(append([]Gate{}, identity...),
		policyGate{policies: policies},
		approvalGate{},
		healthGate{health: health},
	)
	return &Pipeline{identity: identity, gates: full, health: health}
}

// Run evaluates the gates in order and returns the first failure.
func (p *Pipeline) Run(ctx context.Context, req *Request) *GateError {
	for _, g := range p.gates {
		if err := g.Check(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// RunIdentity evaluates only the identity prefix of the chain:
// authentication, then authorization. Callers run it before loading
// the suggestion so a caller who would fail either gate never learns
// whether an id exists.
func (p *Pipeline) RunIdentity(ctx context.Context, req *Request) *GateError {
	for _, g := range p.identity {
		if err := g.Check(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// Healthy reports the live signal the final safety gate consults.
func (p *Pipeline) Healthy() bool {
	return p.health.SystemHealthy()
}
