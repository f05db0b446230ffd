package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/openelectorate/pollstation/internal/audit"
	"github.com/openelectorate/pollstation/internal/auth"
	"github.com/openelectorate/pollstation/internal/suggest"
)

// autofixRoutes builds the remediation sub-API. Read endpoints degrade
// explicitly when the primary is down; apply endpoints are NOT behind
// the write guard because the gate pipeline owns their ordering (an
// unauthenticated caller must see 401 before any health 503).
func (s *Server) autofixRoutes() http.Handler {
	r := chi.NewRouter()

	r.Route("/api/v1/autofix", func(r chi.Router) {
		r.Get("/candidates", s.handleCandidates)
		r.Get("/preview/{id}", s.handlePreview)
		r.Post("/apply/{id}", s.handleApply)
		r.Post("/batch", s.handleApplyBatch)
		r.Get("/policies", s.handleListPolicies)

		r.Group(func(r chi.Router) {
			r.Use(WriteGuard(s.controller))
			r.Put("/policies/{kind}", s.handleUpdatePolicy)
			r.Post("/detect", s.handleDetect)
		})
	})

	return r
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	if !s.monitor.IsPrimaryHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, degradedBody())
		return
	}

	items, err := s.suggestions.ListByStatus(r.Context(), suggest.StatusOpen, 100)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, degradedBody())
		return
	}
	if items == nil {
		items = []*suggest.Suggestion{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "mode": "live", "items": items,
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if !s.monitor.IsPrimaryHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, degradedBody())
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok": false, "error": "invalid suggestion id",
		})
		return
	}

	sg, autofixable, err := s.applier.Preview(r.Context(), id)
	if err != nil {
		if errors.Is(err, suggest.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{
				"ok": false, "error": "suggestion not found",
			})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, degradedBody())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"mode": "live",
		"preview": map[string]interface{}{
			"suggestion":  sg,
			"autofixable": autofixable,
		},
	})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok": false, "error": "invalid suggestion id",
		})
		return
	}

	var body struct {
		ApprovedBy string `json:"approvedBy"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"ok": false, "error": "invalid body",
			})
			return
		}
	}

	principal, _ := auth.FromContext(r.Context())
	outcome, gateErr := s.applier.Apply(r.Context(), id, principal, body.ApprovedBy)
	if gateErr != nil {
		s.metrics.RecordApply("unknown", gateErr.Kind)
		writeJSON(w, gateErr.Status, map[string]interface{}{
			"ok": false, "error": gateErr.Kind, "message": gateErr.Message,
		})
		return
	}

	s.metrics.RecordApply(outcome.Kind, "applied")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"id":         outcome.ID,
		"status":     outcome.Status,
		"approvedBy": outcome.ApprovedBy,
	})
}

func (s *Server) handleApplyBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs        []string `json:"ids"`
		ApprovedBy string   `json:"approvedBy"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok": false, "error": "invalid body",
		})
		return
	}
	if len(body.IDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok": false, "error": "ids must not be empty",
		})
		return
	}
	maxBatch := s.config.Autofix.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 25
	}
	if len(body.IDs) > maxBatch {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok": false, "error": fmt.Sprintf("batch exceeds the maximum of %d ids", maxBatch),
		})
		return
	}

	ids := make([]uuid.UUID, 0, len(body.IDs))
	for _, raw := range body.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"ok": false, "error": "invalid suggestion id: " + raw,
			})
			return
		}
		ids = append(ids, id)
	}

	principal, _ := auth.FromContext(r.Context())
	items, gateErr := s.applier.ApplyBatch(r.Context(), ids, principal, body.ApprovedBy)
	if gateErr != nil {
		writeJSON(w, gateErr.Status, map[string]interface{}{
			"ok": false, "error": gateErr.Kind, "message": gateErr.Message,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "items": items,
	})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.policies.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, degradedBody())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "policies": policies,
	})
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"ok": false, "error": "authentication_required",
		})
		return
	}
	if !principal.IsAdmin() {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"ok": false, "error": "insufficient_privileges",
		})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok": false, "error": "invalid body",
		})
		return
	}
	defer func() { _ = r.Body.Close() }()

	if err := validateBody(policyUpdateValidator, body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok": false, "error": err.Error(),
		})
		return
	}

	var patch struct {
		AutoFixEnabled     bool   `json:"autoFixEnabled"`
		AutoFixMaxSeverity string `json:"autoFixMaxSeverity"`
	}
	if err := json.Unmarshal(body, &patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok": false, "error": "invalid body",
		})
		return
	}

	policy, err := s.policies.Update(r.Context(), chi.URLParam(r, "kind"),
		patch.AutoFixEnabled, suggest.Severity(patch.AutoFixMaxSeverity))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"ok": false, "error": "policy update failed",
		})
		return
	}

	s.auditEvent(r.Context(), &audit.Event{
		Actor:     principal.Email,
		EventType: audit.EventTypePolicyUpdated,
		Resource:  policy.Kind,
		Result:    audit.ResultSuccess,
		Metadata: map[string]interface{}{
			"autoFixEnabled":     policy.AutoFixEnabled,
			"autoFixMaxSeverity": policy.AutoFixMaxSeverity,
		},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "policy": policy,
	})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"ok": false, "error": "authentication_required",
		})
		return
	}
	if !principal.IsAdmin() {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"ok": false, "error": "insufficient_privileges",
		})
		return
	}

	run, suggestions, err := s.detector.Run(r.Context(), "manual")
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, degradedBody())
		return
	}

	s.auditEvent(r.Context(), &audit.Event{
		Actor:     principal.Email,
		EventType: audit.EventTypeDetectionRun,
		Resource:  run.RunID.String(),
		Result:    audit.ResultSuccess,
		Metadata:  map[string]interface{}{"suggestions": len(suggestions)},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"run":         run,
		"suggestions": suggestions,
	})
}
