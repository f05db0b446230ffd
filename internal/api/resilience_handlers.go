package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/openelectorate/pollstation/internal/audit"
	"github.com/openelectorate/pollstation/internal/auth"
	"github.com/openelectorate/pollstation/internal/failover"
	"github.com/openelectorate/pollstation/internal/memdb"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.monitor.Status()
	mode := s.controller.Mode()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"storage": map[string]interface{}{
			"mode":                mode.String(),
			"isPrimaryHealthy":    status.PrimaryHealthy,
			"isReadOnly":          s.controller.ReadOnly(),
			"isMemoryOptimized":   mode.MemoryBacked(),
			"consecutiveFailures": status.ConsecutiveFailures,
			"connectionStats":     status.Stats,
			"lastHealthCheck":     status.LastCheck,
		},
		"replicas": s.monitor.Replicas(),
		"orchestration": map[string]interface{}{
			"available":            true,
			"activeRules":          len(s.controller.Rules()),
			"transitionInProgress": s.controller.TransitionInProgress(),
		},
		"failoverHistory": s.controller.History(10),
	})
}

// handleHealthScore renders a 0-100 score with the factors that moved
// it and what an operator should do about them.
func (s *Server) handleHealthScore(w http.ResponseWriter, r *http.Request) {
	status := s.monitor.Status()
	replicas := s.monitor.Replicas()
	mode := s.controller.Mode()

	score := 100.0
	factors := []string{}
	recommendations := []string{}

	if !status.PrimaryHealthy {
		score -= 40
		factors = append(factors, "primary store is unhealthy")
		recommendations = append(recommendations, "force a reconnect or verify primary connectivity")
	}
	if penalty := float64(status.ConsecutiveFailures) * 5; penalty > 0 {
		if penalty > 20 {
			penalty = 20
		}
		score -= penalty
		factors = append(factors, "recent probe failures")
	}
	for _, replica := range replicas {
		if !replica.Healthy {
			score -= 10
			factors = append(factors, "replica "+replica.ID+" is unhealthy")
		}
	}
	if s.controller.ReadOnly() {
		score -= 10
		factors = append(factors, "global read-only flag is set")
		recommendations = append(recommendations, "clear the read-only flag once the incident is resolved")
	}
	if mode != failover.ModeDatabase {
		score -= 15
		factors = append(factors, "operating in "+mode.String()+" mode")
		recommendations = append(recommendations, "return to database mode once the primary recovers")
	}
	if score < 0 {
		score = 0
	}

	healthStatus := "healthy"
	switch {
	case score < 50:
		healthStatus = "critical"
	case score < 80:
		healthStatus = "degraded"
	}

	s.metrics.HealthScore.Set(score)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthScore":     score,
		"status":          healthStatus,
		"factors":         factors,
		"recommendations": recommendations,
		"metrics": map[string]interface{}{
			"successRate":         status.Stats.SuccessRate,
			"averageLatencyMs":    status.Stats.AverageLatency.Milliseconds(),
			"recentFailures":      status.Stats.RecentFailures,
			"consecutiveFailures": status.ConsecutiveFailures,
			"replicaCount":        len(replicas),
		},
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetMode string `json:"targetMode"`
		Reason     string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false, "error": "Failover failed", "message": "invalid body",
		})
		return
	}

	target, err := failover.ParseMode(body.TargetMode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false, "error": "Failover failed", "message": err.Error(),
		})
		return
	}

	if err := s.controller.TriggerManual(r.Context(), target, body.Reason); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false, "error": "Failover failed", "message": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"targetMode": target.String(),
		"reason":     body.Reason,
	})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.controller.ForceReconnect(r.Context())

	event := &audit.Event{
		EventType: audit.EventTypeReconnect,
		Result:    audit.ResultSuccess,
		Metadata:  map[string]interface{}{"attempts": attempts},
	}
	if principal, ok := auth.FromContext(r.Context()); ok {
		event.Actor = principal.Email
	}
	if err != nil {
		event.Result = audit.ResultFailure
		event.Severity = audit.SeverityWarning
		event.Detail = err.Error()
	}
	s.auditEvent(r.Context(), event)

	body := map[string]interface{}{
		"success":  err == nil,
		"attempts": attempts,
	}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	// Prefer the durable trail; fall back to the in-memory ring when
	// the store is unreachable.
	events := s.controller.PersistedHistory(r.Context(), limit)
	if events == nil {
		events = s.controller.History(limit)
	}
	if events == nil {
		events = []failover.Event{}
	}

	executions := s.controller.Executions(limit)
	if executions == nil {
		executions = []failover.RuleExecution{}
	}

	successes := 0
	byTrigger := map[string]int{}
	for _, e := range events {
		if e.Success {
			successes++
		}
		byTrigger[e.Trigger]++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"failoverEvents":          events,
		"orchestrationExecutions": executions,
		"summary": map[string]interface{}{
			"total":      len(events),
			"successful": successes,
			"failed":     len(events) - successes,
			"byTrigger":  byTrigger,
		},
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": s.controller.Rules(),
	})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
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

	if err := validateBody(ruleUpdateValidator, body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok": false, "error": err.Error(),
		})
		return
	}

	var patch failover.RulePatch
	if err := json.Unmarshal(body, &patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok": false, "error": "invalid body",
		})
		return
	}

	view, err := s.controller.UpdateRule(mux.Vars(r)["id"], patch)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok": false, "error": err.Error(),
		})
		return
	}

	s.auditEvent(r.Context(), &audit.Event{
		Actor:     principal.Email,
		EventType: audit.EventTypeRuleUpdated,
		Resource:  view.ID,
		Result:    audit.ResultSuccess,
		Metadata:  map[string]interface{}{"enabled": view.Enabled, "priority": view.Priority},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "rule": view,
	})
}

// handleAuditQuery serves the cross-cutting audit trail, newest first,
// optionally filtered by event type.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		writeJSON(w, http.StatusServiceUnavailable, degradedBody())
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.auditor.Query(r.Context(),
		audit.EventType(r.URL.Query().Get("eventType")), limit)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, degradedBody())
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleEngineMetrics(w http.ResponseWriter, r *http.Request) {
	status := s.monitor.Status()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":                s.controller.Mode().String(),
		"requestsTotal":       atomic.LoadInt64(&s.requestCount),
		"uptimeSeconds":       time.Since(s.startTime).Seconds(),
		"successRate":         status.Stats.SuccessRate,
		"averageLatencyMs":    status.Stats.AverageLatency.Milliseconds(),
		"consecutiveFailures": status.ConsecutiveFailures,
		"failoverCount":       len(s.controller.History(0)),
	})
}

// handleElections serves the in-memory election snapshot. This is the
// read path that keeps the dashboard alive in the memory modes; while
// the primary is healthy it reflects the last background refresh.
func (s *Server) handleElections(w http.ResponseWriter, r *http.Request) {
	if s.fallback == nil {
		writeJSON(w, http.StatusServiceUnavailable, degradedBody())
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	items := s.fallback.List(limit)
	if items == nil {
		items = []memdb.ElectionSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"mode":        s.controller.Mode().String(),
		"source":      "memory",
		"lastRefresh": s.fallback.LastRefresh(),
		"items":       items,
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"probes":        s.monitor.Diagnostics(),
		"uptimeSeconds": time.Since(s.startTime).Seconds(),
	}

	if s.fallback != nil {
		body["cache"] = s.fallback.Stats()
	}

	host := map[string]interface{}{}
	if vm, err := mem.VirtualMemory(); err == nil {
		host["memoryUsedPercent"] = vm.UsedPercent
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		host["cpuPercent"] = percents[0]
	}
	if avg, err := load.Avg(); err == nil {
		host["loadAvg1"] = avg.Load1
	}
	body["host"] = host

	writeJSON(w, http.StatusOK, body)
}
