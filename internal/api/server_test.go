package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openelectorate/pollstation/internal/audit"
	"github.com/openelectorate/pollstation/internal/auth"
	"github.com/openelectorate/pollstation/internal/autofix"
	"github.com/openelectorate/pollstation/internal/config"
	"github.com/openelectorate/pollstation/internal/failover"
	"github.com/openelectorate/pollstation/internal/health"
	"github.com/openelectorate/pollstation/internal/memdb"
	"github.com/openelectorate/pollstation/internal/suggest"
)

type fakeMonitor struct {
	healthy  bool
	status   health.Status
	replicas []health.ReplicaHealth
}

func (f *fakeMonitor) Status() health.Status             { return f.status }
func (f *fakeMonitor) Replicas() []health.ReplicaHealth  { return f.replicas }
func (f *fakeMonitor) IsPrimaryHealthy() bool            { return f.healthy }
func (f *fakeMonitor) Diagnostics() []health.ProbeResult { return nil }

type fakeController struct {
	mode          failover.Mode
	readOnly      bool
	writesAllowed bool
	healthy       bool
	triggerErr    error
	reconnectErr  error
	attempts      int
	rules         []failover.RuleView
	history       []failover.Event

	triggeredTo failover.Mode
}

func (f *fakeController) Mode() failover.Mode        { return f.mode }
func (f *fakeController) ReadOnly() bool             { return f.readOnly }
func (f *fakeController) WritesAllowed() bool        { return f.writesAllowed }
func (f *fakeController) SystemHealthy() bool        { return f.healthy }
func (f *fakeController) TransitionInProgress() bool { return false }

func (f *fakeController) TriggerManual(_ context.Context, target failover.Mode, _ string) error {
	if f.triggerErr != nil {
		return f.triggerErr
	}
	f.triggeredTo = target
	return nil
}

func (f *fakeController) ForceReconnect(context.Context) (int, error) {
	return f.attempts, f.reconnectErr
}

func (f *fakeController) History(limit int) []failover.Event { return f.history }
func (f *fakeController) PersistedHistory(context.Context, int) []failover.Event {
	return nil
}
func (f *fakeController) Executions(int) []failover.RuleExecution { return nil }
func (f *fakeController) Rules() []failover.RuleView              { return f.rules }

func (f *fakeController) UpdateRule(id string, patch failover.RulePatch) (failover.RuleView, error) {
	for _, r := range f.rules {
		if r.ID == id {
			if patch.Enabled != nil {
				r.Enabled = *patch.Enabled
			}
			return r, nil
		}
	}
	return failover.RuleView{}, assert.AnError
}

type fakeApplier struct{}

func (fakeApplier) Preview(_ context.Context, id uuid.UUID) (*suggest.Suggestion, bool, error) {
	return &suggest.Suggestion{ID: id, Kind: suggest.KindDateDrift, Status: suggest.StatusOpen}, true, nil
}

func (fakeApplier) Apply(_ context.Context, id uuid.UUID, principal *auth.Principal, approvedBy string) (*autofix.Outcome, *autofix.GateError) {
	if principal == nil {
		return nil, &autofix.GateError{Kind: autofix.KindAuthRequired,
			Status: http.StatusUnauthorized, Message: "authentication required"}
	}
	if approvedBy != principal.Email {
		return nil, &autofix.GateError{Kind: autofix.KindApprovalMismatch,
			Status: http.StatusForbidden, Message: "approval mismatch"}
	}
	return &autofix.Outcome{ID: id, Kind: suggest.KindDateDrift,
		Status: "applied", ApprovedBy: approvedBy}, nil
}

func (f fakeApplier) ApplyBatch(ctx context.Context, ids []uuid.UUID, principal *auth.Principal, approvedBy string) ([]autofix.BatchItem, *autofix.GateError) {
	if principal == nil {
		return nil, &autofix.GateError{Kind: autofix.KindAuthRequired,
			Status: http.StatusUnauthorized, Message: "authentication required"}
	}
	items := make([]autofix.BatchItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, autofix.BatchItem{ID: id.String(), Status: "applied"})
	}
	return items, nil
}

type fakeSuggestions struct {
	items []*suggest.Suggestion
	err   error
}

func (f fakeSuggestions) ListByStatus(context.Context, suggest.Status, int) ([]*suggest.Suggestion, error) {
	return f.items, f.err
}

type fakeDetector struct{ err error }

func (f fakeDetector) Run(_ context.Context, trigger string) (*suggest.TaskRun, []*suggest.Suggestion, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return &suggest.TaskRun{RunID: uuid.New(), Trigger: trigger}, nil, nil
}

type fakePolicies struct{}

func (fakePolicies) List(context.Context) ([]*autofix.Policy, error) {
	return []*autofix.Policy{{Kind: suggest.KindDateDrift, AutoFixEnabled: true,
		AutoFixMaxSeverity: suggest.SeverityHigh}}, nil
}

func (fakePolicies) Update(_ context.Context, kind string, enabled bool, maxSeverity suggest.Severity) (*autofix.Policy, error) {
	return &autofix.Policy{Kind: kind, AutoFixEnabled: enabled, AutoFixMaxSeverity: maxSeverity}, nil
}

type fakeAuditor struct {
	events []*audit.Event
}

func (f *fakeAuditor) LogEvent(_ context.Context, event *audit.Event) {
	f.events = append(f.events, event)
}

func (f *fakeAuditor) Query(_ context.Context, eventType audit.EventType, limit int) ([]*audit.Event, error) {
	var out []*audit.Event
	for _, e := range f.events {
		if eventType != "" && e.EventType != eventType {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type serverFixture struct {
	server     *Server
	authsvc    *auth.Service
	monitor    *fakeMonitor
	controller *fakeController
	auditor    *fakeAuditor
}

func newFixture(t *testing.T) *serverFixture {
	t.Helper()

	monitor := &fakeMonitor{
		healthy: true,
		status: health.Status{
			PrimaryHealthy: true,
			Stats:          health.ConnectionStats{SuccessRate: 1.0},
			LastCheck:      time.Now(),
		},
	}
	controller := &fakeController{
		mode:          failover.ModeDatabase,
		writesAllowed: true,
		healthy:       true,
		rules: []failover.RuleView{
			{ID: "primary-to-replica", TargetMode: "replica", Priority: 10, Enabled: true},
		},
	}

	authsvc := auth.NewService("test-secret", time.Hour, "admin@example.com", "")
	auditor := &fakeAuditor{}
	cfg := config.Default()

	s := NewServer(cfg, zap.NewNop(), monitor, controller, fakeApplier{},
		fakeSuggestions{}, fakeDetector{}, fakePolicies{}, auditor, authsvc, memdb.NewStore(10))

	return &serverFixture{server: s, authsvc: authsvc, monitor: monitor,
		controller: controller, auditor: auditor}
}

func (f *serverFixture) adminToken(t *testing.T) string {
	t.Helper()
	token, err := f.authsvc.GenerateToken("admin@example.com", auth.RoleAdmin)
	require.NoError(t, err)
	return token
}

func (f *serverFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestLivenessAlwaysServes(t *testing.T) {
	f := newFixture(t)
	f.monitor.healthy = false

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusShape(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/resilience/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	storage := body["storage"].(map[string]interface{})
	assert.Equal(t, "database", storage["mode"])
	assert.Equal(t, true, storage["isPrimaryHealthy"])
	assert.Equal(t, false, storage["isReadOnly"])
	assert.Equal(t, false, storage["isMemoryOptimized"])

	orchestration := body["orchestration"].(map[string]interface{})
	assert.Equal(t, true, orchestration["available"])
}

func TestTriggerRejectsUnknownMode(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/resilience/trigger", "",
		map[string]string{"targetMode": "turbo", "reason": "test"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Failover failed", body["error"])
}

func TestTriggerSucceeds(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/resilience/trigger", "",
		map[string]string{"targetMode": "memory_optimized", "reason": "drill"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "memory_optimized", body["targetMode"])
	assert.Equal(t, failover.ModeMemoryOptimized, f.controller.triggeredTo)
}

func TestTriggerInFlightReturns400(t *testing.T) {
	f := newFixture(t)
	f.controller.triggerErr = failover.ErrTransitionInFlight

	rec := f.do(t, http.MethodPost, "/api/v1/resilience/trigger", "",
		map[string]string{"targetMode": "replica"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["success"])
}

func TestReconnectReportsFailureWith200(t *testing.T) {
	f := newFixture(t)
	f.controller.attempts = 5
	f.controller.reconnectErr = assert.AnError

	rec := f.do(t, http.MethodPost, "/api/v1/resilience/reconnect", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, float64(5), body["attempts"])
	assert.NotEmpty(t, body["error"])
}

func TestCandidatesDegradedShape(t *testing.T) {
	f := newFixture(t)
	f.monitor.healthy = false

	rec := f.do(t, http.MethodGet, "/api/v1/autofix/candidates", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "Database temporarily unavailable", body["error"])
	assert.Equal(t, "degraded", body["mode"])
}

func TestCandidatesLive(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/autofix/candidates", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "live", body["mode"])
}

func TestApplyUnauthenticated(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/autofix/apply/"+uuid.NewString(), "",
		map[string]string{"approvedBy": "admin@example.com"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authentication_required", decodeBody(t, rec)["error"])
}

func TestApplyAuthenticated(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/autofix/apply/"+uuid.NewString(),
		f.adminToken(t), map[string]string{"approvedBy": "admin@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "applied", body["status"])
	assert.Equal(t, "admin@example.com", body["approvedBy"])
}

func TestApplyInvalidID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/autofix/apply/not-a-uuid",
		f.adminToken(t), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchRejectsEmptyIDs(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/autofix/batch", f.adminToken(t),
		map[string]interface{}{"ids": []string{}, "approvedBy": "admin@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDetectBlockedByWriteGuard(t *testing.T) {
	f := newFixture(t)
	f.controller.writesAllowed = false
	f.controller.mode = failover.ModeReplica

	rec := f.do(t, http.MethodPost, "/api/v1/autofix/detect", f.adminToken(t), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "replica", decodeBody(t, rec)["mode"])
}

func TestDetectRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/autofix/detect", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDetectRuns(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/autofix/detect", f.adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ok"])
}

func TestUpdateRuleRequiresAuth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/resilience/rules/primary-to-replica", "",
		map[string]bool{"enabled": false})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpdateRuleRejectsUnknownField(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/resilience/rules/primary-to-replica",
		f.adminToken(t), map[string]interface{}{"nonsense": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateRuleSucceeds(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/resilience/rules/primary-to-replica",
		f.adminToken(t), map[string]interface{}{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ok"])
}

func TestUpdatePolicyValidatesSeverity(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/autofix/policies/DATE_DRIFT",
		f.adminToken(t), map[string]interface{}{
			"autoFixEnabled":     true,
			"autoFixMaxSeverity": "catastrophic",
		})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdatePolicySucceeds(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/autofix/policies/DATE_DRIFT",
		f.adminToken(t), map[string]interface{}{
			"autoFixEnabled":     true,
			"autoFixMaxSeverity": "high",
		})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	policy := body["policy"].(map[string]interface{})
	assert.Equal(t, "DATE_DRIFT", policy["kind"])
	assert.Equal(t, true, policy["autoFixEnabled"])
}

func TestHealthScoreDegradesWithFailures(t *testing.T) {
	f := newFixture(t)
	f.monitor.status.PrimaryHealthy = false
	f.monitor.status.ConsecutiveFailures = 4
	f.controller.mode = failover.ModeMemoryOptimized

	rec := f.do(t, http.MethodGet, "/api/v1/resilience/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Less(t, body["healthScore"].(float64), 50.0)
	assert.Equal(t, "critical", body["status"])
	assert.NotEmpty(t, body["recommendations"])
}

func TestHistoryFallsBackToMemoryRing(t *testing.T) {
	f := newFixture(t)
	f.controller.history = []failover.Event{
		{FromMode: "database", ToMode: "replica", Trigger: "automatic", Success: true},
	}

	rec := f.do(t, http.MethodGet, "/api/v1/resilience/history?limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	events := body["failoverEvents"].([]interface{})
	require.Len(t, events, 1)

	summary := body["summary"].(map[string]interface{})
	assert.Equal(t, float64(1), summary["total"])
	assert.Equal(t, float64(1), summary["successful"])
}

func TestElectionsServesMemorySnapshot(t *testing.T) {
	f := newFixture(t)
	f.controller.mode = failover.ModeMemoryOptimized

	rec := f.do(t, http.MethodGet, "/api/v1/elections", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "memory_optimized", body["mode"])
	assert.Equal(t, "memory", body["source"])
}

func TestBatchRejectsOversizeRequest(t *testing.T) {
	f := newFixture(t)

	ids := make([]string, 26)
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	rec := f.do(t, http.MethodPost, "/api/v1/autofix/batch", f.adminToken(t),
		map[string]interface{}{"ids": ids, "approvedBy": "admin@example.com"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "25")
}

func TestAdminActionsAreAudited(t *testing.T) {
	f := newFixture(t)
	token := f.adminToken(t)

	f.do(t, http.MethodPut, "/api/v1/resilience/rules/primary-to-replica", token,
		map[string]interface{}{"enabled": false})
	f.do(t, http.MethodPut, "/api/v1/autofix/policies/DATE_DRIFT", token,
		map[string]interface{}{"autoFixEnabled": true, "autoFixMaxSeverity": "high"})
	f.do(t, http.MethodPost, "/api/v1/autofix/detect", token, nil)
	f.do(t, http.MethodPost, "/api/v1/resilience/reconnect", token, nil)

	require.Len(t, f.auditor.events, 4)
	assert.Equal(t, audit.EventTypeRuleUpdated, f.auditor.events[0].EventType)
	assert.Equal(t, audit.EventTypePolicyUpdated, f.auditor.events[1].EventType)
	assert.Equal(t, audit.EventTypeDetectionRun, f.auditor.events[2].EventType)
	assert.Equal(t, audit.EventTypeReconnect, f.auditor.events[3].EventType)
	assert.Equal(t, "admin@example.com", f.auditor.events[0].Actor)
	assert.Equal(t, audit.ResultSuccess, f.auditor.events[3].Result)
}

func TestReconnectFailureIsAuditedAsFailure(t *testing.T) {
	f := newFixture(t)
	f.controller.reconnectErr = assert.AnError

	rec := f.do(t, http.MethodPost, "/api/v1/resilience/reconnect", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.auditor.events, 1)
	assert.Equal(t, audit.EventTypeReconnect, f.auditor.events[0].EventType)
	assert.Equal(t, audit.ResultFailure, f.auditor.events[0].Result)
	assert.NotEmpty(t, f.auditor.events[0].Detail)
}

func TestAuditQueryFiltersByEventType(t *testing.T) {
	f := newFixture(t)
	f.auditor.events = []*audit.Event{
		{EventType: audit.EventTypeModeTransition, Result: audit.ResultSuccess},
		{EventType: audit.EventTypeRuleUpdated, Result: audit.ResultSuccess},
	}

	rec := f.do(t, http.MethodGet,
		"/api/v1/resilience/audit?eventType=failover.rule_updated", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
	events := body["events"].([]interface{})
	require.Len(t, events, 1)
	assert.Equal(t, "failover.rule_updated",
		events[0].(map[string]interface{})["eventType"])
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"email": "admin@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
