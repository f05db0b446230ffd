package autofix

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openelectorate/pollstation/internal/auth"
	"github.com/openelectorate/pollstation/internal/suggest"
)

const driftPayload = `{"storedDate":"2026-11-03","authoritativeDate":"2026-11-10","source":"sos_feed"}`

func suggestionColumns() []string {
	return []string{"id", "run_id", "kind", "severity", "election_ref", "state",
		"message", "payload", "status", "error", "acted_at", "acted_by", "created_at"}
}

func expectGetSuggestion(mock sqlmock.Sqlmock, id uuid.UUID, kind string, status suggest.Status, payload string) {
	var p interface{}
	if payload != "" {
		p = []byte(payload)
	}
	mock.ExpectQuery("FROM bot_suggestions").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(suggestionColumns()).
			AddRow(id, uuid.New(), kind, suggest.SeverityHigh, "e-1", "GA",
				"date drifts", p, status, nil, nil, nil, time.Now()))
}

func buildRemediator(t *testing.T, healthy bool) (*Remediator, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	policies := NewPolicyStore(db)
	pipeline := NewPipeline(policies, fakeHealth{healthy: healthy})
	r := NewRemediator(db, suggest.NewStore(db), policies, DefaultRegistry(),
		pipeline, nil, zap.NewNop())
	return r, mock, func() { _ = db.Close() }
}

func TestApplyCommitsFixAndVerification(t *testing.T) {
	r, mock, closeDB := buildRemediator(t, true)
	defer closeDB()

	id := uuid.New()
	expectGetSuggestion(mock, id, suggest.KindDateDrift, suggest.StatusOpen, driftPayload)
	expectPolicy(mock, suggest.KindDateDrift, true, suggest.SeverityCritical)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE elections").
		WithArgs("2026-11-10", "e-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT election_date").
		WithArgs("2026-11-10", "e-1").
		WillReturnRows(sqlmock.NewRows([]string{"matches"}).AddRow(true))
	mock.ExpectExec("UPDATE bot_suggestions").
		WithArgs(id, "admin@example.com").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE autofix_policies").
		WithArgs(suggest.KindDateDrift).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, gateErr := r.Apply(context.Background(), id, admin(), "admin@example.com")
	require.Nil(t, gateErr)
	assert.Equal(t, "applied", outcome.Status)
	assert.Equal(t, suggest.KindDateDrift, outcome.Kind)
	assert.Equal(t, "admin@example.com", outcome.ApprovedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRollsBackOnFailedVerification(t *testing.T) {
	r, mock, closeDB := buildRemediator(t, true)
	defer closeDB()

	id := uuid.New()
	expectGetSuggestion(mock, id, suggest.KindDateDrift, suggest.StatusOpen, driftPayload)
	expectPolicy(mock, suggest.KindDateDrift, true, suggest.SeverityCritical)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE elections").
		WithArgs("2026-11-10", "e-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT election_date").
		WithArgs("2026-11-10", "e-1").
		WillReturnRows(sqlmock.NewRows([]string{"matches"}).AddRow(false))
	mock.ExpectRollback()
	// The FAILED mark runs outside the rolled-back transaction.
	mock.ExpectExec("UPDATE bot_suggestions").
		WithArgs(id, "admin@example.com", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, gateErr := r.Apply(context.Background(), id, admin(), "admin@example.com")
	require.NotNil(t, gateErr)
	assert.Equal(t, "fix_failed", gateErr.Kind)
	assert.Equal(t, http.StatusInternalServerError, gateErr.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRejectsMissingSeed(t *testing.T) {
	r, mock, closeDB := buildRemediator(t, true)
	defer closeDB()

	id := uuid.New()
	expectGetSuggestion(mock, id, suggest.KindDateDrift, suggest.StatusOpen, "")
	expectPolicy(mock, suggest.KindDateDrift, true, suggest.SeverityCritical)

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, gateErr := r.Apply(context.Background(), id, admin(), "admin@example.com")
	require.NotNil(t, gateErr)
	assert.Equal(t, KindNoSeed, gateErr.Kind)
	assert.Equal(t, http.StatusUnprocessableEntity, gateErr.Status)
	assert.NoError(t, mock.ExpectationsWereMet(), "a missing seed must not mark the suggestion FAILED")
}

func TestApplyRejectsNonOpenSuggestion(t *testing.T) {
	r, mock, closeDB := buildRemediator(t, true)
	defer closeDB()

	id := uuid.New()
	expectGetSuggestion(mock, id, suggest.KindDateDrift, suggest.StatusApplied, driftPayload)
	expectPolicy(mock, suggest.KindDateDrift, true, suggest.SeverityCritical)

	_, gateErr := r.Apply(context.Background(), id, admin(), "admin@example.com")
	require.NotNil(t, gateErr)
	assert.Equal(t, KindNotOpen, gateErr.Kind)
	assert.Equal(t, http.StatusConflict, gateErr.Status)
}

func TestApplyRejectsKindWithoutFixer(t *testing.T) {
	r, mock, closeDB := buildRemediator(t, true)
	defer closeDB()

	id := uuid.New()
	expectGetSuggestion(mock, id, suggest.KindCongressMismatch, suggest.StatusOpen, "")
	expectPolicy(mock, suggest.KindCongressMismatch, true, suggest.SeverityCritical)

	_, gateErr := r.Apply(context.Background(), id, admin(), "admin@example.com")
	require.NotNil(t, gateErr)
	assert.Equal(t, KindNotAutofixable, gateErr.Kind)
	assert.Equal(t, http.StatusUnprocessableEntity, gateErr.Status)
}

func TestApplyNotFound(t *testing.T) {
	r, mock, closeDB := buildRemediator(t, true)
	defer closeDB()

	id := uuid.New()
	mock.ExpectQuery("FROM bot_suggestions").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(suggestionColumns()))

	_, gateErr := r.Apply(context.Background(), id, admin(), "admin@example.com")
	require.NotNil(t, gateErr)
	assert.Equal(t, "not_found", gateErr.Kind)
	assert.Equal(t, http.StatusNotFound, gateErr.Status)
}

func TestApplyIdentityGatesPrecedeSuggestionLoad(t *testing.T) {
	r, mock, closeDB := buildRemediator(t, true)
	defer closeDB()

	// No store expectations are registered: a caller who fails the
	// identity gates must be rejected before any lookup, so an unknown
	// id is indistinguishable from a known one.
	_, gateErr := r.Apply(context.Background(), uuid.New(), nil, "")
	require.NotNil(t, gateErr)
	assert.Equal(t, KindAuthRequired, gateErr.Kind)
	assert.Equal(t, http.StatusUnauthorized, gateErr.Status)

	analyst := &auth.Principal{Email: "viewer@example.com", Role: auth.RoleAnalyst}
	_, gateErr = r.Apply(context.Background(), uuid.New(), analyst, "")
	require.NotNil(t, gateErr)
	assert.Equal(t, KindInsufficientPrivs, gateErr.Kind)
	assert.Equal(t, http.StatusForbidden, gateErr.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyLoadFailureWhileUnhealthyIsServiceUnavailable(t *testing.T) {
	r, mock, closeDB := buildRemediator(t, false)
	defer closeDB()

	id := uuid.New()
	mock.ExpectQuery("FROM bot_suggestions").
		WithArgs(id).
		WillReturnError(errors.New("connection refused"))

	_, gateErr := r.Apply(context.Background(), id, admin(), "admin@example.com")
	require.NotNil(t, gateErr)
	assert.Equal(t, KindSystemUnhealthy, gateErr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, gateErr.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyLoadFailureWhileHealthyStaysInternal(t *testing.T) {
	r, mock, closeDB := buildRemediator(t, true)
	defer closeDB()

	id := uuid.New()
	mock.ExpectQuery("FROM bot_suggestions").
		WithArgs(id).
		WillReturnError(errors.New("unexpected scan failure"))

	_, gateErr := r.Apply(context.Background(), id, admin(), "admin@example.com")
	require.NotNil(t, gateErr)
	assert.Equal(t, "fix_failed", gateErr.Kind)
	assert.Equal(t, http.StatusInternalServerError, gateErr.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyLosesCompareAndSetRace(t *testing.T) {
	r, mock, closeDB := buildRemediator(t, true)
	defer closeDB()

	id := uuid.New()
	expectGetSuggestion(mock, id, suggest.KindDateDrift, suggest.StatusOpen, driftPayload)
	expectPolicy(mock, suggest.KindDateDrift, true, suggest.SeverityCritical)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE elections").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT election_date").
		WillReturnRows(sqlmock.NewRows([]string{"matches"}).AddRow(true))
	mock.ExpectExec("UPDATE bot_suggestions").
		WithArgs(id, "admin@example.com").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, gateErr := r.Apply(context.Background(), id, admin(), "admin@example.com")
	require.NotNil(t, gateErr)
	assert.Equal(t, KindNotOpen, gateErr.Kind)
	assert.Equal(t, http.StatusConflict, gateErr.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalScenario(t *testing.T) {
	r, mock, closeDB := buildRemediator(t, true)
	defer closeDB()

	id := uuid.New()

	// No approval: the approval gate rejects with 400.
	expectGetSuggestion(mock, id, suggest.KindDateDrift, suggest.StatusOpen, driftPayload)
	expectPolicy(mock, suggest.KindDateDrift, true, suggest.SeverityCritical)
	_, gateErr := r.Apply(context.Background(), id, admin(), "")
	require.NotNil(t, gateErr)
	assert.Equal(t, KindApprovalRequired, gateErr.Kind)
	assert.Equal(t, http.StatusBadRequest, gateErr.Status)

	// Approval as someone else: 403.
	expectGetSuggestion(mock, id, suggest.KindDateDrift, suggest.StatusOpen, driftPayload)
	expectPolicy(mock, suggest.KindDateDrift, true, suggest.SeverityCritical)
	_, gateErr = r.Apply(context.Background(), id, admin(), "other@example.com")
	require.NotNil(t, gateErr)
	assert.Equal(t, KindApprovalMismatch, gateErr.Kind)
	assert.Equal(t, http.StatusForbidden, gateErr.Status)

	// Matching approval: the fix goes through.
	expectGetSuggestion(mock, id, suggest.KindDateDrift, suggest.StatusOpen, driftPayload)
	expectPolicy(mock, suggest.KindDateDrift, true, suggest.SeverityCritical)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE elections").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT election_date").
		WillReturnRows(sqlmock.NewRows([]string{"matches"}).AddRow(true))
	mock.ExpectExec("UPDATE bot_suggestions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE autofix_policies").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, gateErr := r.Apply(context.Background(), id, admin(), "admin@example.com")
	require.Nil(t, gateErr)
	assert.Equal(t, "applied", outcome.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyBatchIndependentItems(t *testing.T) {
	r, mock, closeDB := buildRemediator(t, true)
	defer closeDB()

	good := uuid.New()
	stale := uuid.New()

	// Per-item gates and fixes run in order: the good item commits,
	// the stale one rejects, the batch still reports both.
	expectGetSuggestion(mock, good, suggest.KindDateDrift, suggest.StatusOpen, driftPayload)
	expectPolicy(mock, suggest.KindDateDrift, true, suggest.SeverityCritical)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE elections").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT election_date").
		WillReturnRows(sqlmock.NewRows([]string{"matches"}).AddRow(true))
	mock.ExpectExec("UPDATE bot_suggestions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE autofix_policies").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	expectGetSuggestion(mock, stale, suggest.KindDateDrift, suggest.StatusFailed, driftPayload)
	expectPolicy(mock, suggest.KindDateDrift, true, suggest.SeverityCritical)

	items, gateErr := r.ApplyBatch(context.Background(),
		[]uuid.UUID{good, stale}, admin(), "admin@example.com")
	require.Nil(t, gateErr)
	require.Len(t, items, 2)

	assert.Equal(t, "applied", items[0].Status)
	assert.Equal(t, "rejected", items[1].Status)
	assert.Equal(t, KindNotOpen, items[1].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyBatchRequestLevelGateShortCircuits(t *testing.T) {
	r, mock, closeDB := buildRemediator(t, true)
	defer closeDB()

	items, gateErr := r.ApplyBatch(context.Background(),
		[]uuid.UUID{uuid.New()}, nil, "")
	require.NotNil(t, gateErr)
	assert.Equal(t, KindAuthRequired, gateErr.Kind)
	assert.Nil(t, items)
	assert.NoError(t, mock.ExpectationsWereMet(), "no per-item work runs after a request-level rejection")
}
