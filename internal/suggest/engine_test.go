package suggest

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSeverityForDelta(t *testing.T) {
	cases := []struct {
		delta int
		want  Severity
	}{
		{0, SeverityLow},
		{1, SeverityLow},
		{2, SeverityMedium},
		{-2, SeverityMedium},
		{3, SeverityHigh},
		{4, SeverityHigh},
		{5, SeverityCritical},
		{-9, SeverityCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, severityForDelta(tc.delta), "delta %d", tc.delta)
	}
}

func TestSeverityRankUnknownAboveCritical(t *testing.T) {
	assert.Greater(t, Severity("weird").Rank(), SeverityCritical.Rank())
	assert.False(t, Severity("weird").Valid())
	assert.True(t, SeverityHigh.Valid())
}

func TestDetectCongressMismatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows([]string{"state", "chamber", "expected_count", "actual"}).
		AddRow("CA", "house", 52, 50).
		AddRow("TX", "senate", 2, 7)

	mock.ExpectQuery("FROM delegation_baseline").WillReturnRows(rows)

	e := NewEngine(db, NewStore(db), DefaultConfig(), zap.NewNop())
	out, err := e.detectCongressMismatches(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, KindCongressMismatch, out[0].Kind)
	assert.Equal(t, SeverityMedium, out[0].Severity)
	assert.Equal(t, "CA", out[0].State)

	assert.Equal(t, SeverityCritical, out[1].Severity, "a delta of 5 is critical")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDetectCandidateShortfallsAlwaysCritical(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows([]string{"id", "state", "office", "candidates"}).
		AddRow("e-1", "OH", "Mayor", 1)

	mock.ExpectQuery("FROM elections").WithArgs(2).WillReturnRows(rows)

	e := NewEngine(db, NewStore(db), DefaultConfig(), zap.NewNop())
	out, err := e.detectCandidateShortfalls(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, KindCandidateShortfall, out[0].Kind)
	assert.Equal(t, SeverityCritical, out[0].Severity)
	assert.Equal(t, "e-1", out[0].ElectionRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDetectDateDriftPayloadCarriesSeed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	stored := time.Date(2026, time.November, 3, 0, 0, 0, 0, time.UTC)
	authoritative := time.Date(2026, time.November, 10, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "state", "election_date", "source", "election_date_2"}).
		AddRow("e-9", "GA", stored, "sos_feed", authoritative)

	mock.ExpectQuery("FROM elections").WillReturnRows(rows)

	e := NewEngine(db, NewStore(db), DefaultConfig(), zap.NewNop())
	out, err := e.detectDateDrift(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, KindDateDrift, out[0].Kind)
	assert.Equal(t, SeverityHigh, out[0].Severity)
	assert.JSONEq(t,
		`{"storedDate":"2026-11-03","authoritativeDate":"2026-11-10","source":"sos_feed"}`,
		string(out[0].Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDetectMunicipalAnomalies(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	may := time.Date(2027, time.May, 4, 0, 0, 0, 0, time.UTC)
	march := time.Date(2027, time.March, 9, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "state", "office", "election_date"}).
		AddRow("e-ok", "NJ", "Council", may).
		AddRow("e-odd", "NJ", "Council", march)

	mock.ExpectQuery("FROM elections").WillReturnRows(rows)

	e := NewEngine(db, NewStore(db), DefaultConfig(), zap.NewNop())
	out, err := e.detectMunicipalAnomalies(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1, "elections in expected months are not flagged")
	assert.Equal(t, KindPatternAnomaly, out[0].Kind)
	assert.Equal(t, SeverityMedium, out[0].Severity)
	assert.Equal(t, "e-odd", out[0].ElectionRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSurvivesFailingTask(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO bot_task_runs").WillReturnResult(sqlmock.NewResult(1, 1))

	// congress_counts fails; the remaining tasks still run.
	mock.ExpectQuery("FROM delegation_baseline").WillReturnError(assert.AnError)
	mock.ExpectQuery("FROM elections").WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "state", "office", "candidates"}))
	mock.ExpectQuery("FROM elections").
		WillReturnRows(sqlmock.NewRows([]string{"id", "state", "election_date", "source", "election_date_2"}))
	mock.ExpectQuery("FROM elections").
		WillReturnRows(sqlmock.NewRows([]string{"id", "state", "office", "election_date"}))
	mock.ExpectExec("UPDATE bot_task_runs").WillReturnResult(sqlmock.NewResult(0, 1))

	e := NewEngine(db, NewStore(db), DefaultConfig(), zap.NewNop())
	run, created, err := e.Run(context.Background(), "scheduled")
	require.NoError(t, err)
	assert.Equal(t, "scheduled", run.Trigger)
	assert.Empty(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}
