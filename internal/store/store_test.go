package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/portalwatch/internal/store"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("portalwatch_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newSession(t *testing.T, s store.Store) *models.Session {
	t.Helper()
	start := time.Now().UTC().Truncate(time.Microsecond)
	sess := &models.Session{
		ID:          uuid.New(),
		Name:        "test",
		Status:      models.SessionStatusRunning,
		LoginStatus: models.LoginStatusSuccess,
		StartTime:   &start,
	}
	require.NoError(t, s.UpsertSession(context.Background(), sess))
	return sess
}

func jobRecord(sessionID uuid.UUID, ref, language string, scraped time.Time) *models.JobRecord {
	return &models.JobRecord{
		SessionID: sessionID,
		Observation: models.JobObservation{
			JobRef:          ref,
			Language:        language,
			AppointmentDate: "2026-03-02",
			AppointmentTime: "10:30",
			JobType:         "Video",
			PortalStatus:    "Matched",
			ScrapedAt:       scraped,
		},
		Outcome: models.JobOutcome{JobRef: ref, Status: models.OutcomeMatched},
	}
}

// --- Session Tests ---

func TestSession_UpsertAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	s := store.NewPostgresStore(setupTestDB(t))

	sess := newSession(t, s)
	sess.TotalChecks = 4
	sess.TotalAccepted = 2
	require.NoError(t, s.UpsertSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, got.Status)
	assert.Equal(t, int64(4), got.TotalChecks)
	assert.Equal(t, int64(2), got.TotalAccepted)
	require.NotNil(t, got.StartTime)
	assert.True(t, sess.StartTime.Equal(*got.StartTime))
}

func TestSession_CountersNeverGoBackwards(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	s := store.NewPostgresStore(setupTestDB(t))

	sess := newSession(t, s)
	sess.TotalChecks = 10
	require.NoError(t, s.UpsertSession(ctx, sess))

	stale := *sess
	stale.TotalChecks = 3
	stale.Status = models.SessionStatusStopped
	require.NoError(t, s.UpsertSession(ctx, &stale))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.TotalChecks)
	assert.Equal(t, models.SessionStatusStopped, got.Status)
}

func TestSession_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	_, err := s.GetSession(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSession_List(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	newSession(t, s)
	newSession(t, s)

	sessions, err := s.ListSessions(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

// --- Job Record Tests ---

func TestJobRecord_InsertAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	s := store.NewPostgresStore(setupTestDB(t))
	sess := newSession(t, s)

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.UpsertJobRecord(ctx, jobRecord(sess.ID, "J1", "Spanish", now)))

	got, err := s.GetJobRecord(ctx, sess.ID, "J1")
	require.NoError(t, err)
	assert.Equal(t, "Spanish", got.Observation.Language)
	assert.Equal(t, models.OutcomeMatched, got.Outcome.Status)
	assert.Empty(t, got.Outcome.RejectionReason)
	assert.Nil(t, got.Outcome.DecidedAt)
}

func TestJobRecord_RepeatMovesScrapedAtForward(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	s := store.NewPostgresStore(setupTestDB(t))
	sess := newSession(t, s)

	first := time.Now().UTC().Truncate(time.Microsecond)
	later := first.Add(time.Minute)
	require.NoError(t, s.UpsertJobRecord(ctx, jobRecord(sess.ID, "J1", "Spanish", later)))
	require.NoError(t, s.UpsertJobRecord(ctx, jobRecord(sess.ID, "J1", "French", first)))

	got, err := s.GetJobRecord(ctx, sess.ID, "J1")
	require.NoError(t, err)
	assert.True(t, later.Equal(got.Observation.ScrapedAt))
	assert.Equal(t, "Spanish", got.Observation.Language, "first observation is kept")
}

func TestJobRecord_DecisionIsFinal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	s := store.NewPostgresStore(setupTestDB(t))
	sess := newSession(t, s)

	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := jobRecord(sess.ID, "J1", "Spanish", now)
	require.NoError(t, s.UpsertJobRecord(ctx, rec))

	rejected := jobRecord(sess.ID, "J1", "Spanish", now)
	rejected.Outcome.Status = models.OutcomeRejected
	rejected.Outcome.RejectionReason = "already taken"
	rejected.Outcome.DecidedAt = &now
	require.NoError(t, s.UpsertJobRecord(ctx, rejected))

	// a late replay of the matched write does not undo the decision
	require.NoError(t, s.UpsertJobRecord(ctx, jobRecord(sess.ID, "J1", "Spanish", now)))

	got, err := s.GetJobRecord(ctx, sess.ID, "J1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRejected, got.Outcome.Status)
	assert.Equal(t, "already taken", got.Outcome.RejectionReason)
	require.NotNil(t, got.Outcome.DecidedAt)
}

func TestJobRecord_ListWithFilters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	s := store.NewPostgresStore(setupTestDB(t))
	sess := newSession(t, s)

	now := time.Now().UTC().Truncate(time.Microsecond)
	for i, lang := range []string{"Spanish", "Spanish", "French"} {
		rec := jobRecord(sess.ID, uuid.NewString(), lang, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.UpsertJobRecord(ctx, rec))
	}

	recs, total, err := s.ListJobRecords(ctx, store.JobFilter{SessionID: sess.ID, Language: "spanish"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, recs, 2)

	recs, total, err = s.ListJobRecords(ctx, store.JobFilter{SessionID: sess.ID, Limit: 1, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, recs, 1)
	assert.Equal(t, "Spanish", recs[0].Observation.Language)
}

func TestJobRecord_DeleteBeforeKeepsRejections(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	s := store.NewPostgresStore(setupTestDB(t))
	sess := newSession(t, s)

	old := time.Now().UTC().Add(-10 * 24 * time.Hour).Truncate(time.Microsecond)
	require.NoError(t, s.UpsertJobRecord(ctx, jobRecord(sess.ID, "OLD-MATCHED", "Spanish", old)))

	rejected := jobRecord(sess.ID, "OLD-REJECTED", "Spanish", old)
	rejected.Outcome.Status = models.OutcomeRejected
	rejected.Outcome.RejectionReason = "validation"
	require.NoError(t, s.UpsertJobRecord(ctx, rejected))

	require.NoError(t, s.UpsertJobRecord(ctx, jobRecord(sess.ID, "FRESH", "Spanish", time.Now().UTC())))

	n, err := s.DeleteJobRecordsBefore(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetJobRecord(ctx, sess.ID, "OLD-MATCHED")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetJobRecord(ctx, sess.ID, "OLD-REJECTED")
	assert.NoError(t, err)
}

// --- Analytics Window Tests ---

func TestAnalyticsWindow_SaveIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	s := store.NewPostgresStore(setupTestDB(t))
	sess := newSession(t, s)

	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	peak := 10
	w := &models.AnalyticsWindow{
		SessionID:          sess.ID,
		PeriodStart:        start,
		PeriodEnd:          start.Add(4 * time.Hour),
		TotalProcessed:     3,
		Accepted:           3,
		AcceptanceRate:     1,
		MostCommonLanguage: "Spanish",
		PeakHour:           &peak,
		CreatedAt:          start.Add(4 * time.Hour),
	}
	inserted, err := s.SaveAnalyticsWindow(ctx, w)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := *w
	dup.ID = uuid.Nil
	inserted, err = s.SaveAnalyticsWindow(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	windows, err := s.ListAnalyticsWindows(ctx, sess.ID, start.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, "Spanish", windows[0].MostCommonLanguage)
	require.NotNil(t, windows[0].PeakHour)
	assert.Equal(t, 10, *windows[0].PeakHour)
}

// --- System Log Tests ---

func TestSystemLog_InsertAndList(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	s := store.NewPostgresStore(setupTestDB(t))
	sess := newSession(t, s)

	require.NoError(t, s.InsertSystemLog(ctx, &models.SystemLog{
		SessionID: sess.ID, Level: "info", Message: "job J1 accepted", Component: "monitor",
		Details: map[string]any{"job_ref": "J1"},
	}))
	require.NoError(t, s.InsertSystemLog(ctx, &models.SystemLog{
		Level: "warn", Message: "login retry", Component: "session",
	}))

	logs, err := s.ListSystemLogs(ctx, store.LogFilter{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "J1", logs[0].Details["job_ref"])

	logs, err = s.ListSystemLogs(ctx, store.LogFilter{Component: "session"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, uuid.Nil, logs[0].SessionID)
}

func TestSystemLog_DuplicateID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	s := store.NewPostgresStore(setupTestDB(t))

	entry := &models.SystemLog{ID: uuid.New(), Level: "info", Message: "x"}
	require.NoError(t, s.InsertSystemLog(ctx, entry))
	assert.ErrorIs(t, s.InsertSystemLog(ctx, entry), store.ErrDuplicateKey)
}

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	assert.NoError(t, s.Ping(context.Background()))
}
