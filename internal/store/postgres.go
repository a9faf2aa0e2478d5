package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Sessions ---

const sessionColumns = `id, name, status, login_status, start_time, end_time, last_login_at, last_error,
	login_attempts, terminal, total_checks, total_accepted, total_rejected`

func (s *PostgresStore) UpsertSession(ctx context.Context, sess *models.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   status = EXCLUDED.status,
		   login_status = EXCLUDED.login_status,
		   start_time = EXCLUDED.start_time,
		   end_time = EXCLUDED.end_time,
		   last_login_at = EXCLUDED.last_login_at,
		   last_error = EXCLUDED.last_error,
		   login_attempts = EXCLUDED.login_attempts,
		   terminal = EXCLUDED.terminal,
		   total_checks = GREATEST(sessions.total_checks, EXCLUDED.total_checks),
		   total_accepted = GREATEST(sessions.total_accepted, EXCLUDED.total_accepted),
		   total_rejected = GREATEST(sessions.total_rejected, EXCLUDED.total_rejected),
		   updated_at = NOW()`,
		sess.ID, sess.Name, sess.Status, sess.LoginStatus, sess.StartTime, sess.EndTime, sess.LastLoginAt,
		sess.LastError, sess.LoginAttempts, sess.Terminal, sess.TotalChecks, sess.TotalAccepted, sess.TotalRejected,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the most recently started sessions first.
func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY start_time DESC NULLS LAST, created_at DESC LIMIT $1`,
		clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	if err := row.Scan(&sess.ID, &sess.Name, &sess.Status, &sess.LoginStatus, &sess.StartTime, &sess.EndTime,
		&sess.LastLoginAt, &sess.LastError, &sess.LoginAttempts, &sess.Terminal, &sess.TotalChecks,
		&sess.TotalAccepted, &sess.TotalRejected); err != nil {
		return nil, err
	}
	return &sess, nil
}

// --- Job Records ---

const jobColumns = `id, session_id, job_ref, language, appointment_date, appointment_time, duration, job_type,
	portal_status, submitted_at, scraped_at, status, rejection_reason, decided_at`

// UpsertJobRecord inserts a record or, for a known (session, ref), moves
// scraped_at forward. The outcome columns only change while the stored
// status is still matched, so a replayed or out-of-order write never undoes
// a decision.
func (s *PostgresStore) UpsertJobRecord(ctx context.Context, rec *models.JobRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	status := rec.Outcome.Status
	if status == "" {
		status = models.OutcomeMatched
	}
	var reason *string
	if status == models.OutcomeRejected && rec.Outcome.RejectionReason != "" {
		reason = &rec.Outcome.RejectionReason
	}

	obs := rec.Observation
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_records (`+jobColumns+`, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		 ON CONFLICT (session_id, job_ref) DO UPDATE SET
		   scraped_at = GREATEST(job_records.scraped_at, EXCLUDED.scraped_at),
		   status = CASE WHEN job_records.status = 'matched' THEN EXCLUDED.status ELSE job_records.status END,
		   rejection_reason = CASE WHEN job_records.status = 'matched' THEN EXCLUDED.rejection_reason ELSE job_records.rejection_reason END,
		   decided_at = CASE WHEN job_records.status = 'matched' THEN EXCLUDED.decided_at ELSE job_records.decided_at END,
		   updated_at = NOW()`,
		rec.ID, rec.SessionID, obs.JobRef, obs.Language, obs.AppointmentDate, obs.AppointmentTime, obs.Duration,
		obs.JobType, obs.PortalStatus, obs.SubmittedAt, obs.ScrapedAt, status, reason, rec.Outcome.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert job record %s: %w", obs.JobRef, err)
	}
	return nil
}

func (s *PostgresStore) GetJobRecord(ctx context.Context, sessionID uuid.UUID, ref string) (*models.JobRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_records WHERE session_id = $1 AND job_ref = $2`, sessionID, ref)
	rec, err := scanJobRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListJobRecords(ctx context.Context, filter JobFilter) ([]*models.JobRecord, int, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.SessionID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("session_id = $%d", argIdx))
		args = append(args, filter.SessionID)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Language != "" {
		conditions = append(conditions, fmt.Sprintf("LOWER(language) = LOWER($%d)", argIdx))
		args = append(args, filter.Language)
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("scraped_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM job_records WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count job records: %w", err)
	}

	limit := clampLimit(filter.Limit)
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT %s FROM job_records WHERE %s ORDER BY scraped_at DESC, job_ref LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list job records: %w", err)
	}
	defer rows.Close()

	records := []*models.JobRecord{}
	for rows.Next() {
		rec, err := scanJobRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job record: %w", err)
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// DeleteJobRecordsBefore removes matched and accepted records last scraped
// before cutoff. Rejected and failed records are kept as history.
func (s *PostgresStore) DeleteJobRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM job_records WHERE scraped_at < $1 AND status NOT IN ('rejected', 'failed')`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete job records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJobRecord(row pgx.Row) (*models.JobRecord, error) {
	var rec models.JobRecord
	var reason *string
	obs := &rec.Observation
	if err := row.Scan(&rec.ID, &rec.SessionID, &obs.JobRef, &obs.Language, &obs.AppointmentDate,
		&obs.AppointmentTime, &obs.Duration, &obs.JobType, &obs.PortalStatus, &obs.SubmittedAt, &obs.ScrapedAt,
		&rec.Outcome.Status, &reason, &rec.Outcome.DecidedAt); err != nil {
		return nil, err
	}
	rec.Outcome.JobRef = obs.JobRef
	if reason != nil {
		rec.Outcome.RejectionReason = *reason
	}
	return &rec, nil
}

// --- Analytics Windows ---

const windowColumns = `id, session_id, period_start, period_end, total_processed, accepted, rejected,
	acceptance_rate, most_common_language, peak_hour, uptime_seconds, created_at`

// SaveAnalyticsWindow stores a closed window. It reports false when a window
// with the same session and start already exists.
func (s *PostgresStore) SaveAnalyticsWindow(ctx context.Context, w *models.AnalyticsWindow) (bool, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO analytics_windows (`+windowColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (session_id, period_start) DO NOTHING`,
		w.ID, w.SessionID, w.PeriodStart, w.PeriodEnd, w.TotalProcessed, w.Accepted, w.Rejected,
		w.AcceptanceRate, w.MostCommonLanguage, w.PeakHour, w.UptimeSeconds, w.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("save analytics window: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListAnalyticsWindows(ctx context.Context, sessionID uuid.UUID, since time.Time, limit int) ([]*models.AnalyticsWindow, error) {
	conditions := []string{"period_start >= $1"}
	args := []any{since}
	if sessionID != uuid.Nil {
		conditions = append(conditions, "session_id = $2")
		args = append(args, sessionID)
	}
	query := fmt.Sprintf(`SELECT %s FROM analytics_windows WHERE %s ORDER BY period_start DESC LIMIT %d`,
		windowColumns, strings.Join(conditions, " AND "), clampLimit(limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list analytics windows: %w", err)
	}
	defer rows.Close()

	windows := []*models.AnalyticsWindow{}
	for rows.Next() {
		var w models.AnalyticsWindow
		if err := rows.Scan(&w.ID, &w.SessionID, &w.PeriodStart, &w.PeriodEnd, &w.TotalProcessed, &w.Accepted,
			&w.Rejected, &w.AcceptanceRate, &w.MostCommonLanguage, &w.PeakHour, &w.UptimeSeconds,
			&w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analytics window: %w", err)
		}
		windows = append(windows, &w)
	}
	return windows, rows.Err()
}

// --- System Logs ---

func (s *PostgresStore) InsertSystemLog(ctx context.Context, entry *models.SystemLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO system_logs (id, session_id, level, message, component, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, nullableUUID(entry.SessionID), entry.Level, entry.Message, entry.Component, details, entry.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert system log: %w", err)
	}
	return nil
}

// ListSystemLogs returns the newest entries first.
func (s *PostgresStore) ListSystemLogs(ctx context.Context, filter LogFilter) ([]*models.SystemLog, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.SessionID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("session_id = $%d", argIdx))
		args = append(args, filter.SessionID)
		argIdx++
	}
	if filter.Level != "" {
		conditions = append(conditions, fmt.Sprintf("level = $%d", argIdx))
		args = append(args, filter.Level)
		argIdx++
	}
	if filter.Component != "" {
		conditions = append(conditions, fmt.Sprintf("component = $%d", argIdx))
		args = append(args, filter.Component)
		argIdx++
	}

	query := fmt.Sprintf(
		`SELECT id, session_id, level, message, component, details, created_at
		 FROM system_logs WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		strings.Join(conditions, " AND "), argIdx)
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list system logs: %w", err)
	}
	defer rows.Close()

	logs := []*models.SystemLog{}
	for rows.Next() {
		var l models.SystemLog
		var sessionID *uuid.UUID
		if err := rows.Scan(&l.ID, &sessionID, &l.Level, &l.Message, &l.Component, &l.Details, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan system log: %w", err)
		}
		if sessionID != nil {
			l.SessionID = *sessionID
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) DeleteSystemLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM system_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete system logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
