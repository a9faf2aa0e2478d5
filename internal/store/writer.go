package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/portalwatch/internal/ledger"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

const (
	writerQueueSize = 1024
	writerOpTimeout = 5 * time.Second
	drainTimeout    = 10 * time.Second
)

type op struct {
	name string
	fn   func(ctx context.Context, s Store) error
}

// Writer persists orchestrator activity off the hot path. Writes are queued
// and applied in order by Run; when the queue is full new writes are dropped
// and counted. The in-memory ledger stays authoritative for the run.
type Writer struct {
	store     Store
	sessionID uuid.UUID
	queue     chan op
	dropped   atomic.Int64
	logger    *slog.Logger
}

// NewWriter creates a writer that stamps job records and windows with
// sessionID.
func NewWriter(s Store, sessionID uuid.UUID) *Writer {
	return &Writer{
		store:     s,
		sessionID: sessionID,
		queue:     make(chan op, writerQueueSize),
		logger:    slog.With("component", "store_writer"),
	}
}

// Dropped returns the number of writes discarded because the queue was full.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// OnLedgerEvent implements ledger.Listener.
func (w *Writer) OnLedgerEvent(e ledger.Event) {
	rec := models.JobRecord{
		SessionID:   w.sessionID,
		Observation: e.Observation,
		Outcome:     e.Outcome,
	}
	w.enqueue("upsert_job_record", func(ctx context.Context, s Store) error {
		return s.UpsertJobRecord(ctx, &rec)
	})

	if e.Kind != ledger.EventOutcome {
		return
	}
	level := "info"
	if e.Outcome.Status == models.OutcomeFailed {
		level = "error"
	}
	details := map[string]any{"job_ref": e.Observation.JobRef, "language": e.Observation.Language}
	if e.Outcome.RejectionReason != "" {
		details["reason"] = e.Outcome.RejectionReason
	}
	w.Log(level, "monitor", fmt.Sprintf("job %s %s", e.Observation.JobRef, e.Outcome.Status), details)
}

// OnSessionTransition persists a session snapshot.
func (w *Writer) OnSessionTransition(sess models.Session) {
	w.enqueue("upsert_session", func(ctx context.Context, s Store) error {
		return s.UpsertSession(ctx, &sess)
	})
}

// SaveWindow implements analytics.Sink. The window is queued, so the
// returned error is always nil.
func (w *Writer) SaveWindow(_ context.Context, win models.AnalyticsWindow) error {
	if win.SessionID == uuid.Nil {
		win.SessionID = w.sessionID
	}
	w.enqueue("save_analytics_window", func(ctx context.Context, s Store) error {
		inserted, err := s.SaveAnalyticsWindow(ctx, &win)
		if err == nil && !inserted {
			w.logger.Debug("analytics window already stored", "period_start", win.PeriodStart)
		}
		return err
	})
	return nil
}

// Log queues an activity log entry.
func (w *Writer) Log(level, component, message string, details map[string]any) {
	entry := models.SystemLog{
		ID:        uuid.New(),
		SessionID: w.sessionID,
		Level:     level,
		Message:   message,
		Component: component,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	w.enqueue("insert_system_log", func(ctx context.Context, s Store) error {
		return s.InsertSystemLog(ctx, &entry)
	})
}

// Prune deletes history older than retention. It runs synchronously on the
// caller's context.
func (w *Writer) Prune(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention)
	jobs, err := w.store.DeleteJobRecordsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	logs, err := w.store.DeleteSystemLogsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if jobs > 0 || logs > 0 {
		w.logger.Info("pruned history", "job_records", jobs, "system_logs", logs, "cutoff", cutoff)
	}
	return nil
}

func (w *Writer) enqueue(name string, fn func(ctx context.Context, s Store) error) {
	select {
	case w.queue <- op{name: name, fn: fn}:
	default:
		n := w.dropped.Add(1)
		w.logger.Warn("write queue full, dropping", "op", name, "dropped_total", n)
	}
}

// Run applies queued writes until ctx is cancelled, then drains what is
// left with a bounded timeout.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case o := <-w.queue:
			w.apply(context.WithoutCancel(ctx), o)
		case <-ctx.Done():
			w.drain()
			return nil
		}
	}
}

func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case o := <-w.queue:
			w.apply(ctx, o)
		default:
			return
		}
		if ctx.Err() != nil {
			w.logger.Warn("drain timed out", "pending", len(w.queue))
			return
		}
	}
}

func (w *Writer) apply(ctx context.Context, o op) {
	opCtx, cancel := context.WithTimeout(ctx, writerOpTimeout)
	defer cancel()
	if err := o.fn(opCtx, w.store); err != nil {
		w.logger.Error("write failed", "op", o.name, "error", err)
	}
}
