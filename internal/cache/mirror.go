package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/portalwatch/internal/ledger"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

const (
	mirrorQueueSize = 256
	mirrorTimeout   = 2 * time.Second
	reportTTL       = 24 * time.Hour
)

// ReportPublisher stores the latest report of each kind.
type ReportPublisher struct {
	cache Cache
}

func NewReportPublisher(c Cache) *ReportPublisher {
	return &ReportPublisher{cache: c}
}

func (p *ReportPublisher) Publish(ctx context.Context, report models.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := p.cache.Set(ctx, LatestReportKey(report.Kind), data, reportTTL); err != nil {
		return fmt.Errorf("cache report %s: %w", report.Kind, err)
	}
	return nil
}

// Latest returns the stored report of kind.
func (p *ReportPublisher) Latest(ctx context.Context, kind string) (models.Report, bool, error) {
	data, ok, err := p.cache.Get(ctx, LatestReportKey(kind))
	if err != nil || !ok {
		return models.Report{}, false, err
	}
	var report models.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return models.Report{}, false, fmt.Errorf("unmarshal report: %w", err)
	}
	return report, true, nil
}

// Mirror copies session state and decision activity into Redis. Updates
// are queued and applied by Run; a full queue drops the update.
type Mirror struct {
	cache     Cache
	sessionID uuid.UUID
	queue     chan func(ctx context.Context) error
	logger    *slog.Logger
}

func NewMirror(c Cache, sessionID uuid.UUID) *Mirror {
	return &Mirror{
		cache:     c,
		sessionID: sessionID,
		queue:     make(chan func(ctx context.Context) error, mirrorQueueSize),
		logger:    slog.With("component", "cache_mirror"),
	}
}

// OnLedgerEvent implements ledger.Listener. Only outcomes are mirrored.
func (m *Mirror) OnLedgerEvent(e ledger.Event) {
	if e.Kind != ledger.EventOutcome {
		return
	}
	level := "info"
	if e.Outcome.Status == models.OutcomeFailed {
		level = "error"
	}
	details := map[string]any{"job_ref": e.Observation.JobRef, "status": e.Outcome.Status}
	if e.Outcome.RejectionReason != "" {
		details["reason"] = e.Outcome.RejectionReason
	}
	m.Log(level, "monitor", fmt.Sprintf("job %s %s", e.Observation.JobRef, e.Outcome.Status), details)
}

// OnSessionTransition mirrors the session hash and logs the transition.
func (m *Mirror) OnSessionTransition(sess models.Session) {
	m.SyncSession(sess)
	m.Log("info", "session", "session "+sess.Status, map[string]any{"login_status": sess.LoginStatus})
}

// SyncSession refreshes the session hash without logging. Counters change
// far more often than the status does.
func (m *Mirror) SyncSession(sess models.Session) {
	m.enqueue(func(ctx context.Context) error {
		return m.cache.SetSessionState(ctx, sess)
	})
}

// Log appends an entry to the recent activity list.
func (m *Mirror) Log(level, component, message string, details map[string]any) {
	entry := models.SystemLog{
		ID:        uuid.New(),
		SessionID: m.sessionID,
		Level:     level,
		Message:   message,
		Component: component,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	m.enqueue(func(ctx context.Context) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return m.cache.PushActivity(ctx, m.sessionID, data)
	})
}

// Recent returns the newest activity entries. Entries that fail to decode
// are skipped.
func (m *Mirror) Recent(ctx context.Context, limit int) ([]models.SystemLog, error) {
	raw, err := m.cache.RecentActivity(ctx, m.sessionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.SystemLog, 0, len(raw))
	for _, r := range raw {
		var entry models.SystemLog
		if err := json.Unmarshal(r, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (m *Mirror) enqueue(fn func(ctx context.Context) error) {
	select {
	case m.queue <- fn:
	default:
		m.logger.Warn("mirror queue full, dropping update")
	}
}

// Run applies queued updates until ctx is cancelled, then flushes what is
// already queued.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case fn := <-m.queue:
			m.apply(fn)
		case <-ctx.Done():
			for {
				select {
				case fn := <-m.queue:
					m.apply(fn)
				default:
					return nil
				}
			}
		}
	}
}

func (m *Mirror) apply(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		m.logger.Warn("cache update failed", "error", err)
	}
}
