// Package monitor implements the periodic loops that watch the portal: the
// scan loop that accepts jobs, the quick check that only looks, and the two
// reporters that summarise the ledger.
package monitor

import (
	"context"
	"strings"
	"time"

	"github.com/kiranshivaraju/portalwatch/internal/config"
	"github.com/kiranshivaraju/portalwatch/internal/ledger"
	"github.com/kiranshivaraju/portalwatch/internal/portal"
	"github.com/kiranshivaraju/portalwatch/internal/session"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

// Session is the part of session.Manager the loops depend on.
type Session interface {
	Acquire(ctx context.Context) (*session.Handle, error)
	RecordCheck()
	RecordDecision(accepted, rejected int)
	Snapshot() models.Session
}

// Metrics receives decision counters from the loops.
type Metrics interface {
	IncJobsSeen(ctx context.Context, task string, n int)
	IncAccepted(ctx context.Context)
	IncRejected(ctx context.Context, reason string)
	IncTransportError(ctx context.Context, op string)
}

type nopMetrics struct{}

func (nopMetrics) IncJobsSeen(context.Context, string, int) {}
func (nopMetrics) IncAccepted(context.Context) {}
func (nopMetrics) IncRejected(context.Context, string) {}
func (nopMetrics) IncTransportError(context.Context, string) {}

// Deps is shared by every loop constructor. Publisher is required for the
// reporters and the quick check; Metrics and Now are optional.
type Deps struct {
	Sessions    Session
	Client      portal.Client
	Ledger      *ledger.Ledger
	Config      *config.Holder
	Publisher   Publisher
	Metrics     Metrics
	CallTimeout time.Duration
	Now         func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Publisher == nil {
		d.Publisher = NewLogPublisher()
	}
	return d
}

// callContext bounds a single portal call.
func (d Deps) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.CallTimeout)
}

// isOpen reports whether a listed job is still open for acceptance. The
// portal marks open jobs "matched"; bridges that omit the status list only
// open jobs.
func isOpen(portalStatus string) bool {
	s := strings.TrimSpace(portalStatus)
	return s == "" || strings.Contains(strings.ToLower(s), "matched")
}

func reported(r models.JobRecord) models.ReportedJob {
	return models.ReportedJob{
		Ref:             r.Observation.JobRef,
		Language:        r.Observation.Language,
		AppointmentDate: r.Observation.AppointmentDate,
		AppointmentTime: r.Observation.AppointmentTime,
		Duration:        r.Observation.Duration,
		Reason:          r.Outcome.RejectionReason,
		DecidedAt:       r.Outcome.DecidedAt,
	}
}
