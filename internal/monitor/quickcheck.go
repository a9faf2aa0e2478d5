package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/portalwatch/internal/policy"
	"github.com/kiranshivaraju/portalwatch/internal/portal"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

// QuickCheck lists open jobs in one category and records them without
// evaluating them. It gives early visibility between scans and never
// changes an outcome.
type QuickCheck struct {
	deps   Deps
	logger *slog.Logger
}

func NewQuickCheck(deps Deps) *QuickCheck {
	return &QuickCheck{
		deps:   deps.withDefaults(),
		logger: slog.With("component", "quick_check"),
	}
}

func (q *QuickCheck) Tick(ctx context.Context) error {
	category := q.deps.Config.Current().QuickCheckCategory

	h, err := q.deps.Sessions.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("quick check: %w", err)
	}
	defer h.Release()

	callCtx, cancel := q.deps.callContext(ctx)
	jobs, err := q.deps.Client.ListOpenJobs(callCtx, h.Session())
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, portal.ErrLoginFailed):
			h.Invalidate(err)
			return fmt.Errorf("quick check list: %w", err)
		case errors.Is(err, portal.ErrTransport), errors.Is(err, context.DeadlineExceeded):
			q.deps.Metrics.IncTransportError(ctx, "list")
			q.logger.Warn("portal call failed, will retry next tick", "op", "list", "error", err)
			return nil
		default:
			return fmt.Errorf("quick check list: %w", err)
		}
	}

	scrapedAt := q.deps.Now().UTC()
	report := &models.QuickCheckReport{Category: category, Refs: []string{}}
	for _, snap := range jobs {
		if snap.Ref == "" || !isOpen(snap.Status) || !policy.MatchesCategory(snap.JobType, category) {
			continue
		}
		report.Found++
		report.Refs = append(report.Refs, snap.Ref)
		if q.deps.Ledger.Record(snap.Observe(scrapedAt)) {
			report.New++
		}
	}
	h.Release()
	q.deps.Metrics.IncJobsSeen(ctx, "quick_check", report.Found)

	if report.Found == 0 {
		q.logger.Debug("no jobs matching category", "category", category)
	} else {
		q.logger.Info("found jobs matching category", "category", category, "found", report.Found, "new", report.New)
	}

	return q.deps.Publisher.Publish(ctx, models.Report{
		Kind:        models.ReportQuickCheck,
		GeneratedAt: scrapedAt,
		QuickCheck:  report,
	})
}
