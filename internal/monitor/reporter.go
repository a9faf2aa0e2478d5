package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/portalwatch/internal/ledger"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

// Appointment time buckets used in results reports.
const (
	PeriodMorning   = "morning"
	PeriodAfternoon = "afternoon"
	PeriodEvening   = "evening"
	PeriodNight     = "night"
)

// TimePeriod buckets an appointment hour.
func TimePeriod(hour int) string {
	switch {
	case hour >= 6 && hour < 12:
		return PeriodMorning
	case hour >= 12 && hour < 17:
		return PeriodAfternoon
	case hour >= 17 && hour < 22:
		return PeriodEvening
	default:
		return PeriodNight
	}
}

// cursor is a restartable read position over the ledger. It only advances
// after the report built from it has been published.
type cursor struct {
	mu    sync.Mutex
	since time.Time
}

func (c *cursor) get() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.since
}

func (c *cursor) advance(to time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if to.After(c.since) {
		c.since = to
	}
}

// ResultsReporter publishes acceptance progress since its last report. It
// reads only the ledger and never takes the session gate.
type ResultsReporter struct {
	deps   Deps
	cursor cursor
	logger *slog.Logger
}

func NewResultsReporter(deps Deps) *ResultsReporter {
	return &ResultsReporter{
		deps:   deps.withDefaults(),
		logger: slog.With("component", "results_report"),
	}
}

func (r *ResultsReporter) Tick(ctx context.Context) error {
	report, next := r.Build(r.cursor.get())
	if err := r.deps.Publisher.Publish(ctx, report); err != nil {
		return fmt.Errorf("publishing results report: %w", err)
	}
	r.cursor.advance(next)

	res := report.Results
	if len(res.AcceptedSinceLast) > 0 || res.RejectedSinceLast > 0 {
		r.logger.Info("results report",
			"accepted_since_last", len(res.AcceptedSinceLast),
			"rejected_since_last", res.RejectedSinceLast,
			"total_accepted", res.TotalAccepted,
			"check_cycles", res.CheckCycles,
		)
	}
	return nil
}

// Build computes the report for changes after since and returns the cursor
// to resume from.
func (r *ResultsReporter) Build(since time.Time) (models.Report, time.Time) {
	now := r.deps.Now().UTC()
	records := r.deps.Ledger.SnapshotSince(since)
	totals := r.deps.Ledger.Totals()
	sess := r.deps.Sessions.Snapshot()
	uptime := sess.Uptime(now)

	res := &models.ResultsReport{
		SessionID:              sess.ID,
		SessionStatus:          sess.Status,
		LoginStatus:            sess.LoginStatus,
		SessionDurationSeconds: int64(uptime.Seconds()),
		CheckCycles:            sess.TotalChecks,
		TotalAccepted:          totals[models.OutcomeAccepted],
		TotalRejected:          totals[models.OutcomeRejected],
		AcceptedSinceLast:      []models.ReportedJob{},
		Languages:              map[string]int{},
		TimePeriods: map[string]int{
			PeriodMorning:   0,
			PeriodAfternoon: 0,
			PeriodEvening:   0,
			PeriodNight:     0,
		},
		Since: since,
		Until: now,
	}

	for _, rec := range records {
		switch rec.Outcome.Status {
		case models.OutcomeAccepted:
			res.AcceptedSinceLast = append(res.AcceptedSinceLast, reported(rec))
			lang := rec.Observation.Language
			if lang == "" {
				lang = "Unknown"
			}
			res.Languages[lang]++
			if hour, ok := rec.Observation.AppointmentHour(); ok {
				res.TimePeriods[TimePeriod(hour)]++
			}
		case models.OutcomeRejected:
			res.RejectedSinceLast++
		}
	}

	if hours := uptime.Hours(); hours > 0 {
		avg := float64(res.TotalAccepted+res.TotalRejected) / hours
		res.AveragePerHour = math.Round(avg*100) / 100
	}

	return models.Report{Kind: models.ReportResults, GeneratedAt: now, Results: res}, ledger.Latest(records, since)
}

// RejectionReporter publishes rejected jobs grouped by reason. It reads only
// the ledger.
type RejectionReporter struct {
	deps   Deps
	cursor cursor
	logger *slog.Logger
}

func NewRejectionReporter(deps Deps) *RejectionReporter {
	return &RejectionReporter{
		deps:   deps.withDefaults(),
		logger: slog.With("component", "rejected_report"),
	}
}

func (r *RejectionReporter) Tick(ctx context.Context) error {
	report, next := r.Build(r.cursor.get())
	if err := r.deps.Publisher.Publish(ctx, report); err != nil {
		return fmt.Errorf("publishing rejection report: %w", err)
	}
	r.cursor.advance(next)

	if report.Rejections.Total > 0 {
		r.logger.Info("rejection report", "rejected", report.Rejections.Total, "reasons", len(report.Rejections.Reasons))
	}
	return nil
}

// Build groups rejections changed after since. Reasons are ordered by count,
// then alphabetically.
func (r *RejectionReporter) Build(since time.Time) (models.Report, time.Time) {
	now := r.deps.Now().UTC()
	records := r.deps.Ledger.SnapshotSince(since)

	rep := &models.RejectionReport{
		Reasons: []models.ReasonCount{},
		Jobs:    []models.ReportedJob{},
		Since:   since,
		Until:   now,
	}
	byReason := map[string]*models.ReasonCount{}
	for _, rec := range records {
		if rec.Outcome.Status != models.OutcomeRejected {
			continue
		}
		rep.Total++
		rep.Jobs = append(rep.Jobs, reported(rec))

		reason := rec.Outcome.RejectionReason
		rc, ok := byReason[reason]
		if !ok {
			rc = &models.ReasonCount{Reason: reason}
			byReason[reason] = rc
		}
		rc.Count++
		rc.Refs = append(rc.Refs, rec.Observation.JobRef)
	}

	for _, rc := range byReason {
		rep.Reasons = append(rep.Reasons, *rc)
	}
	sort.Slice(rep.Reasons, func(i, j int) bool {
		if rep.Reasons[i].Count != rep.Reasons[j].Count {
			return rep.Reasons[i].Count > rep.Reasons[j].Count
		}
		return rep.Reasons[i].Reason < rep.Reasons[j].Reason
	})

	return models.Report{Kind: models.ReportRejections, GeneratedAt: now, Rejections: rep}, ledger.Latest(records, since)
}
