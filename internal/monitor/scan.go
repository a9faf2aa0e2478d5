package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/portalwatch/internal/ledger"
	"github.com/kiranshivaraju/portalwatch/internal/policy"
	"github.com/kiranshivaraju/portalwatch/internal/portal"
	"github.com/kiranshivaraju/portalwatch/internal/session"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

// errTransient ends a tick early without failing it.
var errTransient = errors.New("transient portal failure")

// ScanLoop lists open jobs and accepts the ones the policy selects.
type ScanLoop struct {
	deps   Deps
	logger *slog.Logger
}

func NewScanLoop(deps Deps) *ScanLoop {
	return &ScanLoop{
		deps:   deps.withDefaults(),
		logger: slog.With("component", "scan"),
	}
}

// TickResult summarises one scan tick.
type TickResult struct {
	Listed   int
	New      int
	Accepted int
	Rejected int
	Failed   int
	Deferred int
}

// Tick runs one scan. Transport failures end the tick early and leave the
// ledger untouched for the affected job; an expired portal session is
// handed to the session manager for recovery and returned.
func (s *ScanLoop) Tick(ctx context.Context) error {
	_, err := s.tick(ctx)
	if errors.Is(err, errTransient) {
		return nil
	}
	return err
}

func (s *ScanLoop) tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	rules := policy.RulesFrom(s.deps.Config.Current())

	h, err := s.deps.Sessions.Acquire(ctx)
	if err != nil {
		return res, fmt.Errorf("scan: %w", err)
	}
	defer h.Release()

	callCtx, cancel := s.deps.callContext(ctx)
	jobs, err := s.deps.Client.ListOpenJobs(callCtx, h.Session())
	cancel()
	if err != nil {
		return res, s.callFailed(ctx, h, "list", "", err)
	}
	s.deps.Sessions.RecordCheck()

	scrapedAt := s.deps.Now().UTC()
	res.Listed = len(jobs)
	s.deps.Metrics.IncJobsSeen(ctx, "scan", len(jobs))

	defer func() {
		s.deps.Sessions.RecordDecision(res.Accepted, res.Rejected)
		if res.Accepted+res.Rejected+res.Failed > 0 {
			s.logger.Info("scan tick complete",
				"listed", res.Listed,
				"new", res.New,
				"accepted", res.Accepted,
				"rejected", res.Rejected,
				"failed", res.Failed,
				"deferred", res.Deferred,
			)
		}
	}()

	for _, snap := range jobs {
		if snap.Ref == "" || !isOpen(snap.Status) {
			continue
		}
		obs := snap.Observe(scrapedAt)
		if s.deps.Ledger.Record(obs) {
			res.New++
		}
		if !s.deps.Ledger.NeedsEvaluation(obs.JobRef) {
			continue
		}

		d := policy.Evaluate(obs, rules, res.Accepted)
		if d.Action == policy.Ignore {
			if d.Budgeted() {
				res.Deferred++
				s.logger.Debug("job deferred", "job_ref", obs.JobRef, "reason", d.Reason)
				continue
			}
			s.deps.Ledger.MarkIgnored(obs.JobRef)
			s.logger.Debug("job ignored", "job_ref", obs.JobRef, "job_type", obs.JobType, "reason", d.Reason)
			continue
		}

		if err := s.accept(ctx, h, obs, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// accept calls the portal for one job and records the outcome. A non-nil
// return aborts the tick.
func (s *ScanLoop) accept(ctx context.Context, h *session.Handle, obs models.JobObservation, res *TickResult) error {
	callCtx, cancel := s.deps.callContext(ctx)
	err := s.deps.Client.AcceptJob(callCtx, h.Session(), obs.JobRef)
	cancel()

	if err == nil {
		s.setOutcome(obs.JobRef, models.OutcomeAccepted, "")
		res.Accepted++
		s.deps.Metrics.IncAccepted(ctx)
		s.logger.Info("job accepted", "job_ref", obs.JobRef, "language", obs.Language, "appointment_date", obs.AppointmentDate)
		return nil
	}

	if d, ok := policy.RejectFromError(err); ok {
		s.setOutcome(obs.JobRef, models.OutcomeRejected, d.Reason)
		res.Rejected++
		s.deps.Metrics.IncRejected(ctx, d.Reason)
		s.logger.Info("job rejected by portal", "job_ref", obs.JobRef, "reason", d.Reason)
		return nil
	}

	if errors.Is(err, portal.ErrTransport) || errors.Is(err, portal.ErrLoginFailed) || errors.Is(err, context.DeadlineExceeded) {
		return s.callFailed(ctx, h, "accept", obs.JobRef, err)
	}

	s.setOutcome(obs.JobRef, models.OutcomeFailed, "")
	res.Failed++
	s.logger.Error("job accept failed", "job_ref", obs.JobRef, "error", err)
	return nil
}

// callFailed classifies a portal call error for the tick. Transport errors
// end the tick as transient; login errors start session recovery.
func (s *ScanLoop) callFailed(ctx context.Context, h *session.Handle, op, ref string, err error) error {
	switch {
	case errors.Is(err, portal.ErrLoginFailed):
		h.Invalidate(err)
		return fmt.Errorf("scan %s: %w", op, err)
	case errors.Is(err, portal.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		s.deps.Metrics.IncTransportError(ctx, op)
		s.logger.Warn("portal call failed, will retry next tick", "op", op, "job_ref", ref, "error", err)
		return errTransient
	default:
		return fmt.Errorf("scan %s: %w", op, err)
	}
}

func (s *ScanLoop) setOutcome(ref, status, reason string) {
	if err := s.deps.Ledger.SetOutcome(ref, status, reason); err != nil && !errors.Is(err, ledger.ErrInvalidTransition) {
		s.logger.Error("recording outcome", "job_ref", ref, "status", status, "error", err)
	}
}
