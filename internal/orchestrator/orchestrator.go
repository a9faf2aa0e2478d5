// Package orchestrator wires the session, the monitor loops and the
// analytics aggregator onto two schedulers and exposes the operator actions
// the API needs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/portalwatch/internal/analytics"
	"github.com/kiranshivaraju/portalwatch/internal/config"
	"github.com/kiranshivaraju/portalwatch/internal/ledger"
	"github.com/kiranshivaraju/portalwatch/internal/metrics"
	"github.com/kiranshivaraju/portalwatch/internal/monitor"
	"github.com/kiranshivaraju/portalwatch/internal/portal"
	"github.com/kiranshivaraju/portalwatch/internal/scheduler"
	"github.com/kiranshivaraju/portalwatch/internal/session"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Task names.
const (
	TaskScan           = "scan"
	TaskQuickCheck     = "quick_check"
	TaskResultsReport  = "results_report"
	TaskRejectedReport = "rejected_report"
	TaskAnalytics      = "analytics"
	TaskRetention      = "retention"
	TaskSessionSync    = "session_sync"
)

const (
	defaultAnalyticsTick   = time.Minute
	retentionInterval      = time.Hour
	sessionSyncInterval    = 30 * time.Second
	reportTimeout          = 10 * time.Second
	retentionTimeout       = time.Minute
	shutdownReportDeadline = 5 * time.Second
)

// Pruner deletes persisted history older than the retention period.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) error
}

// SessionSink receives periodic session snapshots so counters reach storage
// between status transitions.
type SessionSink func(models.Session)

// Deps holds everything the orchestrator runs. Sessions, Client, Ledger,
// Config and Aggregator are required.
type Deps struct {
	Sessions   *session.Manager
	Client     portal.Client
	Ledger     *ledger.Ledger
	Config     *config.Holder
	Aggregator *analytics.Aggregator
	Publisher  monitor.Publisher
	Metrics    *metrics.Metrics

	Pruner       Pruner
	SessionSinks []SessionSink

	CallTimeout   time.Duration
	AnalyticsTick time.Duration
	Retention     time.Duration
	Now           func() time.Time
}

// Status is the orchestrator's view for the API.
type Status struct {
	Session       models.Session         `json:"session"`
	Tasks         []models.TaskStatus    `json:"tasks"`
	Totals        map[string]int         `json:"totals"`
	CurrentWindow models.AnalyticsWindow `json:"current_window"`
}

// Orchestrator owns the process's periodic work. Portal tasks run on a
// scheduler that pauses while the session is unavailable; bookkeeping tasks
// run on a second scheduler that never pauses.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger

	core         *scheduler.Scheduler
	housekeeping *scheduler.Scheduler
	results      *monitor.ResultsReporter

	mu      sync.Mutex
	applied config.Orchestrator
}

// New builds the orchestrator and registers every task. Enable flags and
// intervals come from the current config.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Sessions == nil || deps.Client == nil || deps.Ledger == nil || deps.Config == nil || deps.Aggregator == nil {
		return nil, errors.New("orchestrator: missing required dependency")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Publisher == nil {
		deps.Publisher = monitor.NewLogPublisher()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.AnalyticsTick <= 0 {
		deps.AnalyticsTick = defaultAnalyticsTick
	}

	o := &Orchestrator{
		deps:   deps,
		logger: slog.With("component", "orchestrator"),
		core: scheduler.New(
			scheduler.WithPause(func() bool { return !deps.Sessions.Ready() }),
			scheduler.WithOverrunErrors(session.ErrGateTimeout),
			scheduler.WithMetrics(deps.Metrics),
		),
		housekeeping: scheduler.New(scheduler.WithMetrics(deps.Metrics)),
		applied:      deps.Config.Current(),
	}

	md := monitor.Deps{
		Sessions:    deps.Sessions,
		Client:      deps.Client,
		Ledger:      deps.Ledger,
		Config:      deps.Config,
		Publisher:   deps.Publisher,
		Metrics:     deps.Metrics,
		CallTimeout: deps.CallTimeout,
		Now:         deps.Now,
	}
	o.results = monitor.NewResultsReporter(md)
	scan := monitor.NewScanLoop(md)
	quick := monitor.NewQuickCheck(md)
	rejected := monitor.NewRejectionReporter(md)

	cfg := o.applied
	core := []scheduler.Task{
		{Name: TaskScan, Interval: cfg.ScanInterval(), Enabled: true, Action: scan.Tick},
		{Name: TaskQuickCheck, Interval: cfg.QuickCheckInterval(), Enabled: cfg.EnableQuickCheck, Action: quick.Tick},
		{Name: TaskResultsReport, Interval: cfg.ResultsReportInterval(), Enabled: cfg.EnableResultsReporting, Action: o.results.Tick, Timeout: reportTimeout},
		{Name: TaskRejectedReport, Interval: cfg.RejectedReportInterval(), Enabled: cfg.EnableRejectedReporting, Action: rejected.Tick, Timeout: reportTimeout},
	}
	for _, t := range core {
		if err := o.core.Register(t); err != nil {
			return nil, fmt.Errorf("registering task: %w", err)
		}
	}

	housekeeping := []scheduler.Task{
		{Name: TaskAnalytics, Interval: deps.AnalyticsTick, Enabled: true, Action: o.tickAnalytics},
		{Name: TaskSessionSync, Interval: sessionSyncInterval, Enabled: len(deps.SessionSinks) > 0, Action: o.syncSession},
	}
	if deps.Retention > 0 {
		housekeeping = append(housekeeping, scheduler.Task{
			Name: TaskRetention, Interval: retentionInterval, Enabled: true, Action: o.prune, Timeout: retentionTimeout,
		})
	}
	for _, t := range housekeeping {
		if err := o.housekeeping.Register(t); err != nil {
			return nil, fmt.Errorf("registering task: %w", err)
		}
	}

	return o, nil
}

// Run authenticates, runs both schedulers until ctx is cancelled or the
// session fails terminally, then flushes analytics, emits a final results
// report and stops the session. A terminal login failure is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	_ = o.syncSession(ctx)

	if err := o.deps.Sessions.Start(ctx); err != nil {
		o.shutdown()
		return fmt.Errorf("starting session: %w", err)
	}
	o.logger.Info("orchestrator started", "session_id", o.deps.Sessions.Snapshot().ID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.core.Run(gctx) })
	g.Go(func() error { return o.housekeeping.Run(gctx) })
	g.Go(func() error {
		select {
		case err := <-o.deps.Sessions.Fatal():
			return err
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	o.shutdown()
	return err
}

func (o *Orchestrator) shutdown() {
	now := o.deps.Now().UTC()
	if w, ok := o.deps.Aggregator.Flush(now); ok {
		o.logger.Info("partial analytics window flushed", "period_start", w.PeriodStart, "processed", w.TotalProcessed)
	}

	if o.deps.Config.Current().EnableResultsReporting {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownReportDeadline)
		if err := o.results.Tick(ctx); err != nil {
			o.logger.Error("final results report", "error", err)
		}
		cancel()
	}

	o.deps.Sessions.Stop()
	_ = o.syncSession(context.Background())

	snap := o.deps.Sessions.Snapshot()
	o.logger.Info("orchestrator stopped",
		"session_id", snap.ID,
		"total_checks", snap.TotalChecks,
		"total_accepted", snap.TotalAccepted,
		"total_rejected", snap.TotalRejected,
	)
}

func (o *Orchestrator) tickAnalytics(context.Context) error {
	o.deps.Aggregator.Tick(o.deps.Now())
	return nil
}

func (o *Orchestrator) syncSession(context.Context) error {
	snap := o.deps.Sessions.Snapshot()
	for _, sink := range o.deps.SessionSinks {
		sink(snap)
	}
	return nil
}

func (o *Orchestrator) prune(ctx context.Context) error {
	cutoff := o.deps.Now().Add(-o.deps.Retention)
	if n := o.deps.Ledger.Prune(cutoff); n > 0 {
		o.logger.Info("pruned ledger", "removed", n, "before", cutoff)
	}
	if o.deps.Pruner == nil {
		return nil
	}
	if err := o.deps.Pruner.Prune(ctx, o.deps.Retention); err != nil {
		return fmt.Errorf("pruning storage: %w", err)
	}
	return nil
}

// ApplyConfig pushes reloaded settings into the schedulers. Intervals are
// always applied; an enable flag is applied only when the file changed it,
// so an operator toggle survives unrelated reloads. It is a
// config.ReloadFunc.
func (o *Orchestrator) ApplyConfig(next config.Orchestrator) {
	o.mu.Lock()
	prev := o.applied
	o.applied = next
	o.mu.Unlock()

	intervals := map[string]time.Duration{
		TaskScan:           next.ScanInterval(),
		TaskQuickCheck:     next.QuickCheckInterval(),
		TaskResultsReport:  next.ResultsReportInterval(),
		TaskRejectedReport: next.RejectedReportInterval(),
	}
	for name, d := range intervals {
		if err := o.core.SetInterval(name, d); err != nil {
			o.logger.Error("applying interval", "task", name, "error", err)
		}
	}

	flags := []struct {
		name       string
		prev, next bool
	}{
		{TaskQuickCheck, prev.EnableQuickCheck, next.EnableQuickCheck},
		{TaskResultsReport, prev.EnableResultsReporting, next.EnableResultsReporting},
		{TaskRejectedReport, prev.EnableRejectedReporting, next.EnableRejectedReporting},
	}
	for _, f := range flags {
		if f.prev == f.next {
			continue
		}
		if err := o.core.SetEnabled(f.name, f.next); err != nil {
			o.logger.Error("applying enable flag", "task", f.name, "error", err)
		}
	}

	o.deps.Metrics.IncConfigReload(context.Background(), true)
	o.logger.Info("config applied", "scan_interval", next.ScanInterval(), "max_accept_per_run", next.MaxAcceptPerRun)
}

// Status returns the session snapshot, every task status and the ledger
// totals.
func (o *Orchestrator) Status() Status {
	return Status{
		Session:       o.deps.Sessions.Snapshot(),
		Tasks:         o.Tasks(),
		Totals:        o.deps.Ledger.Totals(),
		CurrentWindow: o.deps.Aggregator.Current(),
	}
}

// Tasks returns portal tasks first, then bookkeeping tasks.
func (o *Orchestrator) Tasks() []models.TaskStatus {
	return append(o.core.Statuses(), o.housekeeping.Statuses()...)
}

// SetTaskEnabled toggles a task by name.
func (o *Orchestrator) SetTaskEnabled(name string, enabled bool) error {
	err := o.core.SetEnabled(name, enabled)
	if errors.Is(err, scheduler.ErrUnknownTask) {
		err = o.housekeeping.SetEnabled(name, enabled)
	}
	return err
}

// TriggerTask queues an immediate run of a task.
func (o *Orchestrator) TriggerTask(name string) error {
	err := o.core.Trigger(name)
	if errors.Is(err, scheduler.ErrUnknownTask) {
		err = o.housekeeping.Trigger(name)
	}
	return err
}

// OutcomesSince returns ledger records changed after since and the cursor
// for the next call.
func (o *Orchestrator) OutcomesSince(since time.Time) ([]models.JobRecord, time.Time) {
	records := o.deps.Ledger.SnapshotSince(since)
	return records, ledger.Latest(records, since)
}

// Job returns the ledger record for ref.
func (o *Orchestrator) Job(ref string) (models.JobRecord, bool) {
	return o.deps.Ledger.Get(ref)
}

// AnalyticsWindows returns windows closed during this run, oldest first.
func (o *Orchestrator) AnalyticsWindows() []models.AnalyticsWindow {
	return o.deps.Aggregator.Closed()
}

// RejectJob declines a matched job on the operator's behalf. The job must
// be in the ledger and still undecided; the portal call goes through the
// session gate like any task's.
func (o *Orchestrator) RejectJob(ctx context.Context, ref, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: %s", ledger.ErrReasonRequired, ref)
	}
	rec, ok := o.deps.Ledger.Get(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownJob, ref)
	}
	if rec.Outcome.Status != models.OutcomeMatched {
		return fmt.Errorf("%w: %s is %s", ledger.ErrInvalidTransition, ref, rec.Outcome.Status)
	}

	h, err := o.deps.Sessions.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("reject %s: %w", ref, err)
	}
	defer h.Release()

	// a scan may have decided the job while we waited for the gate
	if rec, _ = o.deps.Ledger.Get(ref); rec.Outcome.Status != models.OutcomeMatched {
		return fmt.Errorf("%w: %s is %s", ledger.ErrInvalidTransition, ref, rec.Outcome.Status)
	}

	callCtx, cancel := o.callContext(ctx)
	err = o.deps.Client.RejectJob(callCtx, h.Session(), ref, reason)
	cancel()
	if err != nil {
		if errors.Is(err, portal.ErrLoginFailed) {
			h.Invalidate(err)
		}
		return fmt.Errorf("reject %s: %w", ref, err)
	}

	if err := o.deps.Ledger.SetOutcome(ref, models.OutcomeRejected, reason); err != nil {
		return err
	}
	o.deps.Sessions.RecordDecision(0, 1)
	o.deps.Metrics.IncRejected(ctx, reason)
	o.logger.Info("job rejected by operator", "job_ref", ref, "reason", reason)
	return nil
}

// JobDetail fetches the portal's current view of a job.
func (o *Orchestrator) JobDetail(ctx context.Context, ref string) (models.JobSnapshot, error) {
	h, err := o.deps.Sessions.Acquire(ctx)
	if err != nil {
		return models.JobSnapshot{}, fmt.Errorf("job detail %s: %w", ref, err)
	}
	defer h.Release()

	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	snap, err := o.deps.Client.GetJobDetail(callCtx, h.Session(), ref)
	if err != nil {
		if errors.Is(err, portal.ErrLoginFailed) {
			h.Invalidate(err)
		}
		return models.JobSnapshot{}, fmt.Errorf("job detail %s: %w", ref, err)
	}
	return snap, nil
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.deps.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.deps.CallTimeout)
}
