package monitor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/portalwatch/internal/config"
	"github.com/kiranshivaraju/portalwatch/internal/ledger"
	"github.com/kiranshivaraju/portalwatch/internal/monitor"
	"github.com/kiranshivaraju/portalwatch/internal/portal"
	"github.com/kiranshivaraju/portalwatch/internal/session"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
	"github.com/stretchr/testify/require"
)

func testOrchestrator() config.Orchestrator {
	return config.Orchestrator{
		ScanIntervalSec:           0.5,
		QuickCheckIntervalSec:     10,
		ResultsReportIntervalSec:  5,
		RejectedReportIntervalSec: 43200,
		EnableResultsReporting:    true,
		EnableRejectedReporting:   true,
		MaxAcceptPerRun:           5,
		JobTypeFilter:             "Telephone interpreting",
		ExcludeTypes:              []string{"Face-to-Face", "Face to Face", "In-Person", "Onsite"},
		QuickCheckCategory:        "Telephone interpreting",
		RequiredFields:            []string{"ref", "language"},
	}
}

// recordingPublisher captures published reports.
type recordingPublisher struct {
	mu      sync.Mutex
	reports []models.Report
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, r models.Report) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.reports = append(p.reports, r)
	return nil
}

func (p *recordingPublisher) last(t *testing.T) models.Report {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.reports)
	return p.reports[len(p.reports)-1]
}

type env struct {
	deps      monitor.Deps
	sessions  *session.Manager
	ledger    *ledger.Ledger
	holder    *config.Holder
	publisher *recordingPublisher
}

func newEnv(t *testing.T, client portal.Client, mutate ...func(*config.Orchestrator)) *env {
	t.Helper()
	o := testOrchestrator()
	for _, m := range mutate {
		m(&o)
	}

	sessions := session.NewManager(client, session.Options{
		Name:           "test",
		GateTimeout:    100 * time.Millisecond,
		MaxRetries:     2,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
	require.NoError(t, sessions.Start(context.Background()))
	t.Cleanup(sessions.Stop)

	l := ledger.New()
	holder := config.NewHolder(o)
	pub := &recordingPublisher{}
	return &env{
		deps: monitor.Deps{
			Sessions:    sessions,
			Client:      client,
			Ledger:      l,
			Config:      holder,
			Publisher:   pub,
			CallTimeout: time.Second,
		},
		sessions:  sessions,
		ledger:    l,
		holder:    holder,
		publisher: pub,
	}
}

func job(ref, jobType, language string) models.JobSnapshot {
	return models.JobSnapshot{
		Ref:             ref,
		Language:        language,
		JobType:         jobType,
		AppointmentDate: "2026-03-02",
		AppointmentTime: "10:30",
		Status:          "Matched",
	}
}

func outcome(t *testing.T, l *ledger.Ledger, ref string) string {
	t.Helper()
	rec, ok := l.Get(ref)
	require.True(t, ok, "job %s not recorded", ref)
	return rec.Outcome.Status
}
