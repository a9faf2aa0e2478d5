package monitor_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/portalwatch/internal/config"
	"github.com/kiranshivaraju/portalwatch/internal/monitor"
	"github.com/kiranshivaraju/portalwatch/internal/portal"
	"github.com/kiranshivaraju/portalwatch/internal/portal/mock"
	"github.com/kiranshivaraju/portalwatch/internal/session"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan_BasicAccept(t *testing.T) {
	client := mock.NewMockClient(job("J1", "Telephone interpreting", "Spanish"))
	e := newEnv(t, client)

	require.NoError(t, monitor.NewScanLoop(e.deps).Tick(context.Background()))

	assert.Equal(t, models.OutcomeAccepted, outcome(t, e.ledger, "J1"))
	assert.Equal(t, []string{"J1"}, client.Accepted())
	snap := e.sessions.Snapshot()
	assert.Equal(t, int64(1), snap.TotalChecks)
	assert.Equal(t, int64(1), snap.TotalAccepted)
}

func TestScan_BudgetLimitsAcceptsPerTick(t *testing.T) {
	var jobs []models.JobSnapshot
	for i := 0; i < 8; i++ {
		jobs = append(jobs, job(fmt.Sprintf("J%d", i), "Telephone interpreting", "French"))
	}
	client := mock.NewMockClient(jobs...)
	e := newEnv(t, client, func(o *config.Orchestrator) { o.MaxAcceptPerRun = 5 })
	scan := monitor.NewScanLoop(e.deps)

	require.NoError(t, scan.Tick(context.Background()))
	assert.Len(t, client.Accepted(), 5)
	assert.Equal(t, 3, e.ledger.Totals()[models.OutcomeMatched])

	// deferred jobs stay matched and are picked up on the next tick
	require.NoError(t, scan.Tick(context.Background()))
	assert.Len(t, client.Accepted(), 8)
	assert.Equal(t, 0, e.ledger.Totals()[models.OutcomeMatched])
}

func TestScan_ZeroBudgetLeavesJobMatched(t *testing.T) {
	client := mock.NewMockClient(job("J1", "Telephone interpreting", "Spanish"))
	e := newEnv(t, client, func(o *config.Orchestrator) { o.MaxAcceptPerRun = 0 })

	require.NoError(t, monitor.NewScanLoop(e.deps).Tick(context.Background()))

	assert.Equal(t, models.OutcomeMatched, outcome(t, e.ledger, "J1"))
	assert.True(t, e.ledger.NeedsEvaluation("J1"))
	assert.Equal(t, 0, client.Calls("AcceptJob"))
}

func TestScan_ExcludedTypeNeverReachesPortal(t *testing.T) {
	client := mock.NewMockClient(
		job("F1", "Face-to-Face", "Spanish"),
		job("V1", "Video interpreting", "Spanish"),
	)
	e := newEnv(t, client)
	scan := monitor.NewScanLoop(e.deps)

	require.NoError(t, scan.Tick(context.Background()))
	require.NoError(t, scan.Tick(context.Background()))

	assert.Equal(t, 0, client.Calls("AcceptJob"))
	assert.Equal(t, models.OutcomeMatched, outcome(t, e.ledger, "F1"))
	assert.False(t, e.ledger.NeedsEvaluation("F1"))
	assert.False(t, e.ledger.NeedsEvaluation("V1"))
}

func TestScan_SkipsClosedAndIncompleteJobs(t *testing.T) {
	closed := job("C1", "Telephone interpreting", "Spanish")
	closed.Status = "Accepted"
	noLang := job("N1", "Telephone interpreting", "")
	client := mock.NewMockClient(closed, noLang, job("", "Telephone interpreting", "Spanish"))
	e := newEnv(t, client)

	require.NoError(t, monitor.NewScanLoop(e.deps).Tick(context.Background()))

	_, ok := e.ledger.Get("C1")
	assert.False(t, ok)
	assert.Equal(t, models.OutcomeMatched, outcome(t, e.ledger, "N1"))
	assert.Equal(t, 0, client.Calls("AcceptJob"))
}

func TestScan_PortalRefusalIsRejection(t *testing.T) {
	client := mock.NewMockClient(
		job("T1", "Telephone interpreting", "Spanish"),
		job("V1", "Telephone interpreting", "Polish"),
	)
	client.AcceptJobFunc = func(_ context.Context, _ models.PortalSession, ref string) error {
		if ref == "T1" {
			return &portal.RejectionError{Kind: portal.ErrAlreadyTaken, Reason: "already taken"}
		}
		return &portal.RejectionError{Kind: portal.ErrValidation}
	}
	e := newEnv(t, client)

	require.NoError(t, monitor.NewScanLoop(e.deps).Tick(context.Background()))

	t1, _ := e.ledger.Get("T1")
	v1, _ := e.ledger.Get("V1")
	assert.Equal(t, models.OutcomeRejected, t1.Outcome.Status)
	assert.Equal(t, "already taken", t1.Outcome.RejectionReason)
	assert.Equal(t, models.OutcomeRejected, v1.Outcome.Status)
	assert.NotEmpty(t, v1.Outcome.RejectionReason)
	assert.Equal(t, int64(2), e.sessions.Snapshot().TotalRejected)
}

func TestScan_TransportErrorLeavesJobMatched(t *testing.T) {
	client := mock.NewMockClient(
		job("J1", "Telephone interpreting", "Spanish"),
		job("J2", "Telephone interpreting", "Spanish"),
	)
	var fail atomic.Bool
	fail.Store(true)
	client.AcceptJobFunc = func(context.Context, models.PortalSession, string) error {
		if fail.Load() {
			return fmt.Errorf("%w: connection reset", portal.ErrTransport)
		}
		return nil
	}
	e := newEnv(t, client)
	scan := monitor.NewScanLoop(e.deps)

	require.NoError(t, scan.Tick(context.Background()))
	assert.Equal(t, models.OutcomeMatched, outcome(t, e.ledger, "J1"))
	assert.Equal(t, models.OutcomeMatched, outcome(t, e.ledger, "J2"))
	// the tick stops at the first transport failure
	assert.Equal(t, 1, client.Calls("AcceptJob"))

	fail.Store(false)
	require.NoError(t, scan.Tick(context.Background()))
	assert.Equal(t, models.OutcomeAccepted, outcome(t, e.ledger, "J1"))
	assert.Equal(t, models.OutcomeAccepted, outcome(t, e.ledger, "J2"))
}

func TestScan_ListTransportErrorIsNotFatal(t *testing.T) {
	client := mock.NewMockClient()
	client.ListOpenJobsFunc = func(context.Context, models.PortalSession) ([]models.JobSnapshot, error) {
		return nil, fmt.Errorf("%w: timeout", portal.ErrTransport)
	}
	e := newEnv(t, client)

	assert.NoError(t, monitor.NewScanLoop(e.deps).Tick(context.Background()))
	assert.Equal(t, int64(0), e.sessions.Snapshot().TotalChecks)
	assert.True(t, e.sessions.Ready())
}

func TestScan_UnexpectedErrorMarksFailed(t *testing.T) {
	client := mock.NewMockClient(job("J1", "Telephone interpreting", "Spanish"))
	client.AcceptJobFunc = func(context.Context, models.PortalSession, string) error {
		return portal.ErrNotFound
	}
	e := newEnv(t, client)

	require.NoError(t, monitor.NewScanLoop(e.deps).Tick(context.Background()))
	assert.Equal(t, models.OutcomeFailed, outcome(t, e.ledger, "J1"))
}

func TestScan_SessionExpiredStartsRecovery(t *testing.T) {
	var logins atomic.Int32
	var expired atomic.Bool
	expired.Store(true)
	client := mock.NewMockClient(job("J1", "Telephone interpreting", "Spanish"))
	client.AuthenticateFunc = func(context.Context, models.Credentials) (models.PortalSession, error) {
		logins.Add(1)
		return models.PortalSession{Token: "tok"}, nil
	}
	client.AcceptJobFunc = func(context.Context, models.PortalSession, string) error {
		if expired.Swap(false) {
			return portal.ErrSessionExpired
		}
		return nil
	}
	e := newEnv(t, client)
	scan := monitor.NewScanLoop(e.deps)

	err := scan.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, portal.ErrLoginFailed))
	assert.Equal(t, models.OutcomeMatched, outcome(t, e.ledger, "J1"))

	require.Eventually(t, e.sessions.Ready, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), logins.Load())

	require.NoError(t, scan.Tick(context.Background()))
	assert.Equal(t, models.OutcomeAccepted, outcome(t, e.ledger, "J1"))
}

func TestScan_GateBusyReturnsGateTimeout(t *testing.T) {
	client := mock.NewMockClient(job("J1", "Telephone interpreting", "Spanish"))
	e := newEnv(t, client)

	h, err := e.sessions.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	err = monitor.NewScanLoop(e.deps).Tick(context.Background())
	assert.True(t, errors.Is(err, session.ErrGateTimeout))
	assert.Equal(t, 0, client.Calls("ListOpenJobs"))
}

func TestScan_RepeatObservationIsNotReevaluated(t *testing.T) {
	client := mock.NewMockClient(job("J1", "Telephone interpreting", "Spanish"))
	e := newEnv(t, client)
	scan := monitor.NewScanLoop(e.deps)

	require.NoError(t, scan.Tick(context.Background()))
	require.NoError(t, scan.Tick(context.Background()))

	assert.Equal(t, 1, client.Calls("AcceptJob"))
	assert.Equal(t, 1, e.ledger.Len())
}

func TestScan_ReadsConfigAtTickStart(t *testing.T) {
	client := mock.NewMockClient(job("V1", "Video interpreting", "Spanish"))
	e := newEnv(t, client)
	scan := monitor.NewScanLoop(e.deps)

	require.NoError(t, scan.Tick(context.Background()))
	assert.Equal(t, 0, client.Calls("AcceptJob"))

	// V1 was filtered out for this run; a new job under the reloaded filter
	// is accepted
	o := e.holder.Current()
	o.JobTypeFilter = "Video"
	require.NoError(t, e.holder.Replace(o))
	client.ListOpenJobsFunc = func(context.Context, models.PortalSession) ([]models.JobSnapshot, error) {
		return []models.JobSnapshot{job("V2", "Video interpreting", "Spanish")}, nil
	}

	require.NoError(t, scan.Tick(context.Background()))
	assert.Equal(t, []string{"V2"}, client.Accepted())
}
