// Package session owns the single authenticated portal session and the gate
// that serialises every portal call made on its behalf.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/portalwatch/internal/portal"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
	"golang.org/x/sync/semaphore"
)

var (
	ErrGateTimeout = errors.New("session gate timeout")
	ErrUnavailable = errors.New("session unavailable")
	// ErrTerminal is returned once the login retry ceiling has been reached.
	// It matches portal.ErrLoginFailed.
	ErrTerminal = fmt.Errorf("%w: retry ceiling reached", portal.ErrLoginFailed)
)

// TransitionFunc observes session status changes. It receives a copy.
type TransitionFunc func(models.Session)

// Options configure a Manager.
type Options struct {
	// ID identifies the session in storage. A new one is generated when
	// zero.
	ID             uuid.UUID
	Name           string
	Credentials    models.Credentials
	GateTimeout    time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	OnTransition   TransitionFunc
	Now            func() time.Time
}

// Manager owns the session lifecycle. All portal access goes through
// Acquire; authentication attempts take the same gate.
type Manager struct {
	client portal.Client
	opts   Options
	gate   *semaphore.Weighted
	logger *slog.Logger

	mu            sync.RWMutex
	state         models.Session
	token         models.PortalSession
	authenticated bool
	recovering    bool

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	wg         sync.WaitGroup

	fatal     chan error
	fatalOnce sync.Once
}

// NewManager creates a Manager in the not_started state.
func NewManager(client portal.Client, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.GateTimeout <= 0 {
		opts.GateTimeout = 30 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}

	if opts.ID == uuid.Nil {
		opts.ID = uuid.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		client: client,
		opts:   opts,
		gate:   semaphore.NewWeighted(1),
		logger: slog.With("component", "session"),
		state: models.Session{
			ID:          opts.ID,
			Name:        opts.Name,
			Status:      models.SessionStatusNotStarted,
			LoginStatus: models.LoginStatusNotStarted,
		},
		lifeCtx:    ctx,
		lifeCancel: cancel,
		fatal:      make(chan error, 1),
	}
}

// Start moves the session to pending and authenticates. It returns the
// terminal error if the retry ceiling is hit.
func (m *Manager) Start(ctx context.Context) error {
	now := m.opts.Now().UTC()
	m.update(func(s *models.Session) {
		s.StartTime = &now
		s.EndTime = nil
		s.Status = models.SessionStatusPending
		s.LoginStatus = models.LoginStatusPending
	})
	return m.EnsureAuthenticated(ctx)
}

// EnsureAuthenticated logs in if the session is not already authenticated,
// retrying with exponential backoff up to the configured ceiling.
func (m *Manager) EnsureAuthenticated(ctx context.Context) error {
	m.mu.RLock()
	terminal, authed := m.state.Terminal, m.authenticated
	m.mu.RUnlock()
	if terminal {
		return ErrTerminal
	}
	if authed {
		return nil
	}

	op := func() error {
		if err := m.gate.Acquire(ctx, 1); err != nil {
			return backoff.Permanent(err)
		}
		defer m.gate.Release(1)

		m.update(func(s *models.Session) {
			s.LoginAttempts++
			s.LoginStatus = models.LoginStatusPending
		})

		sess, err := m.client.Authenticate(ctx, m.opts.Credentials)
		if err != nil {
			m.markError(err)
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		m.markRunning(sess)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.BackoffInitial
	b.MaxInterval = m.opts.BackoffMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.opts.MaxRetries)), ctx)

	notify := func(err error, next time.Duration) {
		m.logger.Warn("portal login failed, retrying", "error", err, "retry_in", next)
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("authenticate: %w", ctx.Err())
	}

	m.markTerminal(err)
	terr := fmt.Errorf("%w: %v", ErrTerminal, err)
	m.fatalOnce.Do(func() { m.fatal <- terr })
	return terr
}

// Acquire waits for the gate, bounded by the gate timeout. The caller must
// Release the handle on every path.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	if err := m.available(); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.opts.GateTimeout)
	defer cancel()
	if err := m.gate.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire gate: %w", ctx.Err())
		}
		return nil, ErrGateTimeout
	}

	// status may have changed while we waited
	if err := m.available(); err != nil {
		m.gate.Release(1)
		return nil, err
	}

	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()
	return &Handle{m: m, session: tok}, nil
}

func (m *Manager) available() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.Terminal {
		return ErrTerminal
	}
	if m.state.Status != models.SessionStatusRunning || !m.authenticated {
		return fmt.Errorf("%w: status %s", ErrUnavailable, m.state.Status)
	}
	return nil
}

// Ready reports whether the session is running and tasks may tick.
func (m *Manager) Ready() bool {
	return m.available() == nil
}

// Fatal delivers the terminal login error, at most once.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// Snapshot returns a copy of the session state.
func (m *Manager) Snapshot() models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// RecordCheck counts one completed scan cycle.
func (m *Manager) RecordCheck() {
	m.mu.Lock()
	m.state.TotalChecks++
	m.mu.Unlock()
}

// RecordDecision adds to the accepted/rejected totals.
func (m *Manager) RecordDecision(accepted, rejected int) {
	m.mu.Lock()
	m.state.TotalAccepted += int64(accepted)
	m.state.TotalRejected += int64(rejected)
	m.mu.Unlock()
}

// Stop ends the session. Pending recovery attempts are cancelled.
func (m *Manager) Stop() {
	m.lifeCancel()
	m.wg.Wait()

	now := m.opts.Now().UTC()
	m.update(func(s *models.Session) {
		if s.Status == models.SessionStatusStopped {
			return
		}
		s.Status = models.SessionStatusStopped
		if s.EndTime == nil {
			s.EndTime = &now
		}
	})
}

// invalidate drops the portal session and starts background recovery. It
// is safe to call while holding the gate; recovery waits for the gate.
func (m *Manager) invalidate(cause error) {
	m.mu.Lock()
	if m.state.Terminal || m.state.Status == models.SessionStatusStopped {
		m.mu.Unlock()
		return
	}
	m.authenticated = false
	start := !m.recovering
	m.recovering = true
	m.mu.Unlock()

	m.markError(cause)
	m.logger.Error("portal session lost, re-authenticating", "error", cause)

	if !start {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			m.recovering = false
			m.mu.Unlock()
		}()
		if err := m.EnsureAuthenticated(m.lifeCtx); err != nil {
			m.logger.Error("session recovery failed", "error", err)
		}
	}()
}

func (m *Manager) markRunning(sess models.PortalSession) {
	now := m.opts.Now().UTC()
	m.mu.Lock()
	m.token = sess
	m.authenticated = true
	m.mu.Unlock()

	m.update(func(s *models.Session) {
		s.Status = models.SessionStatusRunning
		s.LoginStatus = models.LoginStatusSuccess
		s.LastLoginAt = &now
		s.LastError = ""
	})
	m.logger.Info("portal session authenticated", "session_id", m.Snapshot().ID)
}

func (m *Manager) markError(err error) {
	m.update(func(s *models.Session) {
		s.Status = models.SessionStatusError
		s.LoginStatus = models.LoginStatusFailed
		s.LastError = err.Error()
	})
}

func (m *Manager) markTerminal(err error) {
	now := m.opts.Now().UTC()
	m.update(func(s *models.Session) {
		s.Status = models.SessionStatusError
		s.LoginStatus = models.LoginStatusFailed
		s.Terminal = true
		s.LastError = err.Error()
		if s.EndTime == nil {
			s.EndTime = &now
		}
	})
	m.logger.Error("portal login retry ceiling reached", "error", err, "max_retries", m.opts.MaxRetries)
}

// update applies fn under the lock and fires the transition hook when the
// status or login status changed.
func (m *Manager) update(fn func(*models.Session)) {
	m.mu.Lock()
	before := m.state
	fn(&m.state)
	after := m.state
	m.mu.Unlock()

	changed := before.Status != after.Status || before.LoginStatus != after.LoginStatus || before.Terminal != after.Terminal
	if changed && m.opts.OnTransition != nil {
		m.opts.OnTransition(after)
	}
}

// Handle is exclusive access to the portal session.
type Handle struct {
	m       *Manager
	session models.PortalSession
	once    sync.Once
}

// Session returns the portal session token to pass to the client.
func (h *Handle) Session() models.PortalSession {
	return h.session
}

// Release returns the gate. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() { h.m.gate.Release(1) })
}

// Invalidate reports that the portal rejected the session. Recovery starts
// once the gate is free.
func (h *Handle) Invalidate(cause error) {
	h.m.invalidate(cause)
}
