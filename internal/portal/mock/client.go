package mock

import (
	"context"
	"sync"
	"time"

	"github.com/kiranshivaraju/portalwatch/internal/portal"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

// MockClient satisfies portal.Client for testing. Unset funcs succeed with
// zero values. Calls are counted per method.
type MockClient struct {
	AuthenticateFunc func(ctx context.Context, creds models.Credentials) (models.PortalSession, error)
	ListOpenJobsFunc func(ctx context.Context, sess models.PortalSession) ([]models.JobSnapshot, error)
	GetJobDetailFunc func(ctx context.Context, sess models.PortalSession, ref string) (models.JobSnapshot, error)
	AcceptJobFunc    func(ctx context.Context, sess models.PortalSession, ref string) error
	RejectJobFunc    func(ctx context.Context, sess models.PortalSession, ref, reason string) error

	mu       sync.Mutex
	calls    map[string]int
	accepted []string
	rejected []string
}

func (m *MockClient) Authenticate(ctx context.Context, creds models.Credentials) (models.PortalSession, error) {
	m.count("Authenticate")
	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(ctx, creds)
	}
	return models.PortalSession{Token: "mock-token", IssuedAt: time.Now().UTC()}, nil
}

func (m *MockClient) ListOpenJobs(ctx context.Context, sess models.PortalSession) ([]models.JobSnapshot, error) {
	m.count("ListOpenJobs")
	if m.ListOpenJobsFunc != nil {
		return m.ListOpenJobsFunc(ctx, sess)
	}
	return []models.JobSnapshot{}, nil
}

func (m *MockClient) GetJobDetail(ctx context.Context, sess models.PortalSession, ref string) (models.JobSnapshot, error) {
	m.count("GetJobDetail")
	if m.GetJobDetailFunc != nil {
		return m.GetJobDetailFunc(ctx, sess, ref)
	}
	return models.JobSnapshot{Ref: ref}, nil
}

func (m *MockClient) AcceptJob(ctx context.Context, sess models.PortalSession, ref string) error {
	m.count("AcceptJob")
	var err error
	if m.AcceptJobFunc != nil {
		err = m.AcceptJobFunc(ctx, sess, ref)
	}
	if err == nil {
		m.mu.Lock()
		m.accepted = append(m.accepted, ref)
		m.mu.Unlock()
	}
	return err
}

func (m *MockClient) RejectJob(ctx context.Context, sess models.PortalSession, ref, reason string) error {
	m.count("RejectJob")
	var err error
	if m.RejectJobFunc != nil {
		err = m.RejectJobFunc(ctx, sess, ref, reason)
	}
	if err == nil {
		m.mu.Lock()
		m.rejected = append(m.rejected, ref)
		m.mu.Unlock()
	}
	return err
}

// Calls returns how many times method was invoked.
func (m *MockClient) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Accepted returns the refs of successful AcceptJob calls, in order.
func (m *MockClient) Accepted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.accepted...)
}

// Rejected returns the refs of successful RejectJob calls, in order.
func (m *MockClient) Rejected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.rejected...)
}

func (m *MockClient) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[method]++
}

// NewMockClient returns a client that lists jobs and accepts everything.
func NewMockClient(jobs ...models.JobSnapshot) *MockClient {
	return &MockClient{
		ListOpenJobsFunc: func(_ context.Context, _ models.PortalSession) ([]models.JobSnapshot, error) {
			return append([]models.JobSnapshot(nil), jobs...), nil
		},
	}
}

// NewFailingClient returns a client whose every call fails with err.
func NewFailingClient(err error) *MockClient {
	return &MockClient{
		AuthenticateFunc: func(_ context.Context, _ models.Credentials) (models.PortalSession, error) {
			return models.PortalSession{}, err
		},
		ListOpenJobsFunc: func(_ context.Context, _ models.PortalSession) ([]models.JobSnapshot, error) {
			return nil, err
		},
		GetJobDetailFunc: func(_ context.Context, _ models.PortalSession, _ string) (models.JobSnapshot, error) {
			return models.JobSnapshot{}, err
		},
		AcceptJobFunc: func(_ context.Context, _ models.PortalSession, _ string) error {
			return err
		},
		RejectJobFunc: func(_ context.Context, _ models.PortalSession, _, _ string) error {
			return err
		},
	}
}

// NewFlakyLogin returns a client whose first failures logins fail with
// portal.ErrLoginFailed before succeeding.
func NewFlakyLogin(failures int) *MockClient {
	var mu sync.Mutex
	attempts := 0
	return &MockClient{
		AuthenticateFunc: func(_ context.Context, _ models.Credentials) (models.PortalSession, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts <= failures {
				return models.PortalSession{}, portal.ErrLoginFailed
			}
			return models.PortalSession{Token: "mock-token", IssuedAt: time.Now().UTC()}, nil
		},
	}
}

var _ portal.Client = (*MockClient)(nil)
