// Package portal is the client side of the job portal: login, listing open
// jobs, and accepting or declining them.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/kiranshivaraju/portalwatch/pkg/models"
	"golang.org/x/time/rate"
)

// Sentinel errors for portal failures.
var (
	ErrLoginFailed = errors.New("portal login failed")
	// ErrSessionExpired is returned when the portal no longer accepts the
	// session token. It matches ErrLoginFailed.
	ErrSessionExpired = fmt.Errorf("%w: session expired", ErrLoginFailed)
	ErrTransport      = errors.New("portal transport error")
	ErrAlreadyTaken   = errors.New("job already taken")
	ErrValidation     = errors.New("job failed validation")
	ErrNotFound       = errors.New("job not found")
)

// RejectionError carries the portal's reason for refusing an accept.
// It unwraps to ErrAlreadyTaken or ErrValidation.
type RejectionError struct {
	Kind   error
	Reason string
}

func (e *RejectionError) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *RejectionError) Unwrap() error { return e.Kind }

// Client is the interface the orchestrator uses to talk to the portal.
// Implementations are not required to be safe for concurrent use; callers
// serialise access through the session gate.
type Client interface {
	Authenticate(ctx context.Context, creds models.Credentials) (models.PortalSession, error)
	ListOpenJobs(ctx context.Context, sess models.PortalSession) ([]models.JobSnapshot, error)
	GetJobDetail(ctx context.Context, sess models.PortalSession, ref string) (models.JobSnapshot, error)
	AcceptJob(ctx context.Context, sess models.PortalSession, ref string) error
	RejectJob(ctx context.Context, sess models.PortalSession, ref, reason string) error
}

// HTTPClient implements Client against the portal bridge's JSON API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates a portal client. Every request waits on limiter
// first; a nil limiter means no throttling.
func NewHTTPClient(baseURL string, timeout time.Duration, limiter *rate.Limiter) *HTTPClient {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

func (c *HTTPClient) Authenticate(ctx context.Context, creds models.Credentials) (models.PortalSession, error) {
	in := loginRequest{Username: creds.Username, Password: creds.Password}
	var out loginResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/session", "", in, &out)
	if errors.Is(err, ErrSessionExpired) {
		return models.PortalSession{}, fmt.Errorf("%w: credentials rejected", ErrLoginFailed)
	}
	if err != nil {
		return models.PortalSession{}, err
	}
	if out.Token == "" {
		return models.PortalSession{}, fmt.Errorf("%w: empty session token", ErrLoginFailed)
	}

	issued := out.IssuedAt
	if issued.IsZero() {
		issued = time.Now().UTC()
	}
	return models.PortalSession{Token: out.Token, IssuedAt: issued}, nil
}

func (c *HTTPClient) ListOpenJobs(ctx context.Context, sess models.PortalSession) ([]models.JobSnapshot, error) {
	var out jobsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs?status=open", sess.Token, nil, &out); err != nil {
		return nil, err
	}
	if out.Jobs == nil {
		return []models.JobSnapshot{}, nil
	}
	return out.Jobs, nil
}

func (c *HTTPClient) GetJobDetail(ctx context.Context, sess models.PortalSession, ref string) (models.JobSnapshot, error) {
	var out models.JobSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(ref), sess.Token, nil, &out); err != nil {
		return models.JobSnapshot{}, err
	}
	return out, nil
}

func (c *HTTPClient) AcceptJob(ctx context.Context, sess models.PortalSession, ref string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(ref)+"/accept", sess.Token, nil, nil)
}

func (c *HTTPClient) RejectJob(ctx context.Context, sess models.PortalSession, ref, reason string) error {
	in := rejectRequest{Reason: reason}
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(ref)+"/reject", sess.Token, in, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path, token string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return classifyError(err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrTransport, err)
	}
	return nil
}

// statusError maps a non-2xx response to a sentinel error.
func statusError(resp *http.Response) error {
	var pe portalError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&pe)
	reason := pe.Reason
	if reason == "" {
		reason = pe.Message
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrSessionExpired
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		if reason == "" {
			reason = "job already taken"
		}
		return &RejectionError{Kind: ErrAlreadyTaken, Reason: reason}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		if reason == "" {
			reason = "validation error"
		}
		return &RejectionError{Kind: ErrValidation, Reason: reason}
	default:
		return fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}
}

// classifyError maps transport-level errors to ErrTransport.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: timeout: %v", ErrTransport, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrTransport, err)
	}

	return fmt.Errorf("%w: unreachable: %v", ErrTransport, err)
}

// --- portal bridge wire types ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issued_at"`
}

type jobsResponse struct {
	Jobs []models.JobSnapshot `json:"jobs"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type portalError struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
