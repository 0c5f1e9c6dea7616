package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/alexngai/gitswarm-sub001/internal/tlsutil"
	"github.com/alexngai/gitswarm-sub001/swarm/store"
)

// Hosting client errors
var (
	// ErrHostingUnavailable means the hosting API could not be reached
	// after retries
	ErrHostingUnavailable = errors.New("backend: hosting api unavailable")

	// ErrHostingRequest means the hosting API answered with a
	// non-success status
	ErrHostingRequest = errors.New("backend: hosting api request failed")
)

// HostingMergeResponse is the hosting API's answer to a merge or
// promote request.
type HostingMergeResponse struct {
	Merged  bool   `json:"merged"`
	Ref     string `json:"ref"`
	Message string `json:"message,omitempty"`
}

// HostingClient is the wire interface to the code-hosting service.
type HostingClient interface {
	// MergeBranch asks the service to merge source into target
	MergeBranch(ctx context.Context, repoID, source, target string) (*HostingMergeResponse, error)

	// CreateRevertRequest opens a new revert request for the branch and
	// returns its reference
	CreateRevertRequest(ctx context.Context, repoID, branch string) (string, error)
}

// RemoteAPI executes operations through a code-hosting service's
// request model. Reverts degrade: the service creates a follow-up
// revert request instead of rewriting history, so Revert never reports
// Executed true and the remote status flag stays authoritative.
type RemoteAPI struct {
	client HostingClient
	logger *zap.Logger
}

var _ Backend = (*RemoteAPI)(nil)

// NewRemoteAPI creates the remote-api engine.
func NewRemoteAPI(client HostingClient, logger *zap.Logger) *RemoteAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteAPI{
		client: client,
		logger: logger.With(zap.String("component", "remote_api_backend")),
	}
}

// Name identifies the engine.
func (r *RemoteAPI) Name() store.GitBackend { return store.BackendRemoteAPI }

// Merge asks the hosting service to merge the stream into the buffer
// branch and reports what the service reports.
func (r *RemoteAPI) Merge(ctx context.Context, stream *store.Stream, repo *store.Repo) (Result, error) {
	resp, err := r.client.MergeBranch(ctx, repo.ID, stream.Branch, repo.BufferBranch)
	if err != nil {
		return Result{}, err
	}
	if !resp.Merged {
		r.logger.Warn("hosting api declined merge",
			zap.String("repo", repo.ID),
			zap.String("stream", stream.ID),
			zap.String("message", resp.Message),
		)
		return Result{Executed: false, Status: StatusRejected}, nil
	}
	return Result{Executed: true, Status: StatusMerged, MergeRef: resp.Ref}, nil
}

// Revert opens a revert request on the hosting service. The result is
// never Executed: the authoritative signal is the remote status flag,
// which the governance decision has already set. A transport failure
// still carries that status so callers record the degraded capability
// alongside the error.
func (r *RemoteAPI) Revert(ctx context.Context, stream *store.Stream, repo *store.Repo) (Result, error) {
	result := Result{Executed: false, Status: StatusRemoteFlagAuthoritative}

	ref, err := r.client.CreateRevertRequest(ctx, repo.ID, stream.Branch)
	if err != nil {
		return result, err
	}
	result.MergeRef = ref

	r.logger.Info("revert request created",
		zap.String("repo", repo.ID),
		zap.String("stream", stream.ID),
		zap.String("request_ref", ref),
	)
	return result, nil
}

// FastForwardPromote records intent only. The actual fast-forward
// happens remotely, driven by the hosting service.
func (r *RemoteAPI) FastForwardPromote(ctx context.Context, stream *store.Stream, repo *store.Repo) (Result, error) {
	r.logger.Info("promotion intent recorded",
		zap.String("repo", repo.ID),
		zap.String("from", repo.BufferBranch),
		zap.String("to", repo.PromoteTarget),
	)
	return Result{Executed: false, Status: StatusIntentRecorded}, nil
}

// HTTPHostingClient talks to the hosting API over HTTP with bounded
// retries and exponential spacing between attempts.
type HTTPHostingClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger
}

var _ HostingClient = (*HTTPHostingClient)(nil)

// HostingClientOption configures an HTTPHostingClient.
type HostingClientOption func(*HTTPHostingClient)

// WithHostingTimeout sets the per-request timeout.
func WithHostingTimeout(d time.Duration) HostingClientOption {
	return func(c *HTTPHostingClient) { c.httpClient.Timeout = d }
}

// WithHostingRetries sets the retry budget and the base delay between
// attempts.
func WithHostingRetries(max int, delay time.Duration) HostingClientOption {
	return func(c *HTTPHostingClient) {
		c.maxRetries = max
		c.retryDelay = delay
	}
}

// WithHostingLogger sets the logger.
func WithHostingLogger(logger *zap.Logger) HostingClientOption {
	return func(c *HTTPHostingClient) { c.logger = logger }
}

// NewHTTPHostingClient creates a hosting API client.
func NewHTTPHostingClient(baseURL, token string, opts ...HostingClientOption) *HTTPHostingClient {
	c := &HTTPHostingClient{
		httpClient: tlsutil.Client(30 * time.Second),
		baseURL:    baseURL,
		token:      token,
		maxRetries: 3,
		retryDelay: time.Second,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "hosting_client"))
	return c
}

// MergeBranch asks the service to merge source into target.
func (c *HTTPHostingClient) MergeBranch(ctx context.Context, repoID, source, target string) (*HostingMergeResponse, error) {
	body := map[string]string{
		"source_branch": source,
		"target_branch": target,
	}
	var resp HostingMergeResponse
	url := fmt.Sprintf("%s/api/v1/repos/%s/merges", c.baseURL, repoID)
	if err := c.postJSON(ctx, url, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateRevertRequest opens a revert request for the branch.
func (c *HTTPHostingClient) CreateRevertRequest(ctx context.Context, repoID, branch string) (string, error) {
	body := map[string]string{"branch": branch}
	var resp struct {
		RequestRef string `json:"request_ref"`
	}
	url := fmt.Sprintf("%s/api/v1/repos/%s/revert-requests", c.baseURL, repoID)
	if err := c.postJSON(ctx, url, body, &resp); err != nil {
		return "", err
	}
	return resp.RequestRef, nil
}

// postJSON sends a JSON request, retrying transport and 5xx failures.
// Client errors (4xx) are not retried.
func (c *HTTPHostingClient) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			c.logger.Debug("retrying hosting api request",
				zap.String("url", url),
				zap.Int("attempt", attempt),
			)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil {
				if err := json.Unmarshal(data, out); err != nil {
					return fmt.Errorf("failed to decode response: %w", err)
				}
			}
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
			continue
		default:
			return fmt.Errorf("%w: status %d: %s", ErrHostingRequest, resp.StatusCode, bytes.TrimSpace(data))
		}
	}

	return fmt.Errorf("%w: %v", ErrHostingUnavailable, lastErr)
}
