package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/alexngai/gitswarm-sub001/internal/tlsutil"
)

// Client defines the operations subordinates perform against the
// authority.
type Client interface {
	// RequestMerge delegates a merge decision to the authority.
	RequestMerge(ctx context.Context, req *MergeRequest) (*MergeDecision, error)
	// PushEvents delivers queued events in order and reports how many
	// the authority applied.
	PushEvents(ctx context.Context, agentID string, events []EventEnvelope) (*PushReceipt, error)
	// Online reports whether the authority is currently reachable.
	Online(ctx context.Context) bool
}

// ClientConfig holds configuration for the authority client.
type ClientConfig struct {
	// BaseURL is the authority's base URL.
	BaseURL string
	// AgentID identifies this subordinate in requests and session tokens.
	AgentID string
	// Secret is the shared HMAC secret used to mint session tokens.
	Secret string
	// Token is a static bearer token. When set, no session tokens are
	// minted and Secret is ignored.
	Token string
	// Timeout is the default timeout for HTTP requests.
	Timeout time.Duration
	// RetryCount is the number of retries for failed requests.
	RetryCount int
	// RetryDelay is the delay between retries.
	RetryDelay time.Duration
	// SessionTTL bounds the lifetime of minted session tokens.
	SessionTTL time.Duration
	// ProbeTTL is how long a connectivity verdict is trusted.
	ProbeTTL time.Duration
	// ProbeTimeout bounds the connectivity probe request.
	ProbeTimeout time.Duration
	// Headers are additional headers to include in requests.
	Headers map[string]string
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:      30 * time.Second,
		RetryCount:   3,
		RetryDelay:   1 * time.Second,
		SessionTTL:   15 * time.Minute,
		ProbeTTL:     5 * time.Second,
		ProbeTimeout: 2 * time.Second,
		Headers:      make(map[string]string),
		AgentID:      "default-agent",
	}
}

// HTTPClient is the default implementation of Client using HTTP.
type HTTPClient struct {
	config     *ClientConfig
	httpClient *http.Client
	// session caches the minted token until close to expiry
	session   *sessionState
	sessionMu sync.Mutex
	// probe caches the last connectivity verdict
	probe   *probeState
	probeMu sync.RWMutex
}

type sessionState struct {
	token     string
	expiresAt time.Time
}

type probeState struct {
	online    bool
	expiresAt time.Time
}

// tokenRefreshSlack re-mints session tokens before they expire so an
// in-flight request is never rejected mid-call.
const tokenRefreshSlack = time.Minute

// NewHTTPClient creates a new HTTPClient with the given configuration.
func NewHTTPClient(config *ClientConfig) *HTTPClient {
	if config == nil {
		config = DefaultClientConfig()
	}
	return &HTTPClient{
		config:     config,
		httpClient: tlsutil.Client(config.Timeout),
	}
}

// sessionToken returns a bearer token for authority calls. Static
// tokens win; otherwise a short-lived HS256 token is minted from the
// shared secret and cached. An empty string means the deployment runs
// unauthenticated.
func (c *HTTPClient) sessionToken() (string, error) {
	if c.config.Token != "" {
		return c.config.Token, nil
	}
	if c.config.Secret == "" {
		return "", nil
	}

	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if c.session != nil && time.Now().Before(c.session.expiresAt.Add(-tokenRefreshSlack)) {
		return c.session.token, nil
	}

	now := time.Now()
	expiresAt := now.Add(c.config.SessionTTL)
	claims := jwt.MapClaims{
		"sub":      c.config.AgentID,
		"agent_id": c.config.AgentID,
		"iss":      "gitswarm",
		"iat":      now.Unix(),
		"exp":      expiresAt.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.config.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	c.session = &sessionState{token: token, expiresAt: expiresAt}
	return token, nil
}

// invalidateSession drops the cached token so the next call mints a
// fresh one.
func (c *HTTPClient) invalidateSession() {
	c.sessionMu.Lock()
	c.session = nil
	c.sessionMu.Unlock()
}

// RequestMerge delegates a merge decision to the authority. The
// decision is final for the subordinate: there is no local fallback
// evaluation on denial.
func (c *HTTPClient) RequestMerge(ctx context.Context, req *MergeRequest) (*MergeDecision, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidResponse)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var decision MergeDecision
	if err := c.doJSON(ctx, c.config.BaseURL+"/api/v1/federation/merge-requests", req, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// PushEvents delivers the batch in order. The receipt's Accepted count
// is how many leading events the authority applied; on a transport
// failure no receipt is returned and the caller must assume nothing
// was applied.
func (c *HTTPClient) PushEvents(ctx context.Context, agentID string, events []EventEnvelope) (*PushReceipt, error) {
	body := struct {
		Events []EventEnvelope `json:"events"`
	}{Events: events}

	var receipt PushReceipt
	url := fmt.Sprintf("%s/api/v1/federation/agents/%s/events", c.config.BaseURL, agentID)
	if err := c.doJSON(ctx, url, body, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Online reports whether the authority is reachable. Verdicts are
// cached for ProbeTTL so governance decisions made in quick succession
// agree with each other.
func (c *HTTPClient) Online(ctx context.Context) bool {
	c.probeMu.RLock()
	if p := c.probe; p != nil && time.Now().Before(p.expiresAt) {
		c.probeMu.RUnlock()
		return p.online
	}
	c.probeMu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err == nil {
		resp, err := c.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			online = resp.StatusCode == http.StatusOK
		}
	}

	c.setProbe(online)
	return online
}

func (c *HTTPClient) setProbe(online bool) {
	c.probeMu.Lock()
	c.probe = &probeState{online: online, expiresAt: time.Now().Add(c.config.ProbeTTL)}
	c.probeMu.Unlock()
}

// ClearProbeCache forgets the cached connectivity verdict.
func (c *HTTPClient) ClearProbeCache() {
	c.probeMu.Lock()
	c.probe = nil
	c.probeMu.Unlock()
}

// SubscribeEvents opens the authority's event feed and invokes handler
// for every envelope until the context is canceled or the feed closes.
func (c *HTTPClient) SubscribeEvents(ctx context.Context, handler func(EventEnvelope)) error {
	token, err := c.sessionToken()
	if err != nil {
		return err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range c.config.Headers {
		header.Set(k, v)
	}

	conn, _, err := websocket.Dial(ctx, c.config.BaseURL+"/api/v1/federation/events/ws", &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		var env EventEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		handler(env)
	}
}

// doJSON posts a JSON body and decodes the JSON response. Transport
// failures and 5xx responses are retried; an expired session token is
// re-minted once. A transport-level failure also flips the cached
// connectivity verdict to offline.
func (c *HTTPClient) doJSON(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to serialize request: %w", err)
	}

	retriedAuth := false
	var lastErr error
	for i := 0; i <= c.config.RetryCount; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range c.config.Headers {
			req.Header.Set(k, v)
		}
		token, err := c.sessionToken()
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
			if out != nil {
				if err := json.Unmarshal(body, out); err != nil {
					return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
				}
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			if !retriedAuth && c.config.Token == "" {
				// The token may have expired in flight; mint a fresh one
				// and try again.
				retriedAuth = true
				c.invalidateSession()
				lastErr = fmt.Errorf("status %d", resp.StatusCode)
				continue
			}
			return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
			continue
		default:
			return fmt.Errorf("%w: status %d, body: %s", ErrUnavailable, resp.StatusCode, bytes.TrimSpace(body))
		}
	}

	c.setProbe(false)
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// Ensure HTTPClient implements the Client interface.
var _ Client = (*HTTPClient)(nil)
