// Package upstream implements the JSON-RPC client for the record backend.
// One Client binds to a single (URL, database, login, secret) tuple and owns
// that tenant's session cookie.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTimeout bounds a single RPC round trip.
	DefaultTimeout = 30 * time.Second

	// transportInitialBackoff is the first retry delay for transient
	// network failures; doubles per attempt.
	transportInitialBackoff = 300 * time.Millisecond

	// transportMaxRetries is how many times a request is re-sent after a
	// transport-level failure.
	transportMaxRetries = 2

	sessionCookieName = "session_id"
)

// Config identifies one upstream instance and the account to bind as.
type Config struct {
	URL      string
	Database string
	Login    string
	Secret   string
	Timeout  time.Duration
}

// SessionInfo is the authenticated session state for one tenant.
type SessionInfo struct {
	Cookie    string
	UserID    int64
	CreatedAt time.Time
}

// Caller is the interface the rest of the service consumes. Implementation
// variants for other backends live behind it.
type Caller interface {
	Call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error)
	Authenticate(ctx context.Context) (SessionInfo, error)
}

// Client speaks the upstream's /authenticate and /call_method endpoints.
// Safe for concurrent use; authentication is single-flight.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu      sync.RWMutex
	session *SessionInfo

	authFlight singleflight.Group
}

// New creates a client for one upstream instance. No network traffic happens
// until the first call.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// rpcEnvelope is the wire format for both endpoints.
type rpcEnvelope struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      int            `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// Session returns the current session, if any.
func (c *Client) Session() (SessionInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return SessionInfo{}, false
	}
	return *c.session, true
}

// Authenticate establishes a session with the upstream. Concurrent callers
// coalesce into one in-flight authentication; all receive the same result.
func (c *Client) Authenticate(ctx context.Context) (SessionInfo, error) {
	v, err, _ := c.authFlight.Do("auth", func() (any, error) {
		return c.doAuthenticate(ctx)
	})
	if err != nil {
		return SessionInfo{}, err
	}
	return v.(SessionInfo), nil
}

func (c *Client) doAuthenticate(ctx context.Context) (SessionInfo, error) {
	env := rpcEnvelope{
		JSONRPC: "2.0",
		Method:  "call",
		Params: map[string]any{
			"db":       c.cfg.Database,
			"login":    c.cfg.Login,
			"password": c.cfg.Secret,
		},
		ID: 1,
	}

	resp, cookie, err := c.post(ctx, "/authenticate", env, "")
	if err != nil {
		return SessionInfo{}, err
	}
	if resp.Error != nil {
		return SessionInfo{}, &Error{
			Kind:    KindAuthFailed,
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
			Data:    resp.Error.Data,
		}
	}

	var result struct {
		UID int64 `json:"uid"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return SessionInfo{}, &Error{Kind: KindAuthFailed, Message: "malformed authenticate result"}
	}
	if result.UID == 0 || cookie == "" {
		return SessionInfo{}, &Error{Kind: KindAuthFailed, Message: "invalid credentials"}
	}

	session := SessionInfo{Cookie: cookie, UserID: result.UID, CreatedAt: time.Now().UTC()}

	c.mu.Lock()
	c.session = &session
	c.mu.Unlock()

	log.Debug().
		Str("database", c.cfg.Database).
		Int64("uid", result.UID).
		Msg("upstream session established")

	return session, nil
}

// Call executes a named method on a model. Authenticates lazily, injects the
// base context into kwargs, and transparently retries once on session
// expiry.
func (c *Client) Call(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	result, err := c.callOnce(ctx, model, method, args, kwargs)
	if err == nil {
		return result, nil
	}

	// Session expired: drop the stale session and retry exactly once. A
	// second expiry surfaces to the caller.
	if IsKind(err, KindSessionExpired) {
		c.invalidateSession()
		log.Debug().Str("model", model).Str("method", method).
			Msg("session expired, re-authenticating")
		return c.callOnce(ctx, model, method, args, kwargs)
	}

	return nil, err
}

func (c *Client) callOnce(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	session, ok := c.Session()
	if !ok {
		var err error
		session, err = c.Authenticate(ctx)
		if err != nil {
			return nil, err
		}
	}

	if args == nil {
		args = []any{}
	}
	kwargs = withBaseContext(kwargs, session.UserID)

	env := rpcEnvelope{
		JSONRPC: "2.0",
		Method:  "call",
		Params: map[string]any{
			"model":  model,
			"method": method,
			"args":   args,
			"kwargs": kwargs,
		},
		ID: 1,
	}

	resp, _, err := c.post(ctx, "/call_method", env, session.Cookie)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, classifyRPCError(resp.Error.Code, resp.Error.Message, resp.Error.Data)
	}

	var result any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, &Error{Kind: KindUpstream, Message: "malformed result payload"}
		}
	}
	return result, nil
}

// withBaseContext merges the standard request context (language, timezone,
// acting user) under kwargs["context"] without overwriting caller keys.
func withBaseContext(kwargs map[string]any, uid int64) map[string]any {
	merged := make(map[string]any, len(kwargs)+1)
	for k, v := range kwargs {
		merged[k] = v
	}

	base := map[string]any{
		"lang": "en_US",
		"tz":   "UTC",
		"uid":  uid,
	}
	if existing, ok := merged["context"].(map[string]any); ok {
		for k, v := range existing {
			base[k] = v
		}
	}
	merged["context"] = base
	return merged
}

func (c *Client) invalidateSession() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// post sends one envelope with transport-level retries. Transient network
// failures back off exponentially; HTTP and RPC errors are never retried
// here (the caller owns those policies).
func (c *Client) post(ctx context.Context, path string, env rpcEnvelope, cookie string) (*rpcResponse, string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal rpc envelope: %w", err)
	}

	var resp *rpcResponse
	var sessionCookie string

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = transportInitialBackoff
	bo.Multiplier = 2

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if cookie != "" {
			req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: cookie})
		}

		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(&Error{Kind: KindTimeout, Message: ctx.Err().Error()})
			}
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				return backoff.Permanent(&Error{Kind: KindTimeout, Message: err.Error()})
			}
			// Transient transport failure, retry.
			return &Error{Kind: KindConnection, Message: err.Error()}
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return backoff.Permanent(&Error{
				Kind:    KindConnection,
				Code:    httpResp.StatusCode,
				Message: fmt.Sprintf("upstream returned HTTP %d", httpResp.StatusCode),
			})
		}

		raw, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return &Error{Kind: KindConnection, Message: err.Error()}
		}

		var decoded rpcResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return backoff.Permanent(&Error{Kind: KindConnection, Message: "malformed rpc response"})
		}

		for _, ck := range httpResp.Cookies() {
			if ck.Name == sessionCookieName {
				sessionCookie = ck.Value
			}
		}

		resp = &decoded
		return nil
	}

	err = backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(bo, transportMaxRetries), ctx))
	if err != nil {
		return nil, "", err
	}

	return resp, sessionCookie, nil
}
