// Package supabase talks to a hosted Supabase project: PostgREST for reads and
// the place_bet procedure, GoTrue for identity, and the realtime websocket for
// change notifications.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"aviatorclient/internal/backend"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultRefreshMargin = 60 * time.Second
	refreshRetryDelay    = 10 * time.Second
)

type Options struct {
	URL     string
	AnonKey string
	// SiteURL is where confirmation links send the user back to.
	SiteURL string

	Storage       backend.SessionStorage
	HTTPClient    *http.Client
	Clock         clockwork.Clock
	RefreshMargin time.Duration
}

// Client implements backend.Backend against one Supabase project.
type Client struct {
	backend.AuthBroadcaster

	baseURL       string
	anonKey       string
	siteURL       string
	http          *http.Client
	storage       backend.SessionStorage
	clock         clockwork.Clock
	refreshMargin time.Duration
	log           *zap.Logger

	realtime *Realtime

	// authMu orders session installs and clears together with their
	// announcements, so listeners see them in the order they took effect.
	authMu sync.Mutex

	mu           sync.Mutex
	session      *backend.Session
	loaded       bool
	refreshTimer clockwork.Timer
	closed       bool
}

var _ backend.Backend = (*Client)(nil)

func New(opts Options, log *zap.Logger) (*Client, error) {
	base := strings.TrimRight(opts.URL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("supabase: invalid project url %q", opts.URL)
	}
	if opts.AnonKey == "" {
		return nil, errors.New("supabase: anon key is required")
	}

	c := &Client{
		baseURL:       base,
		anonKey:       opts.AnonKey,
		siteURL:       strings.TrimRight(opts.SiteURL, "/"),
		http:          opts.HTTPClient,
		storage:       opts.Storage,
		clock:         opts.Clock,
		refreshMargin: opts.RefreshMargin,
		log:           log.Named("supabase"),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	if c.storage == nil {
		c.storage = backend.NewMemoryStorage()
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.refreshMargin <= 0 {
		c.refreshMargin = defaultRefreshMargin
	}

	c.realtime = NewRealtime(realtimeURL(u, opts.AnonKey), c.clock, c.log)
	return c, nil
}

func realtimeURL(u *url.URL, anonKey string) string {
	ws := *u
	switch ws.Scheme {
	case "https":
		ws.Scheme = "wss"
	default:
		ws.Scheme = "ws"
	}
	ws.Path = strings.TrimRight(ws.Path, "/") + "/realtime/v1/websocket"
	ws.RawQuery = url.Values{"apikey": {anonKey}, "vsn": {"1.0.0"}}.Encode()
	return ws.String()
}

// Subscribe opens a realtime channel for sub.
func (c *Client) Subscribe(ctx context.Context, sub backend.Subscription, handler backend.ChangeHandler) (backend.Unsubscribe, error) {
	return c.realtime.Subscribe(ctx, sub, handler)
}

// Close stops the refresh timer and the realtime connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	c.mu.Unlock()
	return c.realtime.Close()
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	// token overrides the bearer token; empty means the anon key.
	token string
}

// do sends req and decodes a 2xx JSON body into out when out is non-nil.
// Non-2xx responses come back as *backend.RemoteError.
func (c *Client) do(ctx context.Context, req request, out any) error {
	var body io.Reader
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	token := req.token
	if token == "" {
		token = c.anonKey
	}
	httpReq.Header.Set("apikey", c.anonKey)
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.method, req.path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return decodeError(res.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.path, err)
	}
	return nil
}

// decodeError accepts both the PostgREST ({code, message}) and GoTrue
// ({error, error_description} or {code, msg, error_code}) error shapes.
func decodeError(status int, raw []byte) error {
	re := &backend.RemoteError{Status: status}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		re.Message = strings.TrimSpace(string(raw))
		return re
	}
	re.Message = firstString(body, "message", "msg", "error_description", "error")
	re.Code = firstString(body, "error_code", "code")
	if re.Code == "" {
		if s, ok := body["error"].(string); ok && s != re.Message {
			re.Code = s
		}
	}
	return re
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
