package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"aviatorclient/internal/backend"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type gotrueUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// tokenResponse covers both the session shape returned by token grants and
// the bare user returned by a signup that still needs confirmation.
type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int64       `json:"expires_in"`
	ExpiresAt    int64       `json:"expires_at"`
	User         *gotrueUser `json:"user"`

	ID    string `json:"id"`
	Email string `json:"email"`
}

func (t tokenResponse) session(now time.Time) *backend.Session {
	if t.AccessToken == "" {
		return nil
	}
	sess := &backend.Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
	}
	switch {
	case t.ExpiresAt > 0:
		sess.ExpiresAt = time.Unix(t.ExpiresAt, 0).UTC()
	case t.ExpiresIn > 0:
		sess.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
	}
	if t.User != nil {
		sess.User = backend.User{ID: t.User.ID, Email: t.User.Email}
	}
	return sess
}

// CurrentSession returns the active session. The first call restores it from
// storage, refreshing it if it has expired.
func (c *Client) CurrentSession(ctx context.Context) (*backend.Session, error) {
	c.mu.Lock()
	if c.loaded {
		sess := c.session.Clone()
		c.mu.Unlock()
		return sess, nil
	}
	c.mu.Unlock()

	stored, err := c.storage.LoadSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stored session: %w", err)
	}

	c.mu.Lock()
	c.loaded = true
	c.mu.Unlock()

	if stored == nil {
		return nil, nil
	}
	if c.needsRefresh(stored) {
		if stored.RefreshToken == "" {
			c.clearSession(ctx, false)
			return nil, nil
		}
		sess, err := c.refreshWith(ctx, stored.RefreshToken)
		if err != nil {
			c.clearSession(ctx, false)
			return nil, fmt.Errorf("refresh stored session: %w", err)
		}
		c.setSession(ctx, sess, backend.AuthTokenRefreshed)
		return sess.Clone(), nil
	}

	c.setSession(ctx, stored, "")
	return stored.Clone(), nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	var tr tokenResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"password"}},
		body:   credentials{Email: email, Password: password},
	}, &tr)
	if err != nil {
		return nil, err
	}
	sess := tr.session(c.clock.Now())
	if sess == nil {
		return nil, errors.New("supabase: token response without access token")
	}
	c.setSession(ctx, sess, backend.AuthSignedIn)
	return sess.Clone(), nil
}

// SignUp registers an account. When the project requires email confirmation
// the response carries no session and SignUp returns nil, nil.
func (c *Client) SignUp(ctx context.Context, email, password string) (*backend.Session, error) {
	q := url.Values{}
	if c.siteURL != "" {
		q.Set("redirect_to", c.siteURL+"/auth/callback")
	}
	var tr tokenResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/signup",
		query:  q,
		body:   credentials{Email: email, Password: password},
	}, &tr)
	if err != nil {
		return nil, err
	}
	sess := tr.session(c.clock.Now())
	if sess == nil {
		c.log.Info("sign up awaiting email confirmation", zap.String("user_id", tr.ID))
		return nil, nil
	}
	c.setSession(ctx, sess, backend.AuthSignedIn)
	return sess.Clone(), nil
}

// SignOut revokes the session remotely and always clears it locally. A failed
// revoke is logged, not returned, so the user is never stuck logged in.
func (c *Client) SignOut(ctx context.Context) error {
	token := c.accessToken()
	if token != "" {
		err := c.do(ctx, request{
			method: http.MethodPost,
			path:   "/auth/v1/logout",
			token:  token,
		}, nil)
		if err != nil {
			c.log.Warn("remote logout failed", zap.Error(err))
		}
	}
	c.clearSession(ctx, true)
	return nil
}

func (c *Client) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
}

func (c *Client) needsRefresh(sess *backend.Session) bool {
	if sess.ExpiresAt.IsZero() {
		return false
	}
	return !c.clock.Now().Add(c.refreshMargin).Before(sess.ExpiresAt)
}

func (c *Client) refreshWith(ctx context.Context, refreshToken string) (*backend.Session, error) {
	var tr tokenResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"refresh_token"}},
		body:   map[string]string{"refresh_token": refreshToken},
	}, &tr)
	if err != nil {
		return nil, err
	}
	sess := tr.session(c.clock.Now())
	if sess == nil {
		return nil, errors.New("supabase: refresh response without access token")
	}
	return sess, nil
}

// refresh runs from the refresh timer. A rejected refresh token logs the
// user out; transport failures retry shortly.
func (c *Client) refresh() {
	c.mu.Lock()
	if c.closed || c.session == nil || c.session.RefreshToken == "" {
		c.mu.Unlock()
		return
	}
	token := c.session.RefreshToken
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	sess, err := c.refreshWith(ctx, token)
	if err == nil {
		if !c.install(ctx, sess, backend.AuthTokenRefreshed, token) {
			c.log.Debug("dropping refresh for a replaced session")
			return
		}
		c.log.Debug("access token refreshed", zap.String("user_id", sess.UserID()))
		return
	}

	var re *backend.RemoteError
	if errors.As(err, &re) && re.Status >= 400 && re.Status < 500 {
		if c.clear(ctx, true, token) {
			c.log.Warn("refresh token rejected, signed out", zap.Error(err))
		}
		return
	}

	c.log.Warn("token refresh failed, retrying", zap.Error(err), zap.Duration("retry_in", refreshRetryDelay))
	c.mu.Lock()
	if !c.closed && c.session != nil && c.session.RefreshToken == token {
		c.scheduleLocked(refreshRetryDelay)
	}
	c.mu.Unlock()
}

// setSession installs sess, persists it, re-arms the refresh timer and
// announces event. An empty event installs silently.
func (c *Client) setSession(ctx context.Context, sess *backend.Session, event backend.AuthEvent) {
	c.install(ctx, sess, event, "")
}

// install is setSession guarded by the refresh token the caller started
// from: when expect is non-empty and the current session no longer carries
// it, nothing changes and install reports false.
func (c *Client) install(ctx context.Context, sess *backend.Session, event backend.AuthEvent, expect string) bool {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	c.mu.Lock()
	if expect != "" && (c.closed || c.session == nil || c.session.RefreshToken != expect) {
		c.mu.Unlock()
		return false
	}
	c.session = sess.Clone()
	c.loaded = true
	if sess.RefreshToken != "" && !sess.ExpiresAt.IsZero() {
		c.scheduleLocked(sess.ExpiresAt.Sub(c.clock.Now()) - c.refreshMargin)
	} else {
		c.stopTimerLocked()
	}
	c.mu.Unlock()

	if err := c.storage.SaveSession(ctx, sess); err != nil {
		c.log.Warn("failed to persist session", zap.Error(err))
	}
	c.realtime.SetAccessToken(sess.AccessToken)
	if event != "" {
		c.Emit(event, sess)
	}
	return true
}

func (c *Client) clearSession(ctx context.Context, announce bool) {
	c.clear(ctx, announce, "")
}

// clear drops the session. With a non-empty expect it only does so while the
// current session still carries that refresh token.
func (c *Client) clear(ctx context.Context, announce bool, expect string) bool {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	c.mu.Lock()
	if expect != "" && (c.session == nil || c.session.RefreshToken != expect) {
		c.mu.Unlock()
		return false
	}
	had := c.session != nil
	c.session = nil
	c.loaded = true
	c.stopTimerLocked()
	c.mu.Unlock()

	if err := c.storage.ClearSession(ctx); err != nil {
		c.log.Warn("failed to clear stored session", zap.Error(err))
	}
	c.realtime.SetAccessToken("")
	if announce && had {
		c.Emit(backend.AuthSignedOut, nil)
	}
	return true
}

func (c *Client) scheduleLocked(d time.Duration) {
	c.stopTimerLocked()
	if c.closed {
		return
	}
	if d < 0 {
		d = 0
	}
	c.refreshTimer = c.clock.AfterFunc(d, c.refresh)
}

func (c *Client) stopTimerLocked() {
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
}
