// Package session owns the identity lifecycle. Every other component keys off
// the session it publishes; a nil session is the valid logged-out state.
package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"aviatorclient/internal/backend"
	"aviatorclient/internal/metrics"
)

var ErrNotStarted = errors.New("session: manager not started")

// Listener receives every session change, nil on logout.
type Listener func(sess *backend.Session)

type Manager struct {
	identity backend.Identity
	log      *zap.Logger

	// deliverMu is held from updating current until every listener has
	// seen the change, so listeners observe changes in the order current
	// took them.
	deliverMu sync.Mutex

	mu          sync.RWMutex
	current     *backend.Session
	listeners   []Listener
	unsubscribe backend.Unsubscribe
	running     bool
}

func NewManager(identity backend.Identity, log *zap.Logger) *Manager {
	return &Manager{
		identity: identity,
		log:      log.Named("session"),
	}
}

// Listen registers l. Listeners run synchronously, in registration order, on
// the goroutine that delivered the change.
func (m *Manager) Listen(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Start subscribes to identity changes and then loads the current session. A
// failed load counts as logged out.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	unsub := m.identity.OnAuthChange(func(event backend.AuthEvent, sess *backend.Session) {
		metrics.SessionTransitions.WithLabelValues(string(event)).Inc()
		m.log.Info("auth state changed", zap.String("event", string(event)), zap.String("user_id", sess.UserID()))
		m.set(sess)
	})

	m.mu.Lock()
	m.unsubscribe = unsub
	m.mu.Unlock()

	sess, err := m.identity.CurrentSession(ctx)
	if err != nil {
		m.log.Warn("could not load current session, continuing logged out", zap.Error(err))
		sess = nil
	}
	m.set(sess)
}

// Stop releases the identity subscription and waits out any delivery in
// progress. No listener runs after it returns.
func (m *Manager) Stop() {
	m.mu.Lock()
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.running = false
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	m.deliverMu.Lock()
	m.deliverMu.Unlock()
}

// Current returns a copy of the active session, nil when logged out.
func (m *Manager) Current() *backend.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

func (m *Manager) set(sess *backend.Session) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.current = sess.Clone()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(sess.Clone())
	}
}

// SignIn validates the credentials locally, then authenticates. The new
// session reaches listeners through the identity change stream.
func (m *Manager) SignIn(ctx context.Context, c Credentials) (*backend.Session, error) {
	if err := c.Validate(ModeLogin); err != nil {
		return nil, err
	}
	if !m.isRunning() {
		return nil, ErrNotStarted
	}
	sess, err := m.identity.SignIn(ctx, c.normalizedEmail(), c.Password)
	if err != nil {
		m.log.Info("sign in rejected", zap.Error(err))
		return nil, &AuthError{Message: authErrorMessage(err), Err: err}
	}
	return sess, nil
}

// SignUp registers an account. A nil session with a nil error means the
// backend sent a confirmation link and the user must confirm before login.
func (m *Manager) SignUp(ctx context.Context, c Credentials) (*backend.Session, error) {
	if err := c.Validate(ModeRegister); err != nil {
		return nil, err
	}
	if !m.isRunning() {
		return nil, ErrNotStarted
	}
	sess, err := m.identity.SignUp(ctx, c.normalizedEmail(), c.Password)
	if err != nil {
		m.log.Info("sign up rejected", zap.Error(err))
		return nil, &AuthError{Message: authErrorMessage(err), Err: err}
	}
	return sess, nil
}

func (m *Manager) SignOut(ctx context.Context) error {
	if !m.isRunning() {
		return ErrNotStarted
	}
	if err := m.identity.SignOut(ctx); err != nil {
		return &AuthError{Message: authErrorMessage(err), Err: err}
	}
	return nil
}

func (m *Manager) isRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}
