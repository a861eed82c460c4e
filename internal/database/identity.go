package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"aviatorclient/internal/backend"
)

const uniqueViolation = "23505"

var (
	errInvalidCredentials = &backend.RemoteError{Status: http.StatusBadRequest, Code: "invalid_credentials", Message: "Invalid login credentials"}
	errUserExists         = &backend.RemoteError{Status: http.StatusUnprocessableEntity, Code: "user_already_exists", Message: "User already registered"}
)

// identityState guards the restored session; the zero value means storage
// has not been read yet.
type identityState struct {
	mu      sync.Mutex
	loaded  bool
	session *backend.Session
}

// CurrentSession restores the stored session on first use. A stored token
// that no longer exists or has expired is discarded.
func (s *Store) CurrentSession(ctx context.Context) (*backend.Session, error) {
	s.ident.mu.Lock()
	defer s.ident.mu.Unlock()
	if s.ident.loaded {
		return s.ident.session.Clone(), nil
	}

	stored, err := s.storage.LoadSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stored session: %w", err)
	}
	s.ident.loaded = true
	if stored == nil {
		return nil, nil
	}

	var user backend.User
	var expires time.Time
	err = s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, a.expires_at
		FROM auth_sessions a
		JOIN app_users u ON u.id = a.user_id
		WHERE a.access_token = $1::uuid AND a.expires_at > now()`,
		stored.AccessToken,
	).Scan(&user.ID, &user.Email, &expires)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Warn("stored session check failed", zap.Error(err))
		}
		if cerr := s.storage.ClearSession(ctx); cerr != nil {
			s.log.Warn("clear stored session", zap.Error(cerr))
		}
		return nil, nil
	}

	stored.User = user
	stored.ExpiresAt = expires.UTC()
	s.ident.session = stored
	return stored.Clone(), nil
}

func (s *Store) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	var user backend.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email FROM app_users
		WHERE email = lower($1) AND password_hash = crypt($2, password_hash)`,
		strings.TrimSpace(email), password,
	).Scan(&user.ID, &user.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	return s.issueSession(ctx, user)
}

// SignUp creates the account and signs it in straight away. Self-hosted
// accounts never need email confirmation.
func (s *Store) SignUp(ctx context.Context, email, password string) (*backend.Session, error) {
	var user backend.User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO app_users (email, password_hash)
		VALUES (lower($1), crypt($2, gen_salt('bf')))
		RETURNING id, email`,
		strings.TrimSpace(email), password,
	).Scan(&user.ID, &user.Email)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, errUserExists
		}
		return nil, fmt.Errorf("sign up: %w", err)
	}
	s.log.Info("account created", zap.String("user_id", user.ID))
	return s.issueSession(ctx, user)
}

// SignOut revokes the token server-side when possible. The local session is
// cleared either way.
func (s *Store) SignOut(ctx context.Context) error {
	s.ident.mu.Lock()
	sess := s.ident.session
	s.ident.session = nil
	s.ident.loaded = true
	s.ident.mu.Unlock()

	if sess != nil {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE access_token = $1::uuid`, sess.AccessToken); err != nil {
			s.log.Warn("revoke session", zap.Error(err))
		}
	}
	if err := s.storage.ClearSession(ctx); err != nil {
		s.log.Warn("clear stored session", zap.Error(err))
	}
	if sess != nil {
		s.Emit(backend.AuthSignedOut, nil)
	}
	return nil
}

func (s *Store) issueSession(ctx context.Context, user backend.User) (*backend.Session, error) {
	sess := &backend.Session{
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		User:         user,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO auth_sessions (access_token, refresh_token, user_id, expires_at)
		VALUES ($1::uuid, $2::uuid, $3::uuid, now() + $4::bigint * interval '1 second')
		RETURNING expires_at`,
		sess.AccessToken, sess.RefreshToken, user.ID, int64(s.ttl/time.Second),
	).Scan(&sess.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}
	sess.ExpiresAt = sess.ExpiresAt.UTC()

	if err := s.storage.SaveSession(ctx, sess); err != nil {
		s.log.Warn("persist session", zap.Error(err))
	}

	s.ident.mu.Lock()
	s.ident.session = sess.Clone()
	s.ident.loaded = true
	s.ident.mu.Unlock()

	s.Emit(backend.AuthSignedIn, sess)
	return sess, nil
}
