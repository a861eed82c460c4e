package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"aviatorclient/internal/backend"
)

// Store implements backend.Backend on top of the schema in migrations/.
type Store struct {
	backend.AuthBroadcaster

	db       *sql.DB
	listener *Listener
	storage  backend.SessionStorage
	ttl      time.Duration
	log      *zap.Logger

	ident identityState
}

var _ backend.Backend = (*Store)(nil)

type StoreOptions struct {
	// DSN is used for the dedicated LISTEN connection.
	DSN        string
	Storage    backend.SessionStorage
	SessionTTL time.Duration
}

func NewStore(db *sql.DB, opts StoreOptions, log *zap.Logger) *Store {
	log = log.Named("store")
	s := &Store{
		db:       db,
		listener: NewListener(opts.DSN, log),
		storage:  opts.Storage,
		ttl:      opts.SessionTTL,
		log:      log,
	}
	if s.storage == nil {
		s.storage = backend.NewMemoryStorage()
	}
	if s.ttl <= 0 {
		s.ttl = 30 * 24 * time.Hour
	}
	return s
}

func (s *Store) FetchCurrentRound(ctx context.Context) (backend.RawRound, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT row_to_json(c) FROM current_round c`)
	if err != nil {
		return nil, fmt.Errorf("query current round: %w", err)
	}
	defer rows.Close()

	var out backend.RawRound
	n := 0
	for rows.Next() {
		n++
		if n > 1 {
			return nil, backend.ErrMultipleRows
		}
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan current round: %w", err)
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode current round: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read current round: %w", err)
	}
	return out, nil
}

func (s *Store) FetchWallet(ctx context.Context, sess *backend.Session) (*backend.Wallet, error) {
	var w backend.Wallet
	err := s.db.QueryRowContext(ctx,
		`SELECT available_cents, locked_cents FROM wallets WHERE user_id = $1`,
		sess.UserID(),
	).Scan(&w.AvailableMinorUnits, &w.LockedMinorUnits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query wallet: %w", err)
	}
	return &w, nil
}

func (s *Store) FetchDeposits(ctx context.Context, sess *backend.Session, limit int) ([]backend.Deposit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, phone, amount_cents, created_at
		FROM deposits
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		sess.UserID(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query deposits: %w", err)
	}
	defer rows.Close()

	deposits := []backend.Deposit{}
	for rows.Next() {
		var d backend.Deposit
		if err := rows.Scan(&d.ID, &d.Phone, &d.AmountMinorUnits, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		deposits = append(deposits, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read deposits: %w", err)
	}
	return deposits, nil
}

// PlaceBet runs place_bet for the user owning the session's access token, so
// a revoked or expired token cannot place bets.
func (s *Store) PlaceBet(ctx context.Context, sess *backend.Session, stakeMinorUnits int64, roundID *string) error {
	var round any
	if roundID != nil {
		round = *roundID
	}

	var betID string
	err := s.db.QueryRowContext(ctx, `
		SELECT place_bet(a.user_id, $2, $3::uuid)
		FROM auth_sessions a
		WHERE a.access_token = $1::uuid AND a.expires_at > now()`,
		sess.AccessToken, stakeMinorUnits, round,
	).Scan(&betID)
	if errors.Is(err, sql.ErrNoRows) {
		return &backend.RemoteError{Status: http.StatusUnauthorized, Code: "session_expired", Message: "Session expired. Please log in again."}
	}
	if err != nil {
		return remoteError(err)
	}

	s.log.Debug("bet recorded", zap.String("bet_id", betID), zap.String("user_id", sess.UserID()))
	return nil
}

func (s *Store) Subscribe(ctx context.Context, sub backend.Subscription, handler backend.ChangeHandler) (backend.Unsubscribe, error) {
	return s.listener.Subscribe(ctx, sub, handler)
}

// Close stops the listener. The pool belongs to the Service.
func (s *Store) Close() error {
	return s.listener.Close()
}

// remoteError turns a server-side rejection into the message shown to the
// player. Anything else stays a plain error.
func remoteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &backend.RemoteError{Status: http.StatusBadRequest, Code: pgErr.Code, Message: pgErr.Message}
	}
	return err
}
