// Package backend defines the contract between the client and the system of
// record. The backend owns round outcomes, balances and bet acceptance; the
// client only reads, subscribes, and invokes place_bet.
package backend

import (
	"context"
	"errors"
)

// ErrMultipleRows is returned when a single-row read matched more than one row.
var ErrMultipleRows = errors.New("backend: query returned more than one row")

// RoundSource reads the derived current_round view. A nil RawRound with a nil
// error means no round is current.
type RoundSource interface {
	FetchCurrentRound(ctx context.Context) (RawRound, error)
}

// WalletSource reads per-user rows. A nil *Wallet means the user has no wallet row.
type WalletSource interface {
	FetchWallet(ctx context.Context, sess *Session) (*Wallet, error)
	FetchDeposits(ctx context.Context, sess *Session, limit int) ([]Deposit, error)
}

// BetPlacer invokes the remote atomic place_bet procedure. The backend checks
// the balance, decrements it and records the bet as one unit.
type BetPlacer interface {
	PlaceBet(ctx context.Context, sess *Session, stakeMinorUnits int64, roundID *string) error
}

// Unsubscribe releases a subscription. It is safe to call more than once and
// no handler invocation starts after it returns.
type Unsubscribe func()

type ChangeHandler func(ChangeEvent)

type ChangeFeed interface {
	Subscribe(ctx context.Context, sub Subscription, handler ChangeHandler) (Unsubscribe, error)
}

type AuthHandler func(event AuthEvent, sess *Session)

type Identity interface {
	CurrentSession(ctx context.Context) (*Session, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	// SignUp returns a nil session when the account needs out-of-band
	// confirmation before it can log in.
	SignUp(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context) error
	OnAuthChange(handler AuthHandler) Unsubscribe
}

type Backend interface {
	RoundSource
	WalletSource
	BetPlacer
	ChangeFeed
	Identity
	Close() error
}
