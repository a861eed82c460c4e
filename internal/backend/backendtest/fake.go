// Package backendtest provides an in-memory backend for component tests.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"aviatorclient/internal/backend"
)

type PlacedBet struct {
	UserID          string
	StakeMinorUnits int64
	RoundID         *string
}

// Fake implements backend.Backend in memory. Change events are delivered
// synchronously on the goroutine that calls Publish.
type Fake struct {
	backend.AuthBroadcaster

	mu sync.Mutex

	round      backend.RawRound
	RoundFunc  func(ctx context.Context) (backend.RawRound, error)
	roundCalls int

	wallets     map[string]*backend.Wallet
	deposits    map[string][]backend.Deposit
	WalletErr   error
	walletCalls int

	PlaceBetFunc func(ctx context.Context, sess *backend.Session, stake int64, roundID *string) error
	bets         []PlacedBet

	session             *backend.Session
	SessionErr          error
	RequireConfirmation bool
	users               map[string]fakeUser

	nextSub int
	subs    map[int]fakeSub
}

type fakeUser struct {
	id       string
	password string
}

type fakeSub struct {
	sub     backend.Subscription
	handler backend.ChangeHandler
}

var _ backend.Backend = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		wallets:  make(map[string]*backend.Wallet),
		deposits: make(map[string][]backend.Deposit),
		users:    make(map[string]fakeUser),
		subs:     make(map[int]fakeSub),
	}
}

func (f *Fake) SetRound(r backend.RawRound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.round = r
}

func (f *Fake) SetWallet(userID string, w *backend.Wallet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wallets[userID] = w
}

func (f *Fake) SetDeposits(userID string, d []backend.Deposit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deposits[userID] = d
}

func (f *Fake) AddUser(id, email, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[email] = fakeUser{id: id, password: password}
}

// SetSession replaces the stored session without emitting an auth event.
func (f *Fake) SetSession(sess *backend.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = sess.Clone()
}

func (f *Fake) RoundCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roundCalls
}

func (f *Fake) WalletCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.walletCalls
}

func (f *Fake) Bets() []PlacedBet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PlacedBet(nil), f.bets...)
}

func (f *Fake) FetchCurrentRound(ctx context.Context) (backend.RawRound, error) {
	f.mu.Lock()
	f.roundCalls++
	fn := f.RoundFunc
	r := f.round
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return r, nil
}

func (f *Fake) FetchWallet(_ context.Context, sess *backend.Session) (*backend.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.walletCalls++
	if f.WalletErr != nil {
		return nil, f.WalletErr
	}
	w, ok := f.wallets[sess.UserID()]
	if !ok || w == nil {
		return nil, nil
	}
	c := *w
	return &c, nil
}

func (f *Fake) FetchDeposits(_ context.Context, sess *backend.Session, limit int) ([]backend.Deposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WalletErr != nil {
		return nil, f.WalletErr
	}
	d := f.deposits[sess.UserID()]
	if len(d) > limit {
		d = d[:limit]
	}
	return append([]backend.Deposit(nil), d...), nil
}

func (f *Fake) PlaceBet(ctx context.Context, sess *backend.Session, stake int64, roundID *string) error {
	f.mu.Lock()
	fn := f.PlaceBetFunc
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, sess, stake, roundID); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.bets = append(f.bets, PlacedBet{UserID: sess.UserID(), StakeMinorUnits: stake, RoundID: roundID})
	if w, ok := f.wallets[sess.UserID()]; ok && w != nil {
		w.AvailableMinorUnits -= stake
	}
	return nil
}

func (f *Fake) Subscribe(_ context.Context, sub backend.Subscription, handler backend.ChangeHandler) (backend.Unsubscribe, error) {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fakeSub{sub: sub, handler: handler}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}, nil
}

// Subscriptions counts live subscriptions on table.
func (f *Fake) Subscriptions(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if s.sub.Table == table {
			n++
		}
	}
	return n
}

// Publish delivers ev to every live subscription whose table, event type and
// filter match. row is marshalled into ev.New when non-nil.
func (f *Fake) Publish(ev backend.ChangeEvent, row any) {
	if row != nil {
		b, err := json.Marshal(row)
		if err != nil {
			panic(err)
		}
		ev.New = b
	}

	f.mu.Lock()
	var targets []backend.ChangeHandler
	for _, s := range f.subs {
		if s.sub.Table != ev.Table || !s.sub.Matches(ev.Type) {
			continue
		}
		if !ev.MatchesFilter(s.sub.Filter) {
			continue
		}
		targets = append(targets, s.handler)
	}
	f.mu.Unlock()

	for _, h := range targets {
		h(ev)
	}
}

func (f *Fake) CurrentSession(_ context.Context) (*backend.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SessionErr != nil {
		return nil, f.SessionErr
	}
	return f.session.Clone(), nil
}

func (f *Fake) SignIn(_ context.Context, email, password string) (*backend.Session, error) {
	f.mu.Lock()
	u, ok := f.users[email]
	if !ok || u.password != password {
		f.mu.Unlock()
		return nil, &backend.RemoteError{Status: 400, Code: "invalid_credentials", Message: "Invalid login credentials"}
	}
	sess := &backend.Session{AccessToken: "token-" + u.id, User: backend.User{ID: u.id, Email: email}}
	f.session = sess.Clone()
	f.mu.Unlock()

	f.Emit(backend.AuthSignedIn, sess)
	return sess, nil
}

func (f *Fake) SignUp(_ context.Context, email, password string) (*backend.Session, error) {
	f.mu.Lock()
	if _, exists := f.users[email]; exists {
		f.mu.Unlock()
		return nil, &backend.RemoteError{Status: 422, Message: "User already registered"}
	}
	id := fmt.Sprintf("user-%d", len(f.users)+1)
	f.users[email] = fakeUser{id: id, password: password}
	if f.RequireConfirmation {
		f.mu.Unlock()
		return nil, nil
	}
	sess := &backend.Session{AccessToken: "token-" + id, User: backend.User{ID: id, Email: email}}
	f.session = sess.Clone()
	f.mu.Unlock()

	f.Emit(backend.AuthSignedIn, sess)
	return sess, nil
}

func (f *Fake) SignOut(_ context.Context) error {
	f.mu.Lock()
	f.session = nil
	f.mu.Unlock()

	f.Emit(backend.AuthSignedOut, nil)
	return nil
}

func (f *Fake) Close() error {
	return nil
}
