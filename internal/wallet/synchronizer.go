// Package wallet mirrors the signed-in user's wallet row and recent deposits.
// It is only active while a session exists and never writes balances itself.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"aviatorclient/internal/backend"
	"aviatorclient/internal/metrics"
)

const DefaultDepositLimit = 20

type Option func(*Synchronizer)

func WithDepositLimit(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.depositLimit = n
		}
	}
}

func WithOnChange(fn func()) Option {
	return func(s *Synchronizer) { s.onChange = fn }
}

// State is a point-in-time copy of the wallet view.
type State struct {
	Wallet   *backend.Wallet   `json:"wallet"`
	Deposits []backend.Deposit `json:"deposits"`
}

// LastDepositPhone is the destination prefilled for withdrawals.
func (st State) LastDepositPhone() string {
	if len(st.Deposits) == 0 {
		return ""
	}
	return st.Deposits[0].Phone
}

// Synchronizer holds the wallet snapshot for the active session.
//
// Every session switch bumps epoch. Notification handlers and fetches capture
// the epoch they were started under and drop their result if it has moved on,
// so nothing from a previous session lands after logout.
type Synchronizer struct {
	source       backend.WalletSource
	feed         backend.ChangeFeed
	log          *zap.Logger
	depositLimit int
	onChange     func()

	switchMu sync.Mutex

	mu          sync.RWMutex
	epoch       uint64
	session     *backend.Session
	wallet      *backend.Wallet
	deposits    []backend.Deposit
	unsubscribe backend.Unsubscribe
}

func New(source backend.WalletSource, feed backend.ChangeFeed, log *zap.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		source:       source,
		feed:         feed,
		log:          log.Named("wallet"),
		depositLimit: DefaultDepositLimit,
		onChange:     func() {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WalletSubscription is the change stream for one user's wallet row.
func WalletSubscription(userID string) backend.Subscription {
	return backend.Subscription{
		Name:   "wallet-updates",
		Schema: "public",
		Table:  "wallets",
		Event:  backend.EventAll,
		Filter: &backend.Filter{Column: "user_id", Value: userID},
	}
}

// SetSession re-keys the synchronizer. A nil session tears everything down
// before returning. A different user tears down, subscribes for the new user
// and starts a fetch. The same user (a token refresh) only refetches.
func (s *Synchronizer) SetSession(ctx context.Context, sess *backend.Session) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.RLock()
	sameUser := sess != nil && s.session != nil && s.session.User.ID == sess.User.ID
	s.mu.RUnlock()

	if sameUser {
		s.mu.Lock()
		s.session = sess.Clone()
		s.mu.Unlock()
		go s.Refresh(context.WithoutCancel(ctx))
		return nil
	}

	s.teardown()
	if sess == nil {
		s.log.Info("wallet deactivated")
		return nil
	}

	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.session = sess.Clone()
	s.mu.Unlock()

	userID := sess.User.ID
	unsub, err := s.feed.Subscribe(ctx, WalletSubscription(userID), func(ev backend.ChangeEvent) {
		s.apply(epoch, ev)
	})
	if err != nil {
		// Explicit refreshes still keep the balance current.
		s.log.Warn("wallet subscription failed", zap.String("user_id", userID), zap.Error(err))
	} else {
		s.mu.Lock()
		if s.epoch == epoch {
			s.unsubscribe = unsub
			unsub = nil
		}
		s.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	}

	s.log.Info("wallet activated", zap.String("user_id", userID))
	go s.Refresh(context.WithoutCancel(ctx))
	return nil
}

// Stop releases the subscription and discards wallet state.
func (s *Synchronizer) Stop() {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	s.teardown()
}

// teardown must run with switchMu held.
func (s *Synchronizer) teardown() {
	s.mu.Lock()
	s.epoch++
	unsub := s.unsubscribe
	hadState := s.session != nil || s.wallet != nil || len(s.deposits) > 0
	s.unsubscribe = nil
	s.session = nil
	s.wallet = nil
	s.deposits = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if hadState {
		s.onChange()
	}
}

// Refresh refetches the wallet row and recent deposits in parallel. It is the
// hook balance-affecting flows call after they complete, since pushes may be
// late or lost and wallet data is never polled.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.RLock()
	epoch := s.epoch
	sess := s.session.Clone()
	s.mu.RUnlock()

	if sess == nil {
		return nil
	}

	var (
		w        *backend.Wallet
		deposits []backend.Deposit
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		w, err = s.source.FetchWallet(gctx, sess)
		return err
	})
	g.Go(func() error {
		var err error
		deposits, err = s.source.FetchDeposits(gctx, sess, s.depositLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		metrics.WalletRefreshes.WithLabelValues("error").Inc()
		s.log.Error("failed to load private data", zap.String("user_id", sess.User.ID), zap.Error(err))
		return fmt.Errorf("wallet refresh: %w", err)
	}
	if deposits == nil {
		deposits = []backend.Deposit{}
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		metrics.WalletRefreshes.WithLabelValues("stale").Inc()
		return nil
	}
	s.wallet = w
	s.deposits = deposits
	s.mu.Unlock()

	metrics.WalletRefreshes.WithLabelValues("ok").Inc()
	s.onChange()
	return nil
}

// apply replaces the wallet with the row carried by a change notification.
func (s *Synchronizer) apply(epoch uint64, ev backend.ChangeEvent) {
	var next *backend.Wallet
	if ev.Type != backend.EventDelete && ev.HasNew() {
		var w backend.Wallet
		if err := json.Unmarshal(ev.New, &w); err != nil {
			s.log.Warn("undecodable wallet row", zap.Error(err))
			metrics.ChangeNotifications.WithLabelValues(ev.Table, metrics.Applied(false)).Inc()
			return
		}
		next = &w
	} else if ev.Type != backend.EventDelete {
		metrics.ChangeNotifications.WithLabelValues(ev.Table, metrics.Applied(false)).Inc()
		return
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		metrics.ChangeNotifications.WithLabelValues(ev.Table, metrics.Applied(false)).Inc()
		return
	}
	s.wallet = next
	s.mu.Unlock()

	metrics.ChangeNotifications.WithLabelValues(ev.Table, metrics.Applied(true)).Inc()
	s.onChange()
}

// Snapshot returns copies of the wallet and deposits.
func (s *Synchronizer) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{Deposits: append([]backend.Deposit(nil), s.deposits...)}
	if s.wallet != nil {
		w := *s.wallet
		st.Wallet = &w
	}
	return st
}

// AvailableMinorUnits is the locally known available balance, zero when no
// wallet is loaded.
func (s *Synchronizer) AvailableMinorUnits() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wallet == nil {
		return 0
	}
	return s.wallet.AvailableMinorUnits
}

// Active reports whether a session is currently bound.
func (s *Synchronizer) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session != nil
}
