// Package app owns every client component and the single application state
// the local UI reads. Components never reach into each other; the app wires
// session changes into the wallet and fans change notifications out to the
// UI hub.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"aviatorclient/internal/backend"
	"aviatorclient/internal/betting"
	"aviatorclient/internal/rounds"
	"aviatorclient/internal/session"
	"aviatorclient/internal/view"
	"aviatorclient/internal/wallet"
)

type Options struct {
	PollInterval time.Duration
	Clock        clockwork.Clock
	DepositLimit int
	MinStake     decimal.Decimal
	Currency     string
	PanelGuard   bool
}

type App struct {
	log *zap.Logger

	Session *session.Manager
	Rounds  *rounds.Synchronizer
	Wallet  *wallet.Synchronizer
	Bets    *betting.Controller
	View    *view.Selector

	currency string

	mu      sync.RWMutex
	baseCtx context.Context
	running bool
	notice  *betting.Notice

	subsMu  sync.Mutex
	subs    map[int]func()
	nextSub int
}

func New(b backend.Backend, log *zap.Logger, opts Options) *App {
	a := &App{
		log:      log.Named("app"),
		View:     &view.Selector{},
		currency: opts.Currency,
		baseCtx:  context.Background(),
		subs:     make(map[int]func()),
	}
	if a.currency == "" {
		a.currency = betting.DefaultCurrency
	}

	roundOpts := []rounds.Option{rounds.WithOnChange(a.changed)}
	if opts.Clock != nil {
		roundOpts = append(roundOpts, rounds.WithClock(opts.Clock))
	}
	if opts.PollInterval > 0 {
		roundOpts = append(roundOpts, rounds.WithInterval(opts.PollInterval))
	}
	a.Rounds = rounds.New(b, b, log, roundOpts...)

	a.Wallet = wallet.New(b, b, log,
		wallet.WithDepositLimit(opts.DepositLimit),
		wallet.WithOnChange(a.changed),
	)

	betOpts := []betting.Option{
		betting.WithCurrency(a.currency),
		betting.WithNotifier(a.setNotice),
	}
	if !opts.MinStake.IsZero() {
		betOpts = append(betOpts, betting.WithMinStake(opts.MinStake))
	}
	if opts.PanelGuard {
		betOpts = append(betOpts, betting.WithPanelGuard())
	}
	a.Bets = betting.NewController(b, a.Wallet, a.Wallet, log, betOpts...)

	a.Session = session.NewManager(b, log)
	a.Session.Listen(a.onSession)

	return a
}

// Start brings the components up in dependency order: rounds first, since
// they are public, then the session, whose first delivery activates the
// wallet.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.baseCtx = context.WithoutCancel(ctx)
	a.mu.Unlock()

	if err := a.Rounds.Start(ctx); err != nil {
		return fmt.Errorf("start rounds: %w", err)
	}
	a.Session.Start(ctx)
	a.log.Info("application started")
	return nil
}

// Stop tears everything down. No callback from any component runs after it
// returns.
func (a *App) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.Session.Stop()
	a.Wallet.Stop()
	a.Rounds.Stop()
	a.log.Info("application stopped")
}

func (a *App) onSession(sess *backend.Session) {
	a.mu.RLock()
	ctx := a.baseCtx
	a.mu.RUnlock()

	if err := a.Wallet.SetSession(ctx, sess); err != nil {
		a.log.Warn("wallet re-key failed", zap.Error(err))
	}
	a.changed()
}

// PlaceBet submits a stake from one bet panel against the current round.
func (a *App) PlaceBet(ctx context.Context, panelID string, stake any) (betting.Result, error) {
	return a.Bets.Submit(ctx, betting.Request{
		Stake:   stake,
		PanelID: panelID,
		Session: a.Session.Current(),
		RoundID: a.Rounds.CurrentID(),
	})
}

func (a *App) SignIn(ctx context.Context, c session.Credentials) (*backend.Session, error) {
	sess, err := a.Session.SignIn(ctx, c)
	if err != nil {
		return nil, err
	}
	a.setNotice(betting.Notice{Level: betting.NoticeSuccess, Text: "Welcome! You are now logged in."})
	return sess, nil
}

// SignUp registers an account. When the backend wants the address confirmed
// first, the notice says so and no session is returned.
func (a *App) SignUp(ctx context.Context, c session.Credentials) (*backend.Session, error) {
	sess, err := a.Session.SignUp(ctx, c)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		a.setNotice(betting.Notice{
			Level: betting.NoticeInfo,
			Text:  fmt.Sprintf("We sent a confirmation link to %s. Click the link to activate your account, then log in.", strings.TrimSpace(c.Email)),
		})
		return nil, nil
	}
	a.setNotice(betting.Notice{Level: betting.NoticeSuccess, Text: "Welcome! You are now logged in."})
	return sess, nil
}

func (a *App) SignOut(ctx context.Context) error {
	if err := a.Session.SignOut(ctx); err != nil {
		return err
	}
	a.setNotice(betting.Notice{Level: betting.NoticeInfo, Text: "Logged out"})
	return nil
}

// RefreshWallet is the explicit refresh hook for flows that change balances
// outside this client, such as deposits and withdrawals.
func (a *App) RefreshWallet(ctx context.Context) error {
	return a.Wallet.Refresh(ctx)
}

func (a *App) SelectTab(t view.Tab) error {
	if err := a.View.Select(t); err != nil {
		return err
	}
	a.changed()
	return nil
}

func (a *App) Notice() *betting.Notice {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.notice == nil {
		return nil
	}
	n := *a.notice
	return &n
}

func (a *App) ClearNotice() {
	a.mu.Lock()
	had := a.notice != nil
	a.notice = nil
	a.mu.Unlock()
	if had {
		a.changed()
	}
}

func (a *App) setNotice(n betting.Notice) {
	a.mu.Lock()
	a.notice = &n
	a.mu.Unlock()
	a.changed()
}

// OnChange registers fn to run after any part of the state changes. fn must
// not block; it runs on whichever goroutine made the change.
func (a *App) OnChange(fn func()) (unsubscribe func()) {
	a.subsMu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.subsMu.Lock()
			delete(a.subs, id)
			a.subsMu.Unlock()
		})
	}
}

func (a *App) changed() {
	a.subsMu.Lock()
	fns := make([]func(), 0, len(a.subs))
	for _, fn := range a.subs {
		fns = append(fns, fn)
	}
	a.subsMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
