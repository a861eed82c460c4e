// Package betting validates a stake locally and submits it to the backend's
// atomic place_bet procedure. The local checks only make feedback faster; the
// backend decides whether a bet is accepted.
package betting

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"aviatorclient/internal/backend"
	"aviatorclient/internal/metrics"
)

const (
	DefaultMinStake = 100
	DefaultCurrency = "KSh"
)

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)

// Notice is a transient user-facing message.
type Notice struct {
	Level NoticeLevel `json:"type"`
	Text  string      `json:"text"`
}

// BalanceView exposes the locally known available balance.
type BalanceView interface {
	AvailableMinorUnits() int64
}

// Refresher is asked to reload the wallet after a remote outcome.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type Request struct {
	Stake   any
	PanelID string
	Session *backend.Session
	RoundID *string
}

type Result struct {
	StakeMinorUnits int64
	Notice          Notice
}

type Option func(*Controller)

func WithMinStake(d decimal.Decimal) Option {
	return func(c *Controller) { c.minStake = d }
}

func WithCurrency(label string) Option {
	return func(c *Controller) { c.currency = label }
}

// WithNotifier receives every notice the controller produces.
func WithNotifier(fn func(Notice)) Option {
	return func(c *Controller) { c.notify = fn }
}

// WithPanelGuard rejects a submission while another one from the same panel
// is still waiting on the backend.
func WithPanelGuard() Option {
	return func(c *Controller) { c.guard = true }
}

type Controller struct {
	placer    backend.BetPlacer
	balance   BalanceView
	refresher Refresher
	log       *zap.Logger

	minStake decimal.Decimal
	currency string
	notify   func(Notice)
	guard    bool

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewController(placer backend.BetPlacer, balance BalanceView, refresher Refresher, log *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		placer:    placer,
		balance:   balance,
		refresher: refresher,
		log:       log.Named("betting"),
		minStake:  decimal.NewFromInt(DefaultMinStake),
		currency:  DefaultCurrency,
		notify:    func(Notice) {},
		inFlight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MinStake is the smallest accepted stake in major units.
func (c *Controller) MinStake() decimal.Decimal {
	return c.minStake
}

// Submit runs the validation pipeline and, if it passes, places the bet. It
// blocks until the backend answers, so a success notice is never produced
// before the remote acknowledgement. Failures are not retried.
func (c *Controller) Submit(ctx context.Context, req Request) (Result, error) {
	if req.Session == nil {
		return c.reject(&Error{Kind: KindAuthRequired, Message: "Please log in to place a bet."}, "auth_required")
	}

	stake, verr := c.validate(req.Stake)
	if verr != nil {
		return c.reject(verr, verr.Kind.String())
	}

	if c.guard {
		if !c.acquire(req.PanelID) {
			return c.reject(&Error{Kind: KindInFlight, Message: "A bet from this panel is already being placed."}, "in_flight")
		}
		defer c.release(req.PanelID)
	}

	stakeMinor := ToMinorUnits(stake)
	log := c.log.With(
		zap.String("user_id", req.Session.User.ID),
		zap.String("panel_id", req.PanelID),
		zap.Int64("stake_minor_units", stakeMinor),
	)

	err := c.placer.PlaceBet(ctx, req.Session, stakeMinor, req.RoundID)
	c.requestRefresh(ctx)

	if err != nil {
		log.Warn("place_bet failed", zap.Error(err))
		msg := err.Error()
		if msg == "" {
			msg = "Failed to place bet."
		}
		return c.reject(&Error{Kind: KindRejected, Message: msg, Err: err}, "rejected")
	}

	notice := Notice{Level: NoticeSuccess, Text: "Bet placed: " + FormatMoney(c.currency, stake)}
	metrics.BetSubmissions.WithLabelValues("accepted").Inc()
	log.Info("bet placed")
	c.notify(notice)
	return Result{StakeMinorUnits: stakeMinor, Notice: notice}, nil
}

// validate short-circuits on the first failed check.
func (c *Controller) validate(raw any) (decimal.Decimal, *Error) {
	stake, err := ParseStake(raw)
	if err != nil {
		return decimal.Zero, &Error{Kind: KindInvalidStake, Message: "Invalid stake amount.", Err: err}
	}
	if stake.LessThan(c.minStake) {
		return decimal.Zero, &Error{
			Kind:    KindBelowMinimum,
			Message: fmt.Sprintf("Minimum bet amount is %s %s.", c.currency, c.minStake.String()),
		}
	}
	// Advisory only: the snapshot may be stale and place_bet re-checks.
	available := FromMinorUnits(c.balance.AvailableMinorUnits())
	if stake.GreaterThan(available) {
		return decimal.Zero, &Error{Kind: KindInsufficientBalance, Message: "Insufficient balance."}
	}
	return stake, nil
}

func (c *Controller) reject(err *Error, outcome string) (Result, error) {
	metrics.BetSubmissions.WithLabelValues(outcome).Inc()
	notice := Notice{Level: NoticeError, Text: err.Message}
	c.notify(notice)
	return Result{Notice: notice}, err
}

func (c *Controller) requestRefresh(ctx context.Context) {
	if c.refresher == nil {
		return
	}
	go func() {
		if err := c.refresher.Refresh(context.WithoutCancel(ctx)); err != nil {
			c.log.Debug("wallet refresh after bet failed", zap.Error(err))
		}
	}()
}

func (c *Controller) acquire(panelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[panelID]; busy {
		return false
	}
	c.inFlight[panelID] = struct{}{}
	return true
}

func (c *Controller) release(panelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, panelID)
}
