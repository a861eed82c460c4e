package app

import (
	"aviatorclient/internal/backend"
	"aviatorclient/internal/betting"
	"aviatorclient/internal/rounds"
	"aviatorclient/internal/view"
)

type UserView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Snapshot is everything the UI renders, captured at one instant. Each part
// is a copy, so callers may hold on to it.
type Snapshot struct {
	User             *UserView         `json:"user"`
	Round            *rounds.Round     `json:"round"`
	Wallet           *backend.Wallet   `json:"wallet"`
	Deposits         []backend.Deposit `json:"deposits"`
	LastDepositPhone string            `json:"last_deposit_phone,omitempty"`
	Tab              view.Tab          `json:"tab"`
	Tabs             []view.Tab        `json:"tabs"`
	Admin            bool              `json:"admin"`
	Notice           *betting.Notice   `json:"notice"`
	MinStake         string            `json:"min_stake"`
	Currency         string            `json:"currency"`
}

// Snapshot captures the current state. adminFlag is the raw admin query
// parameter, if the caller has one.
func (a *App) Snapshot(adminFlag string) Snapshot {
	sess := a.Session.Current()
	ws := a.Wallet.Snapshot()

	snap := Snapshot{
		Round:            a.Rounds.Current(),
		Wallet:           ws.Wallet,
		Deposits:         ws.Deposits,
		LastDepositPhone: ws.LastDepositPhone(),
		Tab:              a.View.Current(),
		Tabs:             view.Tabs(),
		Notice:           a.Notice(),
		MinStake:         a.Bets.MinStake().String(),
		Currency:         a.currency,
	}
	email := ""
	if sess != nil {
		snap.User = &UserView{ID: sess.User.ID, Email: sess.User.Email}
		email = sess.User.Email
	}
	if snap.Deposits == nil {
		snap.Deposits = []backend.Deposit{}
	}
	snap.Admin = view.AdminRequested(adminFlag, email)
	return snap
}
