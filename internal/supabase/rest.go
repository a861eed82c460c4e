package supabase

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"aviatorclient/internal/backend"
)

// FetchCurrentRound reads the current_round view. Zero rows is not an error;
// more than one is.
func (c *Client) FetchCurrentRound(ctx context.Context) (backend.RawRound, error) {
	var rows []backend.RawRound
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/current_round",
		query:  url.Values{"select": {"*"}},
		token:  c.accessToken(),
	}, &rows)
	if err != nil {
		return nil, err
	}
	return maybeSingle(rows)
}

func (c *Client) FetchWallet(ctx context.Context, sess *backend.Session) (*backend.Wallet, error) {
	var rows []backend.Wallet
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/wallets",
		query: url.Values{
			"select":  {"available_cents,locked_cents"},
			"user_id": {"eq." + sess.UserID()},
		},
		token: sess.AccessToken,
	}, &rows)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return &rows[0], nil
	}
	return nil, backend.ErrMultipleRows
}

// FetchDeposits returns the newest deposits first.
func (c *Client) FetchDeposits(ctx context.Context, sess *backend.Session, limit int) ([]backend.Deposit, error) {
	var rows []backend.Deposit
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/deposits",
		query: url.Values{
			"select":  {"*"},
			"user_id": {"eq." + sess.UserID()},
			"order":   {"created_at.desc"},
			"limit":   {strconv.Itoa(limit)},
		},
		token: sess.AccessToken,
	}, &rows)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []backend.Deposit{}
	}
	return rows, nil
}

type placeBetParams struct {
	StakeCents int64   `json:"p_stake_cents"`
	RoundID    *string `json:"p_round_id"`
}

// PlaceBet calls the place_bet procedure as the session's user. The procedure
// checks the balance, decrements it and records the bet in one transaction.
func (c *Client) PlaceBet(ctx context.Context, sess *backend.Session, stakeMinorUnits int64, roundID *string) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		path:   "/rest/v1/rpc/place_bet",
		body:   placeBetParams{StakeCents: stakeMinorUnits, RoundID: roundID},
		token:  sess.AccessToken,
	}, nil)
}

func maybeSingle(rows []backend.RawRound) (backend.RawRound, error) {
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	}
	return nil, backend.ErrMultipleRows
}
