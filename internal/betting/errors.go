package betting

import "errors"

type Kind int

const (
	KindInvalidStake Kind = iota + 1
	KindBelowMinimum
	KindInsufficientBalance
	KindAuthRequired
	KindInFlight
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindInvalidStake:
		return "invalid_stake"
	case KindBelowMinimum:
		return "below_minimum"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindAuthRequired:
		return "auth_required"
	case KindInFlight:
		return "in_flight"
	case KindRejected:
		return "rejected"
	}
	return "unknown"
}

// Error is a bet that did not go through. Message is what the user sees; for
// KindRejected it is the backend's text unchanged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a bet Error of kind k.
func IsKind(err error, k Kind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == k
}

// Local reports whether err was raised before reaching the backend.
func Local(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind != KindRejected
}
