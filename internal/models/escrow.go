package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Escrow states
const (
	StateCreated  = "CREATED"
	StateFunded   = "FUNDED"
	StateReleased = "RELEASED"
	StateRefunded = "REFUNDED"
	StateExpired  = "EXPIRED"
)

// Transition kinds
const (
	TransitionFund    = "fund"
	TransitionRelease = "release"
	TransitionRefund  = "refund"
	TransitionExpire  = "expire"
)

// Valid transitions: kind -> (from, to)
var transitionTable = map[string]struct{ From, To string }{
	TransitionFund:    {StateCreated, StateFunded},
	TransitionRelease: {StateFunded, StateReleased},
	TransitionRefund:  {StateFunded, StateRefunded},
	TransitionExpire:  {StateFunded, StateExpired},
}

// IsTerminal reports whether no further transition is legal from state.
func IsTerminal(state string) bool {
	return state == StateReleased || state == StateRefunded || state == StateExpired
}

type Escrow struct {
	ID         uuid.UUID       `json:"id"`
	BuyerID    string          `json:"buyer_id"`
	SellerID   string          `json:"seller_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	State      string          `json:"state"`
	Version    int64           `json:"version"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FundedAt   *time.Time      `json:"funded_at,omitempty"`
	ReleasedAt *time.Time      `json:"released_at,omitempty"`
	RefundedAt *time.Time      `json:"refunded_at,omitempty"`
	ExpiredAt  *time.Time      `json:"expired_at,omitempty"`
}

// InvalidTransitionError reports an attempted transition that is illegal
// from the escrow's current state.
type InvalidTransitionError struct {
	From string
	Kind string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s escrow from %s state", e.Kind, e.From)
}

// FieldUpdates is the outcome of an accepted transition: the new state plus
// the timestamps the commit must set. Noop marks an idempotent skip where
// nothing is written at all.
type FieldUpdates struct {
	State      string
	Noop       bool
	FundedAt   *time.Time
	ExpiresAt  *time.Time
	ReleasedAt *time.Time
	RefundedAt *time.Time
	ExpiredAt  *time.Time
}

// Attempt validates kind against currentState and computes the field updates
// a commit must apply. The clock is injected via now, so the same inputs
// always yield the same outputs.
//
// Expire from any state other than FUNDED is a no-op success rather than an
// error, which makes repeated sweep invocations safe.
func Attempt(currentState, kind string, now time.Time, expirationWindow time.Duration) (FieldUpdates, error) {
	t, ok := transitionTable[kind]
	if !ok {
		return FieldUpdates{}, &InvalidTransitionError{From: currentState, Kind: kind}
	}

	if currentState != t.From {
		if kind == TransitionExpire {
			return FieldUpdates{State: currentState, Noop: true}, nil
		}
		return FieldUpdates{}, &InvalidTransitionError{From: currentState, Kind: kind}
	}

	upd := FieldUpdates{State: t.To}
	switch kind {
	case TransitionFund:
		upd.FundedAt = &now
		expires := now.Add(expirationWindow)
		upd.ExpiresAt = &expires
	case TransitionRelease:
		upd.ReleasedAt = &now
	case TransitionRefund:
		upd.RefundedAt = &now
	case TransitionExpire:
		upd.ExpiredAt = &now
	}
	return upd, nil
}
