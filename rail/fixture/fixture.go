// Package fixture is the in-memory rail implementation used in tests and
// local development. It keeps real balances and enforces the same
// insufficient-funds and idempotency rules as the live rail, so engine
// behavior does not change between backends.
package fixture

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/murphlabs/tally/rail"
	"github.com/murphlabs/tally/types"
)

// method tag recorded on settlements produced through the fixture rail.
const method = "OFF_RAMP_MOCK"

var _ rail.Service = (*Rail)(nil)

// Rail is an in-memory wallet and payout rail.
type Rail struct {
	mu sync.Mutex

	balances     map[string]types.Money
	reservations map[string]*rail.Reservation
	payouts      map[string]types.Money // settlementID -> paid amount
	failPayouts  bool
}

func New() *Rail {
	return &Rail{
		balances:     make(map[string]types.Money),
		reservations: make(map[string]*rail.Reservation),
		payouts:      make(map[string]types.Money),
	}
}

// SetFailPayouts makes every payout fail until cleared; used to exercise
// the retry path. Safe to flip while workers run.
func (r *Rail) SetFailPayouts(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failPayouts = v
}

// Deposit credits a payer balance. Test/bootstrap helper.
func (r *Rail) Deposit(payerID string, amount types.Money) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.balances[payerID]; ok {
		r.balances[payerID] = cur.Add(amount)
		return
	}
	r.balances[payerID] = amount
}

// Balance returns the payer's available (unreserved) balance.
func (r *Rail) Balance(payerID string) types.Money {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.balances[payerID]; ok {
		return cur
	}
	return types.Zero("usd")
}

func (r *Rail) Reserve(_ context.Context, payerID string, amount types.Money) (*rail.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	balance, ok := r.balances[payerID]
	if !ok || balance.LessThan(amount) {
		return nil, rail.ErrInsufficientFunds
	}

	r.balances[payerID] = balance.Subtract(amount)
	res := &rail.Reservation{
		ID:        "lock_" + uuid.NewString(),
		PayerID:   payerID,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}
	r.reservations[res.ID] = res
	return res, nil
}

func (r *Rail) Capture(_ context.Context, reservationID string, amount types.Money) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[reservationID]
	if !ok {
		return rail.ErrReservationNotFound
	}
	res.Amount = res.Amount.Subtract(amount)
	return nil
}

func (r *Rail) Release(_ context.Context, reservationID string, amount types.Money) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[reservationID]
	if !ok {
		return rail.ErrReservationNotFound
	}
	res.Amount = res.Amount.Subtract(amount)
	r.balances[res.PayerID] = r.balances[res.PayerID].Add(amount)
	return nil
}

func (r *Rail) Payout(_ context.Context, payeeID string, amount types.Money, settlementID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failPayouts {
		return rail.ErrPayoutDeclined
	}

	// Idempotent by settlement id: a repeat attempt is a no-op.
	if _, done := r.payouts[settlementID]; done {
		return nil
	}
	r.payouts[settlementID] = amount

	if cur, ok := r.balances[payeeID]; ok {
		r.balances[payeeID] = cur.Add(amount)
	} else {
		r.balances[payeeID] = amount
	}
	return nil
}

// PaidOut returns the amount paid for a settlement, if any.
func (r *Rail) PaidOut(settlementID string) (types.Money, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	amount, ok := r.payouts[settlementID]
	return amount, ok
}

// PayoutCount reports how many distinct settlements were paid out.
func (r *Rail) PayoutCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.payouts)
}

func (r *Rail) Method() string { return method }
