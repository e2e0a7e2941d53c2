// Package rail defines the external money-movement collaborators: the
// wallet/escrow service that holds a payer's reservation, and the payout
// service that transfers the charged amount to the teacher.
//
// Both are narrow interfaces with two implementations selected at wiring
// time, a live HTTP client and an in-memory fixture, instead of the
// try-live-fall-back-to-canned pattern. The engine only ever sees the
// interface.
package rail

import (
	"context"
	"errors"
	"time"

	"github.com/murphlabs/tally/types"
)

var (
	// ErrInsufficientFunds means the payer's balance cannot cover the
	// requested reservation. No reservation is created.
	ErrInsufficientFunds = errors.New("rail: insufficient funds")

	// ErrReservationNotFound means the reservation id is unknown to the rail.
	ErrReservationNotFound = errors.New("rail: reservation not found")

	// ErrPayoutDeclined means the payee-side transfer failed. The transfer
	// is retry-safe: re-attempting with the same settlement id and amount
	// is always permitted, re-attempting with a different amount never is.
	ErrPayoutDeclined = errors.New("rail: payout declined")
)

// Reservation is a hold on payer funds created at session authorization.
type Reservation struct {
	ID        string      `json:"id"`
	PayerID   string      `json:"payer_id"`
	Amount    types.Money `json:"amount"`
	CreatedAt time.Time   `json:"created_at"`
}

// Wallet reserves, captures, and releases escrowed payer funds.
// All calls are idempotent by reservation id.
type Wallet interface {
	// Reserve locks amount from the payer's available balance. Fails with
	// ErrInsufficientFunds when the balance cannot cover it.
	Reserve(ctx context.Context, payerID string, amount types.Money) (*Reservation, error)

	// Capture moves amount out of the reservation toward the payee rail.
	Capture(ctx context.Context, reservationID string, amount types.Money) error

	// Release returns amount from the reservation to the payer.
	Release(ctx context.Context, reservationID string, amount types.Money) error
}

// Payout transfers a settled charge to the content owner. A failed payout
// must be retried with the identical amount, keyed by settlement id.
type Payout interface {
	Payout(ctx context.Context, payeeID string, amount types.Money, settlementID string) error

	// Method returns the provenance tag recorded on settlement records,
	// e.g. "OFF_RAMP_MOCK" for the fixture rail.
	Method() string
}

// Service bundles both collaborators; most deployments back them with the
// same provider.
type Service interface {
	Wallet
	Payout
}
