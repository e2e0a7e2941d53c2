// Package finternet is the live rail implementation backed by a
// Finternet-style payment-intent API. Funds are locked at session start,
// captured and released at settlement, and paid out to the teacher through
// the off-ramp endpoint.
package finternet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/murphlabs/tally/rail"
	"github.com/murphlabs/tally/types"
)

const defaultTimeout = 30 * time.Second

var _ rail.Service = (*Client)(nil)

// Client talks to the Finternet payment-intent API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Finternet client. baseURL is the API root without a
// trailing slash.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

type lockRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

type lockResponse struct {
	LockID    string    `json:"lock_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type transferRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type payoutRequest struct {
	PayeeID   string `json:"payee_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

func (c *Client) Reserve(ctx context.Context, payerID string, amount types.Money) (*rail.Reservation, error) {
	var resp lockResponse
	err := c.post(ctx, "/api/v1/locks", lockRequest{
		UserID:      payerID,
		Amount:      amount.Amount,
		Currency:    amount.Currency,
		Description: "tally session lock",
	}, &resp)
	if err != nil {
		return nil, err
	}

	return &rail.Reservation{
		ID:        resp.LockID,
		PayerID:   payerID,
		Amount:    types.In(resp.Currency, resp.Amount),
		CreatedAt: resp.Timestamp,
	}, nil
}

func (c *Client) Capture(ctx context.Context, reservationID string, amount types.Money) error {
	path := fmt.Sprintf("/api/v1/locks/%s/capture", reservationID)
	return c.post(ctx, path, transferRequest{Amount: amount.Amount, Currency: amount.Currency}, nil)
}

func (c *Client) Release(ctx context.Context, reservationID string, amount types.Money) error {
	path := fmt.Sprintf("/api/v1/locks/%s/release", reservationID)
	return c.post(ctx, path, transferRequest{Amount: amount.Amount, Currency: amount.Currency}, nil)
}

func (c *Client) Payout(ctx context.Context, payeeID string, amount types.Money, settlementID string) error {
	err := c.post(ctx, "/api/v1/payouts", payoutRequest{
		PayeeID:   payeeID,
		Amount:    amount.Amount,
		Currency:  amount.Currency,
		Reference: settlementID, // idempotency key on the provider side
	}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", rail.ErrPayoutDeclined, err)
	}
	return nil
}

func (c *Client) Method() string { return "finternet" }

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("finternet: encode %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("finternet: build request %s: %w", path, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("finternet: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		return rail.ErrInsufficientFunds
	}
	if resp.StatusCode == http.StatusNotFound {
		return rail.ErrReservationNotFound
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("finternet: %s: status %d: %s", path, resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("finternet: decode %s: %w", path, err)
	}
	return nil
}
