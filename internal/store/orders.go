package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrOrderNotFound = errors.New("store: order not found")

// Order payment statuses. Terminal: succeeded (except for refund), canceled,
// refunded.
const (
	StatusPending           = "pending"
	StatusWaitingForCapture = "waiting_for_capture"
	StatusSucceeded         = "succeeded"
	StatusCanceled          = "canceled"
	StatusRefunded          = "refunded"
)

// Order is the payment-facing slice of an order. Amount is in minor units.
type Order struct {
	ID                int64     `json:"id"`
	Number            string    `json:"number"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	Provider          string    `json:"provider"`
	ProviderPaymentID string    `json:"provider_payment_id,omitempty"`
	CustomerID        int64     `json:"customer_id"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type OrderStore struct {
	db *pgxpool.Pool
}

func NewOrderStore(db *pgxpool.Pool) *OrderStore {
	return &OrderStore{db: db}
}

func (s *OrderStore) Create(ctx context.Context, number string, amount int64, currency, provider string, customerID int64) (*Order, error) {
	o := &Order{
		Number:     number,
		Amount:     amount,
		Currency:   currency,
		Status:     StatusPending,
		Provider:   provider,
		CustomerID: customerID,
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO orders (number, amount, currency, status, provider, customer_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		number, amount, currency, o.Status, provider, customerID,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: order insert failed: %v", ErrStoreUnavailable, err)
	}
	return o, nil
}

func (s *OrderStore) Get(ctx context.Context, id int64) (*Order, error) {
	var o Order
	err := s.db.QueryRow(ctx,
		`SELECT id, number, amount, currency, status, provider,
		        COALESCE(provider_payment_id, ''), customer_id, created_at, updated_at
		 FROM orders WHERE id = $1`,
		id,
	).Scan(&o.ID, &o.Number, &o.Amount, &o.Currency, &o.Status, &o.Provider,
		&o.ProviderPaymentID, &o.CustomerID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("%w: order lookup failed: %v", ErrStoreUnavailable, err)
	}
	return &o, nil
}

func (s *OrderStore) GetStatus(ctx context.Context, id int64) (string, error) {
	var status string
	err := s.db.QueryRow(ctx, "SELECT status FROM orders WHERE id = $1", id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrOrderNotFound
		}
		return "", fmt.Errorf("%w: status lookup failed: %v", ErrStoreUnavailable, err)
	}
	return status, nil
}

// TransitionStatus applies a compare-and-swap on the order's status. It
// reports false when the current status no longer matches from, which is how
// concurrent webhook redeliveries collapse to a single applied transition.
func (s *OrderStore) TransitionStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		"UPDATE orders SET status = $3, updated_at = now() WHERE id = $1 AND status = $2",
		id, from, to,
	)
	if err != nil {
		return false, fmt.Errorf("%w: status transition failed: %v", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetProviderPaymentID records the provider-assigned charge identifier,
// needed later for refunds.
func (s *OrderStore) SetProviderPaymentID(ctx context.Context, id int64, paymentID string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE orders SET provider_payment_id = $2, updated_at = now() WHERE id = $1",
		id, paymentID,
	)
	if err != nil {
		return fmt.Errorf("%w: payment id update failed: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}
