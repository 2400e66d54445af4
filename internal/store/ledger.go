package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrDuplicateToken = errors.New("store: use token already exists")

// LedgerEntry tracks a one-time-use token from issue to redemption.
type LedgerEntry struct {
	UseToken  string     `json:"use_token"`
	Used      bool       `json:"used"`
	CreatedAt time.Time  `json:"created_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// TokenLedger enforces single use of QR tokens. All mutation goes through
// single-row conditional statements so correctness holds across processes.
type TokenLedger struct {
	db *pgxpool.Pool
}

func NewTokenLedger(db *pgxpool.Pool) *TokenLedger {
	return &TokenLedger{db: db}
}

// CreateEntry registers a freshly issued use token. Must succeed before the
// token string is handed out; an unregistered token can never be redeemed.
func (l *TokenLedger) CreateEntry(ctx context.Context, useToken string) error {
	_, err := l.db.Exec(ctx,
		"INSERT INTO qr_tokens (use_token, used) VALUES ($1, FALSE)",
		useToken,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateToken
		}
		return fmt.Errorf("%w: entry insert failed: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// TryMarkUsed atomically flips an unused entry to used. The conditional
// UPDATE is the whole concurrency story: of N concurrent calls for the same
// token exactly one sees RowsAffected == 1. A missing entry reports false,
// same as an already-consumed one.
func (l *TokenLedger) TryMarkUsed(ctx context.Context, useToken string) (bool, error) {
	tag, err := l.db.Exec(ctx,
		"UPDATE qr_tokens SET used = TRUE, used_at = now() WHERE use_token = $1 AND used = FALSE",
		useToken,
	)
	if err != nil {
		return false, fmt.Errorf("%w: mark used failed: %v", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetEntry retrieves a ledger entry, mostly for fraud forensics.
func (l *TokenLedger) GetEntry(ctx context.Context, useToken string) (*LedgerEntry, error) {
	var e LedgerEntry
	err := l.db.QueryRow(ctx,
		"SELECT use_token, used, created_at, used_at FROM qr_tokens WHERE use_token = $1",
		useToken,
	).Scan(&e.UseToken, &e.Used, &e.CreatedAt, &e.UsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: entry lookup failed: %v", ErrStoreUnavailable, err)
	}
	return &e, nil
}
