package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/punchamoorthee/trustgate/internal/qr"
)

// ErrAlreadyUsed is the only outcome for any second redemption of a
// one-time-use token, including exact retries.
var ErrAlreadyUsed = errors.New("service: token already used")

// TokenLedger is the single-use bookkeeping the QR flows need. The Postgres
// implementation lives in internal/store; tests substitute an in-memory CAS.
type TokenLedger interface {
	CreateEntry(ctx context.Context, useToken string) error
	TryMarkUsed(ctx context.Context, useToken string) (bool, error)
}

// QRService issues and redeems loyalty tokens, pairing the pure codec with
// the ledger.
type QRService struct {
	codec  *qr.Codec
	ledger TokenLedger
}

func NewQRService(codec *qr.Codec, ledger TokenLedger) *QRService {
	return &QRService{codec: codec, ledger: ledger}
}

// Issue encodes a token and, for one-time-use payloads, registers its use
// token in the ledger. The token string is only returned once the ledger row
// exists; a failed ledger write fails the whole issue.
func (s *QRService) Issue(ctx context.Context, t qr.Type, p qr.Payload) (string, error) {
	if p.OneTimeUse && p.UseToken == "" {
		p.UseToken = uuid.NewString()
	}

	token, err := s.codec.Encode(t, p)
	if err != nil {
		return "", err
	}

	if p.OneTimeUse {
		if err := s.ledger.CreateEntry(ctx, p.UseToken); err != nil {
			return "", fmt.Errorf("issue aborted: %w", err)
		}
	}

	log.Debug().Str("type", string(t)).Bool("one_time", p.OneTimeUse).Msg("qr token issued")
	return token, nil
}

// Redeem validates a scanned token. For one-time-use payloads the ledger
// mark is part of accepting the validation: of two concurrent redemptions of
// the same token exactly one succeeds.
func (s *QRService) Redeem(ctx context.Context, token string) (*qr.Decoded, error) {
	d, err := s.codec.Decode(token, time.Now())
	if err != nil {
		return nil, err
	}

	if d.Payload.OneTimeUse {
		ok, err := s.ledger.TryMarkUsed(ctx, d.Payload.UseToken)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrAlreadyUsed
		}
	}

	return d, nil
}
