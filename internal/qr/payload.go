package qr

import "time"

// Type tags the payload schema carried by a token. The set is closed;
// validation fails on anything else.
type Type string

const (
	TypeCard        Type = "card"
	TypeTransaction Type = "transaction"
	TypeCoupon      Type = "coupon"
	TypeReferral    Type = "referral"
)

func (t Type) valid() bool {
	switch t {
	case TypeCard, TypeTransaction, TypeCoupon, TypeReferral:
		return true
	}
	return false
}

// Payload is the plaintext carried inside a token. Which fields are required
// depends on the type tag; requireFields enforces that after decryption.
type Payload struct {
	// card, referral
	CardNumber string `json:"cardNumber,omitempty"`
	CustomerID int64  `json:"customerId,omitempty"`

	// transaction
	Amount  int64  `json:"amount,omitempty"`
	Points  int64  `json:"points,omitempty"`
	StoreID string `json:"storeId,omitempty"`

	// coupon
	CouponCode      string `json:"couponCode,omitempty"`
	DiscountPercent int    `json:"discountPercent,omitempty"`

	// referral
	ReferrerID int64 `json:"referrerId,omitempty"`

	// epoch seconds; zero means the token never expires (card, referral)
	ExpiresAt int64 `json:"expiresAt,omitempty"`

	// epoch seconds, stamped by the codec at generation time
	IssuedAt int64 `json:"issuedAt,omitempty"`

	OneTimeUse bool   `json:"oneTimeUse,omitempty"`
	UseToken   string `json:"useToken,omitempty"`
}

func (p *Payload) requireFields(t Type) error {
	switch t {
	case TypeCard:
		if p.CardNumber == "" {
			return ErrSchemaMismatch
		}
	case TypeTransaction:
		if p.Amount <= 0 || p.StoreID == "" {
			return ErrSchemaMismatch
		}
	case TypeCoupon:
		if p.CouponCode == "" {
			return ErrSchemaMismatch
		}
	case TypeReferral:
		if p.ReferrerID == 0 {
			return ErrSchemaMismatch
		}
	default:
		return ErrSchemaMismatch
	}
	if p.OneTimeUse && p.UseToken == "" {
		return ErrSchemaMismatch
	}
	return nil
}

func (p *Payload) expired(now time.Time) bool {
	return p.ExpiresAt != 0 && now.Unix() > p.ExpiresAt
}

// Decoded is the outcome of a successful validation.
type Decoded struct {
	Type    Type
	Payload Payload
}
