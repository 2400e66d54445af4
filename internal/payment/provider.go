// Package payment wraps the two payment providers behind one capability
// interface. The provider set is closed: a card gateway whose webhook trust
// is source-IP allow-listing, and Telegram Stars whose trust is the
// authenticated bot webhook channel plus the pre-checkout handshake.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
)

// Status mirrors the order payment lifecycle.
type Status string

const (
	StatusPending           Status = "pending"
	StatusWaitingForCapture Status = "waiting_for_capture"
	StatusSucceeded         Status = "succeeded"
	StatusCanceled          Status = "canceled"
	StatusRefunded          Status = "refunded"
)

var (
	ErrUntrustedSource    = errors.New("payment: webhook source not trusted")
	ErrMalformedEvent     = errors.New("payment: malformed webhook event")
	ErrPartialUnsupported = errors.New("payment: partial refund not supported by provider")
	ErrStatusUnsupported  = errors.New("payment: status query not supported by provider")
	ErrRefundFailed       = errors.New("payment: refund rejected by provider")
)

// CreateRequest describes a payment intent. Amount is in minor units; the
// order correlation fields are round-tripped through the provider unmodified
// and come back in the webhook event.
type CreateRequest struct {
	OrderID     int64
	OrderNumber string
	Amount      int64
	Currency    string
	Description string
	ReturnURL   string
}

// Intent is the provider's answer to a create call.
type Intent struct {
	PaymentID       string
	ConfirmationURL string
	Status          Status
}

// RefundRequest names the original charge. Amount 0 means a full refund;
// providers that cannot do partials reject a non-zero amount.
type RefundRequest struct {
	PaymentID string
	Amount    int64
	Currency  string
	// Telegram refunds address the paying user, not the charge alone.
	UserID int64
}

// Event is a verified, parsed webhook occurrence.
type Event struct {
	Provider    string
	PaymentID   string
	OrderID     int64
	OrderNumber string
	Amount      int64
	Currency    string
	Status      Status
	UserID      int64
}

// Provider is the shared capability contract. VerifyWebhook must pass before
// ParseWebhook output is acted on.
type Provider interface {
	Name() string
	CreatePayment(ctx context.Context, req CreateRequest) (*Intent, error)
	GetStatus(ctx context.Context, paymentID string) (Status, error)
	Refund(ctx context.Context, req RefundRequest) error
	VerifyWebhook(r *http.Request, body []byte) error
	ParseWebhook(body []byte) (*Event, error)
}

// orderRef is the opaque correlation payload embedded at payment-creation
// time and returned verbatim by both providers.
type orderRef struct {
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
}

// ParseOrderRef decodes the correlation payload from a provider event that
// carries it raw, such as a pre_checkout_query's invoice payload.
func ParseOrderRef(payload string) (orderID int64, orderNumber string, err error) {
	var ref orderRef
	if err := json.Unmarshal([]byte(payload), &ref); err != nil || ref.OrderID == 0 {
		return 0, "", ErrMalformedEvent
	}
	return ref.OrderID, ref.OrderNumber, nil
}

var hundred = decimal.NewFromInt(100)

// formatAmount renders minor units as the gateway's decimal string ("249.00").
func formatAmount(minor int64) string {
	return decimal.NewFromInt(minor).Div(hundred).StringFixed(2)
}

// parseAmount converts a gateway decimal string back to minor units.
func parseAmount(value string) (int64, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, err
	}
	return d.Mul(hundred).IntPart(), nil
}
