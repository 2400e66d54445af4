package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/punchamoorthee/trustgate/internal/payment"
	"github.com/punchamoorthee/trustgate/internal/store"
)

var (
	ErrUnknownProvider = errors.New("service: unknown payment provider")
	ErrAmountMismatch  = errors.New("service: event amount does not match order")
	ErrOrderConflict   = errors.New("service: order state conflicts with event")
)

// preCheckoutBudget is the wall-clock window Telegram gives us to answer a
// pre_checkout_query. Past the deadline the answer must not be sent; silence
// is the rejection.
const preCheckoutBudget = payment.PreCheckoutBudget * time.Second

// Orders is the slice of the order store the payment flows use. Every
// mutation is a single-row conditional update.
type Orders interface {
	Get(ctx context.Context, id int64) (*store.Order, error)
	TransitionStatus(ctx context.Context, id int64, from, to string) (bool, error)
	SetProviderPaymentID(ctx context.Context, id int64, paymentID string) error
}

// PaymentService routes webhook events from the closed provider set into
// idempotent order transitions.
type PaymentService struct {
	orders  Orders
	gateway payment.Provider
	stars   *payment.StarsProvider
}

func NewPaymentService(orders Orders, gateway payment.Provider, stars *payment.StarsProvider) *PaymentService {
	return &PaymentService{orders: orders, gateway: gateway, stars: stars}
}

func (s *PaymentService) provider(name string) (payment.Provider, error) {
	switch name {
	case s.gateway.Name():
		return s.gateway, nil
	case s.stars.Name():
		return s.stars, nil
	}
	return nil, ErrUnknownProvider
}

// CreatePayment opens a payment intent with the named provider for a pending
// order.
func (s *PaymentService) CreatePayment(ctx context.Context, providerName string, orderID int64, description, returnURL string) (*payment.Intent, error) {
	p, err := s.provider(providerName)
	if err != nil {
		return nil, err
	}

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != store.StatusPending {
		return nil, fmt.Errorf("%w: order %d is %s", ErrOrderConflict, orderID, o.Status)
	}

	intent, err := p.CreatePayment(ctx, payment.CreateRequest{
		OrderID:     o.ID,
		OrderNumber: o.Number,
		Amount:      o.Amount,
		Currency:    o.Currency,
		Description: description,
		ReturnURL:   returnURL,
	})
	if err != nil {
		return nil, err
	}

	if intent.PaymentID != "" {
		if err := s.orders.SetProviderPaymentID(ctx, o.ID, intent.PaymentID); err != nil {
			return nil, err
		}
	}
	return intent, nil
}

// Refund forwards a refund to the order's provider. Failures propagate; a
// swallowed refund error corrupts money-state reconciliation.
func (s *PaymentService) Refund(ctx context.Context, orderID int64, amount int64) error {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != store.StatusSucceeded {
		return fmt.Errorf("%w: order %d is %s", ErrOrderConflict, orderID, o.Status)
	}
	p, err := s.provider(o.Provider)
	if err != nil {
		return err
	}

	if err := p.Refund(ctx, payment.RefundRequest{
		PaymentID: o.ProviderPaymentID,
		Amount:    amount,
		Currency:  o.Currency,
		UserID:    o.CustomerID,
	}); err != nil {
		return err
	}

	if _, err := s.orders.TransitionStatus(ctx, o.ID, store.StatusSucceeded, store.StatusRefunded); err != nil {
		return err
	}
	return nil
}

// HandleWebhook verifies, parses and applies one provider callback.
// Verification always precedes parsing; nothing in the body is trusted until
// the channel is.
func (s *PaymentService) HandleWebhook(ctx context.Context, providerName string, r *http.Request, body []byte) error {
	p, err := s.provider(providerName)
	if err != nil {
		return err
	}
	if err := p.VerifyWebhook(r, body); err != nil {
		return err
	}

	if providerName == s.stars.Name() {
		return s.handleTelegramUpdate(ctx, body)
	}

	ev, err := p.ParseWebhook(body)
	if err != nil {
		return err
	}
	return s.ApplyEvent(ctx, ev)
}

func (s *PaymentService) handleTelegramUpdate(ctx context.Context, body []byte) error {
	u, err := s.stars.ParseUpdate(body)
	if err != nil {
		return err
	}

	if u.PreCheckoutQuery != nil {
		return s.handlePreCheckout(ctx, u.PreCheckoutQuery)
	}
	if u.Message != nil && u.Message.SuccessfulPayment != nil {
		ev, err := s.stars.ParseWebhook(body)
		if err != nil {
			return err
		}
		return s.ApplyEvent(ctx, ev)
	}

	// Bot chatter that is not payment-related passes through unprocessed.
	return nil
}

// handlePreCheckout runs the Offered → Committed/Rejected handshake under
// the platform's 10-second budget. A missed deadline means no answer at all,
// which the platform treats as a rejection.
func (s *PaymentService) handlePreCheckout(ctx context.Context, q *tgbotapi.PreCheckoutQuery) error {
	ctx, cancel := context.WithTimeout(ctx, preCheckoutBudget)
	defer cancel()

	orderID, _, err := payment.ParseOrderRef(q.InvoicePayload)
	if err != nil {
		return s.stars.AnswerPreCheckout(ctx, q.ID, false, "order not recognized")
	}

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			return s.stars.AnswerPreCheckout(ctx, q.ID, false, "order not found")
		}
		return err
	}
	if o.Status != store.StatusPending {
		return s.stars.AnswerPreCheckout(ctx, q.ID, false, "order is no longer payable")
	}
	if int64(q.TotalAmount) != o.Amount {
		log.Warn().Int64("order_id", o.ID).Int("got", q.TotalAmount).Int64("want", o.Amount).
			Msg("pre-checkout amount mismatch")
		return s.stars.AnswerPreCheckout(ctx, q.ID, false, "amount mismatch")
	}

	return s.stars.AnswerPreCheckout(ctx, q.ID, true, "")
}

// ApplyEvent maps a verified event onto the order's state machine. The same
// event delivered twice is a no-op; the compare-and-swap in the store is
// what makes concurrent deliveries collapse to one applied credit.
func (s *PaymentService) ApplyEvent(ctx context.Context, ev *payment.Event) error {
	o, err := s.orders.Get(ctx, ev.OrderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			// Dangling events must not make the provider retry forever.
			log.Warn().Str("provider", ev.Provider).Int64("order_id", ev.OrderID).
				Msg("webhook for unknown order ignored")
			return nil
		}
		return err
	}

	switch ev.Status {
	case payment.StatusSucceeded:
		if ev.Amount != o.Amount {
			return fmt.Errorf("%w: got %d, order has %d", ErrAmountMismatch, ev.Amount, o.Amount)
		}
		if o.Status == store.StatusSucceeded {
			log.Info().Int64("order_id", o.ID).Msg("duplicate succeeded event ignored")
			return nil
		}
		applied, err := s.transition(ctx, o.ID, string(ev.Status),
			store.StatusPending, store.StatusWaitingForCapture)
		if err != nil {
			return err
		}
		if !applied {
			return s.resolveRace(ctx, o.ID, store.StatusSucceeded)
		}
		if ev.PaymentID != "" {
			if err := s.orders.SetProviderPaymentID(ctx, o.ID, ev.PaymentID); err != nil {
				return err
			}
		}
		log.Info().Int64("order_id", o.ID).Str("provider", ev.Provider).
			Str("payment_id", ev.PaymentID).Msg("order paid")
		return nil

	case payment.StatusWaitingForCapture:
		_, err := s.transition(ctx, o.ID, string(ev.Status), store.StatusPending)
		return err

	case payment.StatusCanceled:
		if o.Status == store.StatusCanceled {
			return nil
		}
		applied, err := s.transition(ctx, o.ID, string(ev.Status),
			store.StatusPending, store.StatusWaitingForCapture)
		if err != nil {
			return err
		}
		if !applied {
			return s.resolveRace(ctx, o.ID, store.StatusCanceled)
		}
		return nil

	case payment.StatusRefunded:
		if o.Status == store.StatusRefunded {
			return nil
		}
		applied, err := s.transition(ctx, o.ID, string(ev.Status), store.StatusSucceeded)
		if err != nil {
			return err
		}
		if !applied {
			return s.resolveRace(ctx, o.ID, store.StatusRefunded)
		}
		return nil

	case payment.StatusPending:
		return nil
	}

	return fmt.Errorf("%w: unhandled status %q", payment.ErrMalformedEvent, ev.Status)
}

func (s *PaymentService) transition(ctx context.Context, orderID int64, to string, froms ...string) (bool, error) {
	for _, from := range froms {
		ok, err := s.orders.TransitionStatus(ctx, orderID, from, to)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// resolveRace re-reads the order after a CAS miss. A concurrent delivery
// that already landed the same terminal state is fine; anything else is a
// real conflict.
func (s *PaymentService) resolveRace(ctx context.Context, orderID int64, want string) error {
	current, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if current.Status == want {
		return nil
	}
	return fmt.Errorf("%w: order %d is %s, event wants %s", ErrOrderConflict, orderID, current.Status, want)
}
