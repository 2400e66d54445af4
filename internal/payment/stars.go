package payment

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// PreCheckoutBudget is the platform's hard deadline for answering a
// pre_checkout_query. An unanswered query is an implicit rejection.
const PreCheckoutBudget = 10 // seconds

// botAPI is the slice of tgbotapi.BotAPI the provider needs. MakeRequest
// covers Bot API methods the v5 library predates (createInvoiceLink,
// refundStarPayment).
type botAPI interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// StarsProvider charges in Telegram Stars (XTR). Webhook trust comes from
// the bot webhook channel itself: Telegram echoes back the secret token we
// registered with setWebhook, and nothing else can know it.
type StarsProvider struct {
	bot         botAPI
	secretToken string
}

func NewStarsProvider(bot botAPI, secretToken string) *StarsProvider {
	return &StarsProvider{bot: bot, secretToken: secretToken}
}

func (p *StarsProvider) Name() string { return "telegram" }

// CreatePayment creates an invoice link. Stars invoices carry no provider
// payment id yet; the charge id only exists after successful_payment.
func (p *StarsProvider) CreatePayment(ctx context.Context, req CreateRequest) (*Intent, error) {
	ref, err := json.Marshal(orderRef{OrderID: req.OrderID, OrderNumber: req.OrderNumber})
	if err != nil {
		return nil, fmt.Errorf("stars: payload marshal failed: %w", err)
	}
	prices, err := json.Marshal([]map[string]any{{"label": req.Description, "amount": req.Amount}})
	if err != nil {
		return nil, fmt.Errorf("stars: prices marshal failed: %w", err)
	}

	params := tgbotapi.Params{
		"title":       req.Description,
		"description": req.Description,
		"payload":     string(ref),
		"currency":    "XTR",
		"prices":      string(prices),
	}
	resp, err := p.bot.MakeRequest("createInvoiceLink", params)
	if err != nil {
		return nil, fmt.Errorf("stars: createInvoiceLink failed: %w", err)
	}

	var link string
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return nil, fmt.Errorf("stars: unexpected createInvoiceLink result: %w", err)
	}
	return &Intent{ConfirmationURL: link, Status: StatusPending}, nil
}

// GetStatus is not part of the Stars API surface; state arrives via webhook
// only.
func (p *StarsProvider) GetStatus(ctx context.Context, paymentID string) (Status, error) {
	return "", ErrStatusUnsupported
}

// Refund reverses a Stars charge in full. The API has no partial refund.
func (p *StarsProvider) Refund(ctx context.Context, req RefundRequest) error {
	if req.Amount != 0 {
		return ErrPartialUnsupported
	}
	if req.UserID == 0 || req.PaymentID == "" {
		return fmt.Errorf("stars: refund needs user id and charge id")
	}

	params := tgbotapi.Params{
		"user_id":                    strconv.FormatInt(req.UserID, 10),
		"telegram_payment_charge_id": req.PaymentID,
	}
	resp, err := p.bot.MakeRequest("refundStarPayment", params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}
	if !resp.Ok {
		return fmt.Errorf("%w: %s", ErrRefundFailed, resp.Description)
	}
	return nil
}

// VerifyWebhook checks the secret token Telegram replays on every webhook
// delivery.
func (p *StarsProvider) VerifyWebhook(r *http.Request, _ []byte) error {
	if p.secretToken == "" {
		return ErrUntrustedSource
	}
	got := r.Header.Get(secretTokenHeader)
	if got == "" || !hmac.Equal([]byte(got), []byte(p.secretToken)) {
		return ErrUntrustedSource
	}
	return nil
}

// ParseUpdate decodes a raw webhook body into a bot update. Callers that
// need the pre-checkout branch use this; ParseWebhook only yields final
// payment events.
func (p *StarsProvider) ParseUpdate(body []byte) (*tgbotapi.Update, error) {
	var u tgbotapi.Update
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, ErrMalformedEvent
	}
	return &u, nil
}

func (p *StarsProvider) ParseWebhook(body []byte) (*Event, error) {
	u, err := p.ParseUpdate(body)
	if err != nil {
		return nil, err
	}
	if u.Message == nil || u.Message.SuccessfulPayment == nil {
		return nil, ErrMalformedEvent
	}
	sp := u.Message.SuccessfulPayment

	var ref orderRef
	if err := json.Unmarshal([]byte(sp.InvoicePayload), &ref); err != nil || ref.OrderID == 0 {
		return nil, ErrMalformedEvent
	}

	ev := &Event{
		Provider:    p.Name(),
		PaymentID:   sp.TelegramPaymentChargeID,
		OrderID:     ref.OrderID,
		OrderNumber: ref.OrderNumber,
		Amount:      int64(sp.TotalAmount),
		Currency:    sp.Currency,
		Status:      StatusSucceeded,
	}
	if u.Message.From != nil {
		ev.UserID = u.Message.From.ID
	}
	return ev, nil
}

// AnswerPreCheckout completes (or rejects) the pre-authorization handshake.
// The caller owns the 10-second budget via ctx; once the deadline passed the
// answer must not be sent at all.
func (p *StarsProvider) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("stars: pre-checkout window closed: %w", err)
	}
	_, err := p.bot.Request(tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: queryID,
		OK:                 ok,
		ErrorMessage:       errMsg,
	})
	if err != nil {
		return fmt.Errorf("stars: answerPreCheckoutQuery failed: %w", err)
	}
	return nil
}
