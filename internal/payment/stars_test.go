package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBot struct {
	lastEndpoint string
	lastParams   tgbotapi.Params
	resp         *tgbotapi.APIResponse
	err          error
}

func (b *stubBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, b.err
}

func (b *stubBot) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	b.lastEndpoint = endpoint
	b.lastParams = params
	if b.resp != nil {
		return b.resp, b.err
	}
	return &tgbotapi.APIResponse{Ok: true, Result: json.RawMessage(`true`)}, b.err
}

func TestStarsCreatePayment(t *testing.T) {
	bot := &stubBot{resp: &tgbotapi.APIResponse{Ok: true, Result: json.RawMessage(`"https://t.me/$inv"`)}}
	p := NewStarsProvider(bot, "secret")

	intent, err := p.CreatePayment(context.Background(), CreateRequest{
		OrderID:     12,
		OrderNumber: "A-12",
		Amount:      150,
		Description: "Order A-12",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/$inv", intent.ConfirmationURL)
	assert.Equal(t, StatusPending, intent.Status)

	assert.Equal(t, "createInvoiceLink", bot.lastEndpoint)
	assert.Equal(t, "XTR", bot.lastParams["currency"])
	// The correlation payload must round-trip to the same order.
	id, number, err := ParseOrderRef(bot.lastParams["payload"])
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
	assert.Equal(t, "A-12", number)
}

func TestStarsVerifyWebhook(t *testing.T) {
	p := NewStarsProvider(&stubBot{}, "secret")

	r := httptest.NewRequest(http.MethodPost, "/webhooks/telegram", nil)
	assert.ErrorIs(t, p.VerifyWebhook(r, nil), ErrUntrustedSource)

	r.Header.Set(secretTokenHeader, "wrong")
	assert.ErrorIs(t, p.VerifyWebhook(r, nil), ErrUntrustedSource)

	r.Header.Set(secretTokenHeader, "secret")
	assert.NoError(t, p.VerifyWebhook(r, nil))

	// An unconfigured secret must never mean "accept everything".
	open := NewStarsProvider(&stubBot{}, "")
	assert.ErrorIs(t, open.VerifyWebhook(r, nil), ErrUntrustedSource)
}

func TestStarsParseWebhook(t *testing.T) {
	p := NewStarsProvider(&stubBot{}, "secret")

	body := `{"update_id":9,"message":{"message_id":1,"from":{"id":777},"chat":{"id":777},"date":1700000000,"successful_payment":{"currency":"XTR","total_amount":150,"invoice_payload":"{\"order_id\":12,\"order_number\":\"A-12\"}","telegram_payment_charge_id":"ch_99","provider_payment_charge_id":""}}}`
	ev, err := p.ParseWebhook([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "telegram", ev.Provider)
	assert.Equal(t, int64(12), ev.OrderID)
	assert.Equal(t, int64(150), ev.Amount)
	assert.Equal(t, "ch_99", ev.PaymentID)
	assert.Equal(t, int64(777), ev.UserID)
	assert.Equal(t, StatusSucceeded, ev.Status)
}

func TestStarsParseWebhookRejectsNonPayment(t *testing.T) {
	p := NewStarsProvider(&stubBot{}, "secret")

	_, err := p.ParseWebhook([]byte(`{"update_id":9,"message":{"message_id":1,"chat":{"id":1},"date":1,"text":"hi"}}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = p.ParseWebhook([]byte(`garbage`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestStarsRefund(t *testing.T) {
	bot := &stubBot{}
	p := NewStarsProvider(bot, "secret")
	ctx := context.Background()

	err := p.Refund(ctx, RefundRequest{PaymentID: "ch_99", Amount: 50, UserID: 777})
	assert.ErrorIs(t, err, ErrPartialUnsupported)

	require.NoError(t, p.Refund(ctx, RefundRequest{PaymentID: "ch_99", UserID: 777}))
	assert.Equal(t, "refundStarPayment", bot.lastEndpoint)
	assert.Equal(t, "777", bot.lastParams["user_id"])
	assert.Equal(t, "ch_99", bot.lastParams["telegram_payment_charge_id"])
}

func TestStarsAnswerPreCheckoutRespectsDeadline(t *testing.T) {
	p := NewStarsProvider(&stubBot{}, "secret")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.AnswerPreCheckout(ctx, "q1", true, "")
	assert.Error(t, err, "a closed window means no answer at all")
}

func TestStarsGetStatusUnsupported(t *testing.T) {
	p := NewStarsProvider(&stubBot{}, "secret")
	_, err := p.GetStatus(context.Background(), "ch_99")
	assert.ErrorIs(t, err, ErrStatusUnsupported)
}
