package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/trustgate/internal/payment"
	"github.com/punchamoorthee/trustgate/internal/qr"
	"github.com/punchamoorthee/trustgate/internal/service"
	"github.com/punchamoorthee/trustgate/internal/store"
)

const testBotToken = "7000000001:HANDLER-TEST-TOKEN"

type fakeQR struct {
	issueToken string
	issueErr   error
	redeemed   *qr.Decoded
	redeemErr  error
}

func (f *fakeQR) Issue(context.Context, qr.Type, qr.Payload) (string, error) {
	return f.issueToken, f.issueErr
}

func (f *fakeQR) Redeem(context.Context, string) (*qr.Decoded, error) {
	return f.redeemed, f.redeemErr
}

type fakePayments struct {
	intent     *payment.Intent
	createErr  error
	webhookErr error
	refundErr  error
}

func (f *fakePayments) CreatePayment(context.Context, string, int64, string, string) (*payment.Intent, error) {
	return f.intent, f.createErr
}

func (f *fakePayments) HandleWebhook(context.Context, string, *http.Request, []byte) error {
	return f.webhookErr
}

func (f *fakePayments) Refund(context.Context, int64, int64) error {
	return f.refundErr
}

type fakeOrderStore struct {
	order *store.Order
	err   error
}

func (f *fakeOrderStore) Create(context.Context, string, int64, string, string, int64) (*store.Order, error) {
	return f.order, f.err
}

func (f *fakeOrderStore) Get(context.Context, int64) (*store.Order, error) {
	return f.order, f.err
}

func newTestHandler(qrf QRFlows, pf PaymentFlows, of Orders) *Handler {
	return NewHandler(testBotToken, 24*time.Hour, qrf, pf, of)
}

// signInitData builds a valid initData blob the way the Telegram client does.
func signInitData(pairs map[string]string) string {
	values := url.Values{}
	for k, v := range pairs {
		values.Set(k, v)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+values.Get(k))
	}

	kdf := hmac.New(sha256.New, []byte("WebAppData"))
	kdf.Write([]byte(testBotToken))
	mac := hmac.New(sha256.New, kdf.Sum(nil))
	mac.Write([]byte(strings.Join(parts, "\n")))
	values.Set("hash", hex.EncodeToString(mac.Sum(nil)))

	return values.Encode()
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(buf)))
	w := httptest.NewRecorder()
	h(w, r)
	return w
}

func TestAuthTelegramSuccess(t *testing.T) {
	h := newTestHandler(&fakeQR{}, &fakePayments{}, &fakeOrderStore{})

	raw := signInitData(map[string]string{
		"auth_date": strconv.FormatInt(time.Now().Unix(), 10),
		"user":      `{"id":321,"first_name":"Ira"}`,
	})
	w := postJSON(t, h.AuthTelegram, "/api/v1/auth/telegram", map[string]string{"init_data": raw})

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		User struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(321), resp.User.ID)
}

func TestAuthTelegramFailureIsGeneric(t *testing.T) {
	h := newTestHandler(&fakeQR{}, &fakePayments{}, &fakeOrderStore{})

	raw := signInitData(map[string]string{
		"auth_date": strconv.FormatInt(time.Now().Unix(), 10),
	})
	// Corrupt the hash: the client must learn the kind tag and nothing else.
	raw = strings.Replace(raw, "hash=", "hash=0", 1)

	w := postJSON(t, h.AuthTelegram, "/api/v1/auth/telegram", map[string]string{"init_data": raw})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "authentication failed", resp["error"])
	assert.Equal(t, "signature_mismatch", resp["kind"])
	assert.Len(t, resp, 2, "no extra detail beyond the kind tag")
}

func TestAuthTelegramExpired(t *testing.T) {
	h := newTestHandler(&fakeQR{}, &fakePayments{}, &fakeOrderStore{})

	raw := signInitData(map[string]string{
		"auth_date": strconv.FormatInt(time.Now().Add(-48*time.Hour).Unix(), 10),
	})
	w := postJSON(t, h.AuthTelegram, "/api/v1/auth/telegram", map[string]string{"init_data": raw})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "expired", resp["kind"])
}

func TestValidateQROutcomes(t *testing.T) {
	cases := []struct {
		name       string
		redeemErr  error
		wantStatus int
		wantKind   string
	}{
		{"already used", service.ErrAlreadyUsed, http.StatusConflict, "already_used"},
		{"bad signature", qr.ErrSignatureMismatch, http.StatusUnauthorized, "signature_mismatch"},
		{"expired", qr.ErrExpired, http.StatusUnauthorized, "expired"},
		{"tampered", qr.ErrTamperedPayload, http.StatusUnauthorized, "tampered_payload"},
		{"ledger down", store.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
		{"malformed", qr.ErrMalformedFormat, http.StatusBadRequest, "malformed_input"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(&fakeQR{redeemErr: tc.redeemErr}, &fakePayments{}, &fakeOrderStore{})
			w := postJSON(t, h.ValidateQR, "/api/v1/qr/validate", map[string]string{"token": "loyalty:v1:card:x:y"})

			assert.Equal(t, tc.wantStatus, w.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "invalid code", resp["error"], "user-visible message stays generic")
			assert.Equal(t, tc.wantKind, resp["kind"])
		})
	}
}

func TestValidateQRSuccess(t *testing.T) {
	h := newTestHandler(&fakeQR{redeemed: &qr.Decoded{
		Type:    qr.TypeCard,
		Payload: qr.Payload{CardNumber: "LC-123456"},
	}}, &fakePayments{}, &fakeOrderStore{})

	w := postJSON(t, h.ValidateQR, "/api/v1/qr/validate", map[string]string{"token": "loyalty:v1:card:x:y"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Type    string `json:"type"`
		Payload struct {
			CardNumber string `json:"cardNumber"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "card", resp.Type)
	assert.Equal(t, "LC-123456", resp.Payload.CardNumber)
}

func TestWebhookUntrustedSource(t *testing.T) {
	h := newTestHandler(&fakeQR{}, &fakePayments{webhookErr: payment.ErrUntrustedSource}, &fakeOrderStore{})

	r := httptest.NewRequest(http.MethodPost, "/webhooks/cardgate", strings.NewReader(`{}`))
	r = mux.SetURLVars(r, map[string]string{"provider": "cardgate"})
	w := httptest.NewRecorder()
	h.Webhook(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookOK(t *testing.T) {
	h := newTestHandler(&fakeQR{}, &fakePayments{}, &fakeOrderStore{})

	r := httptest.NewRequest(http.MethodPost, "/webhooks/telegram", strings.NewReader(`{"update_id":1}`))
	r = mux.SetURLVars(r, map[string]string{"provider": "telegram"})
	w := httptest.NewRecorder()
	h.Webhook(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateOrderValidation(t *testing.T) {
	h := newTestHandler(&fakeQR{}, &fakePayments{}, &fakeOrderStore{})

	w := postJSON(t, h.CreateOrder, "/api/v1/orders", map[string]any{"amount": -5, "currency": "RUB"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
