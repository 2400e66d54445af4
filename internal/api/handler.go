package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/punchamoorthee/trustgate/internal/initdata"
	"github.com/punchamoorthee/trustgate/internal/payment"
	"github.com/punchamoorthee/trustgate/internal/qr"
	"github.com/punchamoorthee/trustgate/internal/store"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustgate_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trustgate_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})

	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustgate_validations_total",
		Help: "Validation pipeline outcomes",
	}, []string{"pipeline", "outcome"})
)

// QRFlows is what the handlers need from the QR service.
type QRFlows interface {
	Issue(ctx context.Context, t qr.Type, p qr.Payload) (string, error)
	Redeem(ctx context.Context, token string) (*qr.Decoded, error)
}

// PaymentFlows is what the handlers need from the payment service.
type PaymentFlows interface {
	CreatePayment(ctx context.Context, providerName string, orderID int64, description, returnURL string) (*payment.Intent, error)
	HandleWebhook(ctx context.Context, providerName string, r *http.Request, body []byte) error
	Refund(ctx context.Context, orderID int64, amount int64) error
}

// Orders is the slice of the order store the HTTP surface uses directly.
type Orders interface {
	Create(ctx context.Context, number string, amount int64, currency, provider string, customerID int64) (*store.Order, error)
	Get(ctx context.Context, id int64) (*store.Order, error)
}

type Handler struct {
	botToken       string
	initDataMaxAge time.Duration
	qr             QRFlows
	payments       PaymentFlows
	orders         Orders
}

func NewHandler(botToken string, initDataMaxAge time.Duration, qrSvc QRFlows, paySvc PaymentFlows, orders Orders) *Handler {
	return &Handler{
		botToken:       botToken,
		initDataMaxAge: initDataMaxAge,
		qr:             qrSvc,
		payments:       paySvc,
		orders:         orders,
	}
}

// AuthTelegram validates Mini App initData and returns the proven identity.
// Failures are generic to the client; the kind tag is the only granularity
// exposed, everything else goes to the log.
func (h *Handler) AuthTelegram(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/auth/telegram"))
	defer timer.ObserveDuration()

	var req struct {
		InitData string `json:"init_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InitData == "" {
		h.respondError(w, http.StatusBadRequest, "authentication failed", "malformed_input", "POST", "/auth/telegram")
		return
	}

	id, err := initdata.Validate(req.InitData, h.botToken, h.initDataMaxAge)
	if err != nil {
		kind := kindOf(err)
		validationsTotal.WithLabelValues("initdata", kind).Inc()
		log.Warn().Str("kind", kind).Str("remote", r.RemoteAddr).Msg("initdata rejected")
		h.respondError(w, http.StatusUnauthorized, "authentication failed", kind, "POST", "/auth/telegram")
		return
	}
	validationsTotal.WithLabelValues("initdata", "ok").Inc()

	h.respondJSON(w, http.StatusOK, map[string]any{
		"user":        id.User,
		"auth_date":   id.AuthDate.Unix(),
		"start_param": id.StartParam,
		"chat_type":   id.ChatType,
	}, "POST", "/auth/telegram")
}

type issueQRRequest struct {
	Type            string `json:"type"`
	CardNumber      string `json:"card_number,omitempty"`
	CustomerID      int64  `json:"customer_id,omitempty"`
	Amount          int64  `json:"amount,omitempty"`
	Points          int64  `json:"points,omitempty"`
	StoreID         string `json:"store_id,omitempty"`
	CouponCode      string `json:"coupon_code,omitempty"`
	DiscountPercent int    `json:"discount_percent,omitempty"`
	ReferrerID      int64  `json:"referrer_id,omitempty"`
	ExpiresIn       int64  `json:"expires_in,omitempty"` // seconds
	OneTimeUse      bool   `json:"one_time_use,omitempty"`
}

func (h *Handler) IssueQR(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/qr"))
	defer timer.ObserveDuration()

	var req issueQRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request", "malformed_input", "POST", "/qr")
		return
	}

	p := qr.Payload{
		CardNumber:      req.CardNumber,
		CustomerID:      req.CustomerID,
		Amount:          req.Amount,
		Points:          req.Points,
		StoreID:         req.StoreID,
		CouponCode:      req.CouponCode,
		DiscountPercent: req.DiscountPercent,
		ReferrerID:      req.ReferrerID,
		OneTimeUse:      req.OneTimeUse,
	}
	if req.ExpiresIn > 0 {
		p.ExpiresAt = time.Now().Add(time.Duration(req.ExpiresIn) * time.Second).Unix()
	}

	token, err := h.qr.Issue(r.Context(), qr.Type(req.Type), p)
	if err != nil {
		kind := kindOf(err)
		log.Warn().Str("kind", kind).Str("type", req.Type).Msg("qr issue rejected")
		h.respondError(w, statusFor(err), "could not issue token", kind, "POST", "/qr")
		return
	}

	h.respondJSON(w, http.StatusCreated, map[string]string{"token": token}, "POST", "/qr")
}

func (h *Handler) ValidateQR(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/qr/validate"))
	defer timer.ObserveDuration()

	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		h.respondError(w, http.StatusBadRequest, "invalid code", "malformed_input", "POST", "/qr/validate")
		return
	}

	d, err := h.qr.Redeem(r.Context(), req.Token)
	if err != nil {
		kind := kindOf(err)
		validationsTotal.WithLabelValues("qr", kind).Inc()
		// Raw token at debug only: useful for fraud forensics, too hot for info.
		log.Warn().Str("kind", kind).Str("remote", r.RemoteAddr).Msg("qr token rejected")
		log.Debug().Str("token", req.Token).Msg("rejected qr token raw")
		h.respondError(w, statusFor(err), "invalid code", kind, "POST", "/qr/validate")
		return
	}
	validationsTotal.WithLabelValues("qr", "ok").Inc()

	h.respondJSON(w, http.StatusOK, map[string]any{
		"type":    d.Type,
		"payload": d.Payload,
	}, "POST", "/qr/validate")
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Number     string `json:"number"`
		Amount     int64  `json:"amount"`
		Currency   string `json:"currency"`
		Provider   string `json:"provider"`
		CustomerID int64  `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request", "malformed_input", "POST", "/orders")
		return
	}
	if req.Amount <= 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "positive amount required", "malformed_input", "POST", "/orders")
		return
	}

	o, err := h.orders.Create(r.Context(), req.Number, req.Amount, req.Currency, req.Provider, req.CustomerID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "internal error", kindOf(err), "POST", "/orders")
		return
	}
	h.respondJSON(w, http.StatusCreated, o, "POST", "/orders")
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	o, err := h.orders.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			h.respondError(w, http.StatusNotFound, "not found", "not_found", "GET", "/orders/{id}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "internal error", kindOf(err), "GET", "/orders/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, o, "GET", "/orders/{id}")
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider    string `json:"provider"`
		OrderID     int64  `json:"order_id"`
		Description string `json:"description"`
		ReturnURL   string `json:"return_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request", "malformed_input", "POST", "/payments")
		return
	}

	intent, err := h.payments.CreatePayment(r.Context(), req.Provider, req.OrderID, req.Description, req.ReturnURL)
	if err != nil {
		h.respondError(w, statusFor(err), "payment could not be created", kindOf(err), "POST", "/payments")
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]any{
		"payment_id":       intent.PaymentID,
		"confirmation_url": intent.ConfirmationURL,
		"status":           intent.Status,
	}, "POST", "/payments")
}

func (h *Handler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request", "malformed_input", "POST", "/orders/{id}/refund")
		return
	}

	if err := h.payments.Refund(r.Context(), id, req.Amount); err != nil {
		log.Error().Err(err).Int64("order_id", id).Msg("refund failed")
		h.respondError(w, statusFor(err), "refund failed", kindOf(err), "POST", "/orders/{id}/refund")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "refunded"}, "POST", "/orders/{id}/refund")
}

// Webhook receives provider callbacks. The provider tag comes from the
// route; verification happens inside the service before anything in the body
// is believed.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	endpoint := "/webhooks/" + provider
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "read error", "internal", "POST", endpoint)
		return
	}

	if err := h.payments.HandleWebhook(r.Context(), provider, r, body); err != nil {
		kind := kindOf(err)
		validationsTotal.WithLabelValues("webhook", kind).Inc()
		log.Warn().Str("kind", kind).Str("provider", provider).Str("remote", r.RemoteAddr).
			Msg("webhook rejected")
		log.Debug().Bytes("body", body).Msg("rejected webhook raw")
		h.respondError(w, statusFor(err), "webhook rejected", kind, "POST", endpoint)
		return
	}
	validationsTotal.WithLabelValues("webhook", "ok").Inc()

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "POST", endpoint)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, kind, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg, "kind": kind}, method, endpoint)
}
