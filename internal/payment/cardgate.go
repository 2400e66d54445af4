package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// CardGateway talks to the card acquirer's REST API (YooKassa wire shape).
//
// The gateway publishes no webhook body signature; its callbacks are trusted
// by source IP only. VerifyWebhook checks the peer against the published
// ranges, but that is a weaker mechanism than the HMAC schemes used
// elsewhere in this repo and the deployment must additionally enforce
// network-level filtering (see DEPLOYMENT.md).
type CardGateway struct {
	shopID  string
	secret  string
	baseURL string
	client  *http.Client
	allowed []*net.IPNet
}

func NewCardGateway(shopID, secret, baseURL string, allowedCIDRs []string) (*CardGateway, error) {
	g := &CardGateway{
		shopID:  shopID,
		secret:  secret,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, c := range allowedCIDRs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("cardgate: bad CIDR %q: %w", c, err)
		}
		g.allowed = append(g.allowed, ipnet)
	}
	return g, nil
}

func (g *CardGateway) Name() string { return "cardgate" }

type gatewayAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type gatewayPayment struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	Amount       gatewayAmount `json:"amount"`
	Confirmation *struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation,omitempty"`
	Metadata map[string]string `json:"metadata"`
}

func (g *CardGateway) CreatePayment(ctx context.Context, req CreateRequest) (*Intent, error) {
	body := map[string]any{
		"amount":  gatewayAmount{Value: formatAmount(req.Amount), Currency: req.Currency},
		"capture": true,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": req.ReturnURL,
		},
		"description": req.Description,
		"metadata": map[string]string{
			"order_id":     strconv.FormatInt(req.OrderID, 10),
			"order_number": req.OrderNumber,
		},
	}

	var p gatewayPayment
	if err := g.call(ctx, http.MethodPost, "/payments", body, &p); err != nil {
		return nil, err
	}

	intent := &Intent{PaymentID: p.ID, Status: Status(p.Status)}
	if p.Confirmation != nil {
		intent.ConfirmationURL = p.Confirmation.ConfirmationURL
	}
	return intent, nil
}

func (g *CardGateway) GetStatus(ctx context.Context, paymentID string) (Status, error) {
	var p gatewayPayment
	if err := g.call(ctx, http.MethodGet, "/payments/"+paymentID, nil, &p); err != nil {
		return "", err
	}
	return Status(p.Status), nil
}

// Refund issues a (possibly partial) refund against the original charge. A
// non-succeeded answer is an explicit error; money-state reconciliation
// depends on refund failures being loud.
func (g *CardGateway) Refund(ctx context.Context, req RefundRequest) error {
	if req.Amount <= 0 {
		return fmt.Errorf("cardgate: refund amount required")
	}
	body := map[string]any{
		"payment_id": req.PaymentID,
		"amount":     gatewayAmount{Value: formatAmount(req.Amount), Currency: req.Currency},
	}

	var r struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := g.call(ctx, http.MethodPost, "/refunds", body, &r); err != nil {
		return err
	}
	if r.Status != "succeeded" {
		return fmt.Errorf("%w: status %s", ErrRefundFailed, r.Status)
	}
	return nil
}

// VerifyWebhook accepts the callback only from the gateway's published
// ranges. RemoteAddr is the direct peer; a reverse proxy in front must be
// configured to preserve it or to do the filtering itself.
func (g *CardGateway) VerifyWebhook(r *http.Request, _ []byte) error {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ErrUntrustedSource
	}
	for _, n := range g.allowed {
		if n.Contains(ip) {
			return nil
		}
	}
	return ErrUntrustedSource
}

func (g *CardGateway) ParseWebhook(body []byte) (*Event, error) {
	var n struct {
		Type   string         `json:"type"`
		Event  string         `json:"event"`
		Object gatewayPayment `json:"object"`
	}
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, ErrMalformedEvent
	}
	if n.Type != "notification" || n.Object.ID == "" {
		return nil, ErrMalformedEvent
	}

	status := Status(n.Object.Status)
	switch status {
	case StatusPending, StatusWaitingForCapture, StatusSucceeded, StatusCanceled, StatusRefunded:
	default:
		return nil, ErrMalformedEvent
	}

	orderID, err := strconv.ParseInt(n.Object.Metadata["order_id"], 10, 64)
	if err != nil {
		return nil, ErrMalformedEvent
	}
	amount, err := parseAmount(n.Object.Amount.Value)
	if err != nil {
		return nil, ErrMalformedEvent
	}

	return &Event{
		Provider:    g.Name(),
		PaymentID:   n.Object.ID,
		OrderID:     orderID,
		OrderNumber: n.Object.Metadata["order_number"],
		Amount:      amount,
		Currency:    n.Object.Amount.Currency,
		Status:      status,
	}, nil
}

func (g *CardGateway) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cardgate: request marshal failed: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("cardgate: request build failed: %w", err)
	}
	req.SetBasicAuth(g.shopID, g.secret)
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Idempotence-Key", uuid.NewString())
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("cardgate: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("cardgate: %s %s returned %d: %s", method, path, resp.StatusCode, payload)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("cardgate: response decode failed: %w", err)
		}
	}
	return nil
}
