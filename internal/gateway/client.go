// Package gateway implements the outbound client for the external payment
// gateway's create-order API. The service treats the gateway as a black box:
// post an order, get back a payment URL for the browser to follow, or an
// error. Webhook and redirect traffic coming the other way is handled by the
// HTTP layer, not here.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrGateway is the sentinel for any create-order failure: transport errors,
// non-2xx responses, malformed JSON, or a response missing the payment URL.
// Callers match it with errors.Is and mark the stored transaction failed.
var ErrGateway = errors.New("payment gateway error")

// maxResponseBytes caps how much of a gateway response is read and retained
// for the audit log.
const maxResponseBytes = 1 << 20

// CreateOrderRequest carries the fields posted to the gateway. The field
// names on the wire follow the gateway's contract: the customer email rides
// in remark1 and a free-form note in remark2.
type CreateOrderRequest struct {
	OrderID     string
	Amount      string
	Mobile      string
	Email       string
	RedirectURL string
	Remark      string
}

// Client posts create-order requests to a configured gateway endpoint using
// a configured access token. It is safe for concurrent use.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// NewClient constructs a Client. The timeout bounds the whole round trip;
// expiry surfaces as ErrGateway.
func NewClient(endpoint, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{Timeout: timeout},
	}
}

// Endpoint returns the configured create-order URL (used for audit logs).
func (c *Client) Endpoint() string { return c.endpoint }

// Form returns the url-encoded values for req as sent on the wire, so the
// caller can persist an exact copy in the request log before dialing out.
func (c *Client) Form(req CreateOrderRequest) url.Values {
	return url.Values{
		"customer_mobile": {req.Mobile},
		"user_token":      {c.token},
		"amount":          {req.Amount},
		"order_id":        {req.OrderID},
		"redirect_url":    {req.RedirectURL},
		"remark1":         {req.Email},
		"remark2":         {req.Remark},
	}
}

// createOrderResponse mirrors the subset of the gateway's JSON reply the
// service cares about.
type createOrderResponse struct {
	Status  any    `json:"status"`
	Message string `json:"message"`
	Result  struct {
		PaymentURL string `json:"payment_url"`
	} `json:"result"`
}

// CreateOrder posts the order and returns the payment URL the end user
// should be redirected to, together with the raw response body for the
// audit trail. The raw body is returned (possibly empty) even when err is
// non-nil so failures can be reconstructed later.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (paymentURL, raw string, err error) {
	body := c.Form(req).Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("%w: build request: %v", ErrGateway, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	rawBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	raw = string(rawBytes)
	if readErr != nil {
		return "", raw, fmt.Errorf("%w: read response: %v", ErrGateway, readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", raw, fmt.Errorf("%w: status %d", ErrGateway, resp.StatusCode)
	}

	var parsed createOrderResponse
	if err := json.Unmarshal(rawBytes, &parsed); err != nil {
		return "", raw, fmt.Errorf("%w: malformed response body: %v", ErrGateway, err)
	}
	if strings.TrimSpace(parsed.Result.PaymentURL) == "" {
		return "", raw, fmt.Errorf("%w: payment_url missing in response", ErrGateway)
	}
	return parsed.Result.PaymentURL, raw, nil
}
