// Package services – OrderService
//
// This file implements the OrderService, which accepts payment requests,
// validates customer input, persists a pending transaction, and initiates the
// order with the upstream gateway. The pending row is written before the
// outbound call so a gateway callback arriving early always finds a record to
// reconcile against.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jaevor/go-nanoid"
	"gorm.io/gorm"

	"github.com/tbourn/go-payment-backend/internal/domain"
	"github.com/tbourn/go-payment-backend/internal/gateway"
	"github.com/tbourn/go-payment-backend/internal/metrics"
)

// Order ids are short lowercase hex tokens, unique per merchant database.
const (
	orderIDAlphabet = "0123456789abcdef"
	orderIDLength   = 12
)

// initialMessage is the customer-facing message stored on a fresh order.
const initialMessage = "Payment initiated"

// OrderRepo defines the repository contract required by OrderService.
type OrderRepo interface {
	// CreateTransaction inserts a new pending transaction row.
	CreateTransaction(ctx context.Context, db *gorm.DB, tx *domain.Transaction) error

	// UpdateTransactionFields applies a partial column update by order id.
	UpdateTransactionFields(ctx context.Context, db *gorm.DB, orderID string, fields map[string]any) error

	// AppendEvent records an audit event for the order.
	AppendEvent(ctx context.Context, db *gorm.DB, orderID, source, payload string) (*domain.TransactionEvent, error)
}

// PaymentGateway is the outbound contract OrderService needs from the
// gateway client.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, req gateway.CreateOrderRequest) (paymentURL, raw string, err error)
}

// OrderService validates payment requests and creates orders with the
// upstream gateway.
type OrderService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the transaction repository used by this service.
	Repo OrderRepo
	// Gateway performs the outbound create-order call.
	Gateway PaymentGateway
	// PublicBaseURL is this deployment's externally reachable base URL,
	// used to build the redirect_url handed to the gateway.
	PublicBaseURL string
	// Metrics is optional; when nil no domain metrics are recorded.
	Metrics *metrics.PaymentMetrics

	genID func() string
	now   func() time.Time
}

// NewOrderService constructs an OrderService with a nanoid order id
// generator.
func NewOrderService(db *gorm.DB, r OrderRepo, gw PaymentGateway, publicBaseURL string, m *metrics.PaymentMetrics) *OrderService {
	gen, err := nanoid.CustomASCII(orderIDAlphabet, orderIDLength)
	if err != nil {
		panic(err)
	}
	return &OrderService{
		DB:            db,
		Repo:          r,
		Gateway:       gw,
		PublicBaseURL: publicBaseURL,
		Metrics:       m,
		genID:         gen,
		now:           time.Now,
	}
}

// CreateResult is returned on a successful order creation.
type CreateResult struct {
	Transaction *domain.Transaction
	PaymentURL  string
}

// Create validates the request, persists a pending transaction, and asks the
// gateway for a payment URL. On gateway failure the stored row is marked
// failed and the error wraps ErrGateway; the row is kept for audit.
func (s *OrderService) Create(ctx context.Context, amount, mobile, email, remark string) (*CreateResult, error) {
	if err := validateOrderInput(amount, mobile, email); err != nil {
		if s.Metrics != nil {
			s.Metrics.RecordOrderFailure("validation")
		}
		return nil, err
	}

	orderID := s.genID()
	redirectURL := fmt.Sprintf("%s/payment-success?order_id=%s", s.PublicBaseURL, orderID)

	req := gateway.CreateOrderRequest{
		OrderID:     orderID,
		Amount:      amount,
		Mobile:      mobile,
		Email:       email,
		RedirectURL: redirectURL,
		Remark:      remark,
	}
	requestLog := marshalRequestLog(req)

	tx := &domain.Transaction{
		OrderID:    orderID,
		Status:     domain.StatusPending,
		Amount:     amount,
		Mobile:     mobile,
		Email:      email,
		Message:    initialMessage,
		RequestLog: requestLog,
	}
	if err := s.Repo.CreateTransaction(ctx, s.DB, tx); err != nil {
		if s.Metrics != nil {
			s.Metrics.RecordOrderFailure("store")
		}
		return nil, err
	}
	if _, err := s.Repo.AppendEvent(ctx, s.DB, orderID, domain.EventSourceRequest, requestLog); err != nil {
		return nil, err
	}

	start := s.now()
	payURL, raw, gwErr := s.Gateway.CreateOrder(ctx, req)
	if s.Metrics != nil {
		s.Metrics.RecordGatewayCallDuration(s.now().Sub(start).Seconds())
	}

	if raw != "" {
		// Whatever the gateway said, keep it.
		_, _ = s.Repo.AppendEvent(ctx, s.DB, orderID, domain.EventSourceGateway, raw)
	}

	if gwErr != nil {
		fields := map[string]any{
			"status":  domain.StatusFailed,
			"message": "Order creation failed at gateway",
		}
		if raw != "" {
			fields["response_log"] = raw
		}
		_ = s.Repo.UpdateTransactionFields(ctx, s.DB, orderID, fields)
		if s.Metrics != nil {
			s.Metrics.RecordOrderFailure("gateway")
			s.Metrics.RecordTransition(domain.StatusPending, domain.StatusFailed)
		}
		return nil, fmt.Errorf("%w: %v", ErrGateway, gwErr)
	}

	if err := s.Repo.UpdateTransactionFields(ctx, s.DB, orderID, map[string]any{
		"response_log": raw,
	}); err != nil {
		return nil, err
	}
	tx.ResponseLog = raw

	if s.Metrics != nil {
		s.Metrics.RecordOrderCreated(domain.StatusPending)
	}
	return &CreateResult{Transaction: tx, PaymentURL: payURL}, nil
}

// validateOrderInput applies the acceptance rules for customer input.
func validateOrderInput(amount, mobile, email string) error {
	if !isPositiveIntString(amount) {
		return &ValidationError{Field: "amount", Reason: "must be a positive integer"}
	}
	if !isTenDigits(mobile) {
		return &ValidationError{Field: "customer_mobile", Reason: "must be exactly 10 digits"}
	}
	if !looksLikeEmail(email) {
		return &ValidationError{Field: "customer_email", Reason: "must be a valid email address"}
	}
	return nil
}

func isPositiveIntString(s string) bool {
	if s == "" {
		return false
	}
	nonZero := false
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
		if r != '0' {
			nonZero = true
		}
	}
	return nonZero
}

func isTenDigits(s string) bool {
	if len(s) != 10 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func looksLikeEmail(s string) bool {
	at := -1
	dot := false
	for i, r := range s {
		switch r {
		case '@':
			if at >= 0 {
				return false
			}
			at = i
		case '.':
			dot = true
		}
	}
	return at > 0 && at < len(s)-1 && dot
}

func marshalRequestLog(req gateway.CreateOrderRequest) string {
	b, _ := json.Marshal(map[string]string{
		"order_id":        req.OrderID,
		"amount":          req.Amount,
		"customer_mobile": req.Mobile,
		"remark1":         req.Email,
		"remark2":         req.Remark,
		"redirect_url":    req.RedirectURL,
	})
	return string(b)
}
