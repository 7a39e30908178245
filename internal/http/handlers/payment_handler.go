// Payment HTTP handlers.
//
// This file exposes the payment endpoints:
//   - POST /process-payment   (customer initiates a payment)
//   - POST /payment-status    (gateway webhook callback)
//   - GET  /payment-status    (customer polls current status)
//   - GET  /payment-success   (browser lands here after the gateway redirect)
//   - POST /verify-payment    (merchant server-to-server verification)
//   - GET  /history           (paginated transaction list)
//   - GET  /history/:order_id/events (audit trail for one order)
//
// Handlers are transport-thin: they parse and validate the wire format, call
// application services, and translate results into HTTP responses. The
// gateway posts callbacks as form data, so the callback DTOs bind both form
// and JSON encodings.
package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-payment-backend/internal/domain"
	"github.com/tbourn/go-payment-backend/internal/services"
	"github.com/tbourn/go-payment-backend/internal/session"
	"github.com/tbourn/go-payment-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// OrderService defines order creation as consumed by HTTP handlers.
type OrderService interface {
	// Create validates input, persists a pending transaction, and initiates
	// the order with the gateway.
	Create(ctx context.Context, amount, mobile, email, remark string) (*services.CreateResult, error)
}

// ReconcileService defines callback processing operations.
type ReconcileService interface {
	// ApplyWebhook merges a gateway webhook into the stored transaction.
	ApplyWebhook(ctx context.Context, in services.WebhookInput) (*domain.Transaction, error)
	// ApplyRedirect processes a browser return for the given order.
	ApplyRedirect(ctx context.Context, orderID string) (*domain.Transaction, error)
}

// StatusService defines the read-side operations.
type StatusService interface {
	// Get resolves the transaction by order id, degrading to a view
	// synthesized from fallback context when the store cannot serve it.
	Get(ctx context.Context, orderID string, fb *services.FallbackContext) (*domain.Transaction, error)
	// Verify is the merchant lookup; fallback context applies only when it
	// matches the named order.
	Verify(ctx context.Context, orderID string, fb *services.FallbackContext) (*domain.Transaction, error)
	// Events returns the audit trail for an order.
	Events(ctx context.Context, orderID string) ([]domain.TransactionEvent, error)
	// ListPage returns a page of transactions and the total count.
	ListPage(ctx context.Context, page, pageSize int) ([]domain.Transaction, int64, error)
	// ListVersion derives the entity tag for the history listing.
	ListVersion(ctx context.Context) (string, error)
}

//
// Handler wiring
//

// Handlers groups the payment HTTP endpoints. It depends on abstract service
// interfaces to keep transport concerns separate from business logic.
type Handlers struct {
	orderSvc  OrderService
	reconSvc  ReconcileService
	statusSvc StatusService
	sessions  *session.Codec
}

// New constructs a Handlers instance bound to the given services.
func New(orderSvc OrderService, reconSvc ReconcileService, statusSvc StatusService, sessions *session.Codec) *Handlers {
	return &Handlers{orderSvc: orderSvc, reconSvc: reconSvc, statusSvc: statusSvc, sessions: sessions}
}

//
// DTOs
//

// ProcessPaymentRequest is the payload for initiating a payment. The gateway
// era of this API spoke form encoding, so both bindings are kept.
type ProcessPaymentRequest struct {
	Amount string `form:"amount" json:"amount"`
	Mobile string `form:"customer_mobile" json:"customer_mobile"`
	Email  string `form:"customer_email" json:"customer_email"`
	Remark string `form:"remark" json:"remark"`
}

// ProcessPaymentResponse is returned when an order is created.
type ProcessPaymentResponse struct {
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	PaymentURL string `json:"payment_url"`
}

// WebhookRequest mirrors the gateway's callback fields. remark1 carries the
// customer email on this gateway's wire format.
type WebhookRequest struct {
	OrderID string `form:"order_id" json:"order_id"`
	Status  string `form:"status" json:"status"`
	Amount  string `form:"amount" json:"amount"`
	UTR     string `form:"utr" json:"utr"`
	Mobile  string `form:"customer_mobile" json:"customer_mobile"`
	Email   string `form:"remark1" json:"remark1"`
	Message string `form:"message" json:"message"`
}

// VerifyPaymentRequest is the merchant verification payload.
type VerifyPaymentRequest struct {
	OrderID string `form:"order_id" json:"order_id" binding:"required"`
}

// TransactionResponse is the public view of a stored transaction.
type TransactionResponse struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
	Mobile    string `json:"customer_mobile"`
	Email     string `json:"customer_email"`
	UTR       string `json:"utr,omitempty"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// HistoryResponse wraps a page of transactions and pagination information.
type HistoryResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
	Pagination   Pagination            `json:"pagination"`
}

// EventResponse is the public view of one audit event.
type EventResponse struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}

//
// Helpers
//

func toTransactionResponse(tx *domain.Transaction) TransactionResponse {
	return TransactionResponse{
		OrderID:   tx.OrderID,
		Status:    tx.Status,
		Amount:    tx.Amount,
		Mobile:    tx.Mobile,
		Email:     tx.Email,
		UTR:       tx.UTR,
		Message:   tx.Message,
		CreatedAt: tx.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: tx.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// failFromService maps service-layer errors onto the HTTP envelope.
func failFromService(c *gin.Context, err error) {
	if ve, isVE := services.AsValidationError(err); isVE {
		fail(c, http.StatusBadRequest, ErrCodeValidationFailed, ve.Error())
		return
	}
	switch {
	case errors.Is(err, services.ErrMissingOrderID):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "order_id is required")
	case errors.Is(err, services.ErrTransactionNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "transaction not found")
	case errors.Is(err, services.ErrGateway):
		fail(c, http.StatusBadGateway, ErrCodeGatewayFailed, "payment gateway rejected the order")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

// contextFallback recovers the last-known order snapshot from the signed
// browser cookie, if present and valid.
func (h *Handlers) contextFallback(c *gin.Context) *services.FallbackContext {
	if h.sessions == nil {
		return nil
	}
	tok, err := c.Cookie(session.CookieName)
	if err != nil || tok == "" {
		return nil
	}
	sc, err := h.sessions.Decode(tok)
	if err != nil {
		return nil
	}
	return &services.FallbackContext{
		OrderID: sc.OrderID,
		Amount:  sc.Amount,
		Mobile:  sc.Mobile,
		Email:   sc.Email,
	}
}

func (h *Handlers) setContextCookie(c *gin.Context, tx *domain.Transaction) {
	if h.sessions == nil {
		return
	}
	tok, err := h.sessions.Encode(session.Context{
		OrderID: tx.OrderID,
		Amount:  tx.Amount,
		Mobile:  tx.Mobile,
		Email:   tx.Email,
	})
	if err != nil {
		return
	}
	secure := c.Request != nil && c.Request.TLS != nil
	c.SetCookie(session.CookieName, tok, int(session.MaxAge.Seconds()), "/", "", secure, true)
}

//
// Handlers
//

// ProcessPayment creates a payment order. It validates the customer input,
// persists a pending transaction, initiates the order with the gateway, and
// returns the payment URL the client should follow. A signed cookie binds the
// browser to the new order so the status page works even when the gateway
// drops the order_id from the redirect.
func (h *Handlers) ProcessPayment(c *gin.Context) {
	var req ProcessPaymentRequest
	if err := c.ShouldBind(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	res, err := h.orderSvc.Create(c.Request.Context(),
		strings.TrimSpace(req.Amount),
		strings.TrimSpace(req.Mobile),
		strings.TrimSpace(req.Email),
		strings.TrimSpace(req.Remark),
	)
	if err != nil {
		failFromService(c, err)
		return
	}

	h.setContextCookie(c, res.Transaction)
	ok(c, http.StatusCreated, ProcessPaymentResponse{
		OrderID:    res.Transaction.OrderID,
		Status:     res.Transaction.Status,
		PaymentURL: res.PaymentURL,
	})
}

// PaymentWebhook receives the gateway's out-of-band status callback and
// merges it into the stored transaction. The reported status always wins.
// The verbatim body and headers travel with the parsed fields so the audit
// trail records what the gateway actually sent.
func (h *Handlers) PaymentWebhook(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable callback body")
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	var req WebhookRequest
	if err := c.ShouldBind(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid callback body")
		return
	}

	_, err = h.reconSvc.ApplyWebhook(c.Request.Context(), services.WebhookInput{
		OrderID: req.OrderID,
		Status:  req.Status,
		Amount:  req.Amount,
		UTR:     req.UTR,
		Mobile:  req.Mobile,
		Email:   req.Email,
		Message: req.Message,
		RawBody: string(raw),
		Headers: flattenHeaders(c.Request.Header),
	})
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"success": true})
}

// flattenHeaders joins multi-valued headers for the audit snapshot.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		out[k] = strings.Join(vv, ", ")
	}
	return out
}

// PaymentStatus returns the current state of a transaction. The order id
// comes from the query string, or failing that from the signed browser
// cookie set at order creation.
func (h *Handlers) PaymentStatus(c *gin.Context) {
	tx, err := h.statusSvc.Get(c.Request.Context(), c.Query("order_id"), h.contextFallback(c))
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusOK, toTransactionResponse(tx))
}

// PaymentSuccess handles the browser redirect back from the gateway. It
// promotes a still-pending order to success; a terminal order is reported
// as-is because the webhook has already settled it. When the store has no
// record but the browser carries valid session context, the display degrades
// to a view synthesized from that context instead of a hard failure.
func (h *Handlers) PaymentSuccess(c *gin.Context) {
	fb := h.contextFallback(c)
	orderID := strings.TrimSpace(c.Query("order_id"))
	if orderID == "" && fb != nil {
		orderID = fb.OrderID
	}

	tx, err := h.reconSvc.ApplyRedirect(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, services.ErrTransactionNotFound) && fb != nil && fb.OrderID == orderID {
			tx, err = h.statusSvc.Get(c.Request.Context(), orderID, fb)
		}
		if err != nil {
			failFromService(c, err)
			return
		}
	} else {
		// Refresh the session snapshot from the record, which may have been
		// originated or enriched by a webhook since the cookie was issued.
		h.setContextCookie(c, tx)
	}
	ok(c, http.StatusOK, toTransactionResponse(tx))
}

// VerifyPayment is the merchant-facing lookup. It distinguishes an unknown
// order (404) from a store failure (500) so callers can settle accounts
// confidently.
func (h *Handlers) VerifyPayment(c *gin.Context) {
	var req VerifyPaymentRequest
	if err := c.ShouldBind(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "order_id is required")
		return
	}

	tx, err := h.statusSvc.Verify(c.Request.Context(), req.OrderID, h.contextFallback(c))
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusOK, toTransactionResponse(tx))
}

// History returns a page of transactions, newest first. The listing carries
// a weak ETag derived from store stats; a matching If-None-Match short
// circuits to 304.
func (h *Handlers) History(c *gin.Context) {
	if tag, err := h.statusSvc.ListVersion(c.Request.Context()); err == nil && tag != "" {
		if c.GetHeader("If-None-Match") == tag {
			c.Status(http.StatusNotModified)
			return
		}
		c.Header("ETag", tag)
	}

	page, pageSize := clampPagination(c)

	items, total, err := h.statusSvc.ListPage(c.Request.Context(), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeHistoryFailed, err.Error())
		return
	}

	out := make([]TransactionResponse, 0, len(items))
	for i := range items {
		out = append(out, toTransactionResponse(&items[i]))
	}
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, HistoryResponse{
		Transactions: out,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// HistoryEvents returns the append-only audit trail for one order, oldest
// first.
func (h *Handlers) HistoryEvents(c *gin.Context) {
	evs, err := h.statusSvc.Events(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		failFromService(c, err)
		return
	}
	out := make([]EventResponse, 0, len(evs))
	for _, ev := range evs {
		out = append(out, EventResponse{
			ID:        ev.ID,
			Source:    ev.Source,
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	ok(c, http.StatusOK, gin.H{"order_id": c.Param("order_id"), "events": out})
}
