// Package services – ReconcileService
//
// This file implements the ReconcileService, which folds gateway callbacks
// into stored transactions. Two feeds report on the same payment: server-side
// webhooks carrying the authoritative status, and browser redirects that only
// prove the customer came back. The merge rules are deliberately asymmetric:
// a webhook may overwrite any prior status including terminal ones, while a
// redirect only promotes a still-pending order to success and never touches a
// terminal record. A UTR (bank reference) is kept once learned; a callback
// without one never clears it.
//
// All mutations for one order are serialized through a keyed lock so
// concurrent callbacks cannot interleave their read-modify-write cycles.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-payment-backend/internal/domain"
	"github.com/tbourn/go-payment-backend/internal/events"
	"github.com/tbourn/go-payment-backend/internal/metrics"
	"github.com/tbourn/go-payment-backend/internal/repo"
)

// Webhook fields default to these placeholders when the gateway omits them.
const (
	defaultAmount  = "0"
	defaultMobile  = "N/A"
	defaultEmail   = "N/A"
	defaultMessage = "No message"
)

// redirectMessage is stored when a redirect promotes a pending order.
const redirectMessage = "Payment confirmed on redirect"

// ReconcileRepo defines the repository contract required by ReconcileService.
type ReconcileRepo interface {
	GetTransaction(ctx context.Context, db *gorm.DB, orderID string) (*domain.Transaction, error)
	CreateTransaction(ctx context.Context, db *gorm.DB, tx *domain.Transaction) error
	UpdateTransactionFields(ctx context.Context, db *gorm.DB, orderID string, fields map[string]any) error
	AppendEvent(ctx context.Context, db *gorm.DB, orderID, source, payload string) (*domain.TransactionEvent, error)
}

// WebhookInput carries the parsed fields of a gateway webhook callback plus
// the verbatim request, so the audit trail can reconstruct exactly what the
// gateway sent rather than only what this version of the parser understood.
type WebhookInput struct {
	OrderID string
	Status  string
	Amount  string
	UTR     string
	Mobile  string
	Email   string
	Message string

	// RawBody is the unparsed request body.
	RawBody string
	// Headers holds the request headers, values joined per name.
	Headers map[string]string
}

// ReconcileService applies webhook and redirect callbacks to stored
// transactions.
type ReconcileService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the transaction repository used by this service.
	Repo ReconcileRepo
	// Locks serializes all mutations per order id.
	Locks *repo.KeyedLock
	// Publisher emits status-change events; optional.
	Publisher events.Publisher
	// Metrics is optional; when nil no domain metrics are recorded.
	Metrics *metrics.PaymentMetrics
	// AllowOrphanRedirect, when set, makes a redirect for an unknown order
	// create a success record instead of returning not-found.
	AllowOrphanRedirect bool

	now func() time.Time
}

// NewReconcileService constructs a ReconcileService.
func NewReconcileService(db *gorm.DB, r ReconcileRepo, locks *repo.KeyedLock, pub events.Publisher, m *metrics.PaymentMetrics, allowOrphanRedirect bool) *ReconcileService {
	if locks == nil {
		locks = repo.NewKeyedLock()
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &ReconcileService{
		DB:                  db,
		Repo:                r,
		Locks:               locks,
		Publisher:           pub,
		Metrics:             m,
		AllowOrphanRedirect: allowOrphanRedirect,
		now:                 time.Now,
	}
}

// ApplyWebhook merges a webhook callback into the stored transaction. The
// reported status always wins, even over a terminal one; missing fields fall
// back to placeholder defaults; an empty UTR never clears a stored one. A
// webhook for an order the store has never seen originates the record, since
// the callback can outrun the create-order response. The updated record is
// returned.
func (s *ReconcileService) ApplyWebhook(ctx context.Context, in WebhookInput) (*domain.Transaction, error) {
	in.OrderID = strings.TrimSpace(in.OrderID)
	if in.OrderID == "" {
		return nil, ErrMissingOrderID
	}

	status := domain.NormalizeStatus(in.Status)
	applyWebhookDefaults(&in)
	snapshot := webhookSnapshot(in, status)

	var out *domain.Transaction
	start := s.now()
	err := s.Locks.Do(in.OrderID, func() error {
		// Audit the callback even if no record matches; unmatched webhooks
		// are exactly what an operator needs to see.
		if _, err := s.Repo.AppendEvent(ctx, s.DB, in.OrderID, domain.EventSourceWebhook, snapshot); err != nil {
			return err
		}

		cur, err := s.Repo.GetTransaction(ctx, s.DB, in.OrderID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return s.originateFromWebhook(ctx, in, status, snapshot, &out)
			}
			return err
		}

		fields := map[string]any{
			"status":       status,
			"amount":       in.Amount,
			"mobile":       in.Mobile,
			"email":        in.Email,
			"message":      in.Message,
			"response_log": snapshot,
		}
		if in.UTR != "" {
			fields["utr"] = in.UTR
		}
		if err := s.Repo.UpdateTransactionFields(ctx, s.DB, in.OrderID, fields); err != nil {
			s.recordWebhook(status, "error")
			return err
		}

		s.recordWebhook(status, "applied")
		if s.Metrics != nil {
			s.Metrics.RecordTransition(cur.Status, status)
		}
		s.publishChange(ctx, cur, status, domain.EventSourceWebhook, in.Amount, pickUTR(in.UTR, cur.UTR))

		out, err = s.Repo.GetTransaction(ctx, s.DB, in.OrderID)
		return err
	})
	if s.Metrics != nil {
		s.Metrics.RecordReconcileDuration(domain.EventSourceWebhook, s.now().Sub(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyRedirect processes a browser return for orderID. A pending order is
// promoted to success; a terminal order is left untouched and returned as-is.
// When the order is unknown the behavior depends on AllowOrphanRedirect.
func (s *ReconcileService) ApplyRedirect(ctx context.Context, orderID string) (*domain.Transaction, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, ErrMissingOrderID
	}

	snapshot, _ := json.Marshal(map[string]string{"order_id": orderID, "source": domain.EventSourceRedirect})

	var out *domain.Transaction
	start := s.now()
	err := s.Locks.Do(orderID, func() error {
		if _, err := s.Repo.AppendEvent(ctx, s.DB, orderID, domain.EventSourceRedirect, string(snapshot)); err != nil {
			return err
		}

		cur, err := s.Repo.GetTransaction(ctx, s.DB, orderID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return s.handleOrphanRedirect(ctx, orderID, &out)
			}
			return err
		}

		if domain.IsTerminal(cur.Status) {
			s.recordRedirect("ignored")
			out = cur
			return nil
		}

		fields := map[string]any{
			"status":       domain.StatusSuccess,
			"message":      redirectMessage,
			"response_log": string(snapshot),
		}
		if err := s.Repo.UpdateTransactionFields(ctx, s.DB, orderID, fields); err != nil {
			s.recordRedirect("error")
			return err
		}

		s.recordRedirect("applied")
		if s.Metrics != nil {
			s.Metrics.RecordTransition(cur.Status, domain.StatusSuccess)
		}
		s.publishChange(ctx, cur, domain.StatusSuccess, domain.EventSourceRedirect, cur.Amount, cur.UTR)

		out, err = s.Repo.GetTransaction(ctx, s.DB, orderID)
		return err
	})
	if s.Metrics != nil {
		s.Metrics.RecordReconcileDuration(domain.EventSourceRedirect, s.now().Sub(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// originateFromWebhook creates the record for a webhook that outran (or never
// had) its order. The gateway callback is authoritative enough to seed the
// row on its own, with placeholders for whatever it did not report.
func (s *ReconcileService) originateFromWebhook(ctx context.Context, in WebhookInput, status, snapshot string, out **domain.Transaction) error {
	tx := &domain.Transaction{
		OrderID:     in.OrderID,
		Status:      status,
		Amount:      in.Amount,
		Mobile:      in.Mobile,
		Email:       in.Email,
		UTR:         in.UTR,
		Message:     in.Message,
		ResponseLog: snapshot,
	}
	if err := s.Repo.CreateTransaction(ctx, s.DB, tx); err != nil {
		s.recordWebhook(status, "error")
		return err
	}
	s.recordWebhook(status, "created")
	s.publishChange(ctx, &domain.Transaction{OrderID: in.OrderID, Status: domain.StatusPending}, status, domain.EventSourceWebhook, in.Amount, in.UTR)
	*out = tx
	return nil
}

// handleOrphanRedirect decides what to do with a redirect for an order the
// store has never seen. Default is to reject it: a redirect proves nothing
// about payment, and fabricating a success record from an unauthenticated
// browser visit is an easy way to get defrauded.
func (s *ReconcileService) handleOrphanRedirect(ctx context.Context, orderID string, out **domain.Transaction) error {
	if !s.AllowOrphanRedirect {
		s.recordRedirect("orphan")
		return ErrTransactionNotFound
	}

	tx := &domain.Transaction{
		OrderID: orderID,
		Status:  domain.StatusSuccess,
		Amount:  defaultAmount,
		Mobile:  defaultMobile,
		Email:   defaultEmail,
		Message: redirectMessage,
	}
	if err := s.Repo.CreateTransaction(ctx, s.DB, tx); err != nil {
		s.recordRedirect("error")
		return err
	}
	s.recordRedirect("orphan_created")
	s.publishChange(ctx, &domain.Transaction{OrderID: orderID, Status: domain.StatusPending}, domain.StatusSuccess, domain.EventSourceRedirect, tx.Amount, "")
	*out = tx
	return nil
}

func (s *ReconcileService) publishChange(ctx context.Context, prev *domain.Transaction, newStatus, source, amount, utr string) {
	if prev.Status == newStatus {
		return
	}
	ev := events.StatusChange{
		OrderID:    prev.OrderID,
		FromStatus: prev.Status,
		ToStatus:   newStatus,
		Source:     source,
		Amount:     amount,
		UTR:        utr,
		OccurredAt: s.now().UTC(),
	}
	if err := s.Publisher.PublishStatusChange(ctx, ev); err != nil {
		log.Warn().Err(err).Str("order_id", prev.OrderID).Msg("status change publish failed")
	}
}

func (s *ReconcileService) recordWebhook(status, outcome string) {
	if s.Metrics != nil {
		s.Metrics.RecordWebhookApplied(status, outcome)
	}
}

func (s *ReconcileService) recordRedirect(outcome string) {
	if s.Metrics != nil {
		s.Metrics.RecordRedirect(outcome)
	}
}

func applyWebhookDefaults(in *WebhookInput) {
	if strings.TrimSpace(in.Amount) == "" {
		in.Amount = defaultAmount
	}
	if strings.TrimSpace(in.Mobile) == "" {
		in.Mobile = defaultMobile
	}
	if strings.TrimSpace(in.Email) == "" {
		in.Email = defaultEmail
	}
	if strings.TrimSpace(in.Message) == "" {
		in.Message = defaultMessage
	}
	in.UTR = strings.TrimSpace(in.UTR)
}

func webhookSnapshot(in WebhookInput, status string) string {
	b, _ := json.Marshal(map[string]any{
		"headers": in.Headers,
		"data": map[string]string{
			"order_id":        in.OrderID,
			"status":          status,
			"reported_status": in.Status,
			"amount":          in.Amount,
			"utr":             in.UTR,
			"customer_mobile": in.Mobile,
			"remark1":         in.Email,
			"message":         in.Message,
		},
		"raw_data": in.RawBody,
	})
	return string(b)
}

func pickUTR(incoming, existing string) string {
	if incoming != "" {
		return incoming
	}
	return existing
}
