// Package repo implements the data persistence layer for payment
// transactions, backed by GORM. This file provides repository functions for
// the Transaction model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. The reconciliation state machine lives
// in the services layer; this package only guarantees that each individual
// read or write is atomic.
//
// Error semantics:
//   - When a transaction is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - A second insert for an existing order_id returns ErrDuplicateOrder,
//     enforced by the unique index rather than a pre-read.
//   - On other DB errors (connectivity issues, etc.), the raw gorm error is
//     propagated.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-payment-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicateOrder indicates that a transaction row already exists for the
// given order_id. There is deliberately no retry path on collision; the
// caller surfaces the failure (see the order service).
var ErrDuplicateOrder = errors.New("duplicate order_id")

// CreateTransaction inserts a new Transaction row. CreatedAt is set to UTC
// when the caller left it zero. A unique-index violation on order_id is
// mapped to ErrDuplicateOrder.
func CreateTransaction(ctx context.Context, db *gorm.DB, tx *domain.Transaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(tx).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOrder
		}
		return err
	}
	return nil
}

// GetTransaction fetches a single transaction by its order id. If the record
// does not exist, it returns ErrNotFound. On other DB errors, the raw error
// is returned.
func GetTransaction(ctx context.Context, db *gorm.DB, orderID string) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := db.WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// UpdateTransactionFields applies a partial column update to the transaction
// identified by orderID. If no rows are affected the record is missing and
// ErrNotFound is returned. Callers are expected to hold the per-order lock;
// the statement itself is a single atomic UPDATE.
func UpdateTransactionFields(ctx context.Context, db *gorm.DB, orderID string, fields map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("order_id = ?", orderID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListTransactions returns all transactions ordered by creation time
// descending (most recent first). It returns an empty slice when the store
// is empty. On DB error, it returns the error.
func ListTransactions(ctx context.Context, db *gorm.DB) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := db.WithContext(ctx).
		Order("created_at desc, id desc").
		Find(&out).Error
	return out, err
}

// CountTransactions returns the total number of stored transactions.
func CountTransactions(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Count(&total).Error
	return total, err
}

// ListTransactionsPage returns a paginated slice of transactions, newest
// first. Use CountTransactions to obtain the total for pagination metadata.
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListTransactionsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := db.WithContext(ctx).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// isUniqueViolation detects unique-index violations across drivers.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value violates unique constraint")
}
