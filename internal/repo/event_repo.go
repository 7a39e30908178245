// Package repo implements the data persistence layer for payment
// transactions, backed by GORM. This file provides the append-only audit
// trail of per-transaction events. Event rows are written once and never
// updated or deleted, so the full reconciliation history survives even
// though the transaction row only materializes the latest snapshot.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-payment-backend/internal/domain"
)

// AppendEvent inserts one audit row for orderID. The payload is an opaque
// JSON snapshot (body plus headers) serialized by the caller.
func AppendEvent(ctx context.Context, db *gorm.DB, orderID, source, payload string) (*domain.TransactionEvent, error) {
	ev := &domain.TransactionEvent{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Source:    source,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		return nil, err
	}
	return ev, nil
}

// ListEvents returns all audit rows for orderID in arrival order (oldest
// first). An order with no events yields an empty slice.
func ListEvents(ctx context.Context, db *gorm.DB, orderID string) ([]domain.TransactionEvent, error) {
	var out []domain.TransactionEvent
	err := db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at asc, id asc").
		Find(&out).Error
	return out, err
}

// CountEvents returns the number of audit rows recorded for orderID.
func CountEvents(ctx context.Context, db *gorm.DB, orderID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.TransactionEvent{}).
		Where("order_id = ?", orderID).
		Count(&total).Error
	return total, err
}
