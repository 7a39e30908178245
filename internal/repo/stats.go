// Package repo implements the data persistence layer for payment
// transactions, backed by GORM. This file provides small aggregate queries
// used primarily for conditional responses (e.g., ETag generation on the
// history listing) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-payment-backend/internal/domain"
)

// TransactionsStats returns aggregate metadata for the transactions table:
// the total number of rows and the maximum UpdatedAt timestamp among them.
// When the store is empty the returned count is 0 and maxUpdatedAt is nil.
//
// Return values:
//   - count:        total transactions
//   - maxUpdatedAt: pointer to the greatest UpdatedAt, or nil if no rows
//   - err:          database error, if any
func TransactionsStats(ctx context.Context, db *gorm.DB) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Transaction{})

	// Count
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
