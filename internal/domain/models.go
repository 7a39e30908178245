// Package domain defines the persistence models for payment transactions and
// their inbound-event audit trail. These types are mapped with GORM and form
// the core data layer of the payment backend.
package domain

import "time"

// Transaction status values. Anything else reported by the gateway is
// normalized to StatusUnknown.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusUnknown = "unknown"
)

// NormalizeStatus maps an externally supplied status string onto the known
// enum. Empty or unrecognized values become StatusUnknown.
func NormalizeStatus(s string) string {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed:
		return s
	default:
		return StatusUnknown
	}
}

// IsTerminal reports whether a status can no longer be upgraded by a
// redirect callback. Only webhooks may move a transaction out of a terminal
// (or unknown) status.
func IsTerminal(s string) bool {
	return s != StatusPending
}

// Transaction is the single source of truth for one payment order. It is
// created by the order initiator, merged into by webhook and redirect
// callbacks, and read back for verification and display. Rows are never
// deleted; they are retained for audit history.
//
// Fields:
//   - OrderID: opaque unique identifier correlating all three channels;
//     immutable, store-enforced uniqueness.
//   - Status: pending | success | failed | unknown.
//   - Amount / Mobile / Email: business payload, last-writer-wins.
//   - UTR: settlement reference; once set it is never cleared by an update
//     that lacks one.
//   - Message: human-readable last-status message, last-writer-wins.
//   - RequestLog: JSON snapshot of the outbound create-order request,
//     written once at creation.
//   - ResponseLog: JSON snapshot of the most recent inbound event
//     (materialized view; the full history lives in transaction_events).
type Transaction struct {
	ID          uint      `json:"-"           gorm:"primaryKey;autoIncrement"`
	OrderID     string    `json:"order_id"    gorm:"type:varchar(64);not null;uniqueIndex:ux_tx_order_id"`
	Status      string    `json:"status"      gorm:"type:varchar(16);not null;default:'pending';check:status IN ('pending','success','failed','unknown')"`
	Amount      string    `json:"amount"      gorm:"type:varchar(32)"`
	Mobile      string    `json:"mobile"      gorm:"type:varchar(32)"`
	Email       string    `json:"email"       gorm:"type:varchar(255)"`
	UTR         string    `json:"utr"         gorm:"type:varchar(64)"`
	Message     string    `json:"message"     gorm:"type:text"`
	RequestLog  string    `json:"-"           gorm:"type:text"`
	ResponseLog string    `json:"-"           gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for Transaction.
func (Transaction) TableName() string { return "transactions" }

// Event sources recorded in the audit trail.
const (
	EventSourceRequest  = "request"          // outbound create-order request
	EventSourceGateway  = "gateway_response" // gateway response to create-order
	EventSourceWebhook  = "webhook"          // server-to-server callback
	EventSourceRedirect = "redirect"         // browser redirect callback
)

// TransactionEvent is one append-only audit row per inbound or outbound
// event touching a transaction. Unlike the materialized Transaction fields,
// event rows are never updated or deleted, so the full decision history can
// be reconstructed after the fact.
type TransactionEvent struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	OrderID   string    `json:"order_id"   gorm:"type:varchar(64);not null;index:idx_tx_events_order,priority:1"`
	Source    string    `json:"source"     gorm:"type:varchar(32);not null;check:source IN ('request','gateway_response','webhook','redirect')"`
	Payload   string    `json:"payload"    gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_tx_events_order,priority:2"`
}

// TableName returns the database table name for TransactionEvent.
func (TransactionEvent) TableName() string { return "transaction_events" }
