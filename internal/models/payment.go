package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a PaymentRequest. Transitions
// only move forward: INITIATING -> SENT -> {CONFIRMED, FAILED, EXPIRED}.
// INITIATING may also fail directly if the outbound call never succeeds.
type PaymentStatus string

const (
	PaymentInitiating PaymentStatus = "INITIATING"
	PaymentSent       PaymentStatus = "SENT"
	PaymentConfirmed  PaymentStatus = "CONFIRMED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentExpired    PaymentStatus = "EXPIRED"
)

// Terminal reports whether s is a terminal state that absorbs all
// further transitions.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentConfirmed || s == PaymentFailed || s == PaymentExpired
}

// PaymentRequest is one outbound push-payment attempt. It is created in
// INITIATING before any network call so a crash between creation and the
// outbound call leaves an inspectable record rather than an orphaned
// side effect.
type PaymentRequest struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	Reference string          `gorm:"size:64;uniqueIndex;not null" json:"reference"`
	Phone     string          `gorm:"size:20;not null" json:"phone"`
	Amount    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Status    PaymentStatus   `gorm:"size:20;not null;index" json:"status"`

	// CheckoutRequestID is the gateway's own correlation id, empty until
	// the gateway acknowledges the push.
	CheckoutRequestID string `gorm:"size:100;index" json:"checkout_request_id"`

	// OrderID links the attempt to the order it pays for. Retries attach
	// a fresh PaymentRequest to the same order.
	OrderID *uint `gorm:"index" json:"order_id,omitempty"`

	RequestPayload  string `gorm:"type:text" json:"-"`
	ResponsePayload string `gorm:"type:text" json:"-"`

	// ResultDesc and Receipt are filled from the terminal callback.
	ResultDesc string `gorm:"size:255" json:"result_desc,omitempty"`
	Receipt    string `gorm:"size:100" json:"receipt,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (PaymentRequest) TableName() string {
	return "payment_requests"
}

// PaymentCallback is one inbound delivery from the gateway. Rows are
// append-only and serve as the audit trail of record: every delivery is
// persisted exactly once, duplicates and unparseable bodies included.
type PaymentCallback struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	RawPayload        string    `gorm:"type:text;not null" json:"-"`
	CheckoutRequestID string    `gorm:"size:100;index" json:"checkout_request_id"`
	ResultCode        int       `json:"result_code"`
	ResultDesc        string    `gorm:"size:255" json:"result_desc"`
	ReceivedAt        time.Time `json:"received_at"`

	// MatchedReference is set once the callback has been correlated to a
	// PaymentRequest; callbacks that race ahead of the local markSent
	// write stay unmatched until the re-match sweep picks them up.
	MatchedReference string `gorm:"size:64;index" json:"matched_reference,omitempty"`
	Matched          bool   `gorm:"index" json:"matched"`

	// ParseFailed marks deliveries whose body could not be decoded. They
	// are still acknowledged and kept for offline reconciliation.
	ParseFailed bool `json:"parse_failed"`
}

func (PaymentCallback) TableName() string {
	return "payment_callbacks"
}

// InitiatePaymentRequest is the body of POST /api/payments
type InitiatePaymentRequest struct {
	Amount  decimal.Decimal `json:"amount" binding:"required"`
	Phone   string          `json:"phone" binding:"required"`
	OrderID *uint           `json:"order_id"`
}

// InitiatePaymentResponse is returned once the gateway accepts the push
type InitiatePaymentResponse struct {
	Message           string `json:"message"`
	Reference         string `json:"reference"`
	CheckoutRequestID string `json:"checkout_request_id"`
}
