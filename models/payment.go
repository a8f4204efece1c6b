package models

import (
	"fmt"
	"time"
)

// PaymentStatus is the lifecycle state of a payment. Transitions are monotone:
// pending is the only non-terminal state, and a terminal row is never moved
// back to pending.
type PaymentStatus string

const (
	StatusPending PaymentStatus = "pending"
	StatusSuccess PaymentStatus = "success"
	StatusFailed  PaymentStatus = "failed"
)

// Terminal reports whether no further transition is expected.
func (s PaymentStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type Payment struct {
	ID uint `gorm:"primaryKey"`

	// Amount in cents; M-Pesa settles whole shillings but the ledger keeps
	// exact decimal semantics.
	AmountCents int64  `gorm:"not null"`
	PhoneNumber string `gorm:"type:varchar(15);index;not null"` // canonical 2547XXXXXXXX
	AccountRef  string `gorm:"type:varchar(64)"`
	Description string `gorm:"type:varchar(255)"`

	Status PaymentStatus `gorm:"type:varchar(20);not null;index"`

	// Correlation IDs issued by the provider at initiation. Unique per
	// initiation attempt, nullable until the STK push is accepted.
	CheckoutRequestID *string `gorm:"type:varchar(64);uniqueIndex"`
	MerchantRequestID *string `gorm:"type:varchar(64);index"`

	// Set only on success.
	MpesaReceiptNumber *string `gorm:"type:varchar(32)"`

	// Set only on failure.
	ErrorCode    *string `gorm:"type:varchar(16)"`
	ErrorMessage *string `gorm:"type:varchar(1024)"`

	// Last raw provider payload seen for this payment, kept for audit and
	// reconciliation. Last-writer-wins.
	CallbackRaw *string `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Amount renders the cent amount as a decimal string without going through
// floating point.
func (p *Payment) Amount() string {
	cents := p.AmountCents
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	if cents%100 == 0 {
		return fmt.Sprintf("%s%d", sign, cents/100)
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
