package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BookingStatus string

const (
	BookingPendingHold    BookingStatus = "pending_hold"
	BookingPendingPayment BookingStatus = "pending_payment"
	BookingConfirmed      BookingStatus = "confirmed"
	BookingCancelled      BookingStatus = "cancelled"
	BookingExpired        BookingStatus = "expired"
)

type PaymentMode string

const (
	PaymentCash        PaymentMode = "cash"
	PaymentPrepaid     PaymentMode = "prepaid"
	PaymentCardCapture PaymentMode = "card_capture"
)

func (m PaymentMode) Valid() bool {
	return m == PaymentCash || m == PaymentPrepaid || m == PaymentCardCapture
}

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPendingHold:    {BookingConfirmed, BookingPendingPayment, BookingExpired, BookingCancelled},
	BookingPendingPayment: {BookingConfirmed, BookingExpired, BookingCancelled},
	BookingConfirmed:      {BookingCancelled},
}

// CanTransition reports whether a booking may move from one status to another.
func CanTransition(from, to BookingStatus) bool {
	for _, s := range bookingTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal statuses never change again.
func (s BookingStatus) Terminal() bool {
	return s == BookingCancelled || s == BookingExpired
}

type Booking struct {
	ID               uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	ResourceID       uuid.UUID     `json:"resource_id" gorm:"type:uuid;not null;index"`
	PartySize        int           `json:"party_size" gorm:"not null;check:party_size > 0"`
	Status           BookingStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	PaymentMode      PaymentMode   `json:"payment_mode" gorm:"type:varchar(20);not null"`
	CustomerName     string        `json:"customer_name" gorm:"type:varchar(255)"`
	CustomerPhone    string        `json:"customer_phone" gorm:"type:varchar(32);index"`
	CustomerEmail    string        `json:"customer_email,omitempty" gorm:"type:varchar(255)"`
	HoldID           *uuid.UUID    `json:"hold_id,omitempty" gorm:"type:uuid"`
	HoldExpiresAt    *time.Time    `json:"hold_expires_at,omitempty"`
	SourceOfferID    *uuid.UUID    `json:"source_offer_id,omitempty" gorm:"type:uuid"`
	SetupSessionRef  string        `json:"-" gorm:"type:varchar(128);index"`
	CustomerRef      string        `json:"-" gorm:"type:varchar(128)"`
	PaymentMethodRef string        `json:"-" gorm:"type:varchar(128)"`
	ConfirmedAt      *time.Time    `json:"confirmed_at,omitempty"`
	CancelledAt      *time.Time    `json:"cancelled_at,omitempty"`
	ExpiredAt        *time.Time    `json:"expired_at,omitempty"`
	FeedbackAskedAt  *time.Time    `json:"feedback_asked_at,omitempty" gorm:"index"`
	StatusReason     string        `json:"status_reason,omitempty" gorm:"type:text"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (Booking) TableName() string { return "bookings" }

func (b *Booking) BeforeCreate(_ *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// BookingStatusEvent is the audit row written with every transition.
type BookingStatusEvent struct {
	ID        uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	BookingID uuid.UUID     `json:"booking_id" gorm:"type:uuid;not null;index"`
	From      BookingStatus `json:"from" gorm:"column:from_status;type:varchar(20)"`
	To        BookingStatus `json:"to" gorm:"column:to_status;type:varchar(20);not null"`
	Reason    string        `json:"reason" gorm:"type:text"`
	CreatedAt time.Time     `json:"created_at"`
}

func (BookingStatusEvent) TableName() string { return "booking_status_events" }

func (e *BookingStatusEvent) BeforeCreate(_ *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
