package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type WaitlistStatus string

const (
	WaitlistWaiting   WaitlistStatus = "waiting"
	WaitlistOffered   WaitlistStatus = "offered"
	WaitlistAccepted  WaitlistStatus = "accepted"
	WaitlistExpired   WaitlistStatus = "expired"
	WaitlistWithdrawn WaitlistStatus = "withdrawn"
)

type WaitlistEntry struct {
	ID            uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	ResourceID    uuid.UUID      `json:"resource_id" gorm:"type:uuid;not null;index:idx_waitlist_queue"`
	PartySize     int            `json:"party_size" gorm:"not null;check:party_size > 0"`
	PaymentMode   PaymentMode    `json:"payment_mode" gorm:"type:varchar(20);not null;default:'cash'"`
	CustomerName  string         `json:"customer_name" gorm:"type:varchar(255)"`
	CustomerPhone string         `json:"customer_phone" gorm:"type:varchar(32)"`
	CustomerEmail string         `json:"customer_email,omitempty" gorm:"type:varchar(255)"`
	Status        WaitlistStatus `json:"status" gorm:"type:varchar(16);not null;default:'waiting';index:idx_waitlist_queue"`
	EnqueuedAt    time.Time      `json:"enqueued_at" gorm:"not null;index:idx_waitlist_queue"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (WaitlistEntry) TableName() string { return "waitlist_entries" }

func (e *WaitlistEntry) BeforeCreate(_ *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

type OfferStatus string

const (
	OfferPendingSend OfferStatus = "pending_send"
	OfferSent        OfferStatus = "sent"
	OfferAccepted    OfferStatus = "accepted"
	OfferExpired     OfferStatus = "expired"
)

const (
	OfferExpiredNoWindow  = "insufficient_response_window"
	OfferExpiredTimeout   = "response_window_elapsed"
	OfferExpiredWithdrawn = "entry_withdrawn"
)

// WaitlistOffer is a time-bounded invitation. ExpiresAt is always derived
// from ScheduledSendAt, never from CreatedAt.
type WaitlistOffer struct {
	ID              uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	EntryID         uuid.UUID   `json:"entry_id" gorm:"type:uuid;not null;index"`
	ResourceID      uuid.UUID   `json:"resource_id" gorm:"type:uuid;not null;index"`
	HoldID          *uuid.UUID  `json:"hold_id,omitempty" gorm:"type:uuid"`
	BookingID       *uuid.UUID  `json:"booking_id,omitempty" gorm:"type:uuid"`
	Status          OfferStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	ScheduledSendAt time.Time   `json:"scheduled_send_at" gorm:"not null"`
	ExpiresAt       time.Time   `json:"expires_at" gorm:"not null"`
	SentAt          *time.Time  `json:"sent_at,omitempty"`
	AcceptedAt      *time.Time  `json:"accepted_at,omitempty"`
	ExpiredAt       *time.Time  `json:"expired_at,omitempty"`
	ExpireReason    string      `json:"expire_reason,omitempty" gorm:"type:varchar(64)"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

func (WaitlistOffer) TableName() string { return "waitlist_offers" }

func (o *WaitlistOffer) BeforeCreate(_ *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

func (o *WaitlistOffer) Live() bool {
	return o.Status == OfferPendingSend || o.Status == OfferSent
}
