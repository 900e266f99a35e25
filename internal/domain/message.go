package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MessageChannel string

const (
	ChannelSMS   MessageChannel = "sms"
	ChannelEmail MessageChannel = "email"
)

type MessagePurpose string

const (
	PurposeBookingConfirmation MessagePurpose = "booking_confirmation"
	PurposePaymentRequest      MessagePurpose = "payment_request"
	PurposeReminder            MessagePurpose = "reminder"
	PurposeWaitlistJoined      MessagePurpose = "waitlist_joined"
	PurposeWaitlistOffer       MessagePurpose = "waitlist_offer"
	PurposeChargeApproval      MessagePurpose = "charge_approval"
	PurposeFeedbackRequest     MessagePurpose = "feedback_request"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageFailed    MessageStatus = "failed"
	MessageCancelled MessageStatus = "cancelled"
)

// OutboundMessage is an outbox row. SMS rows are only ever created with a
// ScheduledAt that passed the quiet-hours gate.
type OutboundMessage struct {
	ID          uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Channel     MessageChannel `json:"channel" gorm:"type:varchar(8);not null"`
	Purpose     MessagePurpose `json:"purpose" gorm:"type:varchar(32);not null"`
	Recipient   string         `json:"recipient" gorm:"type:varchar(255);not null"`
	Subject     string         `json:"subject,omitempty" gorm:"type:varchar(255)"`
	Body        string         `json:"body" gorm:"type:text"`
	BookingID   *uuid.UUID     `json:"booking_id,omitempty" gorm:"type:uuid;index"`
	OfferID     *uuid.UUID     `json:"offer_id,omitempty" gorm:"type:uuid;index"`
	ScheduledAt time.Time      `json:"scheduled_at" gorm:"not null;index:idx_outbox_due"`
	Status      MessageStatus  `json:"status" gorm:"type:varchar(16);not null;index:idx_outbox_due"`
	Attempts    int            `json:"attempts" gorm:"not null;default:0"`
	ProviderRef string         `json:"provider_ref,omitempty" gorm:"type:varchar(128)"`
	LastError   string         `json:"last_error,omitempty" gorm:"type:text"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (OutboundMessage) TableName() string { return "outbound_messages" }

func (m *OutboundMessage) BeforeCreate(_ *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
