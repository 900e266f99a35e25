package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PaymentKind string

const (
	PaymentDeposit        PaymentKind = "deposit"
	PaymentBalance        PaymentKind = "balance"
	PaymentSeatIncrease   PaymentKind = "seat_increase"
	PaymentApprovedCharge PaymentKind = "approved_charge"
	PaymentRefund         PaymentKind = "refund"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentExpired   PaymentStatus = "expired"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment records a monetary intent and its outcome at the processor.
// IdempotencyKey is derived from our own identifiers and sent to the
// processor with every call for this payment.
type Payment struct {
	ID              uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	BookingID       uuid.UUID     `json:"booking_id" gorm:"type:uuid;not null;index"`
	Kind            PaymentKind   `json:"kind" gorm:"type:varchar(20);not null"`
	Amount          int64         `json:"amount" gorm:"not null;check:amount >= 0"`
	Currency        string        `json:"currency" gorm:"type:varchar(3);not null"`
	Status          PaymentStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	Units           int           `json:"units,omitempty" gorm:"not null;default:0"`
	HoldID          *uuid.UUID    `json:"hold_id,omitempty" gorm:"type:uuid"`
	ChargeRequestID *uuid.UUID    `json:"charge_request_id,omitempty" gorm:"type:uuid;index"`
	RefundOfID      *uuid.UUID    `json:"refund_of_id,omitempty" gorm:"type:uuid;index"`
	SessionRef      *string       `json:"session_ref,omitempty" gorm:"type:varchar(128);uniqueIndex"`
	SessionURL      string        `json:"session_url,omitempty" gorm:"type:text"`
	ProcessorRef    string        `json:"processor_ref,omitempty" gorm:"type:varchar(128)"`
	IdempotencyKey  string        `json:"-" gorm:"type:varchar(128);uniqueIndex;not null"`
	FailureReason   string        `json:"failure_reason,omitempty" gorm:"type:text"`
	SettledAt       *time.Time    `json:"settled_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

func (p *Payment) BeforeCreate(_ *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

type ChargeKind string

const (
	ChargeNoShow           ChargeKind = "no_show"
	ChargeLateCancellation ChargeKind = "late_cancellation"
	ChargeDamage           ChargeKind = "damage"
	ChargeOther            ChargeKind = "other"
)

func (k ChargeKind) Valid() bool {
	switch k {
	case ChargeNoShow, ChargeLateCancellation, ChargeDamage, ChargeOther:
		return true
	}
	return false
}

type ChargeStatus string

const (
	ChargePendingApproval ChargeStatus = "pending_approval"
	ChargeApproved        ChargeStatus = "approved"
	ChargeDeclined        ChargeStatus = "declined"
	ChargeCharged         ChargeStatus = "charged"
	ChargeFailed          ChargeStatus = "failed"
	ChargeWaived          ChargeStatus = "waived"
)

// CountingChargeStatuses are the statuses summed against a charge cap.
var CountingChargeStatuses = []ChargeStatus{ChargePendingApproval, ChargeApproved, ChargeCharged}

type ChargeDecision string

const (
	DecisionApprove ChargeDecision = "approve"
	DecisionDecline ChargeDecision = "decline"
)

// ChargeRequest is an off-session charge that cannot execute before a
// manager decision has been recorded on it.
type ChargeRequest struct {
	ID            uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	BookingID     uuid.UUID      `json:"booking_id" gorm:"type:uuid;not null;index"`
	Kind          ChargeKind     `json:"kind" gorm:"type:varchar(32);not null"`
	Amount        int64          `json:"amount" gorm:"not null;check:amount > 0"`
	Currency      string         `json:"currency" gorm:"type:varchar(3);not null"`
	Reason        string         `json:"reason" gorm:"type:text"`
	RequestedBy   string         `json:"requested_by" gorm:"type:varchar(255)"`
	Status        ChargeStatus   `json:"status" gorm:"type:varchar(20);not null;index"`
	Decision      ChargeDecision `json:"decision,omitempty" gorm:"type:varchar(16)"`
	DecisionToken *uuid.UUID     `json:"-" gorm:"type:uuid"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
	PaymentID     *uuid.UUID     `json:"payment_id,omitempty" gorm:"type:uuid"`
	FailureReason string         `json:"failure_reason,omitempty" gorm:"type:text"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (ChargeRequest) TableName() string { return "charge_requests" }

func (c *ChargeRequest) BeforeCreate(_ *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
