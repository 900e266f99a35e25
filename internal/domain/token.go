package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TokenScope is fixed at issuance; a token never authorizes another scope.
type TokenScope string

const (
	ScopeManageBooking TokenScope = "manage_booking"
	ScopePay           TokenScope = "pay"
	ScopePreOrder      TokenScope = "pre_order"
	ScopeApproveCharge TokenScope = "approve_charge"
	ScopeFeedback      TokenScope = "feedback"
	ScopeClaimOffer    TokenScope = "claim_offer"
)

var AllScopes = []TokenScope{
	ScopeManageBooking, ScopePay, ScopePreOrder, ScopeApproveCharge, ScopeFeedback, ScopeClaimOffer,
}

func (s TokenScope) Valid() bool {
	for _, v := range AllScopes {
		if v == s {
			return true
		}
	}
	return false
}

func (s TokenScope) SingleUse() bool {
	return s == ScopeApproveCharge || s == ScopeClaimOffer || s == ScopeFeedback
}

// ForManager reports whether the scope is issued to staff rather than guests.
func (s TokenScope) ForManager() bool { return s == ScopeApproveCharge }

// ActionToken stores only the scoped hash of a guest or manager capability.
type ActionToken struct {
	ID              uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Hash            string     `json:"-" gorm:"size:64;uniqueIndex;not null"`
	Scope           TokenScope `json:"scope" gorm:"type:varchar(32);not null"`
	BookingID       *uuid.UUID `json:"booking_id,omitempty" gorm:"type:uuid;index"`
	EntryID         *uuid.UUID `json:"entry_id,omitempty" gorm:"type:uuid"`
	OfferID         *uuid.UUID `json:"offer_id,omitempty" gorm:"type:uuid"`
	ChargeRequestID *uuid.UUID `json:"charge_request_id,omitempty" gorm:"type:uuid"`
	ExpiresAt       time.Time  `json:"expires_at" gorm:"not null;index"`
	ConsumedAt      *time.Time `json:"consumed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (ActionToken) TableName() string { return "action_tokens" }

func (t *ActionToken) BeforeCreate(_ *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

func (t *ActionToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
