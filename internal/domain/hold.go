package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldConsumed HoldStatus = "consumed"
	HoldReleased HoldStatus = "released"
)

type HoldOwner string

const (
	HoldOwnerNone    HoldOwner = "none"
	HoldOwnerBooking HoldOwner = "booking"
	HoldOwnerOffer   HoldOwner = "offer"
	HoldOwnerPayment HoldOwner = "payment"
)

// Hold reserves units of a resource until ExpiresAt. Consumption and release
// are single-use transitions out of HoldActive.
type Hold struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	ResourceID    uuid.UUID  `json:"resource_id" gorm:"type:uuid;not null;index:idx_holds_resource_status"`
	Units         int        `json:"units" gorm:"not null;check:units > 0"`
	Status        HoldStatus `json:"status" gorm:"type:varchar(16);not null;default:'active';index:idx_holds_resource_status;index:idx_holds_status_expiry"`
	OwnerKind     HoldOwner  `json:"owner_kind" gorm:"type:varchar(16);not null;default:'none'"`
	OwnerID       *uuid.UUID `json:"owner_id,omitempty" gorm:"type:uuid;index"`
	ExpiresAt     time.Time  `json:"expires_at" gorm:"not null;index:idx_holds_status_expiry"`
	ConsumedAt    *time.Time `json:"consumed_at,omitempty"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
	ReleaseReason string     `json:"release_reason,omitempty" gorm:"type:varchar(64)"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (Hold) TableName() string { return "holds" }

func (h *Hold) BeforeCreate(_ *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}

// Counts reports whether the hold's units count against capacity at now.
func (h *Hold) Counts(now time.Time) bool {
	return h.Status == HoldActive && now.Before(h.ExpiresAt)
}
