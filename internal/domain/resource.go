package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ResourceKind string

const (
	ResourceEvent     ResourceKind = "event"
	ResourceTablePool ResourceKind = "table_pool"
)

type UnitKind string

const (
	UnitSeats     UnitKind = "seats"
	UnitTableSlot UnitKind = "table_slot"
)

// Resource is an event or a service-window table pool. Committed is only
// mutated while the row is locked; held units are derived from active holds.
type Resource struct {
	ID             uuid.UUID    `json:"id" gorm:"type:uuid;primaryKey"`
	Name           string       `json:"name" gorm:"type:varchar(255);not null"`
	Kind           ResourceKind `json:"kind" gorm:"type:varchar(20);not null;default:'event'"`
	Unit           UnitKind     `json:"unit" gorm:"type:varchar(20);not null;default:'seats'"`
	Capacity       *int         `json:"capacity"`
	Committed      int          `json:"committed" gorm:"not null;default:0"`
	Version        int64        `json:"-" gorm:"not null;default:0"`
	Area           string       `json:"area,omitempty" gorm:"type:varchar(100);index"`
	PricePerUnit   int64        `json:"price_per_unit" gorm:"not null;default:0"`
	BookingOpensAt *time.Time   `json:"booking_opens_at,omitempty"`
	StartsAt       time.Time    `json:"starts_at" gorm:"not null;index"`
	EndsAt         time.Time    `json:"ends_at" gorm:"not null"`
	CutoffAt       *time.Time   `json:"cutoff_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (Resource) TableName() string { return "resources" }

func (r *Resource) BeforeCreate(_ *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (r *Resource) Unlimited() bool { return r.Capacity == nil }

// Cutoff is the instant after which no booking or offer may be made.
func (r *Resource) Cutoff() time.Time {
	if r.CutoffAt != nil {
		return *r.CutoffAt
	}
	return r.StartsAt
}

// Remaining returns free units given the currently held total.
// Unlimited resources report -1.
func (r *Resource) Remaining(held int) int {
	if r.Capacity == nil {
		return -1
	}
	left := *r.Capacity - r.Committed - held
	if left < 0 {
		return 0
	}
	return left
}
