package catalog

import (
	"time"

	"venuecore/internal/domain"
	"venuecore/internal/modules/ledger"
)

// ---------- RESOURCES ----------

type CreateResourceRequest struct {
	Name           string              `json:"name" validate:"required,max=255"`
	Kind           domain.ResourceKind `json:"kind" validate:"required,oneof=event table_pool"`
	Unit           domain.UnitKind     `json:"unit" validate:"omitempty,oneof=seats table_slot"`
	Capacity       *int                `json:"capacity" validate:"omitempty,min=0"`
	Area           string              `json:"area" validate:"max=100"`
	PricePerUnit   int64               `json:"price_per_unit" validate:"gte=0"`
	BookingOpensAt *time.Time          `json:"booking_opens_at,omitempty"`
	StartsAt       time.Time           `json:"starts_at" validate:"required"`
	EndsAt         time.Time           `json:"ends_at" validate:"required"`
	CutoffAt       *time.Time          `json:"cutoff_at,omitempty"`
}

// ---------- RESOURCE UPDATE ----------

type UpdateResourceRequest struct {
	Name         *string    `json:"name,omitempty" validate:"omitempty,max=255"`
	Capacity     *int       `json:"capacity,omitempty" validate:"omitempty,min=0"`
	Unlimited    bool       `json:"unlimited,omitempty"`
	PricePerUnit *int64     `json:"price_per_unit,omitempty" validate:"omitempty,gte=0"`
	CutoffAt     *time.Time `json:"cutoff_at,omitempty"`
}

type ResourceView struct {
	Resource     *domain.Resource     `json:"resource"`
	Availability *ledger.Availability `json:"availability"`
}
