package payment

import (
	"github.com/google/uuid"

	"venuecore/internal/domain"
)

// PayRequest authorizes a guest action with the booking's pay token.
type PayRequest struct {
	BookingID uuid.UUID `json:"-"`
	Token     string    `json:"token" validate:"required"`
	Caller    string    `json:"-"`
}

type Checkout struct {
	Booking    *domain.Booking `json:"booking"`
	Payment    *domain.Payment `json:"payment,omitempty"`
	SessionURL string          `json:"session_url,omitempty"`
}

type ChargeInput struct {
	BookingID   uuid.UUID         `json:"-"`
	Kind        domain.ChargeKind `json:"kind" validate:"required,oneof=no_show late_cancellation damage other"`
	Amount      int64             `json:"amount" validate:"required,min=1"`
	Reason      string            `json:"reason" validate:"required,max=1000"`
	RequestedBy string            `json:"-"`
}

type DecisionRequest struct {
	ChargeRequestID uuid.UUID             `json:"-"`
	Decision        domain.ChargeDecision `json:"decision" validate:"required,oneof=approve decline"`
	Token           string                `json:"token" validate:"required"`
	Caller          string                `json:"-"`
}

type WaiveRequest struct {
	ChargeRequestID uuid.UUID `json:"-"`
	Reason          string    `json:"reason" validate:"max=1000"`
	By              string    `json:"-"`
}

type PreOrderItem struct {
	Code     string `json:"code" validate:"required,max=64"`
	Quantity int    `json:"quantity" validate:"required,min=1,max=50"`
}

// PreOrderRequest pays ahead for menu items on a confirmed booking.
type PreOrderRequest struct {
	BookingID uuid.UUID      `json:"-"`
	Token     string         `json:"token" validate:"required"`
	Items     []PreOrderItem `json:"items" validate:"required,min=1,max=20,dive"`
	Caller    string         `json:"-"`
}
