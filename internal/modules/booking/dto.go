package booking

import (
	"time"

	"github.com/google/uuid"

	"venuecore/internal/domain"
)

type CreateRequest struct {
	ResourceID    uuid.UUID          `json:"resource_id" validate:"required"`
	PartySize     int                `json:"party_size" validate:"required,min=1,max=100"`
	PaymentMode   domain.PaymentMode `json:"payment_mode" validate:"omitempty,oneof=cash prepaid card_capture"`
	CustomerName  string             `json:"customer_name" validate:"required,max=255"`
	CustomerPhone string             `json:"customer_phone" validate:"required,max=32"`
	CustomerEmail string             `json:"customer_email" validate:"omitempty,email,max=255"`
}

// canonicalRequest is what the idempotency hash is computed over.
type canonicalRequest struct {
	ResourceID    string `json:"resource_id"`
	PartySize     int    `json:"party_size"`
	PaymentMode   string `json:"payment_mode"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	CustomerEmail string `json:"customer_email"`
}

type Created struct {
	Booking       *domain.Booking          `json:"booking"`
	ManageToken   string                   `json:"manage_token"`
	PayToken      string                   `json:"pay_token,omitempty"`
	PreOrderToken string                   `json:"pre_order_token,omitempty"`
	HoldExpiresAt *time.Time               `json:"hold_expires_at,omitempty"`
	Tables        []domain.TableAssignment `json:"tables,omitempty"`
}

type CancelRequest struct {
	BookingID uuid.UUID `json:"-"`
	Token     string    `json:"token" validate:"required"`
	Reason    string    `json:"reason" validate:"max=500"`
	Caller    string    `json:"-"`
}

type PartySizeRequest struct {
	BookingID uuid.UUID `json:"-"`
	Token     string    `json:"token" validate:"required"`
	PartySize int       `json:"party_size" validate:"required,min=1,max=100"`
	Caller    string    `json:"-"`
}

type PartySizeChange struct {
	Booking *domain.Booking `json:"booking"`
	// Payment is set when extra seats on a prepaid booking await checkout.
	Payment *domain.Payment          `json:"payment,omitempty"`
	Tables  []domain.TableAssignment `json:"tables,omitempty"`
}

type View struct {
	Booking *domain.Booking          `json:"booking"`
	Tables  []domain.TableAssignment `json:"tables,omitempty"`
}
