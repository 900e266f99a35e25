package booking

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"venuecore/internal/domain"
)

// ReleaseListener is told after commit that a resource has free units again.
type ReleaseListener interface {
	OnCapacityReleased(ctx context.Context, resourceID uuid.UUID) error
}

// CloseHook runs inside the transaction that cancels or expires a booking.
type CloseHook interface {
	OnBookingClosedTx(ctx context.Context, tx *gorm.DB, b *domain.Booking) error
}

// Refunder returns money taken for a booking that no longer stands.
type Refunder interface {
	RefundDeposit(ctx context.Context, bookingID uuid.UUID, reason string) error
}

// SeatPayments starts the checkout that pays for extra seats on a prepaid
// booking. The returned payment carries the session URL.
type SeatPayments interface {
	StartSeatIncrease(ctx context.Context, b *domain.Booking, units int) (*domain.Payment, error)
}
