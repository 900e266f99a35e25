package domain

import (
	"errors"
	"fmt"
)

// RejectionReason is the code reported to callers for a refused operation.
type RejectionReason string

const (
	ReasonValidation        RejectionReason = "validation_error"
	ReasonNoAvailability    RejectionReason = "no_availability"
	ReasonOutsideWindow     RejectionReason = "outside_service_window"
	ReasonPrivateBlocked    RejectionReason = "private_booking_blocked"
	ReasonRateLimited       RejectionReason = "rate_limited"
	ReasonConflict          RejectionReason = "conflict"
	ReasonInProgress        RejectionReason = "in_progress"
	ReasonExpired           RejectionReason = "expired"
	ReasonPaymentFailed     RejectionReason = "payment_failed"
	ReasonPaymentExpired    RejectionReason = "payment_expired"
	ReasonChargeCapExceeded RejectionReason = "charge_cap_exceeded"
	ReasonInvalidTransition RejectionReason = "invalid_transition"
	ReasonNotFound          RejectionReason = "not_found"
	ReasonForbidden         RejectionReason = "forbidden"
	ReasonJoinedMove        RejectionReason = "joined_assignment_move"
)

// Rejection is a typed, recoverable refusal. Two rejections are equal under
// errors.Is when their reasons match, so detail text never affects matching.
type Rejection struct {
	Reason RejectionReason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

func Reject(reason RejectionReason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

var (
	ErrValidation        = &Rejection{Reason: ReasonValidation}
	ErrNoAvailability    = &Rejection{Reason: ReasonNoAvailability}
	ErrOutsideWindow     = &Rejection{Reason: ReasonOutsideWindow}
	ErrPrivateBlocked    = &Rejection{Reason: ReasonPrivateBlocked}
	ErrRateLimited       = &Rejection{Reason: ReasonRateLimited}
	ErrConflict          = &Rejection{Reason: ReasonConflict}
	ErrInProgress        = &Rejection{Reason: ReasonInProgress}
	ErrExpired           = &Rejection{Reason: ReasonExpired}
	ErrPaymentFailed     = &Rejection{Reason: ReasonPaymentFailed}
	ErrPaymentExpired    = &Rejection{Reason: ReasonPaymentExpired}
	ErrChargeCapExceeded = &Rejection{Reason: ReasonChargeCapExceeded}
	ErrInvalidTransition = &Rejection{Reason: ReasonInvalidTransition}
	ErrNotFound          = &Rejection{Reason: ReasonNotFound}
	ErrForbidden         = &Rejection{Reason: ReasonForbidden}
	ErrJoinedMove        = &Rejection{Reason: ReasonJoinedMove}
)

// ReasonOf extracts the rejection reason from err, if it carries one.
func ReasonOf(err error) (RejectionReason, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason, true
	}
	return "", false
}
