// Package booking runs the booking state machine: intake, confirmation,
// cancellation, expiry and seat changes. Every transition is a conditional
// update on the prior status plus an audit row in the same transaction.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"venuecore/internal/domain"
	"venuecore/internal/events"
	"venuecore/internal/modules/holds"
	"venuecore/internal/modules/idempotency"
	"venuecore/internal/modules/ledger"
	"venuecore/internal/modules/notify"
	"venuecore/internal/modules/tables"
	"venuecore/internal/modules/throttle"
	"venuecore/internal/modules/tokens"
	"venuecore/internal/modules/waitlist"
	"venuecore/internal/pkg/canonical"
	"venuecore/internal/pkg/clock"
)

const (
	ReasonCash          = "cash booking"
	ReasonPaid          = "payment received"
	ReasonCardOnFile    = "card captured"
	ReasonHoldExpired   = "hold expired"
	ReasonGuestCancel   = "cancelled by guest"
	ReasonAwaitPayment  = "awaiting payment"
	ReasonOfferAccepted = "waitlist offer accepted"
)

type Config struct {
	// HoldTTL bounds how long a prepaid or card booking waits for payment.
	HoldTTL        time.Duration
	ReminderLead   time.Duration
	DefaultCountry string
}

type Deps struct {
	DB       *gorm.DB
	Ledger   *ledger.Ledger
	Holds    *holds.Manager
	Tables   *tables.Service
	Outbox   *notify.Outbox
	Composer *notify.Composer
	Tokens   *tokens.Service
	Throttle *throttle.Limiter
	Guard    *idempotency.Guard
	Events   events.Publisher
	Clock    clock.Clock
	Log      zerolog.Logger
}

type Service struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	holds    *holds.Manager
	tables   *tables.Service
	outbox   *notify.Outbox
	composer *notify.Composer
	tokens   *tokens.Service
	throttle *throttle.Limiter
	guard    *idempotency.Guard
	events   events.Publisher
	clock    clock.Clock
	log      zerolog.Logger
	cfg      Config

	listeners []ReleaseListener
	hooks     []CloseHook
	refunder  Refunder
	seats     SeatPayments
}

func NewService(d Deps, cfg Config) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Events == nil {
		d.Events = events.LogPublisher{Log: d.Log}
	}
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 15 * time.Minute
	}
	if cfg.ReminderLead <= 0 {
		cfg.ReminderLead = 24 * time.Hour
	}
	return &Service{
		db:       d.DB,
		ledger:   d.Ledger,
		holds:    d.Holds,
		tables:   d.Tables,
		outbox:   d.Outbox,
		composer: d.Composer,
		tokens:   d.Tokens,
		throttle: d.Throttle,
		guard:    d.Guard,
		events:   d.Events,
		clock:    d.Clock,
		log:      d.Log.With().Str("component", "booking").Logger(),
		cfg:      cfg,
	}
}

func (s *Service) OnRelease(l ReleaseListener) { s.listeners = append(s.listeners, l) }
func (s *Service) OnClose(h CloseHook) { s.hooks = append(s.hooks, h) }
func (s *Service) SetRefunder(r Refunder) { s.refunder = r }
func (s *Service) SetSeatPayments(p SeatPayments) { s.seats = p }

func (s *Service) normalize(req *CreateRequest) (canonicalRequest, error) {
	if req.PartySize <= 0 {
		return canonicalRequest{}, domain.Reject(domain.ReasonValidation, "party size must be positive")
	}
	if req.PaymentMode == "" {
		req.PaymentMode = domain.PaymentCash
	}
	if !req.PaymentMode.Valid() {
		return canonicalRequest{}, domain.Reject(domain.ReasonValidation, "unknown payment mode %q", req.PaymentMode)
	}
	phone, err := canonical.Phone(req.CustomerPhone, s.cfg.DefaultCountry)
	if err != nil {
		return canonicalRequest{}, err
	}
	if req.CustomerPhone = phone; phone == "" {
		return canonicalRequest{}, domain.Reject(domain.ReasonValidation, "a phone number is required")
	}
	req.CustomerName = canonical.Text(req.CustomerName)
	req.CustomerEmail = canonical.Email(req.CustomerEmail)
	return canonicalRequest{
		ResourceID:    req.ResourceID.String(),
		PartySize:     req.PartySize,
		PaymentMode:   string(req.PaymentMode),
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		CustomerEmail: req.CustomerEmail,
	}, nil
}

// Create takes a booking intake request. Retries carrying the same
// idempotency key and an equivalent payload replay the first response.
func (s *Service) Create(ctx context.Context, req CreateRequest, idemKey, caller string) (*Created, bool, error) {
	if err := s.throttle.Enforce(ctx, "", throttle.ScopeBookingIntake, caller); err != nil {
		return nil, false, err
	}
	canon, err := s.normalize(&req)
	if err != nil {
		return nil, false, err
	}
	return idempotency.Do(ctx, s.guard, idemKey, canon, func(ctx context.Context) (*Created, error) {
		return s.create(ctx, req)
	})
}

func (s *Service) create(ctx context.Context, req CreateRequest) (*Created, error) {
	var out *Created
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bookingID := uuid.New()
		h, err := s.holds.CreateHoldTx(ctx, tx, holds.Request{
			ResourceID: req.ResourceID,
			Units:      req.PartySize,
			TTL:        s.cfg.HoldTTL,
			OwnerKind:  domain.HoldOwnerBooking,
			OwnerID:    &bookingID,
		})
		if err != nil {
			return err
		}
		b := &domain.Booking{
			ID:            bookingID,
			ResourceID:    req.ResourceID,
			PartySize:     req.PartySize,
			PaymentMode:   req.PaymentMode,
			CustomerName:  req.CustomerName,
			CustomerPhone: req.CustomerPhone,
			CustomerEmail: req.CustomerEmail,
		}
		out, err = s.intakeTx(ctx, tx, b, h, ReasonCash)
		return err
	})
	if err != nil {
		s.log.Info().Err(err).Str("resource_id", req.ResourceID.String()).Int("party_size", req.PartySize).Msg("booking rejected")
		return nil, err
	}
	s.publishIntake(ctx, out.Booking)
	return out, nil
}

// intakeTx stores b against the active hold h. Cash bookings confirm at
// once; the others wait for payment until the hold expires.
func (s *Service) intakeTx(ctx context.Context, tx *gorm.DB, b *domain.Booking, h *domain.Hold, cashReason string) (*Created, error) {
	r, err := ledger.LockResource(tx, b.ResourceID)
	if err != nil {
		return nil, err
	}
	b.Status = domain.BookingPendingHold
	b.HoldID = &h.ID
	exp := h.ExpiresAt
	b.HoldExpiresAt = &exp
	if err := tx.Create(b).Error; err != nil {
		return nil, err
	}
	if err := s.auditTx(tx, b, "", domain.BookingPendingHold, "created"); err != nil {
		return nil, err
	}

	manage, err := s.tokens.IssueTx(ctx, tx, domain.ScopeManageBooking, tokens.Subject{BookingID: &b.ID}, r.EndsAt)
	if err != nil {
		return nil, err
	}
	out := &Created{Booking: b, ManageToken: manage.Raw}

	if b.PaymentMode == domain.PaymentCash {
		assigned, preOrder, err := s.confirmTx(ctx, tx, r, b, cashReason, manage.Raw)
		if err != nil {
			return nil, err
		}
		out.Tables = assigned
		out.PreOrderToken = preOrder
		return out, nil
	}

	if err := s.TransitionTx(ctx, tx, b, domain.BookingPendingPayment, ReasonAwaitPayment, nil); err != nil {
		return nil, err
	}
	pay, err := s.tokens.IssueTx(ctx, tx, domain.ScopePay, tokens.Subject{BookingID: &b.ID}, r.Cutoff())
	if err != nil {
		return nil, err
	}
	if _, err := s.outbox.ScheduleTx(ctx, tx, notify.Message{
		Channel:   domain.ChannelSMS,
		Purpose:   domain.PurposePaymentRequest,
		Recipient: b.CustomerPhone,
		Body:      s.composer.PaymentRequest(r, b, pay.Raw, *b.HoldExpiresAt),
		BookingID: &b.ID,
	}); err != nil {
		return nil, err
	}
	out.PayToken = pay.Raw
	out.HoldExpiresAt = b.HoldExpiresAt
	return out, nil
}

func (s *Service) publishIntake(ctx context.Context, b *domain.Booking) {
	if b.Status != domain.BookingConfirmed {
		return
	}
	s.events.Publish(ctx, events.Event{
		Type:       events.BookingConfirmed,
		ResourceID: events.IDPtr(b.ResourceID),
		BookingID:  events.IDPtr(b.ID),
		Data:       map[string]any{"party_size": b.PartySize, "payment_mode": b.PaymentMode},
	})
}

// CreateFromOfferTx books the party of an accepted waitlist offer. The
// offer hold is handed to the booking rather than released, so the seats
// never return to the pool in between.
func (s *Service) CreateFromOfferTx(ctx context.Context, tx *gorm.DB, in waitlist.OfferAcceptance) (*waitlist.Accepted, error) {
	if in.Offer.HoldID == nil {
		return nil, domain.Reject(domain.ReasonExpired, "offer has no hold")
	}
	bookingID := uuid.New()
	expires := s.clock.Now().Add(s.cfg.HoldTTL)
	if err := s.ledger.ReassignTx(ctx, tx, *in.Offer.HoldID, domain.HoldOwnerBooking, bookingID, expires); err != nil {
		return nil, err
	}
	var h domain.Hold
	if err := tx.First(&h, "id = ?", *in.Offer.HoldID).Error; err != nil {
		return nil, err
	}
	b := &domain.Booking{
		ID:            bookingID,
		ResourceID:    in.Resource.ID,
		PartySize:     in.Entry.PartySize,
		PaymentMode:   in.Entry.PaymentMode,
		CustomerName:  in.Entry.CustomerName,
		CustomerPhone: in.Entry.CustomerPhone,
		CustomerEmail: in.Entry.CustomerEmail,
		SourceOfferID: &in.Offer.ID,
	}
	out, err := s.intakeTx(ctx, tx, b, &h, ReasonOfferAccepted)
	if err != nil {
		return nil, err
	}
	return &waitlist.Accepted{Booking: out.Booking, ManageToken: out.ManageToken, PayToken: out.PayToken}, nil
}

// TransitionTx moves b to status to. The update is conditional on the
// status b was read with, so of two racing writers exactly one wins and
// the other gets invalid_transition.
func (s *Service) TransitionTx(ctx context.Context, tx *gorm.DB, b *domain.Booking, to domain.BookingStatus, reason string, extra map[string]any) error {
	from := b.Status
	if !domain.CanTransition(from, to) {
		return domain.Reject(domain.ReasonInvalidTransition, "booking %s cannot go from %s to %s", b.ID, from, to)
	}
	now := s.clock.Now()
	updates := map[string]any{"status": to, "status_reason": reason, "updated_at": now}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&domain.Booking{}).Where("id = ? AND status = ?", b.ID, from).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("transition booking %s: %w", b.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.Reject(domain.ReasonInvalidTransition, "booking %s is no longer %s", b.ID, from)
	}
	if err := s.auditTx(tx, b, from, to, reason); err != nil {
		return err
	}
	b.Status = to
	b.StatusReason = reason
	b.UpdatedAt = now
	s.log.Info().
		Str("booking_id", b.ID.String()).
		Str("resource_id", b.ResourceID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("booking transition")
	return nil
}

func (s *Service) auditTx(tx *gorm.DB, b *domain.Booking, from, to domain.BookingStatus, reason string) error {
	return tx.Create(&domain.BookingStatusEvent{
		BookingID: b.ID,
		From:      from,
		To:        to,
		Reason:    reason,
	}).Error
}

// ConfirmTx confirms a pending booking, consuming its hold. It is the
// single confirmation path for cash intake and payment callbacks.
func (s *Service) ConfirmTx(ctx context.Context, tx *gorm.DB, bookingID uuid.UUID, reason string) (*domain.Booking, error) {
	b, r, err := s.LockTx(tx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status == domain.BookingConfirmed {
		return b, nil
	}
	if _, _, err := s.confirmTx(ctx, tx, r, b, reason, ""); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) confirmTx(ctx context.Context, tx *gorm.DB, r *domain.Resource, b *domain.Booking, reason, manageRaw string) ([]domain.TableAssignment, string, error) {
	if b.HoldID == nil {
		return nil, "", domain.Reject(domain.ReasonExpired, "booking %s has no hold", b.ID)
	}
	if !domain.CanTransition(b.Status, domain.BookingConfirmed) {
		return nil, "", domain.Reject(domain.ReasonInvalidTransition, "booking %s is %s", b.ID, b.Status)
	}
	if _, err := s.ledger.ConsumeTx(ctx, tx, *b.HoldID); err != nil {
		return nil, "", err
	}
	now := s.clock.Now()
	if err := s.TransitionTx(ctx, tx, b, domain.BookingConfirmed, reason, map[string]any{
		"confirmed_at":    now,
		"hold_expires_at": nil,
	}); err != nil {
		return nil, "", err
	}
	b.ConfirmedAt = &now
	b.HoldExpiresAt = nil

	assigned, err := s.tables.AssignTx(ctx, tx, b)
	if err != nil {
		return nil, "", err
	}
	if manageRaw == "" {
		tok, err := s.tokens.IssueTx(ctx, tx, domain.ScopeManageBooking, tokens.Subject{BookingID: &b.ID}, r.EndsAt)
		if err != nil {
			return nil, "", err
		}
		manageRaw = tok.Raw
	}
	var preOrder string
	if now.Before(r.Cutoff()) {
		tok, err := s.tokens.IssueTx(ctx, tx, domain.ScopePreOrder, tokens.Subject{BookingID: &b.ID}, r.Cutoff())
		if err != nil {
			return nil, "", err
		}
		preOrder = tok.Raw
	}
	if err := s.outbox.CancelForBookingTx(ctx, tx, b.ID, domain.PurposePaymentRequest); err != nil {
		return nil, "", err
	}
	if _, err := s.outbox.ScheduleTx(ctx, tx, notify.Message{
		Channel:   domain.ChannelSMS,
		Purpose:   domain.PurposeBookingConfirmation,
		Recipient: b.CustomerPhone,
		Body:      s.composer.BookingConfirmed(r, b, manageRaw),
		BookingID: &b.ID,
	}); err != nil {
		return nil, "", err
	}
	if _, err := s.outbox.ScheduleReminderTx(ctx, tx, notify.Message{
		Channel:   domain.ChannelSMS,
		Purpose:   domain.PurposeReminder,
		Recipient: b.CustomerPhone,
		Body:      s.composer.Reminder(r, b, preOrder),
		BookingID: &b.ID,
	}, r.StartsAt, s.cfg.ReminderLead); err != nil {
		return nil, "", err
	}
	return assigned, preOrder, nil
}

// Confirm confirms a pending booking outside a payment callback, for
// example when staff take payment at the door.
func (s *Service) Confirm(ctx context.Context, bookingID uuid.UUID, reason string) (*domain.Booking, error) {
	var b *domain.Booking
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		b, err = s.ConfirmTx(ctx, tx, bookingID, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publishIntake(ctx, b)
	return b, nil
}

// ExtendHoldTx pushes the payment deadline of a pending booking out to
// until. Earlier deadlines are left alone.
func (s *Service) ExtendHoldTx(ctx context.Context, tx *gorm.DB, b *domain.Booking, until time.Time) error {
	if b.HoldID == nil || b.Status.Terminal() || b.Status == domain.BookingConfirmed {
		return domain.Reject(domain.ReasonInvalidTransition, "booking %s is %s", b.ID, b.Status)
	}
	if b.HoldExpiresAt != nil && !until.After(*b.HoldExpiresAt) {
		return nil
	}
	if err := s.ledger.ExtendTx(ctx, tx, *b.HoldID, until); err != nil {
		return err
	}
	if err := tx.Model(&domain.Booking{}).Where("id = ?", b.ID).
		Updates(map[string]any{"hold_expires_at": until, "updated_at": s.clock.Now()}).Error; err != nil {
		return err
	}
	b.HoldExpiresAt = &until
	return nil
}

// ExpireTx ends a pending booking whose payment did not arrive in time. It
// reports false when the booking was already settled by someone else.
func (s *Service) ExpireTx(ctx context.Context, tx *gorm.DB, b *domain.Booking, reason string) (bool, error) {
	if b.Status != domain.BookingPendingHold && b.Status != domain.BookingPendingPayment {
		return false, nil
	}
	if b.HoldID != nil {
		if _, err := s.holds.ReleaseTx(ctx, tx, *b.HoldID, holds.ReasonExpired); err != nil {
			return false, err
		}
	}
	now := s.clock.Now()
	err := s.TransitionTx(ctx, tx, b, domain.BookingExpired, reason, map[string]any{"expired_at": now})
	if errors.Is(err, domain.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	b.ExpiredAt = &now
	return true, s.closeTx(ctx, tx, b)
}

// closeTx drops what a cancelled or expired booking no longer needs.
func (s *Service) closeTx(ctx context.Context, tx *gorm.DB, b *domain.Booking) error {
	if err := s.outbox.CancelForBookingTx(ctx, tx, b.ID); err != nil {
		return err
	}
	if err := s.tokens.RevokeForBookingTx(ctx, tx, b.ID, domain.ScopePay, domain.ScopePreOrder); err != nil {
		return err
	}
	for _, h := range s.hooks {
		if err := h.OnBookingClosedTx(ctx, tx, b); err != nil {
			return err
		}
	}
	return nil
}

// ExpireDue expires every pending booking whose payment deadline passed,
// one transaction each, then announces the freed capacity.
func (s *Service) ExpireDue(ctx context.Context) ([]domain.Booking, error) {
	var due []domain.Booking
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND hold_expires_at <= ?",
			[]domain.BookingStatus{domain.BookingPendingHold, domain.BookingPendingPayment}, s.clock.Now()).
		Order("hold_expires_at").
		Limit(200).
		Find(&due).Error; err != nil {
		return nil, err
	}

	var out []domain.Booking
	touched := map[uuid.UUID]bool{}
	for i := range due {
		var expired bool
		var b *domain.Booking
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			b, _, err = s.LockTx(tx, due[i].ID)
			if err != nil {
				return err
			}
			if b.HoldExpiresAt == nil || b.HoldExpiresAt.After(s.clock.Now()) {
				return nil
			}
			expired, err = s.ExpireTx(ctx, tx, b, ReasonHoldExpired)
			return err
		})
		if err != nil {
			s.log.Error().Err(err).Str("op", "expire").Str("booking_id", due[i].ID.String()).
				Str("resource_id", due[i].ResourceID.String()).Msg("booking expiry failed")
			continue
		}
		if !expired {
			continue
		}
		out = append(out, *b)
		touched[b.ResourceID] = true
		s.events.Publish(ctx, events.Event{
			Type:       events.BookingExpired,
			ResourceID: events.IDPtr(b.ResourceID),
			BookingID:  events.IDPtr(b.ID),
		})
	}
	for id := range touched {
		s.NotifyReleased(ctx, id)
	}
	return out, nil
}

// OnHoldExpiredTx handles a booking hold released by the hold sweep before
// the booking sweep reached it.
func (s *Service) OnHoldExpiredTx(ctx context.Context, tx *gorm.DB, h *domain.Hold) error {
	if h.OwnerID == nil {
		return nil
	}
	var b domain.Booking
	if err := tx.First(&b, "id = ?", *h.OwnerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if b.HoldID == nil || *b.HoldID != h.ID {
		return nil
	}
	_, err := s.ExpireTx(ctx, tx, &b, ReasonHoldExpired)
	return err
}

// NotifyReleased tells release listeners that resourceID has free units.
func (s *Service) NotifyReleased(ctx context.Context, resourceID uuid.UUID) {
	for _, l := range s.listeners {
		if err := l.OnCapacityReleased(ctx, resourceID); err != nil {
			s.log.Error().Err(err).Str("resource_id", resourceID.String()).Msg("release listener failed")
		}
	}
}

// LockTx loads a booking under its resource's row lock.
func (s *Service) LockTx(tx *gorm.DB, id uuid.UUID) (*domain.Booking, *domain.Resource, error) {
	var b domain.Booking
	if err := tx.First(&b, "id = ?", id).Error; err != nil {
		return nil, nil, notFound(err, "booking %s", id)
	}
	r, err := ledger.LockResource(tx, b.ResourceID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.First(&b, "id = ?", id).Error; err != nil {
		return nil, nil, err
	}
	return &b, r, nil
}

// authorize checks a guest token for bookingID after the throttle.
func (s *Service) authorize(ctx context.Context, tx *gorm.DB, scope domain.TokenScope, raw string, bookingID uuid.UUID) (*domain.ActionToken, error) {
	tok, err := s.tokens.VerifyTx(ctx, tx, scope, raw)
	if err != nil {
		return nil, err
	}
	if tok.BookingID == nil || *tok.BookingID != bookingID {
		return nil, domain.Reject(domain.ReasonForbidden, "token does not grant access to this booking")
	}
	return tok, nil
}

// Authorize verifies a guest token of scope for bookingID, charging the
// throttle first.
func (s *Service) Authorize(ctx context.Context, scope domain.TokenScope, raw, caller string, bookingID uuid.UUID) error {
	if err := s.throttle.Enforce(ctx, tokens.Fingerprint(raw), string(scope), caller); err != nil {
		return err
	}
	_, err := s.authorize(ctx, s.db.WithContext(ctx), scope, raw, bookingID)
	return err
}

// Cancel cancels a booking on behalf of its guest. Cancelling twice is a
// no-op; cancelling an expired booking is rejected.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (*domain.Booking, error) {
	if err := s.throttle.Enforce(ctx, tokens.Fingerprint(req.Token), string(domain.ScopeManageBooking), req.Caller); err != nil {
		return nil, err
	}
	reason := ReasonGuestCancel
	if req.Reason != "" {
		reason = ReasonGuestCancel + ": " + canonical.Text(req.Reason)
	}

	var (
		b         *domain.Booking
		wasStatus domain.BookingStatus
		cancelled bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.authorize(ctx, tx, domain.ScopeManageBooking, req.Token, req.BookingID); err != nil {
			return err
		}
		var err error
		b, _, err = s.LockTx(tx, req.BookingID)
		if err != nil {
			return err
		}
		wasStatus = b.Status
		cancelled, err = s.cancelTx(ctx, tx, b, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return b, nil
	}

	s.events.Publish(ctx, events.Event{
		Type:       events.BookingCancelled,
		ResourceID: events.IDPtr(b.ResourceID),
		BookingID:  events.IDPtr(b.ID),
		Data:       map[string]any{"from": wasStatus, "reason": reason},
	})
	s.NotifyReleased(ctx, b.ResourceID)
	if wasStatus == domain.BookingConfirmed && s.refunder != nil {
		if err := s.refunder.RefundDeposit(ctx, b.ID, reason); err != nil {
			s.log.Error().Err(err).Str("op", "refund").Str("booking_id", b.ID.String()).
				Str("resource_id", b.ResourceID.String()).Msg("refund after cancellation failed")
		}
	}
	return b, nil
}

// cancelTx returns the booking's capacity through the same release path
// as expiry. Pending charge requests stay open on purpose: they are
// decided independently of the booking.
func (s *Service) cancelTx(ctx context.Context, tx *gorm.DB, b *domain.Booking, reason string) (bool, error) {
	switch b.Status {
	case domain.BookingCancelled:
		return false, nil
	case domain.BookingExpired:
		return false, domain.Reject(domain.ReasonInvalidTransition, "booking %s already expired", b.ID)
	case domain.BookingConfirmed:
		if err := s.ledger.ReturnCommittedTx(ctx, tx, b.ResourceID, b.PartySize); err != nil {
			return false, err
		}
		if err := s.tables.ReleaseTx(ctx, tx, b.ID); err != nil {
			return false, err
		}
	default:
		if b.HoldID != nil {
			if _, err := s.holds.ReleaseTx(ctx, tx, *b.HoldID, "cancelled"); err != nil {
				return false, err
			}
		}
	}
	now := s.clock.Now()
	if err := s.TransitionTx(ctx, tx, b, domain.BookingCancelled, reason, map[string]any{"cancelled_at": now}); err != nil {
		return false, err
	}
	b.CancelledAt = &now
	return true, s.closeTx(ctx, tx, b)
}

// ChangePartySize resizes a confirmed booking. Fewer guests return units
// at once. More guests need free capacity; on a prepaid booking the extra
// seats are held and paid for through a seat_increase checkout first.
func (s *Service) ChangePartySize(ctx context.Context, req PartySizeRequest) (*PartySizeChange, error) {
	if err := s.throttle.Enforce(ctx, tokens.Fingerprint(req.Token), string(domain.ScopeManageBooking), req.Caller); err != nil {
		return nil, err
	}
	if req.PartySize <= 0 {
		return nil, domain.Reject(domain.ReasonValidation, "party size must be positive")
	}

	var (
		out      PartySizeChange
		released bool
		seatsDue int
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.authorize(ctx, tx, domain.ScopeManageBooking, req.Token, req.BookingID); err != nil {
			return err
		}
		b, r, err := s.LockTx(tx, req.BookingID)
		if err != nil {
			return err
		}
		out.Booking = b
		if b.Status != domain.BookingConfirmed {
			return domain.Reject(domain.ReasonInvalidTransition, "only confirmed bookings can change size, booking is %s", b.Status)
		}
		if !s.clock.Now().Before(r.Cutoff()) {
			return domain.Reject(domain.ReasonOutsideWindow, "changes closed at %s", r.Cutoff().Format(time.RFC3339))
		}
		delta := req.PartySize - b.PartySize
		switch {
		case delta == 0:
			return nil
		case delta < 0:
			if err := s.ledger.ReturnCommittedTx(ctx, tx, b.ResourceID, -delta); err != nil {
				return err
			}
			released = true
		case b.PaymentMode == domain.PaymentPrepaid:
			seatsDue = delta
			return nil
		default:
			if err := s.ledger.CommitTx(ctx, tx, b.ResourceID, delta); err != nil {
				return err
			}
		}
		out.Tables, err = s.resizeTx(ctx, tx, b, req.PartySize)
		return err
	})
	if err != nil {
		return nil, err
	}

	if seatsDue > 0 {
		if s.seats == nil {
			return nil, ErrNoSeatPayment
		}
		p, err := s.seats.StartSeatIncrease(ctx, out.Booking, seatsDue)
		if err != nil {
			return nil, err
		}
		out.Payment = p
		return &out, nil
	}
	if released {
		s.NotifyReleased(ctx, out.Booking.ResourceID)
	}
	return &out, nil
}

// ApplySeatIncreaseTx records paid extra seats. The units were committed
// by consuming the seat hold in the same transaction.
func (s *Service) ApplySeatIncreaseTx(ctx context.Context, tx *gorm.DB, bookingID uuid.UUID, units int) (*domain.Booking, error) {
	b, _, err := s.LockTx(tx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BookingConfirmed {
		return nil, domain.Reject(domain.ReasonInvalidTransition, "booking %s is %s", b.ID, b.Status)
	}
	if _, err := s.resizeTx(ctx, tx, b, b.PartySize+units); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) resizeTx(ctx context.Context, tx *gorm.DB, b *domain.Booking, size int) ([]domain.TableAssignment, error) {
	old := b.PartySize
	if err := tx.Model(&domain.Booking{}).Where("id = ?", b.ID).
		Updates(map[string]any{"party_size": size, "updated_at": s.clock.Now()}).Error; err != nil {
		return nil, err
	}
	b.PartySize = size
	if err := s.auditTx(tx, b, b.Status, b.Status, fmt.Sprintf("party size %d -> %d", old, size)); err != nil {
		return nil, err
	}
	if err := s.tables.ReleaseTx(ctx, tx, b.ID); err != nil {
		return nil, err
	}
	assigned, err := s.tables.AssignTx(ctx, tx, b)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("booking_id", b.ID.String()).
		Str("resource_id", b.ResourceID.String()).
		Int("from", old).
		Int("to", size).
		Msg("party size changed")
	return assigned, nil
}

// Get returns a booking to a holder of its manage token.
func (s *Service) Get(ctx context.Context, bookingID uuid.UUID, raw, caller string) (*View, error) {
	if err := s.Authorize(ctx, domain.ScopeManageBooking, raw, caller, bookingID); err != nil {
		return nil, err
	}
	return s.View(ctx, bookingID)
}

// View loads a booking and its tables without authorization, for staff.
func (s *Service) View(ctx context.Context, bookingID uuid.UUID) (*View, error) {
	var b domain.Booking
	if err := s.db.WithContext(ctx).First(&b, "id = ?", bookingID).Error; err != nil {
		return nil, notFound(err, "booking %s", bookingID)
	}
	assigned, err := s.tables.Assignments(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return &View{Booking: &b, Tables: assigned}, nil
}

// History lists the audit trail of a booking, oldest first.
func (s *Service) History(ctx context.Context, bookingID uuid.UUID) ([]domain.BookingStatusEvent, error) {
	var out []domain.BookingStatusEvent
	err := s.db.WithContext(ctx).Where("booking_id = ?", bookingID).Order("created_at, id").Find(&out).Error
	return out, err
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Reject(domain.ReasonNotFound, format, args...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
