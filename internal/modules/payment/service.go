// Package payment is the gate between bookings and the payment processor:
// prepaid checkout, card capture, seat-increase checkout, refunds and
// manager-approved off-session charges. Processor calls never run inside
// a database transaction; each one sits between two short transactions.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"venuecore/internal/domain"
	"venuecore/internal/events"
	"venuecore/internal/modules/booking"
	"venuecore/internal/modules/holds"
	"venuecore/internal/modules/ledger"
	"venuecore/internal/modules/notify"
	"venuecore/internal/modules/throttle"
	"venuecore/internal/modules/tokens"
	"venuecore/internal/pkg/clock"
)

const (
	reasonPaidLate      = "payment arrived after the hold lapsed"
	reasonCheckoutFail  = "checkout failed"
	reasonCheckoutGone  = "checkout expired"
	reasonCardFailed    = "card setup failed"
	reasonSuperseded    = "superseded by a newer checkout"
	reasonDuplicatePaid = "booking already paid"
)

type Config struct {
	Currency    string
	CheckoutTTL time.Duration
	// FeesPerHead caps charges of a kind at party size times the fee.
	// Kinds without an entry are not capped but still need approval.
	FeesPerHead      map[domain.ChargeKind]int64
	OperatorEmail    string
	ManagerTokenTTL  time.Duration
	WebhookSecret    []byte
	WebhookTolerance time.Duration
	// PreOrderMenu prices pre-orderable items by code, in minor units.
	PreOrderMenu map[string]int64
}

type Deps struct {
	DB        *gorm.DB
	Ledger    *ledger.Ledger
	Holds     *holds.Manager
	Bookings  *booking.Service
	Outbox    *notify.Outbox
	Composer  *notify.Composer
	Tokens    *tokens.Service
	Throttle  *throttle.Limiter
	Processor Processor
	Events    events.Publisher
	Clock     clock.Clock
	Log       zerolog.Logger
}

type Service struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	holds     *holds.Manager
	bookings  *booking.Service
	outbox    *notify.Outbox
	composer  *notify.Composer
	tokens    *tokens.Service
	throttle  *throttle.Limiter
	processor Processor
	events    events.Publisher
	clock     clock.Clock
	log       zerolog.Logger
	cfg       Config
}

func NewService(d Deps, cfg Config) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Events == nil {
		d.Events = events.LogPublisher{Log: d.Log}
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.CheckoutTTL <= 0 {
		cfg.CheckoutTTL = 30 * time.Minute
	}
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = 5 * time.Minute
	}
	return &Service{
		db:        d.DB,
		ledger:    d.Ledger,
		holds:     d.Holds,
		bookings:  d.Bookings,
		outbox:    d.Outbox,
		composer:  d.Composer,
		tokens:    d.Tokens,
		throttle:  d.Throttle,
		processor: d.Processor,
		events:    d.Events,
		clock:     d.Clock,
		log:       d.Log.With().Str("component", "payment").Logger(),
		cfg:       cfg,
	}
}

// Attach registers the gate with the booking service and the hold manager.
func (s *Service) Attach() {
	s.bookings.OnClose(s)
	s.bookings.SetRefunder(s)
	s.bookings.SetSeatPayments(s)
	s.holds.Handle(domain.HoldOwnerPayment, s)
}

func (s *Service) authorizeTx(ctx context.Context, tx *gorm.DB, raw string, bookingID uuid.UUID) error {
	tok, err := s.tokens.VerifyTx(ctx, tx, domain.ScopePay, raw)
	if err != nil {
		return err
	}
	if tok.BookingID == nil || *tok.BookingID != bookingID {
		return domain.Reject(domain.ReasonForbidden, "token does not grant access to this booking")
	}
	return nil
}

// payable checks that b is still waiting for a payment of the given mode.
func (s *Service) payable(b *domain.Booking, r *domain.Resource, mode domain.PaymentMode) error {
	if b.PaymentMode != mode {
		return domain.Reject(domain.ReasonValidation, "booking takes %s payment", b.PaymentMode)
	}
	switch b.Status {
	case domain.BookingConfirmed:
		return domain.Reject(domain.ReasonInvalidTransition, "booking %s is already confirmed", b.ID)
	case domain.BookingCancelled, domain.BookingExpired:
		return domain.Reject(domain.ReasonPaymentExpired, "booking %s is %s", b.ID, b.Status)
	}
	now := s.clock.Now()
	if b.HoldExpiresAt == nil || !now.Before(*b.HoldExpiresAt) || !now.Before(r.Cutoff()) {
		return domain.Reject(domain.ReasonPaymentExpired, "payment window for booking %s has closed", b.ID)
	}
	return nil
}

// deadline is how long a checkout started now may keep its hold.
func (s *Service) deadline(r *domain.Resource) time.Time {
	until := s.clock.Now().Add(s.cfg.CheckoutTTL)
	if c := r.Cutoff(); c.Before(until) {
		return c
	}
	return until
}

// StartCheckout opens a processor checkout for a prepaid booking and
// extends its hold to cover the checkout. A retry while a session is open
// returns the same session.
func (s *Service) StartCheckout(ctx context.Context, req PayRequest) (*Checkout, error) {
	if err := s.throttle.Enforce(ctx, tokens.Fingerprint(req.Token), string(domain.ScopePay), req.Caller); err != nil {
		return nil, err
	}

	var (
		b      *domain.Booking
		r      *domain.Resource
		p      *domain.Payment
		reused bool
		free   bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.authorizeTx(ctx, tx, req.Token, req.BookingID); err != nil {
			return err
		}
		var err error
		b, r, err = s.bookings.LockTx(tx, req.BookingID)
		if err != nil {
			return err
		}
		if err := s.payable(b, r, domain.PaymentPrepaid); err != nil {
			return err
		}

		var open domain.Payment
		err = tx.Where("booking_id = ? AND kind = ? AND status = ? AND session_ref IS NOT NULL",
			b.ID, domain.PaymentDeposit, domain.PaymentPending).
			Order("created_at DESC").First(&open).Error
		if err == nil {
			p, reused = &open, true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := s.supersedeTx(tx, b.ID, uuid.Nil); err != nil {
			return err
		}

		amount := int64(b.PartySize) * r.PricePerUnit
		if amount == 0 {
			b, err = s.bookings.ConfirmTx(ctx, tx, b.ID, booking.ReasonPaid)
			free = true
			return err
		}
		if err := s.bookings.ExtendHoldTx(ctx, tx, b, s.deadline(r)); err != nil {
			return err
		}
		p = &domain.Payment{
			ID:        uuid.New(),
			BookingID: b.ID,
			Kind:      domain.PaymentDeposit,
			Amount:    amount,
			Currency:  s.cfg.Currency,
			Status:    domain.PaymentPending,
			Units:     b.PartySize,
			HoldID:    b.HoldID,
		}
		p.IdempotencyKey = "deposit:" + p.ID.String()
		return tx.Create(p).Error
	})
	if err != nil {
		return nil, err
	}
	if free {
		s.publishConfirmed(ctx, b)
		return &Checkout{Booking: b}, nil
	}
	if reused {
		return &Checkout{Booking: b, Payment: p, SessionURL: p.SessionURL}, nil
	}

	sess, err := s.processor.CreateCheckoutSession(ctx, CheckoutParams{
		IdempotencyKey: p.IdempotencyKey,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Description:    fmt.Sprintf("%s, party of %d", r.Name, b.PartySize),
		ExpiresAt:      *b.HoldExpiresAt,
		Metadata:       map[string]string{"booking_id": b.ID.String(), "payment_id": p.ID.String()},
	})
	if err != nil {
		return nil, s.abandon(ctx, p, err)
	}
	if err := s.attachSession(ctx, p, sess); err != nil {
		return nil, err
	}
	return &Checkout{Booking: b, Payment: p, SessionURL: sess.URL}, nil
}

// supersedeTx fails pending deposit payments of a booking other than keep.
func (s *Service) supersedeTx(tx *gorm.DB, bookingID, keep uuid.UUID) error {
	return tx.Model(&domain.Payment{}).
		Where("booking_id = ? AND kind = ? AND status = ? AND id <> ?",
			bookingID, domain.PaymentDeposit, domain.PaymentPending, keep).
		Updates(map[string]any{
			"status":         domain.PaymentFailed,
			"failure_reason": reasonSuperseded,
			"updated_at":     s.clock.Now(),
		}).Error
}

// abandon records a processor failure on a payment that never got a
// session. A deposit failure expires the booking and a seat-increase
// failure drops the extra seats; either way the held units return at once.
func (s *Service) abandon(ctx context.Context, p *domain.Payment, cause error) error {
	s.log.Error().Err(cause).Str("op", "checkout").
		Str("booking_id", p.BookingID.String()).
		Str("payment_id", p.ID.String()).
		Msg("processor call failed")

	st := settlement{payment: p}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Payment{}).
			Where("id = ? AND status = ?", p.ID, domain.PaymentPending).
			Updates(map[string]any{
				"status":         domain.PaymentFailed,
				"failure_reason": cause.Error(),
				"updated_at":     s.clock.Now(),
			}).Error; err != nil {
			return err
		}
		switch p.Kind {
		case domain.PaymentDeposit:
			return s.expireForFailureTx(ctx, tx, p.BookingID, reasonCheckoutFail, &st)
		case domain.PaymentSeatIncrease:
			if p.HoldID == nil {
				return nil
			}
			var h domain.Hold
			if err := tx.First(&h, "id = ?", *p.HoldID).Error; err != nil {
				return err
			}
			released, err := s.holds.ReleaseTx(ctx, tx, h.ID, reasonCheckoutFail)
			if released {
				st.released = h.ResourceID
			}
			return err
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("op", "compensate").Str("payment_id", p.ID.String()).Msg("compensation failed")
		return fmt.Errorf("compensate payment %s: %w", p.ID, err)
	}
	p.Status = domain.PaymentFailed
	_ = s.afterSettlement(ctx, &st)
	return domain.Reject(domain.ReasonPaymentFailed, "payment processor unavailable")
}

// expireForFailureTx expires a booking still waiting for payment and
// records what its expiry released.
func (s *Service) expireForFailureTx(ctx context.Context, tx *gorm.DB, bookingID uuid.UUID, reason string, st *settlement) error {
	b, _, err := s.bookings.LockTx(tx, bookingID)
	if err != nil {
		return err
	}
	st.booking = b
	st.expired, err = s.bookings.ExpireTx(ctx, tx, b, reason)
	if st.expired {
		st.released = b.ResourceID
	}
	return err
}

func (s *Service) attachSession(ctx context.Context, p *domain.Payment, sess *Session) error {
	res := s.db.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND status = ?", p.ID, domain.PaymentPending).
		Updates(map[string]any{"session_ref": sess.Ref, "session_url": sess.URL, "updated_at": s.clock.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Reject(domain.ReasonPaymentExpired, "booking closed while the checkout was opened")
	}
	ref := sess.Ref
	p.SessionRef = &ref
	p.SessionURL = sess.URL
	return nil
}

// CaptureCard opens a setup session that stores a card without charging
// it. The booking is confirmed by the setup webhook.
func (s *Service) CaptureCard(ctx context.Context, req PayRequest) (*Checkout, error) {
	if err := s.throttle.Enforce(ctx, tokens.Fingerprint(req.Token), string(domain.ScopePay), req.Caller); err != nil {
		return nil, err
	}
	var b *domain.Booking
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.authorizeTx(ctx, tx, req.Token, req.BookingID); err != nil {
			return err
		}
		var (
			r   *domain.Resource
			err error
		)
		b, r, err = s.bookings.LockTx(tx, req.BookingID)
		if err != nil {
			return err
		}
		if err := s.payable(b, r, domain.PaymentCardCapture); err != nil {
			return err
		}
		return s.bookings.ExtendHoldTx(ctx, tx, b, s.deadline(r))
	})
	if err != nil {
		return nil, err
	}

	sess, err := s.processor.CreateSetupSession(ctx, SetupParams{
		IdempotencyKey: "setup:" + b.ID.String(),
		CustomerEmail:  b.CustomerEmail,
		CustomerPhone:  b.CustomerPhone,
		ExpiresAt:      *b.HoldExpiresAt,
		Metadata:       map[string]string{"booking_id": b.ID.String()},
	})
	if err != nil {
		s.log.Error().Err(err).Str("op", "capture_card").Str("booking_id", b.ID.String()).
			Str("resource_id", b.ResourceID.String()).Msg("processor call failed")
		var st settlement
		if cerr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.expireForFailureTx(ctx, tx, b.ID, reasonCardFailed, &st)
		}); cerr != nil {
			return nil, fmt.Errorf("compensate card setup %s: %w", b.ID, cerr)
		}
		_ = s.afterSettlement(ctx, &st)
		return nil, domain.Reject(domain.ReasonPaymentFailed, "payment processor unavailable")
	}

	res := s.db.WithContext(ctx).Model(&domain.Booking{}).
		Where("id = ? AND status = ?", b.ID, domain.BookingPendingPayment).
		Updates(map[string]any{"setup_session_ref": sess.Ref, "updated_at": s.clock.Now()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.Reject(domain.ReasonPaymentExpired, "booking closed while the card setup was opened")
	}
	b.SetupSessionRef = sess.Ref
	return &Checkout{Booking: b, SessionURL: sess.URL}, nil
}

// settlement collects what a webhook transaction changed, so events and
// follow-up calls can run after commit.
type settlement struct {
	payment   *domain.Payment
	booking   *domain.Booking
	confirmed bool
	expired   bool
	released  uuid.UUID
	refund    bool
}

// OnWebhook applies a signed processor event. Replays of an already
// applied event change nothing.
func (s *Service) OnWebhook(ctx context.Context, signature string, body []byte, caller string) error {
	if err := s.throttle.Enforce(ctx, "", throttle.ScopeWebhook, caller); err != nil {
		return err
	}
	if len(s.cfg.WebhookSecret) == 0 {
		return ErrNoWebhookSecret
	}
	if err := VerifySignature(s.cfg.WebhookSecret, signature, body, s.clock.Now(), s.cfg.WebhookTolerance); err != nil {
		s.log.Warn().Err(err).Str("caller", caller).Msg("webhook rejected")
		return domain.Reject(domain.ReasonForbidden, "invalid webhook signature")
	}
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.SessionRef == "" {
		return domain.Reject(domain.ReasonValidation, "malformed webhook event")
	}
	switch ev.Outcome {
	case OutcomeSucceeded, OutcomeFailed, OutcomeExpired:
	default:
		return domain.Reject(domain.ReasonValidation, "unknown outcome %q", ev.Outcome)
	}

	var (
		st  settlement
		err error
	)
	switch ev.Kind {
	case EventCheckout:
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.onCheckoutTx(ctx, tx, ev, &st)
		})
	case EventSetup:
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.onSetupTx(ctx, tx, ev, &st)
		})
	default:
		return domain.Reject(domain.ReasonValidation, "unknown event kind %q", ev.Kind)
	}
	if err != nil {
		return err
	}
	s.log.Info().Str("event_id", ev.ID).Str("kind", ev.Kind).Str("outcome", ev.Outcome).
		Str("session_ref", ev.SessionRef).Msg("webhook applied")
	return s.afterSettlement(ctx, &st)
}

func (s *Service) onCheckoutTx(ctx context.Context, tx *gorm.DB, ev WebhookEvent, st *settlement) error {
	var p domain.Payment
	if err := tx.Where("session_ref = ?", ev.SessionRef).First(&p).Error; err != nil {
		return notFound(err, "checkout session %s", ev.SessionRef)
	}
	b, _, err := s.bookings.LockTx(tx, p.BookingID)
	if err != nil {
		return err
	}
	if err := tx.First(&p, "id = ?", p.ID).Error; err != nil {
		return err
	}
	st.payment, st.booking = &p, b

	if p.Status == domain.PaymentSucceeded || p.Status == domain.PaymentRefunded {
		// A replay. A payment that landed on a closed booking may still
		// owe its refund if the first attempt failed.
		st.refund = p.Status == domain.PaymentSucceeded && b.Status.Terminal()
		return nil
	}
	if ev.Outcome != OutcomeSucceeded {
		return s.failCheckoutTx(ctx, tx, &p, b, ev, st)
	}

	wasPending := p.Status == domain.PaymentPending
	now := s.clock.Now()
	if err := tx.Model(&domain.Payment{}).Where("id = ?", p.ID).Updates(map[string]any{
		"status":         domain.PaymentSucceeded,
		"processor_ref":  ev.PaymentRef,
		"settled_at":     now,
		"failure_reason": "",
		"updated_at":     now,
	}).Error; err != nil {
		return err
	}
	p.Status = domain.PaymentSucceeded
	p.ProcessorRef = ev.PaymentRef
	p.SettledAt = &now

	switch p.Kind {
	case domain.PaymentDeposit:
		return s.applyDepositTx(ctx, tx, &p, b, st)
	case domain.PaymentSeatIncrease:
		if !wasPending {
			st.refund = true
			return nil
		}
		return s.applySeatsTx(ctx, tx, &p, b, st)
	case domain.PaymentBalance:
		st.refund = b.Status.Terminal()
	}
	return nil
}

// applyDepositTx confirms the booking a deposit paid for. Money that
// arrives for a booking that can no longer be confirmed is refunded.
func (s *Service) applyDepositTx(ctx context.Context, tx *gorm.DB, p *domain.Payment, b *domain.Booking, st *settlement) error {
	if b.Status != domain.BookingPendingHold && b.Status != domain.BookingPendingPayment {
		st.refund = true
		return nil
	}
	var confirmed *domain.Booking
	err := tx.Transaction(func(sp *gorm.DB) error {
		var err error
		confirmed, err = s.bookings.ConfirmTx(ctx, sp, b.ID, booking.ReasonPaid)
		return err
	})
	if err == nil {
		st.booking, st.confirmed = confirmed, true
		return s.supersedeTx(tx, b.ID, p.ID)
	}
	if _, ok := domain.ReasonOf(err); !ok {
		return err
	}
	s.log.Warn().Err(err).Str("booking_id", b.ID.String()).Str("payment_id", p.ID.String()).
		Msg("paid booking could not be confirmed")
	st.expired, err = s.bookings.ExpireTx(ctx, tx, b, reasonPaidLate)
	if err != nil {
		return err
	}
	if st.expired {
		st.released = b.ResourceID
	}
	st.refund = true
	return nil
}

// applySeatsTx commits the held extra seats and resizes the booking.
func (s *Service) applySeatsTx(ctx context.Context, tx *gorm.DB, p *domain.Payment, b *domain.Booking, st *settlement) error {
	var resized *domain.Booking
	err := tx.Transaction(func(sp *gorm.DB) error {
		if p.HoldID == nil {
			return domain.Reject(domain.ReasonExpired, "seat payment %s has no hold", p.ID)
		}
		if _, err := s.holds.ConsumeTx(ctx, sp, *p.HoldID); err != nil {
			return err
		}
		var err error
		resized, err = s.bookings.ApplySeatIncreaseTx(ctx, sp, b.ID, p.Units)
		return err
	})
	if err == nil {
		st.booking = resized
		return nil
	}
	if _, ok := domain.ReasonOf(err); !ok {
		return err
	}
	s.log.Warn().Err(err).Str("booking_id", b.ID.String()).Str("payment_id", p.ID.String()).
		Msg("paid seats could not be added")
	if p.HoldID != nil {
		released, err := s.holds.ReleaseTx(ctx, tx, *p.HoldID, reasonPaidLate)
		if err != nil {
			return err
		}
		if released {
			st.released = b.ResourceID
		}
	}
	st.refund = true
	return nil
}

func (s *Service) failCheckoutTx(ctx context.Context, tx *gorm.DB, p *domain.Payment, b *domain.Booking, ev WebhookEvent, st *settlement) error {
	if p.Status != domain.PaymentPending {
		return nil
	}
	status, reason := domain.PaymentFailed, reasonCheckoutFail
	if ev.Outcome == OutcomeExpired {
		status, reason = domain.PaymentExpired, reasonCheckoutGone
	}
	if ev.FailureReason != "" {
		reason += ": " + ev.FailureReason
	}
	if err := tx.Model(&domain.Payment{}).Where("id = ?", p.ID).Updates(map[string]any{
		"status":         status,
		"failure_reason": reason,
		"updated_at":     s.clock.Now(),
	}).Error; err != nil {
		return err
	}
	p.Status = status

	switch p.Kind {
	case domain.PaymentDeposit:
		expired, err := s.bookings.ExpireTx(ctx, tx, b, reason)
		if err != nil {
			return err
		}
		if expired {
			st.expired = true
			st.released = b.ResourceID
		}
	case domain.PaymentSeatIncrease:
		if p.HoldID == nil {
			return nil
		}
		released, err := s.holds.ReleaseTx(ctx, tx, *p.HoldID, reason)
		if err != nil {
			return err
		}
		if released {
			st.released = b.ResourceID
		}
	}
	return nil
}

func (s *Service) onSetupTx(ctx context.Context, tx *gorm.DB, ev WebhookEvent, st *settlement) error {
	var found domain.Booking
	if err := tx.Where("setup_session_ref = ?", ev.SessionRef).First(&found).Error; err != nil {
		return notFound(err, "setup session %s", ev.SessionRef)
	}
	b, _, err := s.bookings.LockTx(tx, found.ID)
	if err != nil {
		return err
	}
	st.booking = b

	if ev.Outcome != OutcomeSucceeded {
		if b.Status.Terminal() || b.Status == domain.BookingConfirmed {
			return nil
		}
		st.expired, err = s.bookings.ExpireTx(ctx, tx, b, reasonCardFailed)
		if st.expired {
			st.released = b.ResourceID
		}
		return err
	}

	if err := tx.Model(&domain.Booking{}).Where("id = ?", b.ID).Updates(map[string]any{
		"customer_ref":       ev.CustomerRef,
		"payment_method_ref": ev.PaymentMethodRef,
		"updated_at":         s.clock.Now(),
	}).Error; err != nil {
		return err
	}
	b.CustomerRef = ev.CustomerRef
	b.PaymentMethodRef = ev.PaymentMethodRef
	if b.Status != domain.BookingPendingHold && b.Status != domain.BookingPendingPayment {
		return nil
	}

	var confirmed *domain.Booking
	err = tx.Transaction(func(sp *gorm.DB) error {
		var err error
		confirmed, err = s.bookings.ConfirmTx(ctx, sp, b.ID, booking.ReasonCardOnFile)
		return err
	})
	if err == nil {
		st.booking, st.confirmed = confirmed, true
		return nil
	}
	if _, ok := domain.ReasonOf(err); !ok {
		return err
	}
	st.expired, err = s.bookings.ExpireTx(ctx, tx, b, reasonPaidLate)
	if st.expired {
		st.released = b.ResourceID
	}
	return err
}

func (s *Service) afterSettlement(ctx context.Context, st *settlement) error {
	if st.confirmed {
		s.publishConfirmed(ctx, st.booking)
	}
	if st.expired {
		s.events.Publish(ctx, events.Event{
			Type:       events.BookingExpired,
			ResourceID: events.IDPtr(st.booking.ResourceID),
			BookingID:  events.IDPtr(st.booking.ID),
			Data:       map[string]any{"reason": st.booking.StatusReason},
		})
	}
	if st.released != uuid.Nil {
		s.bookings.NotifyReleased(ctx, st.released)
	}
	if st.refund && st.payment != nil {
		reason := reasonDuplicatePaid
		if st.booking != nil && st.booking.Status.Terminal() {
			reason = "booking " + string(st.booking.Status)
		}
		if err := s.refund(ctx, st.payment, reason); err != nil {
			s.log.Error().Err(err).Str("op", "refund").Str("payment_id", st.payment.ID.String()).
				Str("booking_id", st.payment.BookingID.String()).Msg("automatic refund failed")
			return err
		}
	}
	return nil
}

func (s *Service) publishConfirmed(ctx context.Context, b *domain.Booking) {
	s.events.Publish(ctx, events.Event{
		Type:       events.BookingConfirmed,
		ResourceID: events.IDPtr(b.ResourceID),
		BookingID:  events.IDPtr(b.ID),
		Data:       map[string]any{"party_size": b.PartySize, "payment_mode": b.PaymentMode},
	})
}

// StartSeatIncrease holds extra seats for a prepaid booking and opens a
// checkout for them. The seats join the booking when the webhook arrives.
func (s *Service) StartSeatIncrease(ctx context.Context, b *domain.Booking, units int) (*domain.Payment, error) {
	if units <= 0 {
		return nil, domain.Reject(domain.ReasonValidation, "units must be positive")
	}
	var (
		p *domain.Payment
		r *domain.Resource
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, res, err := s.bookings.LockTx(tx, b.ID)
		if err != nil {
			return err
		}
		r = res
		if cur.Status != domain.BookingConfirmed || cur.PaymentMode != domain.PaymentPrepaid {
			return domain.Reject(domain.ReasonInvalidTransition, "booking %s cannot buy seats while %s", cur.ID, cur.Status)
		}
		p = &domain.Payment{
			ID:        uuid.New(),
			BookingID: cur.ID,
			Kind:      domain.PaymentSeatIncrease,
			Amount:    int64(units) * r.PricePerUnit,
			Currency:  s.cfg.Currency,
			Status:    domain.PaymentPending,
			Units:     units,
		}
		p.IdempotencyKey = "seats:" + p.ID.String()
		if p.Amount == 0 {
			if err := s.ledger.CommitTx(ctx, tx, cur.ResourceID, units); err != nil {
				return err
			}
			now := s.clock.Now()
			p.Status = domain.PaymentSucceeded
			p.SettledAt = &now
			if err := tx.Create(p).Error; err != nil {
				return err
			}
			_, err := s.bookings.ApplySeatIncreaseTx(ctx, tx, cur.ID, units)
			return err
		}
		h, err := s.holds.CreateHoldTx(ctx, tx, holds.Request{
			ResourceID: cur.ResourceID,
			Units:      units,
			ExpiresAt:  s.deadline(r),
			OwnerKind:  domain.HoldOwnerPayment,
			OwnerID:    &p.ID,
		})
		if err != nil {
			return err
		}
		p.HoldID = &h.ID
		return tx.Create(p).Error
	})
	if err != nil {
		return nil, err
	}
	if p.Status == domain.PaymentSucceeded {
		return p, nil
	}

	sess, err := s.processor.CreateCheckoutSession(ctx, CheckoutParams{
		IdempotencyKey: p.IdempotencyKey,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Description:    fmt.Sprintf("%d extra for %s", units, r.Name),
		ExpiresAt:      s.deadline(r),
		Metadata:       map[string]string{"booking_id": b.ID.String(), "payment_id": p.ID.String()},
	})
	if err != nil {
		return nil, s.abandon(ctx, p, err)
	}
	if err := s.attachSession(ctx, p, sess); err != nil {
		return nil, err
	}
	return p, nil
}

// OnBookingClosedTx expires the open checkouts of a cancelled or expired
// booking and releases any seats they were holding.
func (s *Service) OnBookingClosedTx(ctx context.Context, tx *gorm.DB, b *domain.Booking) error {
	var open []domain.Payment
	if err := tx.Where("booking_id = ? AND status = ? AND kind IN ?", b.ID, domain.PaymentPending,
		[]domain.PaymentKind{domain.PaymentDeposit, domain.PaymentSeatIncrease, domain.PaymentBalance}).
		Find(&open).Error; err != nil {
		return err
	}
	for i := range open {
		p := &open[i]
		if err := tx.Model(&domain.Payment{}).Where("id = ? AND status = ?", p.ID, domain.PaymentPending).
			Updates(map[string]any{
				"status":         domain.PaymentExpired,
				"failure_reason": "booking " + string(b.Status),
				"updated_at":     s.clock.Now(),
			}).Error; err != nil {
			return err
		}
		if p.Kind == domain.PaymentSeatIncrease && p.HoldID != nil {
			if _, err := s.holds.ReleaseTx(ctx, tx, *p.HoldID, "booking "+string(b.Status)); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnHoldExpiredTx expires a seat checkout whose hold lapsed unpaid.
func (s *Service) OnHoldExpiredTx(ctx context.Context, tx *gorm.DB, h *domain.Hold) error {
	if h.OwnerID == nil {
		return nil
	}
	return tx.Model(&domain.Payment{}).
		Where("id = ? AND status = ?", *h.OwnerID, domain.PaymentPending).
		Updates(map[string]any{
			"status":         domain.PaymentExpired,
			"failure_reason": reasonCheckoutGone,
			"updated_at":     s.clock.Now(),
		}).Error
}

// Payments lists every payment of a booking, newest first.
func (s *Service) Payments(ctx context.Context, bookingID uuid.UUID) ([]domain.Payment, error) {
	var out []domain.Payment
	err := s.db.WithContext(ctx).Where("booking_id = ?", bookingID).Order("created_at DESC").Find(&out).Error
	return out, err
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Reject(domain.ReasonNotFound, format, args...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
