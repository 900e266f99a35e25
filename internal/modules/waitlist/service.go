// Package waitlist queues parties for full resources and turns released
// capacity into time-bounded offers, strictly in enqueue order.
package waitlist

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
	"venuecore/internal/modules/ledger"
	"venuecore/internal/modules/notify"
	"venuecore/internal/modules/throttle"
	"venuecore/internal/modules/tokens"
	"venuecore/internal/pkg/canonical"
	"venuecore/internal/pkg/clock"
)

// OfferAcceptance is handed to the booking intake when a guest claims an
// offer. The offer hold is still active and owned by the offer.
type OfferAcceptance struct {
	Entry    *domain.WaitlistEntry
	Offer    *domain.WaitlistOffer
	Resource *domain.Resource
}

type Accepted struct {
	Booking     *domain.Booking `json:"booking"`
	ManageToken string          `json:"manage_token"`
	PayToken    string          `json:"pay_token,omitempty"`
}

// BookingIntake turns an accepted offer into a booking inside tx.
type BookingIntake interface {
	CreateFromOfferTx(ctx context.Context, tx *gorm.DB, in OfferAcceptance) (*Accepted, error)
}

type Config struct {
	ResponseWindow time.Duration
	DefaultCountry string
}

type Deps struct {
	DB       *gorm.DB
	Ledger   *ledger.Ledger
	Holds    *holds.Manager
	Outbox   *notify.Outbox
	Composer *notify.Composer
	Tokens   *tokens.Service
	Throttle *throttle.Limiter
	Events   events.Publisher
	Clock    clock.Clock
	Log      zerolog.Logger
}

type Service struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	holds    *holds.Manager
	outbox   *notify.Outbox
	composer *notify.Composer
	tokens   *tokens.Service
	throttle *throttle.Limiter
	events   events.Publisher
	clock    clock.Clock
	log      zerolog.Logger
	cfg      Config
	intake   BookingIntake
}

func NewService(d Deps, cfg Config) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Events == nil {
		d.Events = events.LogPublisher{Log: d.Log}
	}
	if cfg.ResponseWindow <= 0 {
		cfg.ResponseWindow = 2 * time.Hour
	}
	return &Service{
		db:       d.DB,
		ledger:   d.Ledger,
		holds:    d.Holds,
		outbox:   d.Outbox,
		composer: d.Composer,
		tokens:   d.Tokens,
		throttle: d.Throttle,
		events:   d.Events,
		clock:    d.Clock,
		log:      d.Log.With().Str("component", "waitlist").Logger(),
		cfg:      cfg,
	}
}

func (s *Service) SetIntake(in BookingIntake) { s.intake = in }

type EnqueueRequest struct {
	ResourceID    uuid.UUID          `json:"resource_id" validate:"required"`
	PartySize     int                `json:"party_size" validate:"required,min=1,max=100"`
	PaymentMode   domain.PaymentMode `json:"payment_mode" validate:"omitempty,oneof=cash prepaid card_capture"`
	CustomerName  string             `json:"customer_name" validate:"required,max=255"`
	CustomerPhone string             `json:"customer_phone" validate:"required,max=32"`
	CustomerEmail string             `json:"customer_email" validate:"omitempty,email,max=255"`
	Caller        string             `json:"-"`
}

type Enqueued struct {
	Entry       *domain.WaitlistEntry `json:"entry"`
	ManageToken string                `json:"manage_token"`
}

// Enqueue appends a party to the resource queue and immediately tries to
// serve the queue, so a party joining while capacity is free gets an offer.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Enqueued, error) {
	if err := s.throttle.Enforce(ctx, "", throttle.ScopeWaitlistJoin, req.Caller); err != nil {
		return nil, err
	}
	if req.PartySize <= 0 {
		return nil, domain.Reject(domain.ReasonValidation, "party size must be positive")
	}
	if req.PaymentMode == "" {
		req.PaymentMode = domain.PaymentCash
	}
	if !req.PaymentMode.Valid() {
		return nil, domain.Reject(domain.ReasonValidation, "unknown payment mode %q", req.PaymentMode)
	}
	phone, err := canonical.Phone(req.CustomerPhone, s.cfg.DefaultCountry)
	if err != nil {
		return nil, err
	}
	if phone == "" {
		return nil, domain.Reject(domain.ReasonValidation, "a phone number is required")
	}

	var out Enqueued
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := ledger.LockResource(tx, req.ResourceID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if !now.Before(r.Cutoff()) {
			return domain.Reject(domain.ReasonOutsideWindow, "the waitlist closed at %s", r.Cutoff().Format(time.RFC3339))
		}
		if r.Capacity != nil && req.PartySize > *r.Capacity {
			return domain.Reject(domain.ReasonValidation, "party of %d exceeds capacity %d", req.PartySize, *r.Capacity)
		}

		e := &domain.WaitlistEntry{
			ResourceID:    r.ID,
			PartySize:     req.PartySize,
			PaymentMode:   req.PaymentMode,
			CustomerName:  canonical.Text(req.CustomerName),
			CustomerPhone: phone,
			CustomerEmail: canonical.Email(req.CustomerEmail),
			Status:        domain.WaitlistWaiting,
			EnqueuedAt:    now,
		}
		if err := tx.Create(e).Error; err != nil {
			return err
		}
		tok, err := s.tokens.IssueTx(ctx, tx, domain.ScopeManageBooking, tokens.Subject{EntryID: &e.ID}, r.Cutoff())
		if err != nil {
			return err
		}
		if _, err := s.outbox.ScheduleTx(ctx, tx, notify.Message{
			Channel:   domain.ChannelSMS,
			Purpose:   domain.PurposeWaitlistJoined,
			Recipient: e.CustomerPhone,
			Body:      s.composer.WaitlistJoined(r, e, tok.Raw),
		}); err != nil {
			return err
		}
		out = Enqueued{Entry: e, ManageToken: tok.Raw}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("entry_id", out.Entry.ID.String()).
		Str("resource_id", out.Entry.ResourceID.String()).
		Int("party_size", out.Entry.PartySize).
		Msg("waitlist entry created")

	if err := s.OnCapacityReleased(ctx, req.ResourceID); err != nil {
		s.log.Error().Err(err).Str("resource_id", req.ResourceID.String()).Msg("queue advance after enqueue failed")
	}
	return &out, nil
}

// OnCapacityReleased serves the queue of a resource in its own transaction
// and publishes the resulting offer events after commit.
func (s *Service) OnCapacityReleased(ctx context.Context, resourceID uuid.UUID) error {
	var offers []domain.WaitlistOffer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		offers, err = s.OnCapacityReleasedTx(ctx, tx, resourceID)
		return err
	})
	if err != nil {
		return err
	}
	for i := range offers {
		o := &offers[i]
		typ := events.OfferCreated
		if o.Status == domain.OfferExpired {
			typ = events.OfferExpired
		}
		s.events.Publish(ctx, events.Event{
			Type:       typ,
			ResourceID: events.IDPtr(o.ResourceID),
			OfferID:    events.IDPtr(o.ID),
			Data:       map[string]any{"entry_id": o.EntryID.String(), "expires_at": o.ExpiresAt, "reason": o.ExpireReason},
		})
	}
	return nil
}

// OnCapacityReleasedTx offers freed capacity to waiting entries in FIFO
// order. The head entry blocks the queue while it does not fit. An entry
// whose offer could not be answered before the cutoff is expired on the
// spot and the next entry is considered.
func (s *Service) OnCapacityReleasedTx(ctx context.Context, tx *gorm.DB, resourceID uuid.UUID) ([]domain.WaitlistOffer, error) {
	r, err := ledger.LockResource(tx, resourceID)
	if err != nil {
		return nil, err
	}
	var queue []domain.WaitlistEntry
	if err := tx.Where("resource_id = ? AND status = ?", resourceID, domain.WaitlistWaiting).
		Order("enqueued_at ASC, id ASC").
		Find(&queue).Error; err != nil {
		return nil, err
	}

	var out []domain.WaitlistOffer
	for i := range queue {
		e := &queue[i]
		remaining, err := s.ledger.RemainingTx(tx, r)
		if err != nil {
			return out, err
		}
		if remaining >= 0 && e.PartySize > remaining {
			break
		}
		o, err := s.ScheduleOfferTx(ctx, tx, r, e)
		if err != nil {
			if reason, ok := domain.ReasonOf(err); ok && reason != domain.ReasonValidation {
				s.log.Info().Str("resource_id", r.ID.String()).Str("reason", string(reason)).Msg("queue stopped")
				break
			}
			return out, err
		}
		out = append(out, *o)
	}
	return out, nil
}

// ScheduleOfferTx creates the offer for e. Its expiry is derived from the
// gated send time of the offer message, never from the creation time.
func (s *Service) ScheduleOfferTx(ctx context.Context, tx *gorm.DB, r *domain.Resource, e *domain.WaitlistEntry) (*domain.WaitlistOffer, error) {
	now := s.clock.Now()
	sendAt := s.outbox.SendTime(now)
	expiresAt := sendAt.Add(s.cfg.ResponseWindow)
	o := &domain.WaitlistOffer{
		ID:              uuid.New(),
		EntryID:         e.ID,
		ResourceID:      r.ID,
		ScheduledSendAt: sendAt,
		ExpiresAt:       expiresAt,
	}

	if !expiresAt.Before(r.Cutoff()) {
		o.Status = domain.OfferExpired
		o.ExpiredAt = &now
		o.ExpireReason = domain.OfferExpiredNoWindow
		if err := tx.Create(o).Error; err != nil {
			return nil, err
		}
		if err := s.setEntryStatusTx(tx, e.ID, domain.WaitlistWaiting, domain.WaitlistExpired); err != nil {
			return nil, err
		}
		s.log.Info().
			Str("entry_id", e.ID.String()).
			Time("send_at", sendAt).
			Time("cutoff", r.Cutoff()).
			Msg("offer skipped, no response window before cutoff")
		return o, nil
	}

	h, err := s.holds.CreateHoldTx(ctx, tx, holds.Request{
		ResourceID: r.ID,
		Units:      e.PartySize,
		ExpiresAt:  expiresAt,
		OwnerKind:  domain.HoldOwnerOffer,
		OwnerID:    &o.ID,
	})
	if err != nil {
		return nil, err
	}
	o.HoldID = &h.ID
	o.Status = domain.OfferPendingSend
	if err := tx.Create(o).Error; err != nil {
		return nil, err
	}
	if err := s.setEntryStatusTx(tx, e.ID, domain.WaitlistWaiting, domain.WaitlistOffered); err != nil {
		return nil, err
	}
	tok, err := s.tokens.IssueTx(ctx, tx, domain.ScopeClaimOffer, tokens.Subject{EntryID: &e.ID, OfferID: &o.ID}, r.Cutoff())
	if err != nil {
		return nil, err
	}
	if _, err := s.outbox.ScheduleTx(ctx, tx, notify.Message{
		Channel:   domain.ChannelSMS,
		Purpose:   domain.PurposeWaitlistOffer,
		Recipient: e.CustomerPhone,
		Body:      s.composer.WaitlistOffer(r, e, o, tok.Raw),
		OfferID:   &o.ID,
		NotBefore: sendAt,
	}); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("offer_id", o.ID.String()).
		Str("entry_id", e.ID.String()).
		Time("send_at", sendAt).
		Time("expires_at", expiresAt).
		Msg("offer created")
	return o, nil
}

func (s *Service) setEntryStatusTx(tx *gorm.DB, id uuid.UUID, from, to domain.WaitlistStatus) error {
	res := tx.Model(&domain.WaitlistEntry{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": s.clock.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Reject(domain.ReasonInvalidTransition, "waitlist entry %s is no longer %s", id, from)
	}
	return nil
}

type AcceptRequest struct {
	Token  string `json:"token" validate:"required"`
	Caller string `json:"-"`
}

// AcceptOffer claims a live offer with its single-use token. The offer
// hold passes to the new booking in the same transaction.
func (s *Service) AcceptOffer(ctx context.Context, req AcceptRequest) (*Accepted, error) {
	if err := s.throttle.Enforce(ctx, tokens.Fingerprint(req.Token), string(domain.ScopeClaimOffer), req.Caller); err != nil {
		return nil, err
	}
	if s.intake == nil {
		return nil, errors.New("waitlist: no booking intake configured")
	}

	var (
		out   *Accepted
		offer domain.WaitlistOffer
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tok, err := s.tokens.VerifyTx(ctx, tx, domain.ScopeClaimOffer, req.Token)
		if err != nil {
			return err
		}
		if tok.OfferID == nil {
			return domain.Reject(domain.ReasonForbidden, "token is not bound to an offer")
		}
		if err := tx.First(&offer, "id = ?", *tok.OfferID).Error; err != nil {
			return notFound(err, "offer %s", *tok.OfferID)
		}
		r, err := ledger.LockResource(tx, offer.ResourceID)
		if err != nil {
			return err
		}
		if err := tx.First(&offer, "id = ?", offer.ID).Error; err != nil {
			return err
		}
		if !offer.Live() || !s.clock.Now().Before(offer.ExpiresAt) {
			return domain.Reject(domain.ReasonExpired, "offer is no longer available")
		}
		var entry domain.WaitlistEntry
		if err := tx.First(&entry, "id = ?", offer.EntryID).Error; err != nil {
			return err
		}

		out, err = s.intake.CreateFromOfferTx(ctx, tx, OfferAcceptance{Entry: &entry, Offer: &offer, Resource: r})
		if err != nil {
			return err
		}

		now := s.clock.Now()
		res := tx.Model(&domain.WaitlistOffer{}).
			Where("id = ? AND status IN ?", offer.ID, []domain.OfferStatus{domain.OfferPendingSend, domain.OfferSent}).
			Updates(map[string]any{
				"status":      domain.OfferAccepted,
				"accepted_at": now,
				"booking_id":  out.Booking.ID,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.Reject(domain.ReasonExpired, "offer is no longer available")
		}
		if err := s.setEntryStatusTx(tx, entry.ID, domain.WaitlistOffered, domain.WaitlistAccepted); err != nil {
			return err
		}
		if err := s.outbox.CancelForOfferTx(ctx, tx, offer.ID); err != nil {
			return err
		}
		return s.tokens.ConsumeTx(ctx, tx, tok)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("offer_id", offer.ID.String()).
		Str("booking_id", out.Booking.ID.String()).
		Msg("offer accepted")
	s.events.Publish(ctx, events.Event{
		Type:       events.OfferAccepted,
		ResourceID: events.IDPtr(offer.ResourceID),
		OfferID:    events.IDPtr(offer.ID),
		BookingID:  events.IDPtr(out.Booking.ID),
	})
	return out, nil
}

type WithdrawRequest struct {
	EntryID uuid.UUID `json:"-"`
	Token   string    `json:"token" validate:"required"`
	Caller  string    `json:"-"`
}

// Withdraw removes an entry from the queue. A live offer is expired and its
// hold released, which lets the next entry in.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (*domain.WaitlistEntry, error) {
	if err := s.throttle.Enforce(ctx, tokens.Fingerprint(req.Token), string(domain.ScopeManageBooking), req.Caller); err != nil {
		return nil, err
	}

	var (
		entry    domain.WaitlistEntry
		released bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tok, err := s.tokens.VerifyTx(ctx, tx, domain.ScopeManageBooking, req.Token)
		if err != nil {
			return err
		}
		if tok.EntryID == nil || *tok.EntryID != req.EntryID {
			return domain.Reject(domain.ReasonForbidden, "token does not grant access to this entry")
		}
		if err := tx.First(&entry, "id = ?", req.EntryID).Error; err != nil {
			return notFound(err, "waitlist entry %s", req.EntryID)
		}
		if _, err := ledger.LockResource(tx, entry.ResourceID); err != nil {
			return err
		}
		if err := tx.First(&entry, "id = ?", req.EntryID).Error; err != nil {
			return err
		}

		switch entry.Status {
		case domain.WaitlistWithdrawn:
			return nil
		case domain.WaitlistWaiting:
		case domain.WaitlistOffered:
			var offers []domain.WaitlistOffer
			if err := tx.Where("entry_id = ? AND status IN ?", entry.ID,
				[]domain.OfferStatus{domain.OfferPendingSend, domain.OfferSent}).Find(&offers).Error; err != nil {
				return err
			}
			for i := range offers {
				ok, err := s.expireOfferTx(ctx, tx, &offers[i], domain.OfferExpiredWithdrawn, true)
				if err != nil {
					return err
				}
				released = released || ok
			}
		default:
			return domain.Reject(domain.ReasonInvalidTransition, "waitlist entry is %s", entry.Status)
		}
		if err := s.setEntryStatusTx(tx, entry.ID, entry.Status, domain.WaitlistWithdrawn); err != nil {
			return err
		}
		entry.Status = domain.WaitlistWithdrawn
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("entry_id", entry.ID.String()).Bool("released_offer", released).Msg("waitlist entry withdrawn")
	if released {
		if err := s.OnCapacityReleased(ctx, entry.ResourceID); err != nil {
			s.log.Error().Err(err).Str("resource_id", entry.ResourceID.String()).Msg("queue advance after withdraw failed")
		}
	}
	return &entry, nil
}

// expireOfferTx ends a live offer. With release set it also frees the
// offer hold. It reports whether the offer changed.
func (s *Service) expireOfferTx(ctx context.Context, tx *gorm.DB, o *domain.WaitlistOffer, reason string, release bool) (bool, error) {
	now := s.clock.Now()
	res := tx.Model(&domain.WaitlistOffer{}).
		Where("id = ? AND status IN ?", o.ID, []domain.OfferStatus{domain.OfferPendingSend, domain.OfferSent}).
		Updates(map[string]any{
			"status":        domain.OfferExpired,
			"expired_at":    now,
			"expire_reason": reason,
			"updated_at":    now,
		})
	if res.Error != nil || res.RowsAffected == 0 {
		return false, res.Error
	}
	if release && o.HoldID != nil {
		if _, err := s.holds.ReleaseTx(ctx, tx, *o.HoldID, reason); err != nil {
			return false, err
		}
	}
	if err := s.outbox.CancelForOfferTx(ctx, tx, o.ID); err != nil {
		return false, err
	}
	o.Status = domain.OfferExpired
	o.ExpiredAt = &now
	o.ExpireReason = reason
	return true, nil
}

// OnHoldExpiredTx expires the offer whose hold the sweep just released.
func (s *Service) OnHoldExpiredTx(ctx context.Context, tx *gorm.DB, h *domain.Hold) error {
	if h.OwnerID == nil {
		return nil
	}
	var o domain.WaitlistOffer
	if err := tx.First(&o, "id = ?", *h.OwnerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	changed, err := s.expireOfferTx(ctx, tx, &o, domain.OfferExpiredTimeout, false)
	if err != nil || !changed {
		return err
	}
	if err := s.setEntryStatusTx(tx, o.EntryID, domain.WaitlistOffered, domain.WaitlistExpired); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	s.log.Info().Str("offer_id", o.ID.String()).Msg("offer expired")
	return nil
}

// ExpireOffers expires live offers past their expiry whose hold was not
// picked up by the hold sweep, then serves the affected queues.
func (s *Service) ExpireOffers(ctx context.Context) (int, error) {
	var due []domain.WaitlistOffer
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND expires_at <= ?", []domain.OfferStatus{domain.OfferPendingSend, domain.OfferSent}, s.clock.Now()).
		Find(&due).Error; err != nil {
		return 0, err
	}
	n := 0
	touched := map[uuid.UUID]bool{}
	for i := range due {
		o := &due[i]
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := ledger.LockResource(tx, o.ResourceID); err != nil {
				return err
			}
			changed, err := s.expireOfferTx(ctx, tx, o, domain.OfferExpiredTimeout, true)
			if err != nil || !changed {
				return err
			}
			n++
			touched[o.ResourceID] = true
			err = s.setEntryStatusTx(tx, o.EntryID, domain.WaitlistOffered, domain.WaitlistExpired)
			if errors.Is(err, domain.ErrInvalidTransition) {
				return nil
			}
			return err
		})
		if err != nil {
			s.log.Error().Err(err).Str("offer_id", o.ID.String()).Msg("offer expiry failed")
		}
	}
	for id := range touched {
		if err := s.OnCapacityReleased(ctx, id); err != nil {
			s.log.Error().Err(err).Str("resource_id", id.String()).Msg("queue advance failed")
		}
	}
	return n, nil
}

// ExpireClosedEntries expires waiting entries of resources past cutoff.
func (s *Service) ExpireClosedEntries(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	closed := s.db.Model(&domain.Resource{}).Select("id").
		Where("COALESCE(cutoff_at, starts_at) <= ?", now)
	res := s.db.WithContext(ctx).Model(&domain.WaitlistEntry{}).
		Where("status = ? AND resource_id IN (?)", domain.WaitlistWaiting, closed).
		Updates(map[string]any{"status": domain.WaitlistExpired, "updated_at": now})
	return res.RowsAffected, res.Error
}

// AdvanceAll serves every open queue that has waiting entries. The sweep
// runs it to pick up capacity freed without a release notification.
func (s *Service) AdvanceAll(ctx context.Context) (int, error) {
	var ids []uuid.UUID
	if err := s.db.WithContext(ctx).Model(&domain.WaitlistEntry{}).
		Distinct("resource_id").
		Where("status = ?", domain.WaitlistWaiting).
		Pluck("resource_id", &ids).Error; err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := s.OnCapacityReleased(ctx, id); err != nil {
			s.log.Error().Err(err).Str("resource_id", id.String()).Msg("queue advance failed")
			continue
		}
		n++
	}
	return n, nil
}

// OnMessageSentTx records delivery of an offer message. A late send moves
// the expiry to sentAt plus the response window while that stays before
// the cutoff.
func (s *Service) OnMessageSentTx(ctx context.Context, tx *gorm.DB, msg *domain.OutboundMessage, sentAt time.Time) error {
	o, r, err := s.offerForMessageTx(tx, msg)
	if err != nil || o == nil {
		return err
	}
	updates := map[string]any{"status": domain.OfferSent, "sent_at": sentAt, "updated_at": s.clock.Now()}
	if exp := sentAt.Add(s.cfg.ResponseWindow); exp.After(o.ExpiresAt) && exp.Before(r.Cutoff()) && o.HoldID != nil {
		if err := s.ledger.ExtendTx(ctx, tx, *o.HoldID, exp); err != nil {
			return err
		}
		updates["expires_at"] = exp
	}
	return tx.Model(&domain.WaitlistOffer{}).
		Where("id = ? AND status = ?", o.ID, domain.OfferPendingSend).
		Updates(updates).Error
}

// OnMessageDeferredTx follows a postponed offer message. If the new send
// time leaves no full response window before the cutoff, the offer is
// expired and its hold released.
func (s *Service) OnMessageDeferredTx(ctx context.Context, tx *gorm.DB, msg *domain.OutboundMessage, sendAt time.Time) error {
	o, r, err := s.offerForMessageTx(tx, msg)
	if err != nil || o == nil {
		return err
	}
	exp := sendAt.Add(s.cfg.ResponseWindow)
	if !exp.Before(r.Cutoff()) {
		if _, err := ledger.LockResource(tx, r.ID); err != nil {
			return err
		}
		changed, err := s.expireOfferTx(ctx, tx, o, domain.OfferExpiredNoWindow, true)
		if err != nil || !changed {
			return err
		}
		if err := s.setEntryStatusTx(tx, o.EntryID, domain.WaitlistOffered, domain.WaitlistExpired); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return err
		}
		s.log.Info().Str("offer_id", o.ID.String()).Time("send_at", sendAt).Msg("offer expired, send deferred past cutoff")
		return nil
	}
	updates := map[string]any{"scheduled_send_at": sendAt, "updated_at": s.clock.Now()}
	if exp.After(o.ExpiresAt) && o.HoldID != nil {
		if err := s.ledger.ExtendTx(ctx, tx, *o.HoldID, exp); err != nil {
			return err
		}
		updates["expires_at"] = exp
	}
	return tx.Model(&domain.WaitlistOffer{}).
		Where("id = ? AND status = ?", o.ID, domain.OfferPendingSend).
		Updates(updates).Error
}

func (s *Service) offerForMessageTx(tx *gorm.DB, msg *domain.OutboundMessage) (*domain.WaitlistOffer, *domain.Resource, error) {
	if msg.OfferID == nil {
		return nil, nil, nil
	}
	var o domain.WaitlistOffer
	if err := tx.First(&o, "id = ?", *msg.OfferID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if o.Status != domain.OfferPendingSend {
		return nil, nil, nil
	}
	var r domain.Resource
	if err := tx.First(&r, "id = ?", o.ResourceID).Error; err != nil {
		return nil, nil, err
	}
	return &o, &r, nil
}

func (s *Service) Entry(ctx context.Context, id uuid.UUID) (*domain.WaitlistEntry, error) {
	var e domain.WaitlistEntry
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "waitlist entry %s", id)
	}
	return &e, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Reject(domain.ReasonNotFound, format, args...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
