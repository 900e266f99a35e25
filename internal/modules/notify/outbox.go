// Package notify keeps an outbox of guest SMS and operator email. Rows are
// written in the business transaction and dispatched by the sweep; SMS never
// leaves during quiet hours.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"venuecore/internal/domain"
	"venuecore/internal/pkg/clock"
	"venuecore/internal/pkg/quiethours"
)

// Hook lets the owner of a message react to its delivery timing.
type Hook interface {
	OnMessageSentTx(ctx context.Context, tx *gorm.DB, msg *domain.OutboundMessage, sentAt time.Time) error
	OnMessageDeferredTx(ctx context.Context, tx *gorm.DB, msg *domain.OutboundMessage, sendAt time.Time) error
}

type Message struct {
	Channel   domain.MessageChannel
	Purpose   domain.MessagePurpose
	Recipient string
	Subject   string
	Body      string
	BookingID *uuid.UUID
	OfferID   *uuid.UUID
	// NotBefore delays the message; zero means now.
	NotBefore time.Time
}

type Options struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	ClaimTimeout time.Duration
	BatchSize    int
}

type Outbox struct {
	db    *gorm.DB
	gate  *quiethours.Gate
	clock clock.Clock
	log   zerolog.Logger
	sms   SMSSender
	mail  Mailer
	hooks map[domain.MessagePurpose]Hook
	opts  Options
}

func NewOutbox(db *gorm.DB, gate *quiethours.Gate, sms SMSSender, mail Mailer, clk clock.Clock, opts Options, log zerolog.Logger) *Outbox {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Minute
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Outbox{
		db:    db,
		gate:  gate,
		clock: clk,
		log:   log.With().Str("component", "outbox").Logger(),
		sms:   sms,
		mail:  mail,
		hooks: make(map[domain.MessagePurpose]Hook),
		opts:  opts,
	}
}

func (o *Outbox) Gate() *quiethours.Gate { return o.gate }

func (o *Outbox) Hook(purpose domain.MessagePurpose, h Hook) {
	o.hooks[purpose] = h
}

// SendTime is the instant an SMS requested for notBefore would go out.
func (o *Outbox) SendTime(notBefore time.Time) time.Time {
	now := o.clock.Now()
	if notBefore.Before(now) {
		notBefore = now
	}
	return o.gate.NextPermitted(notBefore)
}

// ScheduleTx inserts a pending message. SMS rows get a gated ScheduledAt.
func (o *Outbox) ScheduleTx(ctx context.Context, tx *gorm.DB, m Message) (*domain.OutboundMessage, error) {
	if m.Recipient == "" {
		return nil, nil
	}
	at := m.NotBefore
	if now := o.clock.Now(); at.Before(now) {
		at = now
	}
	if m.Channel == domain.ChannelSMS {
		at = o.gate.NextPermitted(at)
	}
	row := &domain.OutboundMessage{
		Channel:     m.Channel,
		Purpose:     m.Purpose,
		Recipient:   m.Recipient,
		Subject:     m.Subject,
		Body:        m.Body,
		BookingID:   m.BookingID,
		OfferID:     m.OfferID,
		ScheduledAt: at.UTC(),
		Status:      domain.MessagePending,
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("queue %s message: %w", m.Purpose, err)
	}
	return row, nil
}

// ScheduleReminderTx queues a reminder lead before startsAt. Reminders that
// would be due already, or that the gate pushes past the start, are skipped.
func (o *Outbox) ScheduleReminderTx(ctx context.Context, tx *gorm.DB, m Message, startsAt time.Time, lead time.Duration) (*domain.OutboundMessage, error) {
	at := startsAt.Add(-lead)
	if at.Before(o.clock.Now()) {
		return nil, nil
	}
	if !o.gate.NextPermitted(at).Before(startsAt) {
		return nil, nil
	}
	m.Channel = domain.ChannelSMS
	m.Purpose = domain.PurposeReminder
	m.NotBefore = at
	return o.ScheduleTx(ctx, tx, m)
}

// CancelForBookingTx drops pending messages of a booking.
func (o *Outbox) CancelForBookingTx(ctx context.Context, tx *gorm.DB, bookingID uuid.UUID, purposes ...domain.MessagePurpose) error {
	q := tx.WithContext(ctx).Model(&domain.OutboundMessage{}).
		Where("booking_id = ? AND status = ?", bookingID, domain.MessagePending)
	if len(purposes) > 0 {
		q = q.Where("purpose IN ?", purposes)
	}
	return q.Updates(map[string]any{"status": domain.MessageCancelled, "updated_at": o.clock.Now()}).Error
}

func (o *Outbox) CancelForOfferTx(ctx context.Context, tx *gorm.DB, offerID uuid.UUID) error {
	return tx.WithContext(ctx).Model(&domain.OutboundMessage{}).
		Where("offer_id = ? AND status = ?", offerID, domain.MessagePending).
		Updates(map[string]any{"status": domain.MessageCancelled, "updated_at": o.clock.Now()}).Error
}

type DispatchSummary struct {
	Sent      int `json:"sent"`
	Deferred  int `json:"deferred"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Reclaimed int `json:"reclaimed"`
}

// DispatchDue sends every pending message whose time has come. Each row is
// claimed with a conditional update so concurrent sweeps never send twice.
func (o *Outbox) DispatchDue(ctx context.Context) (DispatchSummary, error) {
	var sum DispatchSummary
	now := o.clock.Now()
	db := o.db.WithContext(ctx)

	res := db.Model(&domain.OutboundMessage{}).
		Where("status = ? AND updated_at < ?", domain.MessageSending, now.Add(-o.opts.ClaimTimeout)).
		Updates(map[string]any{"status": domain.MessagePending, "updated_at": now})
	if res.Error != nil {
		return sum, fmt.Errorf("reclaim stuck messages: %w", res.Error)
	}
	sum.Reclaimed = int(res.RowsAffected)

	var due []domain.OutboundMessage
	if err := db.Where("status = ? AND scheduled_at <= ?", domain.MessagePending, now).
		Order("scheduled_at ASC").
		Limit(o.opts.BatchSize).
		Find(&due).Error; err != nil {
		return sum, fmt.Errorf("load due messages: %w", err)
	}

	for i := range due {
		msg := &due[i]
		if msg.Channel == domain.ChannelSMS && !o.gate.IsPermitted(now) {
			if err := o.reschedule(ctx, msg, o.gate.NextPermitted(now), ""); err != nil {
				o.log.Error().Err(err).Str("message_id", msg.ID.String()).Msg("failed to defer message")
				continue
			}
			sum.Deferred++
			continue
		}

		claimed := db.Model(&domain.OutboundMessage{}).
			Where("id = ? AND status = ?", msg.ID, domain.MessagePending).
			Updates(map[string]any{
				"status":     domain.MessageSending,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now,
			})
		if claimed.Error != nil {
			o.log.Error().Err(claimed.Error).Str("message_id", msg.ID.String()).Msg("failed to claim message")
			continue
		}
		if claimed.RowsAffected == 0 {
			continue
		}
		msg.Attempts++

		ref, err := o.deliver(ctx, msg)
		if err != nil {
			failed, ferr := o.handleFailure(ctx, msg, err)
			if ferr != nil {
				o.log.Error().Err(ferr).Str("message_id", msg.ID.String()).Msg("failed to record delivery failure")
			}
			if failed {
				sum.Failed++
			} else {
				sum.Retried++
			}
			continue
		}
		if err := o.markSent(ctx, msg, ref); err != nil {
			o.log.Error().Err(err).Str("message_id", msg.ID.String()).Msg("failed to mark message sent")
			continue
		}
		sum.Sent++
	}
	return sum, nil
}

func (o *Outbox) deliver(ctx context.Context, msg *domain.OutboundMessage) (string, error) {
	switch msg.Channel {
	case domain.ChannelSMS:
		if o.sms == nil {
			return "", fmt.Errorf("no sms sender configured")
		}
		return o.sms.Send(ctx, msg.Recipient, msg.Body)
	case domain.ChannelEmail:
		if o.mail == nil {
			return "", fmt.Errorf("no mailer configured")
		}
		return "", o.mail.Send(ctx, msg.Recipient, msg.Subject, msg.Body)
	}
	return "", fmt.Errorf("unknown channel %q", msg.Channel)
}

// markSent records delivery and clears the body, which may carry a raw
// capability token. The owner hook runs in its own transaction.
func (o *Outbox) markSent(ctx context.Context, msg *domain.OutboundMessage, ref string) error {
	sentAt := o.clock.Now()
	if err := o.db.WithContext(ctx).Model(&domain.OutboundMessage{}).
		Where("id = ? AND status = ?", msg.ID, domain.MessageSending).
		Updates(map[string]any{
			"status":       domain.MessageSent,
			"sent_at":      sentAt,
			"provider_ref": ref,
			"body":         "",
			"last_error":   "",
			"updated_at":   sentAt,
		}).Error; err != nil {
		return err
	}
	msg.Status = domain.MessageSent
	msg.SentAt = &sentAt

	o.log.Info().
		Str("message_id", msg.ID.String()).
		Str("channel", string(msg.Channel)).
		Str("purpose", string(msg.Purpose)).
		Msg("message sent")

	h, ok := o.hooks[msg.Purpose]
	if !ok {
		return nil
	}
	if err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return h.OnMessageSentTx(ctx, tx, msg, sentAt)
	}); err != nil {
		o.log.Error().Err(err).Str("message_id", msg.ID.String()).Msg("sent hook failed")
	}
	return nil
}

// handleFailure schedules a retry with linear backoff, or gives up after
// MaxAttempts. It reports whether the message is now failed.
func (o *Outbox) handleFailure(ctx context.Context, msg *domain.OutboundMessage, cause error) (bool, error) {
	o.log.Warn().Err(cause).
		Str("message_id", msg.ID.String()).
		Int("attempt", msg.Attempts).
		Msg("message delivery failed")

	if msg.Attempts >= o.opts.MaxAttempts {
		return true, o.db.WithContext(ctx).Model(&domain.OutboundMessage{}).
			Where("id = ? AND status = ?", msg.ID, domain.MessageSending).
			Updates(map[string]any{
				"status":     domain.MessageFailed,
				"last_error": cause.Error(),
				"updated_at": o.clock.Now(),
			}).Error
	}

	next := o.clock.Now().Add(time.Duration(msg.Attempts) * o.opts.RetryBackoff)
	if msg.Channel == domain.ChannelSMS {
		next = o.gate.NextPermitted(next)
	}
	msg.Status = domain.MessageSending
	return false, o.reschedule(ctx, msg, next, cause.Error())
}

// reschedule moves a message to a later send time and tells its owner.
func (o *Outbox) reschedule(ctx context.Context, msg *domain.OutboundMessage, at time.Time, lastError string) error {
	from := msg.Status
	if from == "" {
		from = domain.MessagePending
	}
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":       domain.MessagePending,
			"scheduled_at": at,
			"updated_at":   o.clock.Now(),
		}
		if lastError != "" {
			updates["last_error"] = lastError
		}
		res := tx.Model(&domain.OutboundMessage{}).
			Where("id = ? AND status = ?", msg.ID, from).
			Updates(updates)
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		msg.Status = domain.MessagePending
		msg.ScheduledAt = at
		if h, ok := o.hooks[msg.Purpose]; ok {
			return h.OnMessageDeferredTx(ctx, tx, msg, at)
		}
		return nil
	})
}
