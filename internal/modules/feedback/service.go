// Package feedback asks guests to rate a visit once it is over and stores
// one rating per booking.
package feedback

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"venuecore/internal/database"
	"venuecore/internal/domain"
	"venuecore/internal/events"
	"venuecore/internal/modules/notify"
	"venuecore/internal/modules/throttle"
	"venuecore/internal/modules/tokens"
	"venuecore/internal/pkg/clock"
)

type Config struct {
	// Window limits requests to visits that ended recently.
	Window    time.Duration
	TokenTTL  time.Duration
	BatchSize int
}

type Deps struct {
	DB       *gorm.DB
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
	outbox   *notify.Outbox
	composer *notify.Composer
	tokens   *tokens.Service
	throttle *throttle.Limiter
	events   events.Publisher
	clock    clock.Clock
	log      zerolog.Logger
	cfg      Config
}

func NewService(d Deps, cfg Config) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Events == nil {
		d.Events = events.LogPublisher{Log: d.Log}
	}
	if cfg.Window <= 0 {
		cfg.Window = 48 * time.Hour
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 7 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Service{
		db:       d.DB,
		outbox:   d.Outbox,
		composer: d.Composer,
		tokens:   d.Tokens,
		throttle: d.Throttle,
		events:   d.Events,
		clock:    d.Clock,
		log:      d.Log.With().Str("component", "feedback").Logger(),
		cfg:      cfg,
	}
}

// RequestDue sends one feedback link per confirmed booking whose resource
// ended within the window. Each booking is claimed with a conditional
// update, so overlapping sweeps never ask twice.
func (s *Service) RequestDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var due []domain.Booking
	err := s.db.WithContext(ctx).
		Joins("JOIN resources ON resources.id = bookings.resource_id").
		Where("bookings.status = ? AND bookings.feedback_asked_at IS NULL", domain.BookingConfirmed).
		Where("resources.ends_at <= ? AND resources.ends_at > ?", now, now.Add(-s.cfg.Window)).
		Order("resources.ends_at").
		Limit(s.cfg.BatchSize).
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range due {
		b := &due[i]
		ok, err := s.requestOne(ctx, b, now)
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	if sent > 0 {
		s.log.Info().Int("count", sent).Msg("feedback requested")
	}
	return sent, nil
}

func (s *Service) requestOne(ctx context.Context, b *domain.Booking, now time.Time) (bool, error) {
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Booking{}).
			Where("id = ? AND status = ? AND feedback_asked_at IS NULL", b.ID, domain.BookingConfirmed).
			Updates(map[string]any{"feedback_asked_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		claimed = true
		if b.CustomerPhone == "" {
			return nil
		}

		var r domain.Resource
		if err := tx.First(&r, "id = ?", b.ResourceID).Error; err != nil {
			return err
		}
		tok, err := s.tokens.IssueTx(ctx, tx, domain.ScopeFeedback, tokens.Subject{BookingID: &b.ID}, now.Add(s.cfg.TokenTTL))
		if err != nil {
			return err
		}
		_, err = s.outbox.ScheduleTx(ctx, tx, notify.Message{
			Channel:   domain.ChannelSMS,
			Purpose:   domain.PurposeFeedbackRequest,
			Recipient: b.CustomerPhone,
			Body:      s.composer.FeedbackRequest(&r, b, tok.Raw),
			BookingID: &b.ID,
		})
		return err
	})
	return claimed, err
}

// Submit stores the guest's rating. The feedback token is single use and
// bound to its booking.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.Feedback, error) {
	if err := s.throttle.Enforce(ctx, tokens.Fingerprint(req.Token), string(domain.ScopeFeedback), req.Caller); err != nil {
		return nil, err
	}
	if req.Rating < 1 || req.Rating > 5 {
		return nil, domain.Reject(domain.ReasonValidation, "rating must be between 1 and 5")
	}

	var fb *domain.Feedback
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tok, err := s.tokens.VerifyTx(ctx, tx, domain.ScopeFeedback, req.Token)
		if err != nil {
			return err
		}
		if tok.BookingID == nil || *tok.BookingID != req.BookingID {
			return domain.Reject(domain.ReasonForbidden, "token does not grant access to this booking")
		}
		var b domain.Booking
		if err := tx.First(&b, "id = ?", req.BookingID).Error; err != nil {
			return notFound(err, "booking %s", req.BookingID)
		}
		if err := s.tokens.ConsumeTx(ctx, tx, tok); err != nil {
			return err
		}
		fb = &domain.Feedback{
			BookingID:  b.ID,
			ResourceID: b.ResourceID,
			Rating:     req.Rating,
			Comment:    strings.TrimSpace(req.Comment),
		}
		if err := tx.Create(fb).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return domain.Reject(domain.ReasonConflict, "feedback already received for booking %s", b.ID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, events.Event{
		Type:       events.FeedbackReceived,
		ResourceID: events.IDPtr(fb.ResourceID),
		BookingID:  events.IDPtr(fb.BookingID),
		Data:       map[string]any{"rating": fb.Rating},
	})
	return fb, nil
}

func (s *Service) ListForResource(ctx context.Context, resourceID uuid.UUID, limit, offset int) ([]domain.Feedback, int64, error) {
	var (
		out   []domain.Feedback
		total int64
	)
	q := s.db.WithContext(ctx).Model(&domain.Feedback{}).Where("resource_id = ?", resourceID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&out).Error
	return out, total, err
}

// Respond records a staff reply. A later reply replaces the earlier one.
func (s *Service) Respond(ctx context.Context, id uuid.UUID, staffID, response string) (*domain.Feedback, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return nil, domain.Reject(domain.ReasonValidation, "response must not be empty")
	}
	now := s.clock.Now()
	db := s.db.WithContext(ctx)
	res := db.Model(&domain.Feedback{}).Where("id = ?", id).Updates(map[string]any{
		"staff_response": response,
		"responded_by":   staffID,
		"responded_at":   now,
		"updated_at":     now,
	})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.Reject(domain.ReasonNotFound, "feedback %s", id)
	}
	var fb domain.Feedback
	if err := db.First(&fb, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &fb, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Reject(domain.ReasonNotFound, format, args...)
	}
	return err
}
