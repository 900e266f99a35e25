// Package holds creates time-bounded holds on capacity and expires them.
// Owners of a hold (bookings, waitlist offers, payments) register a handler
// that applies their own side effects in the expiring transaction.
package holds

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"venuecore/internal/domain"
	"venuecore/internal/modules/ledger"
	"venuecore/internal/pkg/clock"
)

const ReasonExpired = "expired"

// ExpiryHandler applies owner-side effects of an expired hold inside the
// transaction that released it.
type ExpiryHandler interface {
	OnHoldExpiredTx(ctx context.Context, tx *gorm.DB, h *domain.Hold) error
}

// ReleaseListener is told after commit that capacity of a resource came back.
type ReleaseListener interface {
	OnCapacityReleased(ctx context.Context, resourceID uuid.UUID) error
}

type Manager struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	clock     clock.Clock
	log       zerolog.Logger
	handlers  map[domain.HoldOwner]ExpiryHandler
	listeners []ReleaseListener
	batchSize int
}

func NewManager(db *gorm.DB, l *ledger.Ledger, clk clock.Clock, log zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		db:        db,
		ledger:    l,
		clock:     clk,
		log:       log.With().Str("component", "holds").Logger(),
		handlers:  make(map[domain.HoldOwner]ExpiryHandler),
		batchSize: 200,
	}
}

func (m *Manager) Handle(owner domain.HoldOwner, h ExpiryHandler) {
	m.handlers[owner] = h
}

func (m *Manager) OnRelease(l ReleaseListener) {
	m.listeners = append(m.listeners, l)
}

type Request struct {
	ResourceID uuid.UUID
	Units      int
	TTL        time.Duration
	ExpiresAt  time.Time
	OwnerKind  domain.HoldOwner
	OwnerID    *uuid.UUID
}

// CreateHold reserves units in its own transaction.
func (m *Manager) CreateHold(ctx context.Context, resourceID uuid.UUID, units int, ttl time.Duration) (*domain.Hold, error) {
	var h *domain.Hold
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		h, err = m.CreateHoldTx(ctx, tx, Request{ResourceID: resourceID, Units: units, TTL: ttl})
		return err
	})
	return h, err
}

// CreateHoldTx reserves units inside tx. ExpiresAt wins over TTL when set.
func (m *Manager) CreateHoldTx(ctx context.Context, tx *gorm.DB, req Request) (*domain.Hold, error) {
	expires := req.ExpiresAt
	if expires.IsZero() {
		if req.TTL <= 0 {
			return nil, domain.Reject(domain.ReasonValidation, "hold needs a ttl or an expiry")
		}
		expires = m.clock.Now().Add(req.TTL)
	}
	return m.ledger.ReserveTx(ctx, tx, ledger.ReserveRequest{
		ResourceID: req.ResourceID,
		Units:      req.Units,
		ExpiresAt:  expires,
		OwnerKind:  req.OwnerKind,
		OwnerID:    req.OwnerID,
	})
}

func (m *Manager) ReleaseTx(ctx context.Context, tx *gorm.DB, holdID uuid.UUID, reason string) (bool, error) {
	return m.ledger.ReleaseTx(ctx, tx, holdID, reason)
}

func (m *Manager) ConsumeTx(ctx context.Context, tx *gorm.DB, holdID uuid.UUID) (*domain.Hold, error) {
	return m.ledger.ConsumeTx(ctx, tx, holdID)
}

// Expired is one hold released by ExpireDue.
type Expired struct {
	Hold domain.Hold
}

// ExpireDue releases every active hold whose expiry has passed, one
// transaction per hold, and then notifies release listeners once per
// resource. Holds already settled by a concurrent caller are skipped, so
// running it twice for the same tick has no further effect.
func (m *Manager) ExpireDue(ctx context.Context) ([]Expired, error) {
	now := m.clock.Now()
	var due []domain.Hold
	if err := m.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", domain.HoldActive, now).
		Order("expires_at ASC").
		Limit(m.batchSize).
		Find(&due).Error; err != nil {
		return nil, fmt.Errorf("load due holds: %w", err)
	}

	var (
		out       []Expired
		resources []uuid.UUID
		seen      = make(map[uuid.UUID]bool)
	)
	for i := range due {
		h := due[i]
		released, err := m.expireOne(ctx, &h)
		if err != nil {
			m.log.Error().Err(err).
				Str("op", "expire_hold").
				Str("hold_id", h.ID.String()).
				Str("resource_id", h.ResourceID.String()).
				Msg("hold expiry failed")
			continue
		}
		if !released {
			continue
		}
		out = append(out, Expired{Hold: h})
		if !seen[h.ResourceID] {
			seen[h.ResourceID] = true
			resources = append(resources, h.ResourceID)
		}
	}

	for _, id := range resources {
		m.NotifyReleased(ctx, id)
	}
	return out, nil
}

func (m *Manager) expireOne(ctx context.Context, h *domain.Hold) (bool, error) {
	var released bool
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		released, err = m.ledger.ReleaseTx(ctx, tx, h.ID, ReasonExpired)
		if err != nil || !released {
			return err
		}
		if handler, ok := m.handlers[h.OwnerKind]; ok {
			if err := handler.OnHoldExpiredTx(ctx, tx, h); err != nil {
				return fmt.Errorf("%s expiry handler: %w", h.OwnerKind, err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if released {
		m.log.Info().
			Str("hold_id", h.ID.String()).
			Str("resource_id", h.ResourceID.String()).
			Str("owner", string(h.OwnerKind)).
			Int("units", h.Units).
			Msg("hold expired")
	}
	return released, nil
}

// NotifyReleased runs release listeners. Listener errors are logged; the
// release itself is already committed.
func (m *Manager) NotifyReleased(ctx context.Context, resourceID uuid.UUID) {
	for _, l := range m.listeners {
		if err := l.OnCapacityReleased(ctx, resourceID); err != nil {
			m.log.Error().Err(err).
				Str("op", "capacity_released").
				Str("resource_id", resourceID.String()).
				Msg("release listener failed")
		}
	}
}
