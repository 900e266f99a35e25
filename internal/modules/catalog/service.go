package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"venuecore/internal/domain"
	"venuecore/internal/modules/ledger"
	"venuecore/internal/pkg/clock"
	"venuecore/internal/repository"
)

// ReleaseNotifier is told when a capacity change frees units.
type ReleaseNotifier interface {
	NotifyReleased(ctx context.Context, resourceID uuid.UUID)
}

type Service struct {
	db        *gorm.DB
	resources *repository.ResourceRepository
	ledger    *ledger.Ledger
	released  ReleaseNotifier
	clock     clock.Clock
	log       zerolog.Logger
}

func NewService(
	db *gorm.DB,
	resources *repository.ResourceRepository,
	l *ledger.Ledger,
	released ReleaseNotifier,
	clk clock.Clock,
	log zerolog.Logger,
) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		db:        db,
		resources: resources,
		ledger:    l,
		released:  released,
		clock:     clk,
		log:       log.With().Str("component", "catalog").Logger(),
	}
}

/* ---------- RESOURCE ---------- */

func (s *Service) CreateResource(ctx context.Context, req CreateResourceRequest) (*domain.Resource, error) {
	if !req.EndsAt.After(req.StartsAt) {
		return nil, domain.Reject(domain.ReasonValidation, "resource must end after it starts")
	}
	if req.CutoffAt != nil && req.CutoffAt.After(req.StartsAt) {
		return nil, domain.Reject(domain.ReasonValidation, "cutoff must not be after the start")
	}
	unit := req.Unit
	if unit == "" {
		unit = domain.UnitSeats
		if req.Kind == domain.ResourceTablePool {
			unit = domain.UnitTableSlot
		}
	}

	r := &domain.Resource{
		Name:           strings.TrimSpace(req.Name),
		Kind:           req.Kind,
		Unit:           unit,
		Capacity:       req.Capacity,
		Area:           strings.TrimSpace(req.Area),
		PricePerUnit:   req.PricePerUnit,
		BookingOpensAt: utcPtr(req.BookingOpensAt),
		StartsAt:       req.StartsAt.UTC(),
		EndsAt:         req.EndsAt.UTC(),
		CutoffAt:       utcPtr(req.CutoffAt),
	}
	if err := s.resources.Create(ctx, r); err != nil {
		return nil, err
	}

	s.log.Info().Str("resource_id", r.ID.String()).Str("kind", string(r.Kind)).Msg("resource created")
	return r, nil
}

// UpdateResource edits a resource under its row lock. Capacity may not
// drop below what is already committed plus held.
func (s *Service) UpdateResource(ctx context.Context, id uuid.UUID, req UpdateResourceRequest) (*domain.Resource, error) {
	var (
		r     *domain.Resource
		freed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		r, err = ledger.LockResource(tx, id)
		if err != nil {
			return err
		}
		updates := map[string]any{"updated_at": s.clock.Now()}

		if req.Name != nil {
			updates["name"] = strings.TrimSpace(*req.Name)
		}
		if req.PricePerUnit != nil {
			updates["price_per_unit"] = *req.PricePerUnit
		}
		if req.CutoffAt != nil {
			if req.CutoffAt.After(r.StartsAt) {
				return domain.Reject(domain.ReasonValidation, "cutoff must not be after the start")
			}
			updates["cutoff_at"] = req.CutoffAt.UTC()
		}

		switch {
		case req.Unlimited:
			updates["capacity"] = nil
			freed = !r.Unlimited()
		case req.Capacity != nil:
			held, err := ledger.HeldUnitsTx(tx, r.ID, s.clock.Now(), nil)
			if err != nil {
				return err
			}
			if *req.Capacity < r.Committed+held {
				return domain.Reject(domain.ReasonConflict,
					"capacity %d is below the %d units already committed or held", *req.Capacity, r.Committed+held)
			}
			updates["capacity"] = *req.Capacity
			freed = !r.Unlimited() && *req.Capacity > *r.Capacity
		}

		if err := tx.Model(&domain.Resource{}).Where("id = ?", r.ID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(r, "id = ?", r.ID).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("resource_id", r.ID.String()).Bool("freed", freed).Msg("resource updated")
	if freed && s.released != nil {
		s.released.NotifyReleased(ctx, r.ID)
	}
	return r, nil
}

func (s *Service) GetResource(ctx context.Context, id uuid.UUID) (*ResourceView, error) {
	r, err := s.resources.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.Reject(domain.ReasonNotFound, "resource %s", id)
		}
		return nil, fmt.Errorf("get resource %s: %w", id, err)
	}
	a, err := s.ledger.Availability(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ResourceView{Resource: r, Availability: a}, nil
}

func (s *Service) ListResources(ctx context.Context, f repository.ResourceFilters) ([]domain.Resource, int64, error) {
	return s.resources.GetAll(ctx, f)
}

func (s *Service) Availability(ctx context.Context, id uuid.UUID) (*ledger.Availability, error) {
	return s.ledger.Availability(ctx, id)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
