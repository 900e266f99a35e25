package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"venuecore/internal/domain"
)

type ResourceFilters struct {
	Kind   domain.ResourceKind
	Area   string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

type ResourceRepository struct {
	db *gorm.DB
}

func NewResourceRepository(db *gorm.DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// GetAll returns resources ordered by start time with optional filters.
func (r *ResourceRepository) GetAll(
	ctx context.Context,
	f ResourceFilters,
) ([]domain.Resource, int64, error) {

	var resources []domain.Resource
	var total int64

	q := r.db.WithContext(ctx).Model(&domain.Resource{})

	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}

	if f.Area != "" {
		q = q.Where("area = ?", f.Area)
	}

	if f.From != nil {
		q = q.Where("starts_at >= ?", f.From.UTC())
	}

	if f.To != nil {
		q = q.Where("starts_at < ?", f.To.UTC())
	}

	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := q.
		Order("starts_at").
		Limit(f.Limit).
		Offset(f.Offset).
		Find(&resources).Error

	return resources, total, err
}

// GetByID fetches a resource by its ID.
func (r *ResourceRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Resource, error) {
	var res domain.Resource
	if err := r.db.WithContext(ctx).First(&res, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *ResourceRepository) Create(ctx context.Context, res *domain.Resource) error {
	return r.db.WithContext(ctx).Create(res).Error
}
