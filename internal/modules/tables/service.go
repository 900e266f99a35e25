// Package tables seats confirmed bookings of table-slot resources on
// physical tables and manages the floor plan around them.
package tables

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"venuecore/internal/database"
	"venuecore/internal/domain"
	"venuecore/internal/modules/ledger"
	"venuecore/internal/pkg/clock"
	"venuecore/internal/pkg/tablealloc"
)

type Service struct {
	db    *gorm.DB
	clock clock.Clock
	log   zerolog.Logger
	bound int
}

func NewService(db *gorm.DB, clk clock.Clock, bound int, log zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if bound <= 0 {
		bound = tablealloc.DefaultJoinBound
	}
	return &Service{db: db, clock: clk, bound: bound, log: log.With().Str("component", "tables").Logger()}
}

// AssignTx seats b on one table or a joined group. Resources that are not
// sold by table slot need no assignment. An existing assignment is kept.
func (s *Service) AssignTx(ctx context.Context, tx *gorm.DB, b *domain.Booking) ([]domain.TableAssignment, error) {
	r, err := ledger.LockResource(tx, b.ResourceID)
	if err != nil {
		return nil, err
	}
	if r.Unit != domain.UnitTableSlot {
		return nil, nil
	}

	var existing []domain.TableAssignment
	if err := tx.Where("booking_id = ?", b.ID).Find(&existing).Error; err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	floor, err := s.floorTx(tx, r, b.ID)
	if err != nil {
		return nil, err
	}
	a, err := tablealloc.Allocate(b.PartySize, floor.tables, floor.links, floor.blocked, s.bound)
	if err != nil {
		if errors.Is(err, tablealloc.ErrNoFit) {
			return nil, domain.Reject(domain.ReasonNoAvailability, "no table fits a party of %d", b.PartySize)
		}
		return nil, domain.Reject(domain.ReasonValidation, "%v", err)
	}

	out := make([]domain.TableAssignment, 0, len(a.TableIDs))
	for _, id := range a.TableIDs {
		tableID, err := uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.TableAssignment{BookingID: b.ID, ResourceID: r.ID, TableID: tableID})
	}
	if err := tx.Create(&out).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, domain.Reject(domain.ReasonNoAvailability, "table taken concurrently")
		}
		return nil, err
	}
	s.log.Info().
		Str("booking_id", b.ID.String()).
		Strs("tables", a.TableIDs).
		Int("party_size", b.PartySize).
		Int("capacity", a.Capacity).
		Msg("tables assigned")
	return out, nil
}

// ReleaseTx frees every table held by a booking.
func (s *Service) ReleaseTx(ctx context.Context, tx *gorm.DB, bookingID uuid.UUID) error {
	return tx.Where("booking_id = ?", bookingID).Delete(&domain.TableAssignment{}).Error
}

type floor struct {
	tables  []tablealloc.Table
	links   []tablealloc.Link
	blocked map[string]bool
	byID    map[uuid.UUID]domain.DiningTable
}

// floorTx loads the tables of r with those taken by other bookings or lying
// in an area blocked for the resource window marked as blocked.
func (s *Service) floorTx(tx *gorm.DB, r *domain.Resource, bookingID uuid.UUID) (*floor, error) {
	var tables []domain.DiningTable
	if err := tx.Where("resource_id = ?", r.ID).Find(&tables).Error; err != nil {
		return nil, err
	}
	var links []domain.TableJoinLink
	if err := tx.Where("resource_id = ?", r.ID).Find(&links).Error; err != nil {
		return nil, err
	}
	var taken []domain.TableAssignment
	if err := tx.Where("resource_id = ? AND booking_id <> ?", r.ID, bookingID).Find(&taken).Error; err != nil {
		return nil, err
	}
	areas, err := blockedAreasTx(tx, r, bookingID)
	if err != nil {
		return nil, err
	}

	f := &floor{blocked: make(map[string]bool), byID: make(map[uuid.UUID]domain.DiningTable, len(tables))}
	for _, t := range tables {
		f.tables = append(f.tables, tablealloc.Table{ID: t.ID.String(), Capacity: t.Capacity})
		f.byID[t.ID] = t
		if t.Area != "" && areas[t.Area] {
			f.blocked[t.ID.String()] = true
		}
	}
	for _, a := range taken {
		f.blocked[a.TableID.String()] = true
	}
	for _, l := range links {
		f.links = append(f.links, tablealloc.Link{A: l.TableA.String(), B: l.TableB.String()})
	}
	return f, nil
}

func blockedAreasTx(tx *gorm.DB, r *domain.Resource, bookingID uuid.UUID) (map[string]bool, error) {
	var blocks []domain.AreaBlock
	if err := tx.Where("starts_at < ? AND ends_at > ? AND (booking_id IS NULL OR booking_id <> ?)", r.EndsAt, r.StartsAt, bookingID).
		Find(&blocks).Error; err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		out[b.Area] = true
	}
	return out, nil
}

// BlockedTables lists the tables of a resource a booking may not use.
func (s *Service) BlockedTables(ctx context.Context, resourceID, bookingID uuid.UUID) ([]uuid.UUID, error) {
	db := s.db.WithContext(ctx)
	var r domain.Resource
	if err := db.First(&r, "id = ?", resourceID).Error; err != nil {
		return nil, notFound(err, "resource %s", resourceID)
	}
	f, err := s.floorTx(db, &r, bookingID)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(f.blocked))
	for id := range f.blocked {
		out = append(out, uuid.MustParse(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *Service) Assignments(ctx context.Context, bookingID uuid.UUID) ([]domain.TableAssignment, error) {
	var out []domain.TableAssignment
	err := s.db.WithContext(ctx).Where("booking_id = ?", bookingID).Order("table_id").Find(&out).Error
	return out, err
}

// Move puts a single-table booking on another table. Joined assignments
// cannot be moved; they must be unassigned and reallocated.
func (s *Service) Move(ctx context.Context, bookingID, tableID uuid.UUID) (*domain.TableAssignment, error) {
	var out domain.TableAssignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := confirmedBookingTx(tx, bookingID)
		if err != nil {
			return err
		}
		r, err := ledger.LockResource(tx, b.ResourceID)
		if err != nil {
			return err
		}

		var current []domain.TableAssignment
		if err := tx.Where("booking_id = ?", b.ID).Find(&current).Error; err != nil {
			return err
		}
		if len(current) > 1 {
			return domain.Reject(domain.ReasonJoinedMove, "booking %s sits on %d joined tables", b.ID, len(current))
		}

		f, err := s.floorTx(tx, r, b.ID)
		if err != nil {
			return err
		}
		target, ok := f.byID[tableID]
		if !ok {
			return domain.Reject(domain.ReasonNotFound, "table %s", tableID)
		}
		if f.blocked[tableID.String()] {
			return domain.Reject(domain.ReasonNoAvailability, "table %s is not free", target.Label)
		}
		if target.Capacity < b.PartySize {
			return domain.Reject(domain.ReasonNoAvailability, "table %s seats %d, party is %d", target.Label, target.Capacity, b.PartySize)
		}

		if len(current) == 1 {
			if err := tx.Delete(&current[0]).Error; err != nil {
				return err
			}
		}
		out = domain.TableAssignment{BookingID: b.ID, ResourceID: r.ID, TableID: tableID}
		return tx.Create(&out).Error
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("booking_id", bookingID.String()).Str("table_id", tableID.String()).Msg("booking moved")
	return &out, nil
}

func (s *Service) Unassign(ctx context.Context, bookingID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := confirmedBookingTx(tx, bookingID)
		if err != nil {
			return err
		}
		if _, err := ledger.LockResource(tx, b.ResourceID); err != nil {
			return err
		}
		return s.ReleaseTx(ctx, tx, b.ID)
	})
}

// Reallocate drops a booking's tables and runs the solver again.
func (s *Service) Reallocate(ctx context.Context, bookingID uuid.UUID) ([]domain.TableAssignment, error) {
	var out []domain.TableAssignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := confirmedBookingTx(tx, bookingID)
		if err != nil {
			return err
		}
		if _, err := ledger.LockResource(tx, b.ResourceID); err != nil {
			return err
		}
		if err := s.ReleaseTx(ctx, tx, b.ID); err != nil {
			return err
		}
		out, err = s.AssignTx(ctx, tx, b)
		return err
	})
	return out, err
}

func confirmedBookingTx(tx *gorm.DB, id uuid.UUID) (*domain.Booking, error) {
	var b domain.Booking
	if err := tx.First(&b, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "booking %s", id)
	}
	if b.Status != domain.BookingConfirmed {
		return nil, domain.Reject(domain.ReasonInvalidTransition, "booking is %s", b.Status)
	}
	return &b, nil
}

type CreateTableRequest struct {
	ResourceID uuid.UUID `json:"resource_id" validate:"required"`
	Label      string    `json:"label" validate:"required,max=64"`
	Capacity   int       `json:"capacity" validate:"required,min=1,max=50"`
	Area       string    `json:"area" validate:"max=100"`
}

func (s *Service) CreateTable(ctx context.Context, req CreateTableRequest) (*domain.DiningTable, error) {
	db := s.db.WithContext(ctx)
	var r domain.Resource
	if err := db.First(&r, "id = ?", req.ResourceID).Error; err != nil {
		return nil, notFound(err, "resource %s", req.ResourceID)
	}
	if r.Unit != domain.UnitTableSlot {
		return nil, domain.Reject(domain.ReasonValidation, "resource %s is not sold by table", r.ID)
	}
	t := &domain.DiningTable{
		ResourceID: r.ID,
		Label:      strings.TrimSpace(req.Label),
		Capacity:   req.Capacity,
		Area:       strings.TrimSpace(req.Area),
	}
	if err := db.Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

// CreateLink declares two tables of the same resource joinable.
func (s *Service) CreateLink(ctx context.Context, resourceID, a, b uuid.UUID) (*domain.TableJoinLink, error) {
	if a == b {
		return nil, domain.Reject(domain.ReasonValidation, "a table cannot be linked to itself")
	}
	if b.String() < a.String() {
		a, b = b, a
	}
	db := s.db.WithContext(ctx)
	var n int64
	if err := db.Model(&domain.DiningTable{}).Where("resource_id = ? AND id IN ?", resourceID, []uuid.UUID{a, b}).Count(&n).Error; err != nil {
		return nil, err
	}
	if n != 2 {
		return nil, domain.Reject(domain.ReasonValidation, "both tables must belong to resource %s", resourceID)
	}
	l := &domain.TableJoinLink{ResourceID: resourceID, TableA: a, TableB: b}
	if err := db.Create(l).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, domain.Reject(domain.ReasonConflict, "tables are already linked")
		}
		return nil, err
	}
	return l, nil
}

type CreateBlockRequest struct {
	Area      string     `json:"area" validate:"required,max=100"`
	StartsAt  time.Time  `json:"starts_at" validate:"required"`
	EndsAt    time.Time  `json:"ends_at" validate:"required"`
	BookingID *uuid.UUID `json:"booking_id"`
	Reason    string     `json:"reason" validate:"max=500"`
}

func (s *Service) CreateBlock(ctx context.Context, req CreateBlockRequest) (*domain.AreaBlock, error) {
	if !req.EndsAt.After(req.StartsAt) {
		return nil, domain.Reject(domain.ReasonValidation, "block must end after it starts")
	}
	b := &domain.AreaBlock{
		Area:      strings.TrimSpace(req.Area),
		StartsAt:  req.StartsAt.UTC(),
		EndsAt:    req.EndsAt.UTC(),
		BookingID: req.BookingID,
		Reason:    req.Reason,
	}
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		return nil, err
	}
	s.log.Info().Str("area", b.Area).Time("starts_at", b.StartsAt).Time("ends_at", b.EndsAt).Msg("area blocked")
	return b, nil
}

func (s *Service) DeleteBlock(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.AreaBlock{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Reject(domain.ReasonNotFound, "block %s", id)
	}
	return nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Reject(domain.ReasonNotFound, format, args...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
