// Package ledger owns the committed and held counters of a resource. Every
// mutation runs inside a caller-supplied transaction that holds the
// resource row lock.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"venuecore/internal/domain"
	"venuecore/internal/pkg/clock"
)

type Ledger struct {
	db    *gorm.DB
	clock clock.Clock
	log   zerolog.Logger
}

func New(db *gorm.DB, clk clock.Clock, log zerolog.Logger) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Ledger{db: db, clock: clk, log: log.With().Str("component", "ledger").Logger()}
}

type ReserveRequest struct {
	ResourceID uuid.UUID
	Units      int
	ExpiresAt  time.Time
	OwnerKind  domain.HoldOwner
	OwnerID    *uuid.UUID
}

type Availability struct {
	ResourceID uuid.UUID `json:"resource_id"`
	Capacity   *int      `json:"capacity"`
	Committed  int       `json:"committed"`
	Held       int       `json:"held"`
	Remaining  int       `json:"remaining"`
	Unlimited  bool      `json:"unlimited"`
}

// LockResource takes the resource row lock for the rest of tx. The version
// bump makes the lock effective on engines without SELECT ... FOR UPDATE.
func LockResource(tx *gorm.DB, id uuid.UUID) (*domain.Resource, error) {
	res := tx.Model(&domain.Resource{}).Where("id = ?", id).UpdateColumn("version", gorm.Expr("version + 1"))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.Reject(domain.ReasonNotFound, "resource %s", id)
	}
	var r domain.Resource
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// HeldUnitsTx sums active holds that have not passed their expiry.
func HeldUnitsTx(tx *gorm.DB, resourceID uuid.UUID, now time.Time, exclude *uuid.UUID) (int, error) {
	q := tx.Model(&domain.Hold{}).
		Where("resource_id = ? AND status = ? AND expires_at > ?", resourceID, domain.HoldActive, now)
	if exclude != nil {
		q = q.Where("id <> ?", *exclude)
	}
	var held int64
	if err := q.Select("COALESCE(SUM(units), 0)").Scan(&held).Error; err != nil {
		return 0, err
	}
	return int(held), nil
}

// ReserveTx checks the service window, area blocks and capacity, then
// inserts an active hold. The resource stays locked until tx ends.
func (l *Ledger) ReserveTx(ctx context.Context, tx *gorm.DB, req ReserveRequest) (*domain.Hold, error) {
	if req.Units <= 0 {
		return nil, domain.Reject(domain.ReasonValidation, "units must be positive")
	}
	r, err := LockResource(tx, req.ResourceID)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()

	if r.BookingOpensAt != nil && now.Before(*r.BookingOpensAt) {
		return nil, domain.Reject(domain.ReasonOutsideWindow, "bookings open at %s", r.BookingOpensAt.Format(time.RFC3339))
	}
	if !now.Before(r.Cutoff()) {
		return nil, domain.Reject(domain.ReasonOutsideWindow, "bookings closed at %s", r.Cutoff().Format(time.RFC3339))
	}
	if r.Area != "" {
		blocked, err := areaBlockedTx(tx, r)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, domain.Reject(domain.ReasonPrivateBlocked, "area %q is reserved", r.Area)
		}
	}
	if err := checkCapacityTx(tx, r, req.Units, now, nil); err != nil {
		return nil, err
	}

	expires := req.ExpiresAt
	if !expires.After(now) {
		return nil, domain.Reject(domain.ReasonValidation, "hold expiry must be in the future")
	}
	owner := req.OwnerKind
	if owner == "" {
		owner = domain.HoldOwnerNone
	}
	h := &domain.Hold{
		ResourceID: r.ID,
		Units:      req.Units,
		Status:     domain.HoldActive,
		OwnerKind:  owner,
		OwnerID:    req.OwnerID,
		ExpiresAt:  expires,
	}
	if err := tx.Create(h).Error; err != nil {
		return nil, err
	}
	l.log.Debug().
		Str("resource_id", r.ID.String()).
		Str("hold_id", h.ID.String()).
		Int("units", h.Units).
		Time("expires_at", h.ExpiresAt).
		Msg("capacity reserved")
	return h, nil
}

// ReleaseTx returns a hold's units to the pool. Releasing a hold that is
// already released or consumed is a no-op and reports false.
func (l *Ledger) ReleaseTx(ctx context.Context, tx *gorm.DB, holdID uuid.UUID, reason string) (bool, error) {
	var h domain.Hold
	if err := tx.Where("id = ?", holdID).First(&h).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if h.Status != domain.HoldActive {
		return false, nil
	}
	if _, err := LockResource(tx, h.ResourceID); err != nil {
		return false, err
	}
	now := l.clock.Now()
	res := tx.Model(&domain.Hold{}).
		Where("id = ? AND status = ?", holdID, domain.HoldActive).
		Updates(map[string]any{
			"status":         domain.HoldReleased,
			"released_at":    now,
			"release_reason": reason,
			"updated_at":     now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		l.log.Debug().Str("hold_id", holdID.String()).Str("reason", reason).Msg("hold released")
	}
	return res.RowsAffected == 1, nil
}

// ConsumeTx turns a hold into committed units. A hold whose expiry passed
// before the sweep reached it may still be consumed if the units are free.
func (l *Ledger) ConsumeTx(ctx context.Context, tx *gorm.DB, holdID uuid.UUID) (*domain.Hold, error) {
	var h domain.Hold
	if err := tx.Where("id = ?", holdID).First(&h).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.Reject(domain.ReasonNotFound, "hold %s", holdID)
		}
		return nil, err
	}
	r, err := LockResource(tx, h.ResourceID)
	if err != nil {
		return nil, err
	}
	if err := tx.Where("id = ?", holdID).First(&h).Error; err != nil {
		return nil, err
	}
	if h.Status != domain.HoldActive {
		return nil, domain.Reject(domain.ReasonExpired, "hold %s is %s", h.ID, h.Status)
	}
	now := l.clock.Now()
	if !now.Before(h.ExpiresAt) {
		if err := checkCapacityTx(tx, r, h.Units, now, &h.ID); err != nil {
			return nil, domain.Reject(domain.ReasonExpired, "hold %s lapsed and its units were taken", h.ID)
		}
	}

	res := tx.Model(&domain.Hold{}).
		Where("id = ? AND status = ?", h.ID, domain.HoldActive).
		Updates(map[string]any{"status": domain.HoldConsumed, "consumed_at": now, "updated_at": now})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.Reject(domain.ReasonExpired, "hold %s already settled", h.ID)
	}
	if err := tx.Model(&domain.Resource{}).Where("id = ?", r.ID).
		UpdateColumn("committed", gorm.Expr("committed + ?", h.Units)).Error; err != nil {
		return nil, err
	}
	h.Status = domain.HoldConsumed
	h.ConsumedAt = &now
	return &h, nil
}

// ExtendTx moves an active hold's expiry. Only active holds are touched.
func (l *Ledger) ExtendTx(ctx context.Context, tx *gorm.DB, holdID uuid.UUID, expiresAt time.Time) error {
	res := tx.Model(&domain.Hold{}).
		Where("id = ? AND status = ?", holdID, domain.HoldActive).
		Updates(map[string]any{"expires_at": expiresAt, "updated_at": l.clock.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Reject(domain.ReasonExpired, "hold %s is no longer active", holdID)
	}
	return nil
}

// ReassignTx hands an active hold to a new owner.
func (l *Ledger) ReassignTx(ctx context.Context, tx *gorm.DB, holdID uuid.UUID, owner domain.HoldOwner, ownerID uuid.UUID, expiresAt time.Time) error {
	res := tx.Model(&domain.Hold{}).
		Where("id = ? AND status = ?", holdID, domain.HoldActive).
		Updates(map[string]any{
			"owner_kind": owner,
			"owner_id":   ownerID,
			"expires_at": expiresAt,
			"updated_at": l.clock.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Reject(domain.ReasonExpired, "hold %s is no longer active", holdID)
	}
	return nil
}

// CommitTx reserves and consumes units in one step, for changes to an
// already confirmed booking.
func (l *Ledger) CommitTx(ctx context.Context, tx *gorm.DB, resourceID uuid.UUID, units int) error {
	if units <= 0 {
		return domain.Reject(domain.ReasonValidation, "units must be positive")
	}
	r, err := LockResource(tx, resourceID)
	if err != nil {
		return err
	}
	if err := checkCapacityTx(tx, r, units, l.clock.Now(), nil); err != nil {
		return err
	}
	return tx.Model(&domain.Resource{}).Where("id = ?", r.ID).
		UpdateColumn("committed", gorm.Expr("committed + ?", units)).Error
}

// ReturnCommittedTx gives back units of a confirmed booking.
func (l *Ledger) ReturnCommittedTx(ctx context.Context, tx *gorm.DB, resourceID uuid.UUID, units int) error {
	if units <= 0 {
		return nil
	}
	r, err := LockResource(tx, resourceID)
	if err != nil {
		return err
	}
	if r.Committed < units {
		l.log.Error().
			Str("resource_id", r.ID.String()).
			Int("committed", r.Committed).
			Int("units", units).
			Msg("returning more units than committed")
		units = r.Committed
	}
	return tx.Model(&domain.Resource{}).Where("id = ?", r.ID).
		UpdateColumn("committed", gorm.Expr("committed - ?", units)).Error
}

// RemainingTx reports free units for an already locked resource, -1 when
// the resource is unlimited.
func (l *Ledger) RemainingTx(tx *gorm.DB, r *domain.Resource) (int, error) {
	if r.Unlimited() {
		return -1, nil
	}
	held, err := HeldUnitsTx(tx, r.ID, l.clock.Now(), nil)
	if err != nil {
		return 0, err
	}
	return r.Remaining(held), nil
}

func (l *Ledger) Availability(ctx context.Context, resourceID uuid.UUID) (*Availability, error) {
	db := l.db.WithContext(ctx)
	var r domain.Resource
	if err := db.Where("id = ?", resourceID).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.Reject(domain.ReasonNotFound, "resource %s", resourceID)
		}
		return nil, err
	}
	held, err := HeldUnitsTx(db, r.ID, l.clock.Now(), nil)
	if err != nil {
		return nil, err
	}
	return &Availability{
		ResourceID: r.ID,
		Capacity:   r.Capacity,
		Committed:  r.Committed,
		Held:       held,
		Remaining:  r.Remaining(held),
		Unlimited:  r.Unlimited(),
	}, nil
}

func checkCapacityTx(tx *gorm.DB, r *domain.Resource, units int, now time.Time, exclude *uuid.UUID) error {
	if r.Unlimited() {
		return nil
	}
	held, err := HeldUnitsTx(tx, r.ID, now, exclude)
	if err != nil {
		return err
	}
	if r.Committed+held+units > *r.Capacity {
		return domain.Reject(domain.ReasonNoAvailability, "%d requested, %d remaining", units, r.Remaining(held))
	}
	return nil
}

func areaBlockedTx(tx *gorm.DB, r *domain.Resource) (bool, error) {
	var n int64
	err := tx.Model(&domain.AreaBlock{}).
		Where("area = ? AND starts_at < ? AND ends_at > ?", r.Area, r.EndsAt, r.StartsAt).
		Count(&n).Error
	return n > 0, err
}
