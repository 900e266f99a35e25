package holds

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"venuecore/internal/domain"
	"venuecore/internal/modules/ledger"
	"venuecore/internal/pkg/clock"
	"venuecore/internal/pkg/testdb"
)

var base = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type recordingHandler struct {
	expired []uuid.UUID
}

func (h *recordingHandler) OnHoldExpiredTx(ctx context.Context, tx *gorm.DB, hold *domain.Hold) error {
	h.expired = append(h.expired, hold.ID)
	return nil
}

type recordingListener struct {
	resources []uuid.UUID
}

func (l *recordingListener) OnCapacityReleased(ctx context.Context, resourceID uuid.UUID) error {
	l.resources = append(l.resources, resourceID)
	return nil
}

func setup(t *testing.T) (*Manager, *gorm.DB, *clock.Fake, *domain.Resource) {
	t.Helper()
	db := testdb.Open(t)
	clk := clock.NewFake(base)
	capacity := 6
	r := &domain.Resource{
		Name:     "Wine tasting",
		Capacity: &capacity,
		Kind:     domain.ResourceEvent,
		Unit:     domain.UnitSeats,
		StartsAt: base.Add(24 * time.Hour),
		EndsAt:   base.Add(26 * time.Hour),
	}
	require.NoError(t, db.Create(r).Error)
	m := NewManager(db, ledger.New(db, clk, zerolog.Nop()), clk, zerolog.Nop())
	return m, db, clk, r
}

func TestCreateHoldUsesTTL(t *testing.T) {
	m, _, _, r := setup(t)

	h, err := m.CreateHold(context.Background(), r.ID, 2, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, base.Add(15*time.Minute), h.ExpiresAt)
	assert.Equal(t, domain.HoldOwnerNone, h.OwnerKind)

	_, err = m.CreateHold(context.Background(), r.ID, 5, 15*time.Minute)
	assert.ErrorIs(t, err, domain.ErrNoAvailability)
}

func TestExpireDueRunsHandlersOncePerHold(t *testing.T) {
	m, db, clk, r := setup(t)
	ctx := context.Background()
	handler := &recordingHandler{}
	listener := &recordingListener{}
	m.Handle(domain.HoldOwnerBooking, handler)
	m.OnRelease(listener)

	owner := uuid.New()
	var short *domain.Hold
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		short, err = m.CreateHoldTx(ctx, tx, Request{
			ResourceID: r.ID, Units: 2, TTL: 10 * time.Minute,
			OwnerKind: domain.HoldOwnerBooking, OwnerID: &owner,
		})
		return err
	}))
	_, err := m.CreateHold(ctx, r.ID, 1, time.Hour)
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	expired, err := m.ExpireDue(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, short.ID, expired[0].Hold.ID)
	assert.Equal(t, []uuid.UUID{short.ID}, handler.expired)
	assert.Equal(t, []uuid.UUID{r.ID}, listener.resources)

	again, err := m.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, handler.expired, 1)
	assert.Len(t, listener.resources, 1)

	var stored domain.Hold
	require.NoError(t, db.First(&stored, "id = ?", short.ID).Error)
	assert.Equal(t, domain.HoldReleased, stored.Status)
	assert.Equal(t, ReasonExpired, stored.ReleaseReason)
}

func TestExpireDueSkipsHoldReleasedByCancellation(t *testing.T) {
	m, db, clk, r := setup(t)
	ctx := context.Background()
	handler := &recordingHandler{}
	m.Handle(domain.HoldOwnerNone, handler)

	h, err := m.CreateHold(ctx, r.ID, 2, time.Minute)
	require.NoError(t, err)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := m.ReleaseTx(ctx, tx, h.ID, "cancelled")
		return err
	}))

	clk.Advance(time.Hour)
	expired, err := m.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.Empty(t, handler.expired)
}
