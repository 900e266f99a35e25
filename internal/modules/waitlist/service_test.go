package waitlist

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
	"venuecore/internal/events"
	"venuecore/internal/modules/holds"
	"venuecore/internal/modules/ledger"
	"venuecore/internal/modules/notify"
	"venuecore/internal/modules/throttle"
	"venuecore/internal/modules/tokens"
	"venuecore/internal/pkg/clock"
	"venuecore/internal/pkg/quiethours"
	"venuecore/internal/pkg/testdb"
)

// 2026-07-01 12:00 UTC; quiet hours run 21:00-09:00 UTC.
var base = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

const window = 30 * time.Minute

type fakeIntake struct {
	ledger *ledger.Ledger
}

func (f *fakeIntake) CreateFromOfferTx(ctx context.Context, tx *gorm.DB, in OfferAcceptance) (*Accepted, error) {
	if _, err := f.ledger.ConsumeTx(ctx, tx, *in.Offer.HoldID); err != nil {
		return nil, err
	}
	b := &domain.Booking{
		ResourceID:    in.Resource.ID,
		PartySize:     in.Entry.PartySize,
		Status:        domain.BookingConfirmed,
		PaymentMode:   in.Entry.PaymentMode,
		CustomerPhone: in.Entry.CustomerPhone,
		SourceOfferID: &in.Offer.ID,
	}
	if err := tx.Create(b).Error; err != nil {
		return nil, err
	}
	return &Accepted{Booking: b, ManageToken: "manage"}, nil
}

type fixture struct {
	svc    *Service
	db     *gorm.DB
	clk    *clock.Fake
	holds  *holds.Manager
	outbox *notify.Outbox
	tokens *tokens.Service
	events *events.Recorder
	res    *domain.Resource
}

func setup(t *testing.T, capacity int, cutoff *time.Time) *fixture {
	t.Helper()
	db := testdb.Open(t)
	clk := clock.NewFake(base)
	log := zerolog.Nop()

	r := &domain.Resource{
		Name:     "Chef's table",
		Kind:     domain.ResourceEvent,
		Unit:     domain.UnitSeats,
		Capacity: &capacity,
		StartsAt: base.Add(48 * time.Hour),
		EndsAt:   base.Add(51 * time.Hour),
		CutoffAt: cutoff,
	}
	require.NoError(t, db.Create(r).Error)

	l := ledger.New(db, clk, log)
	hm := holds.NewManager(db, l, clk, log)
	gate := quiethours.MustNew(time.UTC, "21:00", "09:00")
	ob := notify.NewOutbox(db, gate, notify.LogSMSSender{Log: log}, notify.LogMailer{Log: log}, clk, notify.Options{}, log)
	tk, err := tokens.New(db, []byte("0123456789abcdef0123456789abcdef"), nil, clk, log)
	require.NoError(t, err)
	rec := &events.Recorder{}

	svc := NewService(Deps{
		DB:       db,
		Ledger:   l,
		Holds:    hm,
		Outbox:   ob,
		Composer: notify.NewComposer("https://venue.test", time.UTC),
		Tokens:   tk,
		Throttle: throttle.New(nil, throttle.Config{Capacity: 1000, FallbackCapacity: 1000}, clk, log),
		Events:   rec,
		Clock:    clk,
		Log:      log,
	}, Config{ResponseWindow: window, DefaultCountry: "US"})
	svc.SetIntake(&fakeIntake{ledger: l})
	hm.Handle(domain.HoldOwnerOffer, svc)
	hm.OnRelease(svc)
	ob.Hook(domain.PurposeWaitlistOffer, svc)

	return &fixture{svc: svc, db: db, clk: clk, holds: hm, outbox: ob, tokens: tk, events: rec, res: r}
}

func (f *fixture) fill(t *testing.T, units int) *domain.Hold {
	t.Helper()
	h, err := f.holds.CreateHold(context.Background(), f.res.ID, units, 24*time.Hour)
	require.NoError(t, err)
	return h
}

func (f *fixture) release(t *testing.T, h *domain.Hold) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.holds.ReleaseTx(ctx, tx, h.ID, "test")
		return err
	}))
	require.NoError(t, f.svc.OnCapacityReleased(ctx, f.res.ID))
}

func (f *fixture) enqueue(t *testing.T, party int, phone string) *Enqueued {
	t.Helper()
	out, err := f.svc.Enqueue(context.Background(), EnqueueRequest{
		ResourceID:    f.res.ID,
		PartySize:     party,
		CustomerName:  "Guest " + phone,
		CustomerPhone: phone,
		Caller:        "10.0.0.1",
	})
	require.NoError(t, err)
	f.clk.Advance(time.Second)
	return out
}

func (f *fixture) entry(t *testing.T, id uuid.UUID) domain.WaitlistEntry {
	t.Helper()
	var e domain.WaitlistEntry
	require.NoError(t, f.db.First(&e, "id = ?", id).Error)
	return e
}

func (f *fixture) offersFor(t *testing.T, entryID uuid.UUID) []domain.WaitlistOffer {
	t.Helper()
	var out []domain.WaitlistOffer
	require.NoError(t, f.db.Where("entry_id = ?", entryID).Order("created_at").Find(&out).Error)
	return out
}

func (f *fixture) claimToken(t *testing.T, o domain.WaitlistOffer) string {
	t.Helper()
	var raw string
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		iss, err := f.tokens.IssueTx(context.Background(), tx, domain.ScopeClaimOffer,
			tokens.Subject{EntryID: &o.EntryID, OfferID: &o.ID}, time.Time{})
		if err != nil {
			return err
		}
		raw = iss.Raw
		return nil
	}))
	return raw
}

func TestEnqueueWaitsWhileFull(t *testing.T) {
	f := setup(t, 4, nil)
	f.fill(t, 4)

	out := f.enqueue(t, 2, "+14155550101")
	assert.NotEmpty(t, out.ManageToken)
	assert.Equal(t, domain.WaitlistWaiting, f.entry(t, out.Entry.ID).Status)
	assert.Empty(t, f.offersFor(t, out.Entry.ID))

	var msgs []domain.OutboundMessage
	require.NoError(t, f.db.Find(&msgs).Error)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.PurposeWaitlistJoined, msgs[0].Purpose)
}

func TestEnqueueRejectsOversizedPartyAndClosedList(t *testing.T) {
	f := setup(t, 4, nil)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, EnqueueRequest{ResourceID: f.res.ID, PartySize: 5, CustomerPhone: "+14155550101"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.Enqueue(ctx, EnqueueRequest{ResourceID: f.res.ID, PartySize: 2})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.Enqueue(ctx, EnqueueRequest{ResourceID: f.res.ID, PartySize: 2, CustomerPhone: "not a number"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	f.clk.Set(f.res.StartsAt)
	_, err = f.svc.Enqueue(ctx, EnqueueRequest{ResourceID: f.res.ID, PartySize: 2, CustomerPhone: "+14155550101"})
	assert.ErrorIs(t, err, domain.ErrOutsideWindow)
}

func TestEnqueueWithFreeCapacityOffersImmediately(t *testing.T) {
	f := setup(t, 4, nil)

	out := f.enqueue(t, 2, "+14155550101")
	offers := f.offersFor(t, out.Entry.ID)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.OfferPendingSend, offers[0].Status)
	assert.Equal(t, domain.WaitlistOffered, f.entry(t, out.Entry.ID).Status)
}

func TestHeadOfLineBlocksSmallerParties(t *testing.T) {
	f := setup(t, 4, nil)
	h1 := f.fill(t, 2)
	h2 := f.fill(t, 2)
	a := f.enqueue(t, 3, "+14155550101")
	b := f.enqueue(t, 1, "+14155550102")

	f.release(t, h1)
	assert.Empty(t, f.offersFor(t, a.Entry.ID))
	assert.Empty(t, f.offersFor(t, b.Entry.ID), "a later entry must not jump the queue")

	f.release(t, h2)
	offersA := f.offersFor(t, a.Entry.ID)
	offersB := f.offersFor(t, b.Entry.ID)
	require.Len(t, offersA, 1)
	require.Len(t, offersB, 1)
	assert.True(t, offersA[0].ExpiresAt.Equal(offersA[0].ScheduledSendAt.Add(window)))

	var held int64
	require.NoError(t, f.db.Model(&domain.Hold{}).
		Where("resource_id = ? AND status = ?", f.res.ID, domain.HoldActive).
		Select("COALESCE(SUM(units), 0)").Scan(&held).Error)
	assert.EqualValues(t, 4, held)
	assert.Contains(t, f.events.Types(), events.OfferCreated)
}

func TestOfferWithoutResponseWindowExpiresImmediately(t *testing.T) {
	cutoff := base.Add(20 * time.Minute)
	f := setup(t, 4, &cutoff)
	h := f.fill(t, 4)
	a := f.enqueue(t, 2, "+14155550101")
	b := f.enqueue(t, 2, "+14155550102")

	f.release(t, h)
	for _, id := range []uuid.UUID{a.Entry.ID, b.Entry.ID} {
		offers := f.offersFor(t, id)
		require.Len(t, offers, 1)
		assert.Equal(t, domain.OfferExpired, offers[0].Status)
		assert.Equal(t, domain.OfferExpiredNoWindow, offers[0].ExpireReason)
		assert.Nil(t, offers[0].HoldID)
		assert.Equal(t, domain.WaitlistExpired, f.entry(t, id).Status)
	}
	assert.Contains(t, f.events.Types(), events.OfferExpired)
}

func TestQuietHoursShiftOfferExpiry(t *testing.T) {
	f := setup(t, 4, nil)
	h := f.fill(t, 4)
	a := f.enqueue(t, 2, "+14155550101")

	f.clk.Set(time.Date(2026, 7, 1, 23, 0, 0, 0, time.UTC))
	f.release(t, h)

	offers := f.offersFor(t, a.Entry.ID)
	require.Len(t, offers, 1)
	sendAt := time.Date(2026, 7, 2, 9, 0, 0, 0, time.UTC)
	assert.True(t, offers[0].ScheduledSendAt.Equal(sendAt), "got %s", offers[0].ScheduledSendAt)
	assert.True(t, offers[0].ExpiresAt.Equal(sendAt.Add(window)))

	var hold domain.Hold
	require.NoError(t, f.db.First(&hold, "id = ?", *offers[0].HoldID).Error)
	assert.True(t, hold.ExpiresAt.Equal(sendAt.Add(window)))
}

func TestAcceptOffer(t *testing.T) {
	f := setup(t, 4, nil)
	a := f.enqueue(t, 2, "+14155550101")
	offer := f.offersFor(t, a.Entry.ID)[0]
	raw := f.claimToken(t, offer)

	out, err := f.svc.AcceptOffer(context.Background(), AcceptRequest{Token: raw, Caller: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Booking.PartySize)

	got := f.offersFor(t, a.Entry.ID)[0]
	assert.Equal(t, domain.OfferAccepted, got.Status)
	require.NotNil(t, got.BookingID)
	assert.Equal(t, out.Booking.ID, *got.BookingID)
	assert.Equal(t, domain.WaitlistAccepted, f.entry(t, a.Entry.ID).Status)

	var r domain.Resource
	require.NoError(t, f.db.First(&r, "id = ?", f.res.ID).Error)
	assert.Equal(t, 2, r.Committed)

	_, err = f.svc.AcceptOffer(context.Background(), AcceptRequest{Token: raw})
	assert.ErrorIs(t, err, domain.ErrExpired)
}

func TestAcceptAfterExpiryRejected(t *testing.T) {
	f := setup(t, 4, nil)
	a := f.enqueue(t, 2, "+14155550101")
	offer := f.offersFor(t, a.Entry.ID)[0]
	raw := f.claimToken(t, offer)

	f.clk.Set(offer.ExpiresAt)
	_, err := f.svc.AcceptOffer(context.Background(), AcceptRequest{Token: raw})
	assert.ErrorIs(t, err, domain.ErrExpired)

	_, err = f.svc.AcceptOffer(context.Background(), AcceptRequest{Token: "not-a-token"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestWithdrawOfferedEntryPassesCapacityOn(t *testing.T) {
	f := setup(t, 4, nil)
	h := f.fill(t, 2)
	f.fill(t, 2)
	a := f.enqueue(t, 2, "+14155550101")
	b := f.enqueue(t, 2, "+14155550102")
	f.release(t, h)
	require.Len(t, f.offersFor(t, a.Entry.ID), 1)
	require.Empty(t, f.offersFor(t, b.Entry.ID))

	_, err := f.svc.Withdraw(context.Background(), WithdrawRequest{EntryID: a.Entry.ID, Token: b.ManageToken})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	got, err := f.svc.Withdraw(context.Background(), WithdrawRequest{EntryID: a.Entry.ID, Token: a.ManageToken})
	require.NoError(t, err)
	assert.Equal(t, domain.WaitlistWithdrawn, got.Status)

	offerA := f.offersFor(t, a.Entry.ID)[0]
	assert.Equal(t, domain.OfferExpired, offerA.Status)
	assert.Equal(t, domain.OfferExpiredWithdrawn, offerA.ExpireReason)
	var hold domain.Hold
	require.NoError(t, f.db.First(&hold, "id = ?", *offerA.HoldID).Error)
	assert.Equal(t, domain.HoldReleased, hold.Status)

	require.Len(t, f.offersFor(t, b.Entry.ID), 1)
	assert.Equal(t, domain.WaitlistOffered, f.entry(t, b.Entry.ID).Status)

	again, err := f.svc.Withdraw(context.Background(), WithdrawRequest{EntryID: a.Entry.ID, Token: a.ManageToken})
	require.NoError(t, err)
	assert.Equal(t, domain.WaitlistWithdrawn, again.Status)
}

func TestHoldExpiryExpiresOfferAndAdvances(t *testing.T) {
	f := setup(t, 4, nil)
	h := f.fill(t, 2)
	f.fill(t, 2)
	a := f.enqueue(t, 2, "+14155550101")
	b := f.enqueue(t, 2, "+14155550102")
	f.release(t, h)
	offerA := f.offersFor(t, a.Entry.ID)[0]

	f.clk.Set(offerA.ExpiresAt.Add(time.Second))
	expired, err := f.holds.ExpireDue(context.Background())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	offerA = f.offersFor(t, a.Entry.ID)[0]
	assert.Equal(t, domain.OfferExpired, offerA.Status)
	assert.Equal(t, domain.OfferExpiredTimeout, offerA.ExpireReason)
	assert.Equal(t, domain.WaitlistExpired, f.entry(t, a.Entry.ID).Status)

	offersB := f.offersFor(t, b.Entry.ID)
	require.Len(t, offersB, 1)
	assert.Equal(t, domain.OfferPendingSend, offersB[0].Status)
}

func TestExpireOffersReleasesLapsedHolds(t *testing.T) {
	f := setup(t, 4, nil)
	a := f.enqueue(t, 2, "+14155550101")
	offer := f.offersFor(t, a.Entry.ID)[0]

	f.clk.Set(offer.ExpiresAt)
	n, err := f.svc.ExpireOffers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.OfferExpired, f.offersFor(t, a.Entry.ID)[0].Status)

	n, err = f.svc.ExpireOffers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLateSendExtendsOffer(t *testing.T) {
	f := setup(t, 4, nil)
	a := f.enqueue(t, 2, "+14155550101")
	offer := f.offersFor(t, a.Entry.ID)[0]

	sentAt := offer.ScheduledSendAt.Add(10 * time.Minute)
	f.clk.Set(sentAt)
	sum, err := f.outbox.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Sent)

	got := f.offersFor(t, a.Entry.ID)[0]
	assert.Equal(t, domain.OfferSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.ExpiresAt.Equal(sentAt.Add(window)), "got %s", got.ExpiresAt)

	var hold domain.Hold
	require.NoError(t, f.db.First(&hold, "id = ?", *got.HoldID).Error)
	assert.True(t, hold.ExpiresAt.Equal(got.ExpiresAt))
}

func TestDeferredPastCutoffExpiresOffer(t *testing.T) {
	f := setup(t, 4, nil)
	a := f.enqueue(t, 2, "+14155550101")
	offer := f.offersFor(t, a.Entry.ID)[0]

	var msg domain.OutboundMessage
	require.NoError(t, f.db.First(&msg, "offer_id = ?", offer.ID).Error)
	sendAt := f.res.Cutoff().Add(-10 * time.Minute)
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.OnMessageDeferredTx(context.Background(), tx, &msg, sendAt)
	}))

	got := f.offersFor(t, a.Entry.ID)[0]
	assert.Equal(t, domain.OfferExpired, got.Status)
	assert.Equal(t, domain.OfferExpiredNoWindow, got.ExpireReason)
	require.NoError(t, f.db.First(&msg, "id = ?", msg.ID).Error)
	assert.Equal(t, domain.MessageCancelled, msg.Status)

	var hold domain.Hold
	require.NoError(t, f.db.First(&hold, "id = ?", *got.HoldID).Error)
	assert.Equal(t, domain.HoldReleased, hold.Status)
}

func TestDeferredWithinWindowMovesExpiry(t *testing.T) {
	f := setup(t, 4, nil)
	a := f.enqueue(t, 2, "+14155550101")
	offer := f.offersFor(t, a.Entry.ID)[0]

	var msg domain.OutboundMessage
	require.NoError(t, f.db.First(&msg, "offer_id = ?", offer.ID).Error)
	sendAt := offer.ScheduledSendAt.Add(time.Hour)
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.OnMessageDeferredTx(context.Background(), tx, &msg, sendAt)
	}))

	got := f.offersFor(t, a.Entry.ID)[0]
	assert.Equal(t, domain.OfferPendingSend, got.Status)
	assert.True(t, got.ScheduledSendAt.Equal(sendAt))
	assert.True(t, got.ExpiresAt.Equal(sendAt.Add(window)))
}

func TestExpireClosedEntriesAndAdvanceAll(t *testing.T) {
	f := setup(t, 4, nil)
	f.fill(t, 4)
	a := f.enqueue(t, 2, "+14155550101")

	require.NoError(t, f.db.Model(&domain.Resource{}).Where("id = ?", f.res.ID).
		Update("capacity", 6).Error)
	n, err := f.svc.AdvanceAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.offersFor(t, a.Entry.ID), 1)

	b := f.enqueue(t, 4, "+14155550102")
	f.clk.Set(f.res.Cutoff())
	closed, err := f.svc.ExpireClosedEntries(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, closed)
	assert.Equal(t, domain.WaitlistExpired, f.entry(t, b.Entry.ID).Status)
}
