package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"venuecore/internal/domain"
	"venuecore/internal/events"
	"venuecore/internal/modules/holds"
	"venuecore/internal/modules/idempotency"
	"venuecore/internal/modules/ledger"
	"venuecore/internal/modules/notify"
	"venuecore/internal/modules/tables"
	"venuecore/internal/modules/throttle"
	"venuecore/internal/modules/tokens"
	"venuecore/internal/modules/waitlist"
	"venuecore/internal/pkg/clock"
	"venuecore/internal/pkg/quiethours"
	"venuecore/internal/pkg/testdb"
)

var base = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type MockRefunder struct {
	mock.Mock
}

func (m *MockRefunder) RefundDeposit(ctx context.Context, bookingID uuid.UUID, reason string) error {
	args := m.Called(ctx, bookingID, reason)
	return args.Error(0)
}

type MockSeatPayments struct {
	mock.Mock
}

func (m *MockSeatPayments) StartSeatIncrease(ctx context.Context, b *domain.Booking, units int) (*domain.Payment, error) {
	args := m.Called(ctx, b.ID, units)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

type recordingListener struct {
	mu        sync.Mutex
	resources []uuid.UUID
}

func (l *recordingListener) OnCapacityReleased(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resources = append(l.resources, id)
	return nil
}

type recordingHook struct {
	closed []uuid.UUID
}

func (h *recordingHook) OnBookingClosedTx(_ context.Context, _ *gorm.DB, b *domain.Booking) error {
	h.closed = append(h.closed, b.ID)
	return nil
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	clk      *clock.Fake
	ledger   *ledger.Ledger
	tokens   *tokens.Service
	events   *events.Recorder
	listener *recordingListener
	hook     *recordingHook
	res      *domain.Resource
}

func setup(t *testing.T, capacity int) *fixture {
	t.Helper()
	db := testdb.Open(t)
	clk := clock.NewFake(base)
	log := zerolog.Nop()

	r := &domain.Resource{
		Name:     "Harvest dinner",
		Kind:     domain.ResourceEvent,
		Unit:     domain.UnitSeats,
		Capacity: &capacity,
		StartsAt: base.Add(48 * time.Hour),
		EndsAt:   base.Add(51 * time.Hour),
	}
	require.NoError(t, db.Create(r).Error)

	l := ledger.New(db, clk, log)
	tk, err := tokens.New(db, []byte("0123456789abcdef0123456789abcdef"), nil, clk, log)
	require.NoError(t, err)
	gate := quiethours.MustNew(time.UTC, "21:00", "09:00")
	rec := &events.Recorder{}

	svc := NewService(Deps{
		DB:       db,
		Ledger:   l,
		Holds:    holds.NewManager(db, l, clk, log),
		Tables:   tables.NewService(db, clk, 4, log),
		Outbox:   notify.NewOutbox(db, gate, notify.LogSMSSender{Log: log}, notify.LogMailer{Log: log}, clk, notify.Options{}, log),
		Composer: notify.NewComposer("https://venue.test", time.UTC),
		Tokens:   tk,
		Throttle: throttle.New(nil, throttle.Config{Capacity: 1000, FallbackCapacity: 1000}, clk, log),
		Guard:    idempotency.New(db, clk, idempotency.Options{Wait: 2 * time.Second, Poll: 5 * time.Millisecond}, log),
		Events:   rec,
		Clock:    clk,
		Log:      log,
	}, Config{HoldTTL: 15 * time.Minute, ReminderLead: 24 * time.Hour, DefaultCountry: "US"})

	listener := &recordingListener{}
	hook := &recordingHook{}
	svc.OnRelease(listener)
	svc.OnClose(hook)
	return &fixture{svc: svc, db: db, clk: clk, ledger: l, tokens: tk, events: rec, listener: listener, hook: hook, res: r}
}

func (f *fixture) request(party int, mode domain.PaymentMode) CreateRequest {
	return CreateRequest{
		ResourceID:    f.res.ID,
		PartySize:     party,
		PaymentMode:   mode,
		CustomerName:  "Ada Lovelace",
		CustomerPhone: "+1 415 555 0101",
	}
}

func (f *fixture) create(t *testing.T, party int, mode domain.PaymentMode) *Created {
	t.Helper()
	out, replayed, err := f.svc.Create(context.Background(), f.request(party, mode), "", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, replayed)
	return out
}

func (f *fixture) resource(t *testing.T) domain.Resource {
	t.Helper()
	var r domain.Resource
	require.NoError(t, f.db.First(&r, "id = ?", f.res.ID).Error)
	return r
}

func (f *fixture) booking(t *testing.T, id uuid.UUID) domain.Booking {
	t.Helper()
	var b domain.Booking
	require.NoError(t, f.db.First(&b, "id = ?", id).Error)
	return b
}

func (f *fixture) messages(t *testing.T, bookingID uuid.UUID) map[domain.MessagePurpose]domain.MessageStatus {
	t.Helper()
	var rows []domain.OutboundMessage
	require.NoError(t, f.db.Where("booking_id = ?", bookingID).Find(&rows).Error)
	out := map[domain.MessagePurpose]domain.MessageStatus{}
	for _, m := range rows {
		out[m.Purpose] = m.Status
	}
	return out
}

func TestCreateCashConfirms(t *testing.T) {
	f := setup(t, 10)

	out := f.create(t, 4, domain.PaymentCash)
	assert.Equal(t, domain.BookingConfirmed, out.Booking.Status)
	assert.NotEmpty(t, out.ManageToken)
	assert.Empty(t, out.PayToken)
	assert.NotEmpty(t, out.PreOrderToken)
	assert.Equal(t, "+14155550101", out.Booking.CustomerPhone)

	r := f.resource(t)
	assert.Equal(t, 4, r.Committed)
	var hold domain.Hold
	require.NoError(t, f.db.First(&hold, "id = ?", *out.Booking.HoldID).Error)
	assert.Equal(t, domain.HoldConsumed, hold.Status)

	history, err := f.svc.History(context.Background(), out.Booking.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.BookingPendingHold, history[0].To)
	assert.Equal(t, domain.BookingPendingHold, history[1].From)
	assert.Equal(t, domain.BookingConfirmed, history[1].To)

	msgs := f.messages(t, out.Booking.ID)
	assert.Equal(t, domain.MessagePending, msgs[domain.PurposeBookingConfirmation])
	assert.Equal(t, domain.MessagePending, msgs[domain.PurposeReminder])
	assert.Equal(t, []string{events.BookingConfirmed}, f.events.Types())

	var reminder domain.OutboundMessage
	require.NoError(t, f.db.Where("booking_id = ? AND purpose = ?", out.Booking.ID, domain.PurposeReminder).First(&reminder).Error)
	assert.Contains(t, reminder.Body, "/pre-order")
}

func TestCreateRejectsWhenFull(t *testing.T) {
	f := setup(t, 10)
	f.create(t, 4, domain.PaymentCash)

	_, _, err := f.svc.Create(context.Background(), f.request(7, domain.PaymentCash), "", "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrNoAvailability)

	var n int64
	require.NoError(t, f.db.Model(&domain.Booking{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestCreateValidates(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()

	req := f.request(0, domain.PaymentCash)
	_, _, err := f.svc.Create(ctx, req, "", "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	req = f.request(2, "voucher")
	_, _, err = f.svc.Create(ctx, req, "", "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	req = f.request(2, domain.PaymentCash)
	req.CustomerPhone = " "
	_, _, err = f.svc.Create(ctx, req, "", "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	req = f.request(2, domain.PaymentCash)
	req.CustomerPhone = "call me"
	_, _, err = f.svc.Create(ctx, req, "", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Zero(t, f.resource(t).Committed)
}

func TestCreatePrepaidAwaitsPayment(t *testing.T) {
	f := setup(t, 10)

	out := f.create(t, 2, domain.PaymentPrepaid)
	assert.Equal(t, domain.BookingPendingPayment, out.Booking.Status)
	assert.NotEmpty(t, out.PayToken)
	require.NotNil(t, out.HoldExpiresAt)
	assert.True(t, out.HoldExpiresAt.Equal(base.Add(15*time.Minute)))
	assert.Zero(t, f.resource(t).Committed)

	msgs := f.messages(t, out.Booking.ID)
	assert.Equal(t, domain.MessagePending, msgs[domain.PurposePaymentRequest])
	assert.Empty(t, f.events.Types())
}

func TestCreateIsIdempotent(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()

	first, replayed, err := f.svc.Create(ctx, f.request(3, domain.PaymentCash), "key-1", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, replayed)

	retry := f.request(3, domain.PaymentCash)
	retry.CustomerPhone = "(415) 555-0101"
	second, replayed, err := f.svc.Create(ctx, retry, "key-1", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.Booking.ID, second.Booking.ID)
	assert.Equal(t, first.ManageToken, second.ManageToken)
	assert.Equal(t, 3, f.resource(t).Committed)

	_, _, err = f.svc.Create(ctx, f.request(4, domain.PaymentCash), "key-1", "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCreateConcurrentDuplicatesMakeOneBooking(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 2)
	errs := make([]error, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, _, err := f.svc.Create(ctx, f.request(2, domain.PaymentCash), "same-key", "10.0.0.1")
			errs[i] = err
			if err == nil {
				ids[i] = out.Booking.ID
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, ids[0], ids[1])
	var n int64
	require.NoError(t, f.db.Model(&domain.Booking{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestExpireDueReleasesHold(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()
	out := f.create(t, 2, domain.PaymentPrepaid)

	expired, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	f.clk.Advance(16 * time.Minute)
	expired, err = f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	b := f.booking(t, out.Booking.ID)
	assert.Equal(t, domain.BookingExpired, b.Status)
	require.NotNil(t, b.ExpiredAt)
	var hold domain.Hold
	require.NoError(t, f.db.First(&hold, "id = ?", *b.HoldID).Error)
	assert.Equal(t, domain.HoldReleased, hold.Status)

	assert.Equal(t, domain.MessageCancelled, f.messages(t, b.ID)[domain.PurposePaymentRequest])
	_, err = f.tokens.Verify(ctx, domain.ScopePay, out.PayToken)
	assert.ErrorIs(t, err, domain.ErrExpired)
	assert.Equal(t, []uuid.UUID{f.res.ID}, f.listener.resources)
	assert.Equal(t, []uuid.UUID{b.ID}, f.hook.closed)
	assert.Contains(t, f.events.Types(), events.BookingExpired)

	again, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestOnHoldExpiredExpiresBooking(t *testing.T) {
	f := setup(t, 10)
	out := f.create(t, 2, domain.PaymentCardCapture)

	f.clk.Advance(16 * time.Minute)
	l := ledger.New(f.db, f.clk, zerolog.Nop())
	m := holds.NewManager(f.db, l, f.clk, zerolog.Nop())
	m.Handle(domain.HoldOwnerBooking, f.svc)
	expired, err := m.ExpireDue(context.Background())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	assert.Equal(t, domain.BookingExpired, f.booking(t, out.Booking.ID).Status)
}

func TestConfirmAfterPayment(t *testing.T) {
	f := setup(t, 10)
	out := f.create(t, 2, domain.PaymentPrepaid)

	b, err := f.svc.Confirm(context.Background(), out.Booking.ID, ReasonPaid)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, b.Status)
	assert.Nil(t, b.HoldExpiresAt)
	assert.Equal(t, 2, f.resource(t).Committed)

	msgs := f.messages(t, b.ID)
	assert.Equal(t, domain.MessageCancelled, msgs[domain.PurposePaymentRequest])
	assert.Equal(t, domain.MessagePending, msgs[domain.PurposeBookingConfirmation])

	again, err := f.svc.Confirm(context.Background(), out.Booking.ID, ReasonPaid)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, again.Status)
	assert.Equal(t, 2, f.resource(t).Committed)
}

func TestConfirmExpiredBookingRejected(t *testing.T) {
	f := setup(t, 10)
	out := f.create(t, 2, domain.PaymentPrepaid)
	f.clk.Advance(16 * time.Minute)
	_, err := f.svc.ExpireDue(context.Background())
	require.NoError(t, err)

	_, err = f.svc.Confirm(context.Background(), out.Booking.ID, ReasonPaid)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelConfirmedReturnsCapacity(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()
	out := f.create(t, 4, domain.PaymentCash)

	other := f.create(t, 1, domain.PaymentCash)
	_, err := f.svc.Cancel(ctx, CancelRequest{BookingID: out.Booking.ID, Token: other.ManageToken})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	b, err := f.svc.Cancel(ctx, CancelRequest{BookingID: out.Booking.ID, Token: out.ManageToken, Reason: "plans changed"})
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, b.Status)
	assert.Equal(t, "cancelled by guest: plans changed", b.StatusReason)
	assert.Equal(t, 1, f.resource(t).Committed)

	msgs := f.messages(t, b.ID)
	assert.Equal(t, domain.MessageCancelled, msgs[domain.PurposeReminder])
	assert.Equal(t, []uuid.UUID{f.res.ID}, f.listener.resources)

	again, err := f.svc.Cancel(ctx, CancelRequest{BookingID: out.Booking.ID, Token: out.ManageToken})
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, again.Status)
	assert.Equal(t, 1, f.resource(t).Committed)
	assert.Len(t, f.listener.resources, 1)
}

func TestCancelAndExpiryAreExclusive(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()
	out := f.create(t, 2, domain.PaymentPrepaid)

	_, err := f.svc.Cancel(ctx, CancelRequest{BookingID: out.Booking.ID, Token: out.ManageToken})
	require.NoError(t, err)

	f.clk.Advance(16 * time.Minute)
	expired, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.Equal(t, domain.BookingCancelled, f.booking(t, out.Booking.ID).Status)

	late := f.create(t, 2, domain.PaymentPrepaid)
	f.clk.Advance(16 * time.Minute)
	_, err = f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, CancelRequest{BookingID: late.Booking.ID, Token: late.ManageToken})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelPrepaidRefunds(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()
	refunder := new(MockRefunder)
	f.svc.SetRefunder(refunder)

	out := f.create(t, 2, domain.PaymentPrepaid)
	_, err := f.svc.Confirm(ctx, out.Booking.ID, ReasonPaid)
	require.NoError(t, err)

	refunder.On("RefundDeposit", mock.Anything, out.Booking.ID, ReasonGuestCancel).Return(nil).Once()
	_, err = f.svc.Cancel(ctx, CancelRequest{BookingID: out.Booking.ID, Token: out.ManageToken})
	require.NoError(t, err)
	refunder.AssertExpectations(t)
}

func TestChangePartySize(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()
	out := f.create(t, 4, domain.PaymentCash)

	grown, err := f.svc.ChangePartySize(ctx, PartySizeRequest{BookingID: out.Booking.ID, Token: out.ManageToken, PartySize: 6})
	require.NoError(t, err)
	assert.Equal(t, 6, grown.Booking.PartySize)
	assert.Equal(t, 6, f.resource(t).Committed)
	assert.Empty(t, f.listener.resources)

	_, err = f.svc.ChangePartySize(ctx, PartySizeRequest{BookingID: out.Booking.ID, Token: out.ManageToken, PartySize: 11})
	assert.ErrorIs(t, err, domain.ErrNoAvailability)

	shrunk, err := f.svc.ChangePartySize(ctx, PartySizeRequest{BookingID: out.Booking.ID, Token: out.ManageToken, PartySize: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, shrunk.Booking.PartySize)
	assert.Equal(t, 2, f.resource(t).Committed)
	assert.Equal(t, []uuid.UUID{f.res.ID}, f.listener.resources)

	history, err := f.svc.History(ctx, out.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, "party size 6 -> 2", history[len(history)-1].Reason)
}

func TestChangePartySizePrepaidStartsCheckout(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()
	seats := new(MockSeatPayments)
	f.svc.SetSeatPayments(seats)

	out := f.create(t, 2, domain.PaymentPrepaid)
	_, err := f.svc.Confirm(ctx, out.Booking.ID, ReasonPaid)
	require.NoError(t, err)

	p := &domain.Payment{Kind: domain.PaymentSeatIncrease, Units: 3, SessionURL: "https://pay.test/s"}
	seats.On("StartSeatIncrease", mock.Anything, out.Booking.ID, 3).Return(p, nil).Once()

	change, err := f.svc.ChangePartySize(ctx, PartySizeRequest{BookingID: out.Booking.ID, Token: out.ManageToken, PartySize: 5})
	require.NoError(t, err)
	assert.Same(t, p, change.Payment)
	assert.Equal(t, 2, f.booking(t, out.Booking.ID).PartySize, "seats apply only once paid")
	seats.AssertExpectations(t)

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, f.ledger.CommitTx(ctx, tx, f.res.ID, 3))
		_, err := f.svc.ApplySeatIncreaseTx(ctx, tx, out.Booking.ID, 3)
		return err
	}))
	assert.Equal(t, 5, f.booking(t, out.Booking.ID).PartySize)
}

func TestChangePartySizeNeedsConfirmedBooking(t *testing.T) {
	f := setup(t, 10)
	out := f.create(t, 2, domain.PaymentPrepaid)

	_, err := f.svc.ChangePartySize(context.Background(), PartySizeRequest{BookingID: out.Booking.ID, Token: out.ManageToken, PartySize: 3})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCreateFromOffer(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()

	accept := func(mode domain.PaymentMode) *waitlist.Accepted {
		var out *waitlist.Accepted
		require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
			offerID := uuid.New()
			h, err := f.ledger.ReserveTx(ctx, tx, ledger.ReserveRequest{
				ResourceID: f.res.ID, Units: 3, ExpiresAt: base.Add(time.Hour),
				OwnerKind: domain.HoldOwnerOffer, OwnerID: &offerID,
			})
			if err != nil {
				return err
			}
			entry := &domain.WaitlistEntry{ID: uuid.New(), ResourceID: f.res.ID, PartySize: 3, PaymentMode: mode, CustomerPhone: "+14155550109"}
			offer := &domain.WaitlistOffer{ID: offerID, EntryID: entry.ID, ResourceID: f.res.ID, HoldID: &h.ID}
			out, err = f.svc.CreateFromOfferTx(ctx, tx, waitlist.OfferAcceptance{Entry: entry, Offer: offer, Resource: f.res})
			return err
		}))
		return out
	}

	cash := accept(domain.PaymentCash)
	assert.Equal(t, domain.BookingConfirmed, cash.Booking.Status)
	require.NotNil(t, cash.Booking.SourceOfferID)
	assert.Equal(t, 3, f.resource(t).Committed)
	var hold domain.Hold
	require.NoError(t, f.db.First(&hold, "id = ?", *cash.Booking.HoldID).Error)
	assert.Equal(t, domain.HoldOwnerBooking, hold.OwnerKind)
	assert.Equal(t, cash.Booking.ID, *hold.OwnerID)

	prepaid := accept(domain.PaymentPrepaid)
	assert.Equal(t, domain.BookingPendingPayment, prepaid.Booking.Status)
	assert.NotEmpty(t, prepaid.PayToken)
}

func TestTableBookingAssignsTables(t *testing.T) {
	f := setup(t, 20)
	require.NoError(t, f.db.Model(&domain.Resource{}).Where("id = ?", f.res.ID).
		Updates(map[string]any{"unit": domain.UnitTableSlot, "kind": domain.ResourceTablePool}).Error)
	for _, c := range []int{2, 4} {
		require.NoError(t, f.db.Create(&domain.DiningTable{ResourceID: f.res.ID, Label: "t", Capacity: c, Area: "hall"}).Error)
	}

	out := f.create(t, 3, domain.PaymentCash)
	require.Len(t, out.Tables, 1)

	_, _, err := f.svc.Create(context.Background(), f.request(4, domain.PaymentCash), "", "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrNoAvailability)
	assert.Equal(t, 3, f.resource(t).Committed)

	var active int64
	require.NoError(t, f.db.Model(&domain.Hold{}).Where("status = ?", domain.HoldActive).Count(&active).Error)
	assert.Zero(t, active)
}

func TestGetRequiresManageToken(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()
	out := f.create(t, 2, domain.PaymentCash)

	v, err := f.svc.Get(ctx, out.Booking.ID, out.ManageToken, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, out.Booking.ID, v.Booking.ID)

	_, err = f.svc.Get(ctx, out.Booking.ID, "bogus", "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
