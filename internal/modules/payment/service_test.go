package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"venuecore/internal/domain"
	"venuecore/internal/events"
	"venuecore/internal/modules/booking"
	"venuecore/internal/modules/holds"
	"venuecore/internal/modules/idempotency"
	"venuecore/internal/modules/ledger"
	"venuecore/internal/modules/notify"
	"venuecore/internal/modules/tables"
	"venuecore/internal/modules/throttle"
	"venuecore/internal/modules/tokens"
	"venuecore/internal/pkg/clock"
	"venuecore/internal/pkg/quiethours"
	"venuecore/internal/pkg/testdb"
)

var (
	base          = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	webhookSecret = []byte("whsec_test_0123456789")
)

type fakeProcessor struct {
	mu           sync.Mutex
	checkouts    []CheckoutParams
	setups       []SetupParams
	charges      []ChargeParams
	refunds      []RefundParams
	checkoutErr  error
	setupErr     error
	chargeResult *ChargeResult
}

func (p *fakeProcessor) CreateCheckoutSession(_ context.Context, in CheckoutParams) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkouts = append(p.checkouts, in)
	if p.checkoutErr != nil {
		return nil, p.checkoutErr
	}
	return &Session{Ref: "cs_" + in.IdempotencyKey, URL: "https://pay.test/" + in.IdempotencyKey}, nil
}

func (p *fakeProcessor) CreateSetupSession(_ context.Context, in SetupParams) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setups = append(p.setups, in)
	if p.setupErr != nil {
		return nil, p.setupErr
	}
	return &Session{Ref: "seti_" + in.IdempotencyKey, URL: "https://pay.test/setup"}, nil
}

func (p *fakeProcessor) ChargeOffSession(_ context.Context, in ChargeParams) (*ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charges = append(p.charges, in)
	if p.chargeResult != nil {
		return p.chargeResult, nil
	}
	return &ChargeResult{Ref: "ch_" + in.IdempotencyKey, Succeeded: true}, nil
}

func (p *fakeProcessor) Refund(_ context.Context, in RefundParams) (*RefundResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, in)
	return &RefundResult{Ref: "re_" + in.IdempotencyKey}, nil
}

type recordingListener struct {
	resources []uuid.UUID
}

func (l *recordingListener) OnCapacityReleased(_ context.Context, id uuid.UUID) error {
	l.resources = append(l.resources, id)
	return nil
}

type fixture struct {
	svc       *Service
	bookings  *booking.Service
	holds     *holds.Manager
	ledger    *ledger.Ledger
	db        *gorm.DB
	clk       *clock.Fake
	processor *fakeProcessor
	events    *events.Recorder
	listener  *recordingListener
	res       *domain.Resource
}

func setup(t *testing.T, capacity int) *fixture {
	t.Helper()
	db := testdb.Open(t)
	clk := clock.NewFake(base)
	log := zerolog.Nop()

	r := &domain.Resource{
		Name:         "Harvest dinner",
		Kind:         domain.ResourceEvent,
		Unit:         domain.UnitSeats,
		Capacity:     &capacity,
		PricePerUnit: 2500,
		StartsAt:     base.Add(48 * time.Hour),
		EndsAt:       base.Add(51 * time.Hour),
	}
	require.NoError(t, db.Create(r).Error)

	l := ledger.New(db, clk, log)
	hm := holds.NewManager(db, l, clk, log)
	tk, err := tokens.New(db, []byte("0123456789abcdef0123456789abcdef"), nil, clk, log)
	require.NoError(t, err)
	gate := quiethours.MustNew(time.UTC, "21:00", "09:00")
	outbox := notify.NewOutbox(db, gate, notify.LogSMSSender{Log: log}, notify.LogMailer{Log: log}, clk, notify.Options{}, log)
	composer := notify.NewComposer("https://venue.test", time.UTC)
	limiter := throttle.New(nil, throttle.Config{Capacity: 1000, FallbackCapacity: 1000}, clk, log)
	rec := &events.Recorder{}

	bookings := booking.NewService(booking.Deps{
		DB:       db,
		Ledger:   l,
		Holds:    hm,
		Tables:   tables.NewService(db, clk, 4, log),
		Outbox:   outbox,
		Composer: composer,
		Tokens:   tk,
		Throttle: limiter,
		Guard:    idempotency.New(db, clk, idempotency.Options{}, log),
		Events:   rec,
		Clock:    clk,
		Log:      log,
	}, booking.Config{DefaultCountry: "US"})
	listener := &recordingListener{}
	bookings.OnRelease(listener)

	proc := &fakeProcessor{}
	svc := NewService(Deps{
		DB:        db,
		Ledger:    l,
		Holds:     hm,
		Bookings:  bookings,
		Outbox:    outbox,
		Composer:  composer,
		Tokens:    tk,
		Throttle:  limiter,
		Processor: proc,
		Events:    rec,
		Clock:     clk,
		Log:       log,
	}, Config{
		Currency:      "USD",
		CheckoutTTL:   30 * time.Minute,
		FeesPerHead:   map[domain.ChargeKind]int64{domain.ChargeNoShow: 2000, domain.ChargeLateCancellation: 1500},
		OperatorEmail: "ops@venue.test",
		WebhookSecret: webhookSecret,
		PreOrderMenu:  map[string]int64{"wine": 3000, "cake": 1200},
	})
	svc.Attach()

	return &fixture{
		svc:       svc,
		bookings:  bookings,
		holds:     hm,
		ledger:    l,
		db:        db,
		clk:       clk,
		processor: proc,
		events:    rec,
		listener:  listener,
		res:       r,
	}
}

func (f *fixture) create(t *testing.T, party int, mode domain.PaymentMode) *booking.Created {
	t.Helper()
	out, _, err := f.bookings.Create(context.Background(), booking.CreateRequest{
		ResourceID:    f.res.ID,
		PartySize:     party,
		PaymentMode:   mode,
		CustomerName:  "Grace Hopper",
		CustomerPhone: "+1 415 555 0102",
		CustomerEmail: "grace@example.com",
	}, "", "10.0.0.1")
	require.NoError(t, err)
	return out
}

func (f *fixture) webhook(ev WebhookEvent) error {
	body, _ := json.Marshal(ev)
	return f.svc.OnWebhook(context.Background(), Sign(webhookSecret, f.clk.Now(), body), body, "10.0.0.9")
}

func (f *fixture) booking(t *testing.T, id uuid.UUID) domain.Booking {
	t.Helper()
	var b domain.Booking
	require.NoError(t, f.db.First(&b, "id = ?", id).Error)
	return b
}

func (f *fixture) payment(t *testing.T, id uuid.UUID) domain.Payment {
	t.Helper()
	var p domain.Payment
	require.NoError(t, f.db.First(&p, "id = ?", id).Error)
	return p
}

func (f *fixture) committed(t *testing.T) int {
	t.Helper()
	var r domain.Resource
	require.NoError(t, f.db.First(&r, "id = ?", f.res.ID).Error)
	return r.Committed
}

func (f *fixture) remaining(t *testing.T) int {
	t.Helper()
	a, err := f.ledger.Availability(context.Background(), f.res.ID)
	require.NoError(t, err)
	return a.Remaining
}

// paidPrepaid creates a prepaid booking and settles its checkout.
func (f *fixture) paidPrepaid(t *testing.T, party int) (*booking.Created, *Checkout) {
	t.Helper()
	created := f.create(t, party, domain.PaymentPrepaid)
	co, err := f.svc.StartCheckout(context.Background(), PayRequest{BookingID: created.Booking.ID, Token: created.PayToken})
	require.NoError(t, err)
	require.NoError(t, f.webhook(WebhookEvent{
		ID: "evt_" + co.Payment.ID.String(), Kind: EventCheckout, SessionRef: *co.Payment.SessionRef,
		Outcome: OutcomeSucceeded, PaymentRef: "pi_" + co.Payment.ID.String(),
	}))
	return created, co
}

// cardOnFile creates a card-capture booking and completes its setup.
func (f *fixture) cardOnFile(t *testing.T, party int) *booking.Created {
	t.Helper()
	created := f.create(t, party, domain.PaymentCardCapture)
	_, err := f.svc.CaptureCard(context.Background(), PayRequest{BookingID: created.Booking.ID, Token: created.PayToken})
	require.NoError(t, err)
	require.NoError(t, f.webhook(WebhookEvent{
		ID: "evt_setup", Kind: EventSetup, SessionRef: "seti_setup:" + created.Booking.ID.String(),
		Outcome: OutcomeSucceeded, CustomerRef: "cus_1", PaymentMethodRef: "pm_1",
	}))
	return created
}

// approvalToken digs the raw manager token out of the operator email.
func (f *fixture) approvalToken(t *testing.T, cr *domain.ChargeRequest) string {
	t.Helper()
	var msg domain.OutboundMessage
	require.NoError(t, f.db.Where("booking_id = ? AND purpose = ? AND body LIKE ?",
		cr.BookingID, domain.PurposeChargeApproval, "%"+cr.ID.String()+"/decision%").First(&msg).Error)
	assert.Equal(t, domain.ChannelEmail, msg.Channel)
	assert.Equal(t, "ops@venue.test", msg.Recipient)
	_, rest, ok := strings.Cut(msg.Body, "token=")
	require.True(t, ok)
	raw, _, _ := strings.Cut(rest, "\n")
	raw, err := url.QueryUnescape(strings.TrimSpace(raw))
	require.NoError(t, err)
	return raw
}

func TestCheckoutWebhookConfirmsPrepaidBooking(t *testing.T) {
	f := setup(t, 10)
	created := f.create(t, 2, domain.PaymentPrepaid)

	co, err := f.svc.StartCheckout(context.Background(), PayRequest{BookingID: created.Booking.ID, Token: created.PayToken})
	require.NoError(t, err)
	require.NotNil(t, co.Payment)
	assert.Equal(t, int64(5000), co.Payment.Amount)
	assert.Equal(t, domain.PaymentDeposit, co.Payment.Kind)
	assert.NotEmpty(t, co.SessionURL)
	require.Len(t, f.processor.checkouts, 1)
	assert.Equal(t, "deposit:"+co.Payment.ID.String(), f.processor.checkouts[0].IdempotencyKey)

	b := f.booking(t, created.Booking.ID)
	require.NotNil(t, b.HoldExpiresAt)
	assert.True(t, b.HoldExpiresAt.Equal(base.Add(30*time.Minute)))

	ev := WebhookEvent{ID: "evt_1", Kind: EventCheckout, SessionRef: *co.Payment.SessionRef, Outcome: OutcomeSucceeded, PaymentRef: "pi_1"}
	require.NoError(t, f.webhook(ev))

	b = f.booking(t, created.Booking.ID)
	assert.Equal(t, domain.BookingConfirmed, b.Status)
	assert.Equal(t, booking.ReasonPaid, b.StatusReason)
	assert.Equal(t, 2, f.committed(t))
	p := f.payment(t, co.Payment.ID)
	assert.Equal(t, domain.PaymentSucceeded, p.Status)
	assert.Equal(t, "pi_1", p.ProcessorRef)
	assert.Contains(t, f.events.Types(), events.BookingConfirmed)

	// A replayed event changes nothing.
	require.NoError(t, f.webhook(ev))
	assert.Equal(t, 2, f.committed(t))
	assert.Empty(t, f.processor.refunds)
}

func TestCheckoutRetryReusesOpenSession(t *testing.T) {
	f := setup(t, 10)
	created := f.create(t, 2, domain.PaymentPrepaid)
	req := PayRequest{BookingID: created.Booking.ID, Token: created.PayToken}

	first, err := f.svc.StartCheckout(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.StartCheckout(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, first.SessionURL, second.SessionURL)
	assert.Len(t, f.processor.checkouts, 1)
}

func TestCheckoutNeedsPayToken(t *testing.T) {
	f := setup(t, 10)
	created := f.create(t, 2, domain.PaymentPrepaid)

	_, err := f.svc.StartCheckout(context.Background(), PayRequest{BookingID: created.Booking.ID, Token: created.ManageToken})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	other := f.create(t, 1, domain.PaymentPrepaid)
	_, err = f.svc.StartCheckout(context.Background(), PayRequest{BookingID: created.Booking.ID, Token: other.PayToken})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Empty(t, f.processor.checkouts)
}

func TestCheckoutProcessorFailureReleasesHold(t *testing.T) {
	f := setup(t, 4)
	created := f.create(t, 4, domain.PaymentPrepaid)
	req := PayRequest{BookingID: created.Booking.ID, Token: created.PayToken}
	assert.Equal(t, 0, f.remaining(t))

	f.processor.checkoutErr = errors.New("connection reset")
	_, err := f.svc.StartCheckout(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrPaymentFailed)

	var failed domain.Payment
	require.NoError(t, f.db.Where("booking_id = ?", created.Booking.ID).First(&failed).Error)
	assert.Equal(t, domain.PaymentFailed, failed.Status)

	b := f.booking(t, created.Booking.ID)
	assert.Equal(t, domain.BookingExpired, b.Status)
	var h domain.Hold
	require.NoError(t, f.db.First(&h, "id = ?", *b.HoldID).Error)
	assert.Equal(t, domain.HoldReleased, h.Status)
	assert.Equal(t, 4, f.remaining(t))
	assert.Equal(t, []uuid.UUID{f.res.ID}, f.listener.resources)
	assert.Contains(t, f.events.Types(), events.BookingExpired)

	// The freed seats are bookable again.
	cash := f.create(t, 1, domain.PaymentCash)
	assert.Equal(t, domain.BookingConfirmed, cash.Booking.Status)

	f.processor.checkoutErr = nil
	_, err = f.svc.StartCheckout(context.Background(), req)
	assert.Error(t, err)
}

func TestCardSetupFailureReleasesHold(t *testing.T) {
	f := setup(t, 4)
	created := f.create(t, 3, domain.PaymentCardCapture)

	f.processor.setupErr = errors.New("timeout")
	_, err := f.svc.CaptureCard(context.Background(), PayRequest{BookingID: created.Booking.ID, Token: created.PayToken})
	assert.ErrorIs(t, err, domain.ErrPaymentFailed)

	assert.Equal(t, domain.BookingExpired, f.booking(t, created.Booking.ID).Status)
	assert.Equal(t, 4, f.remaining(t))
}

func TestCheckoutTimeoutReturnsCapacity(t *testing.T) {
	f := setup(t, 4)
	created := f.create(t, 4, domain.PaymentPrepaid)
	_, err := f.svc.StartCheckout(context.Background(), PayRequest{BookingID: created.Booking.ID, Token: created.PayToken})
	require.NoError(t, err)
	assert.Equal(t, 0, f.remaining(t))

	f.clk.Advance(31 * time.Minute)
	assert.Equal(t, 4, f.remaining(t))

	expired, err := f.bookings.ExpireDue(context.Background())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, 4, f.remaining(t))
	assert.Equal(t, domain.BookingExpired, f.booking(t, created.Booking.ID).Status)
}

func TestFailedCheckoutExpiresBookingAndReleasesHold(t *testing.T) {
	f := setup(t, 10)
	created := f.create(t, 3, domain.PaymentPrepaid)
	co, err := f.svc.StartCheckout(context.Background(), PayRequest{BookingID: created.Booking.ID, Token: created.PayToken})
	require.NoError(t, err)

	require.NoError(t, f.webhook(WebhookEvent{ID: "evt_f", Kind: EventCheckout, SessionRef: *co.Payment.SessionRef,
		Outcome: OutcomeFailed, FailureReason: "card_declined"}))

	b := f.booking(t, created.Booking.ID)
	assert.Equal(t, domain.BookingExpired, b.Status)
	assert.Contains(t, b.StatusReason, "card_declined")
	var h domain.Hold
	require.NoError(t, f.db.First(&h, "id = ?", *b.HoldID).Error)
	assert.Equal(t, domain.HoldReleased, h.Status)
	assert.Equal(t, domain.PaymentFailed, f.payment(t, co.Payment.ID).Status)
	assert.Equal(t, []uuid.UUID{f.res.ID}, f.listener.resources)
	assert.Contains(t, f.events.Types(), events.BookingExpired)
}

func TestPaymentAfterExpiryIsRefunded(t *testing.T) {
	f := setup(t, 10)
	created := f.create(t, 2, domain.PaymentPrepaid)
	co, err := f.svc.StartCheckout(context.Background(), PayRequest{BookingID: created.Booking.ID, Token: created.PayToken})
	require.NoError(t, err)

	f.clk.Advance(31 * time.Minute)
	expired, err := f.bookings.ExpireDue(context.Background())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, domain.PaymentExpired, f.payment(t, co.Payment.ID).Status)

	ev := WebhookEvent{ID: "evt_late", Kind: EventCheckout, SessionRef: *co.Payment.SessionRef, Outcome: OutcomeSucceeded, PaymentRef: "pi_late"}
	require.NoError(t, f.webhook(ev))

	assert.Equal(t, domain.BookingExpired, f.booking(t, created.Booking.ID).Status)
	assert.Equal(t, domain.PaymentRefunded, f.payment(t, co.Payment.ID).Status)
	require.Len(t, f.processor.refunds, 1)
	assert.Equal(t, "pi_late", f.processor.refunds[0].PaymentRef)
	assert.Equal(t, int64(5000), f.processor.refunds[0].Amount)

	var refund domain.Payment
	require.NoError(t, f.db.Where("refund_of_id = ?", co.Payment.ID).First(&refund).Error)
	assert.Equal(t, domain.PaymentRefund, refund.Kind)
	assert.Equal(t, domain.PaymentSucceeded, refund.Status)
	assert.Contains(t, f.events.Types(), events.PaymentRefunded)
	assert.Equal(t, 0, f.committed(t))

	// Replays neither refund again nor fail.
	require.NoError(t, f.webhook(ev))
	assert.Len(t, f.processor.refunds, 1)
}

func TestWebhookSignatureChecked(t *testing.T) {
	f := setup(t, 10)
	body := []byte(`{"id":"evt","kind":"checkout","session_ref":"cs_x","outcome":"succeeded"}`)

	err := f.svc.OnWebhook(context.Background(), Sign([]byte("wrong"), f.clk.Now(), body), body, "10.0.0.9")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	err = f.svc.OnWebhook(context.Background(), Sign(webhookSecret, f.clk.Now().Add(-time.Hour), body), body, "10.0.0.9")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	err = f.svc.OnWebhook(context.Background(), "garbage", body, "10.0.0.9")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	err = f.svc.OnWebhook(context.Background(), Sign(webhookSecret, f.clk.Now(), body), body, "10.0.0.9")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVerifySignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"a":1}`)
	header := Sign(webhookSecret, now, body)

	assert.NoError(t, VerifySignature(webhookSecret, header, body, now.Add(time.Minute), 5*time.Minute))
	assert.ErrorIs(t, VerifySignature(webhookSecret, header, []byte(`{"a":2}`), now, 5*time.Minute), ErrSignatureMismatch)
	assert.ErrorIs(t, VerifySignature(webhookSecret, header, body, now.Add(10*time.Minute), 5*time.Minute), ErrSignatureStale)
	assert.ErrorIs(t, VerifySignature(webhookSecret, "v1=abc", body, now, 5*time.Minute), ErrMalformedSignature)
}

func TestCardCaptureConfirmsOnSetup(t *testing.T) {
	f := setup(t, 10)
	created := f.cardOnFile(t, 2)

	b := f.booking(t, created.Booking.ID)
	assert.Equal(t, domain.BookingConfirmed, b.Status)
	assert.Equal(t, booking.ReasonCardOnFile, b.StatusReason)
	assert.Equal(t, "cus_1", b.CustomerRef)
	assert.Equal(t, "pm_1", b.PaymentMethodRef)
	assert.Equal(t, 2, f.committed(t))
	require.Len(t, f.processor.setups, 1)
	assert.Empty(t, f.processor.charges)
}

func TestChargeNeedsManagerApproval(t *testing.T) {
	f := setup(t, 10)
	created := f.cardOnFile(t, 2)

	cr, err := f.svc.RequestCharge(context.Background(), ChargeInput{
		BookingID: created.Booking.ID, Kind: domain.ChargeNoShow, Amount: 3000, Reason: "did not arrive", RequestedBy: "staff-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ChargePendingApproval, cr.Status)
	assert.Empty(t, f.processor.charges)

	raw := f.approvalToken(t, cr)
	decided, err := f.svc.Decide(context.Background(), DecisionRequest{ChargeRequestID: cr.ID, Decision: domain.DecisionApprove, Token: raw})
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeCharged, decided.Status)
	require.Len(t, f.processor.charges, 1)
	assert.Equal(t, "charge:"+cr.ID.String(), f.processor.charges[0].IdempotencyKey)
	assert.Equal(t, "pm_1", f.processor.charges[0].PaymentMethodRef)
	assert.Equal(t, int64(3000), f.processor.charges[0].Amount)

	var p domain.Payment
	require.NoError(t, f.db.First(&p, "charge_request_id = ?", cr.ID).Error)
	assert.Equal(t, domain.PaymentApprovedCharge, p.Kind)
	assert.Equal(t, domain.PaymentSucceeded, p.Status)

	// The manager token is single use.
	_, err = f.svc.Decide(context.Background(), DecisionRequest{ChargeRequestID: cr.ID, Decision: domain.DecisionApprove, Token: raw})
	assert.ErrorIs(t, err, domain.ErrExpired)
	assert.Len(t, f.processor.charges, 1)
	assert.Contains(t, f.events.Types(), events.ChargeDecided)
}

func TestDecisionTokenBoundToItsCharge(t *testing.T) {
	f := setup(t, 10)
	created := f.cardOnFile(t, 2)
	first, err := f.svc.RequestCharge(context.Background(), ChargeInput{BookingID: created.Booking.ID, Kind: domain.ChargeDamage, Amount: 1000, Reason: "glass"})
	require.NoError(t, err)
	second, err := f.svc.RequestCharge(context.Background(), ChargeInput{BookingID: created.Booking.ID, Kind: domain.ChargeDamage, Amount: 1000, Reason: "plate"})
	require.NoError(t, err)

	_, err = f.svc.Decide(context.Background(), DecisionRequest{ChargeRequestID: second.ID, Decision: domain.DecisionApprove, Token: f.approvalToken(t, first)})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Empty(t, f.processor.charges)
}

func TestChargeCapRejectsExcess(t *testing.T) {
	f := setup(t, 10)
	created := f.cardOnFile(t, 2)
	ctx := context.Background()
	in := func(amount int64) ChargeInput {
		return ChargeInput{BookingID: created.Booking.ID, Kind: domain.ChargeNoShow, Amount: amount, Reason: "no show"}
	}

	first, err := f.svc.RequestCharge(ctx, in(3000))
	require.NoError(t, err)
	_, err = f.svc.RequestCharge(ctx, in(1500))
	assert.ErrorIs(t, err, domain.ErrChargeCapExceeded)
	_, err = f.svc.RequestCharge(ctx, in(1000))
	require.NoError(t, err)
	_, err = f.svc.RequestCharge(ctx, in(1))
	assert.ErrorIs(t, err, domain.ErrChargeCapExceeded)

	// Other kinds have their own cap.
	_, err = f.svc.RequestCharge(ctx, ChargeInput{BookingID: created.Booking.ID, Kind: domain.ChargeLateCancellation, Amount: 3000, Reason: "late"})
	require.NoError(t, err)

	// Declined and waived requests stop counting.
	_, err = f.svc.Decide(ctx, DecisionRequest{ChargeRequestID: first.ID, Decision: domain.DecisionDecline, Token: f.approvalToken(t, first)})
	require.NoError(t, err)
	_, err = f.svc.RequestCharge(ctx, in(3000))
	require.NoError(t, err)
	_, err = f.svc.RequestCharge(ctx, in(1))
	assert.ErrorIs(t, err, domain.ErrChargeCapExceeded)
	assert.Empty(t, f.processor.charges)
}

func TestWaivedChargeFreesCapAndRevokesToken(t *testing.T) {
	f := setup(t, 10)
	created := f.cardOnFile(t, 2)
	ctx := context.Background()

	cr, err := f.svc.RequestCharge(ctx, ChargeInput{BookingID: created.Booking.ID, Kind: domain.ChargeNoShow, Amount: 4000, Reason: "no show"})
	require.NoError(t, err)
	raw := f.approvalToken(t, cr)

	waived, err := f.svc.WaiveCharge(ctx, WaiveRequest{ChargeRequestID: cr.ID, By: "manager-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeWaived, waived.Status)

	_, err = f.svc.Decide(ctx, DecisionRequest{ChargeRequestID: cr.ID, Decision: domain.DecisionApprove, Token: raw})
	assert.ErrorIs(t, err, domain.ErrExpired)
	_, err = f.svc.RequestCharge(ctx, ChargeInput{BookingID: created.Booking.ID, Kind: domain.ChargeNoShow, Amount: 4000, Reason: "second try"})
	require.NoError(t, err)
}

func TestDeclinedByProcessorMarksChargeFailed(t *testing.T) {
	f := setup(t, 10)
	created := f.cardOnFile(t, 2)
	f.processor.chargeResult = &ChargeResult{Succeeded: false, FailureReason: "insufficient_funds"}

	cr, err := f.svc.RequestCharge(context.Background(), ChargeInput{BookingID: created.Booking.ID, Kind: domain.ChargeNoShow, Amount: 2000, Reason: "no show"})
	require.NoError(t, err)
	out, err := f.svc.Decide(context.Background(), DecisionRequest{ChargeRequestID: cr.ID, Decision: domain.DecisionApprove, Token: f.approvalToken(t, cr)})
	assert.ErrorIs(t, err, domain.ErrPaymentFailed)
	require.NotNil(t, out)
	assert.Equal(t, domain.ChargeFailed, out.Status)

	var stored domain.ChargeRequest
	require.NoError(t, f.db.First(&stored, "id = ?", cr.ID).Error)
	assert.Equal(t, domain.ChargeFailed, stored.Status)
	assert.Equal(t, "insufficient_funds", stored.FailureReason)
}

func TestChargeWithoutCardOnFileRejected(t *testing.T) {
	f := setup(t, 10)
	created := f.create(t, 2, domain.PaymentCash)

	_, err := f.svc.RequestCharge(context.Background(), ChargeInput{BookingID: created.Booking.ID, Kind: domain.ChargeNoShow, Amount: 100, Reason: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestPendingChargeSurvivesCancellation(t *testing.T) {
	f := setup(t, 10)
	created := f.cardOnFile(t, 2)
	ctx := context.Background()

	cr, err := f.svc.RequestCharge(ctx, ChargeInput{BookingID: created.Booking.ID, Kind: domain.ChargeLateCancellation, Amount: 3000, Reason: "cancelled same day"})
	require.NoError(t, err)
	_, err = f.bookings.Cancel(ctx, booking.CancelRequest{BookingID: created.Booking.ID, Token: created.ManageToken})
	require.NoError(t, err)

	var stored domain.ChargeRequest
	require.NoError(t, f.db.First(&stored, "id = ?", cr.ID).Error)
	assert.Equal(t, domain.ChargePendingApproval, stored.Status)

	out, err := f.svc.Decide(ctx, DecisionRequest{ChargeRequestID: cr.ID, Decision: domain.DecisionApprove, Token: f.approvalToken(t, cr)})
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeCharged, out.Status)

	// The cap still follows the party size the booking had.
	_, err = f.svc.RequestCharge(ctx, ChargeInput{BookingID: created.Booking.ID, Kind: domain.ChargeLateCancellation, Amount: 1, Reason: "more"})
	assert.ErrorIs(t, err, domain.ErrChargeCapExceeded)
}

func TestCancellingPrepaidBookingRefundsDeposit(t *testing.T) {
	f := setup(t, 10)
	created, co := f.paidPrepaid(t, 2)

	_, err := f.bookings.Cancel(context.Background(), booking.CancelRequest{BookingID: created.Booking.ID, Token: created.ManageToken})
	require.NoError(t, err)

	require.Len(t, f.processor.refunds, 1)
	assert.Equal(t, "refund:"+co.Payment.ID.String(), f.processor.refunds[0].IdempotencyKey)
	assert.Equal(t, domain.PaymentRefunded, f.payment(t, co.Payment.ID).Status)
	assert.Equal(t, 0, f.committed(t))

	// A second refund attempt is a no-op.
	require.NoError(t, f.svc.RefundDeposit(context.Background(), created.Booking.ID, "again"))
	assert.Len(t, f.processor.refunds, 1)
}

func TestSeatIncreaseCheckout(t *testing.T) {
	f := setup(t, 10)
	created, _ := f.paidPrepaid(t, 2)
	ctx := context.Background()

	change, err := f.bookings.ChangePartySize(ctx, booking.PartySizeRequest{BookingID: created.Booking.ID, Token: created.ManageToken, PartySize: 4})
	require.NoError(t, err)
	require.NotNil(t, change.Payment)
	p := change.Payment
	assert.Equal(t, domain.PaymentSeatIncrease, p.Kind)
	assert.Equal(t, 2, p.Units)
	assert.Equal(t, int64(5000), p.Amount)
	require.NotNil(t, p.HoldID)
	assert.Equal(t, 2, f.booking(t, created.Booking.ID).PartySize)

	var h domain.Hold
	require.NoError(t, f.db.First(&h, "id = ?", *p.HoldID).Error)
	assert.Equal(t, domain.HoldOwnerPayment, h.OwnerKind)
	assert.Equal(t, domain.HoldActive, h.Status)

	require.NoError(t, f.webhook(WebhookEvent{ID: "evt_seats", Kind: EventCheckout, SessionRef: *p.SessionRef, Outcome: OutcomeSucceeded, PaymentRef: "pi_seats"}))

	assert.Equal(t, 4, f.booking(t, created.Booking.ID).PartySize)
	assert.Equal(t, 4, f.committed(t))
	require.NoError(t, f.db.First(&h, "id = ?", *p.HoldID).Error)
	assert.Equal(t, domain.HoldConsumed, h.Status)
}

func TestUnpaidSeatHoldExpires(t *testing.T) {
	f := setup(t, 10)
	created, _ := f.paidPrepaid(t, 2)
	ctx := context.Background()

	change, err := f.bookings.ChangePartySize(ctx, booking.PartySizeRequest{BookingID: created.Booking.ID, Token: created.ManageToken, PartySize: 5})
	require.NoError(t, err)

	f.clk.Advance(31 * time.Minute)
	expired, err := f.holds.ExpireDue(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	assert.Equal(t, domain.PaymentExpired, f.payment(t, change.Payment.ID).Status)
	assert.Equal(t, 2, f.booking(t, created.Booking.ID).PartySize)
	assert.Equal(t, 2, f.committed(t))
}
