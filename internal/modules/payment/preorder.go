package payment

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"venuecore/internal/domain"
	"venuecore/internal/modules/tokens"
)

// StartPreOrder prices the requested items from the menu and opens a
// balance checkout for them. The booking must be confirmed and its
// pre-order window still open.
func (s *Service) StartPreOrder(ctx context.Context, req PreOrderRequest) (*Checkout, error) {
	if err := s.throttle.Enforce(ctx, tokens.Fingerprint(req.Token), string(domain.ScopePreOrder), req.Caller); err != nil {
		return nil, err
	}
	amount, summary, err := s.priceItems(req.Items)
	if err != nil {
		return nil, err
	}

	var (
		b *domain.Booking
		r *domain.Resource
		p *domain.Payment
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tok, err := s.tokens.VerifyTx(ctx, tx, domain.ScopePreOrder, req.Token)
		if err != nil {
			return err
		}
		if tok.BookingID == nil || *tok.BookingID != req.BookingID {
			return domain.Reject(domain.ReasonForbidden, "token does not grant access to this booking")
		}
		b, r, err = s.bookings.LockTx(tx, req.BookingID)
		if err != nil {
			return err
		}
		if b.Status != domain.BookingConfirmed {
			return domain.Reject(domain.ReasonInvalidTransition, "booking %s is %s", b.ID, b.Status)
		}
		if !s.clock.Now().Before(r.Cutoff()) {
			return domain.Reject(domain.ReasonOutsideWindow, "pre-orders for %s have closed", r.Name)
		}
		p = &domain.Payment{
			ID:        uuid.New(),
			BookingID: b.ID,
			Kind:      domain.PaymentBalance,
			Amount:    amount,
			Currency:  s.cfg.Currency,
			Status:    domain.PaymentPending,
		}
		p.IdempotencyKey = "balance:" + p.ID.String()
		return tx.Create(p).Error
	})
	if err != nil {
		return nil, err
	}

	sess, err := s.processor.CreateCheckoutSession(ctx, CheckoutParams{
		IdempotencyKey: p.IdempotencyKey,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Description:    fmt.Sprintf("Pre-order for %s: %s", r.Name, summary),
		ExpiresAt:      s.deadline(r),
		Metadata:       map[string]string{"booking_id": b.ID.String(), "payment_id": p.ID.String()},
	})
	if err != nil {
		return nil, s.abandon(ctx, p, err)
	}
	if err := s.attachSession(ctx, p, sess); err != nil {
		return nil, err
	}
	s.log.Info().Str("booking_id", b.ID.String()).Str("payment_id", p.ID.String()).
		Int64("amount", amount).Msg("pre-order checkout opened")
	return &Checkout{Booking: b, Payment: p, SessionURL: sess.URL}, nil
}

func (s *Service) priceItems(items []PreOrderItem) (int64, string, error) {
	qty := map[string]int{}
	for _, it := range items {
		code := strings.ToLower(strings.TrimSpace(it.Code))
		if _, ok := s.cfg.PreOrderMenu[code]; !ok {
			return 0, "", domain.Reject(domain.ReasonValidation, "unknown menu item %q", it.Code)
		}
		qty[code] += it.Quantity
	}
	codes := make([]string, 0, len(qty))
	for c := range qty {
		codes = append(codes, c)
	}
	sort.Strings(codes)

	var (
		amount int64
		parts  []string
	)
	for _, c := range codes {
		amount += int64(qty[c]) * s.cfg.PreOrderMenu[c]
		parts = append(parts, fmt.Sprintf("%dx %s", qty[c], c))
	}
	if amount <= 0 {
		return 0, "", domain.Reject(domain.ReasonValidation, "pre-order total must be positive")
	}
	return amount, strings.Join(parts, ", "), nil
}
