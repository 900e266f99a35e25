package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"venuecore/internal/domain"
	"venuecore/internal/events"
	"venuecore/internal/modules/notify"
	"venuecore/internal/modules/tokens"
)

// checkCapTx rejects amount when the capped charges of kind on b would
// exceed party size times the per-head fee. exclude leaves one request
// out of the sum, for re-checking a request that is already counted.
func (s *Service) checkCapTx(tx *gorm.DB, b *domain.Booking, kind domain.ChargeKind, amount int64, exclude *uuid.UUID) error {
	fee, capped := s.cfg.FeesPerHead[kind]
	if !capped {
		return nil
	}
	limit := int64(b.PartySize) * fee
	q := tx.Model(&domain.ChargeRequest{}).
		Where("booking_id = ? AND kind = ? AND status IN ?", b.ID, kind, domain.CountingChargeStatuses)
	if exclude != nil {
		q = q.Where("id <> ?", *exclude)
	}
	var used int64
	if err := q.Select("COALESCE(SUM(amount), 0)").Scan(&used).Error; err != nil {
		return err
	}
	if used+amount > limit {
		return domain.Reject(domain.ReasonChargeCapExceeded,
			"%s charges on booking %s would total %d, cap is %d", kind, b.ID, used+amount, limit)
	}
	return nil
}

// RequestCharge records an off-session charge and emails the operator a
// single-use approval link. No money moves until Decide approves it.
func (s *Service) RequestCharge(ctx context.Context, in ChargeInput) (*domain.ChargeRequest, error) {
	if !in.Kind.Valid() {
		return nil, domain.Reject(domain.ReasonValidation, "unknown charge kind %q", in.Kind)
	}
	if in.Amount <= 0 {
		return nil, domain.Reject(domain.ReasonValidation, "amount must be positive")
	}
	if s.cfg.OperatorEmail == "" {
		return nil, ErrNoOperator
	}

	var cr *domain.ChargeRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, _, err := s.bookings.LockTx(tx, in.BookingID)
		if err != nil {
			return err
		}
		if b.Status != domain.BookingConfirmed && b.Status != domain.BookingCancelled {
			return domain.Reject(domain.ReasonInvalidTransition, "booking %s is %s", b.ID, b.Status)
		}
		if b.PaymentMethodRef == "" {
			return domain.Reject(domain.ReasonInvalidTransition, "booking %s has no card on file", b.ID)
		}
		if err := s.checkCapTx(tx, b, in.Kind, in.Amount, nil); err != nil {
			return err
		}

		cr = &domain.ChargeRequest{
			ID:          uuid.New(),
			BookingID:   b.ID,
			Kind:        in.Kind,
			Amount:      in.Amount,
			Currency:    s.cfg.Currency,
			Reason:      in.Reason,
			RequestedBy: in.RequestedBy,
			Status:      domain.ChargePendingApproval,
		}
		if err := tx.Create(cr).Error; err != nil {
			return err
		}

		var expires time.Time
		if s.cfg.ManagerTokenTTL > 0 {
			expires = s.clock.Now().Add(s.cfg.ManagerTokenTTL)
		}
		tok, err := s.tokens.IssueTx(ctx, tx, domain.ScopeApproveCharge,
			tokens.Subject{BookingID: &b.ID, ChargeRequestID: &cr.ID}, expires)
		if err != nil {
			return err
		}
		if err := tx.Model(&domain.ChargeRequest{}).Where("id = ?", cr.ID).
			Updates(map[string]any{"decision_token": tok.Token.ID, "updated_at": s.clock.Now()}).Error; err != nil {
			return err
		}
		cr.DecisionToken = &tok.Token.ID

		subject, body := s.composer.ChargeApproval(b, cr, tok.Raw)
		_, err = s.outbox.ScheduleTx(ctx, tx, notify.Message{
			Channel:   domain.ChannelEmail,
			Purpose:   domain.PurposeChargeApproval,
			Recipient: s.cfg.OperatorEmail,
			Subject:   subject,
			Body:      body,
			BookingID: &b.ID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("charge_request_id", cr.ID.String()).Str("booking_id", cr.BookingID.String()).
		Str("kind", string(cr.Kind)).Int64("amount", cr.Amount).Str("requested_by", cr.RequestedBy).
		Msg("charge requested")
	s.events.Publish(ctx, events.Event{
		Type:            events.ChargeRequested,
		BookingID:       events.IDPtr(cr.BookingID),
		ChargeRequestID: events.IDPtr(cr.ID),
		Data:            map[string]any{"kind": cr.Kind, "amount": cr.Amount},
	})
	return cr, nil
}

// Decide applies a manager's decision exactly once. An approval runs the
// off-session charge after the decision has been committed.
func (s *Service) Decide(ctx context.Context, req DecisionRequest) (*domain.ChargeRequest, error) {
	if err := s.throttle.Enforce(ctx, tokens.Fingerprint(req.Token), string(domain.ScopeApproveCharge), req.Caller); err != nil {
		return nil, err
	}
	if req.Decision != domain.DecisionApprove && req.Decision != domain.DecisionDecline {
		return nil, domain.Reject(domain.ReasonValidation, "decision must be approve or decline")
	}

	var (
		cr domain.ChargeRequest
		b  *domain.Booking
		p  *domain.Payment
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tok, err := s.tokens.VerifyTx(ctx, tx, domain.ScopeApproveCharge, req.Token)
		if err != nil {
			return err
		}
		if tok.ChargeRequestID == nil || *tok.ChargeRequestID != req.ChargeRequestID {
			return domain.Reject(domain.ReasonForbidden, "token does not grant access to this charge")
		}
		if err := tx.First(&cr, "id = ?", req.ChargeRequestID).Error; err != nil {
			return notFound(err, "charge request %s", req.ChargeRequestID)
		}
		b, _, err = s.bookings.LockTx(tx, cr.BookingID)
		if err != nil {
			return err
		}
		if err := tx.First(&cr, "id = ?", cr.ID).Error; err != nil {
			return err
		}
		if cr.Status != domain.ChargePendingApproval {
			return domain.Reject(domain.ReasonInvalidTransition, "charge request %s is %s", cr.ID, cr.Status)
		}
		if err := s.tokens.ConsumeTx(ctx, tx, tok); err != nil {
			return err
		}

		now := s.clock.Now()
		if req.Decision == domain.DecisionDecline {
			cr.Status, cr.Decision, cr.DecidedAt = domain.ChargeDeclined, domain.DecisionDecline, &now
			return tx.Model(&domain.ChargeRequest{}).Where("id = ?", cr.ID).Updates(map[string]any{
				"status":     cr.Status,
				"decision":   cr.Decision,
				"decided_at": now,
				"updated_at": now,
			}).Error
		}

		if err := s.checkCapTx(tx, b, cr.Kind, cr.Amount, &cr.ID); err != nil {
			return err
		}
		if b.PaymentMethodRef == "" {
			return domain.Reject(domain.ReasonInvalidTransition, "booking %s has no card on file", b.ID)
		}
		p = &domain.Payment{
			ID:              uuid.New(),
			BookingID:       b.ID,
			Kind:            domain.PaymentApprovedCharge,
			Amount:          cr.Amount,
			Currency:        cr.Currency,
			Status:          domain.PaymentPending,
			ChargeRequestID: &cr.ID,
			IdempotencyKey:  "charge:" + cr.ID.String(),
		}
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		cr.Status, cr.Decision, cr.DecidedAt, cr.PaymentID = domain.ChargeApproved, domain.DecisionApprove, &now, &p.ID
		return tx.Model(&domain.ChargeRequest{}).Where("id = ?", cr.ID).Updates(map[string]any{
			"status":     cr.Status,
			"decision":   cr.Decision,
			"decided_at": now,
			"payment_id": p.ID,
			"updated_at": now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("charge_request_id", cr.ID.String()).Str("booking_id", cr.BookingID.String()).
		Str("decision", string(cr.Decision)).Msg("charge decided")

	if p == nil {
		s.publishDecided(ctx, &cr)
		return &cr, nil
	}

	result, cerr := s.processor.ChargeOffSession(ctx, ChargeParams{
		IdempotencyKey:   p.IdempotencyKey,
		CustomerRef:      b.CustomerRef,
		PaymentMethodRef: b.PaymentMethodRef,
		Amount:           p.Amount,
		Currency:         p.Currency,
		Description:      fmt.Sprintf("%s charge for booking %s", cr.Kind, b.ID),
	})
	failure := ""
	switch {
	case cerr != nil:
		s.log.Error().Err(cerr).Str("op", "charge").Str("booking_id", b.ID.String()).
			Str("charge_request_id", cr.ID.String()).Msg("processor call failed")
		failure = "payment processor unavailable"
	case !result.Succeeded:
		failure = result.FailureReason
		if failure == "" {
			failure = "charge declined by processor"
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		pay := map[string]any{"updated_at": now}
		charge := map[string]any{"updated_at": now}
		if failure != "" {
			pay["status"], pay["failure_reason"] = domain.PaymentFailed, failure
			charge["status"], charge["failure_reason"] = domain.ChargeFailed, failure
		} else {
			pay["status"], pay["processor_ref"], pay["settled_at"] = domain.PaymentSucceeded, result.Ref, now
			charge["status"] = domain.ChargeCharged
		}
		if err := tx.Model(&domain.Payment{}).Where("id = ?", p.ID).Updates(pay).Error; err != nil {
			return err
		}
		return tx.Model(&domain.ChargeRequest{}).Where("id = ? AND status = ?", cr.ID, domain.ChargeApproved).
			Updates(charge).Error
	})
	if err != nil {
		return nil, err
	}
	if failure != "" {
		cr.Status, cr.FailureReason = domain.ChargeFailed, failure
	} else {
		cr.Status = domain.ChargeCharged
	}
	s.publishDecided(ctx, &cr)
	if failure != "" {
		return &cr, domain.Reject(domain.ReasonPaymentFailed, "%s", failure)
	}
	return &cr, nil
}

func (s *Service) publishDecided(ctx context.Context, cr *domain.ChargeRequest) {
	s.events.Publish(ctx, events.Event{
		Type:            events.ChargeDecided,
		BookingID:       events.IDPtr(cr.BookingID),
		ChargeRequestID: events.IDPtr(cr.ID),
		Data:            map[string]any{"decision": cr.Decision, "status": cr.Status, "amount": cr.Amount},
	})
}

// WaiveCharge drops a charge that was never collected. Waived charges no
// longer count against the cap.
func (s *Service) WaiveCharge(ctx context.Context, req WaiveRequest) (*domain.ChargeRequest, error) {
	var cr domain.ChargeRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&cr, "id = ?", req.ChargeRequestID).Error; err != nil {
			return notFound(err, "charge request %s", req.ChargeRequestID)
		}
		if _, _, err := s.bookings.LockTx(tx, cr.BookingID); err != nil {
			return err
		}
		if err := tx.First(&cr, "id = ?", cr.ID).Error; err != nil {
			return err
		}
		if cr.Status != domain.ChargePendingApproval && cr.Status != domain.ChargeFailed {
			return domain.Reject(domain.ReasonInvalidTransition, "charge request %s is %s", cr.ID, cr.Status)
		}
		reason := "waived by " + req.By
		if req.Reason != "" {
			reason += ": " + req.Reason
		}
		if err := tx.Model(&domain.ChargeRequest{}).Where("id = ?", cr.ID).Updates(map[string]any{
			"status":         domain.ChargeWaived,
			"failure_reason": reason,
			"updated_at":     s.clock.Now(),
		}).Error; err != nil {
			return err
		}
		cr.Status, cr.FailureReason = domain.ChargeWaived, reason
		return s.tokens.RevokeForChargeTx(ctx, tx, cr.ID)
	})
	if err != nil {
		return nil, err
	}
	return &cr, nil
}

// Charges lists the charge requests of a booking, oldest first.
func (s *Service) Charges(ctx context.Context, bookingID uuid.UUID) ([]domain.ChargeRequest, error) {
	var out []domain.ChargeRequest
	err := s.db.WithContext(ctx).Where("booking_id = ?", bookingID).Order("created_at").Find(&out).Error
	return out, err
}

// RefundDeposit refunds everything a guest prepaid for a booking.
func (s *Service) RefundDeposit(ctx context.Context, bookingID uuid.UUID, reason string) error {
	var paid []domain.Payment
	if err := s.db.WithContext(ctx).
		Where("booking_id = ? AND status = ? AND kind IN ?", bookingID, domain.PaymentSucceeded,
			[]domain.PaymentKind{domain.PaymentDeposit, domain.PaymentSeatIncrease, domain.PaymentBalance}).
		Find(&paid).Error; err != nil {
		return err
	}
	var errs []error
	for i := range paid {
		if err := s.refund(ctx, &paid[i], reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// refund returns a succeeded payment in full. The refund row's key is
// derived from the original payment, so a payment is refunded at most once.
func (s *Service) refund(ctx context.Context, orig *domain.Payment, reason string) error {
	if orig.ProcessorRef == "" {
		return fmt.Errorf("refund %s: %w", orig.ID, ErrNoProcessorRef)
	}
	key := "refund:" + orig.ID.String()
	var (
		rp   domain.Payment
		done bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := s.bookings.LockTx(tx, orig.BookingID); err != nil {
			return err
		}
		err := tx.Where("idempotency_key = ?", key).First(&rp).Error
		if err == nil {
			done = rp.Status == domain.PaymentSucceeded
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		rp = domain.Payment{
			BookingID:      orig.BookingID,
			Kind:           domain.PaymentRefund,
			Amount:         orig.Amount,
			Currency:       orig.Currency,
			Status:         domain.PaymentPending,
			RefundOfID:     &orig.ID,
			IdempotencyKey: key,
			FailureReason:  reason,
		}
		return tx.Create(&rp).Error
	})
	if err != nil || done {
		return err
	}

	res, rerr := s.processor.Refund(ctx, RefundParams{
		IdempotencyKey: key,
		PaymentRef:     orig.ProcessorRef,
		Amount:         orig.Amount,
		Reason:         reason,
	})
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if rerr != nil {
			return tx.Model(&domain.Payment{}).Where("id = ?", rp.ID).Updates(map[string]any{
				"status":         domain.PaymentFailed,
				"failure_reason": rerr.Error(),
				"updated_at":     now,
			}).Error
		}
		if err := tx.Model(&domain.Payment{}).Where("id = ?", rp.ID).Updates(map[string]any{
			"status":        domain.PaymentSucceeded,
			"processor_ref": res.Ref,
			"settled_at":    now,
			"updated_at":    now,
		}).Error; err != nil {
			return err
		}
		return tx.Model(&domain.Payment{}).Where("id = ? AND status = ?", orig.ID, domain.PaymentSucceeded).
			Updates(map[string]any{"status": domain.PaymentRefunded, "updated_at": now}).Error
	})
	if err != nil {
		return err
	}
	if rerr != nil {
		return fmt.Errorf("refund %s: %w", orig.ID, rerr)
	}
	orig.Status = domain.PaymentRefunded
	s.log.Info().Str("booking_id", orig.BookingID.String()).Str("payment_id", orig.ID.String()).
		Int64("amount", orig.Amount).Str("reason", reason).Msg("payment refunded")
	s.events.Publish(ctx, events.Event{
		Type:      events.PaymentRefunded,
		BookingID: events.IDPtr(orig.BookingID),
		Data:      map[string]any{"payment_id": orig.ID, "amount": orig.Amount, "reason": reason},
	})
	return nil
}
