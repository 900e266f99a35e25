// Package tokens issues scoped capability tokens for guests and managers.
// Only a keyed hash of each token is stored; the raw value is handed out
// once at issuance.
package tokens

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
	"gorm.io/gorm"

	"venuecore/internal/domain"
	"venuecore/internal/pkg/clock"
)

const rawLen = 32

var ErrWeakSecret = errors.New("token secret must be at least 32 bytes")

// Subject links a token to the records it grants access to.
type Subject struct {
	BookingID       *uuid.UUID
	EntryID         *uuid.UUID
	OfferID         *uuid.UUID
	ChargeRequestID *uuid.UUID
}

type Issued struct {
	Raw       string
	Token     *domain.ActionToken
	ExpiresAt time.Time
}

type Service struct {
	db    *gorm.DB
	clock clock.Clock
	log   zerolog.Logger
	keys  map[domain.TokenScope][]byte
	ttl   map[domain.TokenScope]time.Duration
}

// New derives one HMAC key per scope from secret, so a hash computed for
// one scope can never match a token stored under another.
func New(db *gorm.DB, secret []byte, ttl map[domain.TokenScope]time.Duration, clk clock.Clock, log zerolog.Logger) (*Service, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Service{
		db:    db,
		clock: clk,
		log:   log.With().Str("component", "tokens").Logger(),
		keys:  make(map[domain.TokenScope][]byte, len(domain.AllScopes)),
		ttl:   make(map[domain.TokenScope]time.Duration, len(domain.AllScopes)),
	}
	for _, scope := range domain.AllScopes {
		key := make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("venuecore token "+string(scope))), key); err != nil {
			return nil, fmt.Errorf("derive %s key: %w", scope, err)
		}
		s.keys[scope] = key
		d := ttl[scope]
		if d <= 0 {
			d = 72 * time.Hour
		}
		s.ttl[scope] = d
	}
	return s, nil
}

func (s *Service) hash(scope domain.TokenScope, raw string) string {
	mac := hmac.New(sha256.New, s.keys[scope])
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// IssueTx stores a new token for scope. A zero expiresAt uses the scope TTL.
func (s *Service) IssueTx(ctx context.Context, tx *gorm.DB, scope domain.TokenScope, subject Subject, expiresAt time.Time) (*Issued, error) {
	if !scope.Valid() {
		return nil, domain.Reject(domain.ReasonValidation, "unknown token scope %q", scope)
	}
	buf := make([]byte, rawLen)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)

	if expiresAt.IsZero() {
		expiresAt = s.clock.Now().Add(s.ttl[scope])
	}
	t := &domain.ActionToken{
		Hash:            s.hash(scope, raw),
		Scope:           scope,
		BookingID:       subject.BookingID,
		EntryID:         subject.EntryID,
		OfferID:         subject.OfferID,
		ChargeRequestID: subject.ChargeRequestID,
		ExpiresAt:       expiresAt,
	}
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	return &Issued{Raw: raw, Token: t, ExpiresAt: expiresAt}, nil
}

// VerifyTx resolves raw under scope. Unknown tokens, including tokens of
// another scope, are forbidden; expired or already consumed single-use
// tokens are expired.
func (s *Service) VerifyTx(ctx context.Context, tx *gorm.DB, scope domain.TokenScope, raw string) (*domain.ActionToken, error) {
	if raw == "" || !scope.Valid() {
		return nil, domain.Reject(domain.ReasonForbidden, "token required")
	}
	var t domain.ActionToken
	err := tx.WithContext(ctx).Where("hash = ? AND scope = ?", s.hash(scope, raw), scope).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.Reject(domain.ReasonForbidden, "token not valid for %s", scope)
		}
		return nil, err
	}
	if t.IsExpired(s.clock.Now()) {
		return nil, domain.Reject(domain.ReasonExpired, "token expired")
	}
	if t.ConsumedAt != nil {
		return nil, domain.Reject(domain.ReasonExpired, "token already used")
	}
	return &t, nil
}

func (s *Service) Verify(ctx context.Context, scope domain.TokenScope, raw string) (*domain.ActionToken, error) {
	return s.VerifyTx(ctx, s.db, scope, raw)
}

// ConsumeTx marks a single-use token spent. Losing the race to another
// consumer is reported as expired.
func (s *Service) ConsumeTx(ctx context.Context, tx *gorm.DB, t *domain.ActionToken) error {
	if !t.Scope.SingleUse() {
		return nil
	}
	now := s.clock.Now()
	res := tx.WithContext(ctx).Model(&domain.ActionToken{}).
		Where("id = ? AND consumed_at IS NULL", t.ID).
		Update("consumed_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Reject(domain.ReasonExpired, "token already used")
	}
	t.ConsumedAt = &now
	return nil
}

// RevokeForBookingTx expires every outstanding token of a booking.
func (s *Service) RevokeForBookingTx(ctx context.Context, tx *gorm.DB, bookingID uuid.UUID, scopes ...domain.TokenScope) error {
	q := tx.WithContext(ctx).Model(&domain.ActionToken{}).
		Where("booking_id = ? AND consumed_at IS NULL AND expires_at > ?", bookingID, s.clock.Now())
	if len(scopes) > 0 {
		q = q.Where("scope IN ?", scopes)
	}
	return q.Update("expires_at", s.clock.Now()).Error
}

// RevokeForChargeTx expires the unused approval token of a charge request.
func (s *Service) RevokeForChargeTx(ctx context.Context, tx *gorm.DB, chargeRequestID uuid.UUID) error {
	now := s.clock.Now()
	return tx.WithContext(ctx).Model(&domain.ActionToken{}).
		Where("charge_request_id = ? AND consumed_at IS NULL AND expires_at > ?", chargeRequestID, now).
		Update("expires_at", now).Error
}

// Purge removes tokens that expired before the given cutoff.
func (s *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", before).Delete(&domain.ActionToken{})
	return res.RowsAffected, res.Error
}

// Fingerprint identifies a raw token for rate limiting without exposing it.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
