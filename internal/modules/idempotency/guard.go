// Package idempotency makes retried mutating requests replay their first
// outcome instead of running twice.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"venuecore/internal/database"
	"venuecore/internal/domain"
	"venuecore/internal/pkg/canonical"
	"venuecore/internal/pkg/clock"
)

type Options struct {
	// TTL is how long a completed response is replayed.
	TTL time.Duration
	// Wait bounds how long a duplicate waits for the first caller.
	Wait time.Duration
	// Stale marks an in-progress record as abandoned.
	Stale time.Duration
	Poll  time.Duration
}

func DefaultOptions() Options {
	return Options{TTL: 24 * time.Hour, Wait: 5 * time.Second, Stale: 2 * time.Minute, Poll: 50 * time.Millisecond}
}

type Guard struct {
	db    *gorm.DB
	clock clock.Clock
	log   zerolog.Logger
	opts  Options
	group singleflight.Group
}

func New(db *gorm.DB, clk clock.Clock, opts Options, log zerolog.Logger) *Guard {
	if clk == nil {
		clk = clock.Real{}
	}
	d := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = d.TTL
	}
	if opts.Wait <= 0 {
		opts.Wait = d.Wait
	}
	if opts.Stale <= 0 {
		opts.Stale = d.Stale
	}
	if opts.Poll <= 0 {
		opts.Poll = d.Poll
	}
	return &Guard{db: db, clock: clk, opts: opts, log: log.With().Str("component", "idempotency").Logger()}
}

type flight struct {
	raw      []byte
	replayed bool
}

// Do runs op at most once per key. A repeat with the same payload gets the
// stored result and replayed=true; a repeat with a different payload is a
// conflict. Keys are opaque and scoped by the caller. An empty key runs op
// without protection.
func Do[T any](ctx context.Context, g *Guard, key string, payload any, op func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	if key == "" {
		v, err := op(ctx)
		return v, false, err
	}
	hash, err := canonical.Hash(payload)
	if err != nil {
		return zero, false, fmt.Errorf("hash payload: %w", err)
	}

	// The flight outlives any one caller, so it runs detached from the
	// first caller's cancellation; each caller still stops waiting on its own.
	flightCtx := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key+"|"+hash, func() (any, error) {
		raw, replayed, err := g.run(flightCtx, key, hash, func(ctx context.Context) ([]byte, error) {
			out, err := op(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(out)
		})
		return flight{raw: raw, replayed: replayed}, err
	})
	var r singleflight.Result
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case r = <-ch:
	}
	if r.Err != nil {
		return zero, false, r.Err
	}
	v := r.Val
	res := v.(flight)
	var out T
	if err := json.Unmarshal(res.raw, &out); err != nil {
		return zero, false, fmt.Errorf("decode stored response: %w", err)
	}
	return out, res.replayed, nil
}

func (g *Guard) run(ctx context.Context, key, hash string, op func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	db := g.db.WithContext(ctx)
	var waited time.Duration

	for {
		now := g.clock.Now()
		rec := domain.IdempotencyRecord{
			Key:         key,
			RequestHash: hash,
			Status:      domain.IdempotencyInProgress,
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.opts.TTL),
		}
		err := db.Create(&rec).Error
		if err == nil {
			return g.execute(ctx, key, op)
		}
		if !database.IsUniqueViolation(err) {
			return nil, false, fmt.Errorf("claim idempotency key: %w", err)
		}

		var existing domain.IdempotencyRecord
		if err := db.Where(map[string]any{"key": key}).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, false, err
		}

		switch {
		case !now.Before(existing.ExpiresAt):
			g.drop(db.Where("expires_at <= ?", now), key)
			continue
		case existing.RequestHash != hash:
			return nil, false, domain.Reject(domain.ReasonConflict, "idempotency key reused with a different request")
		case existing.Status == domain.IdempotencyCompleted:
			g.log.Debug().Str("key", key).Msg("replaying stored response")
			return existing.Response, true, nil
		case now.Sub(existing.CreatedAt) >= g.opts.Stale:
			g.log.Warn().Str("key", key).Time("created_at", existing.CreatedAt).Msg("dropping stale in-progress record")
			g.drop(db.Where("status = ? AND created_at <= ?", domain.IdempotencyInProgress, now.Add(-g.opts.Stale)), key)
			continue
		}

		if waited >= g.opts.Wait {
			return nil, false, domain.Reject(domain.ReasonInProgress, "an identical request is still running")
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(g.opts.Poll):
		}
		waited += g.opts.Poll
	}
}

func (g *Guard) execute(ctx context.Context, key string, op func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	raw, err := op(ctx)
	db := g.db.WithContext(context.WithoutCancel(ctx))
	if err != nil {
		if derr := db.Where(map[string]any{"key": key, "status": domain.IdempotencyInProgress}).
			Delete(&domain.IdempotencyRecord{}).Error; derr != nil {
			g.log.Error().Err(derr).Str("key", key).Msg("failed to clear idempotency record")
		}
		return nil, false, err
	}
	if err := db.Model(&domain.IdempotencyRecord{}).
		Where(map[string]any{"key": key}).
		Updates(map[string]any{"status": domain.IdempotencyCompleted, "response": raw}).Error; err != nil {
		g.log.Error().Err(err).Str("key", key).Msg("failed to store idempotent response")
	}
	return raw, false, nil
}

func (g *Guard) drop(scope *gorm.DB, key string) {
	if err := scope.Where(map[string]any{"key": key}).
		Delete(&domain.IdempotencyRecord{}).Error; err != nil {
		g.log.Error().Err(err).Str("key", key).Msg("failed to drop idempotency record")
	}
}

// Purge deletes expired records and reports how many were removed.
func (g *Guard) Purge(ctx context.Context) (int64, error) {
	res := g.db.WithContext(ctx).
		Where("expires_at <= ?", g.clock.Now()).
		Delete(&domain.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
