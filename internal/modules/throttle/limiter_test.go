package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venuecore/internal/domain"
	"venuecore/internal/pkg/clock"
)

var base = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{Capacity: 3, Refill: 1, Interval: time.Second, TTL: time.Minute, FallbackCapacity: 1}
}

func scriptArgs(clk clock.Clock) []interface{} {
	return []interface{}{clk.Now().UnixMilli(), int64(3), int64(1), int64(1000), int64(60)}
}

func TestKeysAreScopedPerTokenAndCaller(t *testing.T) {
	l := New(nil, testConfig(), nil, zerolog.Nop())

	assert.Equal(t, []string{
		"throttle:claim_offer:tok:abc",
		"throttle:claim_offer:caller:10.0.0.1",
	}, l.Keys("abc", "claim_offer", "10.0.0.1"))
	assert.Equal(t, []string{"throttle:booking_intake:caller:anon"}, l.Keys("", ScopeBookingIntake, ""))
}

func TestCheckAndRecordUsesRedisScript(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	clk := clock.NewFake(base)
	l := New(rdb, testConfig(), clk, zerolog.Nop())
	keys := l.Keys("abc", "approve_charge", "10.0.0.1")

	mock.ExpectEvalSha(bucketScript.Hash(), keys, scriptArgs(clk)...).
		SetVal([]interface{}{int64(1), int64(2), int64(0)})
	mock.ExpectEvalSha(bucketScript.Hash(), keys, scriptArgs(clk)...).
		SetVal([]interface{}{int64(0), int64(0), int64(750)})

	d, err := l.CheckAndRecord(context.Background(), "abc", "approve_charge", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), d.Remaining)
	assert.False(t, d.Degraded)

	err = l.Enforce(context.Background(), "abc", "approve_charge", "10.0.0.1")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisFailureFallsBackToSmallerLocalBucket(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	clk := clock.NewFake(base)
	l := New(rdb, testConfig(), clk, zerolog.Nop())
	keys := l.Keys("abc", "claim_offer", "10.0.0.1")
	for i := 0; i < 2; i++ {
		mock.ExpectEvalSha(bucketScript.Hash(), keys, scriptArgs(clk)...).SetErr(errors.New("dial tcp: connection refused"))
	}

	d, err := l.CheckAndRecord(context.Background(), "abc", "claim_offer", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)

	d, err = l.CheckAndRecord(context.Background(), "abc", "claim_offer", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "fallback capacity is stricter than the shared one")
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestLocalBucketRefills(t *testing.T) {
	clk := clock.NewFake(base)
	cfg := testConfig()
	cfg.FallbackCapacity = 2
	l := New(nil, cfg, clk, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, l.Enforce(ctx, "tok", "pay", "c1"))
	}
	require.ErrorIs(t, l.Enforce(ctx, "tok", "pay", "c1"), domain.ErrRateLimited)

	clk.Advance(1500 * time.Millisecond)
	require.NoError(t, l.Enforce(ctx, "tok", "pay", "c1"))
	assert.ErrorIs(t, l.Enforce(ctx, "tok", "pay", "c1"), domain.ErrRateLimited)
}

func TestCallerBucketLimitsTokenEnumeration(t *testing.T) {
	clk := clock.NewFake(base)
	cfg := testConfig()
	cfg.FallbackCapacity = 2
	l := New(nil, cfg, clk, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, l.Enforce(ctx, "guess-1", "claim_offer", "attacker"))
	require.NoError(t, l.Enforce(ctx, "guess-2", "claim_offer", "attacker"))
	assert.ErrorIs(t, l.Enforce(ctx, "guess-3", "claim_offer", "attacker"), domain.ErrRateLimited)
	assert.NoError(t, l.Enforce(ctx, "guess-3", "claim_offer", "someone-else"))
}
