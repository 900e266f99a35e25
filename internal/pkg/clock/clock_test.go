package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeSetAndAdvance(t *testing.T) {
	base := time.Date(2026, 7, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	f := NewFake(base)
	assert.Equal(t, time.UTC, f.Now().Location())
	assert.True(t, base.Equal(f.Now()))

	assert.True(t, base.Add(time.Hour).Equal(f.Advance(time.Hour)))

	f.Set(base.Add(-time.Minute))
	assert.True(t, base.Add(-time.Minute).Equal(f.Now()))
}

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	f := NewFake(time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC))
	tk := NewTicker(f, time.Minute)
	defer tk.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.BlockUntilTickers(ctx, 1))

	f.Advance(time.Minute)
	select {
	case <-tk.Chan():
	case <-ctx.Done():
		t.Fatal("ticker did not fire")
	}
}

func TestRealClockIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, Real{}.Now().Location())
}
