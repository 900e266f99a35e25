package main

import (
	"context"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"venuecore/internal/app"
	"venuecore/internal/config"
	"venuecore/internal/pkg/testdb"
)

func TestServeStopsWhenContextEnds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		AppEnv:                   "test",
		HTTPAddr:                 "127.0.0.1:0",
		Timezone:                 time.UTC,
		QuietHoursStart:          "21:00",
		QuietHoursEnd:            "09:00",
		HoldTTL:                  15 * time.Minute,
		CheckoutTTL:              30 * time.Minute,
		OfferResponseWindow:      2 * time.Hour,
		ReminderLead:             24 * time.Hour,
		IdempotencyRetention:     24 * time.Hour,
		IdempotencyWait:          time.Second,
		TokenRetention:           7 * 24 * time.Hour,
		TableJoinBound:           4,
		DefaultCountry:           "US",
		Currency:                 "USD",
		ManagerTokenTTL:          72 * time.Hour,
		GuestTokenTTL:            720 * time.Hour,
		PublicBaseURL:            "https://venue.test",
		TokenSecret:              "0123456789abcdef0123456789abcdef",
		JWTSecret:                "jwt-test-secret",
		JWTTTL:                   time.Hour,
		ProcessorWebhookSecret:   "whsec_test",
		ThrottleCapacity:         100,
		ThrottleRefill:           1,
		ThrottleInterval:         time.Second,
		ThrottleFallbackCapacity: 100,
		SweepInterval:            time.Hour,
	}
	a, err := app.New(cfg, testdb.Open(t), zerolog.Nop(), app.Overrides{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, a, cfg, zerolog.Nop()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
