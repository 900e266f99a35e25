// Package sweep runs the periodic time-driven work: expiring holds,
// bookings and offers, advancing waitlists, asking for feedback,
// dispatching the outbox and purging stale records.
//
// Run only guards against overlap inside one process. Sweeps started by
// several processes may interleave: every step claims its rows with a
// conditional update or under the resource row lock, so a row is expired,
// sent or purged by exactly one of them and the rest see nothing to do.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"venuecore/internal/domain"
	"venuecore/internal/modules/holds"
	"venuecore/internal/modules/notify"
	"venuecore/internal/pkg/clock"
)

type BookingExpirer interface {
	ExpireDue(ctx context.Context) ([]domain.Booking, error)
}

type HoldExpirer interface {
	ExpireDue(ctx context.Context) ([]holds.Expired, error)
}

type Waitlist interface {
	ExpireOffers(ctx context.Context) (int, error)
	ExpireClosedEntries(ctx context.Context) (int64, error)
	AdvanceAll(ctx context.Context) (int, error)
}

type FeedbackRequester interface {
	RequestDue(ctx context.Context) (int, error)
}

type Dispatcher interface {
	DispatchDue(ctx context.Context) (notify.DispatchSummary, error)
}

type IdempotencyPurger interface {
	Purge(ctx context.Context) (int64, error)
}

type TokenPurger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

type Deps struct {
	Bookings    BookingExpirer
	Holds       HoldExpirer
	Waitlist    Waitlist
	Feedback    FeedbackRequester
	Outbox      Dispatcher
	Idempotency IdempotencyPurger
	Tokens      TokenPurger
	Clock       clock.Clock
	Log         zerolog.Logger
}

type Config struct {
	// TokenRetention keeps expired tokens around for support lookups.
	TokenRetention time.Duration
}

type Summary struct {
	ExpiredBookings   int           `json:"expired_bookings"`
	ExpiredHolds      int           `json:"expired_holds"`
	ExpiredOffers     int           `json:"expired_offers"`
	ExpiredEntries    int64         `json:"expired_entries"`
	AdvancedQueues    int           `json:"advanced_queues"`
	FeedbackRequests  int           `json:"feedback_requests"`
	SentMessages      int           `json:"sent_messages"`
	DeferredMessages  int           `json:"deferred_messages"`
	FailedMessages    int           `json:"failed_messages"`
	PurgedIdempotency int64         `json:"purged_idempotency"`
	PurgedTokens      int64         `json:"purged_tokens"`
	Duration          time.Duration `json:"duration"`
}

type Sweeper struct {
	d   Deps
	cfg Config
	log zerolog.Logger
	mu  sync.Mutex
}

func New(d Deps, cfg Config) *Sweeper {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if cfg.TokenRetention <= 0 {
		cfg.TokenRetention = 7 * 24 * time.Hour
	}
	return &Sweeper{d: d, cfg: cfg, log: d.Log.With().Str("component", "sweep").Logger()}
}

// Run performs one sweep. A failing step is logged and the remaining
// steps still run; the returned error joins every step failure. A second
// Run while one is in flight in this process is rejected as in_progress.
// Other processes are not excluded; see the package doc.
func (s *Sweeper) Run(ctx context.Context) (*Summary, error) {
	if !s.mu.TryLock() {
		return nil, domain.Reject(domain.ReasonInProgress, "a sweep is already running")
	}
	defer s.mu.Unlock()

	start := s.d.Clock.Now()
	var sum Summary
	var errs []error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			s.log.Error().Err(err).Str("step", name).Msg("sweep step failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	// Bookings go first so their holds are released with the right reason
	// before the generic hold expiry sees them.
	step("bookings", func() error {
		out, err := s.d.Bookings.ExpireDue(ctx)
		sum.ExpiredBookings = len(out)
		return err
	})
	step("holds", func() error {
		out, err := s.d.Holds.ExpireDue(ctx)
		sum.ExpiredHolds = len(out)
		return err
	})
	step("offers", func() error {
		n, err := s.d.Waitlist.ExpireOffers(ctx)
		sum.ExpiredOffers = n
		return err
	})
	step("entries", func() error {
		n, err := s.d.Waitlist.ExpireClosedEntries(ctx)
		sum.ExpiredEntries = n
		return err
	})
	step("advance", func() error {
		n, err := s.d.Waitlist.AdvanceAll(ctx)
		sum.AdvancedQueues = n
		return err
	})
	if s.d.Feedback != nil {
		step("feedback", func() error {
			n, err := s.d.Feedback.RequestDue(ctx)
			sum.FeedbackRequests = n
			return err
		})
	}
	step("outbox", func() error {
		ds, err := s.d.Outbox.DispatchDue(ctx)
		sum.SentMessages, sum.DeferredMessages, sum.FailedMessages = ds.Sent, ds.Deferred, ds.Failed
		return err
	})

	var g errgroup.Group
	g.Go(func() error {
		n, err := s.d.Idempotency.Purge(ctx)
		sum.PurgedIdempotency = n
		if err != nil {
			return fmt.Errorf("idempotency purge: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		n, err := s.d.Tokens.Purge(ctx, start.Add(-s.cfg.TokenRetention))
		sum.PurgedTokens = n
		if err != nil {
			return fmt.Errorf("token purge: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		s.log.Error().Err(err).Msg("sweep purge failed")
		errs = append(errs, err)
	}

	sum.Duration = s.d.Clock.Now().Sub(start)
	s.log.Info().
		Int("expired_bookings", sum.ExpiredBookings).
		Int("expired_holds", sum.ExpiredHolds).
		Int("expired_offers", sum.ExpiredOffers).
		Int64("expired_entries", sum.ExpiredEntries).
		Int("sent_messages", sum.SentMessages).
		Int("deferred_messages", sum.DeferredMessages).
		Int64("purged_idempotency", sum.PurgedIdempotency).
		Dur("took", sum.Duration).
		Msg("sweep finished")
	return &sum, errors.Join(errs...)
}

// Loop sweeps once, then every interval on the sweeper's clock, until ctx
// is done. Failures are logged and never stop the loop.
func (s *Sweeper) Loop(ctx context.Context, interval time.Duration) {
	ticker := clock.NewTicker(s.d.Clock, interval)
	defer ticker.Stop()
	for {
		if _, err := s.Run(ctx); errors.Is(err, domain.ErrInProgress) {
			s.log.Warn().Msg("previous sweep still running")
		} else if err != nil {
			s.log.Error().Err(err).Msg("sweep finished with errors")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}
