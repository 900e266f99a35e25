// Package app wires the services, hooks and HTTP routes together. Both the
// API server and the CLI build their dependencies here.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"venuecore/internal/config"
	"venuecore/internal/database"
	"venuecore/internal/domain"
	"venuecore/internal/events"
	"venuecore/internal/middleware"
	"venuecore/internal/modules/booking"
	"venuecore/internal/modules/catalog"
	"venuecore/internal/modules/feedback"
	"venuecore/internal/modules/holds"
	"venuecore/internal/modules/idempotency"
	"venuecore/internal/modules/ledger"
	"venuecore/internal/modules/live"
	"venuecore/internal/modules/notify"
	"venuecore/internal/modules/payment"
	"venuecore/internal/modules/sweep"
	"venuecore/internal/modules/tables"
	"venuecore/internal/modules/throttle"
	"venuecore/internal/modules/tokens"
	"venuecore/internal/modules/waitlist"
	"venuecore/internal/pkg/clock"
	"venuecore/internal/pkg/jwt"
	"venuecore/internal/pkg/quiethours"
	"venuecore/internal/repository"
)

// Overrides replaces external collaborators, mostly for tests.
type Overrides struct {
	Clock     clock.Clock
	Processor payment.Processor
	SMS       notify.SMSSender
	Mailer    notify.Mailer
	Events    events.Publisher
	Redis     redis.Scripter
}

type App struct {
	Config *config.Config
	DB     *gorm.DB
	Log    zerolog.Logger
	JWT    *jwt.Service

	Ledger   *ledger.Ledger
	Holds    *holds.Manager
	Outbox   *notify.Outbox
	Tokens   *tokens.Service
	Guard    *idempotency.Guard
	Throttle *throttle.Limiter
	Tables   *tables.Service
	Catalog  *catalog.Service
	Bookings *booking.Service
	Waitlist *waitlist.Service
	Payments *payment.Service
	Feedback *feedback.Service
	Sweeper  *sweep.Sweeper
	Live     *live.Hub

	closers []func() error
}

// New builds the service graph on db. The caller owns db.
func New(cfg *config.Config, db *gorm.DB, log zerolog.Logger, o Overrides) (*App, error) {
	a := &App{Config: cfg, DB: db, Log: log, JWT: jwt.New(cfg.JWTSecret, cfg.JWTTTL)}

	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	pub := o.Events
	if pub == nil {
		pub = events.LogPublisher{Log: log}
		if cfg.AMQPURL != "" {
			amqpPub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, log)
			if err != nil {
				// Events are informational; booking keeps working without the broker.
				log.Warn().Err(err).Msg("event broker unavailable, logging events instead")
			} else {
				pub = amqpPub
				a.closers = append(a.closers, amqpPub.Close)
			}
		}
	}

	a.Live = live.NewHub(log)
	a.closers = append(a.closers, a.Live.Close)
	pub = events.Fanout{pub, a.Live}

	rdb := o.Redis
	if rdb == nil && cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		rdb = client
		a.closers = append(a.closers, client.Close)
	}
	if rdb == nil {
		log.Warn().Msg("REDIS_ADDR not set, throttle runs on in-process buckets only")
	}

	gate, err := quiethours.New(cfg.Timezone, cfg.QuietHoursStart, cfg.QuietHoursEnd)
	if err != nil {
		return nil, err
	}

	sms := o.SMS
	if sms == nil {
		if cfg.SMSBaseURL != "" {
			sms = notify.NewHTTPSMSSender(cfg.SMSBaseURL, cfg.SMSAPIKey, &http.Client{Timeout: 10 * time.Second})
		} else {
			sms = notify.LogSMSSender{Log: log}
		}
	}
	mailer := o.Mailer
	if mailer == nil {
		if cfg.SMTPAddr != "" {
			mailer = notify.NewSMTPMailer(notify.SMTPConfig{
				Addr:     cfg.SMTPAddr,
				User:     cfg.SMTPUser,
				Password: cfg.SMTPPassword,
				From:     cfg.SMTPFrom,
			}, log)
		} else {
			mailer = notify.LogMailer{Log: log}
		}
	}

	processor := o.Processor
	if processor == nil {
		if cfg.ProcessorBaseURL == "" {
			log.Warn().Msg("PROCESSOR_BASE_URL not set, payment calls will fail")
		}
		processor = payment.NewHTTPProcessor(cfg.ProcessorBaseURL, cfg.ProcessorAPIKey, &http.Client{Timeout: 15 * time.Second})
	}

	ttl := make(map[domain.TokenScope]time.Duration, len(domain.AllScopes))
	for _, scope := range domain.AllScopes {
		ttl[scope] = cfg.GuestTokenTTL
		if scope.ForManager() {
			ttl[scope] = cfg.ManagerTokenTTL
		}
	}
	a.Tokens, err = tokens.New(db, []byte(cfg.TokenSecret), ttl, clk, log)
	if err != nil {
		return nil, err
	}

	a.Ledger = ledger.New(db, clk, log)
	a.Holds = holds.NewManager(db, a.Ledger, clk, log)
	a.Outbox = notify.NewOutbox(db, gate, sms, mailer, clk, notify.Options{}, log)
	a.Guard = idempotency.New(db, clk, idempotency.Options{TTL: cfg.IdempotencyRetention, Wait: cfg.IdempotencyWait}, log)
	a.Throttle = throttle.New(rdb, throttle.Config{
		Capacity:         cfg.ThrottleCapacity,
		Refill:           cfg.ThrottleRefill,
		Interval:         cfg.ThrottleInterval,
		FallbackCapacity: cfg.ThrottleFallbackCapacity,
	}, clk, log)
	a.Tables = tables.NewService(db, clk, cfg.TableJoinBound, log)
	composer := notify.NewComposer(cfg.PublicBaseURL, cfg.Timezone)

	a.Bookings = booking.NewService(booking.Deps{
		DB:       db,
		Ledger:   a.Ledger,
		Holds:    a.Holds,
		Tables:   a.Tables,
		Outbox:   a.Outbox,
		Composer: composer,
		Tokens:   a.Tokens,
		Throttle: a.Throttle,
		Guard:    a.Guard,
		Events:   pub,
		Clock:    clk,
		Log:      log,
	}, booking.Config{HoldTTL: cfg.HoldTTL, ReminderLead: cfg.ReminderLead, DefaultCountry: cfg.DefaultCountry})

	a.Waitlist = waitlist.NewService(waitlist.Deps{
		DB:       db,
		Ledger:   a.Ledger,
		Holds:    a.Holds,
		Outbox:   a.Outbox,
		Composer: composer,
		Tokens:   a.Tokens,
		Throttle: a.Throttle,
		Events:   pub,
		Clock:    clk,
		Log:      log,
	}, waitlist.Config{ResponseWindow: cfg.OfferResponseWindow, DefaultCountry: cfg.DefaultCountry})

	fees := map[domain.ChargeKind]int64{}
	if cfg.NoShowFeePerHead > 0 {
		fees[domain.ChargeNoShow] = cfg.NoShowFeePerHead
	}
	if cfg.LateCancelFeePerHead > 0 {
		fees[domain.ChargeLateCancellation] = cfg.LateCancelFeePerHead
	}
	a.Payments = payment.NewService(payment.Deps{
		DB:        db,
		Ledger:    a.Ledger,
		Holds:     a.Holds,
		Bookings:  a.Bookings,
		Outbox:    a.Outbox,
		Composer:  composer,
		Tokens:    a.Tokens,
		Throttle:  a.Throttle,
		Processor: processor,
		Events:    pub,
		Clock:     clk,
		Log:       log,
	}, payment.Config{
		Currency:        cfg.Currency,
		CheckoutTTL:     cfg.CheckoutTTL,
		FeesPerHead:     fees,
		OperatorEmail:   cfg.OperatorEmail,
		ManagerTokenTTL: cfg.ManagerTokenTTL,
		WebhookSecret:   []byte(cfg.ProcessorWebhookSecret),
		PreOrderMenu:    cfg.PreOrderMenu,
	})

	// Hold expiry, outbox and release hooks.
	a.Holds.Handle(domain.HoldOwnerBooking, a.Bookings)
	a.Holds.Handle(domain.HoldOwnerOffer, a.Waitlist)
	a.Payments.Attach()
	a.Outbox.Hook(domain.PurposeWaitlistOffer, a.Waitlist)
	a.Bookings.OnRelease(a.Waitlist)
	a.Waitlist.SetIntake(a.Bookings)

	a.Feedback = feedback.NewService(feedback.Deps{
		DB:       db,
		Outbox:   a.Outbox,
		Composer: composer,
		Tokens:   a.Tokens,
		Throttle: a.Throttle,
		Events:   pub,
		Clock:    clk,
		Log:      log,
	}, feedback.Config{})

	a.Catalog = catalog.NewService(db, repository.NewResourceRepository(db), a.Ledger, a.Bookings, clk, log)

	a.Sweeper = sweep.New(sweep.Deps{
		Bookings:    a.Bookings,
		Holds:       a.Holds,
		Waitlist:    a.Waitlist,
		Feedback:    a.Feedback,
		Outbox:      a.Outbox,
		Idempotency: a.Guard,
		Tokens:      a.Tokens,
		Clock:       clk,
		Log:         log,
	}, sweep.Config{TokenRetention: cfg.TokenRetention})

	return a, nil
}

// Router mounts the public API, the staff API and the scheduler hook.
func (a *App) Router() *gin.Engine {
	if config.IsProdLike(a.Config.AppEnv) {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.RequestLogger(a.Log))
	r.Use(middleware.CORS(a.Config.CORSAllowedOrigins))

	r.GET("/health", a.health)

	sweepHandler := sweep.NewHandler(a.Sweeper, a.Log)
	bookingHandler := booking.NewHandler(a.Bookings, a.Log)
	waitlistHandler := waitlist.NewHandler(a.Waitlist, a.Log)
	paymentHandler := payment.NewHandler(a.Payments, a.Log)
	catalogHandler := catalog.NewHandler(a.Catalog, a.Log)
	tablesHandler := tables.NewHandler(a.Tables, a.Log)
	feedbackHandler := feedback.NewHandler(a.Feedback, a.Log)
	liveHandler := live.NewHandler(a.Live, a.Config.CORSAllowedOrigins, a.Log)

	v1 := r.Group("/api/v1")
	{
		catalogHandler.RegisterRoutes(v1)
		bookingHandler.RegisterRoutes(v1)
		waitlistHandler.RegisterRoutes(v1)
		paymentHandler.RegisterPublicRoutes(v1)
		feedbackHandler.RegisterRoutes(v1)

		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(a.JWT), middleware.StaffOnly())
		{
			catalogHandler.RegisterAdminRoutes(admin)
			bookingHandler.RegisterAdminRoutes(admin)
			waitlistHandler.RegisterAdminRoutes(admin)
			paymentHandler.RegisterAdminRoutes(admin)
			tablesHandler.RegisterAdminRoutes(admin)
			feedbackHandler.RegisterAdminRoutes(admin)
			liveHandler.RegisterAdminRoutes(admin)
			sweepHandler.RegisterAdminRoutes(admin)
		}
	}

	internal := r.Group("/internal")
	internal.Use(middleware.InternalTokenAuth(a.Config.InternalToken, a.Config.InternalAllowedIPs, a.Log))
	sweepHandler.RegisterAdminRoutes(internal)

	return r
}

func (a *App) health(c *gin.Context) {
	sqlDB, err := a.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Close releases broker and cache connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// Open connects to the configured database, migrates it and builds the app.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	db, err := database.Connect(cfg.DatabaseURL, database.Options{
		MaxOpenConns:    cfg.DBMaxOpen,
		MaxIdleConns:    cfg.DBMaxOpen / 2,
		ConnMaxLifetime: time.Hour,
		LogQueries:      cfg.DBLogQueries,
	}, log)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db.WithContext(ctx)); err != nil {
		return nil, err
	}
	a, err := New(cfg, db, log, Overrides{})
	if err != nil {
		return nil, err
	}
	a.closers = append([]func() error{func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}}, a.closers...)
	return a, nil
}
