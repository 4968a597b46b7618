package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/slotchain/slotchain/libs/config"
	"github.com/slotchain/slotchain/libs/httpx"
	"github.com/slotchain/slotchain/libs/kafkax"
	otelx "github.com/slotchain/slotchain/libs/otel"
	"github.com/slotchain/slotchain/libs/runtime"
	"github.com/slotchain/slotchain/services/booking-service/internal/access"
	"github.com/slotchain/slotchain/services/booking-service/internal/availability"
	"github.com/slotchain/slotchain/services/booking-service/internal/booking"
	"github.com/slotchain/slotchain/services/booking-service/internal/consumer"
	"github.com/slotchain/slotchain/services/booking-service/internal/handlers"
	"github.com/slotchain/slotchain/services/booking-service/internal/metrics"
	"github.com/slotchain/slotchain/services/booking-service/internal/outbox"
	"github.com/slotchain/slotchain/services/booking-service/internal/reconcile"
	"github.com/slotchain/slotchain/services/booking-service/internal/scheduling"
)

const reconcileLeaderKey int64 = 0x736c6f74

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext(context.Background())
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	st, err := openStores(ctx, logger)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		panic(err)
	}
	defer st.Close()

	transfers, err := openTransfer(logger)
	if err != nil {
		logger.Error("transfer backend init failed", "err", err)
		panic(err)
	}

	rdb, err := openRedis(ctx)
	if err != nil {
		logger.Error("redis init failed", "err", err)
		panic(err)
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewCollector(registry)

	schedulingSvc := scheduling.NewService(st.slots, st.providers, scheduling.Options{
		Locker:  st.locker,
		Events:  st.events,
		Metrics: recorder,
		Logger:  logger,
		MaxDays: config.Int("MAX_WINDOW_DAYS", availability.DefaultMaxDays),
	})
	orch := booking.NewOrchestrator(booking.Deps{
		Slots:     st.slots,
		Bookings:  st.bookings,
		Providers: st.providers,
		Transfers: transfers,
		Metrics:   recorder,
		Logger:    logger,
	}, booking.Config{
		ConfirmationTimeout: config.Duration("CONFIRMATION_TIMEOUT", 2*time.Minute),
		EligibilityAttempts: config.Int("ELIGIBILITY_ATTEMPTS", 3),
		RetryBackoff:        config.Duration("RETRY_BACKOFF", 200*time.Millisecond),
	})

	secret, err := config.RequiredString("ACCESS_TOKEN_SECRET")
	if err != nil {
		panic(err)
	}
	verifier := access.NewVerifier(st.bookings, st.slots, nonceStore(rdb), recorder, logger, access.Config{
		Secret:      secret,
		JoinBaseURL: config.String("JOIN_BASE_URL", "https://meet.slotchain.local/rooms"),
		Grace:       config.Duration("ACCESS_GRACE", 5*time.Minute),
		NonceTTL:    config.Duration("ACCESS_NONCE_TTL", 2*time.Minute),
	})

	reconciler := reconcile.New(st.bookings, st.slots, transfers, orch, recorder, logger, reconcile.Config{
		PollTimeout: config.Duration("RECONCILE_POLL_TIMEOUT", 2*time.Second),
		BatchSize:   config.Int("RECONCILE_BATCH_SIZE", 50),
		ClaimTTL:    config.Duration("RECONCILE_CLAIM_TTL", 5*time.Minute),
	})
	refunds := reconcile.NewRefunds(st.bookings, transfers, recorder, logger)
	if st.local != nil {
		st.local.Subscribe(outbox.EventRefundRequested, refunds.HandleEvent)
	}
	if st.pool != nil {
		reconciler.WithLeader(reconcile.NewAdvisoryLeader(st.pool, reconcileLeaderKey))
	}
	go reconciler.Run(ctx, config.Duration("RECONCILE_INTERVAL", 30*time.Second))

	brokers := config.String("KAFKA_BROKERS", "")
	checks := st.checks
	if brokers != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
		if st.outbox != nil {
			publisher := outbox.NewPublisher(st.pool, st.outbox, logger, outbox.PublisherConfig{
				Brokers:   brokers,
				PollEvery: config.Duration("OUTBOX_POLL_EVERY", 2*time.Second),
				BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
				Retention: config.Duration("OUTBOX_RETENTION", 7*24*time.Hour),
			})
			go publisher.Run(ctx)
		}
		confirmations := consumer.New(logger, st.inbox, consumer.Config{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", "booking-service"),
			Topic:   config.String("KAFKA_CONFIRMATIONS_TOPIC", consumer.TopicTransferConfirmed),
		}, consumer.ReceiptHandler(reconciler.HandleReceipt))
		go confirmations.Run(ctx)

		if st.outbox != nil {
			refundRequests := consumer.New(logger, st.inbox, consumer.Config{
				Brokers: brokers,
				GroupID: config.String("KAFKA_GROUP_ID", "booking-service") + "-refunds",
				Topic:   outbox.EventRefundRequested,
			}, consumer.JSONHandler(refunds.HandleRequest))
			go refundRequests.Run(ctx)
		}
	}
	if rdb != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	bookingHandler := handlers.NewBookingHandler(schedulingSvc, orch, logger)
	availabilityHandler := handlers.NewAvailabilityHandler(schedulingSvc, logger)
	accessHandler := handlers.NewAccessHandler(verifier, logger)

	mux := runtime.NewBaseMux(metrics.Handler(registry), checks...)
	// Reserve blocks on transfer confirmation and is bounded by CONFIRMATION_TIMEOUT instead.
	bounded := httpx.WithTimeout(config.Duration("HTTP_HANDLER_TIMEOUT", 10*time.Second))
	mux.Handle("/api/v1/public/slots", bounded(http.HandlerFunc(bookingHandler.Slots)))
	mux.HandleFunc("/api/v1/public/reserve", bookingHandler.Reserve)
	mux.Handle("/api/v1/availability", bounded(http.HandlerFunc(availabilityHandler.Handle)))
	mux.Handle("/api/v1/access", bounded(http.HandlerFunc(accessHandler.Verify)))
	mux.Handle("/api/v1/access/nonce", bounded(http.HandlerFunc(accessHandler.Nonce)))

	limit := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	var rateLimit httpx.Middleware
	if rdb != nil {
		rateLimit = httpx.NewRedisRateLimiter(rdb, limit, time.Minute, "slotchain:rl").
			Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
	} else {
		rateLimit = httpx.NewRateLimiter(limit, time.Minute).Middleware()
	}

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.PublicCORSPolicy(config.List("CORS_ALLOWED_ORIGINS", ""))),
		rateLimit,
		httpx.WithBodyLimit(1<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
