package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/libs/config"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/libs/db"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/libs/httpx"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/libs/kafkax"
	otelx "github.com/formonexsolutions/onesalon-erp-2.0-sub000/libs/otel"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/libs/runtime"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/catalog"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/conflict"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/consumer"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/directory"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/handlers"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/inbox"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/inventory"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/lifecycle"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/loyalty"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/outbox"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/policy"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8086")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
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

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	outboxRepo := outbox.NewRepository(pool)
	schedulingRepo := storage.NewSchedulingRepository(pool, outboxRepo)
	availabilityRepo := storage.NewAvailabilityRepository(pool)
	cacheRepo := storage.NewCacheRepository(pool)
	idempotencyRepo := storage.NewIdempotencyRepository(pool)

	location, err := time.LoadLocation(config.String("BUSINESS_TIMEZONE", "UTC"))
	if err != nil {
		logger.Error("invalid BUSINESS_TIMEZONE; using UTC", "err", err)
		location = time.UTC
	}

	rules := policy.Rules{
		MinAdvance:       time.Duration(config.Int("MIN_ADVANCE_HOURS", 2)) * time.Hour,
		MaxAdvance:       time.Duration(config.Int("MAX_ADVANCE_DAYS", 90)) * 24 * time.Hour,
		CancelCutoff:     time.Duration(config.Int("CANCEL_CUTOFF_HOURS", 2)) * time.Hour,
		RescheduleCutoff: time.Duration(config.Int("RESCHEDULE_CUTOFF_HOURS", 4)) * time.Hour,
	}

	var inventoryConsumer inventory.Consumer = inventory.NewNoop()
	var loyaltyAwarder loyalty.Awarder = loyalty.NewNoop()
	brokers := config.String("KAFKA_BROKERS", "")
	if brokers != "" {
		inventoryConsumer = inventory.NewEventConsumer(outboxRepo)
		loyaltyAwarder = loyalty.NewEventAwarder(outboxRepo)
	}

	lifecycleService := lifecycle.New(
		schedulingRepo,
		availabilityRepo,
		conflict.NewDetector(schedulingRepo),
		rules,
		cacheRepo,
		cacheRepo,
		inventoryConsumer,
		loyaltyAwarder,
		logger,
		lifecycle.Config{
			SlotStepMinutes:  config.Int("SLOT_STEP_MINUTES", 30),
			TaxRatePercent:   config.Float("TAX_RATE_PERCENT", 0),
			MissingWindow:    lifecycle.MissingWindowPolicy(config.String("AVAILABILITY_MISSING_POLICY", "closed")),
			DefaultWorkStart: config.Int("DEFAULT_WORK_START_MINUTES", 9*60),
			DefaultWorkEnd:   config.Int("DEFAULT_WORK_END_MINUTES", 18*60),
			Location:         location,
		},
	)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   brokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	inboxRepo := inbox.NewRepository(pool)
	startConsumer := func(topic string, handler consumer.Handler) {
		if strings.TrimSpace(topic) == "" || brokers == "" {
			return
		}
		eventConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", "scheduling-service"),
			Topic:   topic,
		}, handler)
		go eventConsumer.Run(ctx)
	}

	// Catalog and staff caches are fed from upstream service events so
	// booking never makes a synchronous cross-service call.
	startConsumer(config.String("KAFKA_CATALOG_TOPIC", "catalog.service.updated.v1"),
		func(ctx context.Context, msg kafka.Message) error {
			var payload struct {
				BusinessID      string        `json:"business_id"`
				ServiceID       string        `json:"service_id"`
				Name            string        `json:"name"`
				Price           float64       `json:"price"`
				DurationMinutes int           `json:"duration_minutes"`
				Consumable      bool          `json:"consumable"`
				Addons          []model.Addon `json:"addons"`
			}
			if err := json.Unmarshal(msg.Value, &payload); err != nil {
				logger.Error("invalid catalog event payload", "err", err, "topic", msg.Topic)
				return nil
			}
			if payload.BusinessID == "" || payload.ServiceID == "" || payload.DurationMinutes <= 0 {
				logger.Error("missing required catalog event fields", "topic", msg.Topic)
				return nil
			}
			return cacheRepo.UpsertService(ctx, payload.BusinessID, catalog.Service{
				ServiceID:       payload.ServiceID,
				Name:            payload.Name,
				Price:           payload.Price,
				DurationMinutes: payload.DurationMinutes,
				Addons:          payload.Addons,
				Consumable:      payload.Consumable,
			})
		})
	startConsumer(config.String("KAFKA_STAFF_TOPIC", "directory.staff.updated.v1"),
		func(ctx context.Context, msg kafka.Message) error {
			var payload struct {
				BusinessID string `json:"business_id"`
				StaffID    string `json:"staff_id"`
				Name       string `json:"name"`
				Active     bool   `json:"active"`
			}
			if err := json.Unmarshal(msg.Value, &payload); err != nil {
				logger.Error("invalid staff event payload", "err", err, "topic", msg.Topic)
				return nil
			}
			if payload.BusinessID == "" || payload.StaffID == "" {
				logger.Error("missing required staff event fields", "topic", msg.Topic)
				return nil
			}
			return cacheRepo.UpsertStaff(ctx, payload.BusinessID, directory.Staff{
				StaffID: payload.StaffID,
				Name:    payload.Name,
				Active:  payload.Active,
			})
		})

	schedulingHandler := handlers.NewSchedulingHandler(lifecycleService, schedulingRepo, idempotencyRepo, logger)
	availabilityHandler := handlers.NewAvailabilityHandler(availabilityRepo, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	mux.HandleFunc("/api/v1/public/slots", schedulingHandler.Slots)
	mux.HandleFunc("/api/v1/public/availability", schedulingHandler.CheckAvailability)
	mux.HandleFunc("/api/v1/public/book", schedulingHandler.Book)
	mux.HandleFunc("/api/v1/appointments", schedulingHandler.List)
	mux.HandleFunc("/api/v1/appointments/get", schedulingHandler.Get)
	mux.HandleFunc("/api/v1/appointments/reschedule", schedulingHandler.Reschedule)
	mux.HandleFunc("/api/v1/appointments/cancel", schedulingHandler.Cancel)
	mux.HandleFunc("/api/v1/appointments/transition", schedulingHandler.Transition)
	mux.HandleFunc("/api/v1/availability/window", availabilityHandler.UpsertWindow)
	mux.HandleFunc("/api/v1/availability/template", availabilityHandler.ApplyTemplate)

	limitPerMinute := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	var rateLimitMW httpx.Middleware
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl"))
		rateLimitMW = rl.Middleware(logger, isTruthy(config.String("RATE_LIMIT_FAIL_OPEN", "true")))
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	httpHandler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,PUT,OPTIONS")),
			AllowedHeaders: parseList(config.String("CORS_ALLOWED_HEADERS", "Content-Type,X-Request-Id,X-Business-Id,Idempotency-Key")),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(int64(config.Int("MAX_BODY_BYTES", 1<<20))),
		httpx.WithTimeout(time.Duration(config.Int("REQUEST_TIMEOUT_SECONDS", 15))*time.Second),
		rateLimitMW,
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
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

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
