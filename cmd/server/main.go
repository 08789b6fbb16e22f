package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/schoolhub/messaging-server-go/internal/agent"
	"github.com/schoolhub/messaging-server-go/internal/config"
	"github.com/schoolhub/messaging-server-go/internal/database"
	"github.com/schoolhub/messaging-server-go/internal/handler"
	"github.com/schoolhub/messaging-server-go/internal/jobs"
	"github.com/schoolhub/messaging-server-go/internal/middleware"
	"github.com/schoolhub/messaging-server-go/internal/model"
	"github.com/schoolhub/messaging-server-go/internal/queue"
	"github.com/schoolhub/messaging-server-go/internal/quota"
	"github.com/schoolhub/messaging-server-go/internal/redis"
	"github.com/schoolhub/messaging-server-go/internal/repository"
	"github.com/schoolhub/messaging-server-go/internal/session"
	"github.com/schoolhub/messaging-server-go/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	tenantRepo := repository.NewTenantRepository(db.DB)
	sessionRepo := repository.NewSessionRepository(db.DB)
	queueRepo := repository.NewQueueRepository(db.DB)
	quotaRepo := repository.NewQuotaRepository(db.DB)
	convRepo := repository.NewConversationRepository(db.DB)

	ledger := quota.NewLedger(quotaRepo)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	factory, err := session.NewWhatsmeowFactory(context.Background(), cfg.DatabaseURL, cfg.DeviceDisplayName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create whatsapp session store")
	}

	manager := session.NewManager(factory, sessionRepo, session.Options{
		PairingTimeout:       cfg.PairingTimeout(),
		ReconnectBackoffBase: config.ReconnectBackoffBase,
		ReconnectBackoffMax:  config.ReconnectBackoffMax,
		MaxReconnectAttempts: config.MaxReconnectAttempts,
		EncryptionKey:        cfg.EncryptionKey,
	})
	manager.SetStatusPublisher(broker)

	senders := map[model.Channel]queue.Sender{
		model.ChannelWhatsApp: queue.NewSessionSender(manager),
		model.ChannelEmail:    queue.NewWebhookSender(model.ChannelEmail, cfg.EmailWebhookURL, cfg.WebhookSecret, config.SendTimeout),
		model.ChannelSMS:      queue.NewWebhookSender(model.ChannelSMS, cfg.SMSWebhookURL, cfg.WebhookSecret, config.SendTimeout),
	}

	outbound := queue.New(queueRepo, tenantRepo, ledger, senders, queue.Options{
		Workers:      cfg.DeliveryWorkers,
		MaxAttempts:  config.MaxDeliveryAttempts,
		BackoffBase:  config.DeliveryBackoffBase,
		BackoffMax:   config.DeliveryBackoffMax,
		SendTimeout:  config.SendTimeout,
		IdleInterval: config.DispatchIdleInterval,
	})

	registry := agent.NewRegistry()
	registerTools(registry, tenantRepo, ledger, manager)

	var assistant agent.Agent = agent.NoopAgent{}
	if cfg.OpenAIAPIKey != "" {
		assistant, err = agent.NewOpenAIAgent(cfg.OpenAIAPIKey, cfg.OpenAIModel, registry)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create agent")
		}
	}

	router := agent.NewRouter(convRepo, assistant, registry, outbound, agent.RouterOptions{
		Window:        config.ConversationWindow,
		MaxToolRounds: config.MaxToolRounds,
		Workers:       cfg.DeliveryWorkers,
	})
	manager.SetInboundSink(router)

	authMiddleware := middleware.NewAuthMiddleware(tenantRepo)
	rateLimitMiddleware := middleware.NewRedisRateLimitMiddleware(redisClient.Client)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(config.MaxRequestBodySize)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	whatsappHandler := handler.NewWhatsAppHandler(manager, ledger)
	messagesHandler := handler.NewMessagesHandler(outbound, queueRepo)
	eventsHandler := handler.NewEventsHandler(broker)
	tenantsHandler := handler.NewTenantsHandler(tenantRepo, cfg.AdminToken)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimitMiddleware.Handler)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/whatsapp-integration", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)
		r.Mount("/", whatsappHandler.Routes())
	})

	r.Route("/messages", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)
		r.Mount("/", messagesHandler.Routes())
	})

	r.Route("/events", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Get("/", eventsHandler.ServeHTTP)
	})

	r.Route("/admin/tenants", func(r chi.Router) {
		r.Mount("/", tenantsHandler.Routes())
	})

	router.Start()
	defer router.Stop()

	outbound.Start()
	defer outbound.Stop()

	maintenanceJob := jobs.NewMaintenanceJob(queueRepo, ledger, config.InFlightStaleAfter, config.MaintenanceJobInterval)
	maintenanceJob.Start()
	defer maintenanceJob.Stop()

	rolloverJob := jobs.NewRolloverJob(queueRepo)
	if err := rolloverJob.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start rollover job")
	}
	defer rolloverJob.Stop()

	rehydrateCtx, rehydrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := manager.Rehydrate(rehydrateCtx); err != nil {
		log.Error().Err(err).Msg("session rehydration failed")
	}
	rehydrateCancel()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	manager.Shutdown()
	log.Info().Msg("server stopped")
}

// registerTools wires the built-in account tools. Business-domain tools
// (fee balances, timetables) are registered by the embedding deployment.
func registerTools(registry *agent.Registry, tenants repository.TenantRepository, ledger *quota.Ledger, manager *session.Manager) {
	registry.Register(agent.ToolDefinition{
		Name:        "get_quota_usage",
		Description: "Get the school's message quota usage for the current month, per channel.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
	}, func(ctx context.Context, tenantID string, _ json.RawMessage) (string, error) {
		tenant, err := tenants.FindByID(ctx, tenantID)
		if err != nil || tenant == nil {
			return "", fmt.Errorf("load tenant: %w", err)
		}
		periodKey := quota.PeriodKey(time.Now())
		parts := make(map[string]string, 3)
		for _, ch := range []model.Channel{model.ChannelWhatsApp, model.ChannelEmail, model.ChannelSMS} {
			used, limit, err := ledger.Usage(ctx, tenantID, ch, periodKey, tenant.QuotaLimit(ch))
			if err != nil {
				return "", err
			}
			parts[string(ch)] = fmt.Sprintf("%d/%d", used, limit)
		}
		out, err := json.Marshal(parts)
		return string(out), err
	})

	registry.Register(agent.ToolDefinition{
		Name:        "get_session_status",
		Description: "Get the current WhatsApp connection status for the school.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
	}, func(ctx context.Context, tenantID string, _ json.RawMessage) (string, error) {
		snap, err := manager.Status(ctx, tenantID)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(map[string]any{
			"phase": snap.Phase,
			"phone": snap.Phone,
		})
		return string(out), err
	})
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
