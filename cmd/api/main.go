package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bidcall-platform/internal/audit"
	"bidcall-platform/internal/auth"
	"bidcall-platform/internal/billing"
	"bidcall-platform/internal/bids"
	"bidcall-platform/internal/config"
	"bidcall-platform/internal/gateway"
	"bidcall-platform/internal/history"
	"bidcall-platform/internal/httpapi"
	"bidcall-platform/internal/resolve"
	"bidcall-platform/internal/session"
	"bidcall-platform/pkg/logger"
	"bidcall-platform/pkg/mq"
	"bidcall-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	authorizer, err := billing.NewStripeAuthorizer(cfg.Stripe.SecretKey, cfg.Stripe.Currency)
	if err != nil {
		log.Error("stripe init failed", "err", err)
		os.Exit(1)
	}

	// Settlement retry path. Without a broker the recorder surfaces write
	// failures directly; with one, failed writes are redelivered.
	var retryQueue history.RetryQueue
	var retryConsumer *mq.Consumer
	if cfg.Broker.URL != "" {
		pub, err := mq.NewPublisher(cfg.Broker.URL, cfg.Broker.Exchange)
		if err != nil {
			log.Error("broker init failed", "err", err)
			os.Exit(1)
		}
		defer pub.Close()
		retryQueue = history.NewAMQPRetryQueue(pub)

		retryConsumer, err = mq.NewConsumer(cfg.Broker.URL, cfg.Broker.Exchange, history.RetryQueueName, []string{history.RetryRoutingKey})
		if err != nil {
			log.Error("broker consumer init failed", "err", err)
			os.Exit(1)
		}
		defer retryConsumer.Close()
	}

	// Shared per-session lock space. Every component that mutates one
	// session's state serializes through it.
	locks := utils.NewKeyedMutex()

	hub := gateway.NewHub(log)

	guard := session.NewRedisSlotGuard(rdb, 0)
	registry := session.NewRegistry(locks, guard, hub, session.RegistryConfig{
		JoinWindow:      cfg.Engine.JoinWindow,
		DisconnectGrace: cfg.Engine.DisconnectGrace,
	}, log)
	defer registry.Close()

	ledger := bids.NewLedger(locks, registry, hub, bids.NewRedisHighestCache(rdb, 0), log)

	recorder := history.NewRecorder(history.NewPostgresRepo(db), retryQueue, log)

	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	coordinator := billing.NewCoordinator(locks, authorizer, registry, recorder, hub, auditSvc, billing.CoordinatorConfig{
		AccrualTick: cfg.Engine.AccrualTick,
	}, log)
	defer coordinator.Close()

	// Registry timers (join window, disconnect grace) end the whole call
	// cycle, not just the session row.
	registry.SetEndCall(func(ctx context.Context, sessionID string, reason session.EndReason) {
		if _, err := coordinator.EndCall(ctx, sessionID, billing.EndReason(reason)); err != nil {
			log.Error("timer-driven end failed", "session_id", sessionID, "err", err)
		}
		ledger.ExpireSession(sessionID)
	})

	engine := resolve.NewEngine(locks, ledger, registry, coordinator, hub, resolve.EngineConfig{
		PaymentAuthTimeout: cfg.Engine.PaymentAuthTimeout,
	}, log)

	gw := gateway.New(hub, ledger, engine, registry, coordinator, log)

	if retryConsumer != nil {
		go func() {
			if err := history.RunRetryConsumer(rootCtx, retryConsumer, recorder, log); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("settlement retry consumer stopped", "err", err)
			}
		}()
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	h := httpapi.Handlers{
		Auth:     authManager,
		Registry: registry,
		Ledger:   ledger,
		Engine:   engine,
		Billing:  coordinator,
		History:  recorder,
		Gateway:  gw,
	}
	registerRoutes(r, h, auth.RequireAccessToken(authManager))

	// No WriteTimeout: /ws connections are long-lived and manage their own
	// write deadlines.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
