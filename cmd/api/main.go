package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mailzen/ingest-api/internal/alert"
	"github.com/mailzen/ingest-api/internal/analyzer"
	"github.com/mailzen/ingest-api/internal/config"
	"github.com/mailzen/ingest-api/internal/dispatch"
	accountHandler "github.com/mailzen/ingest-api/internal/handler/account"
	analysisHandler "github.com/mailzen/ingest-api/internal/handler/analysis"
	healthHandler "github.com/mailzen/ingest-api/internal/handler/health"
	webhookHandler "github.com/mailzen/ingest-api/internal/handler/webhook"
	"github.com/mailzen/ingest-api/internal/idle"
	"github.com/mailzen/ingest-api/internal/notes"
	"github.com/mailzen/ingest-api/internal/provider"
	gmailProvider "github.com/mailzen/ingest-api/internal/provider/gmail"
	imapProvider "github.com/mailzen/ingest-api/internal/provider/imap"
	"github.com/mailzen/ingest-api/internal/repository/postgres"
	"github.com/mailzen/ingest-api/internal/router"
	"github.com/mailzen/ingest-api/internal/scheduler"
	accountService "github.com/mailzen/ingest-api/internal/service/account"
	analysisService "github.com/mailzen/ingest-api/internal/service/analysis"
	"github.com/mailzen/ingest-api/pkg/logger"
	"github.com/mailzen/ingest-api/pkg/messaging/redis"
	"github.com/mailzen/ingest-api/pkg/metrics"

	_ "github.com/lib/pq"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	lg := logger.NewLogger(nil)

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		lg.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	redisOpts, err := redisv9.ParseURL(cfg.Redis.URL)
	if err != nil {
		lg.Fatal(err, "failed to parse redis URL")
	}
	rdb := redisv9.NewClient(redisOpts)
	defer rdb.Close()

	broker, err := redis.NewRedisBroker(redis.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, &log.Logger)
	if err != nil {
		lg.Fatal(err, "failed to connect broker")
	}
	defer broker.Close()

	m := metrics.NewMetrics("ingest")

	subRepo := postgres.NewSubscriptionRepository(db)
	markerRepo := postgres.NewMarkerRepository(db)
	analysisRepo := postgres.NewAnalysisRepository(db)
	accountRepo := postgres.NewAccountRepository(db)
	credRepo := postgres.NewCredentialRepository(db)

	providers := provider.NewRegistry(
		gmailProvider.NewClient(cfg.Gmail, credRepo, lg),
		imapProvider.NewClient(cfg.IMAP, credRepo, lg),
	)

	az := analyzer.NewClient(cfg.Analyzer, lg)
	ns := notes.NewClient(cfg.Notes, lg)
	locker := dispatch.NewRedisLocker(rdb, cfg.Dispatcher.LockTTL, m)
	alerts := alert.NewMailer(cfg.Alerts, lg)

	dispatcher := dispatch.NewDispatcher(cfg.Dispatcher, markerRepo, analysisRepo,
		providers, az, ns, locker, broker, m, lg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	dispatcher.Start(ctx)

	// The scheduler is not started here; the API only borrows its Renew
	// path for the initial watch at connect time.
	renewer := scheduler.NewRenewalScheduler(cfg.Renewal, subRepo, providers, alerts, m, lg)
	sessions := idle.NewRemoteSessions(broker, idle.NewRedisStateStore(rdb), lg)

	accountSvc := accountService.NewService(accountRepo, subRepo, credRepo,
		providers, renewer, sessions, cfg.Gmail.PubSubTopic, lg)
	analysisSvc := analysisService.NewService(analysisRepo, lg)

	r := router.NewRouter(
		healthHandler.NewHandler(db, rdb),
		webhookHandler.NewHandler(cfg.Gmail, accountRepo, subRepo, providers, dispatcher, lg),
		accountHandler.NewHandler(accountSvc),
		analysisHandler.NewHandler(analysisSvc),
		router.Config{
			RateLimit: rate.Limit(cfg.Server.RateLimit),
			RateBurst: cfg.Server.RateBurst,
		},
	)
	r.Setup()

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        r.Engine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		lg.Info("api server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Error(err, "server failed")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down api server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error(err, "server forced to shutdown")
	}

	dispatcher.Wait()
	lg.Info("api server exited")
}
