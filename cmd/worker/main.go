package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mailzen/ingest-api/internal/alert"
	"github.com/mailzen/ingest-api/internal/analyzer"
	"github.com/mailzen/ingest-api/internal/config"
	"github.com/mailzen/ingest-api/internal/dispatch"
	"github.com/mailzen/ingest-api/internal/idle"
	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/notes"
	"github.com/mailzen/ingest-api/internal/poller"
	"github.com/mailzen/ingest-api/internal/provider"
	gmailProvider "github.com/mailzen/ingest-api/internal/provider/gmail"
	imapProvider "github.com/mailzen/ingest-api/internal/provider/imap"
	"github.com/mailzen/ingest-api/internal/repository/postgres"
	"github.com/mailzen/ingest-api/internal/scheduler"
	"github.com/mailzen/ingest-api/pkg/logger"
	"github.com/mailzen/ingest-api/pkg/messaging/redis"
	"github.com/mailzen/ingest-api/pkg/metrics"

	_ "github.com/lib/pq"
)

func setupOpsServer(lg *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(":8081", mux); err != nil {
			lg.Error(err, "ops server failed")
			os.Exit(1)
		}
	}()
}

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

	m := metrics.NewMetrics("ingest_worker")

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

	transport := idle.NewIMAPTransport(cfg.IMAP, credRepo, lg)
	stateStore := idle.NewRedisStateStore(rdb)
	manager := idle.NewManager(cfg.Idle, transport, dispatcher, alerts, stateStore, m, lg)

	// Resume idle sessions for mailboxes that were connected before the
	// last restart.
	accounts, err := accountRepo.ListConnected(ctx)
	if err != nil {
		lg.Fatal(err, "failed to list connected accounts")
	}
	for _, account := range accounts {
		if account.Provider == model.ProviderIMAP {
			manager.StartSession(account.UserID)
		}
	}

	go func() {
		if err := idle.RunControlListener(ctx, broker, manager, lg); err != nil {
			lg.Error(err, "session control listener stopped")
		}
	}()

	renewal := scheduler.NewRenewalScheduler(cfg.Renewal, subRepo, providers, alerts, m, lg)
	go renewal.Start(ctx)

	hybrid := poller.NewHybridPoller(cfg.Poller, accountRepo, subRepo, markerRepo,
		providers, dispatcher, manager, m, lg)
	go hybrid.Start(ctx)

	setupOpsServer(lg)
	lg.Info("worker started", "idle_sessions", len(accounts))

	<-ctx.Done()
	lg.Info("shutting down worker")

	manager.StopAll(30 * time.Second)
	dispatcher.Wait()
	lg.Info("worker exited")
}
