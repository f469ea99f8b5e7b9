/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the wallet ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags, LEDGER_* env, .env, optional config file)
  2. Initialize the store (SQLite or PostgreSQL)
  3. Wire notifiers, the wallet service and the webhook reconciler
  4. Configure HTTP router
  5. Start server (and the pending sync scheduler) with graceful shutdown

COMMAND-LINE FLAGS:
  --config                  Config file (yaml, json, toml)
  --http.port               HTTP server port (default: 8080)
  --database.driver         sqlite or postgres
  --database.path           SQLite database path; ":memory:" for in-memory
  --database.url            PostgreSQL URL
  --log.level               debug, info, warn, error
  --ingest.default_wallet_id
  --ingest.sync_interval    In-process retry interval (0 disables)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the Kafka writer and the database

EXAMPLES:
  ./server --database.path=":memory:"
  LEDGER_DATABASE_DRIVER=postgres LEDGER_DATABASE_URL=postgres://... ./server

SEE ALSO:
  - config/config.go: Every key and its default
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/wallet-ledger/api"
	"github.com/warp/wallet-ledger/config"
	"github.com/warp/wallet-ledger/gestaoclick"
	"github.com/warp/wallet-ledger/ingest"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/logging"
	"github.com/warp/wallet-ledger/notify"
	"github.com/warp/wallet-ledger/store/postgres"
	"github.com/warp/wallet-ledger/store/sqlite"
	"github.com/warp/wallet-ledger/wallet"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	log := logging.New(cfg.Log.Level)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer closeStore()

	// Notifications are always stored; Kafka is optional.
	notifiers := []ledger.Notifier{notify.NewStore(store)}
	if len(cfg.Notify.Kafka.Brokers) > 0 {
		k := notify.NewKafka(cfg.Notify.Kafka.Brokers, cfg.Notify.Kafka.Topic)
		defer k.Close()
		notifiers = append(notifiers, k)
		log.WithField("topic", cfg.Notify.Kafka.Topic).Info("publishing notifications to kafka")
	}
	notifier := notify.NewMulti(log, notifiers...)

	wallets := wallet.NewService(store, cfg.WalletConfig(), notifier, log)

	var sales ingest.SalesAPI
	if cfg.GestaoClick.Enabled() {
		client, err := gestaoclick.NewClient(gestaoclick.ClientConfig{
			BaseURL:     cfg.GestaoClick.BaseURL,
			AccessToken: cfg.GestaoClick.AccessToken,
			SecretToken: cfg.GestaoClick.SecretToken,
			Timeout:     cfg.Ingest.FetchTimeout,
		})
		if err != nil {
			return err
		}
		sales = client
	} else {
		log.Warn("gestao click credentials missing, sales will be kept as minimal records")
	}

	router := ingest.NewWalletRouter(store, ingest.Source, ledger.WalletID(cfg.Ingest.DefaultWalletID))
	reconciler := ingest.NewReconciler(store, sales, router, wallets, notifier, cfg.IngestConfig(), log)
	syncer := ingest.NewSyncer(store, reconciler, log)

	handler := api.NewHandler(store, wallets, reconciler, syncer, log)

	scheduler := api.NewPendingSyncScheduler(syncer, cfg.Ingest.SyncInterval, log)
	scheduler.BatchSize = cfg.Ingest.SyncBatch
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.NewRouter(handler, cfg.CORS.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"port": cfg.HTTP.Port, "driver": cfg.Database.Driver}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	log.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (ledger.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}
