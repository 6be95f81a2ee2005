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

	"wa_gateway/internal/config"
	"wa_gateway/internal/database"
	"wa_gateway/internal/filestore"
	"wa_gateway/internal/handlers"
	"wa_gateway/internal/hub"
	"wa_gateway/internal/jobs"
	"wa_gateway/internal/logger"
	"wa_gateway/internal/metrics"
	"wa_gateway/internal/services"
	"wa_gateway/internal/whatsapp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Env, cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg, log)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close(db)

	registry := whatsapp.NewRegistry()
	m := metrics.New(registry.CountByState)

	ledger := services.NewQuotaLedger(db, log.With().Str("component", "quota").Logger(), cfg.Location(), cfg.QuotaFailOpen,
		services.WithRejectionRecorder(m))
	auth := services.NewAuthService(db, cfg)
	accounts := services.NewAccountService(db, ledger)
	sessions := services.NewSessionStore(db)
	creds := services.NewCredentialStore(db)

	container, err := whatsapp.OpenContainer(ctx, cfg.WAStoreDriver, cfg.WAStoreDSN, log)
	if err != nil {
		return err
	}
	defer container.Close()

	events := hub.New()
	manager := whatsapp.NewManager(sessions, whatsapp.NewWhatsmeowDialer(container, creds, log), registry, log, whatsapp.Options{
		ReconnectDelay:       cfg.ReconnectDelay,
		ConnectTimeout:       cfg.ConnectTimeout,
		OnStateChange:        events.Publish,
		OnReconnectScheduled: m.ReconnectScheduled,
	})
	if err := manager.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("session restore failed")
	}
	gateway := whatsapp.NewGateway(registry, ledger, log, m.MessageSent)

	store, uploadsDir, err := openFileStore(ctx, cfg)
	if err != nil {
		return err
	}
	files := services.NewFileService(store, ledger, cfg.MaxFileSize, log.With().Str("component", "files").Logger())

	runner, closeJobs, err := openJobs(ctx, cfg, jobs.Tasks{
		Sessions: manager,
		Usage:    ledger,
		Log:      log.With().Str("component", "jobs").Logger(),
	})
	if err != nil {
		return err
	}
	defer closeJobs()
	if err := runner.Start(ctx); err != nil {
		return err
	}

	v := handlers.NewValidator()
	router := handlers.NewRouter(handlers.Deps{
		Auth:         handlers.NewAuthHandler(auth, v),
		Sessions:     handlers.NewSessionHandler(sessions, manager, registry, v, log),
		Messages:     handlers.NewMessageHandler(gateway, v),
		Files:        handlers.NewFileHandler(files),
		Quota:        handlers.NewQuotaHandler(ledger),
		Admin:        handlers.NewAdminHandler(accounts, sessions, manager, registry, v, log),
		Events:       handlers.NewEventsHandler(events, auth, log),
		Tokens:       auth,
		SessionRows:  sessions,
		Guard:        ledger,
		Metrics:      m.Handler(),
		UploadsDir:   uploadsDir,
		MaxFileSize:  cfg.MaxFileSize,
		AllowOrigins: cfg.CORSOrigins,
		Log:          log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("db_type", cfg.DBType).Str("jobs", cfg.JobsBackend).Msg("wa gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("jobs shutdown")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("session shutdown")
	}
	return nil
}

// openFileStore returns the configured backend and, for the local one, the
// directory to serve under /uploads/.
func openFileStore(ctx context.Context, cfg *config.Config) (filestore.Store, string, error) {
	if cfg.FileStorage == "s3" {
		s3, err := filestore.NewS3(ctx, filestore.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			URLExpiry: cfg.S3URLExpiry,
		})
		return s3, "", err
	}
	local, err := filestore.NewLocal(cfg.UploadDir, cfg.PublicBaseURL)
	if err != nil {
		return nil, "", err
	}
	return local, local.Root(), nil
}

func openJobs(ctx context.Context, cfg *config.Config, tasks jobs.Tasks) (jobs.Runner, func(), error) {
	every := jobs.Intervals{Health: cfg.HealthCheckInterval, Retention: cfg.UsageRetentionInterval}
	if cfg.JobsBackend != "river" {
		return jobs.NewTicker(tasks, every), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("opening job queue pool: %w", err)
	}
	runner, err := jobs.NewRiver(ctx, pool, tasks, every)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return runner, pool.Close, nil
}
