package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"quotedesk/api/internal/app"
	"quotedesk/api/internal/attachments"
	"quotedesk/api/internal/authpw"
	"quotedesk/api/internal/config"
	"quotedesk/api/internal/drafts"
	"quotedesk/api/internal/email"
	"quotedesk/api/internal/events"
	"quotedesk/api/internal/export"
	"quotedesk/api/internal/logger"
	"quotedesk/api/internal/notify"
	"quotedesk/api/internal/push"
	"quotedesk/api/internal/ratelimit"
	"quotedesk/api/internal/search"
	"quotedesk/api/internal/session"
	"quotedesk/api/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	if err := run(cfg, log); err != nil {
		os.Exit(1)
	}
}

// run returns after its deferred cleanup has finished, so main can exit
// non-zero without leaking connections.
func run(cfg config.Config, log *slog.Logger) error {
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database connection failed", "error", err)
		return err
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Error("migrations failed", "error", err)
		return err
	}
	if len(applied) > 0 {
		log.Info("migrations applied", "versions", applied)
	}

	dataStore := store.NewPostgresStore(db)
	passwords := authpw.NewService(dataStore)
	deps := app.Deps{Store: dataStore, Passwords: passwords, Log: log}

	// Redis is optional. Without it refresh sessions live in PostgreSQL,
	// rate limits are per process and drafts are unavailable.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisClient, err = session.Dial(cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, continuing without it", "error", err)
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
		log.Info("using redis for sessions, drafts and rate limits")
		deps.Sessions = session.NewRedisStoreWithClient(redisClient)
		deps.Drafts = drafts.NewStore(redisClient, cfg.DraftTTL)
		deps.Limiter = ratelimit.NewRedisLimiter(redisClient)
	} else {
		log.Info("using postgres for refresh sessions")
		deps.Limiter = ratelimit.NewMemoryLimiter()
	}

	var gateway push.Gateway = push.Disabled{}
	if strings.TrimSpace(cfg.FirebaseCredentialsFile) != "" {
		fcm, err := push.NewFCM(ctx, cfg.FirebaseCredentialsFile)
		if err != nil {
			log.Warn("push notifications disabled", "error", err)
		} else {
			gateway = fcm
		}
	}
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		log.Info("smtp not configured, email notifications disabled")
	}
	deps.Notifier = notify.NewDispatcher(dataStore, gateway, mailer, cfg.AdminNotifyEmails, log)

	if strings.TrimSpace(cfg.NATSURL) != "" {
		publisher, err := events.Connect(cfg.NATSURL, "quotedesk-api", log)
		if err != nil {
			log.Warn("nats unavailable, thread events will not be published", "error", err)
		} else {
			defer publisher.Close()
			deps.Events = publisher
		}
	}

	pgfts := search.NewPgFTS(db)
	var searchService *search.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
		searchService = search.NewService(meiliClient, pgfts, log)
		go searchService.ReindexAllFromPG(context.Background())
	} else {
		searchService = search.NewService(nil, pgfts, log)
	}
	deps.Search = searchService

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		files, err := attachments.New(ctx, attachments.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Warn("object storage unavailable, attachments disabled", "error", err)
		} else {
			deps.Attachments = files
		}
	}
	deps.Exporter = export.NewService(dataStore)

	service := app.New(cfg, deps)
	bootstrapAdmin(ctx, log, cfg, passwords)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("quotedesk api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case <-sigCh:
	case runErr = <-serveErr:
		log.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	searchService.Wait()
	log.Info("quotedesk api stopped")
	return runErr
}

// bootstrapAdmin creates the first dashboard account from the environment.
// An existing account with the same email is left untouched.
func bootstrapAdmin(ctx context.Context, log *slog.Logger, cfg config.Config, passwords *authpw.Service) {
	if strings.TrimSpace(cfg.BootstrapAdminEmail) == "" {
		return
	}
	admin, err := passwords.CreateAdmin(ctx, authpw.CreateAdminRequest{
		Email:       cfg.BootstrapAdminEmail,
		Password:    cfg.BootstrapAdminPassword,
		DisplayName: cfg.BootstrapAdminName,
	})
	switch {
	case errors.Is(err, authpw.ErrEmailTaken):
		return
	case err != nil:
		log.Warn("bootstrap admin not created, will retry on next restart", "error", err)
	default:
		log.Info("bootstrap admin created", "admin_id", admin.ID, "email", admin.Email)
	}
}
