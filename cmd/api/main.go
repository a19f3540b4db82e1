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

	"orbit/api/internal/app"
	"orbit/api/internal/config"
	"orbit/api/internal/email"
	"orbit/api/internal/files"
	"orbit/api/internal/logging"
	"orbit/api/internal/metrics"
	"orbit/api/internal/ratelimit"
	"orbit/api/internal/realtime"
	"orbit/api/internal/search"
	"orbit/api/internal/session"
	"orbit/api/internal/store"
	"orbit/api/internal/sweeper"
)

func main() {
	if err := run(); err != nil {
		slog.Error("orbit api stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Init(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := store.DefaultPoolOptions()
	pool.MaxOpenConns = cfg.DBMaxConns
	pool.MaxIdleConns = cfg.DBIdleConns
	db, err := store.OpenWithPool(ctx, cfg.DatabaseURL, pool)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		return err
	}
	dataStore := store.NewPostgresStore(db)
	m := metrics.New()

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewPgUsers(db), logger)

	deps := app.Deps{
		Store:   dataStore,
		Search:  searchService,
		Metrics: m,
		Logger:  logger,
		Mailer: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
			AppURL:   cfg.AppURL,
		}),
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("typing indicators stored in redis")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		deps.Typing = redisStore
	} else {
		logger.Info("typing indicators stored in postgres")
	}

	if cfg.MinioConfigured() {
		objects, err := files.New(files.Config{
			Endpoint:   cfg.MinioEndpoint,
			AccessKey:  cfg.MinioAccessKey,
			SecretKey:  cfg.MinioSecretKey,
			Bucket:     cfg.MinioBucket,
			UseSSL:     cfg.MinioUseSSL,
			PresignTTL: cfg.PresignTTL,
		})
		if err != nil {
			return err
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			logger.Warn("object store bucket check failed", "bucket", cfg.MinioBucket, "error", err)
		}
		deps.Files = objects
	}

	hub := realtime.NewHub(cfg.CORSOrigin, logger)
	deps.Events = hub
	m.RegisterGaugeFunc("websocket_connections", "Open realtime connections.", func() float64 {
		return float64(hub.ConnectionCount())
	})

	service := app.New(cfg, deps)
	hub.OnPresence = func(userID string, online bool) {
		presenceCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := service.SetPresence(presenceCtx, userID, online); err != nil {
			logger.Warn("presence update failed", "user_id", userID, "online", online, "error", err)
		}
	}

	sweep, err := sweeper.New(dataStore, cfg.TypingSweepCron, logger)
	if err != nil {
		return err
	}
	sweep.OnPurged = func(n int64) { m.TypingPurged.Add(float64(n)) }
	go sweep.Run(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, app.HTTPOptions{
		Hub:     hub,
		Limiter: ratelimit.NewPool(cfg.RateLimitRPS, cfg.RateLimitBurst),
		Metrics: m,
		Logger:  logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("orbit api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	return nil
}
