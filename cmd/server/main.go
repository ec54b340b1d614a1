package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/api"
	"github.com/frisksitron/lobby-sub000/internal/blob"
	"github.com/frisksitron/lobby-sub000/internal/config"
	"github.com/frisksitron/lobby-sub000/internal/db"
	"github.com/frisksitron/lobby-sub000/internal/email"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("loading config failed", err)
	}

	slog.Info("lobby server starting", "name", cfg.Server.Name)

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		fatal("opening database failed", err)
	}
	defer database.Close()
	slog.Info("database ready", "path", cfg.Database.Path)

	blobService, err := blob.NewService(cfg.Uploads.Dir, cfg.Uploads.MaxBytes)
	if err != nil {
		fatal("initializing blob store failed", err)
	}
	slog.Info("blob store ready", "dir", cfg.Uploads.Dir, "max_bytes", cfg.Uploads.MaxBytes)

	cleanupService := db.NewCleanupService(
		db.NewMagicCodeRepository(database),
		db.NewRegistrationTokenRepository(database),
		db.NewRefreshTokenRepository(database),
	)
	blobCleanup := blob.NewCleanupService(db.NewBlobRepository(database), blobService)
	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	go cleanupService.Start(cleanupCtx)
	go blobCleanup.Start(cleanupCtx)

	server, err := api.NewServer(cfg, database, newEmailSender(cfg), blobService)
	if err != nil {
		fatal("building server failed", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: server,
	}

	go func() {
		slog.Info("listening", "addr", httpServer.Addr, "base_url", cfg.Server.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("server failed", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("signal received, draining")

	stopCleanup()
	server.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("http shutdown did not drain cleanly", "error", err)
	}

	slog.Info("server exited")
}

// newEmailSender picks the delivery backend. Dev mode logs magic codes
// so a local install needs no SMTP relay.
func newEmailSender(cfg *config.Config) email.Sender {
	if cfg.Email.DevMode {
		slog.Warn("email dev mode: magic codes are logged, not sent")
		return email.NewLogSender()
	}
	slog.Info("smtp delivery enabled", "host", cfg.Email.SMTP.Host, "port", cfg.Email.SMTP.Port)
	return email.NewSMTPService(
		cfg.Email.SMTP.Host,
		cfg.Email.SMTP.Port,
		cfg.Email.SMTP.Username,
		cfg.Email.SMTP.Password,
		cfg.Email.SMTP.From,
	)
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
