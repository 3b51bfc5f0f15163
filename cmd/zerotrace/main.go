package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shalteor/zerotrace/internal/api"
	"github.com/shalteor/zerotrace/internal/auditlog"
	"github.com/shalteor/zerotrace/internal/config"
	"github.com/shalteor/zerotrace/internal/crypto"
	"github.com/shalteor/zerotrace/internal/db"
	"github.com/shalteor/zerotrace/internal/llm"
	"github.com/shalteor/zerotrace/internal/logging"
	"github.com/shalteor/zerotrace/internal/middleware"
	"github.com/shalteor/zerotrace/internal/prefs"
	"github.com/shalteor/zerotrace/internal/tracker"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.Init(logging.Config{Level: cfg.Log.Level, Dev: cfg.Log.Dev})
	if err != nil {
		os.Stderr.WriteString("failed to init logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()
	logger.Info("database initialized", zap.String("path", cfg.Database.Path))

	tr := tracker.New(database, tracker.WithLogger(logger.Named("tracker")))
	if err := tr.Initialize(ctx); err != nil {
		return err
	}

	preferences := prefs.New(database, cfg.Preferences.Debounce, logger.Named("prefs"))
	if err := preferences.Initialize(ctx); err != nil {
		return err
	}

	audit := func(ctx context.Context, e auditlog.Entry) {
		tr.LogOutbound(ctx, e)
	}
	client := llm.NewClient(llm.Config{
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   cfg.LLM.Timeout,
	}, audit, logger.Named("llm"))
	if cfg.LLM.APIKey == "" {
		logger.Warn("no LLM API key configured, /prompt will fail upstream")
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		b, err := crypto.GenerateRandomBytes(32)
		if err != nil {
			return err
		}
		secret = hex.EncodeToString(b)
		logger.Info("generated ephemeral JWT secret, tokens will not survive a restart")
	}

	server := api.NewServer(tr, preferences, client, middleware.NewJWTConfig(secret, cfg.Auth.TokenTTL), api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Completions can take up to the LLM timeout
		WriteTimeout: cfg.LLM.Timeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting",
			zap.String("addr", httpServer.Addr),
			zap.String("llm", client.Endpoint()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down gracefully", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Websocket clients are hijacked connections that Shutdown does not wait for
	server.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := preferences.Flush(shutdownCtx); err != nil {
		logger.Error("failed to flush preferences", zap.Error(err))
	}
	tr.Lock()

	logger.Info("zerotrace stopped")
	return nil
}
