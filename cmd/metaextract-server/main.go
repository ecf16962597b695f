// Command metaextract-server runs the metadata-extraction request plane's
// HTTP API: quote issuance, extraction requests, payment webhook ingestion,
// and credit balance lookups.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/logger"
	"github.com/metaextract/core/pkg/app"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	configPath := os.Getenv("METAEXTRACT_CONFIG_FILE")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "metaextract-server",
		Environment: cfg.Logging.Environment,
	})

	application, err := app.NewApp(cfg)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to initialize application")
	}

	httpSrv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      application.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	go func() {
		appLogger.Info().Str("address", cfg.Server.Address).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error().Err(err).Msg("http server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	appLogger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("http server shutdown failed")
	}

	if err := application.Close(); err != nil {
		appLogger.Error().Err(err).Msg("application cleanup failed")
	}

	appLogger.Info().Msg("shutdown complete")
}
