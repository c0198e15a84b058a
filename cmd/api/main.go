package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"scenegen/internal/http/handlers"
	httpapi "scenegen/internal/http/httpapi"
	"scenegen/internal/infra"
	"scenegen/internal/service"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to build pipeline")
	}
	defer svc.Close()

	app := handlers.NewApp(svc.Pipeline, cfg, &logger)
	router := httpapi.NewRouter(app, httpapi.RouterOptions{
		Logger:             &logger,
		AllowedOrigins:     cfg.CORSAllowedOrigins,
		GeneratePerMinute:  cfg.ClientGeneratePerMinute,
		StaticEnvironments: cfg.Environments(),
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("port", cfg.Port).Str("default_env", cfg.DefaultEnv).Msg("api: listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("api: http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: failed to shutdown server")
	}
	logger.Info().Msg("api: server stopped")
}
