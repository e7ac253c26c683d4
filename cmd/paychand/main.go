// Command paychand runs one endpoint of a bilateral payment channel.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/paychan/internal/app"
	"github.com/R3E-Network/paychan/internal/app/storage"
	"github.com/R3E-Network/paychan/internal/app/storage/postgres"
	"github.com/R3E-Network/paychan/internal/config"
	"github.com/R3E-Network/paychan/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	log := logger.NewDefault("paychand")

	path := os.Getenv("PAYCHAN_CONFIG")
	if path == "" {
		path = "config/paychan.yaml"
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		log.WithError(err).Error("configuration invalid")
		os.Exit(1)
	}

	var store storage.Store
	if cfg.Store == "postgres" {
		pg, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Error("postgres store unavailable")
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
	}

	application, err := app.New(cfg, store, log)
	if err != nil {
		log.WithError(err).Error("application init failed")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("startup failed")
		os.Exit(1)
	}
	log.Infof("channel endpoint up as %s", application.Engine.Account())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
		os.Exit(1)
	}
}
