package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/trenchcoat/enricher/internal/app"
	"github.com/trenchcoat/enricher/internal/config"
	"github.com/trenchcoat/enricher/internal/logger"
	"github.com/trenchcoat/enricher/internal/provider/catalog"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile, catalog.Names()...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// withApp handles common config, logger and enrichment context setup and teardown.
func withApp(ctx context.Context, fn func(a *app.App, cfg *config.Config, log *zap.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	log, err := logger.New(debug, level)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfgFile == "" {
		log.Debug("no config file specified, using defaults and environment")
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initializing: %w", err)
	}
	defer a.Close()

	return fn(a, cfg, log)
}
