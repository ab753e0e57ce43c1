package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"GameHelper/internal/config"
	"GameHelper/internal/logging"
	"GameHelper/pkg/state"
)

// loadConfig reads the configuration file, then .env and GAMEHELPER_* variables,
// then the persistent flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.LoadEnv(cfg, rootFlags.envFile); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	if rootFlags.logLevel != "" {
		cfg.Log.Level = rootFlags.logLevel
	}
	if rootFlags.jsonOutput {
		cfg.Log.JSON = true
	}
	return cfg, nil
}

// newLogger logs to stderr so stdout stays free for reporter output.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(logging.Options{
		Level: cfg.Log.Level,
		JSON:  cfg.Log.JSON,
		Out:   os.Stderr,
		OTel:  cfg.Telemetry.Enabled,
	})
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (state.Store, error) {
	store, err := state.Open(ctx, state.Options{
		Driver:    cfg.Store.Driver,
		Path:      cfg.Store.Path,
		Addr:      cfg.Store.Addr,
		DSN:       cfg.Store.DSN,
		KeyPrefix: cfg.Store.KeyPrefix,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	return store, nil
}
