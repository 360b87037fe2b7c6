package config

import (
	"fmt"
	"strings"

	"go-civitai-crawler/internal/models" // Import models for the Config struct

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus" // Use logrus
)

const (
	DefaultApiBaseUrl   = "https://civitai.com/api/v1"
	DefaultDatabasePath = "civitai.db"
	DefaultIndexPath    = "civitai.bleve"

	DriverBitcask = "bitcask"
	DriverSQLite  = "sqlite"

	// MaxAssetBatchSize is the largest batch the asset worker accepts per call.
	MaxAssetBatchSize = 100
)

// LoadConfig reads the configuration from the specified path (defaulting to "config.toml"),
// fills in defaults and validates the result.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml" // Default path
	}
	var cfg models.Config
	if _, err := toml.DecodeFile(configFilePath, &cfg); err != nil {
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return models.Config{}, fmt.Errorf("invalid config file %s: %w", configFilePath, err)
	}

	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *models.Config) {
	if cfg.ApiBaseUrl == "" {
		cfg.ApiBaseUrl = DefaultApiBaseUrl
	}
	cfg.ApiBaseUrl = strings.TrimRight(cfg.ApiBaseUrl, "/")
	if cfg.ApiClientTimeoutSec <= 0 {
		cfg.ApiClientTimeoutSec = 60
	}
	if cfg.ApiMaxAttempts <= 0 {
		cfg.ApiMaxAttempts = 5
	}
	if cfg.ApiRetryBaseMs <= 0 {
		cfg.ApiRetryBaseMs = 1000
	}
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = DriverBitcask
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = DefaultDatabasePath
	}
	if cfg.BleveIndexPath == "" {
		cfg.BleveIndexPath = DefaultIndexPath
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 100
	}
	if cfg.QueueMaxParallelism <= 0 {
		cfg.QueueMaxParallelism = 1
	}
	if cfg.QueueMaxAttempts <= 0 {
		cfg.QueueMaxAttempts = 3
	}
	if cfg.QueueRetryBaseMs <= 0 {
		cfg.QueueRetryBaseMs = 2000
	}
	if cfg.AssetBatchSize <= 0 {
		cfg.AssetBatchSize = MaxAssetBatchSize
	}
	if cfg.AssetBatchSize > MaxAssetBatchSize {
		log.Warnf("AssetBatchSize %d exceeds the worker limit, using %d", cfg.AssetBatchSize, MaxAssetBatchSize)
		cfg.AssetBatchSize = MaxAssetBatchSize
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate rejects configurations no command can run with.
// Asset worker settings are checked where they are used.
func Validate(cfg models.Config) error {
	switch cfg.DatabaseDriver {
	case DriverBitcask, DriverSQLite:
	default:
		return fmt.Errorf("unknown DatabaseDriver %q (want %q or %q)", cfg.DatabaseDriver, DriverBitcask, DriverSQLite)
	}
	if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid LogLevel: %w", err)
	}
	if cfg.QueueMaxParallelism > 1 {
		log.Warnf("QueueMaxParallelism=%d: crawl pages will run concurrently and may exceed upstream rate limits", cfg.QueueMaxParallelism)
	}
	for i, s := range cfg.Schedules {
		if s.Cron == "" {
			return fmt.Errorf("schedule %d (%s): Cron is required", i, s.Name)
		}
		if s.Kind == "" {
			return fmt.Errorf("schedule %d (%s): Kind is required", i, s.Name)
		}
	}
	return nil
}
