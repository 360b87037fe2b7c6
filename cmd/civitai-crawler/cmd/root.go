package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-civitai-crawler/internal/api"
	"go-civitai-crawler/internal/config"
	"go-civitai-crawler/internal/models"
)

var (
	cfgFile        string
	logApiFlag     bool
	logLevelFlag   string
	dbDriverFlag   string
	dbPathFlag     string
	apiTimeoutFlag int
)

// globalConfig holds the loaded configuration after flag and env overrides
var globalConfig models.Config

// globalHttpTransport is the base transport, wrapped for request logging when enabled
var globalHttpTransport http.RoundTripper = http.DefaultTransport

var rootCmd = &cobra.Command{
	Use:   "civitai-crawler",
	Short: "Crawl the Civitai API into a local snapshot and entity store",
	Long: `civitai-crawler runs resumable crawls over the Civitai images and models
listings. Every API item is kept as a raw snapshot, then ingested into derived
image, model and model version records. Asset downloads are handed to an
external worker.`,
	PersistentPreRunE: loadGlobalConfig,
	SilenceUsage:      true,
}

// Execute runs the root command. Called by main.main().
func Execute() {
	defer func() {
		if lt, ok := globalHttpTransport.(*api.LoggingTransport); ok {
			if err := lt.Close(); err != nil {
				log.WithError(err).Error("Error closing API log file")
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbDriverFlag, "db-driver", "", "Storage backend: bitcask or sqlite (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Database path (overrides config)")
	rootCmd.PersistentFlags().IntVar(&apiTimeoutFlag, "api-timeout", -1, "Timeout for API HTTP client in seconds (overrides config, -1 uses config default)")

	// Secrets are usually injected through the environment rather than the config file.
	_ = viper.BindEnv("apikey", "CIVITAI_API_KEY")
	_ = viper.BindEnv("assetworkersecret", "ASSET_WORKER_SECRET")
	_ = viper.BindEnv("assetworkerurl", "ASSET_WORKER_URL")
}

// loadGlobalConfig loads the config file, applies env and flag overrides and
// sets up logging and the shared HTTP transport.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warnf("Config file %s not found, using defaults", cfgFile)
		globalConfig = models.Config{}
		config.ApplyDefaults(&globalConfig)
	} else if err != nil {
		return err
	}

	applyEnvOverrides(&globalConfig)

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
	}
	if cmd.Flags().Changed("log-level") {
		globalConfig.LogLevel = logLevelFlag
	}
	if cmd.Flags().Changed("db-driver") {
		globalConfig.DatabaseDriver = dbDriverFlag
	}
	if cmd.Flags().Changed("db-path") && dbPathFlag != "" {
		globalConfig.DatabasePath = dbPathFlag
	}
	if cmd.Flags().Changed("api-timeout") {
		if apiTimeoutFlag > 0 {
			globalConfig.ApiClientTimeoutSec = apiTimeoutFlag
		} else {
			log.Warnf("--api-timeout %d is not positive, using config value: %d sec", apiTimeoutFlag, globalConfig.ApiClientTimeoutSec)
		}
	}

	if err := config.Validate(globalConfig); err != nil {
		return err
	}
	initLogging(globalConfig.LogLevel)

	globalHttpTransport = http.DefaultTransport
	if globalConfig.LogApiRequests {
		logFilePath := "api.log"
		log.Infof("API logging to file: %s", logFilePath)
		lt, err := api.NewLoggingTransport(http.DefaultTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			globalHttpTransport = lt
		}
	}
	return nil
}

func applyEnvOverrides(cfg *models.Config) {
	if v := viper.GetString("apikey"); v != "" {
		cfg.ApiKey = v
	}
	if v := viper.GetString("assetworkersecret"); v != "" {
		cfg.AssetWorkerSecret = v
	}
	if v := viper.GetString("assetworkerurl"); v != "" {
		cfg.AssetWorkerUrl = v
	}
}

func initLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithError(err).Warnf("Invalid log level '%s', using default 'info'", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.Debugf("Logging configured: Level=%s", log.GetLevel())
}
