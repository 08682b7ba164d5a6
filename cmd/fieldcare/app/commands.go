// Package app provides the cobra commands of the fieldcare binary.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coachpo/fieldcare/internal/infra/config"
	"github.com/coachpo/fieldcare/internal/infra/telemetry"
	"github.com/coachpo/fieldcare/internal/observability"
)

const (
	envPrefix         = "FIELDCARE"
	defaultConfigPath = "config/app.yaml"
)

var rootCmd = &cobra.Command{
	Use:               "fieldcare",
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	Short:             "Offline capture and sync for field volunteers",
	Long: `fieldcare serves the care-log capture surface, queues submissions while the
network is down and replays them against the write endpoint once connectivity returns.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			observability.Log().Error("display help", observability.F("err", err))
		}
	},
}

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().String("config", defaultConfigPath, "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Override logging.level from the configuration")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		observability.Log().Error("bind config flag", observability.F("err", err))
	}
	if err := viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		observability.Log().Error("bind log-level flag", observability.F("err", err))
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(bucketsCmd)

	return rootCmd
}

// bootstrap loads the configuration named by --config (or FIELDCARE_CONFIG) and
// installs the process logger. A missing file yields the defaults.
func bootstrap(ctx context.Context) (config.AppConfig, *observability.ZapLogger, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := observability.NewZapLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return config.AppConfig{}, nil, fmt.Errorf("build logger: %w", err)
	}
	observability.SetLogger(logger)
	telemetry.SetEnvironment(string(cfg.Environment))
	return cfg, logger, nil
}

func loadConfig(ctx context.Context) (config.AppConfig, error) {
	path := strings.TrimSpace(viper.GetString("config"))
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.LoadOrDefault(ctx, path)
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if level := strings.TrimSpace(viper.GetString("log-level")); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
	return cfg, nil
}

func initTelemetry(ctx context.Context, logger observability.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = cfg.Telemetry.Enabled
	telemetryCfg.EnableMetrics = cfg.Telemetry.Enabled
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.MetricInterval > 0 {
		telemetryCfg.MetricInterval = cfg.Telemetry.MetricInterval
	}
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.Environment = string(cfg.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Info("telemetry initialized",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Debug("telemetry disabled")
	}
	return provider, nil
}
