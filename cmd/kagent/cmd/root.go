package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/surething-project/SmartSpace-sub004/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "kagent",
	Short: "Knowledge agent",
	Long:  "Runs a knowledge agent that serves its repository and keeps remote views in sync.",
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (YAML)")
	rootCmd.PersistentFlags().String("agent-id", "", "agent identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	viper.BindPFlag("agent.id", rootCmd.PersistentFlags().Lookup("agent-id"))
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	viper.SetEnvPrefix("KAGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the config file, if any, and layers flag and KAGENT_*
// environment overrides on top
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if path := rootCmd.PersistentFlags().Lookup("config").Value.String(); path != "" {
		loaded, err := config.ReadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default("")
	}

	applyOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	if viper.IsSet("agent.id") {
		cfg.Agent.ID = viper.GetString("agent.id")
	}
	if viper.IsSet("agent.group_id") {
		cfg.Agent.GroupID = viper.GetString("agent.group_id")
	}
	if viper.IsSet("agent.ca_public_key") {
		cfg.Agent.CAPublicKey = viper.GetString("agent.ca_public_key")
	}
	if viper.IsSet("heartbeat.interval_seconds") {
		cfg.Heartbeat.IntervalSeconds = viper.GetInt("heartbeat.interval_seconds")
	}
	if viper.IsSet("database.engine") {
		cfg.Database.Engine = viper.GetString("database.engine")
	}
	if viper.IsSet("database.path") {
		cfg.Database.Path = viper.GetString("database.path")
	}
	if viper.IsSet("gossip.enabled") {
		cfg.Gossip.Enabled = viper.GetBool("gossip.enabled")
	}
	if viper.IsSet("gossip.bind_port") {
		cfg.Gossip.BindPort = viper.GetInt("gossip.bind_port")
	}
	if viper.IsSet("gossip.seed_nodes") {
		cfg.Gossip.SeedNodes = viper.GetStringSlice("gossip.seed_nodes")
	}
	if viper.IsSet("gossip.secret_key") {
		cfg.Gossip.SecretKey = viper.GetString("gossip.secret_key")
	}
	if viper.IsSet("metrics.enabled") {
		cfg.Metrics.Enabled = viper.GetBool("metrics.enabled")
	}
	if viper.IsSet("metrics.port") {
		cfg.Metrics.Port = viper.GetInt("metrics.port")
	}
	if viper.IsSet("logging.level") {
		cfg.Logging.Level = viper.GetString("logging.level")
	}
	if viper.IsSet("logging.format") {
		cfg.Logging.Format = viper.GetString("logging.format")
	}
}

// initLogger builds the zap logger described by cfg
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
