package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/surething-project/SmartSpace-sub004/internal/agent"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the knowledge agent",
	Args:  cobra.NoArgs,
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := agent.New(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Error("Failed to assemble agent", zap.Error(err))
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("Agent stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Shutting down gracefully")
	return nil
}
