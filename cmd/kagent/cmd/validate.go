package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and print the effective settings",
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "agent.id\t%s\n", cfg.Agent.ID)
	fmt.Fprintf(out, "agent.group_id\t%s\n", cfg.Agent.GroupID)
	fmt.Fprintf(out, "database.engine\t%s\n", cfg.Database.Engine)
	fmt.Fprintf(out, "cache.policy\t%s\n", cfg.Cache.Policy)
	fmt.Fprintf(out, "heartbeat.interval\t%s\n", cfg.Heartbeat.Interval())
	fmt.Fprintf(out, "gossip.enabled\t%t\n", cfg.Gossip.Enabled)
	fmt.Fprintf(out, "metrics.enabled\t%t\n", cfg.Metrics.Enabled)
	return nil
}
