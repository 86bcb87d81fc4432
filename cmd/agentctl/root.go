package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "Run the multi-tenant coding-agent control plane",
	Long:  `agentctl serves the control plane that brokers directories, conversations, tasks, and live PTY-backed agent sessions across tenants.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (accepted but not read: the config is always loaded from $XDG_CONFIG_HOME/agentctl/config.yaml, or ~/.config/agentctl/config.yaml)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "debug logging (accepted but not read: logging output is unchanged)")
}
