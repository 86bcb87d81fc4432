package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentsh/controlplane/internal/config"
	"github.com/agentsh/controlplane/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the store schema and exit",
	Long:  `migrate opens the configured sqlite store, applying its embedded schema, then exits without serving. Useful for provisioning a fresh data directory before the first serve.`,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("apply schema at %s: %w", cfg.Store.Path, err)
	}
	defer st.Close()

	fmt.Printf("schema applied at %s\n", cfg.Store.Path)
	return nil
}
