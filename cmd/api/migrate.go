package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"qtube/internal/config"
	"qtube/internal/logging"
	"qtube/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply ledger migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log, err := logging.New(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		st, err := store.Open(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer st.Close()

		if err := st.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
		log.Info("ledger migrated", zap.String("env", cfg.Env))
		return nil
	},
}
