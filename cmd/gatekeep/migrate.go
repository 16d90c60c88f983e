package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"gatekeep.dev/internal/migrate"
)

var migrateTimeout time.Duration

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
	Long: `Apply or revert the embedded schema migrations and load the default roles.

The database is taken from database.dsn (GATEKEEP_DATABASE_DSN).

Examples:
  gatekeep migrate up
  gatekeep migrate seed
  gatekeep migrate status`,
}

func init() {
	migrateCmd.PersistentFlags().DurationVar(&migrateTimeout, "timeout", 30*time.Second, "overall deadline")
	migrateCmd.AddCommand(
		migrateAction("up", "Apply pending migrations", func(ctx context.Context, m *migrate.Manager, cmd *cobra.Command) error {
			applied, err := m.Up(ctx)
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			if err == nil && len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			}
			return err
		}),
		migrateAction("down", "Revert the latest migration", func(ctx context.Context, m *migrate.Manager, cmd *cobra.Command) error {
			name, err := m.Down(ctx)
			if err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "reverted %s\n", name)
			}
			return err
		}),
		migrateAction("status", "List applied migrations", func(ctx context.Context, m *migrate.Manager, cmd *cobra.Command) error {
			history, err := m.Status(ctx)
			for _, name := range history {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return err
		}),
		migrateAction("seed", "Load the default roles", func(ctx context.Context, m *migrate.Manager, cmd *cobra.Command) error {
			seeded, err := m.Seed(ctx)
			for _, name := range seeded {
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %s\n", name)
			}
			return err
		}),
	)
	rootCmd.AddCommand(migrateCmd)
}

func migrateAction(use, short string, run func(context.Context, *migrate.Manager, *cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("missing DSN: set database.dsn or GATEKEEP_DATABASE_DSN")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
			defer cancel()

			db, err := sql.Open("pgx", cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			if err := run(ctx, migrate.NewManager(db), cmd); err != nil {
				return fmt.Errorf("migrate %s: %w", use, err)
			}
			return nil
		},
	}
}
