package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"saleslens.org/internal/config"
	"saleslens.org/internal/migrate"
	"saleslens.org/internal/obs"
)

var (
	dsnFlag     string
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the saleslens schema, row policy and demo seeds",
	Long: `Apply the embedded saleslens migrations.

The DSN comes from --dsn, or from SALESLENS_PG_DSN / the SALESLENS_CONFIG file.

Examples:
  migrate up
  migrate seed
  migrate status
  migrate down`,
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
		applied, err := m.Up(ctx)
		for _, name := range applied {
			obs.Log(obs.LevelInfo, "migration applied", map[string]any{"name": name})
		}
		if err == nil && len(applied) == 0 {
			fmt.Println("schema is up to date")
		}
		return err
	}),
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
		name, err := m.Down(ctx)
		if err != nil {
			return err
		}
		obs.Log(obs.LevelInfo, "migration rolled back", map[string]any{"name": name})
		return nil
	}),
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the demo regions, users and sales rows",
	Args:  cobra.NoArgs,
	RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
		applied, err := m.Seed(ctx)
		for _, name := range applied {
			obs.Log(obs.LevelInfo, "seed applied", map[string]any{"name": name})
		}
		return err
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied and pending migrations",
	Args:  cobra.NoArgs,
	RunE: withManager(func(ctx context.Context, m *migrate.Manager) error {
		applied, err := m.Status(ctx)
		if err != nil {
			return err
		}
		pending, err := m.Pending(ctx)
		if err != nil {
			return err
		}
		for _, name := range applied {
			fmt.Printf("applied  %s\n", name)
		}
		for _, name := range pending {
			fmt.Printf("pending  %s\n", name)
		}
		return nil
	}),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "", "PostgreSQL DSN (overrides SALESLENS_PG_DSN)")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 60*time.Second, "overall timeout")
	rootCmd.AddCommand(upCmd, downCmd, seedCmd, statusCmd)
}

func withManager(run func(context.Context, *migrate.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		dsn := dsnFlag
		if dsn == "" {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dsn = cfg.PG.DSN
		}
		if dsn == "" {
			return fmt.Errorf("missing DSN: provide via --dsn or SALESLENS_PG_DSN")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
		defer cancel()

		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		if err := run(ctx, migrate.NewManager(db)); err != nil {
			return fmt.Errorf("migrate %s: %w", cmd.Name(), err)
		}
		return nil
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
