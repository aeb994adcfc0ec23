package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alem-hub/mastery-engine/config"
	"github.com/alem-hub/mastery-engine/internal/infrastructure/persistence/postgres"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	cmd.AddCommand(
		migrateAction("up", "Apply all pending migrations", func(cmd *cobra.Command, m *postgres.Migrator) error {
			n, err := m.Up(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		}),
		migrateAction("down", "Roll back the latest migration", func(cmd *cobra.Command, m *postgres.Migrator) error {
			v, err := m.Down(cmd.Context())
			if err != nil {
				return err
			}
			if v == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back migration %d\n", v)
			return nil
		}),
		migrateAction("status", "Show applied and pending migrations", func(cmd *cobra.Command, m *postgres.Migrator) error {
			list, err := m.Status(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
			for _, mig := range list {
				status := "pending"
				if mig.IsApplied {
					status = "applied " + mig.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\n", mig.Version, mig.Name, status)
			}
			return w.Flush()
		}),
	)
	return cmd
}

func migrateAction(use, short string, run func(cmd *cobra.Command, m *postgres.Migrator) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			conn, err := openPostgres(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			return run(cmd, postgres.NewMigrator(conn))
		},
	}
}
