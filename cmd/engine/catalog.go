package main

import (
	"fmt"

	"github.com/spf13/cobra"

	catalogfile "github.com/alem-hub/mastery-engine/internal/infrastructure/catalog"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Catalog tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a catalog document against the schema and compile its expressions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := catalogfile.Load(args[0])
			if err != nil {
				return err
			}
			steps := 0
			for _, m := range b.Catalog.Modules() {
				steps += len(m.Steps)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog %q is valid: %d modules, %d steps, %d achievements\n",
				b.Catalog.Version(), b.Catalog.ModuleCount(), steps, len(b.Catalog.Achievements()))
			return nil
		},
	})
	return cmd
}
