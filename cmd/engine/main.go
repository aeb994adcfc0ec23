// Package main - точка входа движка освоения материала.
//
// Команды:
//   - serve            - приём событий из Redis, health/metrics по HTTP
//   - migrate          - схема PostgreSQL
//   - replay           - прогон файла событий через движок в памяти
//   - catalog validate - проверка каталога модулей и достижений
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "engine",
		Short:         "Adaptive mastery and progression engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./config.yaml or ./config/config.yaml)")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newReplayCmd(),
		newCatalogCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}
