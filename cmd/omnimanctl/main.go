// Package main is the kernel's management CLI: directive processing and
// idempotency-key housekeeping, runnable out-of-process from the API
// server against the same database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omniman/kernel/internal/config"
	"github.com/omniman/kernel/internal/logging"
)

func main() {
	config.LoadDotEnv(".env")

	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "omnimanctl",
		Short:         "Management CLI for the omniman order hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logging.InitDefault("omnimanctl", v.GetString("LOG_LEVEL"), v.GetString("LOG_FORMAT"))
		},
	}

	rootCmd.PersistentFlags().String("database-url", "", "Postgres connection URL (defaults to DATABASE_URL)")
	_ = v.BindPFlag("DATABASE_URL", rootCmd.PersistentFlags().Lookup("database-url"))
	v.SetDefault("DATABASE_URL", "postgres://localhost:5432/omniman?sslmode=disable")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	rootCmd.AddCommand(newProcessDirectivesCmd(v))
	rootCmd.AddCommand(newCleanupIdempotencyKeysCmd(v))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "omnimanctl:", err)
		os.Exit(1)
	}
}
