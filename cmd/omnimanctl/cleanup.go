package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omniman/kernel/internal/logging"
	"github.com/omniman/kernel/internal/platform/database"
	"github.com/omniman/kernel/internal/store"
	"github.com/omniman/kernel/internal/store/postgres"
)

// orphanInProgressAge is how old an in_progress row must be before
// --include-in-progress treats it as abandoned by a crashed commit.
const orphanInProgressAge = time.Hour

func newCleanupIdempotencyKeysCmd(v *viper.Viper) *cobra.Command {
	var (
		days              int
		dryRun            bool
		includeInProgress bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup-idempotency-keys",
		Short: "Delete old done/failed and expired idempotency rows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.Default().Entry()

			db, err := database.Open(ctx, v.GetString("DATABASE_URL"))
			if err != nil {
				return err
			}
			defer db.Close()

			now := time.Now()
			sel := store.IdempotencyCleanup{
				DoneFailedBefore: now.AddDate(0, 0, -days),
				ExpiredAsOf:      now,
				DryRun:           dryRun,
			}
			if includeInProgress {
				cutoff := now.Add(-orphanInProgressAge)
				sel.InProgressBefore = &cutoff
			}

			n, err := postgres.New(db).CleanupIdempotencyKeys(ctx, sel)
			if err != nil {
				return err
			}
			if dryRun {
				log.WithField("rows", n).Info("dry run: rows that would be deleted")
			} else {
				log.WithField("rows", n).Info("idempotency rows deleted")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Delete done/failed rows older than this many days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Count matching rows without deleting")
	cmd.Flags().BoolVar(&includeInProgress, "include-in-progress", false, "Also delete in_progress rows older than one hour")
	return cmd
}
