package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omniman/kernel/internal/directives"
	"github.com/omniman/kernel/internal/logging"
	"github.com/omniman/kernel/internal/platform/database"
	"github.com/omniman/kernel/internal/store/postgres"
)

// newProcessDirectivesCmd builds the process-directives command: one
// pass over the queue by default, or a cron-driven loop with --watch.
// A one-shot run exits non-zero only when claiming a batch or recording a
// failed directive errors; a handler error is recorded on its directive
// and the drain continues.
func newProcessDirectivesCmd(v *viper.Viper) *cobra.Command {
	var (
		topics   []string
		limit    int
		watch    bool
		interval int
	)

	cmd := &cobra.Command{
		Use:   "process-directives",
		Short: "Process queued directives, one pass or in a watch loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := logging.Default()
			log := logger.Entry()

			db, err := database.Open(ctx, v.GetString("DATABASE_URL"))
			if err != nil {
				return err
			}
			defer db.Close()

			st := postgres.New(db)
			worker := directives.New(st, newWorkerRegistry(st, logger), logger)

			if !watch {
				total := 0
				for {
					processed, err := worker.ProcessBatch(ctx, topics, limit)
					total += processed
					if err != nil {
						return fmt.Errorf("processed %d directives: %w", total, err)
					}
					if processed == 0 {
						break
					}
				}
				log.WithField("processed", total).Info("directive queue drained")
				return nil
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			c := cron.New()
			_, err = c.AddFunc(fmt.Sprintf("@every %ds", interval), func() {
				if _, err := worker.ProcessBatch(runCtx, topics, limit); err != nil {
					log.WithError(err).Warn("directive batch completed with errors")
				}
			})
			if err != nil {
				return err
			}
			c.Start()
			defer c.Stop()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigCh:
			case <-runCtx.Done():
			}
			log.Info("stopping directive watch loop")
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&topics, "topic", nil, "Restrict processing to these topics (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", directives.DefaultBatchSize, "Directives claimed per batch")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep polling instead of exiting after one drain")
	cmd.Flags().IntVar(&interval, "interval", 2, "Polling interval in seconds for --watch")
	return cmd
}
