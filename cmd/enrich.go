package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/propenrich/internal/enrich"
)

var (
	enrichKey       string
	enrichBatchSize int
	enrichWorkers   int
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Run enrichment for eligible identities",
	Long:  "Drains the eligible enrichment backlog through the provider waterfall, or runs a single identity when --key is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("enrich"); err != nil {
			return err
		}
		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if enrichKey != "" {
			outcome, err := e.Orchestrator.RunCycle(ctx, enrichKey)
			if err != nil {
				return eris.Wrapf(err, "enrich %s", enrichKey)
			}
			zap.L().Info("enrichment cycle finished",
				zap.String("identity_key", enrichKey),
				zap.String("outcome", string(outcome)),
			)
			return nil
		}

		batchSize := enrichBatchSize
		if batchSize == 0 {
			batchSize = cfg.Enrich.BatchSize
		}
		workers := enrichWorkers
		if workers == 0 {
			workers = cfg.Enrich.Workers
		}

		summary, err := e.Orchestrator.RunPending(ctx, batchSize, workers)
		if err != nil {
			return eris.Wrap(err, "enrich batch")
		}

		zap.L().Info("enrichment run finished",
			zap.Int("enriched", summary.Counts[enrich.OutcomeEnriched]),
			zap.Int("nodata", summary.Counts[enrich.OutcomeNoData]),
			zap.Int("failed", summary.Counts[enrich.OutcomeFailed]),
			zap.Int("contended", summary.Counts[enrich.OutcomeContended]),
			zap.Int("skipped", summary.Counts[enrich.OutcomeSkipped]),
		)
		return nil
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichKey, "key", "", "enrich a single identity key")
	enrichCmd.Flags().IntVar(&enrichBatchSize, "batch-size", 0, "max identities per run (default from config)")
	enrichCmd.Flags().IntVar(&enrichWorkers, "workers", 0, "concurrent workers (default from config)")
	rootCmd.AddCommand(enrichCmd)
}
