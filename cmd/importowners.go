package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/propenrich/internal/ingest"
)

var importFilePath string

var importOwnersCmd = &cobra.Command{
	Use:   "import-owners",
	Short: "Bulk-import verified owner data from CSV or XLSX",
	Long:  "Merges hand-verified owner rows into owner records. Rows are keyed by address; rows whose identity has no listing on record are skipped.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		rows, err := ingest.ReadFile(importFilePath)
		if err != nil {
			return err
		}

		res, err := e.Merger.ImportBatch(ctx, rows, func(raw string) (string, error) {
			norm, err := e.Normalizer.Normalize(raw)
			if err != nil {
				return "", err
			}
			return norm.Key(), nil
		})
		if err != nil {
			return eris.Wrap(err, "import owners")
		}

		zap.L().Info("owner import finished", zap.String("file", importFilePath))
		return json.NewEncoder(os.Stdout).Encode(res)
	},
}

func init() {
	importOwnersCmd.Flags().StringVar(&importFilePath, "file", "", "path to CSV or XLSX file (required)")
	_ = importOwnersCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importOwnersCmd)
}
