package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var reapLive bool

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Sweep orphaned enrichment data",
	Long:  "Finds enrichment state and owner records whose identity has no remaining listing. Dry run by default; pass --live to delete.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.Reaper.Sweep(ctx, !reapLive)
		if err != nil {
			return eris.Wrap(err, "orphan sweep")
		}

		return json.NewEncoder(os.Stdout).Encode(res)
	},
}

func init() {
	reapCmd.Flags().BoolVar(&reapLive, "live", false, "actually delete orphans instead of reporting them")
	rootCmd.AddCommand(reapCmd)
}
