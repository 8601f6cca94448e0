package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statusKey string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store counts or one identity's state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if statusKey != "" {
			state, err := e.Store.GetState(ctx, statusKey)
			if err != nil {
				return eris.Wrap(err, "get state")
			}
			owner, err := e.Store.GetOwner(ctx, statusKey)
			if err != nil {
				return eris.Wrap(err, "get owner")
			}
			return enc.Encode(map[string]any{
				"state": state,
				"owner": owner,
			})
		}

		stats, err := e.Store.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "store stats")
		}
		return enc.Encode(stats)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusKey, "key", "", "show one identity instead of aggregate counts")
	rootCmd.AddCommand(statusCmd)
}
