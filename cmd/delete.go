package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	deleteSource string
	deleteURL    string
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a listing",
	Long:  "Removes one listing and, if it was the last reference to its address identity, reaps the identity's enrichment state and owner record.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Registry.Delete(ctx, deleteSource, deleteURL); err != nil {
			return eris.Wrap(err, "delete listing")
		}

		zap.L().Info("listing deleted",
			zap.String("source", deleteSource),
			zap.String("url", deleteURL),
		)
		return nil
	},
}

func init() {
	deleteCmd.Flags().StringVar(&deleteSource, "source", "", "listing source (required)")
	deleteCmd.Flags().StringVar(&deleteURL, "url", "", "native listing URL (required)")
	_ = deleteCmd.MarkFlagRequired("source")
	_ = deleteCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(deleteCmd)
}
