package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	submitSource  string
	submitURL     string
	submitAddress string
	submitFields  []string
	submitFile    string
)

// feedListing is one entry in a scraper feed file.
type feedListing struct {
	Source     string            `json:"source"`
	NativeURL  string            `json:"native_url"`
	RawAddress string            `json:"raw_address"`
	Fields     map[string]string `json:"fields,omitempty"`
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit scraped listings",
	Long:  "Upserts listings keyed on source and native URL, resolves addresses into identity keys, and queues identities for enrichment if owner data is missing. Takes either flags for a single listing or --file with a JSON feed from a scraper pipeline.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if submitFile != "" {
			return submitFeed(ctx, e, submitFile)
		}

		if submitSource == "" || submitURL == "" || submitAddress == "" {
			return eris.New("either --file or all of --source, --url, --address are required")
		}

		fields := make(map[string]string, len(submitFields))
		for _, kv := range submitFields {
			k, v, ok := splitKV(kv)
			if !ok {
				return eris.Errorf("invalid --field %q, want key=value", kv)
			}
			fields[k] = v
		}

		rec, err := e.Registry.Upsert(ctx, submitSource, submitURL, submitAddress, fields)
		if err != nil {
			return eris.Wrap(err, "submit listing")
		}

		zap.L().Info("listing submitted",
			zap.Int64("id", rec.ID),
			zap.String("identity_key", rec.IdentityKey),
			zap.Bool("unresolved", rec.Unresolved),
		)
		return json.NewEncoder(os.Stdout).Encode(rec)
	},
}

// submitFeed upserts every listing in a JSON feed file. Bad entries are
// counted and logged; the rest of the feed still goes through.
func submitFeed(ctx context.Context, e *env, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "read feed %s", path)
	}
	var feed []feedListing
	if err := json.Unmarshal(data, &feed); err != nil {
		return eris.Wrap(err, "parse feed")
	}

	var submitted, unresolved, failed int
	for _, l := range feed {
		if l.Source == "" || l.NativeURL == "" || l.RawAddress == "" {
			failed++
			zap.L().Warn("feed entry missing source, native_url, or raw_address",
				zap.String("native_url", l.NativeURL))
			continue
		}
		rec, err := e.Registry.Upsert(ctx, l.Source, l.NativeURL, l.RawAddress, l.Fields)
		if err != nil {
			failed++
			zap.L().Error("feed upsert failed",
				zap.String("source", l.Source),
				zap.String("native_url", l.NativeURL),
				zap.Error(err),
			)
			continue
		}
		submitted++
		if rec.Unresolved {
			unresolved++
		}
	}

	zap.L().Info("feed submitted",
		zap.Int("submitted", submitted),
		zap.Int("unresolved", unresolved),
		zap.Int("failed", failed),
	)
	return json.NewEncoder(os.Stdout).Encode(map[string]int{
		"submitted":  submitted,
		"unresolved": unresolved,
		"failed":     failed,
	})
}

func splitKV(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], i > 0
		}
	}
	return "", "", false
}

func init() {
	submitCmd.Flags().StringVar(&submitSource, "source", "", "listing source, e.g. hotpads")
	submitCmd.Flags().StringVar(&submitURL, "url", "", "native listing URL")
	submitCmd.Flags().StringVar(&submitAddress, "address", "", "raw listing address")
	submitCmd.Flags().StringArrayVar(&submitFields, "field", nil, "extra listing field as key=value (repeatable)")
	submitCmd.Flags().StringVar(&submitFile, "file", "", "JSON feed file with an array of listings")
	rootCmd.AddCommand(submitCmd)
}
