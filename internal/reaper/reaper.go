// Package reaper removes enrichment state and owner records whose last
// referencing listing is gone.
package reaper

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/propenrich/internal/store"
)

// Reaper cleans up enrichment data that no listing references anymore.
// The synchronous hook handles the common case at deletion time; the
// sweep reconciles anything that slipped past it (crashes between delete
// and reap, rows imported from older data).
type Reaper struct {
	store store.Store
}

// New creates a reaper backed by the given store.
func New(st store.Store) *Reaper {
	return &Reaper{store: st}
}

// OnListingDeleted runs the orphan check for one identity right after a
// listing deletion. The existence check and the deletes run atomically in
// the store, so a concurrent re-listing of the same address either keeps
// the data or recreates it through the normal upsert path.
func (r *Reaper) OnListingDeleted(ctx context.Context, key string) (bool, error) {
	return r.store.ReapIfOrphaned(ctx, key)
}

// SweepResult summarizes one reconciliation pass.
type SweepResult struct {
	Scanned int      `json:"scanned"`
	Reaped  int      `json:"reaped"`
	Kept    int      `json:"kept"`
	DryRun  bool     `json:"dry_run"`
	Keys    []string `json:"keys,omitempty"`
}

// Sweep scans for orphaned identities and, unless dryRun is set, reaps
// them. Each candidate is re-verified atomically at delete time, so keys
// that gain a listing between the scan and the reap are kept.
func (r *Reaper) Sweep(ctx context.Context, dryRun bool) (*SweepResult, error) {
	keys, err := r.store.ListOrphanKeys(ctx)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{Scanned: len(keys), DryRun: dryRun, Keys: keys}
	if dryRun {
		zap.L().Info("orphan sweep (dry run)", zap.Int("orphans", len(keys)))
		return res, nil
	}

	for _, key := range keys {
		reaped, err := r.store.ReapIfOrphaned(ctx, key)
		if err != nil {
			return res, err
		}
		if reaped {
			res.Reaped++
		} else {
			res.Kept++
		}
	}

	zap.L().Info("orphan sweep complete",
		zap.Int("scanned", res.Scanned),
		zap.Int("reaped", res.Reaped),
		zap.Int("kept", res.Kept),
	)
	return res, nil
}
