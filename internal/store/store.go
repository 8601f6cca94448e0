package store

import (
	"context"
	"time"

	"github.com/sells-group/propenrich/internal/model"
)

// Stats summarizes store contents for the status command.
type Stats struct {
	ListingsBySource map[string]int                 `json:"listings_by_source"`
	StatesByStatus   map[model.EnrichmentStatus]int `json:"states_by_status"`
	Owners           int                            `json:"owners"`
	Orphans          int                            `json:"orphans"`
}

// Store is the persistence interface for the identity and enrichment
// lifecycle. Every state transition is a single conditional statement or
// an explicit transaction; callers never read-modify-write in memory.
type Store interface {
	// Listings
	UpsertListing(ctx context.Context, rec *model.ListingRecord) (*model.ListingRecord, error)
	GetListing(ctx context.Context, source, nativeURL string) (*model.ListingRecord, error)
	// DeleteListing removes a listing and returns the deleted record, or
	// nil if it did not exist.
	DeleteListing(ctx context.Context, source, nativeURL string) (*model.ListingRecord, error)
	HasListingForKey(ctx context.Context, key string) (bool, error)

	// Enrichment state
	EnsureState(ctx context.Context, st *model.EnrichmentState) error
	// GetState returns nil, nil when no row exists for the key.
	GetState(ctx context.Context, key string) (*model.EnrichmentState, error)
	// TryAcquire atomically moves an eligible row to pending+locked and
	// reports whether the caller won the lock. Eligible rows are
	// never_checked, stale pending rows last touched before staleBefore
	// (abandoned lock recovery), and checked/failed rows last touched
	// before cooldownBefore. In every case only while a field is still
	// missing.
	TryAcquire(ctx context.Context, key, requestID string, staleBefore, cooldownBefore time.Time) (bool, error)
	// ReleaseChecked ends an attempt that got a provider response,
	// clearing the lock. note carries failure-adjacent context such as
	// "no data" so callers can tell "tried, found nothing" from "errored".
	ReleaseChecked(ctx context.Context, key, sourceUsed, note string) error
	// ReleaseFailed ends an errored attempt, clearing the lock.
	ReleaseFailed(ctx context.Context, key, sourceUsed, reason string) error
	ListEligible(ctx context.Context, limit int, staleBefore, cooldownBefore time.Time) ([]model.EnrichmentState, error)
	// CountProviderCalls counts attempts finished by the named provider
	// since the cutoff, for daily budget enforcement.
	CountProviderCalls(ctx context.Context, sourceUsed string, since time.Time) (int, error)

	// Owners
	// GetOwner returns nil, nil when no row exists for the key.
	GetOwner(ctx context.Context, key string) (*model.OwnerRecord, error)
	// MergeOwner applies the candidate to the identity's owner record
	// (creating it if needed) and clears the matching missing-field flags
	// on the enrichment state, all in one transaction. Fails if no
	// enrichment state exists for the key.
	MergeOwner(ctx context.Context, key string, cand model.OwnerCandidate) (*model.OwnerRecord, error)

	// Reaper
	// ReapIfOrphaned deletes the enrichment state and owner record for
	// the key if and only if no listing in any source collection still
	// references it. The existence check and the deletes run in one
	// consistency scope.
	ReapIfOrphaned(ctx context.Context, key string) (bool, error)
	// ListOrphanKeys returns identity keys with enrichment state but no
	// remaining listing, for the reconciliation sweep.
	ListOrphanKeys(ctx context.Context) ([]string, error)

	Stats(ctx context.Context) (*Stats, error)
	Migrate(ctx context.Context) error
	Close() error
}
