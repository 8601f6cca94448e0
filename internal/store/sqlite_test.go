package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/propenrich/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func seedState(t *testing.T, st *SQLiteStore, key string) {
	t.Helper()
	require.NoError(t, st.EnsureState(context.Background(), &model.EnrichmentState{
		IdentityKey:       key,
		NormalizedAddress: "123 MAIN ST CHICAGO IL 60601",
		Street:            "123 MAIN ST",
		City:              "CHICAGO",
		State:             "IL",
		Zip:               "60601",
		Missing:           model.AllMissing(),
	}))
}

// future/past cutoffs for TryAcquire: a staleBefore in the future treats
// any pending lock as stale; one in the past treats all locks as live.
var (
	farFuture = time.Now().Add(24 * time.Hour)
	farPast   = time.Now().Add(-24 * time.Hour)
)

func TestUpsertListingRoundTrip(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	rec, err := st.UpsertListing(ctx, &model.ListingRecord{
		Source:      "hotpads",
		NativeURL:   "https://hotpads.com/l/1",
		RawAddress:  "123 Main St, Chicago IL 60601",
		IdentityKey: "k1",
		Fields:      map[string]string{"price": "1500", "beds": "2"},
	})
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)

	got, err := st.GetListing(ctx, "hotpads", "https://hotpads.com/l/1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "k1", got.IdentityKey)
	assert.Equal(t, map[string]string{"price": "1500", "beds": "2"}, got.Fields)
}

func TestUpsertListingConflictUpdatesInPlace(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	first, err := st.UpsertListing(ctx, &model.ListingRecord{
		Source: "hotpads", NativeURL: "u", RawAddress: "a", IdentityKey: "k1",
	})
	require.NoError(t, err)

	second, err := st.UpsertListing(ctx, &model.ListingRecord{
		Source: "hotpads", NativeURL: "u", RawAddress: "a2", IdentityKey: "k2",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	got, err := st.GetListing(ctx, "hotpads", "u")
	require.NoError(t, err)
	assert.Equal(t, "a2", got.RawAddress)
	assert.Equal(t, "k2", got.IdentityKey)
}

func TestUpsertListingNullIdentityKey(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	_, err := st.UpsertListing(ctx, &model.ListingRecord{
		Source: "hotpads", NativeURL: "u", RawAddress: "no address", Unresolved: true,
	})
	require.NoError(t, err)

	got, err := st.GetListing(ctx, "hotpads", "u")
	require.NoError(t, err)
	assert.Empty(t, got.IdentityKey)
	assert.True(t, got.Unresolved)

	has, err := st.HasListingForKey(ctx, "")
	require.NoError(t, err)
	assert.False(t, has, "null keys must not count as references")
}

func TestDeleteListingReturnsDeletedRecord(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()

	_, err := st.UpsertListing(ctx, &model.ListingRecord{
		Source: "hotpads", NativeURL: "u", RawAddress: "a", IdentityKey: "k1",
	})
	require.NoError(t, err)

	rec, err := st.DeleteListing(ctx, "hotpads", "u")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "k1", rec.IdentityKey)

	rec, err = st.DeleteListing(ctx, "hotpads", "u")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestEnsureStateDoesNotResetExisting(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	seedState(t, st, "k1")

	ok, err := st.TryAcquire(ctx, "k1", "req-1", farPast, farPast)
	require.NoError(t, err)
	require.True(t, ok)

	// A second listing for the same identity re-ensures the state row.
	seedState(t, st, "k1")

	got, err := st.GetState(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.True(t, got.Locked)
	assert.Equal(t, "req-1", got.RequestID)
}

func TestGetStateMissing(t *testing.T) {
	st := newTestSQLite(t)

	got, err := st.GetState(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTryAcquireLifecycle(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	seedState(t, st, "k1")

	// never_checked rows are acquirable regardless of cutoffs.
	ok, err := st.TryAcquire(ctx, "k1", "req-1", farPast, farPast)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.GetState(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.True(t, got.Locked)
	require.NotNil(t, got.LastCheckedAt)

	// A live pending lock blocks a second acquire.
	ok, err = st.TryAcquire(ctx, "k1", "req-2", farPast, farPast)
	require.NoError(t, err)
	assert.False(t, ok)

	// A stale pending lock (older than staleBefore) is recoverable.
	ok, err = st.TryAcquire(ctx, "k1", "req-3", farFuture, farPast)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = st.GetState(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "req-3", got.RequestID)
}

func TestReleaseCheckedThenCooldown(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	seedState(t, st, "k1")

	ok, err := st.TryAcquire(ctx, "k1", "req-1", farPast, farPast)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, st.ReleaseChecked(ctx, "k1", "batchdata", "no data"))

	got, err := st.GetState(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusChecked, got.Status)
	assert.False(t, got.Locked)
	assert.Equal(t, "batchdata", got.SourceUsed)
	assert.Equal(t, "no data", got.FailureReason)
	assert.Empty(t, got.RequestID)

	// Still cooling down: not acquirable with a past cutoff.
	ok, err = st.TryAcquire(ctx, "k1", "req-2", farPast, farPast)
	require.NoError(t, err)
	assert.False(t, ok)

	// Past the cooldown: acquirable again since fields are still missing.
	ok, err = st.TryAcquire(ctx, "k1", "req-2", farPast, farFuture)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseFailedRecordsReason(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	seedState(t, st, "k1")

	ok, err := st.TryAcquire(ctx, "k1", "req-1", farPast, farPast)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, st.ReleaseFailed(ctx, "k1", "batchdata", "timeout: context deadline exceeded"))

	got, err := st.GetState(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.False(t, got.Locked)
	assert.Equal(t, "timeout: context deadline exceeded", got.FailureReason)
}

func TestReleaseUnknownKeyErrors(t *testing.T) {
	st := newTestSQLite(t)

	assert.Error(t, st.ReleaseChecked(context.Background(), "nope", "batchdata", ""))
	assert.Error(t, st.ReleaseFailed(context.Background(), "nope", "batchdata", "boom"))
}

func TestTryAcquireSkipsFullyResolved(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	seedState(t, st, "k1")

	_, err := st.MergeOwner(ctx, "k1", model.OwnerCandidate{
		Name:       "Dana Smith",
		Emails:     []string{"dana@example.com"},
		Phones:     []string{"312-555-0100"},
		Source:     "batchdata",
		Confidence: 0.9,
	})
	require.NoError(t, err)

	ok, err := st.TryAcquire(ctx, "k1", "req-1", farFuture, farFuture)
	require.NoError(t, err)
	assert.False(t, ok, "no missing fields left, nothing to enrich")
}

func TestTryAcquireMutualExclusion(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	seedState(t, st, "k1")

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.TryAcquire(ctx, "k1", "req", farPast, farPast)
			assert.NoError(t, err)
			if ok {
				wins <- "won"
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for range wins {
		winners++
	}
	assert.Equal(t, 1, winners, "exactly one concurrent caller may win the lock")
}

func TestListEligibleOrdersOldestFirst(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	seedState(t, st, "k1")
	seedState(t, st, "k2")
	seedState(t, st, "k3")

	// k2 completes an attempt; k1 and k3 stay never_checked.
	ok, err := st.TryAcquire(ctx, "k2", "req-1", farPast, farPast)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.ReleaseChecked(ctx, "k2", "batchdata", "no data"))

	states, err := st.ListEligible(ctx, 10, farPast, farFuture)
	require.NoError(t, err)
	require.Len(t, states, 3)
	// Never-attempted rows come first.
	assert.Nil(t, states[0].LastCheckedAt)
	assert.Nil(t, states[1].LastCheckedAt)
	assert.Equal(t, "k2", states[2].IdentityKey)

	limited, err := st.ListEligible(ctx, 2, farPast, farFuture)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestCountProviderCalls(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	seedState(t, st, "k1")
	seedState(t, st, "k2")

	for _, key := range []string{"k1", "k2"} {
		ok, err := st.TryAcquire(ctx, key, "req", farPast, farPast)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, st.ReleaseChecked(ctx, key, "batchdata", ""))
	}

	n, err := st.CountProviderCalls(ctx, "batchdata", farPast)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = st.CountProviderCalls(ctx, "batchdata", farFuture)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = st.CountProviderCalls(ctx, "other", farPast)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMergeOwnerCreatesAndClearsFlags(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	seedState(t, st, "k1")

	rec, err := st.MergeOwner(ctx, "k1", model.OwnerCandidate{
		Name:       "Dana Smith",
		Phones:     []string{"312-555-0100"},
		Source:     "batchdata",
		Confidence: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, "Dana Smith", rec.OwnerName)
	assert.Equal(t, []string{"312-555-0100"}, rec.Phones)

	state, err := st.GetState(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, state.Missing.OwnerName)
	assert.True(t, state.Missing.OwnerEmail)
	assert.False(t, state.Missing.OwnerPhone)
}

func TestMergeOwnerAccumulates(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	seedState(t, st, "k1")

	_, err := st.MergeOwner(ctx, "k1", model.OwnerCandidate{
		Phones: []string{"312-555-0100"}, Source: "scraped:hotpads", Confidence: 0.5,
	})
	require.NoError(t, err)

	rec, err := st.MergeOwner(ctx, "k1", model.OwnerCandidate{
		Name:   "Dana Smith",
		Phones: []string{"312-555-0101", "312-555-0100"},
		Emails: []string{"dana@example.com"},
		Source: "batchdata", Confidence: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"312-555-0100", "312-555-0101"}, rec.Phones)
	assert.Equal(t, []string{"dana@example.com"}, rec.Emails)
	assert.Equal(t, "batchdata", rec.Provenance["owner_phone"].Source)

	got, err := st.GetOwner(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, rec.Phones, got.Phones)
	assert.Equal(t, 0.9, got.Confidence)
}

func TestMergeOwnerRequiresState(t *testing.T) {
	st := newTestSQLite(t)

	_, err := st.MergeOwner(context.Background(), "nope", model.OwnerCandidate{
		Name: "x", Source: "import", Confidence: 1,
	})
	assert.Error(t, err)
}

func TestReapIfOrphaned(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	seedState(t, st, "k1")

	_, err := st.MergeOwner(ctx, "k1", model.OwnerCandidate{
		Name: "Dana", Source: "import", Confidence: 1,
	})
	require.NoError(t, err)

	_, err = st.UpsertListing(ctx, &model.ListingRecord{
		Source: "hotpads", NativeURL: "u", RawAddress: "a", IdentityKey: "k1",
	})
	require.NoError(t, err)

	// Still referenced: nothing deleted.
	reaped, err := st.ReapIfOrphaned(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, reaped)

	_, err = st.DeleteListing(ctx, "hotpads", "u")
	require.NoError(t, err)

	reaped, err = st.ReapIfOrphaned(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, reaped)

	state, err := st.GetState(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, state)
	owner, err := st.GetOwner(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, owner)

	// Second reap is a no-op.
	reaped, err = st.ReapIfOrphaned(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, reaped)
}

func TestListOrphanKeys(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	seedState(t, st, "k1")
	seedState(t, st, "k2")

	_, err := st.UpsertListing(ctx, &model.ListingRecord{
		Source: "hotpads", NativeURL: "u", RawAddress: "a", IdentityKey: "k1",
	})
	require.NoError(t, err)

	keys, err := st.ListOrphanKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k2"}, keys)
}

func TestStats(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.Background()
	seedState(t, st, "k1")
	seedState(t, st, "k2")

	_, err := st.UpsertListing(ctx, &model.ListingRecord{
		Source: "hotpads", NativeURL: "u1", RawAddress: "a", IdentityKey: "k1",
	})
	require.NoError(t, err)
	_, err = st.UpsertListing(ctx, &model.ListingRecord{
		Source: "zillow", NativeURL: "u2", RawAddress: "a", IdentityKey: "k1",
	})
	require.NoError(t, err)

	_, err = st.MergeOwner(ctx, "k1", model.OwnerCandidate{
		Name: "Dana", Source: "import", Confidence: 1,
	})
	require.NoError(t, err)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"hotpads": 1, "zillow": 1}, stats.ListingsBySource)
	assert.Equal(t, 2, stats.StatesByStatus[model.StatusNeverChecked])
	assert.Equal(t, 1, stats.Owners)
	assert.Equal(t, 1, stats.Orphans)
}
