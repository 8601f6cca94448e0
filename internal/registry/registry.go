// Package registry is the write path for raw listings: it attaches each
// listing to a canonical address identity and keeps enrichment state in
// step as listings come and go.
package registry

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/propenrich/internal/address"
	"github.com/sells-group/propenrich/internal/model"
	"github.com/sells-group/propenrich/internal/store"
)

// scrapedConfidence ranks contact data lifted off the listing page itself
// below any provider result.
const scrapedConfidence = 0.5

// OwnerSink consumes owner data scraped off a listing page.
type OwnerSink interface {
	Merge(ctx context.Context, key string, cand model.OwnerCandidate) (*model.OwnerRecord, error)
}

// DeletionHook is notified after a listing with an identity key is
// removed, so orphaned enrichment data can be cleaned up.
type DeletionHook interface {
	OnListingDeleted(ctx context.Context, key string) (bool, error)
}

// Registry upserts and deletes listings on behalf of the source
// pipelines. Concurrent upserts of the same (source, nativeURL) are
// serialized by the store's conflict clause; last writer wins.
type Registry struct {
	store store.Store
	norm  *address.Normalizer
	sink  OwnerSink
	hook  DeletionHook
}

// New creates a listing registry. sink and hook are optional.
func New(st store.Store, norm *address.Normalizer, sink OwnerSink, hook DeletionHook) *Registry {
	return &Registry{store: st, norm: norm, sink: sink, hook: hook}
}

// Upsert stores one scraped listing, keyed on (source, nativeURL).
// The raw address is normalized into an identity key; when normalization
// fails the listing is kept with a null key and flagged unresolved rather
// than erroring back to the pipeline. For resolvable addresses an enrichment
// state row is ensured, and any owner contact data present in the scraped
// fields is merged immediately.
func (r *Registry) Upsert(ctx context.Context, source, nativeURL, rawAddress string, fields map[string]string) (*model.ListingRecord, error) {
	prev, err := r.store.GetListing(ctx, source, nativeURL)
	if err != nil {
		return nil, err
	}

	rec := &model.ListingRecord{
		Source:     source,
		NativeURL:  nativeURL,
		RawAddress: rawAddress,
		Fields:     fields,
	}

	norm, err := r.norm.Normalize(rawAddress)
	switch {
	case errors.Is(err, address.ErrNoStateZip):
		rec.Unresolved = true
	case err != nil:
		return nil, err
	default:
		rec.IdentityKey = norm.Key()
	}

	rec, err = r.store.UpsertListing(ctx, rec)
	if err != nil {
		return nil, err
	}

	// A re-scrape can move the listing to a different identity, or to
	// none at all. The old identity may now be orphaned.
	if prev != nil && prev.IdentityKey != "" && prev.IdentityKey != rec.IdentityKey {
		r.reapReplacedIdentity(ctx, prev.IdentityKey, source)
	}

	if rec.IdentityKey == "" {
		zap.L().Debug("listing stored without identity",
			zap.String("source", source),
			zap.String("native_url", nativeURL),
		)
		return rec, nil
	}

	if err := r.store.EnsureState(ctx, &model.EnrichmentState{
		IdentityKey:       rec.IdentityKey,
		NormalizedAddress: norm.Canonical,
		Street:            norm.Street,
		City:              norm.City,
		State:             norm.State,
		Zip:               norm.Zip,
		Missing:           model.AllMissing(),
	}); err != nil {
		return nil, err
	}

	r.mergeScrapedOwner(ctx, rec)
	return rec, nil
}

// Delete removes a listing and, when it carried an identity key, runs the
// orphan check synchronously so enrichment data never outlives its last
// referencing listing.
func (r *Registry) Delete(ctx context.Context, source, nativeURL string) error {
	rec, err := r.store.DeleteListing(ctx, source, nativeURL)
	if err != nil {
		return err
	}
	if rec == nil || rec.IdentityKey == "" || r.hook == nil {
		return nil
	}

	reaped, err := r.hook.OnListingDeleted(ctx, rec.IdentityKey)
	if err != nil {
		return err
	}
	if reaped {
		zap.L().Info("identity reaped after last listing deleted",
			zap.String("identity_key", rec.IdentityKey),
			zap.String("source", source),
		)
	}
	return nil
}

// reapReplacedIdentity runs the orphan check for the identity a re-scraped
// listing no longer points at. Failures are logged, not fatal: the listing
// is already stored, and the reap sweep reconciles anything missed here.
func (r *Registry) reapReplacedIdentity(ctx context.Context, oldKey, source string) {
	if r.hook == nil {
		return
	}

	reaped, err := r.hook.OnListingDeleted(ctx, oldKey)
	if err != nil {
		zap.L().Warn("orphan check failed for replaced identity",
			zap.String("identity_key", oldKey),
			zap.String("source", source),
			zap.Error(err),
		)
		return
	}
	if reaped {
		zap.L().Info("identity reaped after listing re-keyed",
			zap.String("identity_key", oldKey),
			zap.String("source", source),
		)
	}
}

// mergeScrapedOwner feeds owner contact fields from the scrape into the
// merger. Failures here never fail the upsert: the listing is already
// stored and the enrichment worker will fill the gaps.
func (r *Registry) mergeScrapedOwner(ctx context.Context, rec *model.ListingRecord) {
	if r.sink == nil {
		return
	}

	cand := model.OwnerCandidate{
		Name:       rec.Fields[model.FieldOwnerName],
		Source:     "scraped:" + rec.Source,
		Confidence: scrapedConfidence,
	}
	if email := rec.Fields[model.FieldOwnerEmail]; email != "" {
		cand.Emails = []string{email}
	}
	if phone := rec.Fields[model.FieldOwnerPhone]; phone != "" {
		cand.Phones = []string{phone}
	}
	if cand.Empty() {
		return
	}

	if _, err := r.sink.Merge(ctx, rec.IdentityKey, cand); err != nil {
		zap.L().Warn("scraped owner merge failed",
			zap.String("identity_key", rec.IdentityKey),
			zap.String("source", rec.Source),
			zap.Error(err),
		)
	}
}
