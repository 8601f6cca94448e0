package enrich

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/propenrich/internal/model"
	"github.com/sells-group/propenrich/internal/store"
)

// importConfidence ranks bulk-imported rows above provider results: an
// operator vetted them by hand.
const importConfidence = 0.95

var titleCaser = cases.Title(language.AmericanEnglish)

// Merger cleans owner candidates and applies them to owner records. All
// merge paths (scraped fields, provider results, bulk imports) funnel
// through here so placeholder filtering is applied uniformly.
type Merger struct {
	store store.Store
}

// NewMerger creates a merger backed by the given store.
func NewMerger(st store.Store) *Merger {
	return &Merger{store: st}
}

// Merge sanitizes the candidate and applies it to the identity's owner
// record. Placeholder emails, phones, and names are dropped field by
// field; if nothing survives, the merge is skipped and the current record
// (possibly nil) is returned.
func (m *Merger) Merge(ctx context.Context, key string, cand model.OwnerCandidate) (*model.OwnerRecord, error) {
	cand = Sanitize(cand)
	if cand.Empty() {
		zap.L().Debug("owner candidate empty after sanitize",
			zap.String("identity_key", key),
			zap.String("source", cand.Source),
		)
		return m.store.GetOwner(ctx, key)
	}
	return m.store.MergeOwner(ctx, key, cand)
}

// Sanitize drops placeholder fields from a candidate and normalizes the
// name's casing. The candidate's source and confidence pass through.
func Sanitize(cand model.OwnerCandidate) model.OwnerCandidate {
	out := model.OwnerCandidate{
		Source:     cand.Source,
		Confidence: cand.Confidence,
	}

	if name := strings.TrimSpace(cand.Name); name != "" && !IsPlaceholderName(name) {
		out.Name = normalizeOwnerName(name)
	}
	for _, email := range cand.Emails {
		if !IsPlaceholderEmail(email) {
			out.Emails = append(out.Emails, strings.ToLower(strings.TrimSpace(email)))
		}
	}
	for _, phone := range cand.Phones {
		if !IsPlaceholderPhone(phone) {
			out.Phones = append(out.Phones, strings.TrimSpace(phone))
		}
	}
	out.MailingAddress = strings.TrimSpace(cand.MailingAddress)
	return out
}

// normalizeOwnerName title-cases shouty or lowercased names but leaves
// mixed-case ones alone, so "McAllister Properties LLC" survives intact.
func normalizeOwnerName(name string) string {
	if name == strings.ToUpper(name) || name == strings.ToLower(name) {
		return titleCaser.String(strings.ToLower(name))
	}
	return name
}

// ImportRow is one record from a bulk owner import file.
type ImportRow struct {
	RawAddress     string
	OwnerName      string
	Email          string
	Phone          string
	MailingAddress string
}

// ImportResult summarizes a bulk import batch.
type ImportResult struct {
	Merged     int
	Unresolved int
	NoListing  int
	Skipped    int
}

// ImportBatch merges hand-verified owner rows. Rows whose address cannot
// be normalized are counted unresolved; rows whose identity has no
// listing on record are skipped so imports never create enrichment data
// that the reaper would have to clean up.
func (m *Merger) ImportBatch(ctx context.Context, rows []ImportRow, keyFor func(raw string) (string, error)) (*ImportResult, error) {
	res := &ImportResult{}

	for _, row := range rows {
		key, err := keyFor(row.RawAddress)
		if err != nil {
			res.Unresolved++
			continue
		}

		has, err := m.store.HasListingForKey(ctx, key)
		if err != nil {
			return res, eris.Wrapf(err, "import: check listing for %s", key)
		}
		if !has {
			res.NoListing++
			continue
		}

		cand := Sanitize(model.OwnerCandidate{
			Name:           row.OwnerName,
			MailingAddress: row.MailingAddress,
			Source:         "import",
			Confidence:     importConfidence,
		})
		if !IsPlaceholderEmail(row.Email) {
			cand.Emails = []string{strings.ToLower(strings.TrimSpace(row.Email))}
		}
		if !IsPlaceholderPhone(row.Phone) {
			cand.Phones = []string{strings.TrimSpace(row.Phone)}
		}
		if cand.Empty() {
			res.Skipped++
			continue
		}

		if _, err := m.store.MergeOwner(ctx, key, cand); err != nil {
			return res, eris.Wrapf(err, "import: merge owner for %s", key)
		}
		res.Merged++
	}

	zap.L().Info("owner import complete",
		zap.Int("merged", res.Merged),
		zap.Int("unresolved", res.Unresolved),
		zap.Int("no_listing", res.NoListing),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}
