package model

import (
	"sort"
	"time"
)

// FieldProvenance records which source supplied one owner field and how
// confident that source was.
type FieldProvenance struct {
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
	MergedAt   time.Time `json:"merged_at"`
}

// OwnerRecord is the consolidated owner contact data for one identity key.
// Its existence mirrors the EnrichmentState row: both are created on first
// resolution and destroyed together by the orphan reaper.
type OwnerRecord struct {
	IdentityKey    string                     `json:"identity_key"`
	OwnerName      string                     `json:"owner_name,omitempty"`
	Emails         []string                   `json:"emails,omitempty"`
	Phones         []string                   `json:"phones,omitempty"`
	MailingAddress string                     `json:"mailing_address,omitempty"`
	Provenance     map[string]FieldProvenance `json:"provenance,omitempty"`
	Confidence     float64                    `json:"confidence"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// OwnerCandidate is one batch of owner data offered for merging, from a
// live provider call, a scraped listing, or a bulk import row.
type OwnerCandidate struct {
	Name           string   `json:"name,omitempty"`
	Emails         []string `json:"emails,omitempty"`
	Phones         []string `json:"phones,omitempty"`
	MailingAddress string   `json:"mailing_address,omitempty"`
	Source         string   `json:"source"`
	Confidence     float64  `json:"confidence"`
}

// Empty reports whether the candidate carries no usable data at all.
func (c OwnerCandidate) Empty() bool {
	return c.Name == "" && len(c.Emails) == 0 && len(c.Phones) == 0 && c.MailingAddress == ""
}

// Apply merges a candidate into the record and reports whether anything
// changed. Merge policy: emails and phones accumulate as de-duplicated
// sets; the name is replaced only by a strictly longer one; the mailing
// address is first-non-empty-wins unless the candidate carries strictly
// higher confidence. Store drivers call this inside a transaction so the
// read-merge-write never races.
func (r *OwnerRecord) Apply(cand OwnerCandidate, now time.Time) bool {
	changed := false

	if cand.Name != "" && len(cand.Name) > len(r.OwnerName) {
		r.OwnerName = cand.Name
		r.setProvenance("owner_name", cand, now)
		changed = true
	}
	if added := unionInto(&r.Emails, cand.Emails); added {
		r.setProvenance("owner_email", cand, now)
		changed = true
	}
	if added := unionInto(&r.Phones, cand.Phones); added {
		r.setProvenance("owner_phone", cand, now)
		changed = true
	}
	if cand.MailingAddress != "" &&
		(r.MailingAddress == "" || cand.Confidence > r.provenanceConfidence("mailing_address")) {
		r.MailingAddress = cand.MailingAddress
		r.setProvenance("mailing_address", cand, now)
		changed = true
	}
	if cand.Confidence > r.Confidence {
		r.Confidence = cand.Confidence
		changed = true
	}
	if changed {
		r.UpdatedAt = now
	}
	return changed
}

// Missing returns the missing-field set implied by the record's current
// contents: a field is no longer missing once any source supplied it.
func (r *OwnerRecord) Missing() MissingFields {
	return MissingFields{
		OwnerName:  r.OwnerName == "",
		OwnerEmail: len(r.Emails) == 0,
		OwnerPhone: len(r.Phones) == 0,
	}
}

func (r *OwnerRecord) setProvenance(field string, cand OwnerCandidate, now time.Time) {
	if r.Provenance == nil {
		r.Provenance = make(map[string]FieldProvenance)
	}
	r.Provenance[field] = FieldProvenance{
		Source:     cand.Source,
		Confidence: cand.Confidence,
		MergedAt:   now,
	}
}

func (r *OwnerRecord) provenanceConfidence(field string) float64 {
	if p, ok := r.Provenance[field]; ok {
		return p.Confidence
	}
	return 0
}

// unionInto adds the values not already present, keeping the slice sorted
// so merge output is order-independent.
func unionInto(dst *[]string, values []string) bool {
	seen := make(map[string]struct{}, len(*dst))
	for _, v := range *dst {
		seen[v] = struct{}{}
	}
	added := false
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		*dst = append(*dst, v)
		added = true
	}
	if added {
		sort.Strings(*dst)
	}
	return added
}
