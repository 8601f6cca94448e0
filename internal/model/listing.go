package model

import "time"

// ListingRecord is one raw listing as scraped from a single source site.
// The upsert key is (Source, NativeURL); re-scraping the same URL updates
// the record in place. IdentityKey is empty when the raw address could not
// be normalized; such listings are stored but excluded from identity
// resolution.
type ListingRecord struct {
	ID          int64             `json:"id,omitempty"`
	Source      string            `json:"source"`
	NativeURL   string            `json:"native_url"`
	RawAddress  string            `json:"raw_address"`
	IdentityKey string            `json:"identity_key,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Unresolved  bool              `json:"unresolved,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Well-known scraped field names carried in ListingRecord.Fields. Listing
// pipelines may attach any extra fields; these three feed the owner merge
// path when present.
const (
	FieldOwnerName  = "owner_name"
	FieldOwnerEmail = "owner_email"
	FieldOwnerPhone = "owner_phone"
)
