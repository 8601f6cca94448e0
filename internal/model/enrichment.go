package model

import "time"

// EnrichmentStatus is the lifecycle state of one identity's enrichment.
type EnrichmentStatus string

const (
	// StatusNeverChecked means no enrichment attempt has completed yet.
	StatusNeverChecked EnrichmentStatus = "never_checked"
	// StatusPending means a provider call is in flight and the row is locked.
	StatusPending EnrichmentStatus = "pending"
	// StatusChecked means the last attempt completed; MissingFields records
	// which fields remain unresolved.
	StatusChecked EnrichmentStatus = "checked"
	// StatusFailed means the last attempt errored; FailureReason says why.
	StatusFailed EnrichmentStatus = "failed"
)

// MissingFields tracks which owner contact fields are still unresolved for
// an identity. The field set is closed, so these are fixed flags rather
// than a dynamic map.
type MissingFields struct {
	OwnerName  bool `json:"owner_name"`
	OwnerEmail bool `json:"owner_email"`
	OwnerPhone bool `json:"owner_phone"`
}

// AllMissing is the initial missing-field set for a new identity.
func AllMissing() MissingFields {
	return MissingFields{OwnerName: true, OwnerEmail: true, OwnerPhone: true}
}

// Any reports whether at least one field is still unresolved.
func (m MissingFields) Any() bool {
	return m.OwnerName || m.OwnerEmail || m.OwnerPhone
}

// EnrichmentState is the per-identity enrichment lifecycle row. Exactly one
// exists per identity key that has ever needed enrichment, and only while
// at least one listing still references the key.
type EnrichmentState struct {
	IdentityKey       string           `json:"identity_key"`
	NormalizedAddress string           `json:"normalized_address"`
	Street            string           `json:"street"`
	City              string           `json:"city"`
	State             string           `json:"state"`
	Zip               string           `json:"zip"`
	Status            EnrichmentStatus `json:"status"`
	Missing           MissingFields    `json:"missing_fields"`
	Locked            bool             `json:"locked"`
	LastCheckedAt     *time.Time       `json:"last_checked_at,omitempty"`
	SourceUsed        string           `json:"source_used,omitempty"`
	FailureReason     string           `json:"failure_reason,omitempty"`
	RequestID         string           `json:"request_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}
