// Package provider defines the interface and error taxonomy for external
// owner-data enrichment providers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// AddressQuery identifies the property to look up. Built from a
// normalized address, never from raw scrape text.
type AddressQuery struct {
	Street string
	City   string
	State  string
	Zip    string
}

// StreetLine is the street component of the provider request.
func (q AddressQuery) StreetLine() string { return q.Street }

// CityStateZipLine is the locality component of the provider request.
func (q AddressQuery) CityStateZipLine() string {
	line := q.City
	if q.State != "" {
		line += " " + q.State
	}
	if q.Zip != "" {
		line += " " + q.Zip
	}
	return line
}

// OwnerData is a provider response. Partial results are expected and
// valid: any subset of the fields may be populated.
type OwnerData struct {
	OwnerName      string
	Emails         []string
	Phones         []string
	MailingAddress string
	Confidence     float64
	RequestID      string
}

// Provider is one external enrichment source.
type Provider interface {
	// Name returns the provider identifier recorded as source_used.
	Name() string
	// Lookup fetches owner data for the address. Returns ErrNoData when
	// the provider responded but had nothing for the property.
	Lookup(ctx context.Context, q AddressQuery) (*OwnerData, error)
}

// ErrNoData means the provider answered but holds no owner data for the
// address. Distinct from a failure: the attempt completes as checked.
var ErrNoData = errors.New("provider: no data for address")

// RateLimitError indicates the provider rejected the call for quota
// reasons. Transient: safe to retry after backoff.
type RateLimitError struct {
	Provider string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("provider %s: rate limited", e.Provider)
}

// APIError is a non-2xx provider response.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Reason classifies an error for the failure_reason column.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout: " + err.Error()
	case errors.Is(err, ErrNoData):
		return "no data"
	default:
		var rle *RateLimitError
		if errors.As(err, &rle) {
			return "rate limited"
		}
		return err.Error()
	}
}

// Registry manages the available providers in waterfall order.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Provider)}
}

// Register adds a provider. Registration order is the waterfall order.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[p.Name()]; !ok {
		r.order = append(r.order, p.Name())
	}
	r.byName[p.Name()] = p
}

// Get returns a provider by name, or nil if not found.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// List returns registered provider names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
