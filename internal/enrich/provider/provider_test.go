package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/propenrich/internal/resilience"
)

type namedProvider struct {
	name string
}

func (n *namedProvider) Name() string { return n.name }

func (n *namedProvider) Lookup(context.Context, AddressQuery) (*OwnerData, error) {
	return nil, ErrNoData
}

func TestRegistryOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&namedProvider{name: "batchdata"})
	r.Register(&namedProvider{name: "fallback"})

	assert.Equal(t, []string{"batchdata", "fallback"}, r.List())
	assert.NotNil(t, r.Get("batchdata"))
	assert.Nil(t, r.Get("unknown"))
}

func TestRegistryReRegisterKeepsOrder(t *testing.T) {
	r := NewRegistry()
	first := &namedProvider{name: "batchdata"}
	second := &namedProvider{name: "batchdata"}
	r.Register(first)
	r.Register(&namedProvider{name: "fallback"})
	r.Register(second)

	assert.Equal(t, []string{"batchdata", "fallback"}, r.List())
	assert.Same(t, second, r.Get("batchdata"))
}

func TestAddressQueryLines(t *testing.T) {
	q := AddressQuery{Street: "123 MAIN ST", City: "CHICAGO", State: "IL", Zip: "60601"}
	assert.Equal(t, "123 MAIN ST", q.StreetLine())
	assert.Equal(t, "CHICAGO IL 60601", q.CityStateZipLine())

	partial := AddressQuery{State: "IL", Zip: "60601"}
	assert.Equal(t, "IL 60601", partial.CityStateZipLine())
}

func TestReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"no data", ErrNoData, "no data"},
		{"wrapped no data", errors.Join(ErrNoData), "no data"},
		{"deadline", context.DeadlineExceeded, "timeout: context deadline exceeded"},
		{"rate limit", &RateLimitError{Provider: "batchdata"}, "rate limited"},
		{
			"transient rate limit",
			resilience.NewTransientError(&RateLimitError{Provider: "batchdata"}, 429),
			"rate limited",
		},
		{
			"api error",
			&APIError{Provider: "batchdata", StatusCode: 500, Message: "boom"},
			"provider batchdata: status 500: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reason(tt.err))
		})
	}
}
