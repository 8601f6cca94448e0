package enrich

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/propenrich/internal/address"
	"github.com/sells-group/propenrich/internal/enrich/provider"
	"github.com/sells-group/propenrich/internal/model"
	"github.com/sells-group/propenrich/internal/registry"
)

// Walks one listing through the whole write path against a real store:
// submit resolves the address and creates state, then an enrichment cycle
// with a phones-only provider clears exactly the phone flag.
func TestSubmittedListingEnrichedEndToEnd(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	merger := NewMerger(st)
	reg := registry.New(st, address.NewNormalizer(nil), merger, nil)

	rec, err := reg.Upsert(ctx, "hotpads", "https://hotpads.com/l/42",
		"123 Main Street, Chicago IL 60601", nil)
	require.NoError(t, err)
	require.False(t, rec.Unresolved)
	require.NotEmpty(t, rec.IdentityKey)

	state, err := st.GetState(ctx, rec.IdentityKey)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, model.StatusNeverChecked, state.Status)
	assert.Equal(t, model.AllMissing(), state.Missing)

	stub := &stubProvider{
		name: "stub",
		data: &provider.OwnerData{
			Phones:     []string{"312-555-0177"},
			Confidence: 0.8,
			RequestID:  "rq-42",
		},
	}
	o := newTestOrchestrator(t, st, stub, testPolicy())

	outcome, err := o.RunCycle(ctx, rec.IdentityKey)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnriched, outcome)
	assert.Equal(t, "123 MAIN ST", stub.lastQuery().Street)
	assert.Equal(t, "CHICAGO", stub.lastQuery().City)

	owner, err := st.GetOwner(ctx, rec.IdentityKey)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, []string{"312-555-0177"}, owner.Phones)

	state, err = st.GetState(ctx, rec.IdentityKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusChecked, state.Status)
	assert.False(t, state.Locked)
	assert.Equal(t, "stub", state.SourceUsed)
	assert.False(t, state.Missing.OwnerPhone)
	assert.True(t, state.Missing.OwnerName)
	assert.True(t, state.Missing.OwnerEmail)
}
