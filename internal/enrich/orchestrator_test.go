package enrich

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/propenrich/internal/enrich/provider"
	"github.com/sells-group/propenrich/internal/model"
	"github.com/sells-group/propenrich/internal/store"
)

type stubProvider struct {
	name  string
	data  *provider.OwnerData
	err   error
	calls atomic.Int64

	mu   sync.Mutex
	last provider.AddressQuery
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Lookup(_ context.Context, q provider.AddressQuery) (*provider.OwnerData, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.last = q
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

func (s *stubProvider) lastQuery() provider.AddressQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func testPolicy() *Policy {
	return &Policy{
		Defaults: PolicyDefaults{
			DailyLimit:     100,
			RequestTimeout: Duration(5 * time.Second),
			Cooldown:       Duration(time.Hour),
			StaleLock:      Duration(time.Minute),
		},
		Providers: []ProviderPolicy{
			{Name: "stub", DailyLimit: 100, RequestTimeout: Duration(5 * time.Second)},
		},
	}
}

func newTestOrchestrator(t *testing.T, st store.Store, p provider.Provider, policy *Policy) *Orchestrator {
	t.Helper()
	providers := provider.NewRegistry()
	if p != nil {
		providers.Register(p)
	}
	o := NewOrchestrator(st, providers, NewMerger(st), policy)
	// No backoff sleeps in tests.
	o.retry.MaxAttempts = 1
	return o
}

func TestRunCycleEnriches(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedState(t, st, "k1")

	stub := &stubProvider{
		name: "stub",
		data: &provider.OwnerData{
			OwnerName:  "Dana Smith",
			Emails:     []string{"dana@example.com"},
			Phones:     []string{"312-555-0142"},
			Confidence: 0.9,
			RequestID:  "rq-1",
		},
	}
	o := newTestOrchestrator(t, st, stub, testPolicy())

	outcome, err := o.RunCycle(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnriched, outcome)
	assert.Equal(t, int64(1), stub.calls.Load())
	assert.Equal(t, "123 MAIN ST", stub.lastQuery().Street)
	assert.Equal(t, "60601", stub.lastQuery().Zip)

	state, err := st.GetState(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusChecked, state.Status)
	assert.False(t, state.Locked)
	assert.Equal(t, "stub", state.SourceUsed)
	assert.False(t, state.Missing.Any())

	owner, err := st.GetOwner(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, "Dana Smith", owner.OwnerName)
}

func TestRunCycleNoData(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedState(t, st, "k1")

	stub := &stubProvider{name: "stub", err: provider.ErrNoData}
	o := newTestOrchestrator(t, st, stub, testPolicy())

	outcome, err := o.RunCycle(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoData, outcome)

	state, err := st.GetState(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusChecked, state.Status)
	assert.Equal(t, "no data", state.FailureReason)
	assert.True(t, state.Missing.Any())
}

func TestRunCycleProviderFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedState(t, st, "k1")

	stub := &stubProvider{name: "stub", err: &provider.APIError{
		Provider: "stub", StatusCode: 500, Message: "boom",
	}}
	o := newTestOrchestrator(t, st, stub, testPolicy())

	outcome, err := o.RunCycle(ctx, "k1")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	state, err := st.GetState(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, state.Status)
	assert.False(t, state.Locked)
	assert.Contains(t, state.FailureReason, "boom")
}

func TestRunCycleSkipsUnknownAndResolved(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	stub := &stubProvider{name: "stub"}
	o := newTestOrchestrator(t, st, stub, testPolicy())

	outcome, err := o.RunCycle(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	seedState(t, st, "k1")
	_, err = st.MergeOwner(ctx, "k1", model.OwnerCandidate{
		Name:   "Dana Smith",
		Emails: []string{"dana@example.com"},
		Phones: []string{"312-555-0142"},
		Source: "import", Confidence: 1,
	})
	require.NoError(t, err)

	outcome, err = o.RunCycle(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, int64(0), stub.calls.Load())
}

func TestRunCycleContended(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedState(t, st, "k1")

	ok, err := st.TryAcquire(ctx, "k1", "other-worker",
		time.Now().Add(-time.Hour), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	stub := &stubProvider{name: "stub"}
	o := newTestOrchestrator(t, st, stub, testPolicy())

	outcome, err := o.RunCycle(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeContended, outcome)
	assert.Equal(t, int64(0), stub.calls.Load())
}

func TestRunCycleBudgetExhausted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedState(t, st, "k1")
	seedState(t, st, "k2")

	stub := &stubProvider{name: "stub", err: provider.ErrNoData}
	policy := testPolicy()
	policy.Providers[0].DailyLimit = 1
	o := newTestOrchestrator(t, st, stub, policy)

	outcome, err := o.RunCycle(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoData, outcome)

	// The first attempt spent the whole daily budget.
	outcome, err = o.RunCycle(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, int64(1), stub.calls.Load())

	// k2 stays untouched for the next budget window, not cooled down.
	state, err := st.GetState(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeverChecked, state.Status)
}

func TestRunCycleNoProviders(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedState(t, st, "k1")

	o := newTestOrchestrator(t, st, nil, testPolicy())

	outcome, err := o.RunCycle(ctx, "k1")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
}

// cancelingProvider cancels the caller's context from inside the lookup,
// the way a shut-down worker pool would mid-flight.
type cancelingProvider struct {
	cancel context.CancelFunc
}

func (p *cancelingProvider) Name() string { return "stub" }

func (p *cancelingProvider) Lookup(ctx context.Context, _ provider.AddressQuery) (*provider.OwnerData, error) {
	p.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunCycleReleasesLockWhenCallerCancels(t *testing.T) {
	st := newTestStore(t)
	seedState(t, st, "k1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := newTestOrchestrator(t, st, &cancelingProvider{cancel: cancel}, testPolicy())

	outcome, err := o.RunCycle(ctx, "k1")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	// The release must land even though the caller's context is gone;
	// otherwise the row stays pending and locked with no failure reason
	// until stale-lock recovery.
	state, err := st.GetState(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, state.Status)
	assert.False(t, state.Locked)
	assert.Contains(t, state.FailureReason, "timeout")
}

func TestRunCycleWithNilPolicyUsesDefaults(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedState(t, st, "k1")

	stub := &stubProvider{
		name: "batchdata",
		data: &provider.OwnerData{OwnerName: "Dana Smith", Confidence: 0.9},
	}
	providers := provider.NewRegistry()
	providers.Register(stub)
	o := NewOrchestrator(st, providers, NewMerger(st), nil)

	outcome, err := o.RunCycle(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnriched, outcome)
	assert.Equal(t, int64(1), stub.calls.Load())
}

func TestRunPendingDrainsBacklog(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"k1", "k2", "k3"} {
		seedState(t, st, key)
	}

	stub := &stubProvider{
		name: "stub",
		data: &provider.OwnerData{OwnerName: "Dana Smith", Confidence: 0.9},
	}
	o := newTestOrchestrator(t, st, stub, testPolicy())

	summary, err := o.RunPending(ctx, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Counts[OutcomeEnriched])
	assert.Equal(t, int64(3), stub.calls.Load())
}
