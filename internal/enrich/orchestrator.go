// Package enrich runs the owner-data enrichment lifecycle: it acquires
// per-identity locks, calls paid providers in waterfall order under daily
// budgets, and merges what comes back into owner records.
package enrich

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/propenrich/internal/enrich/provider"
	"github.com/sells-group/propenrich/internal/model"
	"github.com/sells-group/propenrich/internal/resilience"
	"github.com/sells-group/propenrich/internal/store"
)

// Outcome classifies one enrichment cycle for an identity.
type Outcome string

const (
	// OutcomeSkipped means the identity had no eligible state row.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeContended means another worker holds the lock.
	OutcomeContended Outcome = "contended"
	// OutcomeEnriched means a provider returned usable owner data.
	OutcomeEnriched Outcome = "enriched"
	// OutcomeNoData means providers answered but had nothing; the attempt
	// still completes and starts the cooldown clock.
	OutcomeNoData Outcome = "nodata"
	// OutcomeFailed means every provider errored or was unavailable.
	OutcomeFailed Outcome = "failed"
)

// ErrBudgetExhausted means a provider's daily call budget is spent.
var ErrBudgetExhausted = errors.New("enrich: daily budget exhausted")

// Orchestrator drives enrichment attempts against the provider waterfall.
type Orchestrator struct {
	store     store.Store
	providers *provider.Registry
	merger    *Merger
	policy    *Policy
	breakers  *resilience.ServiceBreakers
	retry     resilience.RetryConfig

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewOrchestrator wires the enrichment loop. A nil policy falls back to
// DefaultPolicy.
func NewOrchestrator(st store.Store, providers *provider.Registry, merger *Merger, policy *Policy) *Orchestrator {
	if policy == nil {
		policy = DefaultPolicy()
	}
	policy.fillProviderDefaults()
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("enrich", "lookup")
	return &Orchestrator{
		store:     st,
		providers: providers,
		merger:    merger,
		policy:    policy,
		breakers:  resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig()),
		retry:     retry,
		nowFunc:   time.Now,
	}
}

// SetRetry overrides the retry policy wrapped around provider calls.
func (o *Orchestrator) SetRetry(rc resilience.RetryConfig) {
	rc.OnRetry = resilience.RetryLogger("enrich", "lookup")
	o.retry = rc
}

// SetBreakers overrides the per-provider circuit breaker settings.
func (o *Orchestrator) SetBreakers(cfg resilience.CircuitBreakerConfig) {
	o.breakers = resilience.NewServiceBreakers(cfg)
}

// CycleSummary aggregates outcomes across one batch run.
type CycleSummary struct {
	Counts map[Outcome]int
}

func newCycleSummary() *CycleSummary {
	return &CycleSummary{Counts: make(map[Outcome]int)}
}

// RunCycle attempts one enrichment pass for a single identity. The
// attempt is skipped unless the row is eligible (fields still missing,
// not locked by a live worker, past cooldown), and exactly one concurrent
// caller can win the lock.
func (o *Orchestrator) RunCycle(ctx context.Context, key string) (Outcome, error) {
	now := o.nowFunc().UTC()
	staleBefore := now.Add(-o.policy.Defaults.StaleLock.Std())
	cooldownBefore := now.Add(-o.policy.Defaults.Cooldown.Std())

	st, err := o.store.GetState(ctx, key)
	if err != nil {
		return OutcomeFailed, err
	}
	if st == nil || !st.Missing.Any() {
		return OutcomeSkipped, nil
	}

	// Budget exhaustion is not an attempt. Checking before acquiring keeps
	// the row out of cooldown so it is retried as soon as budgets reset.
	if !o.anyBudgetLeft(ctx, now) {
		return OutcomeSkipped, nil
	}

	requestID := uuid.NewString()
	acquired, err := o.store.TryAcquire(ctx, key, requestID, staleBefore, cooldownBefore)
	if err != nil {
		return OutcomeFailed, err
	}
	if !acquired {
		return OutcomeContended, nil
	}

	outcome, err := o.attempt(ctx, st, now)
	if err != nil {
		zap.L().Warn("enrichment cycle failed",
			zap.String("identity_key", key),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
	return outcome, err
}

// attempt walks the provider waterfall for one locked identity and always
// releases the lock before returning.
func (o *Orchestrator) attempt(ctx context.Context, st *model.EnrichmentState, now time.Time) (Outcome, error) {
	query := provider.AddressQuery{
		Street: st.Street,
		City:   st.City,
		State:  st.State,
		Zip:    st.Zip,
	}

	// Releases run detached from the caller's context. A cancelled cycle
	// must still land the row in a terminal state with its failure reason
	// instead of staying locked until stale-lock recovery.
	relCtx := context.WithoutCancel(ctx)

	var lastErr error
	lastName := ""

	for _, pp := range o.policy.Providers {
		p := o.providers.Get(pp.Name)
		if p == nil {
			continue
		}
		lastName = pp.Name

		if err := o.checkBudget(ctx, pp, now); err != nil {
			lastErr = err
			zap.L().Info("provider budget exhausted",
				zap.String("provider", pp.Name),
				zap.Int("daily_limit", pp.DailyLimit),
			)
			continue
		}

		data, err := o.lookup(ctx, p, pp, query)
		switch {
		case err == nil:
			return o.finishEnriched(ctx, st.IdentityKey, pp.Name, data)
		case errors.Is(err, provider.ErrNoData):
			if relErr := o.store.ReleaseChecked(relCtx, st.IdentityKey, pp.Name, "no data"); relErr != nil {
				return OutcomeFailed, relErr
			}
			return OutcomeNoData, nil
		default:
			lastErr = err
			zap.L().Warn("provider lookup failed",
				zap.String("provider", pp.Name),
				zap.String("identity_key", st.IdentityKey),
				zap.Error(err),
			)
		}
	}

	if lastErr == nil {
		lastErr = eris.New("enrich: no providers configured")
	}
	if relErr := o.store.ReleaseFailed(relCtx, st.IdentityKey, lastName, provider.Reason(lastErr)); relErr != nil {
		return OutcomeFailed, relErr
	}
	return OutcomeFailed, lastErr
}

// lookup calls one provider with a per-call timeout, wrapped in its
// circuit breaker and the transient-error retry loop.
func (o *Orchestrator) lookup(ctx context.Context, p provider.Provider, pp ProviderPolicy, q provider.AddressQuery) (*provider.OwnerData, error) {
	cb := o.breakers.Get(p.Name())
	return resilience.DoVal(ctx, o.retry, func(ctx context.Context) (*provider.OwnerData, error) {
		return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*provider.OwnerData, error) {
			callCtx := ctx
			// A zero timeout means no per-call deadline.
			if t := pp.RequestTimeout.Std(); t > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, t)
				defer cancel()
			}
			return p.Lookup(callCtx, q)
		})
	})
}

func (o *Orchestrator) finishEnriched(ctx context.Context, key, providerName string, data *provider.OwnerData) (Outcome, error) {
	relCtx := context.WithoutCancel(ctx)
	cand := model.OwnerCandidate{
		Name:           data.OwnerName,
		Emails:         data.Emails,
		Phones:         data.Phones,
		MailingAddress: data.MailingAddress,
		Source:         providerName,
		Confidence:     data.Confidence,
	}
	if _, err := o.merger.Merge(ctx, key, cand); err != nil {
		// The provider call succeeded but persisting failed. Release as
		// failed so the row becomes eligible again after cooldown.
		if relErr := o.store.ReleaseFailed(relCtx, key, providerName, "merge: "+err.Error()); relErr != nil {
			return OutcomeFailed, relErr
		}
		return OutcomeFailed, err
	}

	note := ""
	if data.RequestID != "" {
		note = "request " + data.RequestID
	}
	if err := o.store.ReleaseChecked(relCtx, key, providerName, note); err != nil {
		return OutcomeFailed, err
	}
	zap.L().Info("identity enriched",
		zap.String("identity_key", key),
		zap.String("provider", providerName),
		zap.String("provider_request_id", data.RequestID),
	)
	return OutcomeEnriched, nil
}

// anyBudgetLeft reports whether at least one configured provider still
// has daily budget. Errors count as budget available so a flaky count
// query never stalls the whole loop.
func (o *Orchestrator) anyBudgetLeft(ctx context.Context, now time.Time) bool {
	for _, pp := range o.policy.Providers {
		if err := o.checkBudget(ctx, pp, now); !errors.Is(err, ErrBudgetExhausted) {
			return true
		}
	}
	return false
}

// checkBudget enforces the provider's daily call limit, counted from
// midnight UTC.
func (o *Orchestrator) checkBudget(ctx context.Context, pp ProviderPolicy, now time.Time) error {
	if pp.DailyLimit <= 0 {
		return nil
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	calls, err := o.store.CountProviderCalls(ctx, pp.Name, midnight)
	if err != nil {
		return err
	}
	if calls >= pp.DailyLimit {
		return ErrBudgetExhausted
	}
	return nil
}

// RunPending drains the eligible backlog with a bounded worker pool. The
// batch is a snapshot: rows that become eligible mid-run wait for the
// next invocation. Per-identity errors are counted, not fatal.
func (o *Orchestrator) RunPending(ctx context.Context, batchSize, workers int) (*CycleSummary, error) {
	if workers <= 0 {
		workers = 4
	}
	now := o.nowFunc().UTC()
	eligible, err := o.store.ListEligible(ctx, batchSize,
		now.Add(-o.policy.Defaults.StaleLock.Std()), now.Add(-o.policy.Defaults.Cooldown.Std()))
	if err != nil {
		return nil, err
	}

	summary := newCycleSummary()
	results := make([]Outcome, len(eligible))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, st := range eligible {
		g.Go(func() error {
			outcome, err := o.RunCycle(gctx, st.IdentityKey)
			results[i] = outcome
			if err != nil && gctx.Err() != nil {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, out := range results {
		summary.Counts[out]++
	}
	zap.L().Info("enrichment batch complete",
		zap.Int("eligible", len(eligible)),
		zap.Int("enriched", summary.Counts[OutcomeEnriched]),
		zap.Int("nodata", summary.Counts[OutcomeNoData]),
		zap.Int("failed", summary.Counts[OutcomeFailed]),
		zap.Int("contended", summary.Counts[OutcomeContended]),
	)
	return summary, nil
}
