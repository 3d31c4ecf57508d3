package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"CodexLane/internal/conf"
	"CodexLane/internal/data"
	"CodexLane/pkg/openai"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// snapshot is the cached view of accounts plus their latest usage samples.
// Rebuilt when older than the TTL or explicitly invalidated.
type snapshot struct {
	accounts           []*data.Account
	accountMap         map[string]*data.Account
	primary            map[string]*data.UsageSnapshot
	secondary          map[string]*data.UsageSnapshot
	pinned             []string
	preferEarlierReset bool
	updatedAt          time.Time
}

// Selection is the facade's answer to one pick request: either a chosen
// durable account (with its derived state) or a refusal.
type Selection struct {
	Account *data.Account
	State   *AccountState
	Result  *SelectionResult
}

// Selected reports whether an account was chosen.
func (s *Selection) Selected() bool {
	return s.Account != nil
}

// LoadBalancer is the stateful facade over the pure balancer: it owns the
// snapshot cache, the per-account runtime state and the sticky-key map, and
// writes state transitions back to the store.
type LoadBalancer struct {
	repo      AccountRepo
	usage     UsageRepo
	settings  SettingsRepo
	balancer  *Balancer
	refresher *UsageRefresher
	logger    *log.Helper

	snapshotTTL time.Duration

	// mu 同时保护 snap 和 runtime；临界区内允许存储层 IO
	mu      sync.Mutex
	snap    *snapshot
	runtime map[string]*RuntimeState
	sticky  *lru.Cache[string, string]
}

// NewLoadBalancer creates the facade.
func NewLoadBalancer(
	repo AccountRepo,
	usage UsageRepo,
	settings SettingsRepo,
	balancer *Balancer,
	refresher *UsageRefresher,
	c *conf.Balancer,
	logger log.Logger,
) (*LoadBalancer, error) {
	limit := c.StickySessionLimit
	if limit <= 0 {
		limit = 10000
	}
	sticky, err := lru.New[string, string](limit)
	if err != nil {
		return nil, fmt.Errorf("failed to create sticky session cache: %w", err)
	}

	ttl := c.SnapshotTTL
	if ttl <= 0 {
		ttl = 3 * time.Second
	}

	return &LoadBalancer{
		repo:        repo,
		usage:       usage,
		settings:    settings,
		balancer:    balancer,
		refresher:   refresher,
		logger:      log.NewHelper(logger),
		snapshotTTL: ttl,
		runtime:     make(map[string]*RuntimeState),
		sticky:      sticky,
	}, nil
}

// InvalidateSnapshot forces the next selection to rebuild its view.
func (lb *LoadBalancer) InvalidateSnapshot() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.snap = nil
}

// SelectAccount picks an account for one request. stickyKey, when non-empty,
// routes related requests to the same account while it stays selectable;
// reallocateSticky drops the mapping first (the caller saw a retryable
// failure on the mapped account).
func (lb *LoadBalancer) SelectAccount(ctx context.Context, stickyKey string, reallocateSticky bool) (*Selection, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	snap, err := lb.ensureSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	states := lb.buildStates(ctx, snap, now)

	eligible, tally := lb.balancer.FilterEligible(states, now)
	lb.persistFilterChanges(ctx, states)

	if len(eligible) == 0 {
		return &Selection{Result: lb.balancer.refuse(tally, now)}, nil
	}

	chosen := lb.pickWithStickyAndPins(eligible, snap, stickyKey, reallocateSticky, now)

	rt := lb.runtimeFor(chosen.ID)
	rt.LastSelectedAt = &now
	chosen.LastSelectedAt = &now
	if stickyKey != "" {
		lb.sticky.Add(stickyKey, chosen.ID)
	}

	return &Selection{
		Account: snap.accountMap[chosen.ID],
		State:   chosen,
		Result:  &SelectionResult{Account: chosen},
	}, nil
}

// pickWithStickyAndPins applies sticky reuse, then the pinned-first policy,
// then the normal scoring pick.
func (lb *LoadBalancer) pickWithStickyAndPins(eligible []*AccountState, snap *snapshot, stickyKey string, reallocateSticky bool, now time.Time) *AccountState {
	byID := make(map[string]*AccountState, len(eligible))
	for _, s := range eligible {
		byID[s.ID] = s
	}

	if stickyKey != "" && !reallocateSticky {
		if id, ok := lb.sticky.Get(stickyKey); ok {
			if s, stillEligible := byID[id]; stillEligible {
				return s
			}
		}
	}

	if len(snap.pinned) > 0 {
		var pinnedEligible []*AccountState
		for _, id := range snap.pinned {
			if s, ok := byID[id]; ok {
				pinnedEligible = append(pinnedEligible, s)
			}
		}
		if len(pinnedEligible) > 0 {
			return lb.balancer.pickFrom(pinnedEligible, now, snap.preferEarlierReset)
		}

		full := lb.balancer.pickFrom(eligible, now, snap.preferEarlierReset)
		short := full.ID
		if acct, ok := snap.accountMap[full.ID]; ok {
			short = acct.ShortID()
		}
		lb.logger.Warnf("lb_fallback pinned_failed pinned=%d full_selected=%s[%s]",
			len(snap.pinned), full.Email, short)
		return full
	}

	return lb.balancer.pickFrom(eligible, now, snap.preferEarlierReset)
}

// ensureSnapshot rebuilds the cached view when missing or stale.
// The usage refresher runs inside the rebuild, sequentially over accounts.
func (lb *LoadBalancer) ensureSnapshot(ctx context.Context) (*snapshot, error) {
	if lb.snap != nil && time.Since(lb.snap.updatedAt) < lb.snapshotTTL {
		return lb.snap, nil
	}

	lb.refresher.RefreshAll(ctx)

	accounts, err := lb.repo.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build selection snapshot: %w", err)
	}

	primary, err := lb.usage.LatestByWindow(ctx, data.WindowPrimary)
	if err != nil {
		return nil, err
	}
	secondary, err := lb.usage.LatestByWindow(ctx, data.WindowSecondary)
	if err != nil {
		return nil, err
	}

	snap := &snapshot{
		accounts:   accounts,
		accountMap: make(map[string]*data.Account, len(accounts)),
		primary:    primary,
		secondary:  secondary,
		updatedAt:  time.Now(),
	}
	for _, a := range accounts {
		snap.accountMap[a.ID] = a
	}

	if settings, err := lb.settings.GetSettings(ctx); err == nil {
		snap.pinned = settings.PinnedAccountIDs
		snap.preferEarlierReset = settings.PreferEarlierReset
	} else {
		lb.logger.Warnw("failed to load dashboard settings", "error", err)
	}

	lb.snap = snap
	return snap, nil
}

// buildStates derives one AccountState per account from the durable row, the
// latest usage samples and the runtime entry, applying secondary-quota
// folding and the runtime/durable reset_at precedence.
func (lb *LoadBalancer) buildStates(ctx context.Context, snap *snapshot, now time.Time) []*AccountState {
	states := make([]*AccountState, 0, len(snap.accounts))
	for _, account := range snap.accounts {
		states = append(states, lb.buildState(ctx, snap, account, now))
	}
	return states
}

func (lb *LoadBalancer) buildState(ctx context.Context, snap *snapshot, account *data.Account, now time.Time) *AccountState {
	rt := lb.runtimeFor(account.ID)

	// Expired runtime hints are dropped before the precedence merge.
	if rt.ResetAt != nil && now.Unix() >= *rt.ResetAt {
		rt.ResetAt = nil
	}

	state := &AccountState{
		ID:                 account.ID,
		Email:              account.Email,
		PlanType:           string(account.PlanType),
		Status:             account.Status,
		DeactivationReason: account.DeactivationReason,
		ErrorCount:         rt.ErrorCount,
		LastErrorAt:        rt.LastErrorAt,
		LastSelectedAt:     rt.LastSelectedAt,
		CooldownUntil:      rt.CooldownUntil,
	}
	if account.ChatGPTAccountID != nil {
		state.ChatGPTAccountID = *account.ChatGPTAccountID
	}

	if sample, ok := snap.primary[account.ID]; ok {
		state.UsedPercent = sample.UsedPercent
	}
	if sample, ok := snap.secondary[account.ID]; ok {
		used := sample.UsedPercent
		state.SecondaryUsedPercent = &used
		state.SecondaryResetAt = sample.ResetAt
	}

	// reset_at 取 runtime 与持久化两者的较大值
	state.ResetAt = maxEpoch(rt.ResetAt, account.ResetAt)

	// Secondary-quota folding: a fully used weekly window overrides the
	// durable status until it rolls.
	if state.SecondaryUsedPercent != nil && *state.SecondaryUsedPercent >= 100 &&
		account.Status != data.StatusDeactivated && account.Status != data.StatusPaused {
		state.Status = data.StatusQuotaExceeded
		state.UsedPercent = 100
		state.ResetAt = maxEpoch(state.ResetAt, state.SecondaryResetAt)
	} else if account.Status == data.StatusQuotaExceeded && rt.ResetAt == nil &&
		(account.ResetAt == nil || now.Unix() >= *account.ResetAt) {
		// Weekly window rolled and the runtime lock expired: recover.
		state.Status = data.StatusActive
		state.ResetAt = nil
		state.UsedPercent = 0
		state.StatusChanged = true
	}

	// Persist the effective boundary when it is newer than the stored one.
	if state.ResetAt != nil &&
		(state.Status == data.StatusRateLimited || state.Status == data.StatusQuotaExceeded) &&
		(account.ResetAt == nil || *account.ResetAt < *state.ResetAt) {
		if err := lb.repo.UpdateResetAt(ctx, account.ID, state.ResetAt); err != nil {
			lb.logger.Warnw("failed to persist reset_at", "account_id", account.ID, "error", err)
		} else {
			account.ResetAt = state.ResetAt
		}
	}

	return state
}

// persistFilterChanges writes back transitions the eligibility filter made
// and re-syncs the runtime entries from the mutated states.
func (lb *LoadBalancer) persistFilterChanges(ctx context.Context, states []*AccountState) {
	for _, s := range states {
		rt := lb.runtimeFor(s.ID)
		rt.ErrorCount = s.ErrorCount
		rt.LastErrorAt = s.LastErrorAt
		rt.CooldownUntil = s.CooldownUntil

		if !s.StatusChanged {
			continue
		}
		s.StatusChanged = false
		rt.ResetAt = s.ResetAt

		if err := lb.repo.UpdateStatus(ctx, s.ID, s.Status, nil); err != nil {
			lb.logger.Warnw("failed to persist status transition",
				"account_id", s.ID, "status", s.Status, "error", err)
			continue
		}
		lb.logger.Infow("account recovered", "account_id", s.ID, "email", s.Email, "status", s.Status)
	}
}

// MarkRateLimit applies an upstream rate_limit_exceeded outcome.
func (lb *LoadBalancer) MarkRateLimit(ctx context.Context, accountID string, upstreamErr *UpstreamError) error {
	return lb.applyEvent(ctx, accountID, func(state *AccountState, now time.Time) {
		lb.balancer.HandleRateLimit(state, upstreamErr, now)
	})
}

// MarkUsageLimitReached applies an upstream usage_limit_reached outcome,
// with the transient-hint escalation policy.
func (lb *LoadBalancer) MarkUsageLimitReached(ctx context.Context, accountID string, upstreamErr *UpstreamError) error {
	return lb.applyEvent(ctx, accountID, func(state *AccountState, now time.Time) {
		lb.balancer.HandleUsageLimitReached(state, upstreamErr, now)
	})
}

// MarkQuotaExceeded applies an upstream quota_exceeded outcome.
func (lb *LoadBalancer) MarkQuotaExceeded(ctx context.Context, accountID string, upstreamErr *UpstreamError) error {
	return lb.applyEvent(ctx, accountID, func(state *AccountState, now time.Time) {
		lb.balancer.HandleQuotaExceeded(state, upstreamErr, now)
	})
}

// MarkPermanentFailure deactivates the account with the keyed message.
func (lb *LoadBalancer) MarkPermanentFailure(ctx context.Context, accountID string, code openai.RefreshErrorCode) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	message := openai.PermanentFailureMessage(code)
	if err := lb.repo.UpdateStatus(ctx, accountID, data.StatusDeactivated, &message); err != nil {
		return err
	}

	rt := lb.runtimeFor(accountID)
	rt.ResetAt = nil
	rt.CooldownUntil = nil

	lb.snap = nil
	lb.logger.Warnw("account permanently failed", "account_id", accountID, "code", code)
	return nil
}

// RecordError bumps the runtime error counter without a status change.
// Used for stream failures that carry no structured upstream signal.
func (lb *LoadBalancer) RecordError(ctx context.Context, accountID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := time.Now()
	rt := lb.runtimeFor(accountID)
	rt.ErrorCount++
	rt.LastErrorAt = &now

	lb.logger.Infow("account error recorded", "account_id", accountID, "error_count", rt.ErrorCount)
}

// applyEvent runs one pure event mutator against the account's derived state
// and persists the outcome.
func (lb *LoadBalancer) applyEvent(ctx context.Context, accountID string, mutate func(*AccountState, time.Time)) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	snap, err := lb.ensureSnapshot(ctx)
	if err != nil {
		return err
	}

	account, ok := snap.accountMap[accountID]
	if !ok {
		account, err = lb.repo.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
	}

	now := time.Now()
	state := lb.buildState(ctx, snap, account, now)
	mutate(state, now)

	rt := lb.runtimeFor(accountID)
	rt.ErrorCount = state.ErrorCount
	rt.LastErrorAt = state.LastErrorAt
	rt.CooldownUntil = state.CooldownUntil
	rt.ResetAt = state.ResetAt

	if err := lb.repo.UpdateStatus(ctx, accountID, state.Status, state.DeactivationReason); err != nil {
		return err
	}
	if state.Status == data.StatusRateLimited || state.Status == data.StatusQuotaExceeded {
		if err := lb.repo.UpdateResetAt(ctx, accountID, state.ResetAt); err != nil {
			return err
		}
	}

	lb.snap = nil
	lb.logger.Infow("account state updated",
		"account_id", accountID, "status", state.Status, "reset_at", state.ResetAt)
	return nil
}

// runtimeFor returns (creating if needed) the runtime entry for an account.
// Caller must hold lb.mu.
func (lb *LoadBalancer) runtimeFor(accountID string) *RuntimeState {
	rt, ok := lb.runtime[accountID]
	if !ok {
		rt = &RuntimeState{}
		lb.runtime[accountID] = rt
	}
	return rt
}

// RuntimeSnapshot returns a copy of an account's runtime entry, for the
// admin surface.
func (lb *LoadBalancer) RuntimeSnapshot(accountID string) RuntimeState {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return *lb.runtimeFor(accountID)
}

// maxEpoch merges two optional epoch values, larger wins.
func maxEpoch(a, b *int64) *int64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a >= *b:
		return a
	default:
		return b
	}
}
