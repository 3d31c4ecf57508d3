package biz

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"time"

	"CodexLane/internal/conf"
	"CodexLane/internal/data"
	"CodexLane/pkg/openai"
)

// BalancerConfig tunes the pure selection logic. All fields are fixed at
// startup; selection itself never reads configuration elsewhere.
type BalancerConfig struct {
	TierWeights         map[string]float64
	TierCapacityCredits map[string]float64
	PreferEarlierReset  bool
	EscalationThreshold time.Duration // usage_limit_reached hints shorter than this stay transient
	CooldownCap         time.Duration // upper bound on the initial cooldown
}

// Balancer implements the pure selection and event logic. It holds no mutable
// state and never touches the wall clock; callers inject now.
type Balancer struct {
	cfg BalancerConfig
}

// NewBalancer creates a Balancer from validated configuration.
func NewBalancer(c *conf.Balancer) *Balancer {
	cfg := BalancerConfig{
		TierWeights:         c.TierWeights,
		TierCapacityCredits: c.TierCapacityCredits,
		PreferEarlierReset:  c.PreferEarlierReset,
		EscalationThreshold: c.EscalationThreshold,
		CooldownCap:         c.CooldownCap,
	}
	return NewBalancerWithConfig(cfg)
}

// NewBalancerWithConfig creates a Balancer, filling defaults for zero fields.
func NewBalancerWithConfig(cfg BalancerConfig) *Balancer {
	if cfg.TierWeights == nil {
		cfg.TierWeights = defaultTierWeights
	}
	if cfg.TierCapacityCredits == nil {
		cfg.TierCapacityCredits = defaultTierCapacities
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = 5 * time.Minute
	}
	if cfg.CooldownCap <= 0 {
		cfg.CooldownCap = 5 * time.Minute
	}
	return &Balancer{cfg: cfg}
}

// refusalTally records why each ineligible account was dropped, so the
// refusal reason reports the dominant bucket with the nearest boundary.
type refusalTally struct {
	total    int
	paused   int
	auth     int
	rate     []time.Time
	quota    []time.Time
	cooldown []time.Time
}

// FilterEligible applies the eligibility rules in order and returns the
// surviving states plus the tally of dropped ones. Recovered states are
// mutated in place with StatusChanged set.
func (b *Balancer) FilterEligible(states []*AccountState, now time.Time) ([]*AccountState, refusalTally) {
	var eligible []*AccountState
	var tally refusalTally
	tally.total = len(states)

	for _, s := range states {
		switch s.Status {
		case data.StatusDeactivated:
			tally.auth++
			continue
		case data.StatusPaused:
			tally.paused++
			continue
		case data.StatusRateLimited:
			if s.ResetAt == nil || now.Unix() >= *s.ResetAt {
				// Boundary reached (or missing: stale row without one
				// would stay locked forever, so recover it too).
				s.Status = data.StatusActive
				s.ResetAt = nil
				s.ErrorCount = 0
				s.StatusChanged = true
			} else {
				tally.rate = append(tally.rate, time.Unix(*s.ResetAt, 0))
				continue
			}
		case data.StatusQuotaExceeded:
			if s.ResetAt == nil || now.Unix() >= *s.ResetAt {
				s.Status = data.StatusActive
				s.ResetAt = nil
				s.ErrorCount = 0
				s.UsedPercent = 0
				s.StatusChanged = true
			} else {
				tally.quota = append(tally.quota, time.Unix(*s.ResetAt, 0))
				continue
			}
		}

		if s.CooldownUntil != nil {
			if !now.Before(*s.CooldownUntil) {
				s.CooldownUntil = nil
				s.LastErrorAt = nil
				s.ErrorCount = 0
			} else {
				tally.cooldown = append(tally.cooldown, *s.CooldownUntil)
				continue
			}
		}

		if s.ErrorCount >= 3 && s.LastErrorAt != nil {
			backoff := time.Duration(backoffSeconds(s.ErrorCount) * float64(time.Second))
			gate := s.LastErrorAt.Add(backoff)
			if now.Before(gate) {
				tally.cooldown = append(tally.cooldown, gate)
				continue
			}
		}

		eligible = append(eligible, s)
	}

	return eligible, tally
}

// refuse builds the SelectionResult when nothing survived the filter.
func (b *Balancer) refuse(tally refusalTally, now time.Time) *SelectionResult {
	if tally.total == 0 {
		return &SelectionResult{Reason: RefusalNoAvailable, Message: "No accounts available"}
	}

	switch {
	case tally.paused > 0 && tally.auth > 0 && tally.paused+tally.auth == tally.total:
		return &SelectionResult{Reason: RefusalPausedOrAuth, Message: "All accounts are paused or require re-login"}
	case tally.paused == tally.total:
		return &SelectionResult{Reason: RefusalPaused, Message: "All accounts are paused"}
	case tally.auth == tally.total:
		return &SelectionResult{Reason: RefusalAuth, Message: "All accounts require re-login"}
	case len(tally.rate) > 0:
		return &SelectionResult{Reason: RefusalRateLimited, Message: waitMessage(tally.rate, now)}
	case len(tally.quota) > 0:
		return &SelectionResult{Reason: RefusalQuota, Message: waitMessage(tally.quota, now)}
	case len(tally.cooldown) > 0:
		return &SelectionResult{Reason: RefusalCooldown, Message: waitMessage(tally.cooldown, now)}
	default:
		return &SelectionResult{Reason: RefusalNoAvailable, Message: "No accounts available"}
	}
}

// waitMessage formats the timed refusal using the nearest future boundary.
func waitMessage(boundaries []time.Time, now time.Time) string {
	min := boundaries[0]
	for _, b := range boundaries[1:] {
		if b.Before(min) {
			min = b
		}
	}
	wait := min.Sub(now).Seconds()
	if wait < 0 {
		wait = 0
	}
	return fmt.Sprintf("Rate limit exceeded. Try again in %ds", int64(math.Ceil(wait)))
}

// tierStats aggregates the urgency score inputs for one tier.
type tierStats struct {
	name      string
	urgency   float64
	remaining float64
	minReset  *int64
	count     int
	accounts  []*AccountState
}

func (t *tierStats) score(weights map[string]float64) float64 {
	return t.urgency * tierWeight(weights, t.name)
}

// SelectAccount runs one full selection pass over the given states.
// States are mutated in place when autorecovery fires.
func (b *Balancer) SelectAccount(states []*AccountState, now time.Time) *SelectionResult {
	eligible, tally := b.FilterEligible(states, now)
	if len(eligible) == 0 {
		return b.refuse(tally, now)
	}

	return &SelectionResult{Account: b.pickFrom(eligible, now, b.cfg.PreferEarlierReset)}
}

// pickFrom chooses among already-eligible states using the tier scoring
// pass, falling back to the plain usage sort when no tier has scoring data.
func (b *Balancer) pickFrom(eligible []*AccountState, now time.Time, preferEarlierReset bool) *AccountState {
	tiers := b.aggregateTiers(eligible, now)

	best := b.pickTier(tiers, preferEarlierReset)
	if best == nil {
		return minByUsageKey(eligible)
	}
	return minByIntraTierKey(best.accounts)
}

// aggregateTiers computes the per-tier urgency aggregates.
func (b *Balancer) aggregateTiers(eligible []*AccountState, now time.Time) map[string]*tierStats {
	tiers := make(map[string]*tierStats)
	for _, s := range eligible {
		tier := s.Tier()
		stats, ok := tiers[tier]
		if !ok {
			stats = &tierStats{name: tier}
			tiers[tier] = stats
		}

		capacity := tierCapacity(b.cfg.TierCapacityCredits, tier)
		used := s.SecondaryOrPrimaryUsed()
		remaining := capacity * math.Max(0, 100-used) / 100

		stats.remaining += remaining
		stats.count++
		stats.accounts = append(stats.accounts, s)

		if s.SecondaryResetAt != nil {
			// Accounts without a known secondary reset contribute no urgency.
			timeToReset := math.Max(60, float64(*s.SecondaryResetAt-now.Unix()))
			stats.urgency += remaining / timeToReset

			if stats.minReset == nil || *s.SecondaryResetAt < *stats.minReset {
				stats.minReset = s.SecondaryResetAt
			}
		}
	}
	return tiers
}

// pickTier chooses the tier with the highest score, breaking ties by earliest
// reset, then largest remaining credits, then tier name. Returns nil when no
// tier has a positive score.
func (b *Balancer) pickTier(tiers map[string]*tierStats, preferEarlierReset bool) *tierStats {
	names := make([]string, 0, len(tiers))
	for name := range tiers {
		names = append(names, name)
	}
	sort.Strings(names)

	var best *tierStats
	for _, name := range names {
		t := tiers[name]
		if t.score(b.cfg.TierWeights) <= 0 {
			continue
		}
		if best == nil || b.tierLess(t, best, preferEarlierReset) {
			best = t
		}
	}
	return best
}

// tierLess orders tiers by (−score, reset_at_or_∞, −remaining, name).
// With prefer_earlier_reset the reset boundary outranks the score.
func (b *Balancer) tierLess(a, other *tierStats, preferEarlierReset bool) bool {
	scoreA, scoreB := a.score(b.cfg.TierWeights), other.score(b.cfg.TierWeights)
	resetA, resetB := epochOrMax(a.minReset), epochOrMax(other.minReset)

	first, second := -scoreA, -scoreB
	third, fourth := float64(resetA), float64(resetB)
	if preferEarlierReset {
		first, second = float64(resetA), float64(resetB)
		third, fourth = -scoreA, -scoreB
	}

	if first != second {
		return first < second
	}
	if third != fourth {
		return third < fourth
	}
	if a.remaining != other.remaining {
		return a.remaining > other.remaining
	}
	return a.name < other.name
}

// minByIntraTierKey picks by (secondary_reset_or_∞, secondary_used,
// last_selected_or_0, id).
func minByIntraTierKey(states []*AccountState) *AccountState {
	best := states[0]
	for _, s := range states[1:] {
		if intraTierLess(s, best) {
			best = s
		}
	}
	return best
}

func intraTierLess(a, b *AccountState) bool {
	resetA, resetB := epochOrMax(a.SecondaryResetAt), epochOrMax(b.SecondaryResetAt)
	if resetA != resetB {
		return resetA < resetB
	}
	usedA, usedB := a.SecondaryOrPrimaryUsed(), b.SecondaryOrPrimaryUsed()
	if usedA != usedB {
		return usedA < usedB
	}
	selA, selB := unixOrZero(a.LastSelectedAt), unixOrZero(b.LastSelectedAt)
	if selA != selB {
		return selA < selB
	}
	return a.ID < b.ID
}

// minByUsageKey picks by (secondary_or_primary_used, primary_used,
// last_selected_or_0, id). Used when no tier has scoring data.
func minByUsageKey(states []*AccountState) *AccountState {
	best := states[0]
	for _, s := range states[1:] {
		if usageLess(s, best) {
			best = s
		}
	}
	return best
}

func usageLess(a, b *AccountState) bool {
	usedA, usedB := a.SecondaryOrPrimaryUsed(), b.SecondaryOrPrimaryUsed()
	if usedA != usedB {
		return usedA < usedB
	}
	if a.UsedPercent != b.UsedPercent {
		return a.UsedPercent < b.UsedPercent
	}
	selA, selB := unixOrZero(a.LastSelectedAt), unixOrZero(b.LastSelectedAt)
	if selA != selB {
		return selA < selB
	}
	return a.ID < b.ID
}

var retryAfterPattern = regexp.MustCompile(`(?i)(?:try again|retry) (?:in|after)\s+([0-9]+(?:\.[0-9]+)?)\s*s`)

// parseRetryAfter extracts a "Try again in 1.5s" style hint from an upstream
// error message. Returns nil when the message carries no hint.
func parseRetryAfter(message string) *float64 {
	m := retryAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return nil
	}
	seconds, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &seconds
}

// HandleRateLimit applies an upstream rate_limit_exceeded signal.
func (b *Balancer) HandleRateLimit(state *AccountState, upstreamErr *UpstreamError, now time.Time) {
	state.Status = data.StatusRateLimited
	state.ErrorCount++
	state.LastErrorAt = &now

	if upstreamErr != nil && upstreamErr.ResetsAt != nil {
		state.ResetAt = upstreamErr.ResetsAt
	}

	delay := backoffSeconds(state.ErrorCount)
	if upstreamErr != nil {
		if hint := parseRetryAfter(upstreamErr.Message); hint != nil {
			delay = *hint
		}
	}

	cooldown := now.Add(time.Duration(delay * float64(time.Second)))
	state.CooldownUntil = &cooldown

	// 没有上游边界时用 cooldown 兜底，保证总会自动恢复
	if state.ResetAt == nil {
		epoch := cooldown.Unix()
		state.ResetAt = &epoch
	}
}

// HandleUsageLimitReached applies an upstream usage_limit_reached signal.
// The hint may be transient, so the durable reset escalates to the upstream
// boundary only with corroborating evidence of real exhaustion.
func (b *Balancer) HandleUsageLimitReached(state *AccountState, upstreamErr *UpstreamError, now time.Time) {
	state.Status = data.StatusRateLimited
	state.ErrorCount++
	state.LastErrorAt = &now

	var resetEpoch *int64
	if upstreamErr != nil {
		if upstreamErr.ResetsAt != nil {
			resetEpoch = upstreamErr.ResetsAt
		} else if upstreamErr.ResetsInSeconds != nil {
			epoch := now.Unix() + int64(math.Ceil(*upstreamErr.ResetsInSeconds))
			resetEpoch = &epoch
		}
	}

	capSeconds := b.cfg.CooldownCap.Seconds()
	delay := math.Min(backoffSeconds(state.ErrorCount), capSeconds)
	var delayToReset float64
	if resetEpoch != nil {
		delayToReset = float64(*resetEpoch - now.Unix())
		delay = math.Min(delayToReset, capSeconds)
	}

	cooldown := now.Add(time.Duration(delay * float64(time.Second)))
	state.CooldownUntil = &cooldown
	cooldownEpoch := cooldown.Unix()

	threshold := b.cfg.EscalationThreshold.Seconds()
	switch {
	case resetEpoch == nil || delayToReset < threshold:
		// No boundary, or it is near: short durable lock, retried soon.
		state.ResetAt = &cooldownEpoch
	case b.secondaryExhausted(state) || state.ErrorCount >= 3:
		// Corroborated exhaustion: honour the long upstream boundary.
		state.ResetAt = resetEpoch
	default:
		// First long hint may be transient; keep the short lock.
		state.ResetAt = &cooldownEpoch
	}
}

// secondaryExhausted reports whether the weekly window is fully used with a
// known reset boundary.
func (b *Balancer) secondaryExhausted(state *AccountState) bool {
	return state.SecondaryUsedPercent != nil &&
		*state.SecondaryUsedPercent >= 100 &&
		state.SecondaryResetAt != nil
}

// HandleQuotaExceeded applies an upstream quota_exceeded signal.
func (b *Balancer) HandleQuotaExceeded(state *AccountState, upstreamErr *UpstreamError, now time.Time) {
	state.Status = data.StatusQuotaExceeded
	state.UsedPercent = 100

	switch {
	case upstreamErr != nil && upstreamErr.ResetsAt != nil:
		state.ResetAt = upstreamErr.ResetsAt
	case upstreamErr != nil && upstreamErr.ResetsInSeconds != nil:
		epoch := now.Unix() + int64(math.Ceil(*upstreamErr.ResetsInSeconds))
		state.ResetAt = &epoch
	default:
		epoch := now.Unix() + 3600
		state.ResetAt = &epoch
	}
}

// HandlePermanentFailure deactivates the account with the message keyed from
// the refresh failure code.
func (b *Balancer) HandlePermanentFailure(state *AccountState, code openai.RefreshErrorCode) {
	state.Status = data.StatusDeactivated
	message := openai.PermanentFailureMessage(code)
	state.DeactivationReason = &message
	state.ResetAt = nil
}

func epochOrMax(p *int64) int64 {
	if p == nil {
		return math.MaxInt64
	}
	return *p
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}
