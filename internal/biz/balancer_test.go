package biz

import (
	"testing"
	"time"

	"CodexLane/internal/data"
	"CodexLane/pkg/openai"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func i64(v int64) *int64       { return &v }
func f64(v float64) *float64   { return &v }
func tp(t time.Time) *time.Time { return &t }

func testBalancer() *Balancer {
	return NewBalancerWithConfig(BalancerConfig{})
}

func activeState(id string, plan string) *AccountState {
	return &AccountState{
		ID:       id,
		Email:    id + "@example.com",
		PlanType: plan,
		Status:   data.StatusActive,
	}
}

func TestNormalizeTier(t *testing.T) {
	tests := []struct {
		plan string
		want string
	}{
		{"pro", TierPro},
		{"plus", TierPlus},
		{"team", TierPlus},
		{"business", TierPlus},
		{"free", TierFree},
		{"unknown", TierPlus},
		{"", TierPlus},
		{"enterprise", TierPlus},
	}
	for _, tt := range tests {
		t.Run(tt.plan, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTier(tt.plan))
		})
	}
}

func TestBackoffMonotonicity(t *testing.T) {
	tests := []struct {
		errorCount int
		want       float64
	}{
		{0, 30},
		{2, 30},
		{3, 30},
		{4, 60},
		{5, 120},
		{6, 240},
		{7, 300}, // capped
		{10, 300},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffSeconds(tt.errorCount), "error_count=%d", tt.errorCount)
	}

	prev := 0.0
	for n := 3; n <= 12; n++ {
		cur := backoffSeconds(n)
		assert.GreaterOrEqual(t, cur, prev)
		assert.LessOrEqual(t, cur, 300.0)
		prev = cur
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    *float64
	}{
		{"fractional seconds", "Try again in 1.5s", f64(1.5)},
		{"whole seconds", "Rate limit exceeded. Try again in 30s", f64(30)},
		{"case insensitive", "try AGAIN in 7s", f64(7)},
		{"retry after wording", "Please retry after 12s", f64(12)},
		{"no hint", "something went wrong", nil},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseRetryAfter(tt.message)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

// Scenario: a rate-limited account becomes eligible once its boundary passes.
func TestRateLimitRecovery(t *testing.T) {
	b := testBalancer()
	now := time.Now()

	a := activeState("acct-a-00000001", "pro")
	a.SecondaryUsedPercent = f64(50)

	rateLimited := activeState("acct-b-00000002", "pro")
	rateLimited.Status = data.StatusRateLimited
	rateLimited.ResetAt = i64(now.Unix() + 60)

	result := b.SelectAccount([]*AccountState{a, rateLimited}, now)
	require.True(t, result.Selected())
	assert.Equal(t, a.ID, result.Account.ID)

	// Past the boundary both must be eligible and B recovers to ACTIVE.
	later := now.Add(61 * time.Second)
	eligible, _ := b.FilterEligible([]*AccountState{a, rateLimited}, later)
	require.Len(t, eligible, 2)
	assert.Equal(t, data.StatusActive, rateLimited.Status)
	assert.Nil(t, rateLimited.ResetAt)
	assert.Zero(t, rateLimited.ErrorCount)
	assert.True(t, rateLimited.StatusChanged)
}

// Scenario: quota recovery also clears the primary used percent.
func TestQuotaExceededRecovery(t *testing.T) {
	b := testBalancer()
	now := time.Now()

	s := activeState("acct-a-00000001", "plus")
	s.Status = data.StatusQuotaExceeded
	s.ResetAt = i64(now.Unix() - 1)
	s.UsedPercent = 100

	eligible, _ := b.FilterEligible([]*AccountState{s}, now)
	require.Len(t, eligible, 1)
	assert.Equal(t, data.StatusActive, s.Status)
	assert.Zero(t, s.UsedPercent)
	assert.Nil(t, s.ResetAt)
}

// Scenario: an expired cooldown clears the error bookkeeping before the
// eligibility check.
func TestCooldownClear(t *testing.T) {
	b := testBalancer()
	now := time.Now()

	s := activeState("acct-a-00000001", "pro")
	s.CooldownUntil = tp(now.Add(-time.Second))
	s.LastErrorAt = tp(now.Add(-time.Minute))
	s.ErrorCount = 5

	eligible, _ := b.FilterEligible([]*AccountState{s}, now)
	require.Len(t, eligible, 1)
	assert.Nil(t, s.CooldownUntil)
	assert.Nil(t, s.LastErrorAt)
	assert.Zero(t, s.ErrorCount)
}

func TestErrorBackoffGate(t *testing.T) {
	b := testBalancer()
	now := time.Now()

	s := activeState("acct-a-00000001", "pro")
	s.ErrorCount = 4 // backoff 60s
	s.LastErrorAt = tp(now.Add(-30 * time.Second))

	eligible, tally := b.FilterEligible([]*AccountState{s}, now)
	assert.Empty(t, eligible)
	require.Len(t, tally.cooldown, 1)

	// Past the backoff window the account passes again.
	s2 := activeState("acct-a-00000001", "pro")
	s2.ErrorCount = 4
	s2.LastErrorAt = tp(now.Add(-61 * time.Second))
	eligible, _ = b.FilterEligible([]*AccountState{s2}, now)
	assert.Len(t, eligible, 1)
}

// Scenario: Retry-After parsing drives the cooldown and the fail-safe reset.
func TestHandleRateLimitRetryAfter(t *testing.T) {
	b := testBalancer()
	now := time.Unix(1_700_000_000, 0)

	s := activeState("acct-a-00000001", "pro")
	b.HandleRateLimit(s, &UpstreamError{Message: "Try again in 1.5s"}, now)

	assert.Equal(t, data.StatusRateLimited, s.Status)
	assert.Equal(t, 1, s.ErrorCount)
	require.NotNil(t, s.CooldownUntil)
	assert.Equal(t, now.Add(1500*time.Millisecond), *s.CooldownUntil)
	require.NotNil(t, s.ResetAt)
	assert.Equal(t, s.CooldownUntil.Unix(), *s.ResetAt)
}

func TestHandleRateLimitExplicitReset(t *testing.T) {
	b := testBalancer()
	now := time.Unix(1_700_000_000, 0)

	s := activeState("acct-a-00000001", "pro")
	reset := now.Unix() + 900
	b.HandleRateLimit(s, &UpstreamError{ResetsAt: i64(reset)}, now)

	assert.Equal(t, data.StatusRateLimited, s.Status)
	require.NotNil(t, s.ResetAt)
	assert.Equal(t, reset, *s.ResetAt)
	// No Retry-After hint: cooldown falls back to the error backoff.
	require.NotNil(t, s.CooldownUntil)
	assert.Equal(t, now.Add(30*time.Second), *s.CooldownUntil)
}

// Scenario: tier weighting prefers the pro tier at equal usage.
func TestTierWeighting(t *testing.T) {
	b := testBalancer()
	now := time.Unix(1_700_000_000, 0)
	reset := i64(now.Unix() + 3600)

	pro := activeState("acct-a-00000001", "pro")
	pro.SecondaryUsedPercent = f64(50)
	pro.SecondaryResetAt = reset

	plus := activeState("acct-b-00000002", "plus")
	plus.SecondaryUsedPercent = f64(50)
	plus.SecondaryResetAt = reset

	result := b.SelectAccount([]*AccountState{plus, pro}, now)
	require.True(t, result.Selected())
	// pro: (1000*0.5/3600)*1.00 > plus: (400*0.5/3600)*0.95
	assert.Equal(t, pro.ID, result.Account.ID)
}

// Scenario: all accounts cooling down yields the timed refusal with the
// nearest boundary.
func TestCooldownRefusalMessage(t *testing.T) {
	b := testBalancer()
	now := time.Unix(1_700_000_000, 0)

	s1 := activeState("acct-a-00000001", "pro")
	s1.CooldownUntil = tp(now.Add(30 * time.Second))
	s2 := activeState("acct-b-00000002", "pro")
	s2.CooldownUntil = tp(now.Add(60 * time.Second))

	result := b.SelectAccount([]*AccountState{s1, s2}, now)
	require.False(t, result.Selected())
	assert.Equal(t, RefusalCooldown, result.Reason)
	assert.Equal(t, "Rate limit exceeded. Try again in 30s", result.Message)
}

func TestRefusalReasonPriority(t *testing.T) {
	b := testBalancer()
	now := time.Unix(1_700_000_000, 0)

	paused := func() *AccountState {
		s := activeState("acct-p-00000001", "pro")
		s.Status = data.StatusPaused
		return s
	}
	deactivated := func() *AccountState {
		s := activeState("acct-d-00000002", "pro")
		s.Status = data.StatusDeactivated
		return s
	}
	rateLimited := func() *AccountState {
		s := activeState("acct-r-00000003", "pro")
		s.Status = data.StatusRateLimited
		s.ResetAt = i64(now.Unix() + 120)
		return s
	}
	quota := func() *AccountState {
		s := activeState("acct-q-00000004", "pro")
		s.Status = data.StatusQuotaExceeded
		s.ResetAt = i64(now.Unix() + 7200)
		return s
	}

	tests := []struct {
		name       string
		states     []*AccountState
		wantReason string
	}{
		{"empty pool", nil, RefusalNoAvailable},
		{"all paused", []*AccountState{paused()}, RefusalPaused},
		{"all deactivated", []*AccountState{deactivated()}, RefusalAuth},
		{"paused and deactivated", []*AccountState{paused(), deactivated()}, RefusalPausedOrAuth},
		{"rate limited outranks quota", []*AccountState{rateLimited(), quota()}, RefusalRateLimited},
		{"quota only", []*AccountState{quota(), paused()}, RefusalQuota},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := b.SelectAccount(tt.states, now)
			require.False(t, result.Selected())
			assert.Equal(t, tt.wantReason, result.Reason)
		})
	}
}

func TestRateLimitedRefusalWait(t *testing.T) {
	b := testBalancer()
	now := time.Unix(1_700_000_000, 0)

	s := activeState("acct-a-00000001", "pro")
	s.Status = data.StatusRateLimited
	s.ResetAt = i64(now.Unix() + 90)

	result := b.SelectAccount([]*AccountState{s}, now)
	require.False(t, result.Selected())
	assert.Equal(t, RefusalRateLimited, result.Reason)
	assert.Equal(t, "Rate limit exceeded. Try again in 90s", result.Message)
}

// Scenario: a short usage_limit_reached hint stays a short durable lock.
func TestUsageLimitShortHint(t *testing.T) {
	b := testBalancer()
	now := time.Unix(1_700_000_000, 0)

	s := activeState("acct-a-00000001", "pro")
	s.SecondaryUsedPercent = f64(40)

	b.HandleUsageLimitReached(s, &UpstreamError{ResetsInSeconds: f64(30)}, now)

	assert.Equal(t, data.StatusRateLimited, s.Status)
	require.NotNil(t, s.CooldownUntil)
	assert.Equal(t, now.Add(30*time.Second), *s.CooldownUntil)
	require.NotNil(t, s.ResetAt)
	assert.Equal(t, s.CooldownUntil.Unix(), *s.ResetAt)
}

// Scenario: a long hint with an exhausted secondary window escalates the
// durable reset while the cooldown stays capped.
func TestUsageLimitEscalation(t *testing.T) {
	b := testBalancer()
	now := time.Unix(1_700_000_000, 0)
	sixHours := int64(6 * 3600)

	s := activeState("acct-a-00000001", "pro")
	s.SecondaryUsedPercent = f64(100)
	s.SecondaryResetAt = i64(now.Unix() + sixHours)

	b.HandleUsageLimitReached(s, &UpstreamError{ResetsInSeconds: f64(float64(sixHours))}, now)

	assert.Equal(t, data.StatusRateLimited, s.Status)
	require.NotNil(t, s.CooldownUntil)
	assert.Equal(t, now.Add(5*time.Minute), *s.CooldownUntil)
	require.NotNil(t, s.ResetAt)
	assert.Equal(t, now.Unix()+sixHours, *s.ResetAt)
}

// A first long hint without corroborating evidence stays a short lock.
func TestUsageLimitLongHintNotEscalated(t *testing.T) {
	b := testBalancer()
	now := time.Unix(1_700_000_000, 0)

	s := activeState("acct-a-00000001", "pro")
	s.SecondaryUsedPercent = f64(40)

	b.HandleUsageLimitReached(s, &UpstreamError{ResetsInSeconds: f64(6 * 3600)}, now)

	require.NotNil(t, s.CooldownUntil)
	assert.Equal(t, now.Add(5*time.Minute), *s.CooldownUntil)
	require.NotNil(t, s.ResetAt)
	assert.Equal(t, s.CooldownUntil.Unix(), *s.ResetAt)
}

// Repeated errors corroborate exhaustion even without secondary data.
func TestUsageLimitEscalatesOnErrorCount(t *testing.T) {
	b := testBalancer()
	now := time.Unix(1_700_000_000, 0)
	boundary := now.Unix() + 6*3600

	s := activeState("acct-a-00000001", "pro")
	s.ErrorCount = 2 // mutator bumps to 3

	b.HandleUsageLimitReached(s, &UpstreamError{ResetsAt: i64(boundary)}, now)

	require.NotNil(t, s.ResetAt)
	assert.Equal(t, boundary, *s.ResetAt)
}

func TestHandleQuotaExceeded(t *testing.T) {
	b := testBalancer()
	now := time.Unix(1_700_000_000, 0)

	t.Run("explicit reset", func(t *testing.T) {
		s := activeState("acct-a-00000001", "pro")
		reset := now.Unix() + 7200
		b.HandleQuotaExceeded(s, &UpstreamError{ResetsAt: i64(reset)}, now)
		assert.Equal(t, data.StatusQuotaExceeded, s.Status)
		assert.Equal(t, float64(100), s.UsedPercent)
		require.NotNil(t, s.ResetAt)
		assert.Equal(t, reset, *s.ResetAt)
	})

	t.Run("relative reset", func(t *testing.T) {
		s := activeState("acct-a-00000001", "pro")
		b.HandleQuotaExceeded(s, &UpstreamError{ResetsInSeconds: f64(1800)}, now)
		require.NotNil(t, s.ResetAt)
		assert.Equal(t, now.Unix()+1800, *s.ResetAt)
	})

	t.Run("no reset defaults to one hour", func(t *testing.T) {
		s := activeState("acct-a-00000001", "pro")
		b.HandleQuotaExceeded(s, nil, now)
		require.NotNil(t, s.ResetAt)
		assert.Equal(t, now.Unix()+3600, *s.ResetAt)
	})
}

func TestHandlePermanentFailure(t *testing.T) {
	b := testBalancer()

	s := activeState("acct-a-00000001", "pro")
	s.ResetAt = i64(123)
	b.HandlePermanentFailure(s, openai.RefreshTokenExpired)

	assert.Equal(t, data.StatusDeactivated, s.Status)
	require.NotNil(t, s.DeactivationReason)
	assert.Equal(t, "Refresh token expired - re-login required", *s.DeactivationReason)
	assert.Nil(t, s.ResetAt)
}

// Determinism: equal keys fall through to the id tie-break.
func TestSelectionDeterminism(t *testing.T) {
	b := testBalancer()
	now := time.Unix(1_700_000_000, 0)
	reset := i64(now.Unix() + 3600)

	build := func() []*AccountState {
		s1 := activeState("acct-b-00000002", "pro")
		s1.SecondaryUsedPercent = f64(50)
		s1.SecondaryResetAt = reset
		s2 := activeState("acct-a-00000001", "pro")
		s2.SecondaryUsedPercent = f64(50)
		s2.SecondaryResetAt = reset
		return []*AccountState{s1, s2}
	}

	for i := 0; i < 10; i++ {
		result := b.SelectAccount(build(), now)
		require.True(t, result.Selected())
		assert.Equal(t, "acct-a-00000001", result.Account.ID)
	}
}

func TestIntraTierLRUSpread(t *testing.T) {
	b := testBalancer()
	now := time.Unix(1_700_000_000, 0)
	reset := i64(now.Unix() + 3600)

	recent := activeState("acct-a-00000001", "pro")
	recent.SecondaryUsedPercent = f64(50)
	recent.SecondaryResetAt = reset
	recent.LastSelectedAt = tp(now.Add(-time.Second))

	idle := activeState("acct-b-00000002", "pro")
	idle.SecondaryUsedPercent = f64(50)
	idle.SecondaryResetAt = reset
	idle.LastSelectedAt = tp(now.Add(-time.Hour))

	result := b.SelectAccount([]*AccountState{recent, idle}, now)
	require.True(t, result.Selected())
	assert.Equal(t, idle.ID, result.Account.ID)
}

// Without secondary reset data anywhere, the plain usage sort applies.
func TestUsageFallbackSort(t *testing.T) {
	b := testBalancer()
	now := time.Unix(1_700_000_000, 0)

	high := activeState("acct-a-00000001", "pro")
	high.UsedPercent = 80
	low := activeState("acct-b-00000002", "pro")
	low.UsedPercent = 20

	result := b.SelectAccount([]*AccountState{high, low}, now)
	require.True(t, result.Selected())
	assert.Equal(t, low.ID, result.Account.ID)
}

func TestPreferEarlierResetTieBreak(t *testing.T) {
	b := NewBalancerWithConfig(BalancerConfig{PreferEarlierReset: true})
	now := time.Unix(1_700_000_000, 0)

	// plus resets sooner; with prefer_earlier_reset it outranks pro's score.
	pro := activeState("acct-a-00000001", "pro")
	pro.SecondaryUsedPercent = f64(50)
	pro.SecondaryResetAt = i64(now.Unix() + 7200)

	plus := activeState("acct-b-00000002", "plus")
	plus.SecondaryUsedPercent = f64(50)
	plus.SecondaryResetAt = i64(now.Unix() + 600)

	result := b.SelectAccount([]*AccountState{pro, plus}, now)
	require.True(t, result.Selected())
	assert.Equal(t, plus.ID, result.Account.ID)
}
