package biz

import (
	"math"
	"time"

	"CodexLane/internal/data"
)

// Normalised plan tiers. Every plan folds into one of three buckets so the
// scoring table stays small.
const (
	TierPro  = "pro"
	TierPlus = "plus"
	TierFree = "free"
)

// Default tier weights applied when configuration does not override them.
var defaultTierWeights = map[string]float64{
	TierPro:  1.00,
	TierPlus: 0.95,
	TierFree: 0.90,
}

// Default weekly credit capacity per tier.
// 来自对上游套餐额度的观测值，可由配置覆盖
var defaultTierCapacities = map[string]float64{
	TierPro:  1000,
	TierPlus: 400,
	TierFree: 40,
}

// NormalizeTier folds an upstream plan name into a scoring tier.
// Unknown plans default to plus.
func NormalizeTier(planType string) string {
	switch planType {
	case "pro":
		return TierPro
	case "plus", "team", "business":
		return TierPlus
	case "free":
		return TierFree
	default:
		return TierPlus
	}
}

// UpstreamError carries the optional hints an upstream error response may
// include alongside its message.
type UpstreamError struct {
	Message         string
	ResetsAt        *int64
	ResetsInSeconds *float64
}

// RuntimeState is the in-memory per-account bookkeeping that survives
// snapshot rebuilds but not process restarts.
type RuntimeState struct {
	ResetAt        *int64 // runtime-observed, may be newer than the durable value
	LastErrorAt    *time.Time
	LastSelectedAt *time.Time
	ErrorCount     int
	CooldownUntil  *time.Time
}

// AccountState is the derived record selection operates on: durable account
// fields joined with the latest usage samples and the runtime state.
// Pure balancer functions mutate it in place; the facade persists afterwards.
type AccountState struct {
	ID               string
	ChatGPTAccountID string
	Email            string
	PlanType         string
	Status           data.AccountStatus

	UsedPercent          float64 // primary window
	ResetAt              *int64  // effective boundary, epoch seconds
	SecondaryUsedPercent *float64
	SecondaryResetAt     *int64

	ErrorCount         int
	LastErrorAt        *time.Time
	LastSelectedAt     *time.Time
	CooldownUntil      *time.Time
	DeactivationReason *string

	// StatusChanged marks states the eligibility filter mutated so the
	// facade knows to write the transition back to the store.
	StatusChanged bool
}

// Tier returns the normalised scoring tier for this account.
func (s *AccountState) Tier() string {
	return NormalizeTier(s.PlanType)
}

// SecondaryOrPrimaryUsed returns the secondary used percent, falling back to
// the primary window when no secondary sample exists.
func (s *AccountState) SecondaryOrPrimaryUsed() float64 {
	if s.SecondaryUsedPercent != nil {
		return *s.SecondaryUsedPercent
	}
	return s.UsedPercent
}

// Refusal reasons, ordered by reporting priority.
const (
	RefusalPausedOrAuth = "paused_or_auth"
	RefusalPaused       = "paused"
	RefusalAuth         = "auth"
	RefusalRateLimited  = "rate_limited"
	RefusalQuota        = "quota_exceeded"
	RefusalCooldown     = "cooldown"
	RefusalNoAvailable  = "no_available"
)

// SelectionResult is the outcome of one selection pass: either a chosen
// account or a refusal reason with a user-facing message.
type SelectionResult struct {
	Account *AccountState
	Reason  string
	Message string
}

// Selected reports whether an account was chosen.
func (r *SelectionResult) Selected() bool {
	return r.Account != nil
}

// backoffSeconds computes the exponential backoff gate for repeated errors.
// Below three errors the base delay applies; from the third error on the
// delay doubles per error, capped at five minutes.
func backoffSeconds(errorCount int) float64 {
	if errorCount < 3 {
		return 30
	}
	backoff := 30 * math.Pow(2, float64(errorCount-3))
	return math.Min(300, backoff)
}

// tierWeight looks up the configured weight for a tier, 1.0 when absent.
func tierWeight(weights map[string]float64, tier string) float64 {
	if w, ok := weights[tier]; ok {
		return w
	}
	return 1.0
}

// tierCapacity looks up the configured weekly credit capacity for a tier.
func tierCapacity(capacities map[string]float64, tier string) float64 {
	if c, ok := capacities[tier]; ok {
		return c
	}
	return defaultTierCapacities[TierPlus]
}
