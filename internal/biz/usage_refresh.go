package biz

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"CodexLane/internal/conf"
	"CodexLane/internal/data"
	"CodexLane/pkg/crypto"
	"CodexLane/pkg/openai"

	"github.com/go-kratos/kratos/v2/log"
)

// UsageRefresher polls the upstream usage endpoint and appends window
// snapshots that feed selection. Accounts are processed strictly
// sequentially; the refresher never blocks the selection path on upstream
// failures.
type UsageRefresher struct {
	repo     AccountRepo
	usage    UsageRepo
	auth     *AuthManager
	client   *openai.Client
	cryptor  *crypto.TokenCryptor
	logger   *log.Helper
	enabled  bool
	interval time.Duration
}

// NewUsageRefresher creates the usage polling loop.
func NewUsageRefresher(
	repo AccountRepo,
	usage UsageRepo,
	auth *AuthManager,
	client *openai.Client,
	cryptor *crypto.TokenCryptor,
	c *conf.Balancer,
	logger log.Logger,
) *UsageRefresher {
	interval := c.UsageRefreshInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &UsageRefresher{
		repo:     repo,
		usage:    usage,
		auth:     auth,
		client:   client,
		cryptor:  cryptor,
		logger:   log.NewHelper(logger),
		enabled:  c.UsageRefreshEnabled,
		interval: interval,
	}
}

// RefreshAll polls every account whose latest primary sample is older than
// the refresh interval. Per-account failures never abort the sweep.
func (r *UsageRefresher) RefreshAll(ctx context.Context) {
	if !r.enabled {
		return
	}

	accounts, err := r.repo.ListAccounts(ctx)
	if err != nil {
		r.logger.Warnw("usage refresh skipped, cannot list accounts", "error", err)
		return
	}

	latestPrimary, err := r.usage.LatestByWindow(ctx, data.WindowPrimary)
	if err != nil {
		r.logger.Warnw("usage refresh skipped, cannot load samples", "error", err)
		return
	}

	now := time.Now()
	for _, account := range accounts {
		if account.Status == data.StatusDeactivated {
			continue
		}
		if sample, ok := latestPrimary[account.ID]; ok && now.Sub(sample.RecordedAt) < r.interval {
			continue
		}
		if err := r.refreshOne(ctx, account); err != nil {
			// 单账号失败只记日志，不影响其他账号
			r.logger.Warnw("usage refresh failed", "account_id", account.ID, "error", err)
		}
	}
}

// refreshOne fetches and records usage for a single account, handling the
// per-status policy: 401 forces one token refresh and retry, 402/403/404
// deactivate, everything else is swallowed by the caller.
func (r *UsageRefresher) refreshOne(ctx context.Context, account *data.Account) error {
	accessToken, err := r.cryptor.Decrypt(account.AccessTokenEncrypted)
	if err != nil {
		reason := corruptedTokenReason
		if uerr := r.repo.UpdateStatus(ctx, account.ID, data.StatusDeactivated, &reason); uerr != nil {
			r.logger.Errorw("failed to deactivate account with corrupted token",
				"account_id", account.ID, "error", uerr)
		}
		return fmt.Errorf("stored access token is invalid: %w", err)
	}

	chatgptID := ""
	if account.ChatGPTAccountID != nil {
		chatgptID = *account.ChatGPTAccountID
	}

	usage, err := r.client.FetchUsage(ctx, accessToken, chatgptID)
	if err != nil {
		var fetchErr *openai.UsageFetchError
		if !errors.As(err, &fetchErr) {
			// Transport error: do not block selection.
			r.logger.Warnw("usage fetch transport error",
				"account_id", account.ID, "email", account.Email, "error", err)
			return nil
		}

		switch fetchErr.StatusCode {
		case 401:
			return r.retryAfterRefresh(ctx, account, chatgptID)
		case 402, 403, 404:
			reason := fmt.Sprintf("Usage API error: HTTP %d - %s", fetchErr.StatusCode, fetchErr.Message)
			if uerr := r.repo.UpdateStatus(ctx, account.ID, data.StatusDeactivated, &reason); uerr != nil {
				return uerr
			}
			r.logger.Warnw("account deactivated by usage API",
				"account_id", account.ID, "email", account.Email, "status", fetchErr.StatusCode)
			return nil
		default:
			// 5xx 等上游故障：吞掉，下一轮再试
			r.logger.Debugw("transient usage fetch failure",
				"account_id", account.ID, "status", fetchErr.StatusCode)
			return nil
		}
	}

	return r.record(ctx, account, usage)
}

// retryAfterRefresh forces one token refresh and retries the usage call once.
func (r *UsageRefresher) retryAfterRefresh(ctx context.Context, account *data.Account, chatgptID string) error {
	accessToken, err := r.auth.EnsureFresh(ctx, account, true)
	if err != nil {
		return fmt.Errorf("forced refresh after 401 failed: %w", err)
	}

	usage, err := r.client.FetchUsage(ctx, accessToken, chatgptID)
	if err != nil {
		var fetchErr *openai.UsageFetchError
		if errors.As(err, &fetchErr) && (fetchErr.StatusCode == 402 || fetchErr.StatusCode == 403 || fetchErr.StatusCode == 404) {
			reason := fmt.Sprintf("Usage API error: HTTP %d - %s", fetchErr.StatusCode, fetchErr.Message)
			return r.repo.UpdateStatus(ctx, account.ID, data.StatusDeactivated, &reason)
		}
		// Retried once already; swallow and move on.
		r.logger.Debugw("usage fetch still failing after refresh",
			"account_id", account.ID, "error", err)
		return nil
	}

	return r.record(ctx, account, usage)
}

// record appends one snapshot per window present in the response.
func (r *UsageRefresher) record(ctx context.Context, account *data.Account, usage *openai.UsageResponse) error {
	if usage.RateLimit == nil {
		return nil
	}

	now := time.Now()
	plan := data.PlanType(usage.PlanType)
	if usage.PlanType == "" {
		plan = account.PlanType
	}

	windows := []struct {
		name   string
		window *openai.UsageWindow
	}{
		{data.WindowPrimary, usage.RateLimit.PrimaryWindow},
		{data.WindowSecondary, usage.RateLimit.SecondaryWindow},
	}

	for _, w := range windows {
		if w.window == nil {
			continue
		}

		snapshot := &data.UsageSnapshot{
			AccountID:   account.ID,
			Window:      w.name,
			UsedPercent: w.window.UsedPercent,
			ResetAt:     deriveResetAt(w.window, now),
			PlanType:    plan,
			RecordedAt:  now,
		}
		if w.window.LimitWindowSeconds != nil {
			minutes := *w.window.LimitWindowSeconds / 60
			snapshot.WindowMinutes = &minutes
		}
		if usage.Credits != nil {
			snapshot.CreditsHas = &usage.Credits.HasCredits
			snapshot.CreditsUnlimited = &usage.Credits.Unlimited
			snapshot.CreditsBalance = usage.Credits.Balance
		}

		if err := r.usage.AppendSnapshot(ctx, snapshot); err != nil {
			return err
		}
	}

	return nil
}

// deriveResetAt picks the reset boundary: absolute reset_at wins, then
// now + reset_after_seconds, else unknown.
func deriveResetAt(w *openai.UsageWindow, now time.Time) *int64 {
	if w.ResetAt != nil {
		return w.ResetAt
	}
	if w.ResetAfterSeconds != nil {
		epoch := now.Unix() + int64(math.Ceil(*w.ResetAfterSeconds))
		return &epoch
	}
	return nil
}
