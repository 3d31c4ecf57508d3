package biz

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// Usage history older than this is pruned by the maintenance sweep.
const usageHistoryRetention = 30 * 24 * time.Hour

// TokenRefreshTask is the scheduled maintenance sweep: it proactively
// refreshes tokens approaching staleness and prunes old usage history.
// Wired to the cron scheduler in cmd.
type TokenRefreshTask struct {
	repo   AccountRepo
	usage  UsageRepo
	auth   *AuthManager
	logger *log.Helper
}

// NewTokenRefreshTask creates the maintenance task.
func NewTokenRefreshTask(repo AccountRepo, usage UsageRepo, auth *AuthManager, logger log.Logger) *TokenRefreshTask {
	return &TokenRefreshTask{
		repo:   repo,
		usage:  usage,
		auth:   auth,
		logger: log.NewHelper(logger),
	}
}

// Run executes one sweep. Per-account failures are logged and skipped so one
// broken account never starves the rest.
func (t *TokenRefreshTask) Run(ctx context.Context) {
	start := time.Now()
	threshold := start.Add(-tokenRefreshAhead)

	accounts, err := t.repo.ListAccountsNeedingRefresh(ctx, threshold)
	if err != nil {
		t.logger.Errorw("token refresh sweep failed to list accounts", "error", err)
		return
	}

	refreshed, failed := 0, 0
	for _, account := range accounts {
		if ctx.Err() != nil {
			t.logger.Warnw("token refresh sweep cancelled",
				"refreshed", refreshed, "remaining", len(accounts)-refreshed-failed)
			return
		}

		if _, err := t.auth.EnsureFresh(ctx, account, true); err != nil {
			// 永久失败在 EnsureFresh 里已经停用账号
			failed++
			t.logger.Warnw("scheduled token refresh failed",
				"account_id", account.ID, "email", account.Email, "error", err)
			continue
		}
		refreshed++
	}

	if pruned, err := t.usage.PruneBefore(ctx, start.Add(-usageHistoryRetention)); err != nil {
		t.logger.Warnw("usage history prune failed", "error", err)
	} else if pruned > 0 {
		t.logger.Infow("usage history pruned", "rows", pruned)
	}

	t.logger.Infow("token refresh sweep finished",
		"candidates", len(accounts),
		"refreshed", refreshed,
		"failed", failed,
		"duration", time.Since(start).String())
}
