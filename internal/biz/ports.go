package biz

import (
	"context"
	"time"

	"CodexLane/internal/data"
)

// AccountRepo defines the account repository interface.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementation is in data layer (data.AccountRepo).
type AccountRepo interface {
	ListAccounts(ctx context.Context) ([]*data.Account, error)
	GetAccount(ctx context.Context, id string) (*data.Account, error)
	UpsertAccount(ctx context.Context, account *data.Account) error
	UpdateStatus(ctx context.Context, id string, status data.AccountStatus, reason *string) error
	UpdateTokens(ctx context.Context, id string, params data.UpdateTokensParams) error
	UpdateResetAt(ctx context.Context, id string, resetAt *int64) error
	DeleteAccount(ctx context.Context, id string) error
	ListAccountsNeedingRefresh(ctx context.Context, threshold time.Time) ([]*data.Account, error)
}

// UsageRepo defines the usage-history repository interface.
type UsageRepo interface {
	AppendSnapshot(ctx context.Context, snapshot *data.UsageSnapshot) error
	LatestByWindow(ctx context.Context, window string) (map[string]*data.UsageSnapshot, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SettingsRepo defines the dashboard settings repository interface.
type SettingsRepo interface {
	GetSettings(ctx context.Context) (*data.DashboardSettings, error)
	UpdateSettings(ctx context.Context, settings *data.DashboardSettings) error
}
