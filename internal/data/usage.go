package data

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// UsageSnapshot is one polled usage sample for an account and window.
// Window is "primary" (5h rolling) or "secondary" (weekly).
type UsageSnapshot struct {
	ID               uint64    `gorm:"primaryKey;column:id;autoIncrement"`
	AccountID        string    `gorm:"column:account_id;size:128;not null;index:idx_usage_window_account,priority:2"`
	Window           string    `gorm:"column:window;size:16;not null;index:idx_usage_window_account,priority:1"`
	UsedPercent      float64   `gorm:"column:used_percent;not null"`
	ResetAt          *int64    `gorm:"column:reset_at"` // epoch seconds
	WindowMinutes    *int64    `gorm:"column:window_minutes"`
	CreditsHas       *bool     `gorm:"column:credits_has"`
	CreditsUnlimited *bool     `gorm:"column:credits_unlimited"`
	CreditsBalance   *float64  `gorm:"column:credits_balance"`
	PlanType         PlanType  `gorm:"column:plan_type;size:32"`
	RecordedAt       time.Time `gorm:"column:recorded_at;not null;index:idx_usage_window_account,priority:3,sort:desc"`
}

// Window name constants.
const (
	WindowPrimary   = "primary"
	WindowSecondary = "secondary"
)

// TableName specifies the table name for GORM.
func (UsageSnapshot) TableName() string {
	return "usage_history"
}

// UsageRepo persists and serves usage samples.
type UsageRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewUsageRepo creates a new usage repository.
func NewUsageRepo(db *gorm.DB, logger log.Logger) *UsageRepo {
	return &UsageRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// AppendSnapshot stores one usage sample. Samples are append-only.
func (r *UsageRepo) AppendSnapshot(ctx context.Context, snapshot *UsageSnapshot) error {
	if snapshot.RecordedAt.IsZero() {
		snapshot.RecordedAt = time.Now()
	}

	if err := r.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		r.logger.Errorf("failed to append usage snapshot: %v", err)
		return fmt.Errorf("failed to append usage snapshot: %w", err)
	}
	return nil
}

// LatestByWindow returns the most recent snapshot per account for a window.
// 每个账号只取最新一条；排序后在 Go 里做首条去重，避免方言相关的窗口函数
func (r *UsageRepo) LatestByWindow(ctx context.Context, window string) (map[string]*UsageSnapshot, error) {
	var rows []*UsageSnapshot

	err := r.db.WithContext(ctx).
		Where("window = ?", window).
		Order("account_id ASC, recorded_at DESC").
		Find(&rows).Error
	if err != nil {
		r.logger.Errorf("failed to load usage snapshots: %v", err)
		return nil, fmt.Errorf("failed to load usage snapshots: %w", err)
	}

	latest := make(map[string]*UsageSnapshot, len(rows))
	for _, row := range rows {
		if _, seen := latest[row.AccountID]; !seen {
			latest[row.AccountID] = row
		}
	}
	return latest, nil
}

// PruneBefore deletes samples recorded before the cutoff.
// Called from the cron loop to keep the history table bounded.
func (r *UsageRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("recorded_at < ?", cutoff).
		Delete(&UsageSnapshot{})
	if result.Error != nil {
		r.logger.Errorf("failed to prune usage history: %v", result.Error)
		return 0, fmt.Errorf("failed to prune usage history: %w", result.Error)
	}
	return result.RowsAffected, nil
}
