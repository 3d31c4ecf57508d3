package data

import (
	"context"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "CodexLane/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// PlanType represents the database ENUM type for the account plan.
type PlanType string

// Plan type constants as reported by the upstream usage/token endpoints.
const (
	PlanPro      PlanType = "pro"
	PlanPlus     PlanType = "plus"
	PlanTeam     PlanType = "team"
	PlanBusiness PlanType = "business"
	PlanFree     PlanType = "free"
	PlanUnknown  PlanType = "unknown"
)

// AccountStatus represents the database ENUM type for status.
type AccountStatus string

// Account status constants. DEACTIVATED is sticky until operator intervention.
const (
	StatusActive        AccountStatus = "ACTIVE"
	StatusPaused        AccountStatus = "PAUSED"
	StatusRateLimited   AccountStatus = "RATE_LIMITED"
	StatusQuotaExceeded AccountStatus = "QUOTA_EXCEEDED"
	StatusDeactivated   AccountStatus = "DEACTIVATED"
)

// Account is the GORM model for the accounts table.
// Token fields hold AES-GCM ciphertext, never plaintext.
// ResetAt 仅在 RATE_LIMITED / QUOTA_EXCEEDED 状态下有意义；
// status=ACTIVE 且 reset_at 非空视为过期残留
type Account struct {
	ID                    string        `gorm:"primaryKey;column:id;size:128"`
	ChatGPTAccountID      *string       `gorm:"column:chatgpt_account_id;size:128"`
	Email                 string        `gorm:"column:email;size:255;not null"`
	PlanType              PlanType      `gorm:"column:plan_type;type:enum('pro','plus','team','business','free','unknown');default:'unknown';not null"`
	AccessTokenEncrypted  string        `gorm:"column:access_token_encrypted;type:text"`
	RefreshTokenEncrypted string        `gorm:"column:refresh_token_encrypted;type:text"`
	IDTokenEncrypted      string        `gorm:"column:id_token_encrypted;type:text"`
	LastRefresh           *time.Time    `gorm:"column:last_refresh"`
	Status                AccountStatus `gorm:"column:status;type:enum('ACTIVE','PAUSED','RATE_LIMITED','QUOTA_EXCEEDED','DEACTIVATED');default:'ACTIVE';not null"`
	DeactivationReason    *string       `gorm:"column:deactivation_reason;type:text"`
	ResetAt               *int64        `gorm:"column:reset_at"` // epoch seconds
	CreatedAt             time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time     `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Account) TableName() string {
	return "accounts"
}

// Scan implements sql.Scanner interface for PlanType.
func (p *PlanType) Scan(value interface{}) error {
	if value == nil {
		*p = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*p = PlanType(v)
	case string:
		*p = PlanType(v)
	default:
		return fmt.Errorf("cannot scan type %T into PlanType", value)
	}
	return nil
}

// Value implements driver.Valuer interface for PlanType.
func (p PlanType) Value() (driver.Value, error) {
	return string(p), nil
}

// Scan implements sql.Scanner interface for AccountStatus.
func (s *AccountStatus) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*s = AccountStatus(v)
	case string:
		*s = AccountStatus(v)
	default:
		return fmt.Errorf("cannot scan type %T into AccountStatus", value)
	}
	return nil
}

// Value implements driver.Valuer interface for AccountStatus.
func (s AccountStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// GenerateAccountID derives the stable account id from the upstream account
// id plus a hash of the email, so two logins with different mailboxes but the
// same upstream id never collide.
func GenerateAccountID(upstreamID, email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return upstreamID + "-" + hex.EncodeToString(sum[:])[:8]
}

// ShortID returns the id suffix used in log lines.
func (a *Account) ShortID() string {
	if idx := strings.LastIndex(a.ID, "-"); idx >= 0 && idx+1 < len(a.ID) {
		return a.ID[idx+1:]
	}
	if len(a.ID) > 8 {
		return a.ID[:8]
	}
	return a.ID
}

// UpdateTokensParams carries the fields written after a successful refresh.
// Optional fields are pointers; nil leaves the column untouched.
type UpdateTokensParams struct {
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	IDTokenEncrypted      string
	LastRefresh           time.Time
	PlanType              *PlanType
	Email                 *string
	ChatGPTAccountID      *string
}

// AccountRepo implements biz.AccountRepo interface.
// Following Kratos v2 DDD architecture, interface is defined in biz layer.
type AccountRepo struct {
	data   *Data
	db     *gorm.DB
	cache  CacheClient
	logger *log.Helper
}

// NewAccountRepo creates a new account repository.
func NewAccountRepo(data *Data, db *gorm.DB, logger log.Logger) *AccountRepo {
	return &AccountRepo{
		data:   data,
		db:     db,
		cache:  data.GetCache(),
		logger: log.NewHelper(logger),
	}
}

// ListAccounts returns every account row. Order is unspecified; the balancer
// sorts on its own keys.
func (r *AccountRepo) ListAccounts(ctx context.Context) ([]*Account, error) {
	var accounts []*Account
	if err := r.db.WithContext(ctx).Find(&accounts).Error; err != nil {
		r.logger.Errorf("failed to list accounts: %v", err)
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// GetAccount retrieves an account by ID with caching.
// Cache key: "account:{id}", TTL: 5 minutes
func (r *AccountRepo) GetAccount(ctx context.Context, id string) (*Account, error) {
	cacheKey := BuildCacheKey(CacheKeyAccount, id)

	// Try to get from cache first
	var cachedAccount Account
	if err := r.cache.Get(ctx, cacheKey, &cachedAccount); err == nil {
		r.logger.Debugw("account cache hit", "id", id)
		return &cachedAccount, nil
	}

	// Cache miss, query from database
	var account Account
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account not found: id=%s", id)
		}
		r.logger.Errorf("failed to get account: %v", err)
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	// Store in cache (5 minutes TTL)
	if err := r.cache.Set(ctx, cacheKey, &account, TTLAccount); err != nil {
		r.logger.Warnw("failed to cache account", "id", id, "error", err)
		// Cache failure doesn't affect the operation
	}

	return &account, nil
}

// UpsertAccount inserts a new account or replaces the row with the same id.
// Used by the OAuth login flow: re-login with the same mailbox overwrites
// stale credentials.
func (r *AccountRepo) UpsertAccount(ctx context.Context, account *Account) error {
	account.UpdatedAt = time.Now()

	if err := r.db.WithContext(ctx).Save(account).Error; err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)

		switch dbErr.Type {
		case pkgerrors.ErrorTypeDuplicateKey:
			r.logger.Warnw("duplicate account id",
				"id", account.ID,
				"email", account.Email,
				"error", dbErr.Error())
		case pkgerrors.ErrorTypeConnectionError:
			r.logger.Errorw("database connection error",
				"error", dbErr.Error())
		default:
			r.logger.Errorw("failed to upsert account",
				"id", account.ID,
				"error", dbErr.Error())
		}

		return dbErr
	}

	r.invalidate(ctx, account.ID)
	r.logger.Infow("account upserted", "id", account.ID, "email", account.Email, "plan", account.PlanType)
	return nil
}

// UpdateStatus updates the account status and deactivation reason.
// reason must be non-nil iff status is DEACTIVATED.
// Leaving an error state clears reset_at so no stale lock survives.
func (r *AccountRepo) UpdateStatus(ctx context.Context, id string, status AccountStatus, reason *string) error {
	updates := map[string]interface{}{
		"status":              status,
		"deactivation_reason": reason,
		"updated_at":          time.Now(),
	}
	if status != StatusRateLimited && status != StatusQuotaExceeded {
		updates["reset_at"] = nil
	}

	result := r.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", id).
		Updates(updates)

	if result.Error != nil {
		r.logger.Errorf("failed to update account status: %v", result.Error)
		return fmt.Errorf("failed to update account status: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("account not found: id=%s", id)
	}

	r.invalidate(ctx, id)
	r.logger.Infow("account status updated", "account_id", id, "status", status)
	return nil
}

// UpdateTokens writes refreshed credentials. Optional fields (plan, email,
// chatgpt_account_id) are only written when the refresh response carried them.
func (r *AccountRepo) UpdateTokens(ctx context.Context, id string, params UpdateTokensParams) error {
	updates := map[string]interface{}{
		"access_token_encrypted":  params.AccessTokenEncrypted,
		"refresh_token_encrypted": params.RefreshTokenEncrypted,
		"id_token_encrypted":      params.IDTokenEncrypted,
		"last_refresh":            params.LastRefresh,
		"updated_at":              time.Now(),
	}
	if params.PlanType != nil {
		updates["plan_type"] = *params.PlanType
	}
	if params.Email != nil {
		updates["email"] = *params.Email
	}
	if params.ChatGPTAccountID != nil {
		updates["chatgpt_account_id"] = *params.ChatGPTAccountID
	}

	result := r.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", id).
		Updates(updates)

	if result.Error != nil {
		r.logger.Errorf("failed to update tokens: %v", result.Error)
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("account not found: id=%s", id)
	}

	r.invalidate(ctx, id)
	r.logger.Infow("account tokens updated", "account_id", id)
	return nil
}

// UpdateResetAt writes the durable reset boundary. nil clears it.
func (r *AccountRepo) UpdateResetAt(ctx context.Context, id string, resetAt *int64) error {
	result := r.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"reset_at":   resetAt,
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		r.logger.Errorf("failed to update reset_at: %v", result.Error)
		return fmt.Errorf("failed to update reset_at: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("account not found: id=%s", id)
	}

	r.invalidate(ctx, id)
	return nil
}

// DeleteAccount removes the account row and its usage history.
func (r *AccountRepo) DeleteAccount(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Account{})
	if result.Error != nil {
		r.logger.Errorf("failed to delete account: %v", result.Error)
		return fmt.Errorf("failed to delete account: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("account not found: id=%s", id)
	}

	if err := r.db.WithContext(ctx).Where("account_id = ?", id).Delete(&UsageSnapshot{}).Error; err != nil {
		r.logger.Warnw("failed to delete usage history", "account_id", id, "error", err)
	}

	r.invalidate(ctx, id)
	r.logger.Infow("account deleted", "id", id)
	return nil
}

// ListAccountsNeedingRefresh returns non-deactivated accounts whose last
// successful refresh is older than the threshold, oldest first.
func (r *AccountRepo) ListAccountsNeedingRefresh(ctx context.Context, threshold time.Time) ([]*Account, error) {
	var accounts []*Account

	err := r.db.WithContext(ctx).
		Where("status != ?", StatusDeactivated).
		Where("last_refresh IS NULL OR last_refresh < ?", threshold).
		Order("last_refresh ASC").
		Find(&accounts).Error

	if err != nil {
		r.logger.Errorf("failed to list accounts needing refresh: %v", err)
		return nil, fmt.Errorf("failed to list accounts needing refresh: %w", err)
	}

	r.logger.Infow("accounts needing refresh listed", "count", len(accounts), "threshold", threshold)
	return accounts, nil
}

// invalidate clears the per-account cache entry after any write.
func (r *AccountRepo) invalidate(ctx context.Context, id string) {
	cacheKey := BuildCacheKey(CacheKeyAccount, id)
	if err := r.cache.Delete(ctx, cacheKey); err != nil {
		r.logger.Warnw("failed to delete account cache", "id", id, "error", err)
	}
}
