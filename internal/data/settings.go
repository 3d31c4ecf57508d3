package data

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// StringList stores a JSON-encoded string slice in a single column.
type StringList []string

// Scan implements sql.Scanner interface for StringList.
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into StringList", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// Value implements driver.Valuer interface for StringList.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// DashboardSettings is the operator-tunable singleton row (id=1).
// PinnedAccountIDs forces selection order ahead of the scoring pass.
type DashboardSettings struct {
	ID                 uint       `gorm:"primaryKey;column:id"`
	PinnedAccountIDs   StringList `gorm:"column:pinned_account_ids;type:text"`
	PreferEarlierReset bool       `gorm:"column:prefer_earlier_reset;default:false;not null"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (DashboardSettings) TableName() string {
	return "dashboard_settings"
}

const settingsRowID = 1

// SettingsRepo serves the dashboard settings singleton with caching.
type SettingsRepo struct {
	db     *gorm.DB
	cache  CacheClient
	logger *log.Helper
}

// NewSettingsRepo creates a new settings repository.
func NewSettingsRepo(data *Data, db *gorm.DB, logger log.Logger) *SettingsRepo {
	return &SettingsRepo{
		db:     db,
		cache:  data.GetCache(),
		logger: log.NewHelper(logger),
	}
}

// GetSettings returns the singleton row, creating defaults on first read.
func (r *SettingsRepo) GetSettings(ctx context.Context) (*DashboardSettings, error) {
	cacheKey := BuildCacheKey(CacheKeySettings, "dashboard")

	var cached DashboardSettings
	if err := r.cache.Get(ctx, cacheKey, &cached); err == nil {
		return &cached, nil
	}

	var settings DashboardSettings
	err := r.db.WithContext(ctx).Where("id = ?", settingsRowID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		settings = DashboardSettings{ID: settingsRowID, PinnedAccountIDs: StringList{}}
		if err := r.db.WithContext(ctx).Create(&settings).Error; err != nil {
			r.logger.Errorf("failed to create default settings: %v", err)
			return nil, fmt.Errorf("failed to create default settings: %w", err)
		}
	} else if err != nil {
		r.logger.Errorf("failed to get settings: %v", err)
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	if err := r.cache.Set(ctx, cacheKey, &settings, TTLSettings); err != nil {
		r.logger.Warnw("failed to cache settings", "error", err)
	}
	return &settings, nil
}

// UpdateSettings replaces the singleton row and invalidates its cache.
func (r *SettingsRepo) UpdateSettings(ctx context.Context, settings *DashboardSettings) error {
	settings.ID = settingsRowID
	settings.UpdatedAt = time.Now()

	if err := r.db.WithContext(ctx).Save(settings).Error; err != nil {
		r.logger.Errorf("failed to update settings: %v", err)
		return fmt.Errorf("failed to update settings: %w", err)
	}

	cacheKey := BuildCacheKey(CacheKeySettings, "dashboard")
	if err := r.cache.Delete(ctx, cacheKey); err != nil {
		r.logger.Warnw("failed to delete settings cache", "error", err)
	}

	r.logger.Infow("dashboard settings updated",
		"pinned_count", len(settings.PinnedAccountIDs),
		"prefer_earlier_reset", settings.PreferEarlierReset)
	return nil
}
