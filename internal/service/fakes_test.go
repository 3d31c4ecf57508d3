package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"CodexLane/internal/data"
)

// fakeAccountRepo is an in-memory AccountRepo for handler tests.
type fakeAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*data.Account
	deleted  []string
}

func newFakeAccountRepo(accounts ...*data.Account) *fakeAccountRepo {
	repo := &fakeAccountRepo{accounts: make(map[string]*data.Account)}
	for _, a := range accounts {
		repo.accounts[a.ID] = a
	}
	return repo
}

func (r *fakeAccountRepo) ListAccounts(context.Context) ([]*data.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*data.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (r *fakeAccountRepo) GetAccount(_ context.Context, id string) (*data.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account not found: id=%s", id)
	}
	return account, nil
}

func (r *fakeAccountRepo) UpsertAccount(_ context.Context, account *data.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[account.ID] = account
	return nil
}

func (r *fakeAccountRepo) UpdateStatus(_ context.Context, id string, status data.AccountStatus, reason *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: id=%s", id)
	}
	account.Status = status
	account.DeactivationReason = reason
	if status != data.StatusRateLimited && status != data.StatusQuotaExceeded {
		account.ResetAt = nil
	}
	return nil
}

func (r *fakeAccountRepo) UpdateTokens(_ context.Context, id string, params data.UpdateTokensParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: id=%s", id)
	}
	account.AccessTokenEncrypted = params.AccessTokenEncrypted
	account.RefreshTokenEncrypted = params.RefreshTokenEncrypted
	account.IDTokenEncrypted = params.IDTokenEncrypted
	refresh := params.LastRefresh
	account.LastRefresh = &refresh
	return nil
}

func (r *fakeAccountRepo) UpdateResetAt(_ context.Context, id string, resetAt *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: id=%s", id)
	}
	account.ResetAt = resetAt
	return nil
}

func (r *fakeAccountRepo) DeleteAccount(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[id]; !ok {
		return fmt.Errorf("account not found: id=%s", id)
	}
	delete(r.accounts, id)
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *fakeAccountRepo) ListAccountsNeedingRefresh(context.Context, time.Time) ([]*data.Account, error) {
	return nil, nil
}

func (r *fakeAccountRepo) status(id string) data.AccountStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[id].Status
}

// fakeUsageRepo is an in-memory UsageRepo.
type fakeUsageRepo struct {
	mu        sync.Mutex
	snapshots []*data.UsageSnapshot
}

func (r *fakeUsageRepo) AppendSnapshot(_ context.Context, snapshot *data.UsageSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snapshot)
	return nil
}

func (r *fakeUsageRepo) LatestByWindow(_ context.Context, window string) (map[string]*data.UsageSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := make(map[string]*data.UsageSnapshot)
	for _, s := range r.snapshots {
		if s.Window != window {
			continue
		}
		if prev, ok := latest[s.AccountID]; !ok || s.RecordedAt.After(prev.RecordedAt) {
			latest[s.AccountID] = s
		}
	}
	return latest, nil
}

func (r *fakeUsageRepo) PruneBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// fakeSettingsRepo is an in-memory SettingsRepo.
type fakeSettingsRepo struct {
	mu       sync.Mutex
	settings data.DashboardSettings
}

func (r *fakeSettingsRepo) GetSettings(context.Context) (*data.DashboardSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := r.settings
	return &copied, nil
}

func (r *fakeSettingsRepo) UpdateSettings(_ context.Context, settings *data.DashboardSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = *settings
	return nil
}

// fakeCache is an in-memory data.CacheClient.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (c *fakeCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if !ok {
		return data.ErrCacheNotFound
	}
	return json.Unmarshal(raw, dest)
}

func (c *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = raw
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *fakeCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok, nil
}
