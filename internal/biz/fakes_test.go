package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"CodexLane/internal/data"
)

// fakeAccountRepo is an in-memory AccountRepo for facade tests.
type fakeAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*data.Account

	statusUpdates []statusUpdate
	resetUpdates  []resetUpdate
	tokenUpdates  int
}

type statusUpdate struct {
	id     string
	status data.AccountStatus
	reason *string
}

type resetUpdate struct {
	id      string
	resetAt *int64
}

func newFakeAccountRepo(accounts ...*data.Account) *fakeAccountRepo {
	repo := &fakeAccountRepo{accounts: make(map[string]*data.Account)}
	for _, a := range accounts {
		repo.accounts[a.ID] = a
	}
	return repo
}

func (r *fakeAccountRepo) ListAccounts(_ context.Context) ([]*data.Account, error) {
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
	a, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account not found: id=%s", id)
	}
	return a, nil
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
	a, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: id=%s", id)
	}
	a.Status = status
	a.DeactivationReason = reason
	if status != data.StatusRateLimited && status != data.StatusQuotaExceeded {
		a.ResetAt = nil
	}
	r.statusUpdates = append(r.statusUpdates, statusUpdate{id: id, status: status, reason: reason})
	return nil
}

func (r *fakeAccountRepo) UpdateTokens(_ context.Context, id string, params data.UpdateTokensParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: id=%s", id)
	}
	a.AccessTokenEncrypted = params.AccessTokenEncrypted
	a.RefreshTokenEncrypted = params.RefreshTokenEncrypted
	a.IDTokenEncrypted = params.IDTokenEncrypted
	last := params.LastRefresh
	a.LastRefresh = &last
	if params.PlanType != nil {
		a.PlanType = *params.PlanType
	}
	if params.Email != nil {
		a.Email = *params.Email
	}
	if params.ChatGPTAccountID != nil {
		a.ChatGPTAccountID = params.ChatGPTAccountID
	}
	r.tokenUpdates++
	return nil
}

func (r *fakeAccountRepo) UpdateResetAt(_ context.Context, id string, resetAt *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: id=%s", id)
	}
	a.ResetAt = resetAt
	r.resetUpdates = append(r.resetUpdates, resetUpdate{id: id, resetAt: resetAt})
	return nil
}

func (r *fakeAccountRepo) DeleteAccount(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[id]; !ok {
		return fmt.Errorf("account not found: id=%s", id)
	}
	delete(r.accounts, id)
	return nil
}

func (r *fakeAccountRepo) ListAccountsNeedingRefresh(_ context.Context, threshold time.Time) ([]*data.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*data.Account
	for _, a := range r.accounts {
		if a.Status == data.StatusDeactivated {
			continue
		}
		if a.LastRefresh == nil || a.LastRefresh.Before(threshold) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeAccountRepo) lastStatus(id string) *statusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.statusUpdates) - 1; i >= 0; i-- {
		if r.statusUpdates[i].id == id {
			return &r.statusUpdates[i]
		}
	}
	return nil
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

func (r *fakeUsageRepo) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*data.UsageSnapshot
	var pruned int64
	for _, s := range r.snapshots {
		if s.RecordedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, s)
	}
	r.snapshots = kept
	return pruned, nil
}

func (r *fakeUsageRepo) count(window string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.snapshots {
		if s.Window == window {
			n++
		}
	}
	return n
}

// fakeSettingsRepo serves a fixed settings row.
type fakeSettingsRepo struct {
	mu       sync.Mutex
	settings data.DashboardSettings
}

func (r *fakeSettingsRepo) GetSettings(_ context.Context) (*data.DashboardSettings, error) {
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
