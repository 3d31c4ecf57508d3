package service

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"CodexLane/internal/biz"
	"CodexLane/internal/data"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/gorilla/mux"
)

// AdminService implements the /admin account and settings API.
type AdminService struct {
	repo     biz.AccountRepo
	usage    biz.UsageRepo
	settings biz.SettingsRepo
	auth     *biz.AuthManager
	lb       *biz.LoadBalancer
	logger   *log.Helper
}

// NewAdminService creates the admin API service.
func NewAdminService(
	repo biz.AccountRepo,
	usage biz.UsageRepo,
	settings biz.SettingsRepo,
	auth *biz.AuthManager,
	lb *biz.LoadBalancer,
	logger log.Logger,
) *AdminService {
	return &AdminService{
		repo:     repo,
		usage:    usage,
		settings: settings,
		auth:     auth,
		lb:       lb,
		logger:   log.NewHelper(logger),
	}
}

// accountView is the admin representation of one pooled account.
type accountView struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	PlanType           string     `json:"plan_type"`
	Status             string     `json:"status"`
	DeactivationReason *string    `json:"deactivation_reason,omitempty"`
	ResetAt            *int64     `json:"reset_at,omitempty"`
	LastRefresh        *time.Time `json:"last_refresh,omitempty"`

	PrimaryUsedPercent   *float64 `json:"primary_used_percent,omitempty"`
	SecondaryUsedPercent *float64 `json:"secondary_used_percent,omitempty"`
	SecondaryResetAt     *int64   `json:"secondary_reset_at,omitempty"`

	ErrorCount     int        `json:"error_count"`
	CooldownUntil  *time.Time `json:"cooldown_until,omitempty"`
	LastSelectedAt *time.Time `json:"last_selected_at,omitempty"`
}

// ListAccounts handles GET /admin/accounts.
func (s *AdminService) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		s.logger.Errorw("failed to list accounts", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list accounts")
		return
	}

	primary, err := s.usage.LatestByWindow(ctx, data.WindowPrimary)
	if err != nil {
		s.logger.Warnw("failed to load primary usage", "error", err)
		primary = map[string]*data.UsageSnapshot{}
	}
	secondary, err := s.usage.LatestByWindow(ctx, data.WindowSecondary)
	if err != nil {
		s.logger.Warnw("failed to load secondary usage", "error", err)
		secondary = map[string]*data.UsageSnapshot{}
	}

	views := make([]*accountView, 0, len(accounts))
	for _, account := range accounts {
		views = append(views, s.buildView(account, primary, secondary))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": views})
}

func (s *AdminService) buildView(account *data.Account, primary, secondary map[string]*data.UsageSnapshot) *accountView {
	view := &accountView{
		ID:                 account.ID,
		Email:              account.Email,
		PlanType:           string(account.PlanType),
		Status:             string(account.Status),
		DeactivationReason: account.DeactivationReason,
		ResetAt:            account.ResetAt,
		LastRefresh:        account.LastRefresh,
	}

	if sample, ok := primary[account.ID]; ok {
		used := sample.UsedPercent
		view.PrimaryUsedPercent = &used
	}
	if sample, ok := secondary[account.ID]; ok {
		used := sample.UsedPercent
		view.SecondaryUsedPercent = &used
		view.SecondaryResetAt = sample.ResetAt
	}

	rt := s.lb.RuntimeSnapshot(account.ID)
	view.ErrorCount = rt.ErrorCount
	view.CooldownUntil = rt.CooldownUntil
	view.LastSelectedAt = rt.LastSelectedAt
	return view
}

// GetAccount handles GET /admin/accounts/{id}.
func (s *AdminService) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := s.loadAccount(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	primary, _ := s.usage.LatestByWindow(ctx, data.WindowPrimary)
	secondary, _ := s.usage.LatestByWindow(ctx, data.WindowSecondary)
	writeJSON(w, http.StatusOK, s.buildView(account, primary, secondary))
}

// PauseAccount handles POST /admin/accounts/{id}/pause.
func (s *AdminService) PauseAccount(w http.ResponseWriter, r *http.Request) {
	s.setStatus(w, r, data.StatusPaused)
}

// ResumeAccount handles POST /admin/accounts/{id}/resume.
func (s *AdminService) ResumeAccount(w http.ResponseWriter, r *http.Request) {
	s.setStatus(w, r, data.StatusActive)
}

func (s *AdminService) setStatus(w http.ResponseWriter, r *http.Request, status data.AccountStatus) {
	id := mux.Vars(r)["id"]
	if err := s.repo.UpdateStatus(r.Context(), id, status, nil); err != nil {
		s.writeRepoError(w, err, "failed to update account status")
		return
	}
	s.lb.InvalidateSnapshot()
	s.logger.Infow("account status changed by admin", "account_id", id, "status", status)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
}

// DeleteAccount handles DELETE /admin/accounts/{id}.
func (s *AdminService) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.repo.DeleteAccount(r.Context(), id); err != nil {
		s.writeRepoError(w, err, "failed to delete account")
		return
	}
	s.lb.InvalidateSnapshot()
	s.logger.Infow("account deleted by admin", "account_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "deleted": "true"})
}

// RefreshAccount handles POST /admin/accounts/{id}/refresh: a forced token
// refresh, regardless of token age.
func (s *AdminService) RefreshAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := s.loadAccount(w, r)
	if !ok {
		return
	}

	if _, err := s.auth.EnsureFresh(r.Context(), account, true); err != nil {
		s.lb.InvalidateSnapshot()
		writeError(w, http.StatusBadGateway, "refresh_failed", err.Error())
		return
	}
	s.lb.InvalidateSnapshot()
	writeJSON(w, http.StatusOK, map[string]string{"id": account.ID, "status": string(account.Status)})
}

func (s *AdminService) loadAccount(w http.ResponseWriter, r *http.Request) (*data.Account, bool) {
	id := mux.Vars(r)["id"]
	account, err := s.repo.GetAccount(r.Context(), id)
	if err != nil {
		s.writeRepoError(w, err, "failed to load account")
		return nil, false
	}
	return account, true
}

func (s *AdminService) writeRepoError(w http.ResponseWriter, err error, fallback string) {
	if strings.Contains(err.Error(), "not found") {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	s.logger.Errorw(fallback, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", fallback)
}

// settingsView is the request/response shape for dashboard settings.
type settingsView struct {
	PinnedAccountIDs   []string `json:"pinned_account_ids"`
	PreferEarlierReset bool     `json:"prefer_earlier_reset"`
}

// GetSettings handles GET /admin/settings.
func (s *AdminService) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.settings.GetSettings(r.Context())
	if err != nil {
		s.logger.Errorw("failed to load settings", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, settingsView{
		PinnedAccountIDs:   settings.PinnedAccountIDs,
		PreferEarlierReset: settings.PreferEarlierReset,
	})
}

// UpdateSettings handles PUT /admin/settings.
func (s *AdminService) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsView
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid settings payload")
		return
	}

	settings, err := s.settings.GetSettings(r.Context())
	if err != nil {
		s.logger.Errorw("failed to load settings", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load settings")
		return
	}
	settings.PinnedAccountIDs = req.PinnedAccountIDs
	settings.PreferEarlierReset = req.PreferEarlierReset

	if err := s.settings.UpdateSettings(r.Context(), settings); err != nil {
		s.logger.Errorw("failed to update settings", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update settings")
		return
	}

	s.lb.InvalidateSnapshot()
	s.logger.Infow("dashboard settings updated",
		"pinned", len(req.PinnedAccountIDs), "prefer_earlier_reset", req.PreferEarlierReset)
	writeJSON(w, http.StatusOK, req)
}
