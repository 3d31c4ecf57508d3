package service

import (
	"encoding/json"
	"net/http"

	"CodexLane/internal/biz"
	"CodexLane/internal/conf"
	"CodexLane/pkg/oauth"

	"github.com/go-kratos/kratos/v2/log"
)

// OAuthService exposes the Codex PKCE login flow: start a session, then
// complete it with the callback code to enrol the account into the pool.
type OAuthService struct {
	manager *oauth.Manager
	auth    *biz.AuthManager
	lb      *biz.LoadBalancer
	logger  *log.Helper
}

// NewOAuthService creates the login service.
func NewOAuthService(
	store oauth.SessionStore,
	c *conf.Balancer,
	auth *biz.AuthManager,
	lb *biz.LoadBalancer,
	logger log.Logger,
) (*OAuthService, error) {
	manager, err := oauth.NewManager(store, c.ProxyURL, logger)
	if err != nil {
		return nil, err
	}
	return &OAuthService{
		manager: manager,
		auth:    auth,
		lb:      lb,
		logger:  log.NewHelper(logger),
	}, nil
}

// StartLogin handles POST /admin/oauth/start.
func (s *OAuthService) StartLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RedirectURI string `json:"redirect_uri"`
	}
	if r.Body != nil {
		// body 可省略，解析失败按空参数处理
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := s.manager.StartLogin(r.Context(), req.RedirectURI)
	if err != nil {
		s.logger.Errorw("failed to start OAuth login", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to start login")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CompleteLogin handles POST /admin/oauth/complete: exchanges the callback
// code, stores the encrypted tokens and enrols the account.
func (s *OAuthService) CompleteLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		State     string `json:"state"`
		Code      string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid completion payload")
		return
	}
	if req.SessionID == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id and code are required")
		return
	}

	tokens, err := s.manager.CompleteLogin(r.Context(), req.SessionID, req.State, req.Code)
	if err != nil {
		writeError(w, http.StatusBadRequest, "oauth_failed", err.Error())
		return
	}

	account, err := s.auth.SaveOAuthTokens(r.Context(), tokens.AccessToken, tokens.RefreshToken, tokens.IDToken)
	if err != nil {
		s.logger.Errorw("failed to save OAuth tokens", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to save account credentials")
		return
	}

	s.lb.InvalidateSnapshot()
	s.logger.Infow("account enrolled via OAuth", "account_id", account.ID, "email", account.Email)
	writeJSON(w, http.StatusOK, map[string]string{
		"id":        account.ID,
		"email":     account.Email,
		"plan_type": string(account.PlanType),
		"status":    string(account.Status),
	})
}
