package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"CodexLane/pkg/oauth/util"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// Manager drives the Codex PKCE login flow: it creates sessions, builds
// authorization URLs and exchanges callback codes for tokens.
type Manager struct {
	store        SessionStore
	httpClient   *http.Client
	authorizeURL string
	tokenURL     string
	logger       *log.Helper
}

// NewManager creates a login manager. proxyURL may be empty; when set the
// token exchange goes through it (same schemes as the upstream client).
func NewManager(store SessionStore, proxyURL string, logger log.Logger) (*Manager, error) {
	httpClient, err := util.CreateHTTPClient(proxyURL, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to create OAuth HTTP client: %w", err)
	}

	return &Manager{
		store:        store,
		httpClient:   httpClient,
		authorizeURL: AuthorizeURL,
		tokenURL:     TokenURL,
		logger:       log.NewHelper(logger),
	}, nil
}

// WithEndpoints overrides the OAuth endpoints, for tests.
func (m *Manager) WithEndpoints(authorizeURL, tokenURL string) *Manager {
	m.authorizeURL = authorizeURL
	m.tokenURL = tokenURL
	return m
}

// StartLogin creates a session and returns the browser URL for it.
func (m *Manager) StartLogin(ctx context.Context, redirectURI string) (*StartResult, error) {
	if redirectURI == "" {
		redirectURI = DefaultRedirectURI
	}

	codeVerifier, err := util.GenerateCodeVerifier(pkceSizeBytes, pkceEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	state, err := util.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	session := &Session{
		ID:           uuid.NewString(),
		State:        state,
		CodeVerifier: codeVerifier,
		RedirectURI:  redirectURI,
		CreatedAt:    time.Now(),
	}
	if err := m.store.Save(ctx, session, SessionTTL); err != nil {
		return nil, fmt.Errorf("failed to save OAuth session: %w", err)
	}

	authURL := fmt.Sprintf("%s?%s", m.authorizeURL, url.Values{
		"response_type":         {"code"},
		"client_id":             {ClientID},
		"redirect_uri":          {redirectURI},
		"scope":                 {Scopes},
		"code_challenge":        {util.GenerateCodeChallenge(codeVerifier)},
		"code_challenge_method": {"S256"},
		"state":                 {state},
		// Codex CLI 专属参数，缺了会走普通 ChatGPT 流程
		"id_token_add_organizations": {"true"},
		"codex_cli_simplified_flow":  {"true"},
	}.Encode())

	m.logger.Infow("oauth login started", "session_id", session.ID)
	return &StartResult{
		SessionID: session.ID,
		AuthURL:   authURL,
		State:     state,
	}, nil
}

// CompleteLogin validates the callback and exchanges the code for tokens.
// The session is consumed on success.
func (m *Manager) CompleteLogin(ctx context.Context, sessionID, state, code string) (*TokenResponse, error) {
	session, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("login session not found or expired: %w", err)
	}
	if state == "" || state != session.State {
		return nil, fmt.Errorf("state mismatch: possible CSRF or stale callback")
	}

	tokens, err := m.exchangeCode(ctx, session, strings.TrimSpace(code))
	if err != nil {
		return nil, err
	}

	if err := m.store.Delete(ctx, sessionID); err != nil {
		m.logger.Warnw("failed to delete completed OAuth session", "session_id", sessionID, "error", err)
	}

	m.logger.Infow("oauth login completed", "session_id", sessionID)
	return tokens, nil
}

// exchangeCode performs the authorization_code grant.
func (m *Manager) exchangeCode(ctx context.Context, session *Session, code string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {ClientID},
		"code":          {code},
		"redirect_uri":  {session.RedirectURI},
		"code_verifier": {session.CodeVerifier},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange failed (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("missing access_token in token response")
	}
	return &tokens, nil
}
