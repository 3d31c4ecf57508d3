// Package oauth implements the Codex CLI browser PKCE login flow that
// produces the initial credentials for an upstream account.
package oauth

import (
	"context"
	"time"
)

// Codex CLI OAuth 配置
const (
	AuthorizeURL       = "https://auth.openai.com/oauth/authorize"
	TokenURL           = "https://auth.openai.com/oauth/token"
	ClientID           = "app_EMoamEEZ73f0CkXaXp7hrann"
	DefaultRedirectURI = "http://localhost:1455/auth/callback"
	Scopes             = "openid profile email offline_access"

	// PKCE 参数：64 字节 → hex 编码（128 字符）
	pkceSizeBytes = 64
	pkceEncoding  = "hex"

	// SessionTTL bounds how long a started login stays completable.
	SessionTTL = 10 * time.Minute
)

// Session is one in-flight PKCE login awaiting its callback.
type Session struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier"`
	RedirectURI  string    `json:"redirect_uri"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionStore persists in-flight login sessions. The application backs it
// with Redis so a login survives across workers.
type SessionStore interface {
	Save(ctx context.Context, session *Session, ttl time.Duration) error
	Load(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}

// StartResult is returned when a login begins: the URL the operator opens in
// a browser plus the session id to complete the flow with.
type StartResult struct {
	SessionID string `json:"session_id"`
	AuthURL   string `json:"auth_url"`
	State     string `json:"state"`
}

// TokenResponse is the result of a successful code exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}
