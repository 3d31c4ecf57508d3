package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// UsageWindow 用量接口返回的单个限流窗口
// reset_at 为绝对秒级时间戳；部分响应只给 reset_after_seconds 相对值
type UsageWindow struct {
	UsedPercent        float64  `json:"used_percent"`
	ResetAt            *int64   `json:"reset_at,omitempty"`
	ResetAfterSeconds  *float64 `json:"reset_after_seconds,omitempty"`
	LimitWindowSeconds *int64   `json:"limit_window_seconds,omitempty"`
}

// UsageRateLimit 主/次窗口对
type UsageRateLimit struct {
	PrimaryWindow   *UsageWindow `json:"primary_window,omitempty"`
	SecondaryWindow *UsageWindow `json:"secondary_window,omitempty"`
}

// UsageCredits 账户积分信息（可选）
type UsageCredits struct {
	HasCredits bool     `json:"has_credits"`
	Unlimited  bool     `json:"unlimited"`
	Balance    *float64 `json:"balance,omitempty"`
}

// UsageResponse GET /backend-api/wham/usage 响应
type UsageResponse struct {
	PlanType  string          `json:"plan_type"`
	RateLimit *UsageRateLimit `json:"rate_limit,omitempty"`
	Credits   *UsageCredits   `json:"credits,omitempty"`
}

// TokenRefreshResult 刷新成功后的新凭证
type TokenRefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
	AccountID    string `json:"account_id,omitempty"`
	PlanType     string `json:"plan_type,omitempty"`
	Email        string `json:"email,omitempty"`
}

// Client talks to the upstream ChatGPT backend on behalf of one process.
// It is safe for concurrent use; connections are pooled with keep-alive.
type Client struct {
	baseURL      string
	oauthBaseURL string
	proxyURL     string
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient creates an upstream client for the given base URL.
// proxyURL may be empty, or a socks5:// / http(s):// URL.
func NewClient(baseURL, proxyURL string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL cannot be empty")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	transport, err := newTransport(proxyURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL:      baseURL,
		oauthBaseURL: OAuthBaseURL,
		proxyURL:     proxyURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   DefaultReadTimeout,
		},
		// 流式请求不能套用短超时，否则 SSE 会被中途掐断
		streamClient: &http.Client{
			Transport: transport,
			Timeout:   StreamReadTimeout,
		},
	}, nil
}

// WithOAuthBaseURL overrides the OAuth endpoint base, for tests.
func (c *Client) WithOAuthBaseURL(base string) *Client {
	c.oauthBaseURL = strings.TrimSuffix(base, "/")
	return c
}

// FetchUsage calls the upstream usage endpoint for one account.
// Non-2xx responses are returned as *UsageFetchError with the status code;
// the caller decides whether to refresh (401), deactivate (402/403/404) or
// swallow (5xx).
func (c *Client) FetchUsage(ctx context.Context, accessToken, chatgptAccountID string) (*UsageResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+UsagePath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	if chatgptAccountID != "" {
		req.Header.Set(AccountIDHeader, chatgptAccountID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &UsageFetchError{
			StatusCode: resp.StatusCode,
			Message:    extractErrorMessage(body),
			Body:       string(body),
		}
	}

	var usage UsageResponse
	if err := json.Unmarshal(body, &usage); err != nil {
		return nil, fmt.Errorf("invalid usage response: %w", err)
	}
	return &usage, nil
}

// RefreshToken exchanges a refresh token for fresh credentials.
// Failures are returned as *RefreshError; permanent ones carry a code from
// the closed set and require the caller to deactivate the account.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
	if refreshToken == "" {
		return nil, &RefreshError{
			Code:      RefreshTokenInvalidated,
			Message:   "refresh token is empty",
			Permanent: true,
		}
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {OAuthClientID},
		"scope":         {"openid profile email"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.oauthBaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RefreshError{Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RefreshError{Message: fmt.Sprintf("failed to read refresh response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyRefreshFailure(resp.StatusCode, body)
	}

	var result TokenRefreshResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &RefreshError{Message: fmt.Sprintf("invalid refresh response: %v", err)}
	}
	if result.AccessToken == "" {
		return nil, &RefreshError{Message: "incomplete token response: missing access_token"}
	}
	// 上游可能不回传新的 refresh token，沿用旧值
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}

	// 从 id token claims 补全 email / plan / account id
	if claims := DecodeIDTokenClaims(result.IDToken); !claims.Empty() {
		if result.Email == "" {
			result.Email = claims.Email
		}
		if result.PlanType == "" {
			result.PlanType = claims.PlanType
		}
		if result.AccountID == "" {
			result.AccountID = claims.ChatGPTAccountID
		}
	}

	return &result, nil
}

// StreamResponses opens the upstream SSE stream for one request.
// On success the caller owns resp.Body and must close it. A non-2xx status is
// consumed and returned as *ProxyResponseError.
func (c *Client) StreamResponses(ctx context.Context, accessToken, chatgptAccountID string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+ResponsesPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create responses request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", UserAgent)
	if chatgptAccountID != "" {
		req.Header.Set(AccountIDHeader, chatgptAccountID)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("responses request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		return nil, parseProxyResponseError(resp.StatusCode, body)
	}

	return resp, nil
}

// classifyRefreshFailure maps an OAuth error response onto the closed
// permanent-failure code set. 5xx and unrecognised statuses stay transient.
func classifyRefreshFailure(status int, body []byte) *RefreshError {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &payload)

	message := payload.ErrorDescription
	if message == "" {
		message = payload.Error
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	refreshErr := &RefreshError{
		StatusCode: status,
		Message:    message,
		Body:       string(body),
	}

	if status >= 500 || status == http.StatusTooManyRequests {
		return refreshErr
	}

	lower := strings.ToLower(payload.Error + " " + payload.ErrorDescription)
	switch {
	case strings.Contains(lower, "expired"):
		refreshErr.Code = RefreshTokenExpired
	case strings.Contains(lower, "reused") || strings.Contains(lower, "already been used"):
		refreshErr.Code = RefreshTokenReused
	case strings.Contains(lower, "suspended"):
		refreshErr.Code = AccountSuspended
	case strings.Contains(lower, "deleted") || strings.Contains(lower, "deactivated"):
		refreshErr.Code = AccountDeleted
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		// invalid_grant 及同类：token 已失效
		refreshErr.Code = RefreshTokenInvalidated
	default:
		// 其他 4xx 视为暂时性失败
		return refreshErr
	}

	refreshErr.Permanent = true
	return refreshErr
}

// parseProxyResponseError extracts the upstream error envelope from a failed
// responses call, including optional reset hints.
func parseProxyResponseError(status int, body []byte) *ProxyResponseError {
	perr := &ProxyResponseError{
		StatusCode: status,
		Body:       string(body),
	}

	var payload struct {
		Error struct {
			Type            string   `json:"type"`
			Code            string   `json:"code"`
			Message         string   `json:"message"`
			ResetsAt        *int64   `json:"resets_at"`
			ResetsInSeconds *float64 `json:"resets_in_seconds"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		perr.Code = payload.Error.Code
		if perr.Code == "" {
			perr.Code = payload.Error.Type
		}
		perr.Message = payload.Error.Message
		perr.ResetsAt = payload.Error.ResetsAt
		perr.ResetsInSeconds = payload.Error.ResetsInSeconds
	}
	if perr.Message == "" {
		perr.Message = strings.TrimSpace(string(body))
	}
	return perr
}

// extractErrorMessage pulls a human message out of an error body, falling
// back to the raw body.
func extractErrorMessage(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
		Error  struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Detail != "" {
			return payload.Detail
		}
	}
	return strings.TrimSpace(string(body))
}

// newTransport 创建共享的 HTTP transport（支持 SOCKS5 / HTTP 代理）
func newTransport(proxyURL string) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if proxyURL == "" {
		return transport, nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsed.Scheme {
	case "socks5", "socks5h":
		dialer, err := newSOCKS5Dialer(parsed)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}

	case "http", "https":
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			return parsed, nil
		}

	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s (supported: socks5, http, https)", parsed.Scheme)
	}

	return transport, nil
}

// newSOCKS5Dialer 创建 SOCKS5 代理 dialer
func newSOCKS5Dialer(parsed *url.URL) (proxy.Dialer, error) {
	var auth *proxy.Auth
	if parsed.User != nil {
		password, _ := parsed.User.Password()
		auth = &proxy.Auth{
			User:     parsed.User.Username(),
			Password: password,
		}
	}

	host := parsed.Host
	if !strings.Contains(host, ":") {
		host += ":1080" // SOCKS5 默认端口
	}

	return proxy.SOCKS5("tcp", host, auth, proxy.Direct)
}
