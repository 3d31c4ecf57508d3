// Package openai wraps the upstream ChatGPT/Codex backend endpoints the
// balancer depends on: the usage API, the OAuth token refresh endpoint, and
// the streaming responses endpoint. It supports SOCKS5/HTTP proxies and
// classifies upstream failures into typed errors.
package openai

import "time"

const (
	// OAuthBaseURL OpenAI OAuth 基础地址
	OAuthBaseURL = "https://auth.openai.com"
	// OAuthClientID Codex CLI 的 OAuth client id
	OAuthClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

	// UsagePath 用量接口路径（相对 upstream base url）
	UsagePath = "/backend-api/wham/usage"
	// ResponsesPath 流式代理接口路径
	ResponsesPath = "/backend-api/codex/responses"

	// AccountIDHeader 上游要求的账户头
	AccountIDHeader = "chatgpt-account-id"

	// UserAgent CodexLane 的 User-Agent
	UserAgent = "CodexLane/1.0"

	// DefaultConnectTimeout TCP 连接超时
	DefaultConnectTimeout = 5 * time.Second
	// DefaultReadTimeout 非流式请求的整体超时
	DefaultReadTimeout = 15 * time.Second
	// StreamReadTimeout 流式请求允许的最长响应时间
	StreamReadTimeout = 120 * time.Second
)
