package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"CodexLane/internal/biz"
	"CodexLane/internal/data"
	"CodexLane/pkg/openai"
	pkglog "CodexLane/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	// maxRequestBody bounds buffered request payloads.
	maxRequestBody = 10 << 20
	// maxAttempts bounds the failover loop per gateway request.
	maxAttempts = 3
)

// GatewayService proxies /v1/responses calls onto a pooled upstream account,
// failing over to another account when the upstream rejects the request
// before producing stream bytes.
type GatewayService struct {
	lb     *biz.LoadBalancer
	auth   *biz.AuthManager
	client *openai.Client
	logger *log.Helper
	stream *pkglog.LogHelper
}

// NewGatewayService creates the gateway proxy service.
func NewGatewayService(lb *biz.LoadBalancer, auth *biz.AuthManager, client *openai.Client, logger log.Logger) *GatewayService {
	return &GatewayService{
		lb:     lb,
		auth:   auth,
		client: client,
		logger: log.NewHelper(logger),
		stream: pkglog.NewLogHelper(logger),
	}
}

// Responses handles POST /v1/responses.
func (s *GatewayService) Responses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	if len(body) > maxRequestBody {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
		return
	}

	stickyKey := extractStickyKey(body, r.Header)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		sel, err := s.lb.SelectAccount(ctx, stickyKey, attempt > 0)
		if err != nil {
			s.logger.Errorw("account selection failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "account selection failed")
			return
		}
		if !sel.Selected() {
			writeRefusal(w, sel.Result)
			return
		}
		account := sel.Account

		token, err := s.auth.EnsureFresh(ctx, account, false)
		if err != nil {
			// EnsureFresh 已对永久失败做停用处理，这里只需换号重试
			lastErr = err
			s.lb.InvalidateSnapshot()
			s.logger.Warnw("token refresh failed during selection",
				"account_id", account.ID, "email", account.Email, "error", err)
			continue
		}

		chatgptID := ""
		if account.ChatGPTAccountID != nil {
			chatgptID = *account.ChatGPTAccountID
		}

		resp, err := s.client.StreamResponses(ctx, token, chatgptID, body)
		if err != nil {
			lastErr = err
			s.handleUpstreamError(ctx, account, err)
			continue
		}

		s.streamResponse(ctx, w, resp, account)
		return
	}

	s.logger.Errorw("all upstream attempts failed", "attempts", maxAttempts, "error", lastErr)
	writeError(w, http.StatusBadGateway, "upstream_unavailable", "All upstream attempts failed")
}

// handleUpstreamError maps a pre-stream upstream failure onto the account
// state machine so the next attempt skips the affected account.
func (s *GatewayService) handleUpstreamError(ctx context.Context, account *data.Account, err error) {
	var perr *openai.ProxyResponseError
	if !errors.As(err, &perr) {
		s.lb.RecordError(ctx, account.ID)
		s.logger.Warnw("upstream request failed", "account_id", account.ID, "error", err)
		return
	}

	hint := &biz.UpstreamError{
		Message:         perr.Message,
		ResetsAt:        perr.ResetsAt,
		ResetsInSeconds: perr.ResetsInSeconds,
	}

	var markErr error
	switch perr.Code {
	case "rate_limit_exceeded", "rate_limit_error":
		markErr = s.lb.MarkRateLimit(ctx, account.ID, hint)
	case "usage_limit_reached":
		markErr = s.lb.MarkUsageLimitReached(ctx, account.ID, hint)
	case "quota_exceeded", "insufficient_quota", "usage_not_included":
		markErr = s.lb.MarkQuotaExceeded(ctx, account.ID, hint)
	default:
		if perr.StatusCode == http.StatusTooManyRequests {
			markErr = s.lb.MarkRateLimit(ctx, account.ID, hint)
		} else {
			s.lb.RecordError(ctx, account.ID)
		}
	}
	if markErr != nil {
		s.logger.Warnw("failed to record upstream outcome",
			"account_id", account.ID, "code", perr.Code, "error", markErr)
	}

	s.logger.Infow("upstream rejected request",
		"account_id", account.ID, "email", account.Email,
		"status", perr.StatusCode, "code", perr.Code)
}

// streamResponse copies the upstream SSE stream to the client. Once the first
// byte is written the request is committed: later failures emit a terminal
// failed event instead of failing over.
func (s *GatewayService) streamResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response, account *data.Account) {
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/event-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	isSSE := strings.HasPrefix(contentType, "text/event-stream")
	scanner := &sseUsageScanner{}
	buf := make([]byte, 32<<10)
	var written int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// 客户端断开，上游连接随 defer 关闭
				return
			}
			written += int64(n)
			if isSSE {
				scanner.Feed(buf[:n])
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				if usage := scanner.usage; usage != nil {
					s.stream.StreamUsage(ctx, scanner.model,
						usage.InputTokens, usage.OutputTokens, usage.InputTokensDetails.CachedTokens,
						"account_id", account.ID)
				}
			} else if ctx.Err() == nil {
				s.lb.RecordError(ctx, account.ID)
				s.logger.Warnw("upstream stream interrupted",
					"account_id", account.ID, "bytes_written", written, "error", rerr)
				if isSSE {
					// 已写出字节后不再换号，用终止事件告知客户端流失败
					writeStreamFailure(w, flusher)
				}
			}
			return
		}
	}
}

// writeStreamFailure emits the terminal failed event, so an interrupted
// stream is distinguishable from normal completion on the client side.
func writeStreamFailure(w http.ResponseWriter, flusher http.Flusher) {
	payload, err := json.Marshal(map[string]interface{}{
		"type": "response.failed",
		"error": map[string]string{
			"type":    "upstream_error",
			"message": "upstream stream interrupted",
		},
	})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: response.failed\ndata: %s\n\n", payload)
	if flusher != nil {
		flusher.Flush()
	}
}

// streamUsage mirrors the usage block of the terminal response.completed
// event.
type streamUsage struct {
	InputTokens        int64 `json:"input_tokens"`
	OutputTokens       int64 `json:"output_tokens"`
	InputTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

// maxEventLine caps the line reassembly buffer. A completed event larger than
// this loses its usage sample; the proxy itself keeps streaming.
const maxEventLine = 4 << 20

// sseUsageScanner watches the proxied SSE bytes for the response.completed
// event and keeps its usage block for the access log.
type sseUsageScanner struct {
	partial []byte
	model   string
	usage   *streamUsage
}

func (sc *sseUsageScanner) Feed(p []byte) {
	sc.partial = append(sc.partial, p...)
	for {
		idx := bytes.IndexByte(sc.partial, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(sc.partial[:idx], []byte("\r"))
		sc.scanLine(line)
		sc.partial = sc.partial[idx+1:]
	}
	if len(sc.partial) > maxEventLine {
		sc.partial = sc.partial[:0]
	}
}

func (sc *sseUsageScanner) scanLine(line []byte) {
	raw, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("[DONE]")) {
		return
	}
	var event struct {
		Type     string `json:"type"`
		Response struct {
			Model string       `json:"model"`
			Usage *streamUsage `json:"usage"`
		} `json:"response"`
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		return
	}
	if event.Type != "response.completed" || event.Response.Usage == nil {
		return
	}
	sc.model = event.Response.Model
	sc.usage = event.Response.Usage
}

// extractStickyKey derives the sticky routing key: the prompt_cache_key field
// of the payload, falling back to the session_id header.
func extractStickyKey(body []byte, header http.Header) string {
	var payload struct {
		PromptCacheKey string `json:"prompt_cache_key"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.PromptCacheKey != "" {
		return payload.PromptCacheKey
	}
	return header.Get("session_id")
}

// refusalStatus maps a refusal reason to an HTTP status: timed refusals are
// 429, structural ones 503.
func refusalStatus(reason string) int {
	switch reason {
	case biz.RefusalRateLimited, biz.RefusalQuota, biz.RefusalCooldown:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

func writeRefusal(w http.ResponseWriter, result *biz.SelectionResult) {
	writeError(w, refusalStatus(result.Reason), result.Reason, result.Message)
}
