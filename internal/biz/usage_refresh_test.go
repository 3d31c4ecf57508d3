package biz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"CodexLane/internal/conf"
	"CodexLane/internal/data"
	"CodexLane/pkg/openai"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usagePayload(primaryUsed, secondaryUsed float64, secondaryResetAfter float64) map[string]interface{} {
	return map[string]interface{}{
		"plan_type": "pro",
		"rate_limit": map[string]interface{}{
			"primary_window": map[string]interface{}{
				"used_percent":         primaryUsed,
				"reset_after_seconds":  300,
				"limit_window_seconds": 18000,
			},
			"secondary_window": map[string]interface{}{
				"used_percent":         secondaryUsed,
				"reset_after_seconds":  secondaryResetAfter,
				"limit_window_seconds": 604800,
			},
		},
		"credits": map[string]interface{}{
			"has_credits": true,
			"unlimited":   false,
			"balance":     12.5,
		},
	}
}

func newRefresherEnv(t *testing.T, handler http.Handler) (*UsageRefresher, *fakeAccountRepo, *fakeUsageRepo, *data.Account) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := openai.NewClient(srv.URL, "")
	require.NoError(t, err)
	client = client.WithOAuthBaseURL(srv.URL)

	cryptor := testCryptor(t)
	chatgptID := "upstream-1"
	account := &data.Account{
		ID:                    "acct-a-00000001",
		ChatGPTAccountID:      &chatgptID,
		Email:                 "a@example.com",
		PlanType:              data.PlanPro,
		Status:                data.StatusActive,
		AccessTokenEncrypted:  encryptOrFail(t, cryptor, "access-1"),
		RefreshTokenEncrypted: encryptOrFail(t, cryptor, "refresh-1"),
	}
	repo := newFakeAccountRepo(account)
	usage := &fakeUsageRepo{}

	c := &conf.Balancer{
		UpstreamBaseURL:      srv.URL,
		UsageRefreshEnabled:  true,
		UsageRefreshInterval: time.Minute,
	}
	auth := NewAuthManager(repo, client, cryptor, log.DefaultLogger)
	refresher := NewUsageRefresher(repo, usage, auth, client, cryptor, c, log.DefaultLogger)
	return refresher, repo, usage, account
}

func TestRefreshAllRecordsWindows(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.Equal(t, openai.UsagePath, r.URL.Path)
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		assert.Equal(t, "upstream-1", r.Header.Get(openai.AccountIDHeader))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(usagePayload(42, 17, 86400))
	})

	refresher, _, usage, account := newRefresherEnv(t, handler)
	before := time.Now().Unix()
	refresher.RefreshAll(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, usage.count(data.WindowPrimary))
	assert.Equal(t, 1, usage.count(data.WindowSecondary))

	latest, err := usage.LatestByWindow(context.Background(), data.WindowSecondary)
	require.NoError(t, err)
	sample := latest[account.ID]
	require.NotNil(t, sample)
	assert.Equal(t, float64(17), sample.UsedPercent)
	require.NotNil(t, sample.ResetAt)
	// reset_after_seconds 相对值换算成绝对时间戳
	assert.GreaterOrEqual(t, *sample.ResetAt, before+86400)
	require.NotNil(t, sample.WindowMinutes)
	assert.Equal(t, int64(10080), *sample.WindowMinutes)
	require.NotNil(t, sample.CreditsBalance)
	assert.Equal(t, 12.5, *sample.CreditsBalance)
	assert.Equal(t, data.PlanPro, sample.PlanType)
}

func TestRefreshAllSkipsFreshSamples(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(usagePayload(42, 17, 86400))
	})

	refresher, _, usage, account := newRefresherEnv(t, handler)
	usage.snapshots = append(usage.snapshots, &data.UsageSnapshot{
		AccountID:   account.ID,
		Window:      data.WindowPrimary,
		UsedPercent: 10,
		RecordedAt:  time.Now(),
	})

	refresher.RefreshAll(context.Background())
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestRefreshAllSkipsDeactivated(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	refresher, _, _, account := newRefresherEnv(t, handler)
	account.Status = data.StatusDeactivated

	refresher.RefreshAll(context.Background())
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestRefreshAll401RefreshesAndRetries(t *testing.T) {
	var usageCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc(openai.UsagePath, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&usageCalls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"detail":"token expired"}`)
			return
		}
		assert.Equal(t, "Bearer access-2", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(usagePayload(42, 17, 86400))
	})
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"id_token":      "",
		})
	})

	refresher, repo, usage, _ := newRefresherEnv(t, mux)
	refresher.RefreshAll(context.Background())

	assert.Equal(t, int32(2), atomic.LoadInt32(&usageCalls))
	assert.Equal(t, 1, repo.tokenUpdates)
	assert.Equal(t, 1, usage.count(data.WindowPrimary))
}

func TestRefreshAllDeactivatesOnForbidden(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"detail":"account blocked"}`)
	})

	refresher, _, usage, account := newRefresherEnv(t, handler)
	refresher.RefreshAll(context.Background())

	assert.Equal(t, data.StatusDeactivated, account.Status)
	require.NotNil(t, account.DeactivationReason)
	assert.Equal(t, "Usage API error: HTTP 403 - account blocked", *account.DeactivationReason)
	assert.Zero(t, usage.count(data.WindowPrimary))
}

func TestRefreshAllSwallowsServerErrors(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	refresher, _, usage, account := newRefresherEnv(t, handler)
	refresher.RefreshAll(context.Background())

	// 上游故障不影响账号状态，等下一轮
	assert.Equal(t, data.StatusActive, account.Status)
	assert.Zero(t, usage.count(data.WindowPrimary))
}

func TestRefreshAllLogsTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // 连接被拒绝，FetchUsage 返回传输层错误

	client, err := openai.NewClient(srv.URL, "")
	require.NoError(t, err)

	cryptor := testCryptor(t)
	chatgptID := "upstream-1"
	account := &data.Account{
		ID:                    "acct-a-00000001",
		ChatGPTAccountID:      &chatgptID,
		Email:                 "a@example.com",
		PlanType:              data.PlanPro,
		Status:                data.StatusActive,
		AccessTokenEncrypted:  encryptOrFail(t, cryptor, "access-1"),
		RefreshTokenEncrypted: encryptOrFail(t, cryptor, "refresh-1"),
	}
	repo := newFakeAccountRepo(account)
	usage := &fakeUsageRepo{}

	c := &conf.Balancer{
		UpstreamBaseURL:      srv.URL,
		UsageRefreshEnabled:  true,
		UsageRefreshInterval: time.Minute,
	}
	var buf bytes.Buffer
	auth := NewAuthManager(repo, client, cryptor, log.DefaultLogger)
	refresher := NewUsageRefresher(repo, usage, auth, client, cryptor, c, log.NewStdLogger(&buf))

	refresher.RefreshAll(context.Background())

	// 传输层故障只记日志：账号状态不变也不产生样本
	assert.Equal(t, data.StatusActive, account.Status)
	assert.Zero(t, usage.count(data.WindowPrimary))
	assert.Contains(t, buf.String(), "usage fetch transport error")
}

func TestRefreshAllDisabled(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	refresher, _, _, _ := newRefresherEnv(t, handler)
	refresher.enabled = false

	refresher.RefreshAll(context.Background())
	assert.Zero(t, atomic.LoadInt32(&calls))
}
