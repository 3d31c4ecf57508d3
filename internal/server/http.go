// Package server assembles the HTTP transport: routes, filters and listener
// configuration.
package server

import (
	"encoding/json"
	nethttp "net/http"

	"CodexLane/internal/conf"
	"CodexLane/internal/server/middleware"
	"CodexLane/internal/service"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/wire"
)

// ProviderSet is server providers.
var ProviderSet = wire.NewSet(NewHTTPServer)

// NewHTTPServer creates the HTTP server and registers all routes.
func NewHTTPServer(
	c *conf.Server,
	authConf *conf.Auth,
	gateway *service.GatewayService,
	admin *service.AdminService,
	oauthSvc *service.OAuthService,
	logger log.Logger,
) *http.Server {
	opts := []http.ServerOption{
		// Filter 顺序：先注入请求日志上下文，再做鉴权
		http.Filter(
			middleware.NewLoggingFilter(logger),
			middleware.NewAuthFilter(authConf, logger),
		),
	}
	if c.HTTP.Network != "" {
		opts = append(opts, http.Network(c.HTTP.Network))
	}
	if c.HTTP.Addr != "" {
		opts = append(opts, http.Address(c.HTTP.Addr))
	}
	if c.HTTP.Timeout > 0 {
		opts = append(opts, http.Timeout(c.HTTP.Timeout))
	}

	srv := http.NewServer(opts...)

	srv.HandleFunc("/healthz", healthz)
	srv.HandleFunc("/v1/responses", methods(map[string]nethttp.HandlerFunc{
		nethttp.MethodPost: gateway.Responses,
	}))

	srv.HandleFunc("/admin/accounts", methods(map[string]nethttp.HandlerFunc{
		nethttp.MethodGet: admin.ListAccounts,
	}))
	srv.HandleFunc("/admin/accounts/{id}", methods(map[string]nethttp.HandlerFunc{
		nethttp.MethodGet:    admin.GetAccount,
		nethttp.MethodDelete: admin.DeleteAccount,
	}))
	srv.HandleFunc("/admin/accounts/{id}/pause", methods(map[string]nethttp.HandlerFunc{
		nethttp.MethodPost: admin.PauseAccount,
	}))
	srv.HandleFunc("/admin/accounts/{id}/resume", methods(map[string]nethttp.HandlerFunc{
		nethttp.MethodPost: admin.ResumeAccount,
	}))
	srv.HandleFunc("/admin/accounts/{id}/refresh", methods(map[string]nethttp.HandlerFunc{
		nethttp.MethodPost: admin.RefreshAccount,
	}))
	srv.HandleFunc("/admin/settings", methods(map[string]nethttp.HandlerFunc{
		nethttp.MethodGet: admin.GetSettings,
		nethttp.MethodPut: admin.UpdateSettings,
	}))
	srv.HandleFunc("/admin/oauth/start", methods(map[string]nethttp.HandlerFunc{
		nethttp.MethodPost: oauthSvc.StartLogin,
	}))
	srv.HandleFunc("/admin/oauth/complete", methods(map[string]nethttp.HandlerFunc{
		nethttp.MethodPost: oauthSvc.CompleteLogin,
	}))

	return srv
}

func healthz(w nethttp.ResponseWriter, _ *nethttp.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// methods dispatches by HTTP method, answering 405 for anything unmapped.
func methods(handlers map[string]nethttp.HandlerFunc) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(nethttp.StatusMethodNotAllowed)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "method_not_allowed", "message": "method not allowed"},
		})
	}
}
