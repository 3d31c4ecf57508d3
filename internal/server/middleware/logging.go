package middleware

import (
	"net/http"
	"time"

	pkglog "CodexLane/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	kratoshttp "github.com/go-kratos/kratos/v2/transport/http"
)

// NewLoggingFilter injects a request id into the context and emits one access
// log line per request.
func NewLoggingFilter(logger log.Logger) kratoshttp.FilterFunc {
	helper := pkglog.NewLogHelper(logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := pkglog.GenerateRequestID()
			ctx := pkglog.WithRequestContext(r.Context(), requestID, "", "", "")

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rec, r.WithContext(ctx))

			helper.RequestWithContext(ctx, r.Method, r.URL.Path, rec.status, time.Since(start).Milliseconds())
		})
	}
}

// statusRecorder captures the response status for the access log.
// Flush 必须透传，否则 SSE 流会被缓冲
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
