package auth

import (
	"encoding/json"
	"net/http"
	"time"

	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/pkg/logger"
)

// MiddlewareConfig 配置认证中间件。
type MiddlewareConfig struct {
	// RequiredScopes 定义每个 HTTP 方法所需的范围，"*" 为兜底。
	RequiredScopes map[string][]string
	// Public 中的路径不做认证。
	Public []string
}

// DefaultMiddlewareConfig 读请求需要 runs:read，其余需要 runs:write。
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{
		RequiredScopes: map[string][]string{
			http.MethodGet:  {ScopeRead},
			http.MethodHead: {ScopeRead},
			"*":             {ScopeWrite},
		},
		Public: []string{"/healthz", "/metrics"},
	}
}

// Middleware 返回认证与授权中间件，并把每次访问写入审计日志。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	public := make(map[string]struct{}, len(cfg.Public))
	for _, p := range cfg.Public {
		public[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		if !s.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := public[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
			if err != nil {
				deny(w, r, http.StatusUnauthorized, err, "")
				return
			}
			scopes := cfg.RequiredScopes[r.Method]
			if len(scopes) == 0 {
				scopes = cfg.RequiredScopes["*"]
			}
			if err := subject.Authorize(scopes...); err != nil {
				deny(w, r, http.StatusForbidden, err, subject.Name)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			logger.Audit().Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"caller", subject.Name,
			)
		})
	}
}

func deny(w http.ResponseWriter, r *http.Request, status int, err error, caller string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="reflexion"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
	logger.Audit().Warn("access_denied",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err.Error(),
		"caller", caller,
	)
}

type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
