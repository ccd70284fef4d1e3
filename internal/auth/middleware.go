package auth

import (
	"encoding/json"
	"net/http"
	"time"

	xerrors "Protego-Vault/internal/errors"
	loggerpkg "Protego-Vault/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表，"*" 为默认项。
	RequiredPermissions map[string][]string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := loggerpkg.Audit()
			if s != nil && s.audit != nil {
				logger = s.audit
			}
			// 认证请求。
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get)
			if err != nil {
				status := statusFor(err)
				writeDenied(w, status, err)
				logger.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				return
			}
			// 授权请求。
			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if err := subject.Authorize(perms...); err != nil {
				writeDenied(w, http.StatusForbidden, err)
				logger.Warn("permission_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", http.StatusForbidden,
					"error", err.Error(),
					"subject", subject.Name,
				)
				return
			}
			// 记录审计日志。
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			logger.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"subject", subject.Name,
				"caller", subject.Address.Hex(),
			)
		})
	}
}

func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

func writeDenied(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := http.StatusText(status)
	if xe, ok := xerrors.From(err); ok && xe.Message() != "" {
		message = xe.Message()
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    string(xerrors.CodeOf(err)),
		"message": message,
		"error":   http.StatusText(status),
	})
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
