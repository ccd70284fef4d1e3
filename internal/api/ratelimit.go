package api

import (
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"Protego-Vault/internal/auth"
	xerrors "Protego-Vault/internal/errors"
)

// subjectLimiter 为每个调用方维护独立的令牌桶。
type subjectLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newSubjectLimiter(requestsPerSecond float64, burst int) *subjectLimiter {
	if burst <= 0 {
		burst = int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &subjectLimiter{
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *subjectLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}

// middleware 必须位于认证之后，按主体名称与地址区分调用方。
func (l *subjectLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if subject := auth.SubjectFromContext(r.Context()); subject != nil {
			key = subject.Name + "/" + subject.Address.Hex()
		}
		limiter := l.get(key)
		if !limiter.Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(limiter)))
			writeError(w, xerrors.New(CodeRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(limiter *rate.Limiter) int {
	if limiter.Limit() <= 0 {
		return 1
	}
	seconds := int(1 / float64(limiter.Limit()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
