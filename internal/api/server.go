package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"Protego-Vault/internal/auth"
	"Protego-Vault/internal/events"
	"Protego-Vault/internal/harvest"
	"Protego-Vault/internal/observability/metrics"
	"Protego-Vault/internal/vault"
)

// HarvestService 是 API 层提交与查询收益确认任务所需的能力。
type HarvestService interface {
	Submit(ctx context.Context, req harvest.Request) (*harvest.Job, error)
	Get(ctx context.Context, id string) (*harvest.Job, error)
	List(ctx context.Context, opts ...harvest.ListOption) ([]*harvest.Job, error)
	Stats(ctx context.Context, opts ...harvest.ListOption) (harvest.Stats, error)
}

// EventSource 返回已持久化的金库事件。
type EventSource interface {
	Events(ctx context.Context, after uint64, limit int) ([]events.Message, error)
}

// Server 负责暴露 REST 接口，供外部调用金库操作。
type Server struct {
	addr         string
	vault        *vault.Vault
	harvest      HarvestService
	events       EventSource
	auth         *auth.Service
	metrics      *metrics.Metrics
	limiter      *subjectLimiter
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Option 定义可选配置。
type Option func(*Server)

// WithHarvestService 挂载收益确认任务接口。
func WithHarvestService(svc HarvestService) Option {
	return func(s *Server) {
		s.harvest = svc
	}
}

// WithEventSource 挂载事件查询接口。
func WithEventSource(source EventSource) Option {
	return func(s *Server) {
		s.events = source
	}
}

// WithAuth 配置身份认证服务，未配置时按 disabled 模式从请求头读取调用方。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithMetrics 记录请求指标并在 /metrics 暴露。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithRateLimit 按调用方限制请求速率。
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(s *Server) {
		if requestsPerSecond > 0 {
			s.limiter = newSubjectLimiter(requestsPerSecond, burst)
		}
	}
}

// WithTimeouts 设置读写超时。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, v *vault.Vault, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		vault:        v,
		readTimeout:  15 * time.Second,
		writeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	read := []string{auth.PermissionRead}
	write := []string{auth.PermissionWrite}
	admin := []string{auth.PermissionAdmin}

	s.route(mux, "GET /api/v1/vault", "vault_info", read, s.handleVaultInfo)
	s.route(mux, "GET /api/v1/vault/balances/{address}", "balance", read, s.handleBalance)
	s.route(mux, "GET /api/v1/vault/allowances/{owner}/{spender}", "allowance", read, s.handleAllowance)
	s.route(mux, "GET /api/v1/vault/preview/{operation}", "preview", read, s.handlePreview)
	s.route(mux, "GET /api/v1/vault/convert/{direction}", "convert", read, s.handleConvert)
	s.route(mux, "GET /api/v1/vault/max/{operation}/{address}", "max", read, s.handleMax)
	s.route(mux, "GET /api/v1/vault/events", "events", read, s.handleEvents)

	s.route(mux, "POST /api/v1/vault/deposit", "deposit", write, s.handleDeposit)
	s.route(mux, "POST /api/v1/vault/mint", "mint", write, s.handleMint)
	s.route(mux, "POST /api/v1/vault/withdraw", "withdraw", write, s.handleWithdraw)
	s.route(mux, "POST /api/v1/vault/redeem", "redeem", write, s.handleRedeem)
	s.route(mux, "POST /api/v1/vault/transfer", "transfer", write, s.handleTransfer)
	s.route(mux, "POST /api/v1/vault/transfer-from", "transfer_from", write, s.handleTransferFrom)
	s.route(mux, "POST /api/v1/vault/approve", "approve", write, s.handleApprove)
	s.route(mux, "POST /api/v1/vault/harvest", "execute_harvest", []string{auth.PermissionHarvest}, s.handleExecuteHarvest)

	s.route(mux, "POST /api/v1/admin/pause", "pause", admin, s.handlePause)
	s.route(mux, "POST /api/v1/admin/unpause", "unpause", admin, s.handleUnpause)
	s.route(mux, "POST /api/v1/admin/ai-agent", "update_ai_agent", admin, s.handleUpdateAIAgent)
	s.route(mux, "POST /api/v1/admin/custodian", "update_custodian", admin, s.handleUpdateCustodian)

	if s.harvest != nil {
		s.route(mux, "POST /api/v1/harvest", "harvest_submit", []string{auth.PermissionHarvest}, s.handleSubmitHarvest)
		s.route(mux, "GET /api/v1/harvest/jobs", "harvest_list", read, s.handleListHarvestJobs)
		s.route(mux, "GET /api/v1/harvest/jobs/{id}", "harvest_detail", read, s.handleHarvestJob)
		s.route(mux, "GET /api/v1/harvest/stats", "harvest_stats", read, s.handleHarvestStats)
	}
	return mux
}

// route 依次套上指标、认证与限流。
func (s *Server) route(mux *http.ServeMux, pattern, name string, perms []string, handler http.HandlerFunc) {
	var h http.Handler = handler
	if s.limiter != nil {
		h = s.limiter.middleware(h)
	}
	h = s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": perms},
		AuditEvent:          name,
	})(h)
	if s.metrics != nil {
		h = s.metrics.Middleware(name, h)
	}
	mux.Handle(pattern, h)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  string(s.vault.State(r.Context())),
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
