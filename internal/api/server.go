package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"Lifeline-Treasury/internal/auth"
	xerrors "Lifeline-Treasury/internal/errors"
	"Lifeline-Treasury/internal/lifesupport"
	"Lifeline-Treasury/internal/observability/metrics"
	"Lifeline-Treasury/internal/sink"
	"Lifeline-Treasury/pkg/logger"
)

// Runner 是 API 驱动的控制器能力。
type Runner interface {
	Check(ctx context.Context) lifesupport.CheckResult
	Swap(ctx context.Context, req lifesupport.SwapRequest) lifesupport.CheckResult
}

// statusKeys 是 /api/v1/status 返回的结果键。
var statusKeys = []string{
	sink.KeyLifeSupportResult,
	sink.KeyLifeSupportError,
	sink.KeyNativeSwapResult,
	sink.KeyNativeSwapError,
}

// Server 负责暴露 REST 接口，供运维方按需触发检查并查询结果。
type Server struct {
	addr    string
	runner  Runner
	status  sink.Reader
	metrics *metrics.Collector
	auth    *auth.Service
	base    context.Context
	log     *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMetrics 指定记录 HTTP 指标并暴露 /metrics 的采集器。
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Server) {
		if collector != nil {
			s.metrics = collector
		}
	}
}

// WithAuth 为控制接口启用令牌认证。检查与兑换需要执行权限，状态查询需要读取权限。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithBaseContext 指定控制操作的根上下文。根上下文取消时进行中的检查随之取消，
// 客户端断开连接则不会中断检查。
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		if ctx != nil {
			s.base = ctx
		}
	}
}

// NewServer 构造 API 服务实例。status 为空时状态接口返回 503。
func NewServer(addr string, runner Runner, status sink.Reader, opts ...Option) *Server {
	s := &Server{addr: addr, runner: runner, status: status, metrics: metrics.Default(), base: context.Background(), log: logger.Named("api")}
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
	execute := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermissionExecute}},
		AuditEvent:          "life_support_control",
	})
	read := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {auth.PermissionRead}},
		AuditEvent:          "life_support_status",
	})
	mux.Handle("/api/v1/life-support/check", s.instrument("check", execute(http.HandlerFunc(s.handleCheck))))
	mux.Handle("/api/v1/swaps", s.instrument("swap", execute(http.HandlerFunc(s.handleSwap))))
	mux.Handle("/api/v1/status", s.instrument("status", read(http.HandlerFunc(s.handleStatus))))
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	s.base = ctx
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("address", s.addr))

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

// handleCheck 执行一次生命维持检查。
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.runner == nil {
		http.Error(w, "控制器未初始化", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := s.operationContext(r)
	defer cancel()
	result := s.runner.Check(ctx)
	writeJSON(w, statusFor(result), result)
}

// handleSwap 执行一次同账本兑换。
func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.runner == nil {
		http.Error(w, "控制器未初始化", http.StatusServiceUnavailable)
		return
	}
	var req lifesupport.SwapRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	ctx, cancel := s.operationContext(r)
	defer cancel()
	result := s.runner.Swap(ctx, req)
	writeJSON(w, statusFor(result), result)
}

// operationContext 返回不随客户端断开而取消的上下文，只在服务根上下文取消时中止。
func (s *Server) operationContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	if s.base.Err() != nil {
		cancel()
	}
	stop := context.AfterFunc(s.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// handleStatus 返回每个结果键最后一次写入的记录。
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.status == nil {
		http.Error(w, "结果存储不可读", http.StatusServiceUnavailable)
		return
	}
	out := make(map[string]sink.Record, len(statusKeys))
	for _, key := range statusKeys {
		rec, ok, err := s.status.Get(r.Context(), key)
		if err != nil {
			s.log.Warn("读取结果记录失败", slog.String("key", key), slog.Any("error", err))
			http.Error(w, "读取结果失败", http.StatusInternalServerError)
			return
		}
		if ok {
			out[key] = rec
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor 把检查结果映射为 HTTP 状态码。业务失败仍返回 200，结果体描述原因。
func statusFor(result lifesupport.CheckResult) int {
	switch {
	case result.Status == lifesupport.StatusAlreadyInProgress:
		return http.StatusConflict
	case result.ErrorCode == string(xerrors.CodeInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录每个接口的请求数、错误数与耗时。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
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
