package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Neural-Reflexion/internal/agent"
	"Neural-Reflexion/internal/auth"
	"Neural-Reflexion/internal/config"
	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/internal/export"
	"Neural-Reflexion/internal/observability/metrics"
	"Neural-Reflexion/internal/task"
	"Neural-Reflexion/pkg/logger"
)

const maxRequestBody = 1 << 20

// Server 负责暴露 REST 接口，供外部提交、查询与导出反思运行。
type Server struct {
	addr            string
	service         *task.Service
	cfg             *config.Config
	metrics         *metrics.Metrics
	auth            *auth.Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// Option 定义可选的服务配置。
type Option func(*Server)

// WithConfig 提供 /api/v1/status 所需的配置信息。
func WithConfig(cfg *config.Config) Option {
	return func(s *Server) {
		s.cfg = cfg
		if cfg != nil {
			s.shutdownTimeout = cfg.Server.ShutdownTimeout()
		}
	}
}

// WithMetrics 启用请求指标与 /metrics 端点。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAuth 要求请求携带 Bearer Token，/healthz 与 /metrics 除外。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *task.Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		service:         svc,
		logger:          logger.Named("api"),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/sources", s.handleSources)
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/tasks/", s.handleTaskSubroutes)
	return s.instrument(s.auth.Middleware(auth.DefaultMiddlewareConfig())(mux))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
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
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse 描述服务当前使用的 provider 与凭据就绪情况。
type StatusResponse struct {
	LLMProvider    string              `json:"llm_provider"`
	SearchProvider string              `json:"search_provider"`
	TaskStore      string              `json:"task_store"`
	TaskQueue      string              `json:"task_queue"`
	Credentials    []config.Credential `json:"credentials"`
	AuthEnabled    bool                `json:"auth_enabled"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	if s.cfg == nil {
		writeError(w, http.StatusServiceUnavailable, "配置未加载")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		LLMProvider:    s.cfg.LLM.Provider,
		SearchProvider: s.cfg.Search.Provider,
		TaskStore:      s.cfg.Storage.TaskStore.Driver,
		TaskQueue:      s.cfg.TaskQueue.Driver,
		Credentials:    s.cfg.Credentials(),
		AuthEnabled:    s.auth.Enabled(),
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "任务服务未初始化")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit 参数无效")
			return
		}
		limit = parsed
	}
	sources, err := s.service.Sources(r.Context(), limit)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "任务服务未初始化")
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET/POST")
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req task.Request
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}

	submitted, err := s.service.Submit(r.Context(), req)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitted)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := s.service.List(r.Context(), opts...)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleTaskSubroutes 处理 /api/v1/tasks/ 之下的路径。
func (s *Server) handleTaskSubroutes(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, http.StatusServiceUnavailable, "任务服务未初始化")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case rest == "":
		writeError(w, http.StatusNotFound, "缺少任务 ID")
	case len(parts) == 1 && parts[0] == "stats":
		s.handleTaskStats(w, r)
	case len(parts) == 1 && parts[0] == "compare":
		s.handleCompare(w, r)
	case len(parts) == 1:
		s.handleTaskDetail(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "cancel":
		s.handleCancel(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "export":
		s.handleExport(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, "未知的路径")
	}
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	t, err := s.service.Get(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := s.service.Stats(r.Context(), opts...)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 POST")
		return
	}
	t, err := s.service.Cancel(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	status := http.StatusOK
	if t.Status == task.StatusRunning {
		// 运行中的任务在下一个步骤边界停止。
		status = http.StatusAccepted
	}
	writeJSON(w, status, t)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := s.service.Get(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	if t.Run == nil {
		writeError(w, http.StatusConflict, "运行尚未产生结果")
		return
	}
	body, err := export.Render(t.Run, format)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	if r.URL.Query().Get("download") != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+t.ID+format.Extension()+`"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "仅支持 GET")
		return
	}
	query := r.URL.Query()
	leftID, rightID := strings.TrimSpace(query.Get("left")), strings.TrimSpace(query.Get("right"))
	if leftID == "" || rightID == "" {
		writeError(w, http.StatusBadRequest, "需要同时提供 left 与 right")
		return
	}
	left, err := s.runOf(r.Context(), leftID)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	right, err := s.runOf(r.Context(), rightID)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export.Compare(left, right))
}

func (s *Server) runOf(ctx context.Context, id string) (*agent.RunState, error) {
	t, err := s.service.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Run == nil {
		return nil, xerrors.New(task.CodeTaskConflict, "运行尚未产生结果", xerrors.WithMetadata("task_id", id))
	}
	return t.Run, nil
}

func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, errors.New("limit 参数无效")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, errors.New("offset 参数无效")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, item := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(item))
			if !task.IsValidStatus(status) {
				return nil, errors.New("status 参数无效: " + item)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("stop_reason"); raw != "" {
		var reasons []agent.StopReason
		for _, item := range strings.Split(raw, ",") {
			reasons = append(reasons, agent.StopReason(strings.TrimSpace(item)))
		}
		opts = append(opts, task.WithStopReasons(reasons...))
	}
	if raw := query.Get("has_answer"); raw != "" {
		hasAnswer, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("has_answer 参数无效")
		}
		opts = append(opts, task.WithAnswerPresence(hasAnswer))
	}
	if raw := query.Get("min_score"); raw != "" {
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, errors.New("min_score 参数无效")
		}
		opts = append(opts, task.WithMinScore(score))
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return nil, errors.New("since 参数无效")
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if raw := query.Get("until"); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return nil, errors.New("until 参数无效")
		}
		opts = append(opts, task.WithUpdatedUntil(ts))
	}
	switch strings.ToLower(query.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, errors.New("order 仅支持 asc/desc")
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	return opts, nil
}

// parseTime 接受 RFC3339 或 Unix 秒。
func parseTime(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case task.CodeTaskNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case task.CodeTaskValidation, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case task.CodeTaskConflict, task.CodeTaskCompleted, xerrors.CodeConflict:
		status = http.StatusConflict
	case xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("请求处理失败", slog.Any("error", err), slog.String("code", string(code)))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(code)})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录每个请求的状态码与耗时，路径按路由模板归并。
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveHTTPRequest(routeLabel(r.URL.Path), r.Method, rec.status, time.Since(start))
	})
}

func routeLabel(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/v1/tasks/")
	if !ok {
		return path
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && (parts[0] == "stats" || parts[0] == "compare"):
		return "/api/v1/tasks/" + parts[0]
	case len(parts) == 1:
		return "/api/v1/tasks/{id}"
	case len(parts) == 2:
		return "/api/v1/tasks/{id}/" + parts[1]
	default:
		return "/api/v1/tasks/other"
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
