package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentFlow/internal/auth"
	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/observability/metrics"
	"AgentFlow/internal/pipeline"
	"AgentFlow/internal/task"
)

// Runner 抽象出 chat 接口依赖的流水线能力。
type Runner interface {
	Run(ctx context.Context, req pipeline.QueryRequest, opts pipeline.RunOptions) (*pipeline.QueryResult, error)
	ListHistory(ctx context.Context, limit int) ([]pipeline.QueryResult, error)
}

// Server 负责暴露 REST 接口，供外部驱动问答流水线。
type Server struct {
	addr     string
	runner   Runner
	tasks    *task.Service
	authsvc  *auth.Service
	toolList func() []string
}

// Option 配置 Server 的可选依赖。
type Option func(*Server)

// WithTaskService 启用异步任务接口。
func WithTaskService(svc *task.Service) Option {
	return func(s *Server) {
		s.tasks = svc
	}
}

// WithAuth 启用身份认证中间件。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.authsvc = svc
	}
}

// WithToolLister 暴露已注册工具列表，用于健康检查输出。
func WithToolLister(lister func() []string) Option {
	return func(s *Server) {
		s.toolList = lister
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runner Runner, opts ...Option) *Server {
	s := &Server{addr: addr, runner: runner}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
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

// Handler 组装全部路由与中间件。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/api/v1/chat", s.protect("chat", map[string][]string{
		http.MethodPost: {"chat:write"},
	}, http.HandlerFunc(s.handleChat)))
	mux.Handle("/api/v1/history", s.protect("history", map[string][]string{
		http.MethodGet: {"tasks:read"},
	}, http.HandlerFunc(s.handleHistory)))
	mux.Handle("/api/v1/tasks", s.protect("tasks", map[string][]string{
		http.MethodPost: {"chat:write"},
		http.MethodGet:  {"tasks:read"},
	}, http.HandlerFunc(s.handleTasks)))
	mux.Handle("/api/v1/tasks/stats", s.protect("task_stats", map[string][]string{
		http.MethodGet: {"tasks:read"},
	}, http.HandlerFunc(s.handleTaskStats)))
	mux.Handle("/api/v1/tasks/", s.protect("task_detail", map[string][]string{
		http.MethodGet: {"tasks:read"},
	}, http.HandlerFunc(s.handleTaskByID)))
	return mux
}

// protect 按路由包上指标采集与认证中间件。
func (s *Server) protect(name string, perms map[string][]string, next http.Handler) http.Handler {
	handler := next
	if s.authsvc != nil {
		handler = s.authsvc.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: perms,
			AuditEvent:          name,
		})(handler)
	}
	return instrument(name, handler)
}

// chatRequest 描述 /api/v1/chat 的请求体。
type chatRequest struct {
	Question  string         `json:"question"`
	Tools     []string       `json:"tools,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Stream    bool           `json:"stream,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.runner == nil {
		http.Error(w, "流水线未初始化", http.StatusServiceUnavailable)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	query := pipeline.QueryRequest{
		Question:  req.Question,
		Tools:     req.Tools,
		SessionID: req.SessionID,
		Metadata:  req.Metadata,
	}

	if req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamChat(w, r, query)
		return
	}

	result, err := s.runner.Run(r.Context(), query, pipeline.RunOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// streamChat 以 Server-Sent Events 推送各阶段输出。
// 回答阶段按增量块推送，其余阶段在完成时整体推送，
// 最后以 done 事件携带完整结果收尾。
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, query pipeline.QueryRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "当前连接不支持流式响应", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	streamedAnswer := false
	writeEvent := func(event, data string) error {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
		// 多行内容拆成多个 data 行，属于同一个事件。
		for _, line := range strings.Split(data, "\n") {
			if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprint(w, "\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	result, err := s.runner.Run(r.Context(), query, pipeline.RunOptions{
		Sink: func(stage pipeline.Stage, content string) error {
			if stage == pipeline.StageAnswer && streamedAnswer {
				return nil
			}
			return writeEvent(string(stage), content)
		},
		AnswerStream: func(chunk string) error {
			streamedAnswer = true
			return writeEvent("answer", chunk)
		},
	})
	if err != nil {
		_ = writeEvent("error", err.Error())
		return
	}
	payload, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		_ = writeEvent("error", marshalErr.Error())
		return
	}
	_ = writeEvent("done", string(payload))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.runner == nil {
		http.Error(w, "流水线未初始化", http.StatusServiceUnavailable)
		return
	}
	limit := parsePositiveInt(r.URL.Query().Get("limit"), 20)
	results, err := s.runner.ListHistory(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未启用", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// taskSubmission 描述异步任务的请求体。
type taskSubmission struct {
	ID        string         `json:"id,omitempty"`
	Question  string         `json:"question"`
	Tools     []string       `json:"tools,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	// Wait 为真时同步等待任务完成后再返回。
	Wait           bool  `json:"wait,omitempty"`
	TimeoutSeconds int64 `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req taskSubmission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	submitted, err := s.tasks.Submit(r.Context(), pipeline.QueryRequest{
		ID:        req.ID,
		Question:  req.Question,
		Tools:     req.Tools,
		SessionID: req.SessionID,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Wait {
		timeout := 60 * time.Second
		if req.TimeoutSeconds > 0 {
			timeout = time.Duration(req.TimeoutSeconds) * time.Second
		}
		waitCtx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		done, waitErr := s.tasks.WaitUntilCompleted(waitCtx, submitted.ID, 0)
		if waitErr != nil {
			if errors.Is(waitErr, context.DeadlineExceeded) {
				// 超时时返回提交态，客户端可继续轮询。
				writeJSON(w, http.StatusAccepted, submitted)
				return
			}
			writeError(w, waitErr)
			return
		}
		writeJSON(w, http.StatusOK, done)
		return
	}
	writeJSON(w, http.StatusAccepted, submitted)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := []task.ListOption{
		task.WithLimit(parsePositiveInt(query.Get("limit"), 20)),
		task.WithOffset(parsePositiveInt(query.Get("offset"), 0)),
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]task.Status, 0, 4)
		for _, value := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(value)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if session := query.Get("session_id"); session != "" {
		opts = append(opts, task.WithSession(session))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	if raw := query.Get("has_result"); raw != "" {
		opts = append(opts, task.WithResultPresence(raw == "true" || raw == "1"))
	}

	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		http.Error(w, "任务服务未启用", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.tasks == nil {
		http.Error(w, "任务服务未启用", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "非法的任务 ID", http.StatusBadRequest)
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}
	if s.toolList != nil {
		payload["tools"] = s.toolList()
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 将统一错误码映射为 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		status = http.StatusConflict
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

// instrument 采集每个路由的请求量与时延指标。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

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
