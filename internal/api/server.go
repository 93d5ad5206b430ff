package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "vector-llm/internal/errors"
	"vector-llm/internal/observability/metrics"
	"vector-llm/internal/task"
	"vector-llm/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部提交与查询任务。
type Server struct {
	addr    string
	service *task.Service
	batch   *task.Coordinator
	log     *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *task.Service, batch *task.Coordinator) *Server {
	return &Server{
		addr:    addr,
		service: service,
		batch:   batch,
		log:     logger.Named("api"),
	}
}

// Handler 返回完整路由，测试时可直接挂到 httptest.Server 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/llm/tasks", s.instrument("tasks", s.handleTasks))
	mux.HandleFunc("/llm/tasks/", s.instrument("task_detail", s.handleTaskDetail))
	mux.HandleFunc("/llm/tasks/batch", s.instrument("batch", s.handleBatch))
	mux.HandleFunc("/llm/stats", s.instrument("stats", s.handleStats))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("HTTP 服务启动", "addr", s.addr)
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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type createTaskRequest struct {
	RunID        string          `json:"run_id"`
	PhaseID      string          `json:"phase_id"`
	Prompt       string          `json:"prompt"`
	Provider     string          `json:"provider"`
	DebugContext json.RawMessage `json:"debug_context"`
}

type taskResponse struct {
	TaskID string       `json:"taskId"`
	Status task.Status  `json:"status"`
	Result *task.Result `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// handleCreateTask 接收任务并立即返回句柄，不等待执行。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// debug_context 只记日志，从不落盘。
	if len(req.DebugContext) > 0 {
		s.log.Info("任务附带调试上下文",
			"run_id", req.RunID, "phase_id", req.PhaseID,
			"debug_context", string(req.DebugContext))
	}

	created, err := s.service.Submit(r.Context(), task.SubmitRequest{
		RunID:    req.RunID,
		PhaseID:  req.PhaseID,
		Prompt:   req.Prompt,
		Provider: req.Provider,
	})
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeValidation {
			writeError(w, http.StatusBadRequest, errorMessage(err))
			return
		}
		writeError(w, http.StatusInternalServerError, errorMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{TaskID: created.ID, Status: created.Status})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := task.ListOptions{}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts.Limit = parsed
		}
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, status := range strings.Split(raw, ",") {
			opts.Statuses = append(opts.Statuses, task.Status(strings.ToUpper(strings.TrimSpace(status))))
		}
	}

	tasks, err := s.service.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errorMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleTaskDetail 查询单个任务状态。未知 ID 按 PENDING 返回：
// 轮询方无法区分「尚未写入」与「不存在」，对齐异步结果后端的语义。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/llm/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		writeError(w, http.StatusBadRequest, "task id is required")
		return
	}

	snap, err := s.service.Poll(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			writeJSON(w, http.StatusOK, taskResponse{TaskID: taskID, Status: task.StatusPending})
			return
		}
		writeError(w, http.StatusInternalServerError, errorMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{
		TaskID: snap.TaskID,
		Status: snap.Status,
		Result: snap.Result,
		Error:  snap.Error,
	})
}

// handleBatch 批量提交并等待结果，等待窗口由服务端配置决定。
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// JSON null 不是数组：缺失与 null 一律拒绝。
	itemsRaw, ok := raw["items"]
	if !ok || string(bytes.TrimSpace(itemsRaw)) == "null" {
		writeError(w, http.StatusBadRequest, "items must be an array")
		return
	}
	var items []task.BatchItem
	if err := json.Unmarshal(itemsRaw, &items); err != nil {
		writeError(w, http.StatusBadRequest, "items must be an array")
		return
	}

	result, err := s.batch.Run(r.Context(), items)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeValidation {
			writeError(w, http.StatusBadRequest, errorMessage(err))
			return
		}
		writeError(w, http.StatusInternalServerError, errorMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, errorMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// instrument 为处理函数记录请求指标。
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// errorMessage 剥掉统一错误类型的内部包装，只向外暴露可读信息。
func errorMessage(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
