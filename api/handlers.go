package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tailored-agentic-units/relay/orchestrate/correlate"
	"github.com/tailored-agentic-units/relay/orchestrate/dispatch"
	"github.com/tailored-agentic-units/relay/orchestrate/execution"
	"github.com/tailored-agentic-units/relay/orchestrate/hub"
	"github.com/tailored-agentic-units/relay/orchestrate/registry"
)

// maxRequestBodySize limits incoming request bodies (4MB).
const maxRequestBodySize = 4 * 1024 * 1024

// Deps are the components the handlers serve.
type Deps struct {
	Hub        hub.Hub
	Correlator *correlate.Correlator
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Propagator *execution.Propagator
}

// Handlers contains the HTTP handler methods for the API.
type Handlers struct {
	deps        Deps
	taskTimeout time.Duration
	propagation propagation.TextMapPropagator
	logger      *slog.Logger
}

// NewHandlers creates Handlers. taskTimeout applies to tasks that declare
// none.
func NewHandlers(deps Deps, taskTimeout time.Duration, logger *slog.Logger) *Handlers {
	if deps.Propagator == nil {
		deps.Propagator = execution.NewPropagator(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		deps:        deps,
		taskTimeout: taskTimeout,
		propagation: propagation.TraceContext{},
		logger:      logger,
	}
}

// HandleSubmitTask handles POST /v1/tasks. It dispatches the task and
// answers with the reply once it arrives.
func (h *Handlers) HandleSubmitTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		WriteError(w, fmt.Errorf("failed to read request body: %w", ErrInvalidInput))
		return
	}
	if len(body) > maxRequestBodySize {
		WriteError(w, fmt.Errorf("request body too large (max %d bytes): %w", maxRequestBodySize, ErrInvalidInput))
		return
	}

	var req TaskRequestDTO
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, fmt.Errorf("invalid JSON: %w", ErrInvalidInput))
		return
	}
	if req.TaskType == "" {
		WriteError(w, fmt.Errorf("task_type is required: %w", ErrInvalidInput))
		return
	}
	if req.TimeoutMS < 0 {
		WriteError(w, fmt.Errorf("timeout_ms must not be negative: %w", ErrInvalidInput))
		return
	}

	timeout := h.taskTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	opts := []execution.Option{execution.WithTimeout(timeout)}
	if req.MaxUSD != nil {
		opts = append(opts, execution.WithMaxUSD(*req.MaxUSD))
	}
	if req.MaxTokens != nil {
		opts = append(opts, execution.WithMaxTokens(*req.MaxTokens))
	}

	// An inbound traceparent makes the task part of the caller's trace.
	ctx := h.propagation.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	parent := h.deps.Propagator.FromSpanContext(trace.SpanContextFromContext(ctx), opts...)

	result, err := h.deps.Dispatcher.Dispatch(ctx, dispatch.Request{
		Recipient: req.Recipient,
		TaskType:  req.TaskType,
		TaskID:    req.TaskID,
		Input:     req.Input,
		Metadata:  req.Metadata,
		Parent:    parent,
	})
	if result != nil {
		h.propagation.Inject(result.Context.Attach(ctx), propagation.HeaderCarrier(w.Header()))
	}
	if err != nil {
		h.logger.WarnContext(
			ctx,
			"task failed",
			slog.String("task_type", req.TaskType),
			slog.String("trace_id", parent.TraceID),
			slog.String("error", err.Error()),
		)
		WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TaskResponseDTO{
		TaskID:        result.Response.TaskID,
		Status:        string(result.Response.Status),
		Result:        result.Response.Result,
		Recipient:     result.Recipient,
		CorrelationID: result.Request.CorrelationID,
		TraceID:       result.Context.TraceID,
		Budget:        result.Context.Budget(),
	})
}

// HandleListSupervisors handles GET /v1/registry/supervisors.
func (h *Handlers) HandleListSupervisors(w http.ResponseWriter, r *http.Request) {
	supervisors := h.deps.Registry.Supervisors()
	if supervisors == nil {
		supervisors = []registry.Supervisor{}
	}
	writeJSON(w, http.StatusOK, supervisors)
}

// HandleSupervisorOf handles GET /v1/registry/nodes/{name}/supervisor.
func (h *Handlers) HandleSupervisorOf(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := h.deps.Registry.Get(name); err != nil {
		WriteError(w, err)
		return
	}

	resp := SupervisorOfDTO{Name: name}
	if supervisor, ok := h.deps.Registry.SupervisorOf(name); ok {
		resp.Supervisor = &supervisor
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHierarchyPath handles GET /v1/registry/nodes/{name}/path.
func (h *Handlers) HandleHierarchyPath(w http.ResponseWriter, r *http.Request) {
	path, err := h.deps.Registry.HierarchyPath(r.PathValue("name"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, path)
}

// HandleMetrics handles GET /v1/metrics.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MetricsDTO{
		Hub:        h.deps.Hub.Metrics(),
		Correlator: h.deps.Correlator.Metrics(),
	})
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already out; nothing useful can be done on error.
	_ = json.NewEncoder(w).Encode(v)
}
