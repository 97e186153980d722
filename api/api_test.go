package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tailored-agentic-units/relay/api"
	"github.com/tailored-agentic-units/relay/orchestrate/config"
	"github.com/tailored-agentic-units/relay/orchestrate/correlate"
	"github.com/tailored-agentic-units/relay/orchestrate/dispatch"
	"github.com/tailored-agentic-units/relay/orchestrate/hub"
	"github.com/tailored-agentic-units/relay/orchestrate/messaging"
	"github.com/tailored-agentic-units/relay/orchestrate/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newTestHandler serves orchestrator -> writing -> {writer, editor} with
// writing and editor bound.
func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	cfg := config.DefaultHubConfig()
	cfg.Name = "api-test"
	h := hub.New(context.Background(), cfg)
	t.Cleanup(func() {
		assert.NoError(t, h.Shutdown(5*time.Second))
	})

	reg := registry.New()
	require.NoError(t, reg.Load(config.TopologyConfig{
		Supervisors: []config.SupervisorConfig{
			{Name: "orchestrator", Subordinates: []string{"writing"}},
			{Name: "writing", Subordinates: []string{"writer", "editor"}, Responsibilities: []string{"summarize", "stall"}},
		},
	}))

	c := correlate.New(h, config.DefaultCorrelatorConfig())
	d := dispatch.NewDispatcher("api", c, reg)

	workers := map[string]dispatch.TaskFunc{
		"writing": func(ctx context.Context, call *dispatch.Call) (any, error) {
			if call.Task.TaskType == "stall" {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			if err := call.Spend("small-model", 0.02, 50); err != nil {
				return nil, err
			}
			return fmt.Sprintf("summary of %v", call.Task.Input), nil
		},
		"editor": func(ctx context.Context, call *dispatch.Call) (any, error) {
			return nil, &messaging.ErrorPayload{Message: "nothing to edit", Code: messaging.CodeValidation}
		},
	}
	for name, task := range workers {
		w := dispatch.NewWorker(name, h, task, dispatch.WithRegistry(reg), dispatch.WithDispatcher(d))
		require.NoError(t, w.Start(context.Background()))
		t.Cleanup(func() {
			assert.NoError(t, w.Stop())
		})
	}

	return api.Routes(api.NewHandlers(api.Deps{
		Hub:        h,
		Correlator: c,
		Registry:   reg,
		Dispatcher: d,
	}, 2*time.Second, nil))
}

func do(t *testing.T, handler http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestSubmitTask(t *testing.T) {
	handler := newTestHandler(t)

	rec := do(t, handler, http.MethodPost, "/v1/tasks",
		`{"task_type":"summarize","task_id":"t1","input":"the report","max_usd":1}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decode[api.TaskResponseDTO](t, rec)
	assert.Equal(t, "t1", resp.TaskID)
	assert.Equal(t, "COMPLETED", resp.Status)
	assert.Equal(t, "summary of the report", resp.Result)
	assert.Equal(t, "writing", resp.Recipient)
	assert.NotEmpty(t, resp.CorrelationID)
	assert.Len(t, resp.TraceID, 32)
	assert.InDelta(t, 0.02, resp.Budget.UsedUSD, 1e-9)
	assert.Equal(t, int64(50), resp.Budget.UsedTokens)
}

func TestSubmitTask_ContinuesInboundTrace(t *testing.T) {
	handler := newTestHandler(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	header := http.Header{}
	header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	rec := do(t, handler, http.MethodPost, "/v1/tasks", `{"task_type":"summarize","input":"x"}`, header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[api.TaskResponseDTO](t, rec)
	assert.Equal(t, traceID, resp.TraceID)
	assert.Contains(t, rec.Header().Get("traceparent"), traceID)
}

func TestSubmitTask_Errors(t *testing.T) {
	handler := newTestHandler(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "malformed json", body: `{"task_type":`, wantStatus: http.StatusBadRequest, wantCode: "validation"},
		{name: "missing task type", body: `{"input":"x"}`, wantStatus: http.StatusBadRequest, wantCode: "validation"},
		{name: "negative timeout", body: `{"task_type":"summarize","timeout_ms":-1}`, wantStatus: http.StatusBadRequest, wantCode: "validation"},
		{name: "no route", body: `{"task_type":"translate"}`, wantStatus: http.StatusNotFound, wantCode: "not_routable"},
		{name: "unbound recipient", body: `{"recipient":"writer","task_type":"write"}`, wantStatus: http.StatusBadGateway, wantCode: "delivery_failed"},
		{name: "remote error", body: `{"recipient":"editor","task_type":"edit"}`, wantStatus: http.StatusBadRequest, wantCode: "validation"},
		{name: "timeout", body: `{"task_type":"stall","timeout_ms":50}`, wantStatus: http.StatusGatewayTimeout, wantCode: "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, handler, http.MethodPost, "/v1/tasks", tt.body, nil)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			body := decode[api.ErrorDTO](t, rec)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestSubmitTask_BodyTooLarge(t *testing.T) {
	handler := newTestHandler(t)

	body := `{"task_type":"summarize","input":"` + strings.Repeat("a", 4*1024*1024) + `"}`
	rec := do(t, handler, http.MethodPost, "/v1/tasks", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegistryEndpoints(t *testing.T) {
	handler := newTestHandler(t)

	t.Run("supervisors", func(t *testing.T) {
		rec := do(t, handler, http.MethodGet, "/v1/registry/supervisors", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		sups := decode[[]registry.Supervisor](t, rec)
		require.Len(t, sups, 2)
		assert.Equal(t, "orchestrator", sups[0].Name)
		assert.Equal(t, "writing", sups[1].Name)
		assert.True(t, sups[1].Bound)
	})

	t.Run("supervisor of leaf", func(t *testing.T) {
		rec := do(t, handler, http.MethodGet, "/v1/registry/nodes/writer/supervisor", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		got := decode[api.SupervisorOfDTO](t, rec)
		require.NotNil(t, got.Supervisor)
		assert.Equal(t, "writing", *got.Supervisor)
	})

	t.Run("supervisor of root", func(t *testing.T) {
		rec := do(t, handler, http.MethodGet, "/v1/registry/nodes/orchestrator/supervisor", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"name":"orchestrator","supervisor":null}`, rec.Body.String())
	})

	t.Run("unknown node", func(t *testing.T) {
		rec := do(t, handler, http.MethodGet, "/v1/registry/nodes/ghost/path", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "not_found", decode[api.ErrorDTO](t, rec).Code)
	})

	t.Run("hierarchy path", func(t *testing.T) {
		rec := do(t, handler, http.MethodGet, "/v1/registry/nodes/writer/path", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		path := decode[[]registry.PathEntry](t, rec)
		names := make([]string, len(path))
		for i, entry := range path {
			names[i] = entry.Name
		}
		assert.Equal(t, []string{"writer", "writing", "orchestrator"}, names)
	})
}

func TestMetricsAndHealth(t *testing.T) {
	handler := newTestHandler(t)

	rec := do(t, handler, http.MethodPost, "/v1/tasks", `{"task_type":"summarize","input":"x"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, handler, http.MethodGet, "/v1/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := decode[api.MetricsDTO](t, rec)
	assert.Positive(t, metrics.Hub.Published)
	assert.Equal(t, int64(1), metrics.Correlator.Resolved)
	assert.Equal(t, 0, metrics.Correlator.Pending)

	rec = do(t, handler, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, handler, http.MethodGet, "/v1/tasks", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   messaging.ErrorCode
	}{
		{name: "invalid input", err: api.ErrInvalidInput, wantStatus: 400, wantCode: messaging.CodeValidation},
		{name: "envelope validation", err: &messaging.ValidationError{Field: "sender", Reason: "empty"}, wantStatus: 400, wantCode: messaging.CodeValidation},
		{name: "no route", err: fmt.Errorf("wrap: %w", dispatch.ErrNoRoute), wantStatus: 404, wantCode: messaging.CodeNotRoutable},
		{name: "not found", err: registry.ErrNotFound, wantStatus: 404, wantCode: messaging.CodeNotFound},
		{name: "cycle", err: &registry.CycleError{Name: "a", Supervisor: "b"}, wantStatus: 409, wantCode: messaging.CodeRegistryCycle},
		{name: "correlator timeout", err: &correlate.TimeoutError{CorrelationID: "c", After: time.Second}, wantStatus: 504, wantCode: messaging.CodeTimeout},
		{name: "not bound", err: dispatch.ErrNotBound, wantStatus: 502, wantCode: messaging.CodeDeliveryFailed},
		{name: "remote budget", err: &dispatch.RemoteError{Code: messaging.CodeBudgetExceeded}, wantStatus: 503, wantCode: messaging.CodeBudgetExceeded},
		{name: "remote task failure", err: &dispatch.RemoteError{Code: messaging.CodeTaskFailed}, wantStatus: 500, wantCode: messaging.CodeTaskFailed},
		{name: "cancelled", err: context.Canceled, wantStatus: 499, wantCode: messaging.CodeCancelled},
		{name: "unknown", err: errors.New("boom"), wantStatus: 500, wantCode: messaging.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := api.MapError(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.wantStatus, got.StatusCode)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.ErrorIs(t, got, tt.err)
		})
	}

	assert.Nil(t, api.MapError(nil))
}
