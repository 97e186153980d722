package api

import (
	"github.com/tailored-agentic-units/relay/orchestrate/correlate"
	"github.com/tailored-agentic-units/relay/orchestrate/execution"
	"github.com/tailored-agentic-units/relay/orchestrate/hub"
)

// TaskRequestDTO is the body of POST /v1/tasks.
type TaskRequestDTO struct {
	Recipient string            `json:"recipient,omitempty"`
	TaskType  string            `json:"task_type"`
	TaskID    string            `json:"task_id,omitempty"`
	Input     any               `json:"input,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
	MaxUSD    *float64          `json:"max_usd,omitempty"`
	MaxTokens *int64            `json:"max_tokens,omitempty"`
}

// TaskResponseDTO reports a completed task.
type TaskResponseDTO struct {
	TaskID        string           `json:"task_id"`
	Status        string           `json:"status"`
	Result        any              `json:"result,omitempty"`
	Recipient     string           `json:"recipient"`
	CorrelationID string           `json:"correlation_id"`
	TraceID       string           `json:"trace_id"`
	Budget        execution.Budget `json:"budget"`
}

// SupervisorOfDTO answers a supervisor lookup. Supervisor is null for
// roots.
type SupervisorOfDTO struct {
	Name       string  `json:"name"`
	Supervisor *string `json:"supervisor"`
}

type MetricsDTO struct {
	Hub        hub.MetricsSnapshot       `json:"hub"`
	Correlator correlate.MetricsSnapshot `json:"correlator"`
}

// ErrorDTO is the body of every error response.
type ErrorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
