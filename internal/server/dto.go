package server

import (
	"encoding/json"

	"github.com/zhubonan/phonoflow/internal/domain"
)

// Request payloads

type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type RunResponse struct {
	ID               string  `json:"id"`
	Status           string  `json:"status" enum:"init,iterating,converged,max_iter_reached,completed,failed,cancelled"`
	StopReason       *string `json:"stop_reason,omitempty"`
	CurrentIteration int     `json:"current_iteration"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type IterationResponse struct {
	RunID       string   `json:"run_id"`
	Index       int      `json:"index"`
	Status      string   `json:"status" enum:"sampling,dispatched,complete,failed"`
	Distance    *float64 `json:"distance,omitempty"`
	StartedAt   string   `json:"started_at" format:"date-time"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
}

type SubJobResponse struct {
	SampleIndex   int     `json:"sample_index"`
	Label         string  `json:"label"`
	EngineJobID   string  `json:"engine_job_id"`
	Status        string  `json:"status" enum:"pending,running,finished,failed"`
	FailureReason *string `json:"failure_reason,omitempty"`
	DispatchedAt  string  `json:"dispatched_at" format:"date-time"`
	FinishedAt    *string `json:"finished_at,omitempty" format:"date-time"`
}

type IterationDetailResponse struct {
	Iteration IterationResponse `json:"iteration"`
	SubJobs   []SubJobResponse  `json:"sub_jobs"`
	Model     *ModelResponse    `json:"model,omitempty"`
}

type ModelResponse struct {
	RunID       string    `json:"run_id"`
	Iteration   int       `json:"iteration"`
	Constants   []float64 `json:"constants"`
	SampleCount int       `json:"sample_count"`
	Residual    float64   `json:"residual"`
	CreatedAt   string    `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

func runResponse(run domain.Run) RunResponse {
	return RunResponse{
		ID:               run.ID,
		Status:           run.Status,
		StopReason:       run.StopReason,
		CurrentIteration: run.CurrentIteration,
		CreatedAt:        run.CreatedAt,
		UpdatedAt:        run.UpdatedAt,
	}
}

func mapRuns(runs []domain.Run) []RunResponse {
	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, runResponse(r))
	}
	return out
}

func iterationResponse(it domain.IterationRecord) IterationResponse {
	return IterationResponse{
		RunID:       it.RunID,
		Index:       it.Index,
		Status:      it.Status,
		Distance:    it.Distance,
		StartedAt:   it.StartedAt,
		CompletedAt: it.CompletedAt,
	}
}

func mapIterations(items []domain.IterationRecord) []IterationResponse {
	out := make([]IterationResponse, 0, len(items))
	for _, it := range items {
		out = append(out, iterationResponse(it))
	}
	return out
}

func subJobResponse(h domain.SubJobHandle, label string) SubJobResponse {
	return SubJobResponse{
		SampleIndex:   h.SampleIndex,
		Label:         label,
		EngineJobID:   h.EngineJobID,
		Status:        h.Status,
		FailureReason: h.FailureReason,
		DispatchedAt:  h.DispatchedAt,
		FinishedAt:    h.FinishedAt,
	}
}

func modelResponse(m domain.ForceConstantModel) ModelResponse {
	return ModelResponse{
		RunID:       m.RunID,
		Iteration:   m.Iteration,
		Constants:   m.Constants,
		SampleCount: m.SampleCount,
		Residual:    m.Residual,
		CreatedAt:   m.CreatedAt,
	}
}

func eventResponse(ev domain.Event) EventResponse {
	var payload map[string]any
	if ev.Payload != "" {
		_ = json.Unmarshal([]byte(ev.Payload), &payload)
	}
	return EventResponse{
		ID:         ev.ID,
		TS:         ev.TS,
		Type:       ev.Type,
		EntityKind: ev.EntityKind,
		EntityID:   ev.EntityID,
		ActorID:    ev.ActorID,
		Payload:    payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, ev := range items {
		out = append(out, eventResponse(ev))
	}
	return out
}
