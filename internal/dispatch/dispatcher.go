// Package dispatch submits force sub-jobs to the compute engine and tracks
// their handles. Dispatch is idempotent per sample: re-dispatching after a
// restart reuses the persisted engine-side job instead of paying for a new
// one. AwaitAll is the workflow's only suspension point.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zhubonan/phonoflow/internal/compute"
	"github.com/zhubonan/phonoflow/internal/domain"
	"github.com/zhubonan/phonoflow/internal/events"
	"github.com/zhubonan/phonoflow/internal/metrics"
	"github.com/zhubonan/phonoflow/internal/physics"
	"github.com/zhubonan/phonoflow/internal/repo"
)

const defaultPollInterval = 500 * time.Millisecond

// Outcome pairs a sample with its terminal result. Forces is nil iff
// Failure is set.
type Outcome struct {
	Sample  domain.StructureSample
	Handle  domain.SubJobHandle
	Forces  []float64
	Failure string
}

func (o Outcome) Success() bool { return o.Failure == "" }

type Dispatcher struct {
	Repo         repo.Repo
	Events       events.Writer
	Engine       compute.Engine
	Parser       physics.OutputParser
	ActorID      string
	PollInterval time.Duration
	Now          func() time.Time
	Log          *slog.Logger
}

func (d Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Dispatcher) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

func (d Dispatcher) pollInterval() time.Duration {
	if d.PollInterval > 0 {
		return d.PollInterval
	}
	return defaultPollInterval
}

// Dispatch submits one sub-job per sample, in sample order, and returns the
// handles. A sample that already has a persisted handle is not resubmitted;
// the existing engine job is reused.
func (d Dispatcher) Dispatch(ctx context.Context, numAtoms int, samples []domain.StructureSample) ([]domain.SubJobHandle, error) {
	handles := make([]domain.SubJobHandle, 0, len(samples))
	for _, s := range samples {
		existing, err := d.Repo.GetSubJob(ctx, s.RunID, s.Iteration, s.Index)
		if err == nil {
			handles = append(handles, existing)
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		jobID, err := d.Engine.Submit(ctx, compute.JobSpec{
			RunID:         s.RunID,
			Label:         s.Label,
			NumAtoms:      numAtoms,
			Displacements: s.Displacements,
		})
		if err != nil {
			// Submission errors (engine unavailable) are surfaced as-is;
			// dispatch can be retried safely because already-submitted
			// samples keep their handles.
			return nil, fmt.Errorf("submit %s: %w", s.Label, err)
		}
		h := domain.SubJobHandle{
			RunID:        s.RunID,
			Iteration:    s.Iteration,
			SampleIndex:  s.Index,
			EngineJobID:  jobID,
			Status:       domain.SubJobPending,
			DispatchedAt: d.now().UTC().Format(time.RFC3339),
		}
		if err := d.persistDispatch(ctx, s, h); err != nil {
			return nil, err
		}
		metrics.SubJobsDispatched.Inc()
		d.log().Info("dispatched sub-job", "run", s.RunID, "label", s.Label, "job", jobID)
		handles = append(handles, h)
	}
	return handles, nil
}

func (d Dispatcher) persistDispatch(ctx context.Context, s domain.StructureSample, h domain.SubJobHandle) error {
	tx, err := d.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.InsertSubJobTx(ctx, tx, h); err != nil {
		return fmt.Errorf("persist handle %s: %w", s.Label, err)
	}
	if err := d.Events.Append(ctx, tx, "subjob.dispatched", s.RunID, "subjob", h.EngineJobID, d.ActorID, events.EventPayload{
		"iteration": s.Iteration,
		"label":     s.Label,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Poll refreshes handle statuses from the engine without blocking. Status
// changes are persisted; newly terminal handles get a terminal event.
func (d Dispatcher) Poll(ctx context.Context, handles []domain.SubJobHandle) ([]domain.SubJobHandle, error) {
	out := make([]domain.SubJobHandle, len(handles))
	for i, h := range handles {
		if h.Terminal() {
			out[i] = h
			continue
		}
		st, err := d.Engine.Status(ctx, h.EngineJobID)
		if err != nil {
			return nil, fmt.Errorf("poll %s: %w", h.EngineJobID, err)
		}
		updated := h
		updated.Status = string(st.State)
		if st.State == compute.JobFailed {
			reason := st.Reason
			updated.FailureReason = &reason
		}
		if st.State.Terminal() {
			ts := d.now().UTC().Format(time.RFC3339)
			updated.FinishedAt = &ts
		}
		if updated.Status != h.Status {
			if err := d.persistStatus(ctx, updated); err != nil {
				return nil, err
			}
		}
		out[i] = updated
	}
	return out, nil
}

func (d Dispatcher) persistStatus(ctx context.Context, h domain.SubJobHandle) error {
	tx, err := d.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.UpdateSubJobTx(ctx, tx, h); err != nil {
		return err
	}
	if h.Terminal() {
		evt := "subjob.completed"
		payload := events.EventPayload{"iteration": h.Iteration, "sample": h.SampleIndex}
		if h.Status == domain.SubJobFailed {
			evt = "subjob.failed"
			if h.FailureReason != nil {
				payload["reason"] = *h.FailureReason
			}
			metrics.SubJobsFailed.Inc()
		} else {
			metrics.SubJobsCompleted.Inc()
		}
		if err := d.Events.Append(ctx, tx, evt, h.RunID, "subjob", h.EngineJobID, d.ActorID, payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AwaitAll blocks until every handle is terminal, polling at the configured
// interval. This is the one place the workflow suspends; cancellation of ctx
// returns immediately with the context error and leaves the batch running
// engine-side.
func (d Dispatcher) AwaitAll(ctx context.Context, handles []domain.SubJobHandle) ([]domain.SubJobHandle, error) {
	for {
		updated, err := d.Poll(ctx, handles)
		if err != nil {
			return nil, err
		}
		handles = updated
		if allTerminal(handles) {
			return handles, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.pollInterval()):
		}
	}
}

func allTerminal(handles []domain.SubJobHandle) bool {
	for _, h := range handles {
		if !h.Terminal() {
			return false
		}
	}
	return true
}

// Collect resolves terminal handles into outcomes, reassociating each result
// with its sample by identity. Completion order never matters. Artifacts
// that cannot be retrieved or parsed become failures, they do not abort the
// batch.
func (d Dispatcher) Collect(ctx context.Context, samples []domain.StructureSample, handles []domain.SubJobHandle) ([]Outcome, error) {
	byIndex := make(map[int]domain.SubJobHandle, len(handles))
	for _, h := range handles {
		if !h.Terminal() {
			return nil, fmt.Errorf("handle %s for sample %d is not terminal", h.EngineJobID, h.SampleIndex)
		}
		byIndex[h.SampleIndex] = h
	}
	outcomes := make([]Outcome, 0, len(samples))
	for _, s := range samples {
		h, ok := byIndex[s.Index]
		if !ok {
			return nil, fmt.Errorf("no handle for sample %d of iteration %d", s.Index, s.Iteration)
		}
		o := Outcome{Sample: s, Handle: h}
		switch {
		case h.Status == domain.SubJobFailed:
			o.Failure = "sub-job failed"
			if h.FailureReason != nil {
				o.Failure = *h.FailureReason
			}
		default:
			artifact, err := d.Engine.Result(ctx, h.EngineJobID)
			if err != nil {
				o.Failure = fmt.Sprintf("retrieve artifact: %v", err)
				break
			}
			forces, err := d.Parser.ParseForces(artifact.Raw)
			if err != nil {
				o.Failure = fmt.Sprintf("parse artifact: %v", err)
				break
			}
			o.Forces = forces
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}
