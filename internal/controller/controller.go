// Package controller drives the self-consistent harmonic workflow: a
// convergence-driven loop of generate samples -> dispatch sub-jobs -> await
// -> aggregate -> compare, persisted after every transition so a restarted
// process resumes mid-cycle instead of starting over.
//
// Convergence metric: relative Chebyshev distance between successive models
// (physics.RelativeChebyshev). A distance of exactly 0 on the first compared
// iteration converges immediately.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zhubonan/phonoflow/internal/aggregate"
	"github.com/zhubonan/phonoflow/internal/checkpoint"
	"github.com/zhubonan/phonoflow/internal/config"
	"github.com/zhubonan/phonoflow/internal/dispatch"
	"github.com/zhubonan/phonoflow/internal/domain"
	"github.com/zhubonan/phonoflow/internal/events"
	"github.com/zhubonan/phonoflow/internal/generator"
	"github.com/zhubonan/phonoflow/internal/metrics"
	"github.com/zhubonan/phonoflow/internal/physics"
)

var (
	ErrRunNotFound = errors.New("run not found")
	// ErrBatchInFlight rejects cancellation while a sub-job batch is out;
	// runs cancel between iterations.
	ErrBatchInFlight = errors.New("sub-job batch in flight")
)

type Controller struct {
	Store      checkpoint.Store
	Dispatcher dispatch.Dispatcher
	Generator  generator.Generator
	Aggregator aggregate.Aggregator
	Config     *config.Config
	ActorID    string
	Now        func() time.Time
	Log        *slog.Logger
}

func (c Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Controller) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

func ensureRunTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.RunInit:
		if newStatus == domain.RunIterating || newStatus == domain.RunCancelled {
			return nil
		}
	case domain.RunIterating:
		switch newStatus {
		case domain.RunIterating, domain.RunConverged, domain.RunMaxIterReached,
			domain.RunCompleted, domain.RunFailed, domain.RunCancelled:
			return nil
		}
	}
	return fmt.Errorf("invalid run status transition %s -> %s", oldStatus, newStatus)
}

// NewRun validates the configuration and persists a fresh run in init.
// Config problems are caught here, before anything is dispatched.
func (c Controller) NewRun(ctx context.Context, runID string) (domain.Run, error) {
	if err := c.Config.Validate(); err != nil {
		return domain.Run{}, err
	}
	cfgJSON, err := json.Marshal(c.Config)
	if err != nil {
		return domain.Run{}, err
	}
	now := c.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:         runID,
		Status:     domain.RunInit,
		ConfigJSON: string(cfgJSON),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.Store.CreateRun(ctx, run); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// Step performs the portion of one iteration cycle not yet complete. It is
// safe to call after a process restart: persisted state decides whether to
// begin a new iteration or to pick up a dispatched batch, and dispatch
// itself reuses existing engine jobs.
func (c Controller) Step(ctx context.Context, runID string) (domain.Run, error) {
	st, err := c.Store.Load(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if st == nil {
		return domain.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	run := st.Run
	if run.Terminal() {
		return run, nil
	}
	last := st.Last()
	if last != nil && !lastSettled(last) {
		// Resume the interrupted iteration with its persisted samples.
		prev := c.previousModel(st, last.Record.Index)
		return c.runCycle(ctx, run, last.Record, last.Samples, prev)
	}
	return c.beginIteration(ctx, st)
}

func lastSettled(it *checkpoint.IterationState) bool {
	return it.Record.Status == domain.IterComplete || it.Record.Status == domain.IterFailed
}

func (c Controller) beginIteration(ctx context.Context, st *checkpoint.WorkflowState) (domain.Run, error) {
	run := st.Run
	idx := run.CurrentIteration + 1
	prev := c.previousModel(st, idx)
	var prevConstants []float64
	if prev != nil {
		prevConstants = prev.Constants
	}
	rcfg := c.Config.Run
	samples, err := c.Generator.Generate(run.ID, idx, prevConstants, rcfg.SamplesPerIteration, rcfg.NumAtoms, physics.AmplitudeSpec{
		TemperatureK: rcfg.Amplitude.TemperatureK,
		Distance:     rcfg.Amplitude.Distance,
	}, rcfg.Seed)
	if err != nil {
		return run, err
	}
	if err := ensureRunTransition(run.Status, domain.RunIterating); err != nil {
		return run, err
	}
	now := c.now().UTC().Format(time.RFC3339)
	if run.Status == domain.RunInit {
		metrics.RunsActive.Inc()
	}
	run.Status = domain.RunIterating
	run.CurrentIteration = idx
	run.UpdatedAt = now
	rec := domain.IterationRecord{
		RunID:     run.ID,
		Index:     idx,
		Status:    domain.IterSampling,
		StartedAt: now,
	}
	if err := c.Store.BeginIteration(ctx, run, rec, samples); err != nil {
		return run, err
	}
	c.log().Info("iteration started", "run", run.ID, "iteration", idx, "samples", len(samples))
	return c.runCycle(ctx, run, rec, samples, prev)
}

// runCycle takes an iteration from its current persisted phase to a settled
// verdict: dispatch (idempotent) -> await all -> collect -> aggregate ->
// evaluate convergence.
func (c Controller) runCycle(ctx context.Context, run domain.Run, rec domain.IterationRecord, samples []domain.StructureSample, prev *domain.ForceConstantModel) (domain.Run, error) {
	started := c.now()
	handles, err := c.Dispatcher.Dispatch(ctx, c.Config.Run.NumAtoms, samples)
	if err != nil {
		return run, err
	}
	if rec.Status == domain.IterSampling {
		if err := c.Store.MarkIterationDispatched(ctx, rec); err != nil {
			return run, err
		}
		rec.Status = domain.IterDispatched
	}
	handles, err = c.Dispatcher.AwaitAll(ctx, handles)
	if err != nil {
		return run, err
	}
	outcomes, err := c.Dispatcher.Collect(ctx, samples, handles)
	if err != nil {
		return run, err
	}

	model, err := c.Aggregator.Aggregate(run.ID, rec.Index, outcomes)
	if err != nil {
		return c.failIteration(ctx, run, rec, err)
	}

	now := c.now().UTC().Format(time.RFC3339)
	rec.Status = domain.IterComplete
	rec.CompletedAt = &now
	run.UpdatedAt = now

	verdict := "continue"
	if prev != nil {
		d, derr := physics.RelativeChebyshev(model.Constants, prev.Constants)
		if derr != nil {
			return c.failIteration(ctx, run, rec, derr)
		}
		rec.Distance = &d
	}
	switch {
	case c.Config.Run.Mode == config.ModeOnePass:
		verdict = domain.RunCompleted
		run.Status = domain.RunCompleted
		run.StopReason = strp("one-pass workflow complete")
	case rec.Distance != nil && *rec.Distance <= c.Config.Run.ConvergenceTolerance:
		verdict = domain.RunConverged
		run.Status = domain.RunConverged
		run.StopReason = strp(fmt.Sprintf("converged at iteration %d (distance %.3g <= tolerance %.3g)",
			rec.Index, *rec.Distance, c.Config.Run.ConvergenceTolerance))
	case rec.Index >= c.Config.Run.MaxIterations:
		verdict = domain.RunMaxIterReached
		run.Status = domain.RunMaxIterReached
		run.StopReason = strp(fmt.Sprintf("not converged after %d iterations", rec.Index))
	}
	if err := ensureRunTransition(domain.RunIterating, run.Status); err != nil {
		return run, err
	}
	if err := c.Store.CompleteIteration(ctx, run, rec, model, verdict); err != nil {
		return run, err
	}
	metrics.IterationsCompleted.Inc()
	metrics.IterationDuration.Observe(c.now().Sub(started).Seconds())
	if run.Terminal() {
		metrics.RunsActive.Dec()
	}
	c.log().Info("iteration completed", "run", run.ID, "iteration", rec.Index, "verdict", verdict, "residual", model.Residual)
	return run, nil
}

func (c Controller) failIteration(ctx context.Context, run domain.Run, rec domain.IterationRecord, cause error) (domain.Run, error) {
	now := c.now().UTC().Format(time.RFC3339)
	rec.Status = domain.IterFailed
	rec.CompletedAt = &now
	run.Status = domain.RunFailed
	run.StopReason = strp(cause.Error())
	run.UpdatedAt = now
	if err := c.Store.FailIteration(ctx, run, rec, cause.Error()); err != nil {
		return run, err
	}
	metrics.RunsActive.Dec()
	c.log().Error("iteration failed", "run", run.ID, "iteration", rec.Index, "reason", cause)
	return run, cause
}

// previousModel returns the model iteration idx is compared against and
// sampled from: the model of idx-1, or the externally supplied seed model
// for the first iteration of a seed-model cold start. Nil means model-free.
func (c Controller) previousModel(st *checkpoint.WorkflowState, idx int) *domain.ForceConstantModel {
	for i := range st.Iterations {
		it := &st.Iterations[i]
		if it.Record.Index == idx-1 && it.Model != nil {
			return it.Model
		}
	}
	if idx == 1 && c.Config.Run.ColdStart == config.ColdStartSeedModel {
		return &domain.ForceConstantModel{
			RunID:     st.Run.ID,
			Iteration: 0,
			Constants: c.Config.SeedModel,
		}
	}
	return nil
}

// Run takes ownership of a run and steps it to a terminal state. Duplicate
// resumption is rejected by the run lease. Context cancellation between or
// during iterations marks the run cancelled, leaving every completed
// IterationRecord intact.
func (c Controller) Run(ctx context.Context, runID, ownerID string) (domain.Run, error) {
	if err := c.Store.AcquireLease(ctx, runID, ownerID); err != nil {
		return domain.Run{}, err
	}
	defer func() {
		if err := c.Store.ReleaseLease(context.Background(), runID); err != nil {
			c.log().Warn("release lease", "run", runID, "error", err)
		}
	}()
	for {
		run, err := c.Step(ctx, runID)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return c.markCancelled(context.Background(), runID, "cancelled by caller")
		}
		if err != nil {
			return run, err
		}
		if run.Terminal() {
			return run, nil
		}
		if ctx.Err() != nil {
			return c.markCancelled(context.Background(), runID, "cancelled by caller")
		}
		if err := c.Store.RefreshLease(ctx, runID, ownerID); err != nil {
			return run, err
		}
	}
}

// Cancel stops a run between iterations. It refuses while a sub-job batch
// is in flight and distinguishes user-initiated stop from failure.
func (c Controller) Cancel(ctx context.Context, runID, reason string) (domain.Run, error) {
	st, err := c.Store.Load(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if st == nil {
		return domain.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if st.Run.Terminal() {
		return st.Run, nil
	}
	if last := st.Last(); last != nil && last.Record.Status == domain.IterDispatched && !allHandlesTerminal(last.Handles) {
		return st.Run, ErrBatchInFlight
	}
	return c.markCancelled(ctx, runID, reason)
}

func (c Controller) markCancelled(ctx context.Context, runID, reason string) (domain.Run, error) {
	st, err := c.Store.Load(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	run := st.Run
	if run.Terminal() {
		return run, nil
	}
	if err := ensureRunTransition(run.Status, domain.RunCancelled); err != nil {
		return run, err
	}
	wasIterating := run.Status == domain.RunIterating
	if reason == "" {
		reason = "cancelled"
	}
	run.Status = domain.RunCancelled
	run.StopReason = strp(reason)
	run.UpdatedAt = c.now().UTC().Format(time.RFC3339)
	if err := c.Store.UpdateRun(ctx, run, "run.cancelled", events.EventPayload{"reason": reason}); err != nil {
		return run, err
	}
	if wasIterating {
		metrics.RunsActive.Dec()
	}
	c.log().Info("run cancelled", "run", runID, "reason", reason)
	return run, nil
}

// DryRun generates the first iteration's samples without touching storage
// or the engine, so inputs can be inspected before committing compute.
func (c Controller) DryRun() ([]domain.StructureSample, error) {
	if err := c.Config.Validate(); err != nil {
		return nil, err
	}
	var seed []float64
	if c.Config.Run.ColdStart == config.ColdStartSeedModel {
		seed = c.Config.SeedModel
	}
	rcfg := c.Config.Run
	return c.Generator.Generate("dry-run", 1, seed, rcfg.SamplesPerIteration, rcfg.NumAtoms, physics.AmplitudeSpec{
		TemperatureK: rcfg.Amplitude.TemperatureK,
		Distance:     rcfg.Amplitude.Distance,
	}, rcfg.Seed)
}

func allHandlesTerminal(handles []domain.SubJobHandle) bool {
	for _, h := range handles {
		if !h.Terminal() {
			return false
		}
	}
	return true
}

func strp(s string) *string { return &s }
