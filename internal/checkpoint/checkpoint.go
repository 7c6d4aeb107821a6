// Package checkpoint maps workflow state onto durable storage. Every state
// transition commits in one transaction, together with its audit event,
// before the next batch of sub-jobs is dispatched. A crash can lose at most
// work the engine will dedupe, never a completed iteration.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zhubonan/phonoflow/internal/domain"
	"github.com/zhubonan/phonoflow/internal/events"
	"github.com/zhubonan/phonoflow/internal/repo"
)

// ErrLeaseHeld means another live controller owns the run. Concurrent
// resumption of the same run is rejected rather than merged.
var ErrLeaseHeld = errors.New("run lease held by another owner")

// ErrPersistence wraps storage failures; callers treat it as fatal because
// silently continuing risks duplicate or lost work.
var ErrPersistence = errors.New("persistence error")

const defaultLeaseTTL = 10 * time.Minute

// IterationState is one IterationRecord with everything it groups.
type IterationState struct {
	Record  domain.IterationRecord
	Samples []domain.StructureSample
	Handles []domain.SubJobHandle
	Model   *domain.ForceConstantModel
}

// WorkflowState is the controller's full persisted state. It is rebuilt
// entirely from storage: nothing in memory is required for correctness.
type WorkflowState struct {
	Run        domain.Run
	Iterations []IterationState
}

// Last returns the newest iteration, or nil before the first one.
func (s *WorkflowState) Last() *IterationState {
	if len(s.Iterations) == 0 {
		return nil
	}
	return &s.Iterations[len(s.Iterations)-1]
}

type Store struct {
	Repo     repo.Repo
	Events   events.Writer
	ActorID  string
	LeaseTTL time.Duration
	Now      func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) leaseTTL() time.Duration {
	if s.LeaseTTL > 0 {
		return s.LeaseTTL
	}
	return defaultLeaseTTL
}

func pwrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

// Load rebuilds the workflow state of a run. Returns nil and no error when
// the run does not exist.
func (s Store) Load(ctx context.Context, runID string) (*WorkflowState, error) {
	run, err := s.Repo.GetRun(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pwrap(err)
	}
	records, err := s.Repo.ListIterations(ctx, runID)
	if err != nil {
		return nil, pwrap(err)
	}
	st := &WorkflowState{Run: run}
	for _, rec := range records {
		it := IterationState{Record: rec}
		if it.Samples, err = s.Repo.ListSamples(ctx, runID, rec.Index); err != nil {
			return nil, pwrap(err)
		}
		if it.Handles, err = s.Repo.ListSubJobs(ctx, runID, rec.Index); err != nil {
			return nil, pwrap(err)
		}
		model, err := s.Repo.GetModel(ctx, runID, rec.Index)
		if err == nil {
			it.Model = &model
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, pwrap(err)
		}
		st.Iterations = append(st.Iterations, it)
	}
	return st, nil
}

// CreateRun persists a fresh run in RunInit.
func (s Store) CreateRun(ctx context.Context, run domain.Run) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return pwrap(err)
	}
	defer tx.Rollback()
	if err := s.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return pwrap(err)
	}
	if err := s.Events.Append(ctx, tx, "run.created", run.ID, "run", run.ID, s.ActorID, events.EventPayload{"status": run.Status}); err != nil {
		return pwrap(err)
	}
	return pwrap(tx.Commit())
}

// BeginIteration records a new iteration with its full sample set, and moves
// the run into it, atomically. After this the samples are fixed: a restart
// regenerates nothing.
func (s Store) BeginIteration(ctx context.Context, run domain.Run, rec domain.IterationRecord, samples []domain.StructureSample) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return pwrap(err)
	}
	defer tx.Rollback()
	if err := s.Repo.InsertIterationTx(ctx, tx, rec); err != nil {
		return pwrap(err)
	}
	for _, sample := range samples {
		if err := s.Repo.InsertSampleTx(ctx, tx, sample); err != nil {
			return pwrap(err)
		}
	}
	if err := s.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return pwrap(err)
	}
	if err := s.Events.Append(ctx, tx, "iteration.started", run.ID, "iteration", fmt.Sprintf("%s/%d", run.ID, rec.Index), s.ActorID, events.EventPayload{
		"index":   rec.Index,
		"samples": len(samples),
	}); err != nil {
		return pwrap(err)
	}
	return pwrap(tx.Commit())
}

// MarkIterationDispatched flips an iteration from sampling to dispatched.
func (s Store) MarkIterationDispatched(ctx context.Context, rec domain.IterationRecord) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return pwrap(err)
	}
	defer tx.Rollback()
	rec.Status = domain.IterDispatched
	if err := s.Repo.UpdateIterationTx(ctx, tx, rec); err != nil {
		return pwrap(err)
	}
	return pwrap(tx.Commit())
}

// CompleteIteration commits the fitted model, the iteration verdict and the
// run transition as one unit, plus the matching events.
func (s Store) CompleteIteration(ctx context.Context, run domain.Run, rec domain.IterationRecord, model domain.ForceConstantModel, verdict string) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return pwrap(err)
	}
	defer tx.Rollback()
	if err := s.Repo.InsertModelTx(ctx, tx, model); err != nil {
		return pwrap(err)
	}
	if err := s.Repo.UpdateIterationTx(ctx, tx, rec); err != nil {
		return pwrap(err)
	}
	if err := s.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return pwrap(err)
	}
	payload := events.EventPayload{"index": rec.Index, "verdict": verdict, "residual": model.Residual}
	if rec.Distance != nil {
		payload["distance"] = *rec.Distance
	}
	if err := s.Events.Append(ctx, tx, "iteration.completed", run.ID, "iteration", fmt.Sprintf("%s/%d", run.ID, rec.Index), s.ActorID, payload); err != nil {
		return pwrap(err)
	}
	if run.Terminal() {
		if err := s.Events.Append(ctx, tx, "run."+run.Status, run.ID, "run", run.ID, s.ActorID, events.EventPayload{"iterations": rec.Index}); err != nil {
			return pwrap(err)
		}
	}
	return pwrap(tx.Commit())
}

// FailIteration marks the iteration and the run failed together. The prior
// complete IterationRecord is untouched and stays inspectable.
func (s Store) FailIteration(ctx context.Context, run domain.Run, rec domain.IterationRecord, reason string) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return pwrap(err)
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateIterationTx(ctx, tx, rec); err != nil {
		return pwrap(err)
	}
	if err := s.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return pwrap(err)
	}
	if err := s.Events.Append(ctx, tx, "run.failed", run.ID, "run", run.ID, s.ActorID, events.EventPayload{
		"iteration": rec.Index,
		"reason":    reason,
	}); err != nil {
		return pwrap(err)
	}
	return pwrap(tx.Commit())
}

// UpdateRun persists a run transition outside an iteration (resume marker,
// cancellation).
func (s Store) UpdateRun(ctx context.Context, run domain.Run, eventType string, payload events.EventPayload) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return pwrap(err)
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return pwrap(err)
	}
	if eventType != "" {
		if err := s.Events.Append(ctx, tx, eventType, run.ID, "run", run.ID, s.ActorID, payload); err != nil {
			return pwrap(err)
		}
	}
	return pwrap(tx.Commit())
}

// AcquireLease claims exclusive ownership of a run for this controller.
// A live lease owned by someone else rejects the claim; re-acquiring one's
// own lease extends it.
func (s Store) AcquireLease(ctx context.Context, runID, ownerID string) error {
	now := s.now().UTC()
	existing, err := s.Repo.GetRunLease(ctx, runID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return pwrap(err)
	}
	if err == nil && existing.OwnerID != ownerID {
		exp, perr := time.Parse(time.RFC3339, existing.ExpiresAt)
		if perr == nil && now.Before(exp) {
			return fmt.Errorf("%w: %s until %s", ErrLeaseHeld, existing.OwnerID, existing.ExpiresAt)
		}
	}
	lease := domain.RunLease{
		RunID:      runID,
		OwnerID:    ownerID,
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(s.leaseTTL()).Format(time.RFC3339),
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return pwrap(err)
	}
	defer tx.Rollback()
	if err := s.Repo.UpsertRunLeaseTx(ctx, tx, lease); err != nil {
		return pwrap(err)
	}
	return pwrap(tx.Commit())
}

// RefreshLease extends a lease this owner already holds. Returns
// ErrLeaseHeld when the lease moved to another owner in the meantime.
func (s Store) RefreshLease(ctx context.Context, runID, ownerID string) error {
	expiresAt := s.now().UTC().Add(s.leaseTTL()).Format(time.RFC3339)
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return pwrap(err)
	}
	defer tx.Rollback()
	if err := s.Repo.RefreshRunLeaseTx(ctx, tx, runID, ownerID, expiresAt); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: lease on %s lost", ErrLeaseHeld, runID)
		}
		return pwrap(err)
	}
	return pwrap(tx.Commit())
}

// ReleaseLease drops ownership; safe to call when no lease exists.
func (s Store) ReleaseLease(ctx context.Context, runID string) error {
	return pwrap(s.Repo.DeleteRunLease(ctx, runID))
}
