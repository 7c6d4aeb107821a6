package domain

// Run statuses. A run is terminal once it reaches converged, max_iter_reached,
// failed or cancelled.
const (
	RunInit           = "init"
	RunIterating      = "iterating"
	RunConverged      = "converged"
	RunMaxIterReached = "max_iter_reached"
	RunCompleted      = "completed" // one-pass runs only
	RunFailed         = "failed"
	RunCancelled      = "cancelled"
)

// Iteration statuses.
const (
	IterSampling   = "sampling"   // samples persisted, nothing dispatched yet
	IterDispatched = "dispatched" // sub-jobs submitted, not all terminal
	IterComplete   = "complete"   // model fitted and verdict applied to the run
	IterFailed     = "failed"     // aggregation failed; run is failed
)

// Sub-job statuses, mirrored from the compute engine.
const (
	SubJobPending  = "pending"
	SubJobRunning  = "running"
	SubJobFinished = "finished"
	SubJobFailed   = "failed"
)

type Run struct {
	ID               string  `json:"id"`
	Status           string  `json:"status" enum:"init,iterating,converged,max_iter_reached,completed,failed,cancelled"`
	StopReason       *string `json:"stop_reason,omitempty"`
	CurrentIteration int     `json:"current_iteration"`
	ConfigJSON       string  `json:"config_json"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the run reached a final state.
func (r Run) Terminal() bool {
	switch r.Status {
	case RunConverged, RunMaxIterReached, RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// IterationRecord groups one generate -> dispatch -> await -> aggregate cycle.
// Records of a run are totally ordered by Index starting at 1, no gaps.
type IterationRecord struct {
	RunID       string   `json:"run_id"`
	Index       int      `json:"index"`
	Status      string   `json:"status" enum:"sampling,dispatched,complete,failed"`
	Distance    *float64 `json:"distance,omitempty"`
	StartedAt   string   `json:"started_at" format:"date-time"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
}

// StructureSample is one displaced structure, input of exactly one sub-job.
// Displacements are flattened cartesian offsets, three per atom. Immutable
// once persisted.
type StructureSample struct {
	RunID         string    `json:"run_id"`
	Iteration     int       `json:"iteration"`
	Index         int       `json:"index"`
	Label         string    `json:"label"`
	Seed          int64     `json:"seed"`
	Displacements []float64 `json:"displacements"`
	CreatedAt     string    `json:"created_at" format:"date-time"`
}

// SubJobHandle references one force calculation tracked by the compute engine.
type SubJobHandle struct {
	RunID         string  `json:"run_id"`
	Iteration     int     `json:"iteration"`
	SampleIndex   int     `json:"sample_index"`
	EngineJobID   string  `json:"engine_job_id"`
	Status        string  `json:"status" enum:"pending,running,finished,failed"`
	FailureReason *string `json:"failure_reason,omitempty"`
	DispatchedAt  string  `json:"dispatched_at" format:"date-time"`
	FinishedAt    *string `json:"finished_at,omitempty" format:"date-time"`
}

// Terminal reports whether the handle will not change state again.
func (h SubJobHandle) Terminal() bool {
	return h.Status == SubJobFinished || h.Status == SubJobFailed
}

// ForceConstantModel is an immutable snapshot of fitted force constants at a
// given iteration. Superseded, never mutated, by the next iteration's model.
type ForceConstantModel struct {
	RunID       string    `json:"run_id"`
	Iteration   int       `json:"iteration"`
	Constants   []float64 `json:"constants"`
	SampleCount int       `json:"sample_count"`
	Residual    float64   `json:"residual"`
	CreatedAt   string    `json:"created_at" format:"date-time"`
}

type RunLease struct {
	RunID      string `json:"run_id"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
