// Package compute abstracts the engine that actually runs force sub-jobs.
// The orchestrator only needs submit / poll / retrieve semantics; whether
// jobs run in-process, on a cluster scheduler or somewhere else entirely is
// the engine's business.
package compute

import (
	"context"
	"errors"
)

type JobState string

const (
	JobPending  JobState = "pending"
	JobRunning  JobState = "running"
	JobFinished JobState = "finished"
	JobFailed   JobState = "failed"
)

// Terminal reports whether the state will not change again.
func (s JobState) Terminal() bool { return s == JobFinished || s == JobFailed }

// JobSpec is one "compute displaced structure -> forces" unit of work.
type JobSpec struct {
	RunID         string
	Label         string
	NumAtoms      int
	Displacements []float64
}

// JobStatus is a point-in-time view of a submitted job. Reason is set when
// State is JobFailed.
type JobStatus struct {
	State  JobState
	Reason string
}

// Artifact is the raw output of a finished job, parsed downstream by the
// output parser.
type Artifact struct {
	Raw []byte
}

var (
	// ErrUnknownJob means the engine has no record of the job id.
	ErrUnknownJob = errors.New("unknown job")
	// ErrEngineUnavailable is transient: submission may be retried later,
	// the caller does not implement its own retry loop.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrNotFinished is returned by Result for a job that has not reached
	// JobFinished.
	ErrNotFinished = errors.New("job not finished")
)

// Engine is the sub-calculation interface consumed by the dispatcher.
type Engine interface {
	// Submit enqueues a job and returns its engine-side id.
	Submit(ctx context.Context, spec JobSpec) (string, error)
	// Status is a non-blocking state probe.
	Status(ctx context.Context, jobID string) (JobStatus, error)
	// Result retrieves the artifact of a finished job.
	Result(ctx context.Context, jobID string) (Artifact, error)
}
