package compute

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/zhubonan/phonoflow/internal/physics"
)

// Local runs force jobs in-process against a known harmonic model. It stands
// in for a real cluster-backed engine: useful for demos, and the only engine
// the test suite needs.
type Local struct {
	// TrueConstants is the model whose forces the jobs "measure".
	TrueConstants []float64
	// ForceNoise adds gaussian noise of this magnitude to each force
	// component, making iterative refinement non-trivial.
	ForceNoise float64
	// Workers caps concurrent jobs; 0 means unbounded.
	Workers int
	// FailFor, when set, is consulted per spec; a non-empty return fails
	// the job with that reason. Used to exercise failure paths.
	FailFor func(spec JobSpec) string
	// Synchronous makes Submit run the job inline before returning, which
	// keeps tests free of sleeps.
	Synchronous bool

	Log *slog.Logger

	mu   sync.Mutex
	jobs map[string]*localJob
	sem  chan struct{}
	rng  *rand.Rand
}

type localJob struct {
	spec   JobSpec
	state  JobState
	reason string
	raw    []byte
}

// NewLocal returns a ready engine.
func NewLocal(trueConstants []float64, workers int) *Local {
	return &Local{
		TrueConstants: trueConstants,
		Workers:       workers,
	}
}

func (l *Local) log() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

func (l *Local) init() {
	if l.jobs == nil {
		l.jobs = make(map[string]*localJob)
	}
	if l.sem == nil && l.Workers > 0 {
		l.sem = make(chan struct{}, l.Workers)
	}
	if l.rng == nil {
		l.rng = rand.New(rand.NewSource(1))
	}
}

func (l *Local) Submit(ctx context.Context, spec JobSpec) (string, error) {
	l.mu.Lock()
	l.init()
	id := uuid.New().String()
	job := &localJob{spec: spec, state: JobPending}
	l.jobs[id] = job
	l.mu.Unlock()

	if l.Synchronous {
		l.run(id, job)
		return id, nil
	}
	go func() {
		if l.sem != nil {
			l.sem <- struct{}{}
			defer func() { <-l.sem }()
		}
		l.run(id, job)
	}()
	return id, nil
}

func (l *Local) run(id string, job *localJob) {
	l.mu.Lock()
	job.state = JobRunning
	spec := job.spec
	l.mu.Unlock()

	if l.FailFor != nil {
		if reason := l.FailFor(spec); reason != "" {
			l.log().Warn("sub-job failed", "job", id, "label", spec.Label, "reason", reason)
			l.mu.Lock()
			job.state = JobFailed
			job.reason = reason
			l.mu.Unlock()
			return
		}
	}

	forces, err := l.computeForces(spec)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		job.state = JobFailed
		job.reason = err.Error()
		return
	}
	job.raw = physics.FormatForces(forces)
	job.state = JobFinished
}

func (l *Local) computeForces(spec JobSpec) ([]float64, error) {
	n := 3 * spec.NumAtoms
	if len(spec.Displacements) != n {
		return nil, fmt.Errorf("job %s: expected %d displacements, got %d", spec.Label, n, len(spec.Displacements))
	}
	if len(l.TrueConstants) != n {
		return nil, fmt.Errorf("engine model has %d constants, job needs %d", len(l.TrueConstants), n)
	}
	forces := make([]float64, n)
	l.mu.Lock()
	rng := l.rng
	for i := 0; i < n; i++ {
		forces[i] = -l.TrueConstants[i] * spec.Displacements[i]
		if l.ForceNoise > 0 {
			forces[i] += l.ForceNoise * rng.NormFloat64()
		}
	}
	l.mu.Unlock()
	return forces, nil
}

func (l *Local) Status(ctx context.Context, jobID string) (JobStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return JobStatus{State: job.state, Reason: job.reason}, nil
}

func (l *Local) Result(ctx context.Context, jobID string) (Artifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if job.state != JobFinished {
		return Artifact{}, fmt.Errorf("%w: %s is %s", ErrNotFinished, jobID, job.state)
	}
	return Artifact{Raw: job.raw}, nil
}
