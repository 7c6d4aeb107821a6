package compute

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Imported serves pre-computed results instead of running anything: each
// sample's forces are read from <label>.forces in Dir. Submission of a
// sample whose file is missing or inconsistent with the sample structure
// fails that job, never the batch.
//
// File layout: an optional "natoms N" header line used as a structure
// consistency check, then whitespace-separated force components.
type Imported struct {
	Dir string

	mu   sync.Mutex
	jobs map[string]*localJob
}

func (e *Imported) Submit(ctx context.Context, spec JobSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.jobs == nil {
		e.jobs = make(map[string]*localJob)
	}
	id := uuid.New().String()
	job := &localJob{spec: spec}
	raw, err := e.read(spec)
	if err != nil {
		job.state = JobFailed
		job.reason = err.Error()
	} else {
		job.state = JobFinished
		job.raw = raw
	}
	e.jobs[id] = job
	return id, nil
}

func (e *Imported) read(spec JobSpec) ([]byte, error) {
	path := filepath.Join(e.Dir, spec.Label+".forces")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("imported result %s: %w", path, err)
	}
	body := string(data)
	if line, rest, found := strings.Cut(body, "\n"); found && strings.HasPrefix(line, "natoms ") {
		var n int
		if _, err := fmt.Sscanf(line, "natoms %d", &n); err != nil {
			return nil, fmt.Errorf("imported result %s: bad header: %w", path, err)
		}
		if n != spec.NumAtoms {
			return nil, fmt.Errorf("imported result %s: structure has %d atoms, sample expects %d", path, n, spec.NumAtoms)
		}
		body = rest
	}
	return []byte(body), nil
}

func (e *Imported) Status(ctx context.Context, jobID string) (JobStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return JobStatus{State: job.state, Reason: job.reason}, nil
}

func (e *Imported) Result(ctx context.Context, jobID string) (Artifact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if job.state != JobFinished {
		return Artifact{}, fmt.Errorf("%w: %s is %s", ErrNotFinished, jobID, job.state)
	}
	return Artifact{Raw: job.raw}, nil
}
