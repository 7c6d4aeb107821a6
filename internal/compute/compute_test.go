package compute_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zhubonan/phonoflow/internal/compute"
	"github.com/zhubonan/phonoflow/internal/physics"
)

func TestLocalComputesNoiselessForces(t *testing.T) {
	eng := compute.NewLocal([]float64{1, 2, 3}, 0)
	eng.Synchronous = true
	ctx := context.Background()

	id, err := eng.Submit(ctx, compute.JobSpec{
		RunID:         "run-1",
		Label:         "supercell_001",
		NumAtoms:      1,
		Displacements: []float64{0.01, -0.02, 0.03},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	st, err := eng.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != compute.JobFinished {
		t.Fatalf("state %s", st.State)
	}
	artifact, err := eng.Result(ctx, id)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	forces, err := physics.Harmonic{}.ParseForces(artifact.Raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []float64{-0.01, 0.04, -0.09}
	for i := range want {
		if diff := forces[i] - want[i]; diff > 1e-12 || diff < -1e-12 {
			t.Fatalf("force %d: got %g, want %g", i, forces[i], want[i])
		}
	}
}

func TestLocalDisplacementMismatchFailsJob(t *testing.T) {
	eng := compute.NewLocal([]float64{1, 2, 3}, 0)
	eng.Synchronous = true
	ctx := context.Background()

	id, err := eng.Submit(ctx, compute.JobSpec{NumAtoms: 1, Label: "supercell_001", Displacements: []float64{0.01}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	st, err := eng.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != compute.JobFailed || st.Reason == "" {
		t.Fatalf("status: %+v", st)
	}
	if _, err := eng.Result(ctx, id); !errors.Is(err, compute.ErrNotFinished) {
		t.Fatalf("expected ErrNotFinished, got %v", err)
	}
}

func TestLocalUnknownJob(t *testing.T) {
	eng := compute.NewLocal([]float64{1}, 0)
	if _, err := eng.Status(context.Background(), "nope"); !errors.Is(err, compute.ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func writeForces(t *testing.T, dir, label, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, label+".forces"), []byte(content), 0o644); err != nil {
		t.Fatalf("write forces: %v", err)
	}
}

func TestImportedReadsForcesFile(t *testing.T) {
	dir := t.TempDir()
	writeForces(t, dir, "supercell_001", "natoms 1\n-0.01 0.04 -0.09\n")
	eng := &compute.Imported{Dir: dir}
	ctx := context.Background()

	id, err := eng.Submit(ctx, compute.JobSpec{Label: "supercell_001", NumAtoms: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	st, err := eng.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != compute.JobFinished {
		t.Fatalf("state %s: %s", st.State, st.Reason)
	}
	artifact, err := eng.Result(ctx, id)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	forces, err := physics.Harmonic{}.ParseForces(artifact.Raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(forces) != 3 || forces[1] != 0.04 {
		t.Fatalf("forces: %v", forces)
	}
}

func TestImportedHeaderlessFile(t *testing.T) {
	dir := t.TempDir()
	writeForces(t, dir, "supercell_001", "-0.01 0.04 -0.09\n")
	eng := &compute.Imported{Dir: dir}
	ctx := context.Background()

	id, err := eng.Submit(ctx, compute.JobSpec{Label: "supercell_001", NumAtoms: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	st, _ := eng.Status(ctx, id)
	if st.State != compute.JobFinished {
		t.Fatalf("state %s: %s", st.State, st.Reason)
	}
}

func TestImportedFailsJobNotBatch(t *testing.T) {
	dir := t.TempDir()
	writeForces(t, dir, "supercell_001", "natoms 2\n-0.01 0.04 -0.09\n")
	eng := &compute.Imported{Dir: dir}
	ctx := context.Background()

	// Atom count mismatch in the header fails this job.
	id, err := eng.Submit(ctx, compute.JobSpec{Label: "supercell_001", NumAtoms: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	st, _ := eng.Status(ctx, id)
	if st.State != compute.JobFailed || st.Reason == "" {
		t.Fatalf("status: %+v", st)
	}

	// Missing file likewise: Submit succeeds, the job is failed.
	id, err = eng.Submit(ctx, compute.JobSpec{Label: "supercell_404", NumAtoms: 1})
	if err != nil {
		t.Fatalf("submit missing: %v", err)
	}
	st, _ = eng.Status(ctx, id)
	if st.State != compute.JobFailed {
		t.Fatalf("state %s", st.State)
	}
}
