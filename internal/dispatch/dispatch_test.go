package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/zhubonan/phonoflow/internal/compute"
	"github.com/zhubonan/phonoflow/internal/db"
	"github.com/zhubonan/phonoflow/internal/dispatch"
	"github.com/zhubonan/phonoflow/internal/domain"
	"github.com/zhubonan/phonoflow/internal/events"
	"github.com/zhubonan/phonoflow/internal/migrate"
	"github.com/zhubonan/phonoflow/internal/physics"
	"github.com/zhubonan/phonoflow/internal/repo"
)

const numAtoms = 2

func newTestDispatcher(t *testing.T, engine compute.Engine) (dispatch.Dispatcher, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	run := domain.Run{ID: "run-1", Status: domain.RunIterating, ConfigJSON: "{}", CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := r.InsertRunTx(ctx, tx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return dispatch.Dispatcher{
		Repo:         r,
		Events:       events.Writer{DB: conn},
		Engine:       engine,
		Parser:       physics.Harmonic{},
		ActorID:      "tester",
		PollInterval: time.Millisecond,
	}, ctx
}

func testSamples(n int) []domain.StructureSample {
	samples := make([]domain.StructureSample, 0, n)
	for i := 0; i < n; i++ {
		samples = append(samples, domain.StructureSample{
			RunID:         "run-1",
			Iteration:     1,
			Index:         i,
			Label:         []string{"supercell_001", "supercell_002", "supercell_003"}[i],
			Displacements: []float64{0.01, -0.01, 0.02, -0.02, 0.01, 0.01},
			CreatedAt:     "2024-01-01T00:00:00Z",
		})
	}
	return samples
}

func localEngine() *compute.Local {
	eng := compute.NewLocal([]float64{1, 1.5, 0.8, 2, 1.2, 0.9}, 0)
	eng.Synchronous = true
	return eng
}

func TestDispatchIsIdempotent(t *testing.T) {
	d, ctx := newTestDispatcher(t, localEngine())
	samples := testSamples(3)

	first, err := d.Dispatch(ctx, numAtoms, samples)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 handles, got %d", len(first))
	}

	second, err := d.Dispatch(ctx, numAtoms, samples)
	if err != nil {
		t.Fatalf("re-dispatch: %v", err)
	}
	for i := range first {
		if second[i].EngineJobID != first[i].EngineJobID {
			t.Fatalf("sample %d resubmitted: %s vs %s", i, second[i].EngineJobID, first[i].EngineJobID)
		}
	}
}

func TestAwaitAllAndCollect(t *testing.T) {
	d, ctx := newTestDispatcher(t, localEngine())
	samples := testSamples(2)

	handles, err := d.Dispatch(ctx, numAtoms, samples)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	handles, err = d.AwaitAll(ctx, handles)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	for _, h := range handles {
		if h.Status != domain.SubJobFinished {
			t.Fatalf("handle %s not finished: %s", h.EngineJobID, h.Status)
		}
		if h.FinishedAt == nil {
			t.Fatalf("handle %s missing finished timestamp", h.EngineJobID)
		}
	}

	outcomes, err := d.Collect(ctx, samples, handles)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	truth := []float64{1, 1.5, 0.8, 2, 1.2, 0.9}
	for _, o := range outcomes {
		if !o.Success() {
			t.Fatalf("sample %d failed: %s", o.Sample.Index, o.Failure)
		}
		for i := range o.Forces {
			want := -truth[i] * o.Sample.Displacements[i]
			if diff := o.Forces[i] - want; diff > 1e-12 || diff < -1e-12 {
				t.Fatalf("sample %d force %d: got %g, want %g", o.Sample.Index, i, o.Forces[i], want)
			}
		}
	}
}

func TestFailedSubJobSurfacesAsOutcome(t *testing.T) {
	eng := localEngine()
	eng.FailFor = func(spec compute.JobSpec) string {
		if spec.Label == "supercell_002" {
			return "walltime exceeded"
		}
		return ""
	}
	d, ctx := newTestDispatcher(t, eng)
	samples := testSamples(3)

	handles, err := d.Dispatch(ctx, numAtoms, samples)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	handles, err = d.AwaitAll(ctx, handles)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	outcomes, err := d.Collect(ctx, samples, handles)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	var failed, ok int
	for _, o := range outcomes {
		if o.Success() {
			ok++
			continue
		}
		failed++
		if o.Failure != "walltime exceeded" {
			t.Fatalf("failure reason lost: %q", o.Failure)
		}
	}
	if failed != 1 || ok != 2 {
		t.Fatalf("expected 1 failure and 2 successes, got %d/%d", failed, ok)
	}

	// The failed handle is also persisted with its reason.
	h, err := d.Repo.GetSubJob(ctx, "run-1", 1, 1)
	if err != nil {
		t.Fatalf("get persisted handle: %v", err)
	}
	if h.Status != domain.SubJobFailed || h.FailureReason == nil {
		t.Fatalf("persisted handle: %+v", h)
	}
}

func TestCollectMatchesBySampleIdentity(t *testing.T) {
	d, ctx := newTestDispatcher(t, localEngine())
	samples := testSamples(3)

	handles, err := d.Dispatch(ctx, numAtoms, samples)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	handles, err = d.AwaitAll(ctx, handles)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	// Completion order never matters: scramble the handles.
	handles[0], handles[2] = handles[2], handles[0]
	outcomes, err := d.Collect(ctx, samples, handles)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	for i, o := range outcomes {
		if o.Sample.Index != i || o.Handle.SampleIndex != i {
			t.Fatalf("outcome %d paired with sample %d / handle %d", i, o.Sample.Index, o.Handle.SampleIndex)
		}
	}
}
