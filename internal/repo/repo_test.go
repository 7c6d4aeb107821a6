package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/zhubonan/phonoflow/internal/db"
	"github.com/zhubonan/phonoflow/internal/domain"
	"github.com/zhubonan/phonoflow/internal/migrate"
	"github.com/zhubonan/phonoflow/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func inTx(t *testing.T, r repo.Repo, ctx context.Context, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx op: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func seedRun(t *testing.T, r repo.Repo, ctx context.Context, id string) domain.Run {
	t.Helper()
	run := domain.Run{ID: id, Status: domain.RunInit, ConfigJSON: "{}", CreatedAt: ts, UpdatedAt: ts}
	inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertRunTx(ctx, tx, run) })
	return run
}

func TestRunRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	run := seedRun(t, r, ctx, "run-1")

	got, err := r.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunInit || got.StopReason != nil {
		t.Fatalf("unexpected run: %+v", got)
	}

	reason := "converged at iteration 2"
	run.Status = domain.RunConverged
	run.StopReason = &reason
	run.CurrentIteration = 2
	inTx(t, r, ctx, func(tx *sql.Tx) error { return r.UpdateRunTx(ctx, tx, run) })

	got, err = r.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get updated run: %v", err)
	}
	if got.Status != domain.RunConverged || got.StopReason == nil || *got.StopReason != reason || got.CurrentIteration != 2 {
		t.Fatalf("update not persisted atomically: %+v", got)
	}
}

func TestGetRunNotFound(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.GetRun(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateMissingRun(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx, _ := r.DB.BeginTx(ctx, nil)
	defer tx.Rollback()
	err := r.UpdateRunTx(ctx, tx, domain.Run{ID: "ghost", Status: domain.RunFailed, UpdatedAt: ts})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIterationRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedRun(t, r, ctx, "run-1")

	it := domain.IterationRecord{RunID: "run-1", Index: 1, Status: domain.IterSampling, StartedAt: ts}
	inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertIterationTx(ctx, tx, it) })

	d := 0.42
	done := ts
	it.Status = domain.IterComplete
	it.Distance = &d
	it.CompletedAt = &done
	inTx(t, r, ctx, func(tx *sql.Tx) error { return r.UpdateIterationTx(ctx, tx, it) })

	got, err := r.GetIteration(ctx, "run-1", 1)
	if err != nil {
		t.Fatalf("get iteration: %v", err)
	}
	if got.Status != domain.IterComplete || got.Distance == nil || *got.Distance != d {
		t.Fatalf("unexpected iteration: %+v", got)
	}

	last, err := r.LastIteration(ctx, "run-1")
	if err != nil || last.Index != 1 {
		t.Fatalf("last iteration: %+v err=%v", last, err)
	}
}

func TestSampleAndSubJobRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedRun(t, r, ctx, "run-1")
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.InsertIterationTx(ctx, tx, domain.IterationRecord{RunID: "run-1", Index: 1, Status: domain.IterSampling, StartedAt: ts})
	})

	s := domain.StructureSample{
		RunID: "run-1", Iteration: 1, Index: 0,
		Label: "supercell_001", Seed: 1000045,
		Displacements: []float64{0.01, -0.01, 0.02},
		CreatedAt:     ts,
	}
	inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertSampleTx(ctx, tx, s) })

	samples, err := r.ListSamples(ctx, "run-1", 1)
	if err != nil || len(samples) != 1 {
		t.Fatalf("list samples: %v (%d)", err, len(samples))
	}
	if samples[0].Label != s.Label || samples[0].Displacements[2] != 0.02 {
		t.Fatalf("sample round trip: %+v", samples[0])
	}

	h := domain.SubJobHandle{
		RunID: "run-1", Iteration: 1, SampleIndex: 0,
		EngineJobID: "job-abc", Status: domain.SubJobPending, DispatchedAt: ts,
	}
	inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertSubJobTx(ctx, tx, h) })

	got, err := r.GetSubJob(ctx, "run-1", 1, 0)
	if err != nil {
		t.Fatalf("get subjob by sample identity: %v", err)
	}
	if got.EngineJobID != "job-abc" {
		t.Fatalf("unexpected handle: %+v", got)
	}

	reason := "walltime exceeded"
	h.Status = domain.SubJobFailed
	h.FailureReason = &reason
	h.FinishedAt = &ts2
	inTx(t, r, ctx, func(tx *sql.Tx) error { return r.UpdateSubJobTx(ctx, tx, h) })

	got, _ = r.GetSubJob(ctx, "run-1", 1, 0)
	if got.Status != domain.SubJobFailed || got.FailureReason == nil || *got.FailureReason != reason {
		t.Fatalf("failure not persisted: %+v", got)
	}
}

var ts2 = "2024-01-01T00:05:00Z"

func TestModelRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedRun(t, r, ctx, "run-1")

	m1 := domain.ForceConstantModel{RunID: "run-1", Iteration: 1, Constants: []float64{1, 2, 3}, SampleCount: 4, Residual: 0.1, CreatedAt: ts}
	m2 := domain.ForceConstantModel{RunID: "run-1", Iteration: 2, Constants: []float64{1.1, 2.1, 3.1}, SampleCount: 4, Residual: 0.05, CreatedAt: ts2}
	inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertModelTx(ctx, tx, m1) })
	inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertModelTx(ctx, tx, m2) })

	got, err := r.GetModel(ctx, "run-1", 1)
	if err != nil || got.Constants[0] != 1 {
		t.Fatalf("get model: %+v err=%v", got, err)
	}
	latest, err := r.LatestModel(ctx, "run-1")
	if err != nil || latest.Iteration != 2 {
		t.Fatalf("latest model: %+v err=%v", latest, err)
	}
}

func TestLeaseRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedRun(t, r, ctx, "run-1")

	l := domain.RunLease{RunID: "run-1", OwnerID: "host-1", AcquiredAt: ts, ExpiresAt: ts2}
	inTx(t, r, ctx, func(tx *sql.Tx) error { return r.UpsertRunLeaseTx(ctx, tx, l) })

	got, err := r.GetRunLease(ctx, "run-1")
	if err != nil || got.OwnerID != "host-1" {
		t.Fatalf("get lease: %+v err=%v", got, err)
	}

	l.OwnerID = "host-2"
	inTx(t, r, ctx, func(tx *sql.Tx) error { return r.UpsertRunLeaseTx(ctx, tx, l) })
	got, _ = r.GetRunLease(ctx, "run-1")
	if got.OwnerID != "host-2" {
		t.Fatalf("upsert did not replace owner: %+v", got)
	}

	if err := r.DeleteRunLease(ctx, "run-1"); err != nil {
		t.Fatalf("delete lease: %v", err)
	}
	if _, err := r.GetRunLease(ctx, "run-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestAPIKeyLookup(t *testing.T) {
	r, ctx := newTestRepo(t)
	key := domain.APIKey{ID: "k1", ActorID: "robot", Name: "ci", KeyHash: repo.HashAPIKey("secret"), CreatedAt: ts}
	inTx(t, r, ctx, func(tx *sql.Tx) error { return r.InsertAPIKey(ctx, tx, key) })

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret"))
	if err != nil || got.ActorID != "robot" {
		t.Fatalf("lookup by hash: %+v err=%v", got, err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("wrong")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong key, got %v", err)
	}
}
