package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zhubonan/phonoflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

// exec runs against tx when given, the pool otherwise.
func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return r.DB.ExecContext(ctx, query, args...)
}

// --- runs ---

const runCols = `id,status,stop_reason,current_iteration,config_json,created_at,updated_at`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var reason sql.NullString
	err := scan(&run.ID, &run.Status, &reason, &run.CurrentIteration, &run.ConfigJSON, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	run.StopReason = strPtr(reason)
	return run, err
}

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := r.exec(ctx, tx, `INSERT INTO runs(`+runCols+`) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.Status, nullableStr(run.StopReason), run.CurrentIteration, run.ConfigJSON, run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runCols+` FROM runs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// UpdateRunTx persists status, stop reason and iteration counter together so
// a crash cannot observe a half-applied transition.
func (r Repo) UpdateRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	res, err := r.exec(ctx, tx, `UPDATE runs SET status=?, stop_reason=?, current_iteration=?, updated_at=? WHERE id=?`,
		run.Status, nullableStr(run.StopReason), run.CurrentIteration, run.UpdatedAt, run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- iterations ---

const iterCols = `run_id,idx,status,distance,started_at,completed_at`

func scanIteration(scan func(dest ...any) error) (domain.IterationRecord, error) {
	var it domain.IterationRecord
	var dist sql.NullFloat64
	var completed sql.NullString
	err := scan(&it.RunID, &it.Index, &it.Status, &dist, &it.StartedAt, &completed)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	it.Distance = floatPtr(dist)
	it.CompletedAt = strPtr(completed)
	return it, err
}

func (r Repo) InsertIterationTx(ctx context.Context, tx *sql.Tx, it domain.IterationRecord) error {
	_, err := r.exec(ctx, tx, `INSERT INTO iterations(`+iterCols+`) VALUES (?,?,?,?,?,?)`,
		it.RunID, it.Index, it.Status, it.Distance, it.StartedAt, nullableStr(it.CompletedAt))
	return err
}

func (r Repo) GetIteration(ctx context.Context, runID string, idx int) (domain.IterationRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+iterCols+` FROM iterations WHERE run_id=? AND idx=?`, runID, idx)
	return scanIteration(row.Scan)
}

// LastIteration returns the highest-index iteration of a run.
func (r Repo) LastIteration(ctx context.Context, runID string) (domain.IterationRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+iterCols+` FROM iterations WHERE run_id=? ORDER BY idx DESC LIMIT 1`, runID)
	return scanIteration(row.Scan)
}

func (r Repo) ListIterations(ctx context.Context, runID string) ([]domain.IterationRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+iterCols+` FROM iterations WHERE run_id=? ORDER BY idx ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IterationRecord
	for rows.Next() {
		it, err := scanIteration(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) UpdateIterationTx(ctx context.Context, tx *sql.Tx, it domain.IterationRecord) error {
	res, err := r.exec(ctx, tx, `UPDATE iterations SET status=?, distance=?, completed_at=? WHERE run_id=? AND idx=?`,
		it.Status, it.Distance, nullableStr(it.CompletedAt), it.RunID, it.Index)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- events ---

func (r Repo) ListEvents(ctx context.Context, runID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var args []any
	if runID != "" {
		query += ` WHERE run_id=?`
		args = append(args, runID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
