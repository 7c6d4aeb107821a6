package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/zhubonan/phonoflow/internal/domain"
)

// --- structure samples ---

func (r Repo) InsertSampleTx(ctx context.Context, tx *sql.Tx, s domain.StructureSample) error {
	disp, err := json.Marshal(s.Displacements)
	if err != nil {
		return fmt.Errorf("marshal displacements: %w", err)
	}
	_, err = r.exec(ctx, tx, `INSERT INTO samples(run_id,iteration_idx,sample_idx,label,seed,displacements_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		s.RunID, s.Iteration, s.Index, s.Label, s.Seed, string(disp), s.CreatedAt)
	return err
}

func scanSample(scan func(dest ...any) error) (domain.StructureSample, error) {
	var s domain.StructureSample
	var disp string
	err := scan(&s.RunID, &s.Iteration, &s.Index, &s.Label, &s.Seed, &disp, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(disp), &s.Displacements); err != nil {
		return s, fmt.Errorf("unmarshal displacements: %w", err)
	}
	return s, nil
}

const sampleCols = `run_id,iteration_idx,sample_idx,label,seed,displacements_json,created_at`

func (r Repo) ListSamples(ctx context.Context, runID string, iteration int) ([]domain.StructureSample, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sampleCols+` FROM samples WHERE run_id=? AND iteration_idx=? ORDER BY sample_idx ASC`, runID, iteration)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StructureSample
	for rows.Next() {
		s, err := scanSample(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- sub-job handles ---

const subjobCols = `run_id,iteration_idx,sample_idx,engine_job_id,status,failure_reason,dispatched_at,finished_at`

func scanSubJob(scan func(dest ...any) error) (domain.SubJobHandle, error) {
	var h domain.SubJobHandle
	var reason, finished sql.NullString
	err := scan(&h.RunID, &h.Iteration, &h.SampleIndex, &h.EngineJobID, &h.Status, &reason, &h.DispatchedAt, &finished)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	h.FailureReason = strPtr(reason)
	h.FinishedAt = strPtr(finished)
	return h, err
}

func (r Repo) InsertSubJobTx(ctx context.Context, tx *sql.Tx, h domain.SubJobHandle) error {
	_, err := r.exec(ctx, tx, `INSERT INTO subjobs(`+subjobCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		h.RunID, h.Iteration, h.SampleIndex, h.EngineJobID, h.Status, nullableStr(h.FailureReason), h.DispatchedAt, nullableStr(h.FinishedAt))
	return err
}

// GetSubJob looks a handle up by sample identity, the key used to keep
// dispatch idempotent across restarts.
func (r Repo) GetSubJob(ctx context.Context, runID string, iteration, sampleIdx int) (domain.SubJobHandle, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+subjobCols+` FROM subjobs WHERE run_id=? AND iteration_idx=? AND sample_idx=?`,
		runID, iteration, sampleIdx)
	return scanSubJob(row.Scan)
}

func (r Repo) ListSubJobs(ctx context.Context, runID string, iteration int) ([]domain.SubJobHandle, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+subjobCols+` FROM subjobs WHERE run_id=? AND iteration_idx=? ORDER BY sample_idx ASC`, runID, iteration)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SubJobHandle
	for rows.Next() {
		h, err := scanSubJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) UpdateSubJobTx(ctx context.Context, tx *sql.Tx, h domain.SubJobHandle) error {
	res, err := r.exec(ctx, tx, `UPDATE subjobs SET status=?, failure_reason=?, finished_at=? WHERE run_id=? AND iteration_idx=? AND sample_idx=?`,
		h.Status, nullableStr(h.FailureReason), nullableStr(h.FinishedAt), h.RunID, h.Iteration, h.SampleIndex)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
