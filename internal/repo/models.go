package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/zhubonan/phonoflow/internal/domain"
)

const modelCols = `run_id,iteration_idx,constants_json,sample_count,residual,created_at`

func scanModel(scan func(dest ...any) error) (domain.ForceConstantModel, error) {
	var m domain.ForceConstantModel
	var constants string
	err := scan(&m.RunID, &m.Iteration, &constants, &m.SampleCount, &m.Residual, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(constants), &m.Constants); err != nil {
		return m, fmt.Errorf("unmarshal constants: %w", err)
	}
	return m, nil
}

func (r Repo) InsertModelTx(ctx context.Context, tx *sql.Tx, m domain.ForceConstantModel) error {
	constants, err := json.Marshal(m.Constants)
	if err != nil {
		return fmt.Errorf("marshal constants: %w", err)
	}
	_, err = r.exec(ctx, tx, `INSERT INTO models(`+modelCols+`) VALUES (?,?,?,?,?,?)`,
		m.RunID, m.Iteration, string(constants), m.SampleCount, m.Residual, m.CreatedAt)
	return err
}

func (r Repo) GetModel(ctx context.Context, runID string, iteration int) (domain.ForceConstantModel, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+modelCols+` FROM models WHERE run_id=? AND iteration_idx=?`, runID, iteration)
	return scanModel(row.Scan)
}

// LatestModel returns the highest-iteration model of a run. Only complete
// iterations write models, so this is always a consistent result.
func (r Repo) LatestModel(ctx context.Context, runID string) (domain.ForceConstantModel, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+modelCols+` FROM models WHERE run_id=? ORDER BY iteration_idx DESC LIMIT 1`, runID)
	return scanModel(row.Scan)
}
