package repo

import (
	"context"
	"database/sql"

	"github.com/zhubonan/phonoflow/internal/domain"
)

// GetRunLease returns the lease currently held on a run, if any.
func (r Repo) GetRunLease(ctx context.Context, runID string) (domain.RunLease, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT run_id,owner_id,acquired_at,expires_at FROM run_leases WHERE run_id=?`, runID)
	var l domain.RunLease
	err := row.Scan(&l.RunID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) UpsertRunLeaseTx(ctx context.Context, tx *sql.Tx, l domain.RunLease) error {
	_, err := r.exec(ctx, tx, `INSERT INTO run_leases(run_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(run_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		l.RunID, l.OwnerID, l.AcquiredAt, l.ExpiresAt)
	return err
}

func (r Repo) DeleteRunLease(ctx context.Context, runID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM run_leases WHERE run_id=?`, runID)
	return err
}

// RefreshRunLeaseTx extends a held lease; only the owner may refresh.
func (r Repo) RefreshRunLeaseTx(ctx context.Context, tx *sql.Tx, runID, ownerID, expiresAt string) error {
	res, err := r.exec(ctx, tx, `UPDATE run_leases SET expires_at=? WHERE run_id=? AND owner_id=?`, expiresAt, runID, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
