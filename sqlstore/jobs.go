package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"goa.design/jobq/job"
)

// JobStore implements job.Store on top of the jobq_jobs table. Status
// transitions are conditional updates on the status column.
type JobStore struct {
	db *sql.DB
	d  *dialect
}

const jobColumns = `id, job_type, instance_type, instance_id, command, params, status, result, error,
	owner_node, idempotency_key, created_at, updated_at, completed_at`

var _ job.Store = (*JobStore)(nil)

// Create implements job.Store.
func (s *JobStore) Create(ctx context.Context, j *job.Job, now time.Time) (int64, error) {
	var key sql.NullString
	if j.IdempotencyKey != "" {
		key = sql.NullString{String: j.IdempotencyKey, Valid: true}
	}
	ts := now.UnixMicro()
	var id int64
	err := s.db.QueryRowContext(ctx, s.d.rebind(`
		INSERT INTO jobq_jobs (job_type, instance_type, instance_id, command, params, status, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`),
		j.Type, j.InstanceType, j.InstanceID, j.Command, j.Params, string(job.StatusInProgress), key, ts, ts).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("jobq sql: key %q: %w", j.IdempotencyKey, job.ErrDuplicateKey)
	}
	if err != nil {
		return 0, fmt.Errorf("jobq sql: failed to create %s job: %w", j.Command, err)
	}
	return id, nil
}

// Get implements job.Store.
func (s *JobStore) Get(ctx context.Context, id int64) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+jobColumns+` FROM jobq_jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobq sql: failed to read job %d: %w", id, err)
	}
	return j, nil
}

// FindByKey implements job.Store.
func (s *JobStore) FindByKey(ctx context.Context, key string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+jobColumns+` FROM jobq_jobs WHERE idempotency_key = ?`), key)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobq sql: failed to look up key %q: %w", key, err)
	}
	return j, nil
}

// SetOwner implements job.Store.
func (s *JobStore) SetOwner(ctx context.Context, id int64, node string, now time.Time) (bool, error) {
	return s.update(ctx, id, `UPDATE jobq_jobs SET owner_node = ?, updated_at = ? WHERE id = ? AND status = ?`,
		node, now.UnixMicro(), id, string(job.StatusInProgress))
}

// Complete implements job.Store.
func (s *JobStore) Complete(ctx context.Context, id int64, status job.Status, result []byte, detail string, now time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("jobq sql: %q is not a terminal status", status)
	}
	ts := now.UnixMicro()
	return s.update(ctx, id, `
		UPDATE jobq_jobs SET status = ?, result = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(status), result, detail, ts, ts, id, string(job.StatusInProgress))
}

// Cancel implements job.Store.
func (s *JobStore) Cancel(ctx context.Context, id int64, detail string, now time.Time) (bool, error) {
	ts := now.UnixMicro()
	return s.update(ctx, id, `
		UPDATE jobq_jobs SET status = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ? AND owner_node = ''`,
		string(job.StatusCancelled), detail, ts, ts, id, string(job.StatusInProgress))
}

// PurgeCompletedBefore implements job.Store.
func (s *JobStore) PurgeCompletedBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM jobq_jobs WHERE completed_at IS NOT NULL AND completed_at < ?`), before.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("jobq sql: failed to purge completed jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("jobq sql: failed to purge completed jobs: %w", err)
	}
	return int(n), nil
}

// update runs a conditional update and reports whether a row changed.
func (s *JobStore) update(ctx context.Context, id int64, q string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return false, fmt.Errorf("jobq sql: failed to update job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("jobq sql: failed to update job %d: %w", id, err)
	}
	return n == 1, nil
}

func scanJob(r scanner) (*job.Job, error) {
	var (
		j                           job.Job
		status                      string
		key                         sql.NullString
		created, updated, completed sql.NullInt64
	)
	err := r.Scan(&j.ID, &j.Type, &j.InstanceType, &j.InstanceID, &j.Command, &j.Params, &status, &j.Result,
		&j.Error, &j.OwnerNode, &key, &created, &updated, &completed)
	if err != nil {
		return nil, err
	}
	j.Status = job.Status(status)
	j.IdempotencyKey = key.String
	j.CreatedAt = fromMicros(created)
	j.UpdatedAt = fromMicros(updated)
	j.CompletedAt = fromMicros(completed)
	if len(j.Params) == 0 {
		j.Params = nil
	}
	if len(j.Result) == 0 {
		j.Result = nil
	}
	return &j, nil
}
