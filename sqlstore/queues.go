package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"goa.design/jobq/queue"
)

// QueueStore implements queue.Store on top of the jobq_queues and
// jobq_queue_items tables. Claims are conditional updates on the claim_owner
// column.
type QueueStore struct {
	db *sql.DB
	d  *dialect
}

const itemColumns = "id, queue_id, content_type, content_id, priority, enqueued_at, claim_owner, claimed_at"

var _ queue.Store = (*QueueStore)(nil)

// Enqueue implements queue.Store. The queue upsert locks the queue row so that
// concurrent enqueues into the same queue commit in item ID order.
func (s *QueueStore) Enqueue(ctx context.Context, queueType string, resourceID int64, contentType string, contentID int64, priority int, now time.Time) (*queue.Item, error) {
	ts := now.UnixMicro()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("jobq sql: failed to begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var qid int64
	err = tx.QueryRowContext(ctx, s.d.rebind(`
		INSERT INTO jobq_queues (queue_type, resource_id, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (queue_type, resource_id) DO UPDATE SET updated_at = excluded.updated_at
		RETURNING id`), queueType, resourceID, ts, ts).Scan(&qid)
	if err != nil {
		return nil, fmt.Errorf("jobq sql: failed to upsert queue %s:%d: %w", queueType, resourceID, err)
	}
	var iid int64
	err = tx.QueryRowContext(ctx, s.d.rebind(`
		INSERT INTO jobq_queue_items (queue_id, content_type, content_id, priority, enqueued_at) VALUES (?, ?, ?, ?, ?)
		RETURNING id`), qid, contentType, contentID, priority, ts).Scan(&iid)
	if err != nil {
		return nil, fmt.Errorf("jobq sql: failed to insert item into queue %d: %w", qid, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("jobq sql: failed to commit enqueue: %w", err)
	}
	return &queue.Item{
		ID:          iid,
		QueueID:     qid,
		ContentType: contentType,
		ContentID:   contentID,
		Priority:    priority,
		EnqueuedAt:  time.UnixMicro(ts),
	}, nil
}

// ClaimHead implements queue.Store.
func (s *QueueStore) ClaimHead(ctx context.Context, queueID int64, owner string, now time.Time) (*queue.Item, error) {
	ts := now.UnixMicro()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("jobq sql: failed to begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, s.d.rebind(`
		UPDATE jobq_queue_items SET claim_owner = ?, claimed_at = ?
		WHERE id = (SELECT MIN(id) FROM jobq_queue_items WHERE queue_id = ?) AND claim_owner IS NULL
		RETURNING `+itemColumns), owner, ts, queueID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobq sql: failed to claim head of queue %d: %w", queueID, err)
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(`UPDATE jobq_queues SET updated_at = ? WHERE id = ?`), ts, queueID); err != nil {
		return nil, fmt.Errorf("jobq sql: failed to touch queue %d: %w", queueID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("jobq sql: failed to commit claim: %w", err)
	}
	return item, nil
}

// ReadyHeads implements queue.Store.
func (s *QueueStore) ReadyHeads(ctx context.Context, limit int) ([]*queue.Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT `+itemColumns+` FROM jobq_queue_items
		WHERE id IN (SELECT MIN(id) FROM jobq_queue_items GROUP BY queue_id) AND claim_owner IS NULL
		ORDER BY enqueued_at, priority, id
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("jobq sql: failed to list ready queues: %w", err)
	}
	return scanItems(rows)
}

// Purge implements queue.Store.
func (s *QueueStore) Purge(ctx context.Context, itemID int64, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobq sql: failed to begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var qid int64
	err = tx.QueryRowContext(ctx, s.d.rebind(`DELETE FROM jobq_queue_items WHERE id = ? RETURNING queue_id`), itemID).Scan(&qid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("jobq sql: failed to purge item %d: %w", itemID, err)
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(`UPDATE jobq_queues SET updated_at = ? WHERE id = ?`), now.UnixMicro(), qid); err != nil {
		return fmt.Errorf("jobq sql: failed to touch queue %d: %w", qid, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("jobq sql: failed to commit purge: %w", err)
	}
	return nil
}

// Reclaim implements queue.Store.
func (s *QueueStore) Reclaim(ctx context.Context, itemID int64, expectedOwner, newOwner string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`
		UPDATE jobq_queue_items SET claim_owner = ?, claimed_at = ?
		WHERE id = ? AND claim_owner = ?`), newOwner, now.UnixMicro(), itemID, expectedOwner)
	if err != nil {
		return false, fmt.Errorf("jobq sql: failed to reclaim item %d: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("jobq sql: failed to reclaim item %d: %w", itemID, err)
	}
	return n == 1, nil
}

// Release implements queue.Store.
func (s *QueueStore) Release(ctx context.Context, itemID int64, owner string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`
		UPDATE jobq_queue_items SET claim_owner = NULL, claimed_at = NULL
		WHERE id = ? AND claim_owner = ?`), itemID, owner)
	if err != nil {
		return false, fmt.Errorf("jobq sql: failed to release item %d: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("jobq sql: failed to release item %d: %w", itemID, err)
	}
	return n == 1, nil
}

// ClaimedItems implements queue.Store.
func (s *QueueStore) ClaimedItems(ctx context.Context) ([]*queue.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM jobq_queue_items WHERE claim_owner IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("jobq sql: failed to list claimed items: %w", err)
	}
	return scanItems(rows)
}

// Queue implements queue.Store.
func (s *QueueStore) Queue(ctx context.Context, queueID int64) (*queue.Queue, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT id, queue_type, resource_id, created_at, updated_at FROM jobq_queues WHERE id = ?`), queueID)
	q, err := scanQueue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrQueueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobq sql: failed to read queue %d: %w", queueID, err)
	}
	return q, nil
}

// Queues implements queue.Store.
func (s *QueueStore) Queues(ctx context.Context) ([]*queue.Queue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, queue_type, resource_id, created_at, updated_at FROM jobq_queues ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("jobq sql: failed to list queues: %w", err)
	}
	defer rows.Close()
	var queues []*queue.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("jobq sql: failed to read queue: %w", err)
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

// QueueItems implements queue.Store.
func (s *QueueStore) QueueItems(ctx context.Context, queueID int64) ([]*queue.Item, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`SELECT `+itemColumns+` FROM jobq_queue_items WHERE queue_id = ? ORDER BY id`), queueID)
	if err != nil {
		return nil, fmt.Errorf("jobq sql: failed to list items of queue %d: %w", queueID, err)
	}
	return scanItems(rows)
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(r scanner) (*queue.Item, error) {
	var (
		item    queue.Item
		enq     sql.NullInt64
		owner   sql.NullString
		claimed sql.NullInt64
	)
	if err := r.Scan(&item.ID, &item.QueueID, &item.ContentType, &item.ContentID, &item.Priority, &enq, &owner, &claimed); err != nil {
		return nil, err
	}
	item.EnqueuedAt = fromMicros(enq)
	item.ClaimOwner = owner.String
	item.ClaimedAt = fromMicros(claimed)
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*queue.Item, error) {
	defer rows.Close()
	var items []*queue.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("jobq sql: failed to read item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobq sql: failed to read items: %w", err)
	}
	return items, nil
}

func scanQueue(r scanner) (*queue.Queue, error) {
	var (
		q                queue.Queue
		created, updated sql.NullInt64
	)
	if err := r.Scan(&q.ID, &q.Type, &q.ResourceID, &created, &updated); err != nil {
		return nil, err
	}
	q.CreatedAt = fromMicros(created)
	q.LastUpdated = fromMicros(updated)
	return &q, nil
}
