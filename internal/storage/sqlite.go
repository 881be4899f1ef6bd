package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"civicbeacon/internal/model"
)

type sqliteQueue struct {
	baseQueue
}

func NewSQLite(dsn string, limit int) (Queue, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:civicbeacon.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	return &sqliteQueue{baseQueue{db: db, limit: limit}}, nil
}

func (q *sqliteQueue) Init(ctx context.Context) error {
	if q.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metrics_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created TEXT NOT NULL,
			batch_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_queue_created ON metrics_queue(created)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *sqliteQueue) Enqueue(ctx context.Context, batch model.MetricsBatch) error {
	if q.db == nil {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var depth int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics_queue`).Scan(&depth); err != nil {
		_ = tx.Rollback()
		return err
	}
	if depth >= q.limit {
		// storage pressure: fold the oldest entry into the incoming batch
		// instead of dropping either, preserving aggregate totals
		var oldestID int64
		var oldestJSON string
		err := tx.QueryRowContext(ctx,
			`SELECT id, batch_json FROM metrics_queue ORDER BY id ASC LIMIT 1`).
			Scan(&oldestID, &oldestJSON)
		if err != nil && err != sql.ErrNoRows {
			_ = tx.Rollback()
			return err
		}
		if err == nil {
			oldest, decodeErr := decodeBatch(oldestJSON)
			if decodeErr == nil {
				batch = mergeBatches(oldest, batch)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM metrics_queue WHERE id = ?`, oldestID); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO metrics_queue (created, batch_json) VALUES (?, ?)`,
		nowUTC(), encodeBatch(batch),
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (q *sqliteQueue) Peek(ctx context.Context, n int) ([]QueuedBatch, error) {
	if q.db == nil || n <= 0 {
		return nil, nil
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, batch_json FROM metrics_queue ORDER BY id ASC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueuedBatch
	var corrupt []int64
	for rows.Next() {
		var id int64
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		batch, err := decodeBatch(data)
		if err != nil {
			// undecodable rows can never drain; purge them so they stop
			// counting toward depth and the pressure merge
			corrupt = append(corrupt, id)
			continue
		}
		out = append(out, QueuedBatch{ID: id, Batch: batch})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	for _, id := range corrupt {
		if _, err := q.db.ExecContext(ctx, `DELETE FROM metrics_queue WHERE id = ?`, id); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (q *sqliteQueue) Ack(ctx context.Context, ids []int64) error {
	if q.db == nil || len(ids) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM metrics_queue WHERE id = ?`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (q *sqliteQueue) Depth(ctx context.Context) (int, error) {
	if q.db == nil {
		return 0, nil
	}
	var depth int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics_queue`).Scan(&depth)
	return depth, err
}
