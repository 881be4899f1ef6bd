package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"civicbeacon/internal/config"
	"civicbeacon/internal/model"
)

// QueuedBatch is one durable queue entry. ID orders the FIFO drain.
type QueuedBatch struct {
	ID    int64
	Batch model.MetricsBatch
}

// Queue is the durable store for flushed metrics batches. Entries survive
// restart and drain in FIFO order; under storage pressure entries merge by
// summing counters, never by discarding.
type Queue interface {
	Init(ctx context.Context) error
	Close() error
	Enqueue(ctx context.Context, batch model.MetricsBatch) error
	Peek(ctx context.Context, n int) ([]QueuedBatch, error)
	Ack(ctx context.Context, ids []int64) error
	Depth(ctx context.Context) (int, error)
}

func NewQueue(cfg config.StorageConfig, limit int) (Queue, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return NewSQLite(cfg.DSN, limit)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN, limit)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseQueue struct {
	db    *sql.DB
	limit int
}

func (b *baseQueue) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeBatch(batch model.MetricsBatch) string {
	data, _ := json.Marshal(batch)
	return string(data)
}

func decodeBatch(data string) (model.MetricsBatch, error) {
	var batch model.MetricsBatch
	err := json.Unmarshal([]byte(data), &batch)
	return batch, err
}

// mergeBatches folds two batches into one, summing counters per
// (category, location) key. The merged window spans both inputs.
func mergeBatches(oldest, newest model.MetricsBatch) model.MetricsBatch {
	type key struct{ category, location string }
	rows := make(map[key]*model.MetricsRow)
	order := make([]key, 0, len(oldest.Rows)+len(newest.Rows))
	for _, src := range [][]model.MetricsRow{oldest.Rows, newest.Rows} {
		for _, r := range src {
			k := key{r.Category, r.Location}
			if existing, ok := rows[k]; ok {
				existing.Merge(r)
				continue
			}
			copied := r
			rows[k] = &copied
			order = append(order, k)
		}
	}
	out := model.MetricsBatch{
		DeviceID:    newest.DeviceID,
		WindowStart: oldest.WindowStart,
		WindowEnd:   newest.WindowEnd,
		Rows:        make([]model.MetricsRow, 0, len(order)),
	}
	if out.WindowStart.IsZero() || (!newest.WindowStart.IsZero() && newest.WindowStart.Before(out.WindowStart)) {
		out.WindowStart = newest.WindowStart
	}
	for _, k := range order {
		out.Rows = append(out.Rows, *rows[k])
	}
	return out
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
