package metrics

import (
	"sync"
	"time"

	"civicbeacon/internal/model"
)

type key struct {
	category string
	location string
}

// Aggregator accumulates anonymized per (category, location) counters in
// memory. Nothing event-level is retained: one row per key, numeric only.
type Aggregator struct {
	deviceID string

	mu          sync.Mutex
	rows        map[key]*model.MetricsRow
	windowStart time.Time
}

func NewAggregator(deviceID string) *Aggregator {
	return &Aggregator{
		deviceID:    deviceID,
		rows:        make(map[key]*model.MetricsRow),
		windowStart: time.Now().UTC(),
	}
}

func (a *Aggregator) row(category, location string) *model.MetricsRow {
	k := key{category: category, location: location}
	r, ok := a.rows[k]
	if !ok {
		r = &model.MetricsRow{Category: category, Location: location}
		a.rows[k] = r
	}
	return r
}

func (a *Aggregator) CountDetection(category, location string) {
	a.mu.Lock()
	a.row(category, location).Detections++
	a.mu.Unlock()
}

func (a *Aggregator) CountGenerated(category, location string) {
	a.mu.Lock()
	a.row(category, location).Generated++
	a.mu.Unlock()
}

func (a *Aggregator) CountOptOutDrop(category, location string) {
	a.mu.Lock()
	a.row(category, location).OptOutDrops++
	a.mu.Unlock()
}

// RecordResult folds one delivery outcome in: success/failure/drop counters
// plus the latency aggregate. The result carries no message content.
func (a *Aggregator) RecordResult(r model.DeliveryResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	row := a.row(r.Category, r.Location)
	switch {
	case r.Delivered():
		row.Delivered++
	case r.Dropped:
		row.Dropped++
	default:
		row.Failed++
	}
	if r.Latency > 0 {
		row.LatencyN++
		row.LatencySum += r.Latency
		if r.Latency > row.LatencyMax {
			row.LatencyMax = r.Latency
		}
	}
}

// Snapshot returns the current rows without resetting the window.
func (a *Aggregator) Snapshot() []model.MetricsRow {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.MetricsRow, 0, len(a.rows))
	for _, r := range a.rows {
		out = append(out, *r)
	}
	return out
}

// Flush swaps the window out as a batch and starts a fresh one. An empty
// window returns ok=false so callers skip the enqueue.
func (a *Aggregator) Flush() (model.MetricsBatch, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.rows) == 0 {
		return model.MetricsBatch{}, false
	}
	now := time.Now().UTC()
	batch := model.MetricsBatch{
		DeviceID:    a.deviceID,
		WindowStart: a.windowStart,
		WindowEnd:   now,
		Rows:        make([]model.MetricsRow, 0, len(a.rows)),
	}
	for _, r := range a.rows {
		batch.Rows = append(batch.Rows, *r)
	}
	a.rows = make(map[key]*model.MetricsRow)
	a.windowStart = now
	return batch, true
}

func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = make(map[key]*model.MetricsRow)
	a.windowStart = time.Now().UTC()
}
