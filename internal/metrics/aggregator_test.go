package metrics

import (
	"sync"
	"testing"
	"time"

	"civicbeacon/internal/model"
)

func TestFlushSwapsWindow(t *testing.T) {
	a := NewAggregator("dev1")
	a.CountDetection("littering", "parkA")
	a.CountDetection("littering", "parkA")
	a.CountGenerated("littering", "parkA")

	batch, ok := a.Flush()
	if !ok {
		t.Fatalf("expected a non-empty batch")
	}
	if len(batch.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(batch.Rows))
	}
	if batch.Rows[0].Detections != 2 || batch.Rows[0].Generated != 1 {
		t.Fatalf("unexpected counters %+v", batch.Rows[0])
	}
	if _, ok := a.Flush(); ok {
		t.Fatalf("second flush should be empty")
	}
}

func TestRecordResultClassification(t *testing.T) {
	a := NewAggregator("dev1")
	a.RecordResult(model.DeliveryResult{Category: "littering", Location: "parkA", VisualTried: true, VisualOK: true, Latency: 100 * time.Millisecond})
	a.RecordResult(model.DeliveryResult{Category: "littering", Location: "parkA", VisualTried: true, Latency: 200 * time.Millisecond})
	a.RecordResult(model.DeliveryResult{Category: "littering", Location: "parkA", Dropped: true})

	rows := a.Snapshot()
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	r := rows[0]
	if r.Delivered != 1 || r.Failed != 1 || r.Dropped != 1 {
		t.Fatalf("unexpected outcome counters %+v", r)
	}
	if r.LatencyN != 2 || r.LatencyMax != 200*time.Millisecond || r.LatencySum != 300*time.Millisecond {
		t.Fatalf("unexpected latency aggregate %+v", r)
	}
}

func TestConcurrentCountsNotLost(t *testing.T) {
	a := NewAggregator("dev1")
	var wg sync.WaitGroup
	const workers = 8
	const perWorker = 500
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				a.CountDetection("littering", "parkA")
			}
		}()
	}
	wg.Wait()
	rows := a.Snapshot()
	if rows[0].Detections != workers*perWorker {
		t.Fatalf("lost updates: got %d, want %d", rows[0].Detections, workers*perWorker)
	}
}

func TestRowMergePreservesTotals(t *testing.T) {
	a := model.MetricsRow{Category: "littering", Location: "parkA", Detections: 5, Delivered: 3, LatencyN: 2, LatencySum: 100 * time.Millisecond, LatencyMax: 70 * time.Millisecond}
	b := model.MetricsRow{Category: "littering", Location: "parkA", Detections: 7, Delivered: 4, LatencyN: 1, LatencySum: 90 * time.Millisecond, LatencyMax: 90 * time.Millisecond}
	a.Merge(b)
	if a.Detections != 12 || a.Delivered != 7 {
		t.Fatalf("merge lost counts: %+v", a)
	}
	if a.LatencyN != 3 || a.LatencySum != 190*time.Millisecond || a.LatencyMax != 90*time.Millisecond {
		t.Fatalf("merge mangled latency aggregate: %+v", a)
	}
}
