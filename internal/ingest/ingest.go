package ingest

import (
	"context"
	"log/slog"

	"civicbeacon/internal/model"
)

// SendNonBlocking drops a detection when the pipeline channel is full.
// Detections carry no durable obligation, so backpressure resolves by
// shedding load here rather than stalling the source.
func SendNonBlocking(ctx context.Context, out chan<- model.RawContext, raw model.RawContext, logger *slog.Logger) bool {
	select {
	case out <- raw:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("detection channel full, dropping detection",
				"category", raw.Category,
				"location", raw.Location,
			)
		}
		return false
	}
}
