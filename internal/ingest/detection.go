package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"civicbeacon/internal/config"
	"civicbeacon/internal/model"
)

// detectionPayload is the wire shape the perception collaborator emits: one
// anonymized situation per message, no imagery, no identifiers.
type detectionPayload struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Location   string  `json:"location"`
	Severity   string  `json:"severity"`
	Timestamp  string  `json:"timestamp"`
}

// ParseDetection validates and normalizes one detection. Confidence is
// clamped into [0,1], severity defaults to low, the timestamp defaults to
// now, and a missing location falls back to the device's configured one.
func ParseDetection(data []byte, cfg *config.Config) (model.RawContext, error) {
	var p detectionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return model.RawContext{}, fmt.Errorf("decode detection: %w", err)
	}
	return normalizeDetection(p, cfg)
}

// ParseDetectionBatch accepts either a single JSON object or an array.
func ParseDetectionBatch(data []byte, cfg *config.Config) ([]model.RawContext, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New("empty payload")
	}
	if trimmed[0] == '[' {
		var payloads []detectionPayload
		if err := json.Unmarshal([]byte(trimmed), &payloads); err != nil {
			return nil, fmt.Errorf("decode detection array: %w", err)
		}
		out := make([]model.RawContext, 0, len(payloads))
		for _, p := range payloads {
			raw, err := normalizeDetection(p, cfg)
			if err != nil {
				continue
			}
			out = append(out, raw)
		}
		return out, nil
	}
	raw, err := ParseDetection([]byte(trimmed), cfg)
	if err != nil {
		return nil, err
	}
	return []model.RawContext{raw}, nil
}

func normalizeDetection(p detectionPayload, cfg *config.Config) (model.RawContext, error) {
	category := strings.TrimSpace(p.Category)
	if category == "" {
		return model.RawContext{}, errors.New("detection missing category")
	}
	location := strings.TrimSpace(p.Location)
	if location == "" {
		location = cfg.Device.Location
	}
	ts := time.Now().UTC()
	if p.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, p.Timestamp)
		if err != nil {
			return model.RawContext{}, fmt.Errorf("parse detection timestamp: %w", err)
		}
		ts = parsed.UTC()
	}
	return model.RawContext{
		Category:   category,
		Confidence: clamp01(p.Confidence),
		Location:   location,
		Severity:   parseSeverity(p.Severity),
		Timestamp:  ts,
	}, nil
}

func parseSeverity(s string) model.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical":
		return model.SeverityHigh
	case "medium", "med":
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
