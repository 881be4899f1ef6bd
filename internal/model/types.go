package model

import "time"

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

type Tone string

const (
	ToneInformative Tone = "informative"
	ToneReminder    Tone = "reminder"
	ToneEducational Tone = "educational"
)

func ValidTone(t Tone) bool {
	switch t {
	case ToneInformative, ToneReminder, ToneEducational:
		return true
	}
	return false
}

// GeneralAwareness is the reserved category every unmapped detection lands in.
const GeneralAwareness = "general_awareness"

// RawContext is one anonymized detection from the perception collaborator.
// It lives in memory only: never persisted, never transmitted.
type RawContext struct {
	Category   string    `json:"category"`
	Confidence float64   `json:"confidence"`
	Location   string    `json:"location"`
	Severity   Severity  `json:"severity"`
	Timestamp  time.Time `json:"timestamp"`
	Seq        uint64    `json:"-"`
}

type ClassifiedContext struct {
	Category   string
	Severity   Severity
	Confidence float64
	Location   string
	Priority   float64
	Languages  []string
	Seq        uint64
	EnqueuedAt time.Time
}

type MessageSource string

const (
	SourceAI       MessageSource = "ai"
	SourceTemplate MessageSource = "template"
)

type AwarenessMessage struct {
	ID              string        `json:"id"`
	Text            string        `json:"text"`
	Language        string        `json:"language"`
	Category        string        `json:"category"`
	Location        string        `json:"location"`
	Tone            Tone          `json:"tone"`
	DisplayDuration time.Duration `json:"display_duration"`
	AudioEnabled    bool          `json:"audio_enabled"`
	Audio           []byte        `json:"-"`
	Priority        float64       `json:"priority"`
	Source          MessageSource `json:"source"`
}

type Template struct {
	Category string   `json:"category" yaml:"category"`
	Language string   `json:"language" yaml:"language"`
	Tone     Tone     `json:"tone" yaml:"tone"`
	Variants []string `json:"variants" yaml:"variants"`
}

type DeliveryResult struct {
	MessageID   string        `json:"message_id"`
	Category    string        `json:"category"`
	Location    string        `json:"location"`
	VisualTried bool          `json:"visual_tried"`
	VisualOK    bool          `json:"visual_ok"`
	AudioTried  bool          `json:"audio_tried"`
	AudioOK     bool          `json:"audio_ok"`
	StartSkew   time.Duration `json:"start_skew"`
	Latency     time.Duration `json:"latency"`
	Dropped     bool          `json:"dropped"`
	CompletedAt time.Time     `json:"completed_at"`
}

func (r DeliveryResult) Delivered() bool {
	return (r.VisualTried && r.VisualOK) || (r.AudioTried && r.AudioOK)
}

// MetricsRow carries aggregate counters for one (category, location) key.
// No per-event timestamps, no raw contexts.
type MetricsRow struct {
	Category    string        `json:"category"`
	Location    string        `json:"location"`
	Detections  uint64        `json:"detections"`
	Generated   uint64        `json:"generated"`
	Delivered   uint64        `json:"delivered"`
	Failed      uint64        `json:"failed"`
	Dropped     uint64        `json:"dropped"`
	OptOutDrops uint64        `json:"optout_drops"`
	LatencyN    uint64        `json:"latency_n"`
	LatencySum  time.Duration `json:"latency_sum"`
	LatencyMax  time.Duration `json:"latency_max"`
}

func (r *MetricsRow) Merge(other MetricsRow) {
	r.Detections += other.Detections
	r.Generated += other.Generated
	r.Delivered += other.Delivered
	r.Failed += other.Failed
	r.Dropped += other.Dropped
	r.OptOutDrops += other.OptOutDrops
	r.LatencyN += other.LatencyN
	r.LatencySum += other.LatencySum
	if other.LatencyMax > r.LatencyMax {
		r.LatencyMax = other.LatencyMax
	}
}

type MetricsBatch struct {
	DeviceID    string       `json:"device_id"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
	Rows        []MetricsRow `json:"rows"`
}

type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

type ChannelHealth struct {
	VisualOK bool `json:"visual_ok"`
	AudioOK  bool `json:"audio_ok"`
}

type Heartbeat struct {
	DeviceID  string        `json:"device_id"`
	Timestamp time.Time     `json:"timestamp"`
	Mode      Mode          `json:"mode"`
	Channels  ChannelHealth `json:"channels"`
	Uptime    time.Duration `json:"uptime"`
	Version   string        `json:"version"`
}

type OperatorAlert struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Location  string    `json:"location,omitempty"`
}
