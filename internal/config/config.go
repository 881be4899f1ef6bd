package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string              `json:"log_level" yaml:"log_level"`
	Device     DeviceConfig        `json:"device" yaml:"device"`
	Ingest     IngestConfig        `json:"ingest" yaml:"ingest"`
	Taxonomy   TaxonomyConfig      `json:"taxonomy" yaml:"taxonomy"`
	Languages  LanguageConfig      `json:"languages" yaml:"languages"`
	OptOuts    map[string][]string `json:"opt_outs" yaml:"opt_outs"`
	Templates  TemplatesConfig     `json:"templates" yaml:"templates"`
	Generation GenerationConfig    `json:"generation" yaml:"generation"`
	Delivery   DeliveryConfig      `json:"delivery" yaml:"delivery"`
	Pipeline   PipelineConfig      `json:"pipeline" yaml:"pipeline"`
	Network    NetworkConfig       `json:"network" yaml:"network"`
	Metrics    MetricsConfig       `json:"metrics" yaml:"metrics"`
	Storage    StorageConfig       `json:"storage" yaml:"storage"`
	Sync       SyncConfig          `json:"sync" yaml:"sync"`
	API        APIConfig           `json:"api" yaml:"api"`
	Alerts     AlertsConfig        `json:"alerts" yaml:"alerts"`
	Collab     CollabConfig        `json:"collaborators" yaml:"collaborators"`
}

type DeviceConfig struct {
	ID       string `json:"id" yaml:"id"`
	Location string `json:"location" yaml:"location"`
}

type IngestConfig struct {
	ChannelBuffer int         `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig  `json:"rest" yaml:"rest"`
	Kafka         KafkaConfig `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type TaxonomyConfig struct {
	Categories     []string          `json:"categories" yaml:"categories"`
	Aliases        map[string]string `json:"aliases" yaml:"aliases"`
	SeverityWeight float64           `json:"severity_weight" yaml:"severity_weight"`
}

type LanguageConfig struct {
	Enabled []string `json:"enabled" yaml:"enabled"`
	Default string   `json:"default" yaml:"default"`
}

type TemplatesConfig struct {
	Path           string        `json:"path" yaml:"path"`
	ReloadInterval time.Duration `json:"reload_interval" yaml:"reload_interval"`
}

type GenerationConfig struct {
	AITimeout          time.Duration `json:"ai_timeout" yaml:"ai_timeout"`
	MaxRejects         int           `json:"max_rejects" yaml:"max_rejects"`
	BannedPhrases      []string      `json:"banned_phrases" yaml:"banned_phrases"`
	MinDisplayDuration time.Duration `json:"min_display_duration" yaml:"min_display_duration"`
}

type DeliveryConfig struct {
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent"`
	QueueBound    int           `json:"queue_bound" yaml:"queue_bound"`
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
	SyncWindow    time.Duration `json:"sync_window" yaml:"sync_window"`
	MinFontPt     int           `json:"min_font_pt" yaml:"min_font_pt"`
	Volume        VolumeConfig  `json:"volume" yaml:"volume"`
}

type VolumeConfig struct {
	BaseDb       float64 `json:"base_db" yaml:"base_db"`
	Gain         float64 `json:"gain" yaml:"gain"`
	NoiseFloorDb float64 `json:"noise_floor_db" yaml:"noise_floor_db"`
	CeilingDb    float64 `json:"ceiling_db" yaml:"ceiling_db"`
}

type PipelineConfig struct {
	ReorderWindow time.Duration `json:"reorder_window" yaml:"reorder_window"`
	Workers       int           `json:"workers" yaml:"workers"`
	MaxInFlight   int           `json:"max_in_flight" yaml:"max_in_flight"`
}

type NetworkConfig struct {
	ProbeURL         string        `json:"probe_url" yaml:"probe_url"`
	ProbeInterval    time.Duration `json:"probe_interval" yaml:"probe_interval"`
	LatencyThreshold time.Duration `json:"latency_threshold" yaml:"latency_threshold"`
	FailureStreak    int           `json:"failure_streak" yaml:"failure_streak"`
	ConfirmWindow    time.Duration `json:"confirm_window" yaml:"confirm_window"`
}

type MetricsConfig struct {
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
	QueueLimit    int           `json:"queue_limit" yaml:"queue_limit"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type SyncConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	Broker            string        `json:"broker" yaml:"broker"`
	TopicPrefix       string        `json:"topic_prefix" yaml:"topic_prefix"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

// CollabConfig points at the local collaborator daemons. Empty URL means the
// collaborator is absent: generation and TTS degrade to template-only and
// silent messages, display/speaker fall back to log adapters.
type CollabConfig struct {
	GeneratorURL string `json:"generator_url" yaml:"generator_url"`
	TTSURL       string `json:"tts_url" yaml:"tts_url"`
	DisplayURL   string `json:"display_url" yaml:"display_url"`
	SpeakerURL   string `json:"speaker_url" yaml:"speaker_url"`
	NoiseURL     string `json:"noise_url" yaml:"noise_url"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Device:   DeviceConfig{ID: "device-unknown", Location: "unknown"},
		Ingest: IngestConfig{
			ChannelBuffer: 1000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Taxonomy: TaxonomyConfig{
			Categories: []string{
				"littering",
				"noise_disturbance",
				"queue_jumping",
				"smoking_zone_violation",
				"public_space_cleanliness",
			},
			Aliases: map[string]string{
				"littering_raw": "littering",
				"noise_raw":     "noise_disturbance",
			},
			SeverityWeight: 100,
		},
		Languages: LanguageConfig{
			Enabled: []string{"en", "es", "fr", "hi", "ar"},
			Default: "en",
		},
		Templates: TemplatesConfig{Path: "templates.yaml", ReloadInterval: 1 * time.Minute},
		Generation: GenerationConfig{
			AITimeout:          2 * time.Second,
			MaxRejects:         1,
			MinDisplayDuration: 8 * time.Second,
		},
		Delivery: DeliveryConfig{
			MaxConcurrent: 3,
			QueueBound:    8,
			MaxRetries:    2,
			SyncWindow:    200 * time.Millisecond,
			MinFontPt:     72,
			Volume: VolumeConfig{
				BaseDb:       65,
				Gain:         0.5,
				NoiseFloorDb: 70,
				CeilingDb:    85,
			},
		},
		Pipeline: PipelineConfig{
			ReorderWindow: 40 * time.Millisecond,
			Workers:       8,
			MaxInFlight:   50,
		},
		Network: NetworkConfig{
			ProbeInterval:    5 * time.Second,
			LatencyThreshold: 500 * time.Millisecond,
			FailureStreak:    3,
			ConfirmWindow:    15 * time.Second,
		},
		Metrics: MetricsConfig{FlushInterval: 30 * time.Second, QueueLimit: 1000},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:civicbeacon.db?_pragma=busy_timeout(5000)"},
		Sync: SyncConfig{
			Enabled:           false,
			TopicPrefix:       "civicbeacon",
			HeartbeatInterval: 30 * time.Second,
		},
		API:    APIConfig{Enabled: true, Addr: ":8081"},
		Alerts: AlertsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if len(cfg.Taxonomy.Categories) == 0 {
		cfg.Taxonomy.Categories = def.Taxonomy.Categories
	}
	if cfg.Taxonomy.SeverityWeight <= 0 {
		cfg.Taxonomy.SeverityWeight = def.Taxonomy.SeverityWeight
	}
	if len(cfg.Languages.Enabled) == 0 {
		cfg.Languages.Enabled = def.Languages.Enabled
	}
	if cfg.Languages.Default == "" {
		cfg.Languages.Default = cfg.Languages.Enabled[0]
	}
	if cfg.Generation.AITimeout <= 0 {
		cfg.Generation.AITimeout = def.Generation.AITimeout
	}
	if cfg.Generation.MinDisplayDuration <= 0 {
		cfg.Generation.MinDisplayDuration = def.Generation.MinDisplayDuration
	}
	if cfg.Delivery.MaxConcurrent <= 0 {
		cfg.Delivery.MaxConcurrent = def.Delivery.MaxConcurrent
	}
	if cfg.Delivery.QueueBound <= 0 {
		cfg.Delivery.QueueBound = def.Delivery.QueueBound
	}
	if cfg.Delivery.SyncWindow <= 0 {
		cfg.Delivery.SyncWindow = def.Delivery.SyncWindow
	}
	if cfg.Delivery.MinFontPt < def.Delivery.MinFontPt {
		cfg.Delivery.MinFontPt = def.Delivery.MinFontPt
	}
	if cfg.Delivery.Volume.CeilingDb <= 0 {
		cfg.Delivery.Volume = def.Delivery.Volume
	}
	if cfg.Pipeline.ReorderWindow <= 0 {
		cfg.Pipeline.ReorderWindow = def.Pipeline.ReorderWindow
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = def.Pipeline.Workers
	}
	if cfg.Pipeline.MaxInFlight <= 0 {
		cfg.Pipeline.MaxInFlight = def.Pipeline.MaxInFlight
	}
	if cfg.Network.ProbeInterval <= 0 {
		cfg.Network.ProbeInterval = def.Network.ProbeInterval
	}
	if cfg.Network.LatencyThreshold <= 0 {
		cfg.Network.LatencyThreshold = def.Network.LatencyThreshold
	}
	if cfg.Network.FailureStreak <= 0 {
		cfg.Network.FailureStreak = def.Network.FailureStreak
	}
	if cfg.Network.ConfirmWindow <= 0 {
		cfg.Network.ConfirmWindow = def.Network.ConfirmWindow
	}
	if cfg.Metrics.FlushInterval <= 0 {
		cfg.Metrics.FlushInterval = def.Metrics.FlushInterval
	}
	if cfg.Metrics.QueueLimit <= 0 {
		cfg.Metrics.QueueLimit = def.Metrics.QueueLimit
	}
	if cfg.Sync.TopicPrefix == "" {
		cfg.Sync.TopicPrefix = def.Sync.TopicPrefix
	}
	if cfg.Sync.HeartbeatInterval <= 0 {
		cfg.Sync.HeartbeatInterval = def.Sync.HeartbeatInterval
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
	if cfg.Templates.ReloadInterval <= 0 {
		cfg.Templates.ReloadInterval = def.Templates.ReloadInterval
	}
}

func Validate(cfg *Config) error {
	if cfg.Device.ID == "" {
		return errors.New("device.id is required")
	}
	if len(cfg.Taxonomy.Categories) == 0 {
		return errors.New("taxonomy.categories must not be empty")
	}
	seen := make(map[string]bool, len(cfg.Taxonomy.Categories))
	for _, c := range cfg.Taxonomy.Categories {
		c = strings.TrimSpace(c)
		if c == "" {
			return errors.New("taxonomy.categories contains an empty category")
		}
		if seen[c] {
			return fmt.Errorf("taxonomy.categories contains duplicate %q", c)
		}
		seen[c] = true
	}
	for alias, target := range cfg.Taxonomy.Aliases {
		if !seen[target] {
			return fmt.Errorf("taxonomy.aliases maps %q to unknown category %q", alias, target)
		}
	}
	// confidence contributes at most 10 to the priority score; a weight at or
	// below that lets a confident lower-severity detection outrank a higher one
	if cfg.Taxonomy.SeverityWeight <= 10 {
		return fmt.Errorf("taxonomy.severity_weight %v must exceed 10 so severity dominates confidence", cfg.Taxonomy.SeverityWeight)
	}
	if len(cfg.Languages.Enabled) == 0 {
		return errors.New("languages.enabled must not be empty")
	}
	if !containsString(cfg.Languages.Enabled, cfg.Languages.Default) {
		return fmt.Errorf("languages.default %q is not in languages.enabled", cfg.Languages.Default)
	}
	for location, categories := range cfg.OptOuts {
		if strings.TrimSpace(location) == "" {
			return errors.New("opt_outs contains an empty location")
		}
		for _, c := range categories {
			if !seen[c] && c != "general_awareness" {
				return fmt.Errorf("opt_outs for %q names unknown category %q", location, c)
			}
		}
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Sync.Enabled && cfg.Sync.Broker == "" {
		return errors.New("sync.broker required when sync.enabled is true")
	}
	if cfg.Delivery.Volume.CeilingDb < cfg.Delivery.Volume.BaseDb {
		return errors.New("delivery.volume.ceiling_db must be >= base_db")
	}
	if cfg.Delivery.MaxRetries < 0 {
		return errors.New("delivery.max_retries must be >= 0")
	}
	if cfg.Storage.Driver != "" {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
		}
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	applyDefaults(cfg)
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

// Update validates before activation. An invalid config is rejected and the
// prior snapshot stays in force.
func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
