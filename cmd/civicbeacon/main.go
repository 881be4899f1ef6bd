package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"civicbeacon/internal/alerts"
	"civicbeacon/internal/api"
	"civicbeacon/internal/collab"
	"civicbeacon/internal/config"
	"civicbeacon/internal/content"
	"civicbeacon/internal/delivery"
	"civicbeacon/internal/ingest"
	"civicbeacon/internal/logging"
	"civicbeacon/internal/message"
	"civicbeacon/internal/metrics"
	"civicbeacon/internal/model"
	"civicbeacon/internal/netmon"
	"civicbeacon/internal/orchestrator"
	"civicbeacon/internal/prioritizer"
	"civicbeacon/internal/rotation"
	"civicbeacon/internal/storage"
	"civicbeacon/internal/stream"
	"civicbeacon/internal/uplink"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the device config file")
	flag.Parse()

	mgr, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	templates, err := content.NewStore(config.ResolvePath(cfg.Templates.Path))
	if err != nil {
		logger.Error("load templates", "path", cfg.Templates.Path, "err", err)
		os.Exit(1)
	}

	rot := rotation.NewState()
	prio := prioritizer.New(cfg, logging.Component(logger, "prioritizer"))

	var gen message.Generator
	if cfg.Collab.GeneratorURL != "" {
		gen = collab.NewHTTPGenerator(cfg.Collab.GeneratorURL, nil)
	}
	var synth message.Synthesizer
	if cfg.Collab.TTSURL != "" {
		synth = collab.NewHTTPSynthesizer(cfg.Collab.TTSURL, nil)
	}
	engine := message.NewEngine(mgr, templates, rot, gen, synth, logging.Component(logger, "message"))

	var display delivery.Display
	if cfg.Collab.DisplayURL != "" {
		display = collab.NewHTTPDisplay(cfg.Collab.DisplayURL, nil)
	} else {
		logger.Warn("no display agent configured, frames go to the log")
		display = collab.LogDisplay{Logger: logging.Component(logger, "display")}
	}
	var speaker delivery.Speaker
	if cfg.Collab.SpeakerURL != "" {
		speaker = collab.NewHTTPSpeaker(cfg.Collab.SpeakerURL, nil)
	} else if synth != nil {
		speaker = collab.LogSpeaker{Logger: logging.Component(logger, "speaker")}
	}
	var noise delivery.NoiseSensor
	if cfg.Collab.NoiseURL != "" {
		noise = collab.NewHTTPNoiseSensor(cfg.Collab.NoiseURL, nil, logging.Component(logger, "noise"))
	}

	alertStore := alerts.NewStore(cfg.Alerts.StoreLimit)
	controller := delivery.NewController(mgr, display, speaker, noise, alertStore, logging.Component(logger, "delivery"))

	agg := metrics.NewAggregator(cfg.Device.ID)
	queue, err := storage.NewQueue(cfg.Storage, cfg.Metrics.QueueLimit)
	if err != nil {
		logger.Error("open metrics queue", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	if err := queue.Init(ctx); err != nil {
		logger.Error("init metrics queue", "err", err)
		os.Exit(1)
	}
	defer queue.Close()

	var up *uplink.MQTTUplink
	if cfg.Sync.Enabled {
		up = uplink.NewMQTTUplink(mgr, logging.Component(logger, "uplink"))
	}

	probe := buildProbe(cfg, up)
	monitor := netmon.NewMonitor(mgr, probe, logging.Component(logger, "netmon"))

	if up != nil {
		up.OnConnectionChange(func(connected bool) {
			if !connected {
				monitor.Record(0, true)
			}
		})
		if err := up.Connect(ctx); err != nil {
			logger.Warn("uplink connect failed, reconnecting in background", "err", err)
		}
		defer up.Disconnect()
	}

	hub := stream.NewHub(logging.Component(logger, "stream"))
	go hub.Run(ctx)
	alertStore.Notify(func(a model.OperatorAlert) {
		hub.Broadcast("alert", a)
	})

	deps := orchestrator.Deps{
		Config:      mgr,
		Prioritizer: prio,
		Engine:      engine,
		Controller:  controller,
		Monitor:     monitor,
		Metrics:     agg,
		Queue:       queue,
		Templates:   templates,
		Rotation:    rot,
		Hub:         hub,
		Logger:      logging.Component(logger, "orchestrator"),
		Version:     version,
	}
	if up != nil {
		deps.Uplink = up
	}
	orch := orchestrator.New(deps)

	api.Start(ctx, mgr, agg, alertStore, hub, orch, logging.Component(logger, "api"), version)
	ingest.StartREST(ctx, mgr, orch.Intake(), logging.Component(logger, "ingest"))
	ingest.StartKafka(ctx, mgr, orch.Intake(), logging.Component(logger, "ingest"))

	logger.Info("civicbeacon started",
		"device", cfg.Device.ID,
		"location", cfg.Device.Location,
		"version", version,
		"languages", cfg.Languages.Enabled,
	)

	orch.Run(ctx)
	logger.Info("civicbeacon stopped")
}

// buildProbe picks the reachability measurement: the configured health URL,
// the broker connection state, or a permanent-offline stub when the device
// has no network dependency at all.
func buildProbe(cfg *config.Config, up *uplink.MQTTUplink) netmon.Probe {
	if cfg.Network.ProbeURL != "" {
		return collab.HTTPProbe(cfg.Network.ProbeURL, nil)
	}
	if up != nil {
		return func(ctx context.Context) (time.Duration, error) {
			if up.Connected() {
				return time.Millisecond, nil
			}
			return 0, errors.New("uplink disconnected")
		}
	}
	return func(ctx context.Context) (time.Duration, error) {
		return 0, errors.New("no reachability probe configured")
	}
}
