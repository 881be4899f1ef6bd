package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"civicbeacon/internal/config"
	"civicbeacon/internal/content"
	"civicbeacon/internal/delivery"
	"civicbeacon/internal/message"
	"civicbeacon/internal/metrics"
	"civicbeacon/internal/model"
	"civicbeacon/internal/netmon"
	"civicbeacon/internal/prioritizer"
	"civicbeacon/internal/rotation"
	"civicbeacon/internal/storage"
	"civicbeacon/internal/stream"
	"civicbeacon/internal/uplink"
)

const drainChunk = 10

// Orchestrator owns the pipeline: it takes raw detections off the intake
// channel, batches them over a short reorder window, classifies and orders
// the batch, and hands each context to a worker that generates a message and
// delivers it. It also runs the periodic jobs: metrics flush, queue drain,
// heartbeat, template reload, and config watch.
type Orchestrator struct {
	cfg         *config.Manager
	prioritizer *prioritizer.Prioritizer
	engine      *message.Engine
	controller  *delivery.Controller
	monitor     *netmon.Monitor
	metrics     *metrics.Aggregator
	queue       storage.Queue
	uplink      uplink.Publisher
	templates   *content.Store
	rotation    *rotation.State
	hub         *stream.Hub
	logger      *slog.Logger

	in      chan model.RawContext
	work    chan model.ClassifiedContext
	seq     atomic.Uint64
	started time.Time
	version string

	mu    sync.Mutex
	langs []string
}

type Deps struct {
	Config      *config.Manager
	Prioritizer *prioritizer.Prioritizer
	Engine      *message.Engine
	Controller  *delivery.Controller
	Monitor     *netmon.Monitor
	Metrics     *metrics.Aggregator
	Queue       storage.Queue
	Uplink      uplink.Publisher
	Templates   *content.Store
	Rotation    *rotation.State
	Hub         *stream.Hub
	Logger      *slog.Logger
	Version     string
}

func New(d Deps) *Orchestrator {
	cfg := d.Config.Get()
	o := &Orchestrator{
		cfg:         d.Config,
		prioritizer: d.Prioritizer,
		engine:      d.Engine,
		controller:  d.Controller,
		monitor:     d.Monitor,
		metrics:     d.Metrics,
		queue:       d.Queue,
		uplink:      d.Uplink,
		templates:   d.Templates,
		rotation:    d.Rotation,
		hub:         d.Hub,
		logger:      d.Logger,
		in:          make(chan model.RawContext, cfg.Ingest.ChannelBuffer),
		work:        make(chan model.ClassifiedContext, cfg.Pipeline.MaxInFlight),
		started:     time.Now().UTC(),
		version:     d.Version,
		langs:       append([]string(nil), cfg.Languages.Enabled...),
	}

	o.controller.OnResult(func(r model.DeliveryResult) {
		o.metrics.RecordResult(r)
		if o.hub != nil {
			o.hub.Broadcast("delivery_result", r)
		}
	})
	o.monitor.OnTransition(func(mode model.Mode) {
		o.engine.SetCloudAssist(mode == model.ModeOnline)
		if o.hub != nil {
			o.hub.Broadcast("mode", map[string]any{"mode": mode})
		}
	})
	o.engine.SetCloudAssist(o.monitor.Mode() == model.ModeOnline)
	return o
}

// Intake is the channel ingest transports feed detections into.
func (o *Orchestrator) Intake() chan<- model.RawContext {
	return o.in
}

// Run starts the pipeline loops and blocks until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	cfg := o.cfg.Get()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.batchLoop(ctx)
	}()

	for i := 0; i < cfg.Pipeline.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.workerLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.monitor.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.flushLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.drainLoop(ctx)
	}()

	if o.uplink != nil && cfg.Sync.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.heartbeatLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.templateLoop(ctx)
	}()

	if o.cfg.Path() != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.cfg.Watch(0, o.ApplyConfig, func(err error) {
				if o.logger != nil {
					o.logger.Error("config reload failed, keeping previous", "err", err)
				}
			}, ctx.Done())
		}()
	}

	wg.Wait()
	// a final flush so the window survives restart in the durable queue
	if batch, ok := o.metrics.Flush(); ok {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.queue.Enqueue(flushCtx, batch); err != nil && o.logger != nil {
			o.logger.Error("final metrics flush failed", "err", err)
		}
	}
}

// batchLoop stamps arrival order onto detections, classifies them, and
// collects a short window before releasing the batch in priority order. The
// window absorbs near-simultaneous arrivals so a burst drains highest
// priority first instead of strictly by arrival.
func (o *Orchestrator) batchLoop(ctx context.Context) {
	var batch []model.ClassifiedContext
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, c := range o.prioritizer.Prioritize(batch) {
			select {
			case o.work <- c:
			case <-ctx.Done():
				return
			}
		}
		batch = nil
	}

	for {
		select {
		case raw := <-o.in:
			raw.Seq = o.seq.Add(1)
			classified, ok := o.prioritizer.Classify(raw)
			o.metrics.CountDetection(classified.Category, classified.Location)
			if !ok {
				o.metrics.CountOptOutDrop(classified.Category, classified.Location)
				continue
			}
			batch = append(batch, classified)
			if timerC == nil {
				window := o.cfg.Get().Pipeline.ReorderWindow
				timer = time.NewTimer(window)
				timerC = timer.C
			}
		case <-timerC:
			timerC = nil
			flush()
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (o *Orchestrator) workerLoop(ctx context.Context) {
	for {
		select {
		case c := <-o.work:
			o.process(ctx, c)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, c model.ClassifiedContext) {
	msg, err := o.engine.Generate(ctx, c)
	if err != nil {
		if o.logger != nil {
			o.logger.Error("message generation failed", "category", c.Category, "location", c.Location, "err", err)
		}
		return
	}
	o.metrics.CountGenerated(msg.Category, msg.Location)

	if _, err := o.controller.Deliver(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		if o.logger != nil {
			o.logger.Warn("delivery did not complete", "message_id", msg.ID, "err", err)
		}
	}
}

// flushLoop moves the in-memory metrics window into the durable queue.
func (o *Orchestrator) flushLoop(ctx context.Context) {
	interval := o.cfg.Get().Metrics.FlushInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			batch, ok := o.metrics.Flush()
			if !ok {
				continue
			}
			if err := o.queue.Enqueue(ctx, batch); err != nil && o.logger != nil {
				o.logger.Error("metrics enqueue failed", "rows", len(batch.Rows), "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// drainLoop uploads queued batches FIFO once the link is confirmed stable.
// A publish failure stops the pass; the batch stays queued for the next one.
func (o *Orchestrator) drainLoop(ctx context.Context) {
	interval := o.cfg.Get().Network.ProbeInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.drainOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) drainOnce(ctx context.Context) {
	if o.uplink == nil || !o.monitor.SyncReady() || !o.uplink.Connected() {
		return
	}
	for {
		entries, err := o.queue.Peek(ctx, drainChunk)
		if err != nil {
			if o.logger != nil {
				o.logger.Error("queue peek failed", "err", err)
			}
			return
		}
		if len(entries) == 0 {
			return
		}
		acked := make([]int64, 0, len(entries))
		for _, e := range entries {
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := o.uplink.PublishMetrics(pubCtx, e.Batch)
			cancel()
			if err != nil {
				if o.logger != nil {
					o.logger.Warn("metrics publish failed, batch stays queued", "id", e.ID, "err", err)
				}
				break
			}
			acked = append(acked, e.ID)
		}
		if len(acked) > 0 {
			if err := o.queue.Ack(ctx, acked); err != nil && o.logger != nil {
				o.logger.Error("queue ack failed", "ids", acked, "err", err)
			}
		}
		if len(acked) < len(entries) {
			return
		}
	}
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	interval := o.cfg.Get().Sync.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !o.uplink.Connected() {
				continue
			}
			hb := model.Heartbeat{
				DeviceID:  o.cfg.Get().Device.ID,
				Timestamp: time.Now().UTC(),
				Mode:      o.monitor.Mode(),
				Channels:  o.controller.Health(),
				Uptime:    time.Since(o.started),
				Version:   o.version,
			}
			hbCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := o.uplink.PublishHeartbeat(hbCtx, hb); err != nil && o.logger != nil {
				o.logger.Debug("heartbeat publish failed", "err", err)
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// templateLoop picks up edited template files without a restart. A file that
// fails to parse is ignored and the running set stays active.
func (o *Orchestrator) templateLoop(ctx context.Context) {
	interval := o.cfg.Get().Templates.ReloadInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := o.templates.NeedsReload()
			if err != nil || !needs {
				continue
			}
			if err := o.templates.Reload(); err != nil {
				if o.logger != nil {
					o.logger.Error("template reload failed, keeping previous set", "err", err)
				}
				continue
			}
			if o.logger != nil {
				o.logger.Info("templates reloaded", "version", o.templates.Version())
			}
		case <-ctx.Done():
			return
		}
	}
}

// ApplyConfig propagates a validated config swap to the stateful stages.
// Rotation state is reset only when the language set actually changed, so an
// unrelated edit does not disturb fairness cursors.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	o.prioritizer.UpdateConfig(cfg)

	o.mu.Lock()
	changed := languagesChanged(o.langs, cfg.Languages.Enabled)
	if changed {
		o.langs = append([]string(nil), cfg.Languages.Enabled...)
	}
	o.mu.Unlock()
	if changed {
		o.rotation.Reset()
	}

	if o.logger != nil {
		o.logger.Info("config applied", "languages", cfg.Languages.Enabled, "languages_reset", changed)
	}
}

func languagesChanged(prev, next []string) bool {
	if len(prev) != len(next) {
		return true
	}
	for i := range prev {
		if prev[i] != next[i] {
			return true
		}
	}
	return false
}

// Reset clears per-location fairness state. Counters and alerts are cleared
// by their own stores.
func (o *Orchestrator) Reset() {
	o.rotation.Reset()
}

func (o *Orchestrator) Mode() model.Mode {
	return o.monitor.Mode()
}

func (o *Orchestrator) ChannelHealth() model.ChannelHealth {
	return o.controller.Health()
}

func (o *Orchestrator) EnableChannels(visual, audio bool) {
	o.controller.EnableChannels(visual, audio)
}
