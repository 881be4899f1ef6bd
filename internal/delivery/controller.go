package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"civicbeacon/internal/alerts"
	"civicbeacon/internal/config"
	"civicbeacon/internal/model"
)

// VisualFrame is what the display collaborator renders. Font size is clamped
// at the controller, not chosen per message.
type VisualFrame struct {
	Text     string
	Language string
	FontPt   int
	Duration time.Duration
}

type AudioClip struct {
	Audio    []byte
	Language string
	VolumeDb float64
}

type Display interface {
	Render(ctx context.Context, frame VisualFrame) error
}

type Speaker interface {
	Play(ctx context.Context, clip AudioClip) error
}

// NoiseSensor reports ambient noise in dB. Nil sensor means base volume.
type NoiseSensor interface {
	AmbientDb() float64
}

var (
	ErrEvicted    = errors.New("message evicted from delivery queue")
	ErrAllRetried = errors.New("all delivery attempts failed")
)

type pendingEntry struct {
	msg   model.AwarenessMessage
	seq   uint64
	ready chan struct{}
	err   error
}

// Controller enforces the delivery invariants: at most maxConcurrent
// messages in flight, a bounded wait queue with lowest-priority eviction,
// a start-time barrier across channels, and per-channel failure isolation.
type Controller struct {
	cfg     *config.Manager
	display Display
	speaker Speaker
	noise   NoiseSensor
	alerts  *alerts.Store
	logger  *slog.Logger

	slots chan struct{}

	mu       sync.Mutex
	waiting  []*pendingEntry
	nextSeq  uint64
	visualOK bool
	audioOK  bool

	onResult func(model.DeliveryResult)
}

func NewController(cfg *config.Manager, display Display, speaker Speaker, noise NoiseSensor, alertStore *alerts.Store, logger *slog.Logger) *Controller {
	maxConcurrent := cfg.Get().Delivery.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Controller{
		cfg:      cfg,
		display:  display,
		speaker:  speaker,
		noise:    noise,
		alerts:   alertStore,
		logger:   logger,
		slots:    make(chan struct{}, maxConcurrent),
		visualOK: display != nil,
		audioOK:  speaker != nil,
	}
}

// OnResult registers a sink for delivery results. Must be set before the
// pipeline starts; results carry no message text.
func (c *Controller) OnResult(fn func(model.DeliveryResult)) {
	c.onResult = fn
}

func (c *Controller) Health() model.ChannelHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.ChannelHealth{VisualOK: c.visualOK, AudioOK: c.audioOK}
}

// EnableChannels closes the failure breakers again, typically after an
// operator swaps hardware.
func (c *Controller) EnableChannels(visual, audio bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if visual && c.display != nil {
		c.visualOK = true
	}
	if audio && c.speaker != nil {
		c.audioOK = true
	}
}

// InFlight reports how many delivery slots are currently held.
func (c *Controller) InFlight() int {
	return len(c.slots)
}

// Deliver runs one message through the channel pair. It blocks until a slot
// is free, the message is evicted, or ctx is cancelled.
func (c *Controller) Deliver(ctx context.Context, msg model.AwarenessMessage) (model.DeliveryResult, error) {
	if err := c.acquireSlot(ctx, msg); err != nil {
		if errors.Is(err, ErrEvicted) {
			result := model.DeliveryResult{
				MessageID:   msg.ID,
				Category:    msg.Category,
				Location:    msg.Location,
				Dropped:     true,
				CompletedAt: time.Now().UTC(),
			}
			c.emit(result)
			return result, err
		}
		return model.DeliveryResult{}, err
	}
	defer c.releaseSlot()

	cfg := c.cfg.Get()

	// the channel set is fixed when delivery starts; a breaker tripped
	// mid-retry gates later messages, not the retries of this one
	c.mu.Lock()
	tryVisual := c.visualOK
	tryAudio := c.audioOK && msg.AudioEnabled
	c.mu.Unlock()

	started := time.Now()
	retries := cfg.Delivery.MaxRetries
	var last model.DeliveryResult
	for attempt := 0; ; attempt++ {
		result := c.attempt(ctx, cfg, msg, tryVisual, tryAudio)
		result.Latency = time.Since(started)
		result.CompletedAt = time.Now().UTC()
		if result.Delivered() || ctx.Err() != nil {
			c.emit(result)
			return result, ctx.Err()
		}
		last = result
		if attempt >= retries {
			break
		}
	}
	last.Dropped = true
	c.emit(last)
	c.alert("critical", "delivery_failed", "both channels failed, message dropped after retries", msg.Location)
	return last, ErrAllRetried
}

func (c *Controller) acquireSlot(ctx context.Context, msg model.AwarenessMessage) error {
	select {
	case c.slots <- struct{}{}:
		return nil
	default:
	}

	entry := &pendingEntry{msg: msg, ready: make(chan struct{})}
	c.mu.Lock()
	c.nextSeq++
	entry.seq = c.nextSeq
	c.waiting = append(c.waiting, entry)
	bound := c.cfg.Get().Delivery.QueueBound
	var evicted *pendingEntry
	if bound > 0 && len(c.waiting) > bound {
		evicted = c.evictLowestLocked()
	}
	c.mu.Unlock()

	if evicted != nil {
		c.alert("medium", "queue_eviction", "pending message evicted under delivery pressure", evicted.msg.Location)
		if evicted == entry {
			return ErrEvicted
		}
	}

	select {
	case c.slots <- struct{}{}:
		if c.tryRemove(entry) {
			return nil
		}
		// a handoff or eviction raced the direct acquire: give the extra
		// token back and honor the decided outcome
		<-c.slots
		<-entry.ready
		return entry.err
	case <-entry.ready:
		return entry.err
	case <-ctx.Done():
		if c.tryRemove(entry) {
			return ctx.Err()
		}
		<-entry.ready
		if entry.err == nil {
			// we were granted a slot we can no longer use
			c.releaseSlot()
		}
		return ctx.Err()
	}
}

// evictLowestLocked drops the lowest-priority waiter; among equal priorities
// the newest waiter loses. The incoming message is itself evicted only when
// it is the worst candidate in the queue.
func (c *Controller) evictLowestLocked() *pendingEntry {
	worst := -1
	for i, e := range c.waiting {
		if worst < 0 {
			worst = i
			continue
		}
		w := c.waiting[worst]
		if e.msg.Priority < w.msg.Priority || (e.msg.Priority == w.msg.Priority && e.seq > w.seq) {
			worst = i
		}
	}
	if worst < 0 {
		return nil
	}
	e := c.waiting[worst]
	c.removeLocked(e)
	e.err = ErrEvicted
	close(e.ready)
	return e
}

func (c *Controller) releaseSlot() {
	c.mu.Lock()
	// hand the freed slot to the highest-priority waiter, FIFO on ties
	var next *pendingEntry
	for _, e := range c.waiting {
		if next == nil || e.msg.Priority > next.msg.Priority ||
			(e.msg.Priority == next.msg.Priority && e.seq < next.seq) {
			next = e
		}
	}
	if next != nil {
		c.removeLocked(next)
	}
	c.mu.Unlock()

	if next != nil {
		// slot transfers ownership without touching the channel
		close(next.ready)
		return
	}
	<-c.slots
}

func (c *Controller) tryRemove(entry *pendingEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(entry)
}

func (c *Controller) removeLocked(entry *pendingEntry) bool {
	for i, e := range c.waiting {
		if e == entry {
			c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
			return true
		}
	}
	return false
}

// attempt runs both enabled channels behind a shared start barrier so their
// observable start times stay within the sync window.
func (c *Controller) attempt(ctx context.Context, cfg *config.Config, msg model.AwarenessMessage, tryVisual, tryAudio bool) model.DeliveryResult {
	result := model.DeliveryResult{
		MessageID:   msg.ID,
		Category:    msg.Category,
		Location:    msg.Location,
		VisualTried: tryVisual,
		AudioTried:  tryAudio,
	}
	if !tryVisual && !tryAudio {
		return result
	}

	fontPt := cfg.Delivery.MinFontPt
	if fontPt < 72 {
		fontPt = 72
	}
	frame := VisualFrame{
		Text:     msg.Text,
		Language: msg.Language,
		FontPt:   fontPt,
		Duration: msg.DisplayDuration,
	}
	clip := AudioClip{
		Audio:    msg.Audio,
		Language: msg.Language,
		VolumeDb: effectiveVolume(cfg.Delivery.Volume, c.noise),
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	var visualStart, audioStart time.Time
	var visualErr, audioErr error

	if tryVisual {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			visualStart = time.Now()
			visualErr = c.display.Render(ctx, frame)
		}()
	}
	if tryAudio {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			audioStart = time.Now()
			audioErr = c.speaker.Play(ctx, clip)
		}()
	}
	close(start)
	wg.Wait()

	if tryVisual && tryAudio {
		skew := visualStart.Sub(audioStart)
		if skew < 0 {
			skew = -skew
		}
		result.StartSkew = skew
		if skew > cfg.Delivery.SyncWindow && c.logger != nil {
			c.logger.Error("channel start skew exceeded sync window",
				"skew", skew, "window", cfg.Delivery.SyncWindow, "message_id", msg.ID)
		}
	}

	if tryVisual {
		if visualErr != nil {
			c.tripChannel(true, msg.Location, visualErr)
		} else {
			result.VisualOK = true
			c.restoreChannel(true)
		}
	}
	if tryAudio {
		if audioErr != nil {
			c.tripChannel(false, msg.Location, audioErr)
		} else {
			result.AudioOK = true
			c.restoreChannel(false)
		}
	}
	return result
}

// tripChannel opens the failure breaker for one channel; the other keeps
// delivering. An already-open breaker stays open without a second alert.
func (c *Controller) tripChannel(visual bool, location string, err error) {
	c.mu.Lock()
	var alreadyOpen bool
	if visual {
		alreadyOpen = !c.visualOK
		c.visualOK = false
	} else {
		alreadyOpen = !c.audioOK
		c.audioOK = false
	}
	c.mu.Unlock()
	if alreadyOpen {
		return
	}
	name := "audio"
	if visual {
		name = "visual"
	}
	if c.logger != nil {
		c.logger.Error("channel failure, disabling channel", "channel", name, "err", err)
	}
	c.alert("high", "channel_failure", name+" channel disabled: "+err.Error(), location)
}

// restoreChannel closes the breaker after a successful hardware attempt, so
// a fault that clears during retries does not disable the channel for good.
func (c *Controller) restoreChannel(visual bool) {
	c.mu.Lock()
	if visual {
		c.visualOK = true
	} else {
		c.audioOK = true
	}
	c.mu.Unlock()
}

func (c *Controller) emit(result model.DeliveryResult) {
	if c.onResult != nil {
		c.onResult(result)
	}
}

func (c *Controller) alert(severity, kind, detail, location string) {
	if c.alerts == nil {
		return
	}
	c.alerts.Add(model.OperatorAlert{
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Kind:      kind,
		Detail:    detail,
		Location:  location,
	})
}

// effectiveVolume boosts output above the noise floor and clamps at the
// ceiling: base + gain*(noise-floor), never above ceiling.
func effectiveVolume(v config.VolumeConfig, sensor NoiseSensor) float64 {
	if sensor == nil {
		return v.BaseDb
	}
	noise := sensor.AmbientDb()
	if noise <= v.NoiseFloorDb {
		return v.BaseDb
	}
	out := v.BaseDb + v.Gain*(noise-v.NoiseFloorDb)
	if out > v.CeilingDb {
		return v.CeilingDb
	}
	return out
}
