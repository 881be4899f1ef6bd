package uplink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"civicbeacon/internal/config"
	"civicbeacon/internal/model"
)

// Publisher is what the orchestrator drains the metrics queue through and
// emits heartbeats on.
type Publisher interface {
	PublishMetrics(ctx context.Context, batch model.MetricsBatch) error
	PublishHeartbeat(ctx context.Context, hb model.Heartbeat) error
	Connected() bool
}

// MQTTUplink publishes anonymized metrics batches and heartbeats to the
// cloud sync collaborator over MQTT. Reconnects are automatic; publish
// failures are reported to the caller, which leaves batches queued.
type MQTTUplink struct {
	cfg    *config.Manager
	client mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64

	onConnChange func(connected bool)
}

func NewMQTTUplink(cfg *config.Manager, logger *slog.Logger) *MQTTUplink {
	return &MQTTUplink{cfg: cfg, logger: logger}
}

// OnConnectionChange registers a callback for broker connect/disconnect
// events, letting the network monitor fold them in as reachability hints.
func (u *MQTTUplink) OnConnectionChange(fn func(connected bool)) {
	u.onConnChange = fn
}

func (u *MQTTUplink) Connect(ctx context.Context) error {
	cfg := u.cfg.Get()
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Sync.Broker))
	opts.SetClientID(cfg.Device.ID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		u.setConnected(true)
		if u.logger != nil {
			u.logger.Info("uplink connected", "broker", cfg.Sync.Broker, "client_id", cfg.Device.ID)
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		u.setConnected(false)
		if u.logger != nil {
			u.logger.Warn("uplink connection lost, auto-reconnect pending", "err", err)
		}
	}

	u.client = mqtt.NewClient(opts)
	token := u.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("uplink connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("uplink connect: %w", err)
	}
	u.setConnected(true)
	return nil
}

func (u *MQTTUplink) Disconnect() {
	if u.client != nil && u.client.IsConnected() {
		u.client.Disconnect(250)
	}
	u.setConnected(false)
}

func (u *MQTTUplink) Connected() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.connected
}

// PublishMetrics sends one queued batch at QoS 1. The payload is aggregate
// counters only.
func (u *MQTTUplink) PublishMetrics(ctx context.Context, batch model.MetricsBatch) error {
	topic := u.topic("metrics")
	return u.publish(ctx, topic, 1, batch)
}

func (u *MQTTUplink) PublishHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	topic := u.topic("heartbeat")
	return u.publish(ctx, topic, 0, hb)
}

func (u *MQTTUplink) publish(ctx context.Context, topic string, qos byte, payload any) error {
	if !u.Connected() {
		u.countError()
		return fmt.Errorf("uplink not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		u.countError()
		return fmt.Errorf("marshal payload: %w", err)
	}
	token := u.client.Publish(topic, qos, false, data)
	deadline := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < deadline {
			deadline = until
		}
	}
	if !token.WaitTimeout(deadline) {
		u.countError()
		return fmt.Errorf("publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		u.countError()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	u.mu.Lock()
	u.published++
	u.mu.Unlock()
	if u.logger != nil {
		u.logger.Debug("uplink published", "topic", topic, "qos", qos, "size", len(data))
	}
	return nil
}

func (u *MQTTUplink) topic(kind string) string {
	cfg := u.cfg.Get()
	return fmt.Sprintf("%s/%s/%s", cfg.Sync.TopicPrefix, cfg.Device.ID, kind)
}

func (u *MQTTUplink) setConnected(connected bool) {
	u.mu.Lock()
	changed := u.connected != connected
	u.connected = connected
	u.mu.Unlock()
	if changed && u.onConnChange != nil {
		u.onConnChange(connected)
	}
}

type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

func (u *MQTTUplink) Stats() Stats {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return Stats{Connected: u.connected, Published: u.published, Errors: u.errors}
}

func (u *MQTTUplink) countError() {
	u.mu.Lock()
	u.errors++
	u.mu.Unlock()
}
