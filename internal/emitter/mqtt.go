// Package emitter publishes events and status snapshots to the MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cataloglu/thermal-dual-vision/internal/config"
	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// MQTTEmitter publishes to the broker with auto-reconnect.
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // shared with the control handler

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates an emitter.
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

// PublishEvent publishes one event snapshot. Consumers receive the same
// event id repeatedly as its media state advances.
func (e *MQTTEmitter) PublishEvent(ev types.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	topic := fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Events, ev.CameraID)
	return e.publish(topic, e.getQoS("events"), payload)
}

// PublishStatus publishes the per-camera status array.
func (e *MQTTEmitter) PublishStatus(statuses []types.CameraStatus) error {
	payload, err := json.Marshal(map[string]any{
		"instance_id": e.cfg.InstanceID,
		"ts":          time.Now().Format(time.RFC3339),
		"cameras":     statuses,
	})
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return e.publish(e.cfg.MQTT.Topics.Status, e.getQoS("status"), payload)
}

// PublishRaw publishes a pre-encoded payload, used for control replies.
func (e *MQTTEmitter) PublishRaw(topic string, payload []byte) error {
	return e.publish(topic, e.getQoS("control"), payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)
	return nil
}

// Disconnect closes the MQTT connection.
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64)
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func (e *MQTTEmitter) getQoS(kind string) byte {
	if qos, ok := e.cfg.MQTT.QoS[kind]; ok {
		return qos
	}
	return 0
}
