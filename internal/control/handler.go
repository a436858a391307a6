// Package control handles MQTT control-plane commands.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cataloglu/thermal-dual-vision/internal/config"
)

// Command represents a control plane command.
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response.
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands.
type CommandCallbacks struct {
	OnGetStatus    func() map[string]interface{}
	OnReloadConfig func() error
	OnStartCamera  func(cameraID string) error
	OnStopCamera   func(cameraID string) error
	OnShutdown     func() error
}

// Handler handles control plane commands.
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	commands  chan Command
	done      chan struct{}
	stopOnce  sync.Once
	callbacks CommandCallbacks
}

// NewHandler creates a control plane handler.
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		done:      make(chan struct{}),
		callbacks: callbacks,
	}
}

// Start starts listening for control commands.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler.
func (h *Handler) Stop() error {
	topic := h.cfg.MQTT.Topics.Control

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(topic)
		token.Wait()
	}

	// The command channel is never closed: a broker callback may still be
	// in flight with a send. Teardown is signalled instead.
	h.stopOnce.Do(func() { close(h.done) })

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received.
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case <-h.done:
		slog.Warn("handler stopped, dropping command", "command", cmd.Command)
		return
	default:
	}

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue.
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case cmd := <-h.commands:
			h.handleCommand(cmd)
		}
	}
}

// handleCommand executes a command.
func (h *Handler) handleCommand(cmd Command) {
	var resp Response
	resp.CommandAck = cmd.Command

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus != nil {
			resp.Status = "success"
			resp.Data = h.callbacks.OnGetStatus()
		} else {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
		}

	case "reload_config":
		if h.callbacks.OnReloadConfig != nil {
			if err := h.callbacks.OnReloadConfig(); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{
					"config_reloaded": true,
					"message":         "settings apply at worker boundaries, never mid-event",
				}
			}
		} else {
			resp.Status = "error"
			resp.Error = "reload_config not implemented"
		}

	case "start_camera":
		cameraID, ok := cmd.Params["camera_id"].(string)
		if !ok || cameraID == "" {
			resp.Status = "error"
			resp.Error = "missing or invalid 'camera_id' parameter (expected string)"
			break
		}
		if h.callbacks.OnStartCamera != nil {
			if err := h.callbacks.OnStartCamera(cameraID); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{
					"camera_id": cameraID,
					"message":   "camera started",
				}
			}
		} else {
			resp.Status = "error"
			resp.Error = "start_camera not implemented"
		}

	case "stop_camera":
		cameraID, ok := cmd.Params["camera_id"].(string)
		if !ok || cameraID == "" {
			resp.Status = "error"
			resp.Error = "missing or invalid 'camera_id' parameter (expected string)"
			break
		}
		if h.callbacks.OnStopCamera != nil {
			if err := h.callbacks.OnStopCamera(cameraID); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{
					"camera_id": cameraID,
					"message":   "camera stopped",
				}
			}
		} else {
			resp.Status = "error"
			resp.Error = "stop_camera not implemented"
		}

	case "shutdown":
		if h.callbacks.OnShutdown != nil {
			slog.Warn("shutdown command received via MQTT control plane")
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"shutdown_initiated": true,
				"message":            "graceful shutdown in progress",
			}
			// Send response BEFORE triggering shutdown
			h.sendResponse(resp)

			go func() {
				time.Sleep(500 * time.Millisecond)
				if err := h.callbacks.OnShutdown(); err != nil {
					slog.Error("shutdown callback failed", "error", err)
				}
			}()
			return
		}
		resp.Status = "error"
		resp.Error = "shutdown not implemented"

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

// sendResponse publishes a command response to the status topic.
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}
	if h.client == nil || !h.client.IsConnected() {
		slog.Warn("cannot send response, mqtt not connected",
			"command_ack", resp.CommandAck,
		)
		return
	}

	topic := h.cfg.MQTT.Topics.Status
	qos := h.cfg.MQTT.QoS["status"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
