package event

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/cataloglu/thermal-dual-vision/internal/config"
	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// ApprovalGate asks an external endpoint whether an event may be notified.
// The gate defers notification only: media generation never waits on it and
// a rejection never deletes evidence. A missing endpoint, transport error,
// non-200 reply, or timeout all resolve to approved.
type ApprovalGate struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewApprovalGate builds a gate from config. An empty URL disables gating.
func NewApprovalGate(cfg config.EventsConfig) *ApprovalGate {
	timeout := time.Duration(cfg.ApprovalTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &ApprovalGate{
		url:     cfg.ApprovalURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether an approval endpoint is configured.
func (g *ApprovalGate) Enabled() bool {
	return g.url != ""
}

type approvalReply struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Resolve blocks until the gate reaches a verdict for the event.
func (g *ApprovalGate) Resolve(ctx context.Context, ev types.Event) types.ApprovalState {
	if g.url == "" {
		return types.ApprovalNone
	}

	body, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal approval request", "event_id", ev.ID, "error", err)
		return types.ApprovalApproved
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		slog.Error("failed to build approval request", "event_id", ev.ID, "error", err)
		return types.ApprovalApproved
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		slog.Warn("approval step unreachable, proceeding ungated",
			"event_id", ev.ID,
			"error", err,
		)
		return types.ApprovalApproved
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("approval step returned non-200, proceeding ungated",
			"event_id", ev.ID,
			"status", resp.StatusCode,
		)
		return types.ApprovalApproved
	}

	var reply approvalReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		slog.Warn("unreadable approval reply, proceeding ungated",
			"event_id", ev.ID,
			"error", err,
		)
		return types.ApprovalApproved
	}

	if !reply.Approved {
		slog.Info("approval step rejected event",
			"event_id", ev.ID,
			"reason", reply.Reason,
		)
		return types.ApprovalRejected
	}
	return types.ApprovalApproved
}
