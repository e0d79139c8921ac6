// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify defines the notification collaborator interface used by
// the escalation subsystem, plus the built-in implementations: a logging
// notifier for local deployments and a webhook notifier for wiring real
// dispatch endpoints.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

// Channel names an emergency notification target.
type Channel string

const (
	// ChannelHotline references the crisis hotline dispatch.
	ChannelHotline Channel = "hotline"

	// ChannelCrisisText references the crisis text line dispatch.
	ChannelCrisisText Channel = "crisis_text"

	// ChannelSupervisor notifies the on-duty supervisor.
	ChannelSupervisor Channel = "supervisor"
)

// DefaultChannels is the standard escalation fan-out set.
func DefaultChannels() []Channel {
	return []Channel{ChannelHotline, ChannelCrisisText, ChannelSupervisor}
}

// Payload is the notification content per channel.
type Payload struct {
	SessionID datatypes.SessionID `json:"session_id"`
	Severity  datatypes.Severity  `json:"severity"`
	Reason    string              `json:"reason"`
	At        time.Time           `json:"at"`
}

// Notifier dispatches one payload to one channel. Implementations must
// honor ctx cancellation: the escalation subsystem joins the fan-out with
// a hard deadline.
type Notifier interface {
	// Notify returns whether the channel was reached. A false return or
	// an error both count as failed-to-notify for the audit record.
	Notify(ctx context.Context, ch Channel, p Payload) (reached bool, err error)
}

// =============================================================================
// Logging Notifier
// =============================================================================

// SlogNotifier logs notifications instead of dispatching them. It is the
// default for local deployments where no external dispatch infrastructure
// exists; the audit trail still records every escalation.
type SlogNotifier struct{}

// Notify logs the payload and reports the channel as reached.
func (SlogNotifier) Notify(ctx context.Context, ch Channel, p Payload) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	slog.Info("emergency notification dispatched",
		"channel", string(ch),
		"session_id", p.SessionID,
		"severity", int(p.Severity),
		"reason", p.Reason,
	)
	return true, nil
}

// =============================================================================
// Webhook Notifier
// =============================================================================

// WebhookNotifier POSTs the payload to a per-channel endpoint.
type WebhookNotifier struct {
	// Endpoints maps each channel to its dispatch URL. Channels without
	// an endpoint are reported unreachable.
	Endpoints map[Channel]string

	// Client is the HTTP client; nil uses a client with a 2s timeout.
	Client *http.Client
}

// NewWebhookNotifier creates a notifier for the given endpoints.
func NewWebhookNotifier(endpoints map[Channel]string) *WebhookNotifier {
	return &WebhookNotifier{
		Endpoints: endpoints,
		Client:    &http.Client{Timeout: 2 * time.Second},
	}
}

// Notify POSTs the payload and reports reached on any 2xx response.
func (n *WebhookNotifier) Notify(ctx context.Context, ch Channel, p Payload) (bool, error) {
	url, ok := n.Endpoints[ch]
	if !ok {
		return false, fmt.Errorf("channel %s: %w", ch, datatypes.ErrEscalationChannelUnreachable)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("channel %s: %w", ch, datatypes.ErrEscalationChannelUnreachable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("channel %s returned %d: %w",
			ch, resp.StatusCode, datatypes.ErrEscalationChannelUnreachable)
	}
	return true, nil
}
