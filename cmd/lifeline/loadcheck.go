// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
	"github.com/AleutianAI/LifelineLocal/services/crisis/failover"
)

func runLoadcheck(cmd *cobra.Command, args []string) error {
	prober := newWSProber(checkTarget, checkFallback, checkSessions)

	report := failover.ValidateLoad(cmd.Context(), prober, failover.LoadSpec{
		Sessions:           checkSessions,
		MessagesPerSession: checkMessages,
		Concurrency:        checkParallel,
		SessionTimeout:     checkTimeout,
	})
	prober.closeAll()

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if report.Verdict == failover.VerdictFailed {
		os.Exit(1)
	}
	return nil
}

// wsFrame mirrors the server's frame envelope; only the fields the
// prober inspects are declared.
type wsFrame struct {
	Type  string `json:"type"`
	Event *struct {
		Type      datatypes.EventType `json:"type"`
		SessionID string              `json:"session_id"`
	} `json:"event,omitempty"`
	Receipt *struct {
		Status datatypes.DeliveryStatus `json:"status"`
	} `json:"receipt,omitempty"`
	Error string `json:"error,omitempty"`
}

// wsLink adapts a live websocket to the failover link interface.
type wsLink struct {
	conn *websocket.Conn
}

func (l *wsLink) Ping(ctx context.Context) error {
	deadline := time.Now().Add(2 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	return l.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (l *wsLink) Close() error { return l.conn.Close() }

// wsDialer implements failover.Dialer over gorilla websockets.
type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, endpoint string) (failover.Link, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		resp.Body.Close()
	}
	return &wsLink{conn: conn}, nil
}

// wsProber drives synthetic crisis sessions over real WebSockets.
//
// Connect establishes a socket through the failover manager (honoring
// --fallback), starts a session, and pools the live connection; Deliver
// borrows a pooled connection, sends one message, and waits for its
// receipt. The pool decouples the prober from the validator's goroutine
// scheduling.
type wsProber struct {
	url      string
	fallback string
	conns    chan *websocket.Conn
}

func newWSProber(base, fallback string, capacity int) *wsProber {
	p := &wsProber{
		url:   base + "/v1/ws?role=person",
		conns: make(chan *websocket.Conn, capacity),
	}
	if fallback != "" {
		p.fallback = fallback + "/v1/ws?role=person"
	}
	return p
}

// Connect implements failover.Prober.
func (p *wsProber) Connect(ctx context.Context) error {
	mgr := failover.NewManager(failover.Config{
		PrimaryEndpoint:   p.url,
		SecondaryEndpoint: p.fallback,
	}, wsDialer{}, nil, datatypes.NewConnectionID())

	link, _, err := mgr.Establish(ctx)
	if err != nil {
		return err
	}
	conn := link.(*wsLink).conn

	if _, err := p.awaitEvent(ctx, conn, datatypes.EventConnected); err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteJSON(map[string]string{"action": "start"}); err != nil {
		conn.Close()
		return err
	}
	if _, err := p.awaitEvent(ctx, conn, datatypes.EventSessionStarted); err != nil {
		conn.Close()
		return err
	}

	select {
	case p.conns <- conn:
	default:
		conn.Close()
	}
	return nil
}

// Deliver implements failover.Prober. A QUEUED receipt counts as a
// successful accept: no volunteer is matched in a synthetic session, so
// the pipeline parks the message in the offline buffer.
func (p *wsProber) Deliver(ctx context.Context) error {
	var conn *websocket.Conn
	select {
	case conn = <-p.conns:
	case <-ctx.Done():
		return ctx.Err()
	}

	err := p.sendOne(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}
	select {
	case p.conns <- conn:
	default:
		conn.Close()
	}
	return nil
}

func (p *wsProber) sendOne(ctx context.Context, conn *websocket.Conn) error {
	if err := conn.WriteJSON(map[string]string{
		"action":  "message",
		"payload": "synthetic load probe",
	}); err != nil {
		return err
	}
	for {
		frame, err := p.readFrame(ctx, conn)
		if err != nil {
			return err
		}
		switch frame.Type {
		case "RECEIPT":
			if frame.Receipt != nil && frame.Receipt.Status == datatypes.DeliveryFailed {
				return datatypes.ErrDeliveryFailed
			}
			return nil
		case "ERROR":
			return fmt.Errorf("server error: %s", frame.Error)
		}
	}
}

func (p *wsProber) awaitEvent(ctx context.Context, conn *websocket.Conn, want datatypes.EventType) (wsFrame, error) {
	for {
		frame, err := p.readFrame(ctx, conn)
		if err != nil {
			return wsFrame{}, err
		}
		if frame.Type == "ERROR" {
			return wsFrame{}, fmt.Errorf("server error: %s", frame.Error)
		}
		if frame.Type == "EVENT" && frame.Event != nil && frame.Event.Type == want {
			return frame, nil
		}
	}
}

func (p *wsProber) readFrame(ctx context.Context, conn *websocket.Conn) (wsFrame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return wsFrame{}, err
		}
	}
	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return wsFrame{}, err
	}
	return frame, nil
}

// closeAll ends and tears down every pooled connection.
func (p *wsProber) closeAll() {
	for {
		select {
		case conn := <-p.conns:
			_ = conn.WriteJSON(map[string]string{"action": "end"})
			conn.Close()
		default:
			return
		}
	}
}
