// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session implements the crisis session state machine: creation
// under a handshake deadline, volunteer matching with a waiting queue,
// monotonic escalation, history ownership, and teardown with summary.
//
// # Thread Safety
//
// Manager serializes all session mutation behind one mutex; snapshots
// returned to callers are copies.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
	"github.com/AleutianAI/LifelineLocal/services/crisis/registry"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// ConnectionDirectory resolves live connections. registry.Registry
// satisfies this.
type ConnectionDirectory interface {
	Lookup(id datatypes.ConnectionID) (registry.Connection, bool)
}

// Persister records session snapshots and message status updates off the
// hot path. persistence.AsyncWriter satisfies this.
type Persister interface {
	SaveSession(sess datatypes.CrisisSession)
	SaveMessage(msg datatypes.Message)
}

// Drainer flushes and removes a session's delivery queue on teardown.
// delivery.Pipeline satisfies this.
type Drainer interface {
	Detach(ctx context.Context, sessionID datatypes.SessionID) error
}

// Publisher emits session lifecycle events.
type Publisher interface {
	Publish(evt datatypes.Event)
}

// Metrics records session lifecycle measurements.
// observability.CrisisMetrics satisfies this.
type Metrics interface {
	RecordHandshake(seconds float64)
	SessionTransition(from, to string)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the session manager tuning knobs.
type Config struct {
	// HandshakeDeadline bounds session establishment. A start that runs
	// past it is rolled back and fails with ErrHandshakeTimeout.
	// Default: 50ms.
	HandshakeDeadline time.Duration

	// IdleTimeout ends a session with no activity. Default: 30m.
	IdleTimeout time.Duration

	// MaxSessions caps concurrent non-terminal sessions. Default: 1000.
	MaxSessions int
}

// applyConfigDefaults fills zero-valued fields with production defaults.
func applyConfigDefaults(config *Config) {
	if config.HandshakeDeadline <= 0 {
		config.HandshakeDeadline = 50 * time.Millisecond
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Minute
	}
	if config.MaxSessions <= 0 {
		config.MaxSessions = 1000
	}
}

// =============================================================================
// Manager
// =============================================================================

// sessionState wraps the session record with its runtime machinery.
type sessionState struct {
	sess      datatypes.CrisisSession
	idleTimer *time.Timer
}

// Manager owns every live crisis session.
type Manager struct {
	config      Config
	connections ConnectionDirectory
	persister   Persister
	drainer     Drainer
	events      Publisher
	metrics     Metrics

	now func() time.Time

	mu       sync.Mutex
	sessions map[datatypes.SessionID]*sessionState
	byPerson map[datatypes.ConnectionID]datatypes.SessionID
	waiting  []datatypes.SessionID
}

// NewManager creates the session manager.
//
// # Inputs
//
//   - config: Deadlines and ceilings; zero values default.
//   - connections: Connection lookup; required.
//   - persister, drainer, events, metrics: May be nil.
func NewManager(config Config, connections ConnectionDirectory, persister Persister, drainer Drainer, events Publisher, metrics Metrics) *Manager {
	applyConfigDefaults(&config)
	return &Manager{
		config:      config,
		connections: connections,
		persister:   persister,
		drainer:     drainer,
		events:      events,
		metrics:     metrics,
		now:         time.Now,
		sessions:    make(map[datatypes.SessionID]*sessionState),
		byPerson:    make(map[datatypes.ConnectionID]datatypes.SessionID),
	}
}

// StartSession establishes a session for a person in crisis.
//
// # Description
//
// Verifies the connection, enforces the one-non-terminal-session-per-
// person invariant and the session ceiling, and creates the session in
// WAITING carrying the intake assessment: opts.Severity (0 defaults
// to 1) and the emergency flag, which is also implied by a severity at
// or above the threshold. The whole handshake must finish inside the
// deadline; on timeout every partial effect is rolled back and
// ErrHandshakeTimeout is returned, so the caller can retry against a
// clean slate.
//
// The manager only records the intake; the caller is responsible for
// triggering the escalation fan-out when IsEmergency comes back set on
// the returned session.
//
// # Edge Cases
//
//   - A second start on the same person connection fails with
//     ErrSessionActive.
//   - At the session ceiling the start fails with ErrCapacityExceeded.
func (m *Manager) StartSession(ctx context.Context, personConn datatypes.ConnectionID, opts datatypes.StartOptions) (datatypes.CrisisSession, error) {
	started := m.now()

	severity := opts.Severity
	if severity == 0 {
		severity = 1
	}
	if !severity.Valid() {
		return datatypes.CrisisSession{}, fmt.Errorf("severity %d out of range", severity)
	}

	conn, ok := m.connections.Lookup(personConn)
	if !ok {
		return datatypes.CrisisSession{}, fmt.Errorf("connection %s: %w",
			personConn, datatypes.ErrAuthenticationRejected)
	}
	if conn.Role != datatypes.RolePerson {
		return datatypes.CrisisSession{}, fmt.Errorf("connection %s has role %s: %w",
			personConn, conn.Role, datatypes.ErrAuthenticationRejected)
	}
	if err := ctx.Err(); err != nil {
		return datatypes.CrisisSession{}, err
	}

	m.mu.Lock()
	if existing, ok := m.byPerson[personConn]; ok {
		m.mu.Unlock()
		return datatypes.CrisisSession{}, fmt.Errorf("session %s already open: %w",
			existing, datatypes.ErrSessionActive)
	}
	if len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		return datatypes.CrisisSession{}, datatypes.ErrCapacityExceeded
	}

	sess := datatypes.CrisisSession{
		ID:          datatypes.NewSessionID(),
		Status:      datatypes.StatusWaiting,
		Severity:    severity,
		IsEmergency: opts.IsEmergency || severity.Emergency(),
		IsAnonymous: opts.Anonymous,
		PersonConn:  personConn,
		CreatedAt:   started,
	}
	state := &sessionState{sess: sess}
	m.sessions[sess.ID] = state
	m.byPerson[personConn] = sess.ID

	elapsed := m.now().Sub(started)
	if elapsed > m.config.HandshakeDeadline {
		// Roll back: nothing half-established survives a late handshake.
		delete(m.sessions, sess.ID)
		delete(m.byPerson, personConn)
		m.mu.Unlock()
		slog.Warn("session handshake exceeded deadline",
			"connection_id", personConn,
			"elapsed_ms", elapsed.Milliseconds(),
		)
		return datatypes.CrisisSession{}, datatypes.ErrHandshakeTimeout
	}
	state.idleTimer = time.AfterFunc(m.config.IdleTimeout, func() { m.expire(sess.ID) })
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordHandshake(elapsed.Seconds())
		m.metrics.SessionTransition("", string(datatypes.StatusWaiting))
	}
	m.publish(datatypes.Event{
		Type:         datatypes.EventSessionStarted,
		At:           m.now(),
		SessionID:    sess.ID,
		ConnectionID: sess.PersonConn,
		Session:      &sess,
	})
	return sess, nil
}

// RequestVolunteer places the session in the volunteer waiting queue and
// returns its 1-based position. Re-requesting returns the current
// position without re-queueing.
func (m *Manager) RequestVolunteer(ctx context.Context, sessionID datatypes.SessionID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.lookupLocked(sessionID)
	if err != nil {
		return 0, err
	}
	if state.sess.Status != datatypes.StatusWaiting {
		return 0, fmt.Errorf("session %s is %s: %w",
			sessionID, state.sess.Status, datatypes.ErrSessionActive)
	}

	for i, id := range m.waiting {
		if id == sessionID {
			return i + 1, nil
		}
	}
	m.waiting = append(m.waiting, sessionID)
	pos := len(m.waiting)
	m.publish(datatypes.Event{
		Type:      datatypes.EventQueueUpdate,
		At:        m.now(),
		SessionID: sessionID,
		Position:  pos,
	})
	return pos, nil
}

// MatchVolunteer binds a volunteer to a WAITING session, moving it to
// ACTIVE. Sessions behind it in the queue get fresh position updates.
func (m *Manager) MatchVolunteer(ctx context.Context, sessionID datatypes.SessionID, volunteerConn datatypes.ConnectionID, volunteerID string) (datatypes.CrisisSession, error) {
	conn, ok := m.connections.Lookup(volunteerConn)
	if !ok {
		return datatypes.CrisisSession{}, fmt.Errorf("volunteer connection %s: %w",
			volunteerConn, datatypes.ErrAuthenticationRejected)
	}
	if conn.Role != datatypes.RoleVolunteer && conn.Role != datatypes.RoleSupervisor {
		return datatypes.CrisisSession{}, fmt.Errorf("connection %s has role %s: %w",
			volunteerConn, conn.Role, datatypes.ErrAuthenticationRejected)
	}

	m.mu.Lock()
	state, err := m.lookupLocked(sessionID)
	if err != nil {
		m.mu.Unlock()
		return datatypes.CrisisSession{}, err
	}
	if !state.sess.Status.ValidTransition(datatypes.StatusActive) {
		status := state.sess.Status
		m.mu.Unlock()
		return datatypes.CrisisSession{}, fmt.Errorf("session %s is %s: %w",
			sessionID, status, datatypes.ErrSessionActive)
	}

	prev := state.sess.Status
	state.sess.Status = datatypes.StatusActive
	state.sess.VolunteerConn = volunteerConn
	state.sess.VolunteerID = volunteerID
	state.sess.MatchedAt = m.now()
	m.removeFromQueueLocked(sessionID)
	snapshot := state.sess
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionTransition(string(prev), string(datatypes.StatusActive))
	}
	m.publish(datatypes.Event{
		Type:         datatypes.EventSessionMatched,
		At:           snapshot.MatchedAt,
		SessionID:    sessionID,
		ConnectionID: volunteerConn,
		VolunteerID:  volunteerID,
	})
	m.persist(snapshot)
	return snapshot, nil
}

// UpdateSeverity records a new severity assessment. Severity is monotonic
// for the life of a session: a lower re-assessment never un-rings the
// bell. Returns the snapshot and whether the new value crosses the
// emergency threshold.
func (m *Manager) UpdateSeverity(ctx context.Context, sessionID datatypes.SessionID, severity datatypes.Severity) (datatypes.CrisisSession, bool, error) {
	if !severity.Valid() {
		return datatypes.CrisisSession{}, false, fmt.Errorf("severity %d out of range", severity)
	}

	m.mu.Lock()
	state, err := m.lookupLocked(sessionID)
	if err != nil {
		m.mu.Unlock()
		return datatypes.CrisisSession{}, false, err
	}
	if severity > state.sess.Severity {
		state.sess.Severity = severity
	}
	snapshot := state.sess
	m.mu.Unlock()

	return snapshot, severity.Emergency(), nil
}

// Escalate transitions the session to ESCALATED.
//
// # Description
//
// Idempotent and monotonic: re-escalating at the same or lower severity
// returns changed=false and leaves the record untouched. The first
// escalation stamps EscalatedAt and sets the emergency flag.
func (m *Manager) Escalate(ctx context.Context, sessionID datatypes.SessionID, severity datatypes.Severity, reason string) (datatypes.CrisisSession, bool, error) {
	m.mu.Lock()
	state, err := m.lookupLocked(sessionID)
	if err != nil {
		m.mu.Unlock()
		return datatypes.CrisisSession{}, false, err
	}

	prev := state.sess.Status
	alreadyEscalated := prev == datatypes.StatusEscalated
	if alreadyEscalated && severity <= state.sess.Severity {
		snapshot := state.sess
		m.mu.Unlock()
		return snapshot, false, nil
	}
	if !prev.ValidTransition(datatypes.StatusEscalated) {
		m.mu.Unlock()
		return datatypes.CrisisSession{}, false, fmt.Errorf("session %s is %s: %w",
			sessionID, prev, datatypes.ErrSessionEnded)
	}

	state.sess.Status = datatypes.StatusEscalated
	state.sess.IsEmergency = true
	if severity > state.sess.Severity {
		state.sess.Severity = severity
	}
	if state.sess.EscalatedAt.IsZero() {
		state.sess.EscalatedAt = m.now()
	}
	m.removeFromQueueLocked(sessionID)
	snapshot := state.sess
	m.mu.Unlock()

	if !alreadyEscalated {
		if m.metrics != nil {
			m.metrics.SessionTransition(string(prev), string(datatypes.StatusEscalated))
		}
		slog.Warn("session escalated",
			"session_id", sessionID,
			"severity", int(snapshot.Severity),
			"reason", reason,
		)
	}
	m.persist(snapshot)
	return snapshot, true, nil
}

// AppendHistory appends a delivered message to the session transcript.
// Satisfies the delivery pipeline's history hook; out-of-session messages
// are dropped with a log line rather than an error, the message was
// already delivered.
func (m *Manager) AppendHistory(sessionID datatypes.SessionID, msg datatypes.Message) {
	m.mu.Lock()
	state, ok := m.sessions[sessionID]
	if ok {
		state.sess.History = append(state.sess.History, msg)
		if state.idleTimer != nil {
			state.idleTimer.Reset(m.config.IdleTimeout)
		}
	}
	m.mu.Unlock()
	if !ok {
		slog.Debug("history append for unknown session", "session_id", sessionID)
	}
}

// AcknowledgeMessage marks a sent transcript message as read by its
// recipient.
//
// # Description
//
// Moves the message from SENT to ACKNOWLEDGED and persists the updated
// record. Idempotent: re-acknowledging returns the current record
// unchanged. Messages still QUEUED or FAILED keep their status; the ack
// only confirms a completed delivery.
func (m *Manager) AcknowledgeMessage(sessionID datatypes.SessionID, messageID datatypes.MessageID) (datatypes.Message, error) {
	m.mu.Lock()
	state, err := m.lookupLocked(sessionID)
	if err != nil {
		m.mu.Unlock()
		return datatypes.Message{}, err
	}
	var msg datatypes.Message
	found := false
	for i := range state.sess.History {
		if state.sess.History[i].ID != messageID {
			continue
		}
		if state.sess.History[i].Status == datatypes.DeliverySent {
			state.sess.History[i].Status = datatypes.DeliveryAcknowledged
		}
		msg = state.sess.History[i]
		found = true
		break
	}
	if found && state.idleTimer != nil {
		state.idleTimer.Reset(m.config.IdleTimeout)
	}
	m.mu.Unlock()

	if !found {
		return datatypes.Message{}, fmt.Errorf("message %s in session %s: %w",
			messageID, sessionID, datatypes.ErrMessageNotFound)
	}
	if m.persister != nil && msg.Status == datatypes.DeliveryAcknowledged {
		m.persister.SaveMessage(msg)
	}
	return msg, nil
}

// Touch resets the session idle timer on non-message activity.
func (m *Manager) Touch(sessionID datatypes.SessionID) {
	m.mu.Lock()
	if state, ok := m.sessions[sessionID]; ok && state.idleTimer != nil {
		state.idleTimer.Reset(m.config.IdleTimeout)
	}
	m.mu.Unlock()
}

// EndSession tears a session down.
//
// # Description
//
// Transitions to RESOLVED (when resolved and reachable) or ENDED, drains
// the delivery queue so critical messages finish their retry budget,
// persists the final record, publishes the summary, and releases the
// person connection for a new session. The live record is removed; a
// second end fails with ErrSessionNotFound.
func (m *Manager) EndSession(ctx context.Context, sessionID datatypes.SessionID, feedback datatypes.Feedback, resolved bool) (datatypes.SessionSummary, error) {
	m.mu.Lock()
	state, err := m.lookupLocked(sessionID)
	if err != nil {
		m.mu.Unlock()
		return datatypes.SessionSummary{}, err
	}
	prev := state.sess.Status
	next := datatypes.StatusEnded
	if resolved && prev.ValidTransition(datatypes.StatusResolved) {
		next = datatypes.StatusResolved
	}
	state.sess.Status = next
	state.sess.EndedAt = m.now()
	if state.idleTimer != nil {
		state.idleTimer.Stop()
		state.idleTimer = nil
	}
	m.removeFromQueueLocked(sessionID)
	delete(m.byPerson, state.sess.PersonConn)
	snapshot := state.sess
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	// Critical messages still in flight get their retry budget.
	if m.drainer != nil {
		if err := m.drainer.Detach(ctx, sessionID); err != nil {
			slog.Warn("session drain incomplete", "session_id", sessionID, "error", err)
		}
	}

	summary := datatypes.SessionSummary{
		SessionID:    sessionID,
		Status:       next,
		Severity:     snapshot.Severity,
		MessageCount: len(snapshot.History),
		Duration:     snapshot.EndedAt.Sub(snapshot.CreatedAt),
		Rating:       feedback.Rating,
		Comment:      feedback.Comment,
	}

	if m.metrics != nil {
		m.metrics.SessionTransition(string(prev), "")
	}
	m.publish(datatypes.Event{
		Type:      datatypes.EventSessionEnded,
		At:        snapshot.EndedAt,
		SessionID: sessionID,
		Summary:   &summary,
	})
	m.persist(snapshot)

	slog.Info("session ended",
		"session_id", sessionID,
		"status", string(next),
		"messages", summary.MessageCount,
		"duration_s", int(summary.Duration.Seconds()),
	)
	return summary, nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(sessionID datatypes.SessionID) (datatypes.CrisisSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.lookupLocked(sessionID)
	if err != nil {
		return datatypes.CrisisSession{}, err
	}
	return state.sess, nil
}

// ByPerson returns the non-terminal session bound to a person connection.
func (m *Manager) ByPerson(connID datatypes.ConnectionID) (datatypes.CrisisSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPerson[connID]
	if !ok {
		return datatypes.CrisisSession{}, datatypes.ErrSessionNotFound
	}
	return m.sessions[id].sess, nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// QueueLen returns the volunteer waiting queue depth.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

// NextWaiting returns the id at the head of the waiting queue without
// removing it; matching removes via MatchVolunteer.
func (m *Manager) NextWaiting() (datatypes.SessionID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waiting) == 0 {
		return "", false
	}
	return m.waiting[0], true
}

// =============================================================================
// Internals
// =============================================================================

// lookupLocked fetches live session state. Caller holds m.mu.
func (m *Manager) lookupLocked(sessionID datatypes.SessionID) (*sessionState, error) {
	state, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, datatypes.ErrSessionNotFound)
	}
	return state, nil
}

// removeFromQueueLocked drops the session from the waiting queue and
// notifies everyone behind it of their new position. Caller holds m.mu.
func (m *Manager) removeFromQueueLocked(sessionID datatypes.SessionID) {
	for i, id := range m.waiting {
		if id != sessionID {
			continue
		}
		m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
		for j := i; j < len(m.waiting); j++ {
			m.publish(datatypes.Event{
				Type:      datatypes.EventQueueUpdate,
				At:        m.now(),
				SessionID: m.waiting[j],
				Position:  j + 1,
			})
		}
		return
	}
}

// expire ends a session that has seen no activity for IdleTimeout.
func (m *Manager) expire(sessionID datatypes.SessionID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.EndSession(ctx, sessionID, datatypes.Feedback{}, false); err != nil {
		return
	}
	slog.Info("session expired after idle timeout", "session_id", sessionID)
}

func (m *Manager) publish(evt datatypes.Event) {
	if m.events != nil {
		m.events.Publish(evt)
	}
}

func (m *Manager) persist(sess datatypes.CrisisSession) {
	if m.persister != nil {
		m.persister.SaveSession(sess)
	}
}
