// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persistence implements the persistence collaborator for the
// crisis core: durable session and message records sufficient to
// reconstruct session state, backed by embedded BadgerDB.
//
// The delivery pipeline never blocks on this package; writes flow through
// the AsyncWriter off the latency path.
package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/LifelineLocal/services/crisis/datatypes"
)

// Store is the persistence collaborator interface consumed by the core.
type Store interface {
	// SaveMessage persists one message record.
	SaveMessage(ctx context.Context, msg datatypes.Message) error

	// SaveSession persists the session record (without history; messages
	// are stored individually).
	SaveSession(ctx context.Context, sess datatypes.CrisisSession) error

	// LoadSessionHistory returns the session's messages ordered by send
	// time.
	LoadSessionHistory(ctx context.Context, id datatypes.SessionID) ([]datatypes.Message, error)

	// Close releases the store.
	Close() error
}

// =============================================================================
// Badger-backed Store
// =============================================================================

// Config holds configuration for the Badger store.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection.
	// 0 disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable ratio before GC runs.
	GCDiscardRatio float64
}

// DefaultConfig returns durable production settings.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog to BadgerDB's Logger interface.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	slog.Error(fmt.Sprintf(format, args...))
}
func (badgerLogger) Warningf(format string, args ...interface{}) {
	slog.Warn(fmt.Sprintf(format, args...))
}
func (badgerLogger) Infof(format string, args ...interface{}) {
	slog.Debug(fmt.Sprintf(format, args...))
}
func (badgerLogger) Debugf(format string, args ...interface{}) {
	slog.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore implements Store on an embedded BadgerDB.
//
// Key layout:
//
//	session/<session-id>                 → CrisisSession JSON
//	msg/<session-id>/<sent-nanos>/<id>   → Message JSON
//
// The message key embeds the send timestamp so a prefix scan returns the
// history already in send order.
type BadgerStore struct {
	db     *badger.DB
	gcStop chan struct{}
}

// Open creates and opens a Badger-backed store.
func Open(cfg Config) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Path, err)
	}

	s := &BadgerStore{db: db, gcStop: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 {
			ratio = 0.5
		}
		go s.gcLoop(cfg.GCInterval, ratio)
	}
	return s, nil
}

// gcLoop periodically runs value log garbage collection until Close.
func (s *BadgerStore) gcLoop(interval time.Duration, ratio float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to collect.
			if err := s.db.RunValueLogGC(ratio); err != nil && err != badger.ErrNoRewrite {
				slog.Warn("badger value log GC failed", "error", err)
			}
		}
	}
}

func messageKey(msg datatypes.Message) []byte {
	return []byte(fmt.Sprintf("msg/%s/%020d/%s", msg.SessionID, msg.SentAt.UnixNano(), msg.ID))
}

func sessionKey(id datatypes.SessionID) []byte {
	return []byte("session/" + id.String())
}

// SaveMessage persists one message record.
func (s *BadgerStore) SaveMessage(ctx context.Context, msg datatypes.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := marshal(msg)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg), raw)
	})
}

// SaveSession persists the session record.
func (s *BadgerStore) SaveSession(ctx context.Context, sess datatypes.CrisisSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// History is stored message-by-message; strip it from the record.
	sess.History = nil
	raw, err := marshal(sess)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(sess.ID), raw)
	})
}

// LoadSessionHistory returns the full message history in send order.
func (s *BadgerStore) LoadSessionHistory(ctx context.Context, id datatypes.SessionID) ([]datatypes.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte("msg/" + id.String() + "/")
	var out []datatypes.Message

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var msg datatypes.Message
				if err := unmarshal(val, &msg); err != nil {
					return err
				}
				out = append(out, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load history for session %s: %w", id, err)
	}
	return out, nil
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	close(s.gcStop)
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)
