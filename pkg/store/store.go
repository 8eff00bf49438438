// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package store provides durable persistence for the foreman service: the
// mutable current-state rows (orchestrator, agents, tickets) and the
// append-only lifecycle logs (orchestrator_chat, agent_logs, prompts,
// system_logs, events).
//
// Append-only tables are never updated or deleted from. Entries for a given
// owner carry a strictly monotonic per-owner sequence number; sequence
// allocation is serialized per owner so concurrent writers cannot produce
// gaps or duplicates, while writes for different owners proceed in parallel.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

const (
	// DefaultMaxConns bounds the connection pool backing the store.
	DefaultMaxConns = 10
	// MinMaxConns and MaxMaxConns clamp operator-supplied pool sizes.
	MinMaxConns = 5
	MaxMaxConns = 20
)

// Config holds store configuration.
type Config struct {
	// Path is the sqlite database file. Required.
	Path string

	// MaxConns bounds the connection pool (clamped to [5, 20]).
	MaxConns int

	Logger *zap.Logger
}

// Store is the durable event log and current-state repository.
// Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	// ownerMu serializes per-owner sequence allocation. Keyed by
	// "<table>:<owner_id>" so different owners never contend.
	ownerMu sync.Map // string → *sync.Mutex
}

// Open opens (creating if necessary) the database at cfg.Path and runs
// schema migration.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Pragmas in the DSN apply to every pooled connection; a plain
	// `PRAGMA` via db.Exec would only reach the one connection that
	// happens to execute it.
	// _txlock=immediate starts transactions as writers so concurrent
	// appends queue on busy_timeout instead of failing SQLITE_BUSY on
	// the read→write snapshot upgrade.
	dsn := "file:" + cfg.Path +
		"?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns == 0 {
		maxConns = DefaultMaxConns
	}
	if maxConns < MinMaxConns {
		maxConns = MinMaxConns
	}
	if maxConns > MaxMaxConns {
		maxConns = MaxMaxConns
	}
	db.SetMaxOpenConns(maxConns)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Opened store",
		zap.String("path", cfg.Path),
		zap.Int("max_conns", maxConns))
	return s, nil
}

// initSchema creates the database schema if it doesn't exist.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orchestrator (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		archived INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		orchestrator_id TEXT NOT NULL,
		name TEXT NOT NULL,
		model TEXT NOT NULL,
		status TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (orchestrator_id) REFERENCES orchestrator(id)
	);
	CREATE INDEX IF NOT EXISTS idx_agents_orchestrator ON agents(orchestrator_id);

	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		stage TEXT NOT NULL,
		stage_stats_json TEXT NOT NULL DEFAULT '{}',
		stage_agents_json TEXT NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tickets_stage ON tickets(stage, created_at);

	CREATE TABLE IF NOT EXISTS orchestrator_chat (
		orchestrator_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		PRIMARY KEY (orchestrator_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_ts ON orchestrator_chat(orchestrator_id, timestamp);

	CREATE TABLE IF NOT EXISTS agent_logs (
		agent_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		category TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		PRIMARY KEY (agent_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_agent_logs_ts ON agent_logs(agent_id, timestamp);

	CREATE TABLE IF NOT EXISTS prompts (
		owner_kind TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		PRIMARY KEY (owner_kind, owner_id, seq)
	);

	CREATE TABLE IF NOT EXISTS system_logs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		level TEXT NOT NULL,
		component TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// ownerLock returns the mutex serializing sequence allocation for one owner
// of one append-only table.
func (s *Store) ownerLock(table, ownerID string) *sync.Mutex {
	key := table + ":" + ownerID
	mu, _ := s.ownerMu.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// execContext is a small helper wrapping ExecContext with error context.
func (s *Store) execContext(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}
