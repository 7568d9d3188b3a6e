// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package quillsqlite provides the SQLite-backed client side of Quillsync
// synchronization. Local edits are tracked by triggers into a dirty set;
// the Coordinator pushes them to the server, applies the echoed results, and
// pulls remote changes down, recording each run in the sync history.
package quillsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Client manages the local SQLite database and talks to the sync server.
type Client struct {
	DB       *sql.DB
	BaseURL  string
	Token    func(context.Context) (string, error) // returns JWT
	Owner    string
	DeviceID string
	HTTP     *http.Client

	config  *Config
	logger  *slog.Logger
	writeMu sync.Mutex // Serialize sync passes; SQLite dislikes concurrent writers
}

// Config holds configuration for the SQLite sync client.
type Config struct {
	Strategy    string        // conflict strategy sent with every push; empty = server default
	HTTPTimeout time.Duration // per-request timeout
}

// DefaultConfig returns a configuration using the server's default conflict
// strategy (create_conflict_copy).
func DefaultConfig() *Config {
	return &Config{
		Strategy:    "",
		HTTPTimeout: 60 * time.Second,
	}
}

// NewClient creates a SQLite sync client. The local schema and dirty-tracking
// triggers are created if missing; calling this on an existing database is a
// no-op for data.
func NewClient(db *sql.DB, baseURL, owner, deviceID string, tok func(ctx context.Context) (string, error), config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if owner == "" || deviceID == "" {
		return nil, fmt.Errorf("owner and deviceID are required")
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := createDirtyTriggers(db); err != nil {
		return nil, fmt.Errorf("failed to create triggers: %w", err)
	}
	if err := ensureClientInfo(db, owner, deviceID); err != nil {
		return nil, err
	}

	return &Client{
		DB:       db,
		BaseURL:  baseURL,
		Token:    tok,
		Owner:    owner,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: config.HTTPTimeout},
		config:   config,
		logger:   slog.Default(),
	}, nil
}

// EnsureDeviceID returns the persisted device id for the owner, generating
// and storing a fresh UUID on first use. The id survives restarts; it is the
// identity the server's device registry tracks. The local schema is created
// if missing, so this can run before NewClient on a fresh database.
func EnsureDeviceID(db *sql.DB, owner string) (string, error) {
	if err := initializeDatabase(db); err != nil {
		return "", fmt.Errorf("failed to initialize database: %w", err)
	}

	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _sync_client_info WHERE owner = ?`, owner).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _sync_client_info (owner, device_id, last_sync_at, next_change_id, apply_mode)
			VALUES (?, ?, 0, 1, 0)
		`, owner, deviceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}

func ensureClientInfo(db *sql.DB, owner, deviceID string) error {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS(SELECT 1 FROM _sync_client_info WHERE owner = ?)`, owner).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check client info: %w", err)
	}
	if exists {
		return nil
	}
	_, err = db.Exec(`
		INSERT INTO _sync_client_info (owner, device_id, last_sync_at, next_change_id, apply_mode)
		VALUES (?, ?, 0, 1, 0)
	`, owner, deviceID)
	if err != nil {
		return fmt.Errorf("failed to create client info: %w", err)
	}
	return nil
}

// initializeDatabase creates the local entity tables and sync metadata.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Client/device info (one row per signed-in owner)
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			owner          TEXT NOT NULL,
			device_id      TEXT NOT NULL,
			last_sync_at   INTEGER NOT NULL DEFAULT 0,  -- server_time of last applied pull
			next_change_id INTEGER NOT NULL DEFAULT 1,
			apply_mode     INTEGER NOT NULL DEFAULT 0,  -- 1 while applying server rows (suppresses triggers)
			PRIMARY KEY (owner)
		)`,

		// Dirty set: one row per locally modified entity. change_id orders
		// marks so edits made during a sync pass are never lost.
		`CREATE TABLE IF NOT EXISTS _sync_dirty (
			kind      TEXT NOT NULL,
			id        TEXT NOT NULL,
			change_id INTEGER NOT NULL,
			PRIMARY KEY (kind, id)
		)`,

		`CREATE TABLE IF NOT EXISTS notes (
			id             TEXT PRIMARY KEY,
			title          TEXT NOT NULL DEFAULT '',
			content        TEXT NOT NULL DEFAULT '',
			folder_id      TEXT,
			workspace_id   TEXT,
			pinned         INTEGER NOT NULL DEFAULT 0,
			is_deleted     INTEGER NOT NULL DEFAULT 0,
			deleted_at     INTEGER,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL,
			server_version INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS folders (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL DEFAULT '',
			parent_id      TEXT,
			workspace_id   TEXT,
			is_deleted     INTEGER NOT NULL DEFAULT 0,
			deleted_at     INTEGER,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL,
			server_version INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS tags (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL DEFAULT '',
			color          TEXT NOT NULL DEFAULT '',
			is_deleted     INTEGER NOT NULL DEFAULT 0,
			deleted_at     INTEGER,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL,
			server_version INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS snapshots (
			id             TEXT PRIMARY KEY,
			note_id        TEXT NOT NULL,
			title          TEXT NOT NULL DEFAULT '',
			content        TEXT NOT NULL DEFAULT '',
			taken_at       INTEGER NOT NULL,
			is_deleted     INTEGER NOT NULL DEFAULT 0,
			deleted_at     INTEGER,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL,
			server_version INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS note_tags (
			id             TEXT PRIMARY KEY,
			note_id        TEXT NOT NULL,
			tag_id         TEXT NOT NULL,
			is_deleted     INTEGER NOT NULL DEFAULT 0,
			deleted_at     INTEGER,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL,
			server_version INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS workspaces (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL DEFAULT '',
			parent_id      TEXT,
			is_deleted     INTEGER NOT NULL DEFAULT 0,
			deleted_at     INTEGER,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL,
			server_version INTEGER NOT NULL DEFAULT 0
		)`,

		// Local mirror of the server's sync history for offline display.
		`CREATE TABLE IF NOT EXISTS sync_history (
			id             TEXT PRIMARY KEY,
			sync_type      TEXT NOT NULL,
			success        INTEGER NOT NULL,
			pushed_count   INTEGER NOT NULL DEFAULT 0,
			pulled_count   INTEGER NOT NULL DEFAULT 0,
			conflict_count INTEGER NOT NULL DEFAULT 0,
			error          TEXT NOT NULL DEFAULT '',
			duration_ms    INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	// Reset apply_mode in case the app crashed mid-apply; otherwise the
	// triggers stay suppressed forever.
	if _, err := db.Exec(`UPDATE _sync_client_info SET apply_mode = 0 WHERE apply_mode = 1`); err != nil {
		return fmt.Errorf("failed to reset apply_mode: %w", err)
	}

	return nil
}

// LastSyncAt returns the locally persisted pull checkpoint (server time of
// the last applied pull, 0 before the first sync).
func (c *Client) LastSyncAt(ctx context.Context) (int64, error) {
	var at int64
	err := c.DB.QueryRowContext(ctx,
		`SELECT last_sync_at FROM _sync_client_info WHERE owner = ?`, c.Owner).Scan(&at)
	if err != nil {
		return 0, fmt.Errorf("failed to read last_sync_at: %w", err)
	}
	return at, nil
}

func (c *Client) setApplyMode(ctx context.Context, tx *sql.Tx, mode int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE _sync_client_info SET apply_mode = ? WHERE owner = ?`, mode, c.Owner)
	if err != nil {
		return fmt.Errorf("failed to set apply_mode=%d: %w", mode, err)
	}
	return nil
}
