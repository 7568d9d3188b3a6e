// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaVersion is the current wire schema version reported to clients.
const SchemaVersion = 1

// SyncService provides the server side of the synchronization protocol:
// the push/pull exchange, per-entity versioning, conflict resolution, the
// device registry and the sync-history log. All state lives in Postgres;
// one instance serves any number of concurrent devices.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	AppName string // Application name for connection tracking

	MaxPushBatchSize    int // Maximum entities in a single push (0 = unlimited)
	MaxPayloadBytes     int // Maximum note content size in bytes (0 = unlimited)
	DefaultHistoryLimit int // History page size when the caller gives none
	MaxHistoryLimit     int // Hard cap on history page size
}

// NewSyncService creates a sync service from an existing pool. The caller is
// responsible for pool lifecycle and for running Migrate before first use.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "go-quillsync-app"}
	}
	if config.DefaultHistoryLimit <= 0 {
		config.DefaultHistoryLimit = 50
	}
	if config.MaxHistoryLimit <= 0 {
		config.MaxHistoryLimit = 500
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
	}, nil
}

// Close shuts down the service. Safe to call multiple times. The database
// pool is not closed; the caller owns it.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("sync service shut down")
	return nil
}

// Pool returns the underlying connection pool for advanced callers.
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

// GetSchemaVersion returns the current wire schema version.
func (s *SyncService) GetSchemaVersion() int {
	return SchemaVersion
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	return nil
}

// nowMillis is the single clock used for server_time stamps.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
