// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AppendHistory records one completed sync attempt, successful or not.
// History is append-only; entries are never edited after the fact.
func (s *SyncService) AppendHistory(ctx context.Context, owner, deviceID string, report SyncReport) (*SyncHistoryEntry, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	switch report.SyncType {
	case SyncTypePush, SyncTypePull, SyncTypeFull:
	default:
		return nil, fmt.Errorf("%w: unknown sync_type %q", ErrValidation, report.SyncType)
	}
	if report.PushedCount < 0 || report.PulledCount < 0 || report.ConflictCount < 0 {
		return nil, fmt.Errorf("%w: negative counters in sync report", ErrValidation)
	}

	entry := &SyncHistoryEntry{
		ID:            uuid.NewString(),
		Owner:         owner,
		DeviceID:      deviceID,
		SyncType:      report.SyncType,
		Success:       report.Success,
		PushedCount:   report.PushedCount,
		PulledCount:   report.PulledCount,
		ConflictCount: report.ConflictCount,
		Error:         report.Error,
		DurationMs:    report.DurationMs,
		CreatedAt:     nowMillis(),
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO sync.sync_history
       (id, owner, device_id, sync_type, success,
        pushed_count, pulled_count, conflict_count, error, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.Owner, entry.DeviceID, entry.SyncType, entry.Success,
		entry.PushedCount, entry.PulledCount, entry.ConflictCount, entry.Error,
		entry.DurationMs, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: append history: %v", ErrStorage, err)
	}
	return entry, nil
}

// ListHistory returns the owner's sync history, newest first. A limit of
// zero or less uses the configured default; requests above the hard cap are
// clamped rather than rejected.
func (s *SyncService) ListHistory(ctx context.Context, owner string, limit int) ([]SyncHistoryEntry, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.config.DefaultHistoryLimit
	}
	if limit > s.config.MaxHistoryLimit {
		limit = s.config.MaxHistoryLimit
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, device_id, sync_type, success,
       pushed_count, pulled_count, conflict_count, error, duration_ms, created_at
  FROM sync.sync_history
 WHERE owner = $1
 ORDER BY created_at DESC, id
 LIMIT $2`,
		owner, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list history: %v", ErrStorage, err)
	}
	defer rows.Close()

	entries := []SyncHistoryEntry{}
	for rows.Next() {
		e := SyncHistoryEntry{Owner: owner}
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.SyncType, &e.Success,
			&e.PushedCount, &e.PulledCount, &e.ConflictCount, &e.Error,
			&e.DurationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan history: %v", ErrStorage, err)
		}
		entries = append(entries, e)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%w: list history: %v", ErrStorage, rows.Err())
	}
	return entries, nil
}

// ClearHistory deletes all of the owner's history entries and reports how
// many were removed. This is the one operation allowed to shrink the log.
func (s *SyncService) ClearHistory(ctx context.Context, owner string) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM sync.sync_history WHERE owner = $1`, owner)
	if err != nil {
		return 0, fmt.Errorf("%w: clear history: %v", ErrStorage, err)
	}

	s.logger.Info("cleared sync history", "owner", owner, "deleted", tag.RowsAffected())
	return tag.RowsAffected(), nil
}
