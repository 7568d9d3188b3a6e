// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsqlite

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quillsync/go-quillsync/quillsync"
)

// Sync runs one full sync pass: push local changes, apply the server's
// echoes, pull remote changes, advance the checkpoint, then record the run
// in the history. The report is returned even when the pass fails; Success
// and Error say what happened.
func (c *Client) Sync(ctx context.Context) (*quillsync.SyncReport, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	started := time.Now()
	report := &quillsync.SyncReport{SyncType: quillsync.SyncTypeFull}

	err := c.syncOnce(ctx, report)
	report.DurationMs = time.Since(started).Milliseconds()
	report.Success = err == nil
	if err != nil {
		// A failed pass reports zero counts: the report describes a completed
		// exchange, and a partial one completed nothing the caller can rely on.
		report.PushedCount, report.PulledCount, report.ConflictCount = 0, 0, 0
		report.Error = err.Error()
	}

	c.recordHistory(ctx, report)
	if err != nil {
		return report, err
	}
	return report, nil
}

func (c *Client) syncOnce(ctx context.Context, report *quillsync.SyncReport) error {
	// Phase 1: push.
	set, err := c.collectDirty(ctx)
	if err != nil {
		return err
	}
	report.PushedCount = set.count

	if set.count > 0 {
		pushResp, err := c.sendPush(ctx, set.req)
		if err != nil {
			return err
		}
		report.ConflictCount = len(pushResp.Conflicts)
		if err := c.applyPushResponse(ctx, set, pushResp); err != nil {
			return err
		}
	}

	// Phase 2: pull. A push failure aborts above, so a partial pass never
	// advances the checkpoint.
	lastSyncAt, err := c.LastSyncAt(ctx)
	if err != nil {
		return err
	}
	pullResp, err := c.sendPull(ctx, lastSyncAt)
	if err != nil {
		return err
	}
	applied, err := c.applyPullResponse(ctx, pullResp)
	if err != nil {
		return err
	}
	report.PulledCount = applied
	return nil
}

// PushOnce pushes local changes without pulling. The local checkpoint is
// untouched, so the next pull still covers everything missed.
func (c *Client) PushOnce(ctx context.Context) (*quillsync.SyncReport, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	started := time.Now()
	report := &quillsync.SyncReport{SyncType: quillsync.SyncTypePush}

	err := func() error {
		set, err := c.collectDirty(ctx)
		if err != nil {
			return err
		}
		report.PushedCount = set.count
		if set.count == 0 {
			return nil
		}
		pushResp, err := c.sendPush(ctx, set.req)
		if err != nil {
			return err
		}
		report.ConflictCount = len(pushResp.Conflicts)
		return c.applyPushResponse(ctx, set, pushResp)
	}()

	report.DurationMs = time.Since(started).Milliseconds()
	report.Success = err == nil
	if err != nil {
		report.PushedCount, report.ConflictCount = 0, 0
		report.Error = err.Error()
	}
	c.recordHistory(ctx, report)
	return report, err
}

// PullOnce pulls remote changes without pushing.
func (c *Client) PullOnce(ctx context.Context) (*quillsync.SyncReport, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	started := time.Now()
	report := &quillsync.SyncReport{SyncType: quillsync.SyncTypePull}

	err := func() error {
		lastSyncAt, err := c.LastSyncAt(ctx)
		if err != nil {
			return err
		}
		pullResp, err := c.sendPull(ctx, lastSyncAt)
		if err != nil {
			return err
		}
		applied, err := c.applyPullResponse(ctx, pullResp)
		if err != nil {
			return err
		}
		report.PulledCount = applied
		return nil
	}()

	report.DurationMs = time.Since(started).Milliseconds()
	report.Success = err == nil
	if err != nil {
		report.Error = err.Error()
	}
	c.recordHistory(ctx, report)
	return report, err
}

// recordHistory stores the report locally and mirrors it to the server.
// Both are best effort; a history failure never fails the sync itself.
func (c *Client) recordHistory(ctx context.Context, report *quillsync.SyncReport) {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO sync_history
		       (id, sync_type, success, pushed_count, pulled_count,
		        conflict_count, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), report.SyncType, boolToInt(report.Success),
		report.PushedCount, report.PulledCount, report.ConflictCount,
		report.Error, report.DurationMs, time.Now().UnixMilli())
	if err != nil {
		c.logger.Warn("failed to record local sync history", "error", err)
	}

	if _, err := c.sendHistory(ctx, report); err != nil {
		c.logger.Warn("failed to report sync history to server", "error", err)
	}
}

// LocalHistory returns locally recorded sync runs, newest first.
func (c *Client) LocalHistory(ctx context.Context, limit int) ([]quillsync.SyncHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, sync_type, success, pushed_count, pulled_count,
		       conflict_count, error, duration_ms, created_at
		  FROM sync_history
		 ORDER BY created_at DESC, id
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []quillsync.SyncHistoryEntry{}
	for rows.Next() {
		e := quillsync.SyncHistoryEntry{Owner: c.Owner, DeviceID: c.DeviceID}
		var success int
		if err := rows.Scan(&e.ID, &e.SyncType, &success, &e.PushedCount, &e.PulledCount,
			&e.ConflictCount, &e.Error, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Success = success != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
