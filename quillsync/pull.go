// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ProcessPull returns the owner's entities whose server-side change time
// exceeds the checkpoint. Without a checkpoint it returns a full snapshot of
// all non-deleted entities (the bootstrap case). Pull never raises conflicts
// and never changes version semantics; it only copies server state out.
func (s *SyncService) ProcessPull(ctx context.Context, owner, deviceID string, checkpoint *int64) (*PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	if err := s.touchDevice(ctx, owner, deviceID); err != nil {
		return nil, err
	}

	resp := &PullResponse{
		Notes:      []Note{},
		Folders:    []Folder{},
		Tags:       []Tag{},
		Snapshots:  []Snapshot{},
		NoteTags:   []NoteTag{},
		Workspaces: []Workspace{},
		Conflicts:  []ConflictInfo{},
	}

	var (
		rows pgx.Rows
		err  error
	)
	if checkpoint != nil {
		// Incremental pull includes tombstones so deletions propagate.
		rows, err = s.pool.Query(ctx, `
SELECT kind, payload, server_version, deleted, deleted_at
  FROM sync.entities
 WHERE owner = $1 AND changed_at > $2
 ORDER BY changed_at, kind, id`,
			owner, *checkpoint)
	} else {
		rows, err = s.pool.Query(ctx, `
SELECT kind, payload, server_version, deleted, deleted_at
  FROM sync.entities
 WHERE owner = $1 AND NOT deleted
 ORDER BY changed_at, kind, id`,
			owner)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: pull query: %v", ErrStorage, err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			kind      string
			payload   []byte
			version   int64
			deleted   bool
			deletedAt *int64
		)
		if err := rows.Scan(&kind, &payload, &version, &deleted, &deletedAt); err != nil {
			return nil, fmt.Errorf("%w: pull scan: %v", ErrStorage, err)
		}
		if err := appendPulled(resp, kind, payload, owner, version, deleted, deletedAt); err != nil {
			s.logger.Error("skipping undecodable entity", "owner", owner, "kind", kind, "error", err)
			continue
		}
		count++
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%w: pull rows: %v", ErrStorage, rows.Err())
	}

	resp.ServerTime = nowMillis()
	s.logger.Info("processed pull",
		"owner", owner, "device_id", deviceID,
		"bootstrap", checkpoint == nil, "entities", count)
	return resp, nil
}

// appendPulled decodes one stored row into the matching response array.
// Deletion state is stamped from the columns rather than trusted from the
// payload: cascaded tombstones update columns without rewriting payloads.
func appendPulled(resp *PullResponse, kind string, payload []byte, owner string, version int64, deleted bool, deletedAt *int64) error {
	switch kind {
	case KindNote:
		n, err := decodeNote(payload, owner, version)
		if err != nil {
			return err
		}
		n.IsDeleted = deleted
		n.DeletedAt = deletedAt
		resp.Notes = append(resp.Notes, *n)
	case KindFolder:
		f, err := decodeFolder(payload, owner, version)
		if err != nil {
			return err
		}
		f.IsDeleted = deleted
		f.DeletedAt = deletedAt
		resp.Folders = append(resp.Folders, *f)
	case KindTag:
		t, err := decodeTag(payload, owner, version)
		if err != nil {
			return err
		}
		t.IsDeleted = deleted
		t.DeletedAt = deletedAt
		resp.Tags = append(resp.Tags, *t)
	case KindSnapshot:
		sn, err := decodeSnapshot(payload, owner, version)
		if err != nil {
			return err
		}
		sn.IsDeleted = deleted
		sn.DeletedAt = deletedAt
		resp.Snapshots = append(resp.Snapshots, *sn)
	case KindNoteTag:
		nt, err := decodeNoteTag(payload, owner, version)
		if err != nil {
			return err
		}
		nt.IsDeleted = deleted
		nt.DeletedAt = deletedAt
		resp.NoteTags = append(resp.NoteTags, *nt)
	case KindWorkspace:
		w, err := decodeWorkspace(payload, owner, version)
		if err != nil {
			return err
		}
		w.IsDeleted = deleted
		w.DeletedAt = deletedAt
		resp.Workspaces = append(resp.Workspaces, *w)
	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	return nil
}
