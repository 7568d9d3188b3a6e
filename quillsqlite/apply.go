// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quillsync/go-quillsync/quillsync"
)

// applyPushResponse stores the entities the server echoed back: accepted
// changes at their new server_version, conflict copies under fresh ids and,
// for manual_merge, the server's current rows. Dirty marks covered by the
// batch are cleared, except for entities awaiting a manual merge.
func (c *Client) applyPushResponse(ctx context.Context, set *dirtySet, resp *quillsync.PushResponse) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin push-apply transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
			_, _ = c.DB.ExecContext(ctx, `UPDATE _sync_client_info SET apply_mode = 0 WHERE owner = ?`, c.Owner)
		}
	}()

	if err := c.setApplyMode(ctx, tx, 1); err != nil {
		return err
	}

	// Manual merge leaves conflicted entities dirty so the merged result is
	// pushed on a later sync. Their echoes (the server's current rows) are not
	// applied either: the local divergent content must survive for the app to
	// merge against the server copy in the response.
	keep := map[string]bool{}
	if c.config.Strategy == quillsync.StrategyManualMerge {
		for _, conflict := range resp.Conflicts {
			keep[conflict.EntityType+"/"+conflict.EntityID] = true
		}
	}

	// An entity edited again while the push was in flight carries a dirty mark
	// past the batch's high-water mark. Overwriting it with the echo would lose
	// that edit, so only the authoritative version is taken; the content goes
	// out on the next push.
	for i := range resp.Notes {
		n := &resp.Notes[i]
		if keep["note/"+n.ID] {
			continue
		}
		refreshed, err := refreshedSince(ctx, tx, "note", n.ID, set.maxChangeID)
		if err != nil {
			return err
		}
		if refreshed {
			if err := bumpVersion(ctx, tx, "notes", n.ID, n.ServerVersion); err != nil {
				return err
			}
			continue
		}
		if err := upsertNote(ctx, tx, n); err != nil {
			return err
		}
	}
	for i := range resp.Folders {
		f := &resp.Folders[i]
		if keep["folder/"+f.ID] {
			continue
		}
		refreshed, err := refreshedSince(ctx, tx, "folder", f.ID, set.maxChangeID)
		if err != nil {
			return err
		}
		if refreshed {
			if err := bumpVersion(ctx, tx, "folders", f.ID, f.ServerVersion); err != nil {
				return err
			}
			continue
		}
		if err := upsertFolder(ctx, tx, f); err != nil {
			return err
		}
	}

	if err := c.clearDirty(ctx, tx, set, keep); err != nil {
		return err
	}

	if err := c.setApplyMode(ctx, tx, 0); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit push-apply transaction: %w", err)
	}
	committed = true
	return nil
}

// applyPullResponse upserts everything the server returned and advances the
// local checkpoint to the response's server_time. Rows with a pending local
// change are skipped; they win locally until the next push settles them.
func (c *Client) applyPullResponse(ctx context.Context, resp *quillsync.PullResponse) (int, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin pull-apply transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
			_, _ = c.DB.ExecContext(ctx, `UPDATE _sync_client_info SET apply_mode = 0 WHERE owner = ?`, c.Owner)
		}
	}()

	if err := c.setApplyMode(ctx, tx, 1); err != nil {
		return 0, err
	}

	applied := 0
	apply := func(kind, id string, upsert func() error) error {
		dirty, err := isDirty(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		if dirty {
			return nil
		}
		if err := upsert(); err != nil {
			return err
		}
		applied++
		return nil
	}

	for i := range resp.Workspaces {
		w := &resp.Workspaces[i]
		if err := apply("workspace", w.ID, func() error { return upsertWorkspace(ctx, tx, w) }); err != nil {
			return applied, err
		}
	}
	for i := range resp.Folders {
		f := &resp.Folders[i]
		if err := apply("folder", f.ID, func() error { return upsertFolder(ctx, tx, f) }); err != nil {
			return applied, err
		}
	}
	for i := range resp.Tags {
		t := &resp.Tags[i]
		if err := apply("tag", t.ID, func() error { return upsertTag(ctx, tx, t) }); err != nil {
			return applied, err
		}
	}
	for i := range resp.Notes {
		n := &resp.Notes[i]
		if err := apply("note", n.ID, func() error { return upsertNote(ctx, tx, n) }); err != nil {
			return applied, err
		}
	}
	for i := range resp.Snapshots {
		s := &resp.Snapshots[i]
		if err := apply("snapshot", s.ID, func() error { return upsertSnapshot(ctx, tx, s) }); err != nil {
			return applied, err
		}
	}
	for i := range resp.NoteTags {
		nt := &resp.NoteTags[i]
		if err := apply("note_tag", nt.ID, func() error { return upsertNoteTag(ctx, tx, nt) }); err != nil {
			return applied, err
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE _sync_client_info SET last_sync_at = ? WHERE owner = ?`,
		resp.ServerTime, c.Owner)
	if err != nil {
		return applied, fmt.Errorf("failed to advance last_sync_at: %w", err)
	}

	if err := c.setApplyMode(ctx, tx, 0); err != nil {
		return applied, err
	}
	if err := tx.Commit(); err != nil {
		return applied, fmt.Errorf("failed to commit pull-apply transaction: %w", err)
	}
	committed = true
	return applied, nil
}

// refreshedSince reports whether the entity's dirty mark was bumped past the
// collected batch's high-water mark, i.e. edited again after collection.
func refreshedSince(ctx context.Context, tx *sql.Tx, kind, id string, maxChangeID int64) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM _sync_dirty
		               WHERE kind = ? AND id = ? AND change_id > ?)`,
		kind, id, maxChangeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check refreshed mark %s/%s: %w", kind, id, err)
	}
	return exists, nil
}

// bumpVersion records the authoritative server_version without touching the
// row's content.
func bumpVersion(ctx context.Context, tx *sql.Tx, table, id string, version int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET server_version = ? WHERE id = ?`, version, id)
	if err != nil {
		return fmt.Errorf("failed to bump version of %s %s: %w", table, id, err)
	}
	return nil
}

func isDirty(ctx context.Context, tx *sql.Tx, kind, id string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM _sync_dirty WHERE kind = ? AND id = ?)`, kind, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check dirty mark %s/%s: %w", kind, id, err)
	}
	return exists, nil
}

func upsertNote(ctx context.Context, tx *sql.Tx, n *quillsync.Note) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO notes (id, title, content, folder_id, workspace_id, pinned,
		                   is_deleted, deleted_at, created_at, updated_at, server_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			folder_id = excluded.folder_id,
			workspace_id = excluded.workspace_id,
			pinned = excluded.pinned,
			is_deleted = excluded.is_deleted,
			deleted_at = excluded.deleted_at,
			updated_at = excluded.updated_at,
			server_version = excluded.server_version`,
		n.ID, n.Title, n.Content, n.FolderID, n.WorkspaceID, boolToInt(n.Pinned),
		boolToInt(n.IsDeleted), n.DeletedAt, n.CreatedAt, n.UpdatedAt, n.ServerVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert note %s: %w", n.ID, err)
	}
	return nil
}

func upsertFolder(ctx context.Context, tx *sql.Tx, f *quillsync.Folder) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO folders (id, name, parent_id, workspace_id,
		                     is_deleted, deleted_at, created_at, updated_at, server_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			parent_id = excluded.parent_id,
			workspace_id = excluded.workspace_id,
			is_deleted = excluded.is_deleted,
			deleted_at = excluded.deleted_at,
			updated_at = excluded.updated_at,
			server_version = excluded.server_version`,
		f.ID, f.Name, f.ParentID, f.WorkspaceID,
		boolToInt(f.IsDeleted), f.DeletedAt, f.CreatedAt, f.UpdatedAt, f.ServerVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert folder %s: %w", f.ID, err)
	}
	return nil
}

func upsertTag(ctx context.Context, tx *sql.Tx, t *quillsync.Tag) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tags (id, name, color,
		                  is_deleted, deleted_at, created_at, updated_at, server_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			color = excluded.color,
			is_deleted = excluded.is_deleted,
			deleted_at = excluded.deleted_at,
			updated_at = excluded.updated_at,
			server_version = excluded.server_version`,
		t.ID, t.Name, t.Color,
		boolToInt(t.IsDeleted), t.DeletedAt, t.CreatedAt, t.UpdatedAt, t.ServerVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert tag %s: %w", t.ID, err)
	}
	return nil
}

func upsertSnapshot(ctx context.Context, tx *sql.Tx, s *quillsync.Snapshot) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (id, note_id, title, content, taken_at,
		                       is_deleted, deleted_at, created_at, updated_at, server_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			note_id = excluded.note_id,
			title = excluded.title,
			content = excluded.content,
			taken_at = excluded.taken_at,
			is_deleted = excluded.is_deleted,
			deleted_at = excluded.deleted_at,
			updated_at = excluded.updated_at,
			server_version = excluded.server_version`,
		s.ID, s.NoteID, s.Title, s.Content, s.TakenAt,
		boolToInt(s.IsDeleted), s.DeletedAt, s.CreatedAt, s.UpdatedAt, s.ServerVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot %s: %w", s.ID, err)
	}
	return nil
}

func upsertNoteTag(ctx context.Context, tx *sql.Tx, nt *quillsync.NoteTag) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO note_tags (id, note_id, tag_id,
		                       is_deleted, deleted_at, created_at, updated_at, server_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			note_id = excluded.note_id,
			tag_id = excluded.tag_id,
			is_deleted = excluded.is_deleted,
			deleted_at = excluded.deleted_at,
			updated_at = excluded.updated_at,
			server_version = excluded.server_version`,
		nt.ID, nt.NoteID, nt.TagID,
		boolToInt(nt.IsDeleted), nt.DeletedAt, nt.CreatedAt, nt.UpdatedAt, nt.ServerVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert note_tag %s: %w", nt.ID, err)
	}
	return nil
}

func upsertWorkspace(ctx context.Context, tx *sql.Tx, w *quillsync.Workspace) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, parent_id,
		                        is_deleted, deleted_at, created_at, updated_at, server_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			parent_id = excluded.parent_id,
			is_deleted = excluded.is_deleted,
			deleted_at = excluded.deleted_at,
			updated_at = excluded.updated_at,
			server_version = excluded.server_version`,
		w.ID, w.Name, w.ParentID,
		boolToInt(w.IsDeleted), w.DeletedAt, w.CreatedAt, w.UpdatedAt, w.ServerVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert workspace %s: %w", w.ID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
