// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quillsync/go-quillsync/quillsync"
)

// dirtySet is one collected batch of local changes plus the high-water mark
// used to clear exactly the marks it covers.
type dirtySet struct {
	req         *quillsync.PushRequest
	count       int
	maxChangeID int64
	ids         map[string][]string // kind -> entity ids in this batch
}

// CollectChanges gathers every dirty entity into a push request. The returned
// batch remembers which marks it covers; edits arriving afterwards bump their
// change_id past the high-water mark and survive the post-push cleanup.
func (c *Client) CollectChanges(ctx context.Context) (*quillsync.PushRequest, int, error) {
	set, err := c.collectDirty(ctx)
	if err != nil {
		return nil, 0, err
	}
	return set.req, set.count, nil
}

func (c *Client) collectDirty(ctx context.Context) (*dirtySet, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT kind, id, change_id FROM _sync_dirty ORDER BY change_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty set: %w", err)
	}
	defer rows.Close()

	set := &dirtySet{
		req: &quillsync.PushRequest{Strategy: c.config.Strategy},
		ids: make(map[string][]string),
	}
	for rows.Next() {
		var kind, id string
		var changeID int64
		if err := rows.Scan(&kind, &id, &changeID); err != nil {
			return nil, fmt.Errorf("failed to scan dirty row: %w", err)
		}
		set.ids[kind] = append(set.ids[kind], id)
		if changeID > set.maxChangeID {
			set.maxChangeID = changeID
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dirty set: %w", err)
	}

	for kind, ids := range set.ids {
		for _, id := range ids {
			if err := c.loadInto(ctx, set.req, kind, id); err != nil {
				if err == sql.ErrNoRows {
					// Row hard-deleted locally; nothing to push, drop the mark later
					continue
				}
				return nil, err
			}
			set.count++
		}
	}
	return set, nil
}

func (c *Client) loadInto(ctx context.Context, req *quillsync.PushRequest, kind, id string) error {
	switch kind {
	case "note":
		var n quillsync.Note
		var pinned, deleted int
		err := c.DB.QueryRowContext(ctx, `
			SELECT id, title, content, folder_id, workspace_id, pinned,
			       is_deleted, deleted_at, created_at, updated_at, server_version
			  FROM notes WHERE id = ?`, id).
			Scan(&n.ID, &n.Title, &n.Content, &n.FolderID, &n.WorkspaceID, &pinned,
				&deleted, &n.DeletedAt, &n.CreatedAt, &n.UpdatedAt, &n.ServerVersion)
		if err != nil {
			return err
		}
		n.Pinned = pinned != 0
		n.IsDeleted = deleted != 0
		req.Notes = append(req.Notes, n)

	case "folder":
		var f quillsync.Folder
		var deleted int
		err := c.DB.QueryRowContext(ctx, `
			SELECT id, name, parent_id, workspace_id,
			       is_deleted, deleted_at, created_at, updated_at, server_version
			  FROM folders WHERE id = ?`, id).
			Scan(&f.ID, &f.Name, &f.ParentID, &f.WorkspaceID,
				&deleted, &f.DeletedAt, &f.CreatedAt, &f.UpdatedAt, &f.ServerVersion)
		if err != nil {
			return err
		}
		f.IsDeleted = deleted != 0
		req.Folders = append(req.Folders, f)

	case "tag":
		var t quillsync.Tag
		var deleted int
		err := c.DB.QueryRowContext(ctx, `
			SELECT id, name, color,
			       is_deleted, deleted_at, created_at, updated_at, server_version
			  FROM tags WHERE id = ?`, id).
			Scan(&t.ID, &t.Name, &t.Color,
				&deleted, &t.DeletedAt, &t.CreatedAt, &t.UpdatedAt, &t.ServerVersion)
		if err != nil {
			return err
		}
		t.IsDeleted = deleted != 0
		req.Tags = append(req.Tags, t)

	case "snapshot":
		var s quillsync.Snapshot
		var deleted int
		err := c.DB.QueryRowContext(ctx, `
			SELECT id, note_id, title, content, taken_at,
			       is_deleted, deleted_at, created_at, updated_at, server_version
			  FROM snapshots WHERE id = ?`, id).
			Scan(&s.ID, &s.NoteID, &s.Title, &s.Content, &s.TakenAt,
				&deleted, &s.DeletedAt, &s.CreatedAt, &s.UpdatedAt, &s.ServerVersion)
		if err != nil {
			return err
		}
		s.IsDeleted = deleted != 0
		req.Snapshots = append(req.Snapshots, s)

	case "note_tag":
		var nt quillsync.NoteTag
		var deleted int
		err := c.DB.QueryRowContext(ctx, `
			SELECT id, note_id, tag_id,
			       is_deleted, deleted_at, created_at, updated_at, server_version
			  FROM note_tags WHERE id = ?`, id).
			Scan(&nt.ID, &nt.NoteID, &nt.TagID,
				&deleted, &nt.DeletedAt, &nt.CreatedAt, &nt.UpdatedAt, &nt.ServerVersion)
		if err != nil {
			return err
		}
		nt.IsDeleted = deleted != 0
		req.NoteTags = append(req.NoteTags, nt)

	case "workspace":
		var w quillsync.Workspace
		var deleted int
		err := c.DB.QueryRowContext(ctx, `
			SELECT id, name, parent_id,
			       is_deleted, deleted_at, created_at, updated_at, server_version
			  FROM workspaces WHERE id = ?`, id).
			Scan(&w.ID, &w.Name, &w.ParentID,
				&deleted, &w.DeletedAt, &w.CreatedAt, &w.UpdatedAt, &w.ServerVersion)
		if err != nil {
			return err
		}
		w.IsDeleted = deleted != 0
		req.Workspaces = append(req.Workspaces, w)

	default:
		return fmt.Errorf("unknown entity kind %q in dirty set", kind)
	}
	return nil
}

// clearDirty removes marks covered by the batch. Marks refreshed after
// collection carry a higher change_id and stay.
func (c *Client) clearDirty(ctx context.Context, tx *sql.Tx, set *dirtySet, keep map[string]bool) error {
	for kind, ids := range set.ids {
		for _, id := range ids {
			if keep[kind+"/"+id] {
				continue
			}
			_, err := tx.ExecContext(ctx, `
				DELETE FROM _sync_dirty
				 WHERE kind = ? AND id = ? AND change_id <= ?`,
				kind, id, set.maxChangeID)
			if err != nil {
				return fmt.Errorf("failed to clear dirty mark %s/%s: %w", kind, id, err)
			}
		}
	}
	return nil
}
