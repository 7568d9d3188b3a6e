// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Folder/workspace tree invariants. The tree must stay acyclic: every parent
// reassignment is checked by walking the ancestor chain before anything in
// the batch commits. The protocol imposes no maximum depth.

// checkTreeInvariants walks the ancestor chain for every folder and workspace
// change that declares a parent. The walk sees the batch's proposed parents
// first and falls back to stored rows, so it validates the post-batch tree.
func (s *SyncService) checkTreeInvariants(ctx context.Context, tx pgx.Tx, owner string, changes []entityChange) error {
	proposed := map[string]map[string]*string{
		KindFolder:    {},
		KindWorkspace: {},
	}
	for i := range changes {
		ch := &changes[i]
		if ch.Kind == KindFolder || ch.Kind == KindWorkspace {
			proposed[ch.Kind][ch.ID] = ch.ParentID
		}
	}

	for i := range changes {
		ch := &changes[i]
		if ch.ParentID == nil || (ch.Kind != KindFolder && ch.Kind != KindWorkspace) {
			continue
		}
		lookup := func(id string) (*string, error) {
			if p, ok := proposed[ch.Kind][id]; ok {
				return p, nil
			}
			var parent *string
			err := tx.QueryRow(ctx,
				`SELECT parent_id FROM sync.entities WHERE owner = $1 AND kind = $2 AND id = $3`,
				owner, ch.Kind, id).Scan(&parent)
			if errors.Is(err, pgx.ErrNoRows) {
				// Dangling parent reference; treated as root for the walk.
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return parent, nil
		}
		cycle, err := wouldCreateCycle(ch.ID, ch.ParentID, lookup)
		if err != nil {
			return fmt.Errorf("ancestor walk for %s %s: %w", ch.Kind, ch.ID, err)
		}
		if cycle {
			return fmt.Errorf("%w: %s %s parent %s would create a cycle",
				ErrValidation, ch.Kind, ch.ID, *ch.ParentID)
		}
	}
	return nil
}

// wouldCreateCycle reports whether attaching id under parent closes a loop.
// The seen set also guards against pre-existing loops in stored data, which
// would otherwise make the walk spin.
func wouldCreateCycle(id string, parent *string, lookup func(string) (*string, error)) (bool, error) {
	seen := map[string]struct{}{id: {}}
	cur := parent
	for cur != nil {
		if _, dup := seen[*cur]; dup {
			return true, nil
		}
		seen[*cur] = struct{}{}
		next, err := lookup(*cur)
		if err != nil {
			return false, err
		}
		cur = next
	}
	return false, nil
}

// cascadeTombstone soft-deletes the subtree under a tombstoned folder or
// workspace: descendant containers of the same kind, and for folders the
// notes filed anywhere in the subtree. Descendant versions advance so every
// replica pulls the tombstones; the server is the author of these changes.
func (s *SyncService) cascadeTombstone(ctx context.Context, tx pgx.Tx, owner, kind, id string, deletedAt *int64, now int64) error {
	ts := now
	if deletedAt != nil {
		ts = *deletedAt
	}

	tag, err := tx.Exec(ctx, `
WITH RECURSIVE sub AS (
  SELECT id FROM sync.entities WHERE owner = $1 AND kind = $2 AND id = $3
  UNION ALL
  SELECT e.id
    FROM sync.entities e
    JOIN sub ON e.parent_id = sub.id
   WHERE e.owner = $1 AND e.kind = $2
)
UPDATE sync.entities t
   SET deleted = TRUE,
       deleted_at = $4,
       updated_at = $4,
       server_version = server_version + 1,
       changed_at = $5
 WHERE t.owner = $1 AND t.kind = $2
   AND t.id IN (SELECT id FROM sub)
   AND t.id <> $3
   AND NOT t.deleted`,
		owner, kind, id, ts, now)
	if err != nil {
		return fmt.Errorf("tombstone descendant %ss: %w", kind, err)
	}
	descendants := tag.RowsAffected()

	var notes int64
	if kind == KindFolder {
		tag, err = tx.Exec(ctx, `
WITH RECURSIVE sub AS (
  SELECT id FROM sync.entities WHERE owner = $1 AND kind = $2 AND id = $3
  UNION ALL
  SELECT e.id
    FROM sync.entities e
    JOIN sub ON e.parent_id = sub.id
   WHERE e.owner = $1 AND e.kind = $2
)
UPDATE sync.entities t
   SET deleted = TRUE,
       deleted_at = $4,
       updated_at = $4,
       server_version = server_version + 1,
       changed_at = $5
 WHERE t.owner = $1 AND t.kind = 'note'
   AND t.parent_id IN (SELECT id FROM sub)
   AND NOT t.deleted`,
			owner, kind, id, ts, now)
		if err != nil {
			return fmt.Errorf("tombstone notes in folder subtree: %w", err)
		}
		notes = tag.RowsAffected()
	}

	if descendants > 0 || notes > 0 {
		s.logger.Debug("cascaded tombstone",
			"kind", kind, "id", id, "descendants", descendants, "notes", notes)
	}
	return nil
}
