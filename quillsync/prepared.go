// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Statement names for hot-path operations
const (
	stmtApplyEntity = "q_apply_entity"
	stmtForceApply  = "q_force_apply"
	stmtFetchRow    = "q_fetch_row"
)

// prepareApplyStatements prepares the per-entity apply statements on the
// current transaction connection. pgx caches prepared statements per
// connection, so repeated preparation is a no-op.
func (s *SyncService) prepareApplyStatements(ctx context.Context, tx pgx.Tx) error {
	// q_apply_entity: single-statement version gate. The read-compare-increment
	// for one entity executes as one conditional UPDATE, so two concurrent
	// pushes can never both observe the same base version and both apply.
	//
	// Params:
	//   $1 owner, $2 kind, $3 id, $4 payload, $5 content_hash, $6 title,
	//   $7 parent_id, $8 deleted, $9 deleted_at, $10 created_at,
	//   $11 updated_at, $12 declared base version, $13 server change time
	//
	// Returns:
	//   code:
	//     1 = applied (version gate passed, or fresh row inserted at version 1)
	//     2 = version mismatch (row exists, base != current server_version)
	//     3 = no row visible in this statement's snapshot (concurrent insert;
	//         caller re-reads with a fresh snapshot)
	//   new_server_version: the row's version when applied, else 0
	if _, err := tx.Prepare(ctx, stmtApplyEntity, `
WITH vg AS (
  UPDATE sync.entities
     SET payload        = $4::jsonb,
         content_hash   = $5,
         title          = $6,
         parent_id      = $7,
         server_version = server_version + 1,
         deleted        = $8,
         deleted_at     = $9,
         updated_at     = $11,
         changed_at     = $13
   WHERE owner = $1 AND kind = $2 AND id = $3 AND server_version = $12
  RETURNING server_version
),
ins AS (
  INSERT INTO sync.entities
      (owner, kind, id, payload, content_hash, title, parent_id,
       server_version, deleted, deleted_at, created_at, updated_at, changed_at)
  SELECT $1, $2, $3, $4::jsonb, $5, $6, $7, 1, $8, $9, $10, $11, $13
   WHERE NOT EXISTS (SELECT 1 FROM sync.entities WHERE owner = $1 AND kind = $2 AND id = $3)
  ON CONFLICT (owner, kind, id) DO NOTHING
  RETURNING server_version
)
SELECT CASE
         WHEN EXISTS (SELECT 1 FROM vg) THEN 1
         WHEN EXISTS (SELECT 1 FROM ins) THEN 1
         WHEN EXISTS (SELECT 1 FROM sync.entities WHERE owner = $1 AND kind = $2 AND id = $3) THEN 2
         ELSE 3
       END AS code,
       COALESCE((SELECT server_version FROM vg), (SELECT server_version FROM ins), 0) AS new_server_version
`); err != nil {
		return err
	}

	// q_force_apply: client_wins resolution. Applies unconditionally and
	// advances server_version past whatever the server currently holds.
	if _, err := tx.Prepare(ctx, stmtForceApply, `
UPDATE sync.entities
   SET payload        = $4::jsonb,
       content_hash   = $5,
       title          = $6,
       parent_id      = $7,
       server_version = server_version + 1,
       deleted        = $8,
       deleted_at     = $9,
       updated_at     = $10,
       changed_at     = $11
 WHERE owner = $1 AND kind = $2 AND id = $3
RETURNING server_version
`); err != nil {
		return err
	}

	// q_fetch_row: current server copy for conflict inspection.
	if _, err := tx.Prepare(ctx, stmtFetchRow, `
SELECT payload, content_hash, title, server_version, deleted
  FROM sync.entities
 WHERE owner = $1 AND kind = $2 AND id = $3
`); err != nil {
		return err
	}
	return nil
}
