// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// resolveMismatch handles an entity whose declared base version differs from
// the server's current version. Identical content short-circuits: it is
// treated as accepted at the server's version. Everything else is a conflict,
// resolved per the strategy selected for this push call.
func (s *SyncService) resolveMismatch(ctx context.Context, tx pgx.Tx, owner, strategy string, ch *entityChange, resp *PushResponse) error {
	row, err := s.fetchRow(ctx, tx, owner, ch.Kind, ch.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("version mismatch without server row for %s %s", ch.Kind, ch.ID)
		}
		return fmt.Errorf("fetch server row for %s %s: %w", ch.Kind, ch.ID, err)
	}

	if row.Hash == ch.Hash {
		// Same content on both sides; a version-number difference alone is
		// not divergence. Echo at the server's version, no increment.
		s.echoAccepted(resp, ch, owner, row.ServerVersion)
		return nil
	}

	// ConflictInfo only describes notes and folders. For other kinds the
	// copy/merge strategies have no presentable surface, so they degrade to
	// server_wins and the replica converges on the next pull.
	conflictable := ch.Kind == KindNote || ch.Kind == KindFolder
	effective := strategy
	if !conflictable {
		effective = StrategyServerWins
	}

	switch effective {
	case StrategyServerWins:
		// Local change discarded; the server copy stays authoritative.

	case StrategyClientWins:
		newVer, err := s.forceApply(ctx, tx, owner, ch)
		if err != nil {
			return fmt.Errorf("force apply %s %s: %w", ch.Kind, ch.ID, err)
		}
		s.echoAccepted(resp, ch, owner, newVer)

	case StrategyConflictCopy:
		cp, err := conflictCopy(ch, nowMillis())
		if err != nil {
			return fmt.Errorf("build conflict copy for %s %s: %w", ch.Kind, ch.ID, err)
		}
		code, newVer, err := s.execApply(ctx, tx, owner, &cp, 0, nowMillis())
		if err != nil {
			return fmt.Errorf("insert conflict copy for %s %s: %w", ch.Kind, ch.ID, err)
		}
		if code != applyCodeApplied {
			return fmt.Errorf("conflict copy for %s %s collided (code %d)", ch.Kind, ch.ID, code)
		}
		s.echoAccepted(resp, &cp, owner, newVer)

	case StrategyManualMerge:
		// Apply neither side; hand the server's full entity back so the
		// caller can merge and push the result as a new base.
		s.echoServerRow(resp, ch.Kind, owner, row)
	}

	// Every strategy except client_wins leaves the server copy in place, so
	// re-stamp its change time. A device that skipped this entity while it was
	// locally dirty has a checkpoint already past the copy's old change time;
	// without the re-stamp its next pull would never deliver the server side.
	if effective != StrategyClientWins {
		if err := s.restampRow(ctx, tx, owner, ch.Kind, ch.ID); err != nil {
			return fmt.Errorf("restamp %s %s: %w", ch.Kind, ch.ID, err)
		}
	}

	if conflictable {
		resp.Conflicts = append(resp.Conflicts, ConflictInfo{
			EntityID:      ch.ID,
			EntityType:    ch.Kind,
			LocalVersion:  ch.Base,
			ServerVersion: row.ServerVersion,
			Title:         row.Title,
		})
	} else {
		s.logger.Debug("version mismatch resolved server-wins",
			"kind", ch.Kind, "id", ch.ID, "base", ch.Base, "server_version", row.ServerVersion)
	}
	return nil
}

// restampRow advances an entity's server change time without touching its
// payload or version, putting it back into every device's next incremental
// pull.
func (s *SyncService) restampRow(ctx context.Context, tx pgx.Tx, owner, kind, id string) error {
	_, err := tx.Exec(ctx, `
UPDATE sync.entities SET changed_at = $4
 WHERE owner = $1 AND kind = $2 AND id = $3`,
		owner, kind, id, nowMillis())
	return err
}

// forceApply advances the server copy unconditionally (client_wins).
func (s *SyncService) forceApply(ctx context.Context, tx pgx.Tx, owner string, ch *entityChange) (int64, error) {
	var newVer int64
	err := tx.QueryRow(ctx, stmtForceApply,
		owner, ch.Kind, ch.ID, ch.Payload, ch.Hash, ch.Title, ch.ParentID,
		ch.Deleted, ch.DeletedAt, ch.UpdatedAt, nowMillis(),
	).Scan(&newVer)
	if err != nil {
		return 0, err
	}
	return newVer, nil
}

// conflictCopy derives a fresh entity carrying the client's conflicting
// content: new id, disambiguated title, version gate reset to "never synced".
// The server copy of the original entity is untouched.
func conflictCopy(ch *entityChange, now int64) (entityChange, error) {
	var fields map[string]any
	if err := json.Unmarshal(ch.Payload, &fields); err != nil {
		return entityChange{}, err
	}

	newID := uuid.NewString()
	newTitle := conflictCopyTitle(ch.Title, now)

	fields["id"] = newID
	fields["server_version"] = int64(0)
	switch ch.Kind {
	case KindFolder:
		fields["name"] = newTitle
	default:
		fields["title"] = newTitle
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return entityChange{}, err
	}

	cp := *ch
	cp.ID = newID
	cp.Base = 0
	cp.Title = newTitle
	cp.UpdatedAt = now
	cp.Payload = payload
	return cp, nil
}

// conflictCopyTitle disambiguates the copy so callers can present both sides.
func conflictCopyTitle(title string, now int64) string {
	date := time.UnixMilli(now).UTC().Format("2006-01-02")
	if title == "" {
		return fmt.Sprintf("Untitled (conflicted copy %s)", date)
	}
	return fmt.Sprintf("%s (conflicted copy %s)", title, date)
}

// echoServerRow decodes the stored server copy into the response arrays.
func (s *SyncService) echoServerRow(resp *PushResponse, kind, owner string, row *serverRow) {
	switch kind {
	case KindNote:
		if n, err := decodeNote(row.Payload, owner, row.ServerVersion); err == nil {
			resp.Notes = append(resp.Notes, *n)
		}
	case KindFolder:
		if f, err := decodeFolder(row.Payload, owner, row.ServerVersion); err == nil {
			resp.Folders = append(resp.Folders, *f)
		}
	}
}
