// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ProcessPush handles one push batch from a device. For every submitted
// entity the declared base version is compared against the server's current
// server_version inside a single conditional update; equal applies and
// increments, unequal raises a conflict resolved per the request strategy.
// Content-identical submissions never conflict even when versions differ.
//
// The whole batch runs in one transaction: a storage failure rolls back
// entities already applied earlier in the same batch.
func (s *SyncService) ProcessPush(ctx context.Context, owner, deviceID string, req *PushRequest) (*PushResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	strategy, err := normalizeStrategy(req.Strategy)
	if err != nil {
		return nil, err
	}

	changes, err := s.collectChanges(req)
	if err != nil {
		return nil, err
	}

	if s.config.MaxPushBatchSize > 0 && len(changes) > s.config.MaxPushBatchSize {
		return nil, fmt.Errorf("%w: batch too large: entities=%d limit=%d",
			ErrValidation, len(changes), s.config.MaxPushBatchSize)
	}

	// Device gate doubles as liveness tracking: the same conditional update
	// that rejects revoked devices advances last_seen_at.
	if err := s.touchDevice(ctx, owner, deviceID); err != nil {
		return nil, err
	}

	resp := &PushResponse{
		Notes:     []Note{},
		Folders:   []Folder{},
		Conflicts: []ConflictInfo{},
	}

	err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		if err := s.prepareApplyStatements(ctx, tx); err != nil {
			return fmt.Errorf("failed to prepare statements: %w", err)
		}

		// Tree invariants are checked for the whole batch before any entity
		// is applied, so a cycle rejects the push with no state change.
		if err := s.checkTreeInvariants(ctx, tx, owner, changes); err != nil {
			return err
		}

		for i := range changes {
			if err := s.applyChange(ctx, tx, owner, strategy, &changes[i], resp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return nil, err
		}
		s.logger.Error("push transaction failed", "owner", owner, "device_id", deviceID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	resp.ServerTime = nowMillis()
	s.logger.Info("processed push",
		"owner", owner, "device_id", deviceID, "strategy", strategy,
		"submitted", len(changes), "conflicts", len(resp.Conflicts))
	return resp, nil
}

// collectChanges converts the typed request arrays into the kind-agnostic
// pipeline form, validating every entity up front.
func (s *SyncService) collectChanges(req *PushRequest) ([]entityChange, error) {
	changes := make([]entityChange, 0,
		len(req.Notes)+len(req.Folders)+len(req.Tags)+len(req.Snapshots)+len(req.NoteTags)+len(req.Workspaces))

	add := func(ch entityChange, convErr, valErr error) error {
		if valErr != nil {
			return valErr
		}
		if convErr != nil {
			return fmt.Errorf("%w: %v", ErrValidation, convErr)
		}
		if err := s.validateChange(&ch); err != nil {
			return err
		}
		changes = append(changes, ch)
		return nil
	}

	// Workspaces and folders sort before notes so a batch that creates a
	// tree top-down applies parent-first.
	for i := range req.Workspaces {
		ch, err := req.Workspaces[i].change()
		if e := add(ch, err, validateWorkspace(&req.Workspaces[i])); e != nil {
			return nil, e
		}
	}
	for i := range req.Folders {
		ch, err := req.Folders[i].change()
		if e := add(ch, err, validateFolder(&req.Folders[i])); e != nil {
			return nil, e
		}
	}
	for i := range req.Tags {
		ch, err := req.Tags[i].change()
		if e := add(ch, err, validateTag(&req.Tags[i])); e != nil {
			return nil, e
		}
	}
	for i := range req.Notes {
		ch, err := req.Notes[i].change()
		if e := add(ch, err, validateNote(&req.Notes[i])); e != nil {
			return nil, e
		}
	}
	for i := range req.Snapshots {
		ch, err := req.Snapshots[i].change()
		if e := add(ch, err, validateSnapshot(&req.Snapshots[i])); e != nil {
			return nil, e
		}
	}
	for i := range req.NoteTags {
		ch, err := req.NoteTags[i].change()
		if e := add(ch, err, validateNoteTag(&req.NoteTags[i])); e != nil {
			return nil, e
		}
	}
	return changes, nil
}

// applyChange runs one entity through the version gate and, on mismatch,
// through conflict resolution.
func (s *SyncService) applyChange(ctx context.Context, tx pgx.Tx, owner, strategy string, ch *entityChange, resp *PushResponse) error {
	now := nowMillis()

	code, newVer, err := s.execApply(ctx, tx, owner, ch, ch.Base, now)
	if err != nil {
		return fmt.Errorf("apply %s %s: %w", ch.Kind, ch.ID, err)
	}

	if code == applyCodeMissing {
		// A concurrent transaction inserted the row after our statement
		// snapshot was taken. Re-read with a fresh snapshot and fall through
		// to the mismatch path.
		if _, err := s.fetchRow(ctx, tx, owner, ch.Kind, ch.ID); err != nil {
			return fmt.Errorf("apply %s %s: row vanished mid-batch: %w", ch.Kind, ch.ID, err)
		}
		code = applyCodeMismatch
	}

	switch code {
	case applyCodeApplied:
		s.echoAccepted(resp, ch, owner, newVer)
		if ch.Deleted && (ch.Kind == KindFolder || ch.Kind == KindWorkspace) {
			if err := s.cascadeTombstone(ctx, tx, owner, ch.Kind, ch.ID, ch.DeletedAt, now); err != nil {
				return fmt.Errorf("cascade tombstone for %s %s: %w", ch.Kind, ch.ID, err)
			}
		}
		return nil

	case applyCodeMismatch:
		return s.resolveMismatch(ctx, tx, owner, strategy, ch, resp)

	default:
		return fmt.Errorf("unknown apply code %d for %s %s", code, ch.Kind, ch.ID)
	}
}

// execApply runs the prepared version-gate statement with the given base.
func (s *SyncService) execApply(ctx context.Context, tx pgx.Tx, owner string, ch *entityChange, base, now int64) (int, int64, error) {
	var (
		code   int
		newVer int64
	)
	err := tx.QueryRow(ctx, stmtApplyEntity,
		owner, ch.Kind, ch.ID, ch.Payload, ch.Hash, ch.Title, ch.ParentID,
		ch.Deleted, ch.DeletedAt, ch.CreatedAt, ch.UpdatedAt, base, now,
	).Scan(&code, &newVer)
	if err != nil {
		return 0, 0, err
	}
	return code, newVer, nil
}

// serverRow is the stored server copy of an entity.
type serverRow struct {
	Payload       []byte
	Hash          string
	Title         string
	ServerVersion int64
	Deleted       bool
}

func (s *SyncService) fetchRow(ctx context.Context, tx pgx.Tx, owner, kind, id string) (*serverRow, error) {
	var row serverRow
	err := tx.QueryRow(ctx, stmtFetchRow, owner, kind, id).
		Scan(&row.Payload, &row.Hash, &row.Title, &row.ServerVersion, &row.Deleted)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// echoAccepted places an applied note or folder into the response with its
// new server version. Other kinds are reconciled through the following pull.
func (s *SyncService) echoAccepted(resp *PushResponse, ch *entityChange, owner string, version int64) {
	switch ch.Kind {
	case KindNote:
		if n, err := decodeNote(ch.Payload, owner, version); err == nil {
			resp.Notes = append(resp.Notes, *n)
		}
	case KindFolder:
		if f, err := decodeFolder(ch.Payload, owner, version); err == nil {
			resp.Folders = append(resp.Folders, *f)
		}
	}
}
