// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// normalizeStrategy maps the request strategy to a recognized value.
// Empty selects the default; anything else is a validation failure.
func normalizeStrategy(strategy string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(strategy))
	switch s {
	case "":
		return StrategyConflictCopy, nil
	case StrategyServerWins, StrategyClientWins, StrategyConflictCopy, StrategyManualMerge:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrValidation, strategy)
	}
}

// validateChange checks the invariants every submitted entity must satisfy
// before any state change. Kind-specific required fields are checked by the
// typed validators below.
func (s *SyncService) validateChange(ch *entityChange) error {
	if _, err := uuid.Parse(ch.ID); err != nil {
		return fmt.Errorf("%w: %s id must be a UUID, got %q", ErrValidation, ch.Kind, ch.ID)
	}
	if ch.Base < 0 {
		return fmt.Errorf("%w: %s %s declares negative base version %d", ErrValidation, ch.Kind, ch.ID, ch.Base)
	}
	if ch.CreatedAt <= 0 || ch.UpdatedAt <= 0 {
		return fmt.Errorf("%w: %s %s is missing created_at/updated_at", ErrValidation, ch.Kind, ch.ID)
	}
	if ch.Deleted && ch.DeletedAt == nil {
		return fmt.Errorf("%w: %s %s is deleted without deleted_at", ErrValidation, ch.Kind, ch.ID)
	}
	if s.config.MaxPayloadBytes > 0 && len(ch.Payload) > s.config.MaxPayloadBytes {
		return fmt.Errorf("%w: %s %s payload too large: %d > %d",
			ErrValidation, ch.Kind, ch.ID, len(ch.Payload), s.config.MaxPayloadBytes)
	}
	if ch.ParentID != nil {
		if _, err := uuid.Parse(*ch.ParentID); err != nil {
			return fmt.Errorf("%w: %s %s has malformed parent reference %q", ErrValidation, ch.Kind, ch.ID, *ch.ParentID)
		}
		if *ch.ParentID == ch.ID {
			return fmt.Errorf("%w: %s %s references itself as parent", ErrValidation, ch.Kind, ch.ID)
		}
	}
	return nil
}

func validateNote(n *Note) error {
	// Notes may have empty titles; only structural fields are required.
	return nil
}

func validateFolder(f *Folder) error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: folder %s has empty name", ErrValidation, f.ID)
	}
	return nil
}

func validateTag(t *Tag) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: tag %s has empty name", ErrValidation, t.ID)
	}
	return nil
}

func validateSnapshot(sn *Snapshot) error {
	if _, err := uuid.Parse(sn.NoteID); err != nil {
		return fmt.Errorf("%w: snapshot %s has malformed note_id %q", ErrValidation, sn.ID, sn.NoteID)
	}
	return nil
}

func validateNoteTag(nt *NoteTag) error {
	if _, err := uuid.Parse(nt.NoteID); err != nil {
		return fmt.Errorf("%w: noteTag %s has malformed note_id %q", ErrValidation, nt.ID, nt.NoteID)
	}
	if _, err := uuid.Parse(nt.TagID); err != nil {
		return fmt.Errorf("%w: noteTag %s has malformed tag_id %q", ErrValidation, nt.ID, nt.TagID)
	}
	return nil
}

func validateWorkspace(w *Workspace) error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("%w: workspace %s has empty name", ErrValidation, w.ID)
	}
	return nil
}

// validDeviceType reports whether t is a recognized device type.
func validDeviceType(t string) bool {
	switch t {
	case DeviceDesktop, DeviceLaptop, DeviceMobile, DeviceTablet:
		return true
	}
	return false
}
