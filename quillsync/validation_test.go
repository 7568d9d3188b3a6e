// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func newTestService(t *testing.T) *SyncService {
	t.Helper()
	svc, err := NewSyncService(nil, &ServiceConfig{
		AppName:         "validation-test",
		MaxPayloadBytes: 1 << 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc
}

func TestNormalizeStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", StrategyConflictCopy, false},
		{"server_wins", StrategyServerWins, false},
		{"client_wins", StrategyClientWins, false},
		{"create_conflict_copy", StrategyConflictCopy, false},
		{"manual_merge", StrategyManualMerge, false},
		{"  Server_Wins  ", StrategyServerWins, false},
		{"merge", "", true},
		{"last_write_wins", "", true},
	}
	for _, tt := range tests {
		got, err := normalizeStrategy(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrValidation) {
				t.Errorf("normalizeStrategy(%q): expected validation error, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("normalizeStrategy(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizeStrategy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateChange(t *testing.T) {
	svc := newTestService(t)

	valid := func() entityChange {
		return entityChange{
			Kind:      KindNote,
			ID:        uuid.NewString(),
			Base:      0,
			CreatedAt: 1,
			UpdatedAt: 1,
			Payload:   []byte(`{}`),
		}
	}

	t.Run("accepts valid change", func(t *testing.T) {
		ch := valid()
		if err := svc.validateChange(&ch); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("rejects non-uuid id", func(t *testing.T) {
		ch := valid()
		ch.ID = "note-1"
		if err := svc.validateChange(&ch); !errors.Is(err, ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("rejects negative base version", func(t *testing.T) {
		ch := valid()
		ch.Base = -1
		if err := svc.validateChange(&ch); !errors.Is(err, ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("rejects missing timestamps", func(t *testing.T) {
		ch := valid()
		ch.UpdatedAt = 0
		if err := svc.validateChange(&ch); !errors.Is(err, ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("rejects tombstone without deleted_at", func(t *testing.T) {
		ch := valid()
		ch.Deleted = true
		if err := svc.validateChange(&ch); !errors.Is(err, ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
		at := int64(5)
		ch.DeletedAt = &at
		if err := svc.validateChange(&ch); err != nil {
			t.Errorf("tombstone with deleted_at should pass, got %v", err)
		}
	})

	t.Run("rejects oversized payload", func(t *testing.T) {
		ch := valid()
		ch.Payload = make([]byte, svc.config.MaxPayloadBytes+1)
		if err := svc.validateChange(&ch); !errors.Is(err, ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("rejects self-parent", func(t *testing.T) {
		ch := valid()
		ch.Kind = KindFolder
		ch.ParentID = &ch.ID
		if err := svc.validateChange(&ch); !errors.Is(err, ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("rejects malformed parent id", func(t *testing.T) {
		ch := valid()
		bad := "not-a-uuid"
		ch.ParentID = &bad
		if err := svc.validateChange(&ch); !errors.Is(err, ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})
}

func TestCollectChanges_OrdersParentsFirst(t *testing.T) {
	svc := newTestService(t)

	req := &PushRequest{
		Notes:      []Note{{ID: uuid.NewString(), CreatedAt: 1, UpdatedAt: 1}},
		Folders:    []Folder{{ID: uuid.NewString(), Name: "F", CreatedAt: 1, UpdatedAt: 1}},
		Workspaces: []Workspace{{ID: uuid.NewString(), Name: "W", CreatedAt: 1, UpdatedAt: 1}},
	}

	changes, err := svc.collectChanges(req)
	if err != nil {
		t.Fatalf("collectChanges failed: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(changes))
	}
	if changes[0].Kind != KindWorkspace || changes[1].Kind != KindFolder || changes[2].Kind != KindNote {
		t.Errorf("expected workspace, folder, note order; got %s, %s, %s",
			changes[0].Kind, changes[1].Kind, changes[2].Kind)
	}
}

func TestCollectChanges_RejectsWholeBatch(t *testing.T) {
	svc := newTestService(t)

	req := &PushRequest{
		Notes: []Note{
			{ID: uuid.NewString(), CreatedAt: 1, UpdatedAt: 1},
			{ID: "bad-id", CreatedAt: 1, UpdatedAt: 1},
		},
	}
	if _, err := svc.collectChanges(req); !errors.Is(err, ErrValidation) {
		t.Errorf("one invalid entity should reject the batch, got %v", err)
	}
}

func TestValidateTypedEntities(t *testing.T) {
	if err := validateFolder(&Folder{ID: uuid.NewString(), Name: "  "}); !errors.Is(err, ErrValidation) {
		t.Error("blank folder name should be rejected")
	}
	if err := validateTag(&Tag{ID: uuid.NewString(), Name: ""}); !errors.Is(err, ErrValidation) {
		t.Error("empty tag name should be rejected")
	}
	if err := validateWorkspace(&Workspace{ID: uuid.NewString(), Name: ""}); !errors.Is(err, ErrValidation) {
		t.Error("empty workspace name should be rejected")
	}
	if err := validateSnapshot(&Snapshot{ID: uuid.NewString(), NoteID: "nope"}); !errors.Is(err, ErrValidation) {
		t.Error("malformed snapshot note_id should be rejected")
	}
	if err := validateNoteTag(&NoteTag{ID: uuid.NewString(), NoteID: uuid.NewString(), TagID: "x"}); !errors.Is(err, ErrValidation) {
		t.Error("malformed note_tag tag_id should be rejected")
	}
	if err := validateNote(&Note{ID: uuid.NewString()}); err != nil {
		t.Error("untitled note should be allowed")
	}
}

func TestValidDeviceType(t *testing.T) {
	for _, dt := range []string{DeviceDesktop, DeviceLaptop, DeviceMobile, DeviceTablet} {
		if !validDeviceType(dt) {
			t.Errorf("%q should be a valid device type", dt)
		}
	}
	if validDeviceType("fridge") {
		t.Error("unknown device type should be rejected")
	}
}
