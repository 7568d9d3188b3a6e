// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestConflictCopy_Note(t *testing.T) {
	n := Note{
		ID:            uuid.NewString(),
		Title:         "Meeting notes",
		Content:       "local edits",
		CreatedAt:     1000,
		UpdatedAt:     2000,
		ServerVersion: 3,
	}
	ch, err := n.change()
	if err != nil {
		t.Fatalf("change() failed: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	cp, err := conflictCopy(&ch, now)
	if err != nil {
		t.Fatalf("conflictCopy failed: %v", err)
	}

	if cp.ID == ch.ID {
		t.Error("copy must have a fresh id")
	}
	if _, err := uuid.Parse(cp.ID); err != nil {
		t.Errorf("copy id should be a UUID: %v", err)
	}
	if cp.Base != 0 {
		t.Errorf("copy base must be 0 (never synced), got %d", cp.Base)
	}
	if want := "Meeting notes (conflicted copy 2025-06-01)"; cp.Title != want {
		t.Errorf("expected title %q, got %q", want, cp.Title)
	}

	var fields map[string]any
	if err := json.Unmarshal(cp.Payload, &fields); err != nil {
		t.Fatalf("copy payload is not valid JSON: %v", err)
	}
	if fields["id"] != cp.ID {
		t.Error("payload id must match the copy's id")
	}
	if fields["title"] != cp.Title {
		t.Error("payload title must carry the disambiguated title")
	}
	if fields["content"] != "local edits" {
		t.Error("copy must preserve the client's conflicting content")
	}
}

func TestConflictCopy_FolderUsesNameField(t *testing.T) {
	f := Folder{ID: uuid.NewString(), Name: "Projects", CreatedAt: 1, UpdatedAt: 1, ServerVersion: 2}
	ch, err := f.change()
	if err != nil {
		t.Fatalf("change() failed: %v", err)
	}

	cp, err := conflictCopy(&ch, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("conflictCopy failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(cp.Payload, &fields); err != nil {
		t.Fatalf("copy payload is not valid JSON: %v", err)
	}
	name, _ := fields["name"].(string)
	if !strings.HasPrefix(name, "Projects (conflicted copy ") {
		t.Errorf("folder copy should disambiguate name, got %q", name)
	}
	if _, hasTitle := fields["title"]; hasTitle {
		t.Error("folder payload should not grow a title field")
	}
}

func TestConflictCopyTitle(t *testing.T) {
	now := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC).UnixMilli()

	if got := conflictCopyTitle("Draft", now); got != "Draft (conflicted copy 2025-01-15)" {
		t.Errorf("unexpected title %q", got)
	}
	if got := conflictCopyTitle("", now); got != "Untitled (conflicted copy 2025-01-15)" {
		t.Errorf("unexpected empty-title fallback %q", got)
	}
}
