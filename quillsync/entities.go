// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// Syncable entity models. All timestamps are epoch milliseconds. Ids are
// client-generated so entities can be created offline. ServerVersion carries
// the declared base version on push and the authoritative version on pull;
// it is mutated only by the server.

// Note is a single knowledge-base note.
type Note struct {
	ID            string  `json:"id"`
	Owner         string  `json:"owner,omitempty"`
	Title         string  `json:"title"`
	Content       string  `json:"content"`
	FolderID      *string `json:"folder_id,omitempty"`
	WorkspaceID   *string `json:"workspace_id,omitempty"`
	Pinned        bool    `json:"pinned,omitempty"`
	IsDeleted     bool    `json:"is_deleted"`
	DeletedAt     *int64  `json:"deleted_at,omitempty"`
	CreatedAt     int64   `json:"created_at"`
	UpdatedAt     int64   `json:"updated_at"`
	ServerVersion int64   `json:"server_version"`
}

// Folder groups notes into a tree. ParentID nil means root.
type Folder struct {
	ID            string  `json:"id"`
	Owner         string  `json:"owner,omitempty"`
	Name          string  `json:"name"`
	ParentID      *string `json:"parent_id,omitempty"`
	WorkspaceID   *string `json:"workspace_id,omitempty"`
	IsDeleted     bool    `json:"is_deleted"`
	DeletedAt     *int64  `json:"deleted_at,omitempty"`
	CreatedAt     int64   `json:"created_at"`
	UpdatedAt     int64   `json:"updated_at"`
	ServerVersion int64   `json:"server_version"`
}

// Tag is an owner-scoped label.
type Tag struct {
	ID            string `json:"id"`
	Owner         string `json:"owner,omitempty"`
	Name          string `json:"name"`
	Color         string `json:"color,omitempty"`
	IsDeleted     bool   `json:"is_deleted"`
	DeletedAt     *int64 `json:"deleted_at,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
	ServerVersion int64  `json:"server_version"`
}

// Snapshot is a point-in-time capture of a note's content.
type Snapshot struct {
	ID            string `json:"id"`
	Owner         string `json:"owner,omitempty"`
	NoteID        string `json:"note_id"`
	Title         string `json:"title"`
	Content       string `json:"content"`
	TakenAt       int64  `json:"taken_at"`
	IsDeleted     bool   `json:"is_deleted"`
	DeletedAt     *int64 `json:"deleted_at,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
	ServerVersion int64  `json:"server_version"`
}

// NoteTag links a note to a tag. It syncs as a first-class entity so tag
// assignments made offline propagate like any other change.
type NoteTag struct {
	ID            string `json:"id"`
	Owner         string `json:"owner,omitempty"`
	NoteID        string `json:"note_id"`
	TagID         string `json:"tag_id"`
	IsDeleted     bool   `json:"is_deleted"`
	DeletedAt     *int64 `json:"deleted_at,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
	ServerVersion int64  `json:"server_version"`
}

// Workspace is a top-level grouping; workspaces form a tree like folders.
type Workspace struct {
	ID            string  `json:"id"`
	Owner         string  `json:"owner,omitempty"`
	Name          string  `json:"name"`
	ParentID      *string `json:"parent_id,omitempty"`
	IsDeleted     bool    `json:"is_deleted"`
	DeletedAt     *int64  `json:"deleted_at,omitempty"`
	CreatedAt     int64   `json:"created_at"`
	UpdatedAt     int64   `json:"updated_at"`
	ServerVersion int64   `json:"server_version"`
}

// entityChange is the kind-agnostic form an entity takes through the push
// pipeline. Payload is the full entity JSON; Hash fingerprints only the
// content fields, so metadata-only differences never count as divergence.
type entityChange struct {
	Kind      string
	ID        string
	Base      int64
	Title     string
	ParentID  *string
	Hash      string
	Deleted   bool
	DeletedAt *int64
	CreatedAt int64
	UpdatedAt int64
	Payload   json.RawMessage
}

// fingerprint hashes content parts with a separator so adjacent fields
// cannot alias each other.
func fingerprint(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:])
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Fingerprint returns a content hash covering the user-visible fields of the
// note. Versions and timestamps are deliberately excluded: two replicas with
// identical content must fingerprint equal regardless of sync metadata.
func (n *Note) Fingerprint() string {
	return fingerprint(n.Title, n.Content, derefStr(n.FolderID), derefStr(n.WorkspaceID),
		strconv.FormatBool(n.Pinned), strconv.FormatBool(n.IsDeleted))
}

func (f *Folder) Fingerprint() string {
	return fingerprint(f.Name, derefStr(f.ParentID), derefStr(f.WorkspaceID),
		strconv.FormatBool(f.IsDeleted))
}

func (t *Tag) Fingerprint() string {
	return fingerprint(t.Name, t.Color, strconv.FormatBool(t.IsDeleted))
}

func (s *Snapshot) Fingerprint() string {
	return fingerprint(s.NoteID, s.Title, s.Content, strconv.FormatInt(s.TakenAt, 10),
		strconv.FormatBool(s.IsDeleted))
}

func (nt *NoteTag) Fingerprint() string {
	return fingerprint(nt.NoteID, nt.TagID, strconv.FormatBool(nt.IsDeleted))
}

func (w *Workspace) Fingerprint() string {
	return fingerprint(w.Name, derefStr(w.ParentID), strconv.FormatBool(w.IsDeleted))
}

// change converts a typed entity into its pipeline form. Owner is stripped
// from the stored payload; it lives in its own column and is re-stamped from
// auth context on the way out.
func (n Note) change() (entityChange, error) {
	hash := n.Fingerprint()
	n.Owner = ""
	payload, err := json.Marshal(n)
	if err != nil {
		return entityChange{}, err
	}
	return entityChange{
		Kind: KindNote, ID: n.ID, Base: n.ServerVersion, Title: n.Title,
		ParentID: n.FolderID, Hash: hash, Deleted: n.IsDeleted, DeletedAt: n.DeletedAt,
		CreatedAt: n.CreatedAt, UpdatedAt: n.UpdatedAt, Payload: payload,
	}, nil
}

func (f Folder) change() (entityChange, error) {
	hash := f.Fingerprint()
	f.Owner = ""
	payload, err := json.Marshal(f)
	if err != nil {
		return entityChange{}, err
	}
	return entityChange{
		Kind: KindFolder, ID: f.ID, Base: f.ServerVersion, Title: f.Name,
		ParentID: f.ParentID, Hash: hash, Deleted: f.IsDeleted, DeletedAt: f.DeletedAt,
		CreatedAt: f.CreatedAt, UpdatedAt: f.UpdatedAt, Payload: payload,
	}, nil
}

func (t Tag) change() (entityChange, error) {
	hash := t.Fingerprint()
	t.Owner = ""
	payload, err := json.Marshal(t)
	if err != nil {
		return entityChange{}, err
	}
	return entityChange{
		Kind: KindTag, ID: t.ID, Base: t.ServerVersion, Title: t.Name,
		Hash: hash, Deleted: t.IsDeleted, DeletedAt: t.DeletedAt,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt, Payload: payload,
	}, nil
}

func (s Snapshot) change() (entityChange, error) {
	hash := s.Fingerprint()
	s.Owner = ""
	payload, err := json.Marshal(s)
	if err != nil {
		return entityChange{}, err
	}
	return entityChange{
		Kind: KindSnapshot, ID: s.ID, Base: s.ServerVersion, Title: s.Title,
		Hash: hash, Deleted: s.IsDeleted, DeletedAt: s.DeletedAt,
		CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt, Payload: payload,
	}, nil
}

func (nt NoteTag) change() (entityChange, error) {
	hash := nt.Fingerprint()
	nt.Owner = ""
	payload, err := json.Marshal(nt)
	if err != nil {
		return entityChange{}, err
	}
	return entityChange{
		Kind: KindNoteTag, ID: nt.ID, Base: nt.ServerVersion,
		Hash: hash, Deleted: nt.IsDeleted, DeletedAt: nt.DeletedAt,
		CreatedAt: nt.CreatedAt, UpdatedAt: nt.UpdatedAt, Payload: payload,
	}, nil
}

func (w Workspace) change() (entityChange, error) {
	hash := w.Fingerprint()
	w.Owner = ""
	payload, err := json.Marshal(w)
	if err != nil {
		return entityChange{}, err
	}
	return entityChange{
		Kind: KindWorkspace, ID: w.ID, Base: w.ServerVersion, Title: w.Name,
		ParentID: w.ParentID, Hash: hash, Deleted: w.IsDeleted, DeletedAt: w.DeletedAt,
		CreatedAt: w.CreatedAt, UpdatedAt: w.UpdatedAt, Payload: payload,
	}, nil
}
