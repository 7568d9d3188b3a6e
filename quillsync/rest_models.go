// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

// REST/JSON models for the HTTP sync API.
// Owner identity is derived from the JWT sub claim, device identity from the
// did claim; neither appears in request bodies.

// PushRequest carries one batch of locally mutated entities. Any subset of
// the arrays may be omitted. Strategy selects conflict resolution for this
// call; empty means create_conflict_copy.
type PushRequest struct {
	Strategy   string      `json:"strategy,omitempty"`
	Notes      []Note      `json:"notes,omitempty"`
	Folders    []Folder    `json:"folders,omitempty"`
	Tags       []Tag       `json:"tags,omitempty"`
	Snapshots  []Snapshot  `json:"snapshots,omitempty"`
	NoteTags   []NoteTag   `json:"noteTags,omitempty"`
	Workspaces []Workspace `json:"workspaces,omitempty"`
}

// PushResponse reports the outcome of a push. Notes and Folders echo entities
// the client must reconcile: accepted changes with their new server_version,
// conflict copies under fresh ids, and (for manual_merge) the server's
// current copy of each conflicted entity. Conflicts lists every detected
// conflict regardless of the strategy that resolved it.
type PushResponse struct {
	Notes      []Note         `json:"notes"`
	Folders    []Folder       `json:"folders"`
	Conflicts  []ConflictInfo `json:"conflicts"`
	ServerTime int64          `json:"server_time"`
}

// PullResponse returns every entity of the owner whose server-side change
// time exceeds the checkpoint, or a full snapshot of non-deleted entities
// when no checkpoint was given. Conflicts is always empty: pull never raises
// conflicts.
type PullResponse struct {
	Notes      []Note         `json:"notes"`
	Folders    []Folder       `json:"folders"`
	Tags       []Tag          `json:"tags"`
	Snapshots  []Snapshot     `json:"snapshots"`
	NoteTags   []NoteTag      `json:"noteTags"`
	Workspaces []Workspace    `json:"workspaces"`
	Conflicts  []ConflictInfo `json:"conflicts"`
	ServerTime int64          `json:"server_time"`
}

// ConflictInfo describes one detected push conflict. EntityID references the
// original entity, never the conflict copy. Produced only by push.
type ConflictInfo struct {
	EntityID      string `json:"entity_id"`
	EntityType    string `json:"entity_type"` // note | folder
	LocalVersion  int64  `json:"local_version"`
	ServerVersion int64  `json:"server_version"`
	Title         string `json:"title"`
}

// SyncReport aggregates one sync run. PushedCount is the number of entities
// submitted, not the number accepted; ConflictCount is the size of the push
// conflicts list. DurationMs is observability only.
type SyncReport struct {
	Success       bool   `json:"success"`
	SyncType      string `json:"sync_type"` // push | pull | full
	PushedCount   int    `json:"pushed_count"`
	PulledCount   int    `json:"pulled_count"`
	ConflictCount int    `json:"conflict_count"`
	Error         string `json:"error,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
}

// SyncHistoryEntry is one immutable row of the append-only history log.
type SyncHistoryEntry struct {
	ID            string `json:"id"`
	Owner         string `json:"owner"`
	DeviceID      string `json:"device_id"`
	SyncType      string `json:"sync_type"`
	Success       bool   `json:"success"`
	PushedCount   int    `json:"pushed_count"`
	PulledCount   int    `json:"pulled_count"`
	ConflictCount int    `json:"conflict_count"`
	Error         string `json:"error,omitempty"`
	DurationMs    int64  `json:"duration_ms"`
	CreatedAt     int64  `json:"created_at"`
}

// Device is a registered sync client. Revoked is monotonic: once true it can
// never become false.
type Device struct {
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	Type       string `json:"type"` // desktop | laptop | mobile | tablet
	Revoked    bool   `json:"revoked"`
	LastSeenAt int64  `json:"last_seen_at"`
	CreatedAt  int64  `json:"created_at"`
}

// RegisterDeviceRequest registers a new device row. Registration never
// deduplicates by (owner, name, type); every login may create a new row.
type RegisterDeviceRequest struct {
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type,omitempty"` // defaults to desktop
}

// DeviceIDRequest targets a single device by id (revoke, heartbeat).
type DeviceIDRequest struct {
	DeviceID string `json:"device_id"`
}

// ListDevicesResponse wraps the owner's device rows.
type ListDevicesResponse struct {
	Devices []Device `json:"devices"`
}

// ListHistoryResponse wraps history entries, newest first.
type ListHistoryResponse struct {
	Entries []SyncHistoryEntry `json:"entries"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SchemaVersionResponse reports the wire schema version.
type SchemaVersionResponse struct {
	Version int `json:"schema_version"`
}
