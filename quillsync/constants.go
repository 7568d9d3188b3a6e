// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

// Entity kind constants for syncable records
const (
	KindNote      = "note"
	KindFolder    = "folder"
	KindTag       = "tag"
	KindSnapshot  = "snapshot"
	KindNoteTag   = "note_tag"
	KindWorkspace = "workspace"
)

// Conflict resolution strategies, selected per push call
const (
	StrategyServerWins   = "server_wins"
	StrategyClientWins   = "client_wins"
	StrategyConflictCopy = "create_conflict_copy"
	StrategyManualMerge  = "manual_merge"
)

// Device type constants
const (
	DeviceDesktop = "desktop"
	DeviceLaptop  = "laptop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
)

// Sync run types recorded in the history log
const (
	SyncTypePush = "push"
	SyncTypePull = "pull"
	SyncTypeFull = "full"
)

// Apply result codes returned by the prepared apply statement
const (
	applyCodeApplied  = 1 // version gate passed (or fresh insert), change committed
	applyCodeMismatch = 2 // row exists, declared base != current server_version
	applyCodeMissing  = 3 // no row and the statement chose not to insert
)
