// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import "encoding/json"

// Payload codecs. Stored payloads never carry owner or an authoritative
// server_version; both are stamped from storage columns on the way out.

func decodeNote(payload []byte, owner string, version int64) (*Note, error) {
	var n Note
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, err
	}
	n.Owner = owner
	n.ServerVersion = version
	return &n, nil
}

func decodeFolder(payload []byte, owner string, version int64) (*Folder, error) {
	var f Folder
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	f.Owner = owner
	f.ServerVersion = version
	return &f, nil
}

func decodeTag(payload []byte, owner string, version int64) (*Tag, error) {
	var t Tag
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, err
	}
	t.Owner = owner
	t.ServerVersion = version
	return &t, nil
}

func decodeSnapshot(payload []byte, owner string, version int64) (*Snapshot, error) {
	var sn Snapshot
	if err := json.Unmarshal(payload, &sn); err != nil {
		return nil, err
	}
	sn.Owner = owner
	sn.ServerVersion = version
	return &sn, nil
}

func decodeNoteTag(payload []byte, owner string, version int64) (*NoteTag, error) {
	var nt NoteTag
	if err := json.Unmarshal(payload, &nt); err != nil {
		return nil, err
	}
	nt.Owner = owner
	nt.ServerVersion = version
	return &nt, nil
}

func decodeWorkspace(payload []byte, owner string, version int64) (*Workspace, error) {
	var w Workspace
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, err
	}
	w.Owner = owner
	w.ServerVersion = version
	return &w, nil
}
