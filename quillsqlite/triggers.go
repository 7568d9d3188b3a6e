// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsqlite

import (
	"bytes"
	"database/sql"
	"fmt"
	"text/template"
)

// Dirty-tracking triggers. Every app-side INSERT or UPDATE on an entity table
// marks the row dirty; rows applied from the server run with apply_mode=1 and
// are skipped. Deletes are soft (an UPDATE setting is_deleted), so two
// triggers per table cover everything.

// TriggerData holds the data needed for trigger template rendering.
type TriggerData struct {
	TableName string
	Kind      string
}

const markDirtyTriggerTemplate = `CREATE TRIGGER IF NOT EXISTS trg_{{.TableName}}_{{.Suffix}}
AFTER {{.Event}} ON {{.TableName}}
WHEN COALESCE((SELECT apply_mode FROM _sync_client_info LIMIT 1), 0) = 0
BEGIN
	INSERT OR IGNORE INTO _sync_dirty(kind, id, change_id)
	VALUES ('{{.Kind}}', NEW.id, (SELECT next_change_id FROM _sync_client_info LIMIT 1));

	-- Refresh the mark so edits made during a sync pass outlive its cleanup
	UPDATE _sync_dirty
	   SET change_id = (SELECT next_change_id FROM _sync_client_info LIMIT 1)
	 WHERE kind = '{{.Kind}}' AND id = NEW.id;

	UPDATE _sync_client_info SET next_change_id = next_change_id + 1;
END`

// syncedTables maps local table names to their wire entity kinds.
var syncedTables = []TriggerData{
	{TableName: "notes", Kind: "note"},
	{TableName: "folders", Kind: "folder"},
	{TableName: "tags", Kind: "tag"},
	{TableName: "snapshots", Kind: "snapshot"},
	{TableName: "note_tags", Kind: "note_tag"},
	{TableName: "workspaces", Kind: "workspace"},
}

func createDirtyTriggers(db *sql.DB) error {
	tmpl, err := template.New("dirty").Parse(markDirtyTriggerTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse trigger template: %w", err)
	}

	for _, td := range syncedTables {
		for _, ev := range []struct {
			Event  string
			Suffix string
		}{
			{Event: "INSERT", Suffix: "ai"},
			{Event: "UPDATE", Suffix: "au"},
		} {
			data := struct {
				TriggerData
				Event  string
				Suffix string
			}{TriggerData: td, Event: ev.Event, Suffix: ev.Suffix}

			var buf bytes.Buffer
			if err := tmpl.Execute(&buf, data); err != nil {
				return fmt.Errorf("failed to render %s trigger for %s: %w", ev.Event, td.TableName, err)
			}
			if _, err := db.Exec(buf.String()); err != nil {
				return fmt.Errorf("failed to create %s trigger for %s: %w", ev.Event, td.TableName, err)
			}
		}
	}
	return nil
}
