// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// syncHarness runs a real Postgres in a container, migrates the sync schema
// and registers two devices for the same owner.
type syncHarness struct {
	t       *testing.T
	ctx     context.Context
	pool    *pgxpool.Pool
	service *SyncService

	owner   string
	device1 string
	device2 string
}

func newSyncHarness(t *testing.T) *syncHarness {
	if testing.Short() {
		t.Skip("skipping container-backed integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("quillsync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, Migrate(ctx, connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	service, err := NewSyncService(pool, &ServiceConfig{AppName: "quillsync-integration-test"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { service.Close() })

	owner := "user-" + uuid.NewString()
	h := &syncHarness{t: t, ctx: ctx, pool: pool, service: service, owner: owner}
	h.device1 = h.registerDevice("Desktop One", DeviceDesktop)
	h.device2 = h.registerDevice("Phone Two", DeviceMobile)
	return h
}

func (h *syncHarness) registerDevice(name, deviceType string) string {
	dev, err := h.service.RegisterDevice(h.ctx, h.owner, RegisterDeviceRequest{
		DeviceName: name, DeviceType: deviceType,
	})
	require.NoError(h.t, err)
	return dev.ID
}

func (h *syncHarness) push(deviceID string, req *PushRequest) *PushResponse {
	resp, err := h.service.ProcessPush(h.ctx, h.owner, deviceID, req)
	require.NoError(h.t, err)
	return resp
}

func (h *syncHarness) pull(deviceID string, checkpoint *int64) *PullResponse {
	resp, err := h.service.ProcessPull(h.ctx, h.owner, deviceID, checkpoint)
	require.NoError(h.t, err)
	return resp
}

func ptr[T any](v T) *T { return &v }

func testNote(title, content string) Note {
	now := time.Now().UnixMilli()
	return Note{
		ID:        uuid.NewString(),
		Title:     title,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestIntegration_PushPullRoundTrip(t *testing.T) {
	h := newSyncHarness(t)

	note := testNote("Reading list", "Dune, Hyperion")
	resp := h.push(h.device1, &PushRequest{Notes: []Note{note}})

	require.Len(t, resp.Notes, 1)
	require.Equal(t, note.ID, resp.Notes[0].ID)
	require.Equal(t, int64(1), resp.Notes[0].ServerVersion)
	require.Empty(t, resp.Conflicts)
	require.Greater(t, resp.ServerTime, int64(0))

	// Bootstrap pull on the second device sees the note.
	pulled := h.pull(h.device2, nil)
	require.Len(t, pulled.Notes, 1)
	require.Equal(t, note.ID, pulled.Notes[0].ID)
	require.Equal(t, note.Content, pulled.Notes[0].Content)
	require.Equal(t, int64(1), pulled.Notes[0].ServerVersion)
	require.Equal(t, h.owner, pulled.Notes[0].Owner)
	require.Empty(t, pulled.Conflicts)

	// Incremental pull past the server time is empty.
	after := h.pull(h.device2, &pulled.ServerTime)
	require.Empty(t, after.Notes)
}

func TestIntegration_VersionGateIncrements(t *testing.T) {
	h := newSyncHarness(t)

	note := testNote("Draft", "v1")
	h.push(h.device1, &PushRequest{Notes: []Note{note}})

	note.Content = "v2"
	note.ServerVersion = 1
	resp := h.push(h.device1, &PushRequest{Notes: []Note{note}})
	require.Len(t, resp.Notes, 1)
	require.Equal(t, int64(2), resp.Notes[0].ServerVersion)
	require.Empty(t, resp.Conflicts)
}

func TestIntegration_IdenticalContentNeverConflicts(t *testing.T) {
	h := newSyncHarness(t)

	note := testNote("Shared", "same words")
	h.push(h.device1, &PushRequest{Notes: []Note{note}})

	// Second device submits identical content with a stale base. Different
	// version numbers alone are not divergence: echoed at the server version,
	// no increment, no conflict.
	stale := note
	stale.ServerVersion = 0
	stale.UpdatedAt = note.UpdatedAt + 1000
	resp := h.push(h.device2, &PushRequest{Notes: []Note{stale}})

	require.Empty(t, resp.Conflicts)
	require.Len(t, resp.Notes, 1)
	require.Equal(t, int64(1), resp.Notes[0].ServerVersion)
}

func TestIntegration_ConflictCopyDefault(t *testing.T) {
	h := newSyncHarness(t)

	note := testNote("Meeting notes", "agenda from desktop")
	h.push(h.device1, &PushRequest{Notes: []Note{note}})

	divergent := note
	divergent.Content = "agenda from phone"
	divergent.ServerVersion = 0 // stale base
	resp := h.push(h.device2, &PushRequest{Notes: []Note{divergent}})

	require.Len(t, resp.Conflicts, 1)
	c := resp.Conflicts[0]
	require.Equal(t, note.ID, c.EntityID)
	require.Equal(t, KindNote, c.EntityType)
	require.Equal(t, int64(0), c.LocalVersion)
	require.Equal(t, int64(1), c.ServerVersion)
	require.Equal(t, "Meeting notes", c.Title)

	// The echo is the copy: fresh id, disambiguated title, losing content.
	require.Len(t, resp.Notes, 1)
	cp := resp.Notes[0]
	require.NotEqual(t, note.ID, cp.ID)
	require.True(t, strings.HasPrefix(cp.Title, "Meeting notes (conflicted copy "))
	require.Equal(t, "agenda from phone", cp.Content)
	require.Equal(t, int64(1), cp.ServerVersion)

	// A full pull converges: both the untouched original and the copy exist.
	pulled := h.pull(h.device2, ptr(int64(0)))
	require.Len(t, pulled.Notes, 2)
	byID := map[string]Note{}
	for _, n := range pulled.Notes {
		byID[n.ID] = n
	}
	require.Equal(t, "agenda from desktop", byID[note.ID].Content)
	require.Equal(t, "agenda from phone", byID[cp.ID].Content)
}

func TestIntegration_ConflictRestampsOriginal(t *testing.T) {
	h := newSyncHarness(t)

	note := testNote("Plan", "server copy")
	h.push(h.device1, &PushRequest{Notes: []Note{note}})

	// Device two's checkpoint moves past the note's change time.
	checkpoint := h.pull(h.device2, nil).ServerTime
	time.Sleep(5 * time.Millisecond)

	divergent := note
	divergent.Content = "divergent copy"
	divergent.ServerVersion = 0
	resp := h.push(h.device2, &PushRequest{Notes: []Note{divergent}})
	require.Len(t, resp.Conflicts, 1)
	require.Len(t, resp.Notes, 1)
	copyID := resp.Notes[0].ID

	// The conflict left the original untouched but re-stamped its change
	// time, so an incremental pull from the pre-conflict checkpoint delivers
	// the server side alongside the copy instead of only the copy.
	pulled := h.pull(h.device2, ptr(checkpoint))
	require.Len(t, pulled.Notes, 2)
	byID := map[string]Note{}
	for _, n := range pulled.Notes {
		byID[n.ID] = n
	}
	require.Equal(t, "server copy", byID[note.ID].Content)
	require.Equal(t, int64(1), byID[note.ID].ServerVersion)
	require.Equal(t, "divergent copy", byID[copyID].Content)
}

func TestIntegration_ServerWins(t *testing.T) {
	h := newSyncHarness(t)

	note := testNote("Plan", "server copy")
	h.push(h.device1, &PushRequest{Notes: []Note{note}})

	// Checkpoint taken before the conflict: the losing push must put the
	// authoritative copy back into incremental pulls past this point.
	checkpoint := h.pull(h.device2, nil).ServerTime
	time.Sleep(5 * time.Millisecond)

	divergent := note
	divergent.Content = "losing copy"
	divergent.ServerVersion = 0
	resp := h.push(h.device2, &PushRequest{Strategy: StrategyServerWins, Notes: []Note{divergent}})

	require.Len(t, resp.Conflicts, 1)
	require.Empty(t, resp.Notes) // nothing applied, nothing echoed

	pulled := h.pull(h.device2, ptr(checkpoint))
	require.Len(t, pulled.Notes, 1)
	require.Equal(t, "server copy", pulled.Notes[0].Content)
	require.Equal(t, int64(1), pulled.Notes[0].ServerVersion)
}

func TestIntegration_ClientWins(t *testing.T) {
	h := newSyncHarness(t)

	note := testNote("Plan", "old copy")
	h.push(h.device1, &PushRequest{Notes: []Note{note}})

	divergent := note
	divergent.Content = "winning copy"
	divergent.ServerVersion = 0
	resp := h.push(h.device2, &PushRequest{Strategy: StrategyClientWins, Notes: []Note{divergent}})

	require.Len(t, resp.Conflicts, 1)
	require.Len(t, resp.Notes, 1)
	require.Equal(t, note.ID, resp.Notes[0].ID)
	require.Equal(t, int64(2), resp.Notes[0].ServerVersion)

	pulled := h.pull(h.device1, ptr(int64(0)))
	require.Len(t, pulled.Notes, 1)
	require.Equal(t, "winning copy", pulled.Notes[0].Content)
}

func TestIntegration_ManualMerge(t *testing.T) {
	h := newSyncHarness(t)

	note := testNote("Plan", "server copy")
	h.push(h.device1, &PushRequest{Notes: []Note{note}})

	divergent := note
	divergent.Content = "local copy"
	divergent.ServerVersion = 0
	resp := h.push(h.device2, &PushRequest{Strategy: StrategyManualMerge, Notes: []Note{divergent}})

	require.Len(t, resp.Conflicts, 1)
	// Neither side applied; the echo is the server's current entity so the
	// caller can merge against it.
	require.Len(t, resp.Notes, 1)
	require.Equal(t, note.ID, resp.Notes[0].ID)
	require.Equal(t, "server copy", resp.Notes[0].Content)
	require.Equal(t, int64(1), resp.Notes[0].ServerVersion)

	// Merge and resubmit with the echoed version as base.
	merged := resp.Notes[0]
	merged.Content = "server copy + local copy"
	resp2 := h.push(h.device2, &PushRequest{Notes: []Note{merged}})
	require.Empty(t, resp2.Conflicts)
	require.Equal(t, int64(2), resp2.Notes[0].ServerVersion)
}

func TestIntegration_ConcurrentPushRace(t *testing.T) {
	h := newSyncHarness(t)

	note := testNote("Contested", "origin")
	h.push(h.device1, &PushRequest{Notes: []Note{note}})

	// Both devices edit version 1 and push concurrently. The conditional
	// update makes exactly one pass the gate; the other takes the conflict
	// path.
	var wg sync.WaitGroup
	responses := make([]*PushResponse, 2)
	errs := make([]error, 2)
	for i, dev := range []string{h.device1, h.device2} {
		wg.Add(1)
		go func(i int, dev string) {
			defer wg.Done()
			edit := note
			edit.Content = "edit from " + dev
			edit.ServerVersion = 1
			responses[i], errs[i] = h.service.ProcessPush(h.ctx, h.owner, dev, &PushRequest{Notes: []Note{edit}})
		}(i, dev)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	totalConflicts := len(responses[0].Conflicts) + len(responses[1].Conflicts)
	require.Equal(t, 1, totalConflicts, "exactly one push must lose the version gate")

	// Loser resolved with a conflict copy, so both edits survive.
	pulled := h.pull(h.device1, ptr(int64(0)))
	require.Len(t, pulled.Notes, 2)
}

func TestIntegration_FolderCascadeTombstone(t *testing.T) {
	h := newSyncHarness(t)
	now := time.Now().UnixMilli()

	folder := Folder{ID: uuid.NewString(), Name: "Projects", CreatedAt: now, UpdatedAt: now}
	child := testNote("Inside", "body")
	child.FolderID = &folder.ID
	outside := testNote("Outside", "body")

	first := h.push(h.device1, &PushRequest{Folders: []Folder{folder}, Notes: []Note{child, outside}})
	checkpoint := first.ServerTime
	time.Sleep(5 * time.Millisecond)

	// Tombstone the folder; contained notes are tombstoned in the same
	// transaction.
	del := folder
	del.ServerVersion = 1
	del.IsDeleted = true
	del.DeletedAt = ptr(time.Now().UnixMilli())
	del.UpdatedAt = *del.DeletedAt
	h.push(h.device1, &PushRequest{Folders: []Folder{del}})

	pulled := h.pull(h.device2, &checkpoint)
	require.Len(t, pulled.Folders, 1)
	require.True(t, pulled.Folders[0].IsDeleted)
	require.Len(t, pulled.Notes, 1, "only the contained note changed")
	require.Equal(t, child.ID, pulled.Notes[0].ID)
	require.True(t, pulled.Notes[0].IsDeleted)
	require.NotNil(t, pulled.Notes[0].DeletedAt)

	// Bootstrap pulls exclude tombstones entirely.
	snapshot := h.pull(h.device2, nil)
	require.Empty(t, snapshot.Folders)
	require.Len(t, snapshot.Notes, 1)
	require.Equal(t, outside.ID, snapshot.Notes[0].ID)
}

func TestIntegration_TreeCycleRejectsBatch(t *testing.T) {
	h := newSyncHarness(t)
	now := time.Now().UnixMilli()

	a := Folder{ID: uuid.NewString(), Name: "A", CreatedAt: now, UpdatedAt: now}
	b := Folder{ID: uuid.NewString(), Name: "B", CreatedAt: now, UpdatedAt: now}
	a.ParentID = &b.ID
	b.ParentID = &a.ID

	_, err := h.service.ProcessPush(h.ctx, h.owner, h.device1, &PushRequest{Folders: []Folder{a, b}})
	require.ErrorIs(t, err, ErrValidation)

	// All-or-nothing: neither folder was applied.
	snapshot := h.pull(h.device1, nil)
	require.Empty(t, snapshot.Folders)
}

func TestIntegration_RevokedDeviceRejected(t *testing.T) {
	h := newSyncHarness(t)

	require.NoError(t, h.service.RevokeDevice(h.ctx, h.owner, h.device2))

	note := testNote("After revocation", "x")
	_, err := h.service.ProcessPush(h.ctx, h.owner, h.device2, &PushRequest{Notes: []Note{note}})
	require.ErrorIs(t, err, ErrDeviceRevoked)

	_, err = h.service.ProcessPull(h.ctx, h.owner, h.device2, nil)
	require.ErrorIs(t, err, ErrDeviceRevoked)

	require.ErrorIs(t, h.service.Heartbeat(h.ctx, h.owner, h.device2), ErrDeviceRevoked)

	// The sibling device is unaffected.
	h.push(h.device1, &PushRequest{Notes: []Note{note}})

	// An id that was never registered is an auth failure, not a revocation.
	_, err = h.service.ProcessPull(h.ctx, h.owner, uuid.NewString(), nil)
	require.ErrorIs(t, err, ErrAuth)
}

func TestIntegration_DeviceRegistry(t *testing.T) {
	h := newSyncHarness(t)

	devices, err := h.service.ListDevices(h.ctx, h.owner)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	require.NoError(t, h.service.Heartbeat(h.ctx, h.owner, h.device1))

	devices, err = h.service.ListDevices(h.ctx, h.owner)
	require.NoError(t, err)
	for _, d := range devices {
		if d.ID == h.device1 {
			require.Greater(t, d.LastSeenAt, int64(0))
		}
	}

	// Registration never deduplicates: same name and type makes a new row.
	h.registerDevice("Desktop One", DeviceDesktop)
	devices, err = h.service.ListDevices(h.ctx, h.owner)
	require.NoError(t, err)
	require.Len(t, devices, 3)
}

func TestIntegration_HistoryLog(t *testing.T) {
	h := newSyncHarness(t)

	for i := 0; i < 3; i++ {
		_, err := h.service.AppendHistory(h.ctx, h.owner, h.device1, SyncReport{
			Success: true, SyncType: SyncTypeFull, PushedCount: i, DurationMs: 12,
		})
		require.NoError(t, err)
	}
	time.Sleep(5 * time.Millisecond) // strictly newer created_at
	_, err := h.service.AppendHistory(h.ctx, h.owner, h.device2, SyncReport{
		Success: false, SyncType: SyncTypePush, Error: "network unreachable",
	})
	require.NoError(t, err)

	entries, err := h.service.ListHistory(h.ctx, h.owner, 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	// Newest first.
	require.Equal(t, SyncTypePush, entries[0].SyncType)
	require.False(t, entries[0].Success)
	require.Equal(t, "network unreachable", entries[0].Error)

	entries, err = h.service.ListHistory(h.ctx, h.owner, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	deleted, err := h.service.ClearHistory(h.ctx, h.owner)
	require.NoError(t, err)
	require.Equal(t, int64(4), deleted)

	entries, err = h.service.ListHistory(h.ctx, h.owner, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestIntegration_OwnerIsolation(t *testing.T) {
	h := newSyncHarness(t)

	note := testNote("Private", "mine")
	h.push(h.device1, &PushRequest{Notes: []Note{note}})

	other := "user-" + uuid.NewString()
	dev, err := h.service.RegisterDevice(h.ctx, other, RegisterDeviceRequest{DeviceName: "Stranger"})
	require.NoError(t, err)

	pulled, err := h.service.ProcessPull(h.ctx, other, dev.ID, nil)
	require.NoError(t, err)
	require.Empty(t, pulled.Notes)
}
