// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RegisterDevice creates a new device record for the owner and returns it.
// Registering the same name twice creates two independent devices; identity
// is the generated id, never the name.
func (s *SyncService) RegisterDevice(ctx context.Context, owner string, req RegisterDeviceRequest) (*Device, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req.DeviceName == "" {
		return nil, fmt.Errorf("%w: device_name is required", ErrValidation)
	}
	deviceType := req.DeviceType
	if deviceType == "" {
		deviceType = DeviceDesktop
	}
	if !validDeviceType(deviceType) {
		return nil, fmt.Errorf("%w: unknown device_type %q", ErrValidation, deviceType)
	}

	d := &Device{
		ID:        uuid.NewString(),
		Owner:     owner,
		Name:      req.DeviceName,
		Type:      deviceType,
		CreatedAt: nowMillis(),
	}
	d.LastSeenAt = d.CreatedAt

	_, err := s.pool.Exec(ctx, `
INSERT INTO sync.devices (id, owner, name, device_type, created_at, last_seen_at, revoked)
VALUES ($1, $2, $3, $4, $5, $6, FALSE)`,
		d.ID, d.Owner, d.Name, d.Type, d.CreatedAt, d.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("%w: register device: %v", ErrStorage, err)
	}

	s.logger.Info("registered device",
		"owner", owner, "device_id", d.ID, "device_type", d.Type)
	return d, nil
}

// ListDevices returns the owner's devices, revoked ones included, newest
// registration first.
func (s *SyncService) ListDevices(ctx context.Context, owner string) ([]Device, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, name, device_type, created_at, last_seen_at, revoked
  FROM sync.devices
 WHERE owner = $1
 ORDER BY created_at DESC, id`,
		owner)
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", ErrStorage, err)
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		d := Device{Owner: owner}
		if err := rows.Scan(&d.ID, &d.Name, &d.Type,
			&d.CreatedAt, &d.LastSeenAt, &d.Revoked); err != nil {
			return nil, fmt.Errorf("%w: scan device: %v", ErrStorage, err)
		}
		devices = append(devices, d)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%w: list devices: %v", ErrStorage, rows.Err())
	}
	return devices, nil
}

// RevokeDevice marks a device revoked. Revocation is monotonic: revoking an
// already-revoked device is a no-op, and there is no un-revoke. Revoking an
// unknown device is an error so callers notice typoed ids.
func (s *SyncService) RevokeDevice(ctx context.Context, owner, deviceID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if _, err := uuid.Parse(deviceID); err != nil {
		return fmt.Errorf("%w: device_id must be a UUID", ErrValidation)
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE sync.devices SET revoked = TRUE
 WHERE owner = $1 AND id = $2`,
		owner, deviceID)
	if err != nil {
		return fmt.Errorf("%w: revoke device: %v", ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: unknown device %s", ErrValidation, deviceID)
	}

	s.logger.Info("revoked device", "owner", owner, "device_id", deviceID)
	return nil
}

// Heartbeat advances a device's last_seen_at without syncing anything.
func (s *SyncService) Heartbeat(ctx context.Context, owner, deviceID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.touchDevice(ctx, owner, deviceID)
}

// touchDevice gates every sync call: it advances last_seen_at, and because
// the update only matches non-revoked rows, a zero row count tells us the
// device is either revoked or unknown. One statement does both jobs.
func (s *SyncService) touchDevice(ctx context.Context, owner, deviceID string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE sync.devices SET last_seen_at = $3
 WHERE owner = $1 AND id = $2 AND NOT revoked`,
		owner, deviceID, nowMillis())
	if err != nil {
		return fmt.Errorf("%w: touch device: %v", ErrStorage, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var revoked bool
	err = s.pool.QueryRow(ctx, `
SELECT revoked FROM sync.devices WHERE owner = $1 AND id = $2`,
		owner, deviceID).Scan(&revoked)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: unknown device %s", ErrAuth, deviceID)
	case err != nil:
		return fmt.Errorf("%w: touch device: %v", ErrStorage, err)
	case revoked:
		return fmt.Errorf("%w: device %s", ErrDeviceRevoked, deviceID)
	default:
		// Raced with a concurrent revoke between the update and the read.
		return fmt.Errorf("%w: device %s", ErrDeviceRevoked, deviceID)
	}
}
