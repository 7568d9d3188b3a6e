// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import "errors"

// Error sentinels for the sync protocol taxonomy. Conflicts are not errors:
// they are reported through ConflictInfo in push responses.
var (
	// ErrValidation marks a malformed or missing required field in a submitted
	// entity. The push is rejected before any state change.
	ErrValidation = errors.New("validation failed")

	// ErrAuth marks an invalid credential or an unknown device.
	ErrAuth = errors.New("authentication failed")

	// ErrDeviceRevoked marks a sync or heartbeat call from a revoked device.
	// Revocation is terminal; a new registration is required to regain access.
	ErrDeviceRevoked = errors.New("device revoked")

	// ErrStorage marks a server-side persistence failure. The push batch
	// transaction is rolled back as a whole, so entities applied earlier in
	// the same batch are rolled back with it.
	ErrStorage = errors.New("storage failure")

	// ErrClosed is returned for operations on a closed service.
	ErrClosed = errors.New("sync service has been closed")
)
