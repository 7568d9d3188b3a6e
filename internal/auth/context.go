// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	ownerKey  contextKey = "owner"
	deviceKey contextKey = "device_id"
)

// SetOwner sets the authenticated owner (user id) in the context.
func SetOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

// GetOwner retrieves the authenticated owner from the context.
func GetOwner(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey).(string)
	return owner, ok
}

// SetDeviceID sets the authenticated device id in the context.
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceKey, deviceID)
}

// GetDeviceID retrieves the authenticated device id from the context.
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceKey).(string)
	return deviceID, ok
}

// SetAuthContext sets both owner and device id in one call.
func SetAuthContext(ctx context.Context, owner, deviceID string) context.Context {
	ctx = SetOwner(ctx, owner)
	ctx = SetDeviceID(ctx, deviceID)
	return ctx
}
