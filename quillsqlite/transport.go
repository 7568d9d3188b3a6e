// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/quillsync/go-quillsync/quillsync"
)

// ErrTransport wraps network-level and non-2xx HTTP failures. Callers can
// treat it as retryable; nothing was durably decided by the server when a
// request fails this way (a push may still have been applied server-side,
// which is why push is idempotent per base version).
var ErrTransport = errors.New("transport error")

// httpError is an ErrTransport carrying the server's decoded error body.
type httpError struct {
	Status  int
	Code    string
	Message string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
}

func (e *httpError) Unwrap() error { return ErrTransport }

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		herr := &httpError{Status: resp.StatusCode, Code: "unknown"}
		var body quillsync.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
			herr.Code = body.Error
			herr.Message = body.Message
		}
		return herr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrTransport, err)
		}
	}
	return nil
}

func (c *Client) sendPush(ctx context.Context, req *quillsync.PushRequest) (*quillsync.PushResponse, error) {
	var resp quillsync.PushResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync/push", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) sendPull(ctx context.Context, lastSyncAt int64) (*quillsync.PullResponse, error) {
	query := url.Values{}
	if lastSyncAt > 0 {
		query.Set("last_sync_at", strconv.FormatInt(lastSyncAt, 10))
	}
	var resp quillsync.PullResponse
	if err := c.doJSON(ctx, http.MethodGet, "/sync/pull", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) sendHistory(ctx context.Context, report *quillsync.SyncReport) (*quillsync.SyncHistoryEntry, error) {
	var entry quillsync.SyncHistoryEntry
	if err := c.doJSON(ctx, http.MethodPost, "/sync/history", nil, report, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// RegisterDevice registers this client with the server's device registry.
func (c *Client) RegisterDevice(ctx context.Context, name, deviceType string) (*quillsync.Device, error) {
	var device quillsync.Device
	req := quillsync.RegisterDeviceRequest{DeviceName: name, DeviceType: deviceType}
	if err := c.doJSON(ctx, http.MethodPost, "/devices", nil, req, &device); err != nil {
		return nil, err
	}
	return &device, nil
}

// Heartbeat tells the server this device is alive without syncing.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/devices/heartbeat", nil, struct{}{}, nil)
}
