// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package api implements the binder between the device and the cloud HTTP
// API: target-state polling and current-state reporting.
package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/iotistic/edge-agent/pkg/state"
)

const (
	requestTimeout = 30 * time.Second

	// gzipThreshold is the payload size above which report bodies are
	// compressed.
	gzipThreshold = 1024
)

// ErrUnauthorized is returned on HTTP 401 and triggers re-provisioning.
var ErrUnauthorized = errors.New("unauthorized")

// transientError marks failures the caller retries with backoff.
type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// IsTransient reports whether the binder should back off and retry.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

// Client is the device-side cloud HTTP client. All requests carry the bearer
// API key once provisioned.
type Client struct {
	baseURL string
	http    *http.Client

	m      sync.RWMutex
	apiKey string
}

// NewClient returns a Client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// SetAPIKey installs the bearer credential obtained from provisioning.
func (c *Client) SetAPIKey(key string) {
	c.m.Lock()
	c.apiKey = key
	c.m.Unlock()
}

func (c *Client) authorize(req *http.Request) {
	c.m.RLock()
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	c.m.RUnlock()
}

// TargetStateResult is the outcome of one conditional poll.
type TargetStateResult struct {
	NotModified bool
	ETag        string
	Target      state.TargetState
}

// GetTargetState fetches the device's target state with an ETag conditional
// request.
func (c *Client) GetTargetState(ctx context.Context, uuid, etag string) (TargetStateResult, error) {
	var result TargetStateResult

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/device/%s/state", c.baseURL, uuid), nil)
	if err != nil {
		return result, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return result, transientError{err}
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotModified:
		result.NotModified = true
		result.ETag = etag
		return result, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return result, ErrUnauthorized
	case resp.StatusCode >= 500:
		return result, transientError{fmt.Errorf("target state fetch: HTTP %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return result, fmt.Errorf("target state fetch: HTTP %d", resp.StatusCode)
	}

	var body map[string]struct {
		Apps    map[int]state.App      `json:"apps"`
		Config  map[string]interface{} `json:"config"`
		Version int64                  `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return result, fmt.Errorf("decoding target state: %w", err)
	}
	device, ok := body[uuid]
	if !ok {
		return result, fmt.Errorf("target state response missing device %s", uuid)
	}

	result.ETag = resp.Header.Get("ETag")
	result.Target = state.TargetState{
		Apps:    device.Apps,
		Config:  device.Config,
		Version: device.Version,
	}
	result.Target.Normalize()
	return result, nil
}

// ReportState PATCHes the current state report. Bodies above 1 KiB are
// gzipped.
func (c *Client) ReportState(ctx context.Context, report interface{}) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding state report: %w", err)
	}

	var body io.Reader = bytes.NewReader(payload)
	compressed := len(payload) > gzipThreshold
	if compressed {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/device/state", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return transientError{err}
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 500:
		return transientError{fmt.Errorf("state report: HTTP %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return fmt.Errorf("state report: HTTP %d", resp.StatusCode)
	}
	return nil
}

// drainAndClose reads the body to completion so the connection can be
// reused and no socket leaks on shutdown.
func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, body) //nolint:errcheck
	body.Close()
}
