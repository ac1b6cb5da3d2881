// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package logs

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/iotistic/edge-agent/pkg/util/log"
)

const (
	cloudQueueSize  = 10_000
	cloudFlushDelay = 100 * time.Millisecond
	cloudFlushBytes = 256 * 1024

	cloudBackoffInitial = 5 * time.Second
	cloudBackoffMax     = 5 * time.Minute
)

// CloudBackend uploads logs as NDJSON batches to the cloud. Failed batches
// stay at the front of the buffer so recovery re-flushes them without
// duplicates or reordering.
type CloudBackend struct {
	endpoint string
	uuid     string
	apiKey   string
	compress bool
	http     *http.Client
	clock    clock.Clock
	queue    chan Message

	// owned by the flush loop
	pending      [][]byte
	pendingBytes int
	retry        *backoff.ExponentialBackOff
	retryUntil   time.Time
}

// NewCloudBackend returns the cloud log backend.
func NewCloudBackend(endpoint, deviceUUID, apiKey string, compress bool, clk clock.Clock) *CloudBackend {
	if clk == nil {
		clk = clock.New()
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cloudBackoffInitial
	retry.MaxInterval = cloudBackoffMax
	retry.MaxElapsedTime = 0
	return &CloudBackend{
		endpoint: endpoint,
		uuid:     deviceUUID,
		apiKey:   apiKey,
		compress: compress,
		http:     &http.Client{Timeout: 30 * time.Second},
		clock:    clk,
		queue:    make(chan Message, cloudQueueSize),
		retry:    retry,
	}
}

func (b *CloudBackend) Name() string { return "cloud" }

// Log enqueues the message; a full queue drops it.
func (b *CloudBackend) Log(msg Message) {
	select {
	case b.queue <- msg:
	default:
	}
}

// Run accumulates and uploads until ctx is canceled. A final flush drains
// what is already buffered.
func (b *CloudBackend) Run(ctx context.Context) {
	ticker := b.clock.Ticker(cloudFlushDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.drainQueue()
			b.upload(context.Background())
			return
		case msg := <-b.queue:
			b.buffer(msg)
			if b.pendingBytes >= cloudFlushBytes {
				b.upload(ctx)
			}
		case <-ticker.C:
			b.upload(ctx)
		}
	}
}

func (b *CloudBackend) buffer(msg Message) {
	line, err := json.Marshal(msg)
	if err != nil {
		return
	}
	b.pending = append(b.pending, line)
	b.pendingBytes += len(line) + 1
}

func (b *CloudBackend) drainQueue() {
	for {
		select {
		case msg := <-b.queue:
			b.buffer(msg)
		default:
			return
		}
	}
}

// upload sends all pending lines in one NDJSON batch. On failure the batch
// is kept in order and the next attempt waits out an exponential backoff.
func (b *CloudBackend) upload(ctx context.Context) {
	if len(b.pending) == 0 || b.clock.Now().Before(b.retryUntil) {
		return
	}

	if err := b.post(ctx); err != nil {
		wait := b.retry.NextBackOff()
		b.retryUntil = b.clock.Now().Add(wait)
		log.Warnf("Cloud log upload failed (%d lines buffered, retry in %s): %v",
			len(b.pending), wait.Round(time.Second), err)
		return
	}
	b.pending = nil
	b.pendingBytes = 0
	b.retry.Reset()
	b.retryUntil = time.Time{}
}

func (b *CloudBackend) post(ctx context.Context) error {
	var raw bytes.Buffer
	for _, line := range b.pending {
		raw.Write(line)
		raw.WriteByte('\n')
	}

	var body io.Reader = &raw
	if b.compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw.Bytes()); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		body = &buf
	}

	url := fmt.Sprintf("%s/device/%s/logs", b.endpoint, b.uuid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("X-Device-API-Key", b.apiKey)
	if b.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("log upload: HTTP %d", resp.StatusCode)
	}
	return nil
}
