// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package logs

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type uploadServer struct {
	m       sync.Mutex
	fail    bool
	batches [][]string
}

func (s *uploadServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.m.Lock()
		defer s.m.Unlock()
		if s.fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/device/dev-1/logs", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("X-Device-API-Key"))

		var body io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			require.NoError(t, err)
			body = zr
		}
		var lines []string
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		s.batches = append(s.batches, lines)
	}
}

func (s *uploadServer) setFail(fail bool) {
	s.m.Lock()
	s.fail = fail
	s.m.Unlock()
}

func (s *uploadServer) all() [][]string {
	s.m.Lock()
	defer s.m.Unlock()
	return s.batches
}

func TestCloudUploadPreservesOrder(t *testing.T) {
	srv := &uploadServer{}
	server := httptest.NewServer(srv.handler(t))
	defer server.Close()

	b := NewCloudBackend(server.URL, "dev-1", "key-1", true, clock.NewMock())
	for i, text := range []string{"first", "second", "third"} {
		b.buffer(Message{Message: text, Timestamp: int64(i)})
	}
	b.upload(context.Background())

	batches := srv.all()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(batches[0][0]), &msg))
	assert.Equal(t, "first", msg.Message)
	require.NoError(t, json.Unmarshal([]byte(batches[0][2]), &msg))
	assert.Equal(t, "third", msg.Message)
	assert.Empty(t, b.pending)
}

func TestCloudUploadRetriesWithoutDuplicates(t *testing.T) {
	srv := &uploadServer{}
	server := httptest.NewServer(srv.handler(t))
	defer server.Close()

	clk := clock.NewMock()
	b := NewCloudBackend(server.URL, "dev-1", "key-1", false, clk)

	srv.setFail(true)
	b.buffer(Message{Message: "kept"})
	b.upload(context.Background())
	assert.Len(t, b.pending, 1, "failed batch stays buffered")
	assert.True(t, clk.Now().Before(b.retryUntil))

	// still backing off: nothing is sent even though the server recovered
	srv.setFail(false)
	b.upload(context.Background())
	assert.Empty(t, srv.all())

	clk.Add(10 * time.Minute)
	b.buffer(Message{Message: "appended"})
	b.upload(context.Background())

	batches := srv.all()
	require.Len(t, batches, 1, "exactly one delivery after recovery")
	require.Len(t, batches[0], 2)

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(batches[0][0]), &msg))
	assert.Equal(t, "kept", msg.Message, "buffered line re-flushed first")
}

func TestCloudQueueDropsOnOverflow(t *testing.T) {
	b := NewCloudBackend("http://127.0.0.1:1", "dev-1", "key-1", false, clock.NewMock())
	for i := 0; i < cloudQueueSize+10; i++ {
		b.Log(Message{Message: "x"})
	}
	assert.Len(t, b.queue, cloudQueueSize)
}
