// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package logs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/iotistic/edge-agent/pkg/util/log"
)

const (
	logFileName   = "agent-logs.ndjson"
	evictInterval = time.Minute
)

// Filter selects messages from the local buffer. Zero values match
// everything.
type Filter struct {
	Level     string
	AppID     int
	ServiceID int
	StdErr    *bool // nil matches both streams
	Since     int64 // epoch milliseconds
	Count     int   // newest N; 0 means all
}

// LocalConfig configures the local backend.
type LocalConfig struct {
	MaxLogs     int
	MaxAge      time.Duration
	FileLogging bool
	Dir         string
	MaxFileSize int64
}

// LocalBackend keeps the newest messages in memory for device API queries
// and optionally appends them to a size-rotated NDJSON file.
type LocalBackend struct {
	cfg   LocalConfig
	clock clock.Clock

	m        sync.Mutex
	buf      []Message
	file     *os.File
	fileSize int64
}

// NewLocalBackend returns the local backend. File logging failures degrade
// to memory-only operation.
func NewLocalBackend(cfg LocalConfig, clk clock.Clock) *LocalBackend {
	if clk == nil {
		clk = clock.New()
	}
	b := &LocalBackend{cfg: cfg, clock: clk}
	if cfg.FileLogging {
		if err := b.openFile(); err != nil {
			log.Warnf("File logging disabled: %v", err)
			b.cfg.FileLogging = false
		}
	}
	return b
}

func (b *LocalBackend) Name() string { return "local" }

// Log appends the message, evicting the oldest entries over the count cap.
func (b *LocalBackend) Log(msg Message) {
	b.m.Lock()
	defer b.m.Unlock()

	b.buf = append(b.buf, msg)
	if over := len(b.buf) - b.cfg.MaxLogs; over > 0 {
		b.buf = append(b.buf[:0:0], b.buf[over:]...)
	}
	if b.cfg.FileLogging {
		b.appendToFile(msg)
	}
}

// Run evicts expired messages periodically until ctx is canceled.
func (b *LocalBackend) Run(ctx context.Context) {
	ticker := b.clock.Ticker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.m.Lock()
			if b.file != nil {
				b.file.Close()
				b.file = nil
			}
			b.m.Unlock()
			return
		case <-ticker.C:
			b.evictExpired()
		}
	}
}

// Query returns the messages matching the filter, oldest first.
func (b *LocalBackend) Query(f Filter) []Message {
	b.m.Lock()
	defer b.m.Unlock()

	var out []Message
	for _, msg := range b.buf {
		if f.Level != "" && msg.Level != f.Level {
			continue
		}
		if f.AppID != 0 && msg.AppID != f.AppID {
			continue
		}
		if f.ServiceID != 0 && msg.ServiceID != f.ServiceID {
			continue
		}
		if f.StdErr != nil && msg.IsStdErr != *f.StdErr {
			continue
		}
		if f.Since != 0 && msg.Timestamp < f.Since {
			continue
		}
		out = append(out, msg)
	}
	if f.Count > 0 && len(out) > f.Count {
		out = out[len(out)-f.Count:]
	}
	return out
}

func (b *LocalBackend) evictExpired() {
	cutoff := b.clock.Now().Add(-b.cfg.MaxAge).UnixMilli()
	b.m.Lock()
	defer b.m.Unlock()
	idx := 0
	for idx < len(b.buf) && b.buf[idx].Timestamp < cutoff {
		idx++
	}
	if idx > 0 {
		b.buf = append(b.buf[:0:0], b.buf[idx:]...)
	}
}

func (b *LocalBackend) openFile() error {
	if err := os.MkdirAll(b.cfg.Dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(b.cfg.Dir, logFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	b.file = f
	b.fileSize = info.Size()
	return nil
}

// appendToFile writes one NDJSON line, rotating when the file exceeds the
// size cap. One previous generation is kept. Callers hold the lock.
func (b *LocalBackend) appendToFile(msg Message) {
	if b.file == nil {
		return
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return
	}
	line = append(line, '\n')

	if b.fileSize+int64(len(line)) > b.cfg.MaxFileSize {
		b.file.Close()
		path := filepath.Join(b.cfg.Dir, logFileName)
		if err := os.Rename(path, path+".1"); err != nil {
			log.Warnf("Log rotation failed: %v", err)
		}
		if err := b.openFile(); err != nil {
			log.Warnf("Reopening log file failed: %v", err)
			b.file = nil
			b.cfg.FileLogging = false
			return
		}
	}

	n, err := b.file.Write(line)
	if err != nil {
		log.Warnf("Log file write failed: %v", err)
	}
	b.fileSize += int64(n)
}
