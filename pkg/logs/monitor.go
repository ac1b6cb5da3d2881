// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package logs

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/iotistic/edge-agent/pkg/docker"
	"github.com/iotistic/edge-agent/pkg/state"
	"github.com/iotistic/edge-agent/pkg/util/log"
)

const sweepInterval = 10 * time.Second

// Runtime is the slice of the container adapter the monitor needs.
type Runtime interface {
	CurrentState(ctx context.Context) (state.CurrentState, error)
	ContainerLogs(ctx context.Context, id string, since time.Time) (io.ReadCloser, error)
}

// Sink receives captured messages; the pipeline implements it.
type Sink interface {
	Log(msg Message)
}

// Monitor attaches one tailer per running managed container and detaches
// when containers go away. The tailer map has a single writer (the sweep
// loop).
type Monitor struct {
	runtime Runtime
	sink    Sink
	clock   clock.Clock

	m       sync.Mutex
	tailers map[string]*tailer
}

// NewMonitor returns a Monitor feeding the sink.
func NewMonitor(runtime Runtime, sink Sink, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		runtime: runtime,
		sink:    sink,
		clock:   clk,
		tailers: map[string]*tailer{},
	}
}

// Run sweeps the runtime for containers to attach or detach until ctx is
// canceled.
func (m *Monitor) Run(ctx context.Context) {
	m.sweep(ctx)
	ticker := m.clock.Ticker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Attached returns the number of live tailers.
func (m *Monitor) Attached() int {
	m.m.Lock()
	defer m.m.Unlock()
	return len(m.tailers)
}

func (m *Monitor) sweep(ctx context.Context) {
	current, err := m.runtime.CurrentState(ctx)
	if err != nil {
		log.Debugf("Log monitor sweep failed: %v", err)
		return
	}

	running := map[string]state.CurrentService{}
	appOf := map[string]int{}
	for appID, app := range current.Apps {
		for _, svc := range app.Services {
			if svc.ContainerID != "" && svc.Status == "running" {
				running[svc.ContainerID] = svc
				appOf[svc.ContainerID] = appID
			}
		}
	}

	m.m.Lock()
	defer m.m.Unlock()

	for id, t := range m.tailers {
		if _, ok := running[id]; !ok || t.finished() {
			t.stop()
			delete(m.tailers, id)
		}
	}
	for id, svc := range running {
		if _, ok := m.tailers[id]; ok {
			continue
		}
		t := newTailer(m.runtime, m.sink, appOf[id], svc)
		t.start(ctx)
		m.tailers[id] = t
		log.Infof("Attached log tailer for %s (%s)", svc.ServiceName, id[:minInt(12, len(id))])
	}
}

func (m *Monitor) stopAll() {
	m.m.Lock()
	defer m.m.Unlock()
	for id, t := range m.tailers {
		t.stop()
		delete(m.tailers, id)
	}
}

// tailer reads one container's multiplexed stdio stream and emits one
// Message per line.
type tailer struct {
	runtime Runtime
	sink    Sink
	appID   int
	svc     state.CurrentService

	cancel context.CancelFunc
	done   chan struct{}
}

func newTailer(runtime Runtime, sink Sink, appID int, svc state.CurrentService) *tailer {
	return &tailer{
		runtime: runtime,
		sink:    sink,
		appID:   appID,
		svc:     svc,
		done:    make(chan struct{}),
	}
}

func (t *tailer) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	go t.run(ctx)
}

func (t *tailer) stop() {
	t.cancel()
	<-t.done
}

func (t *tailer) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *tailer) run(ctx context.Context) {
	defer close(t.done)

	stream, err := t.runtime.ContainerLogs(ctx, t.svc.ContainerID, time.Now())
	if err != nil {
		log.Debugf("Attaching to %s logs failed: %v", t.svc.ServiceName, err)
		return
	}
	defer stream.Close()

	// closing the stream unblocks the read below
	go func() {
		<-ctx.Done()
		stream.Close()
	}()

	demux := &docker.Demuxer{}
	var stdout, stderr bytes.Buffer
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			for _, frame := range demux.Write(buf[:n]) {
				line := &stdout
				if frame.Stderr {
					line = &stderr
				}
				line.Write(frame.Payload)
				t.emitLines(line, frame.Stderr)
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Debugf("Log stream for %s ended: %v", t.svc.ServiceName, err)
			}
			return
		}
	}
}

// emitLines drains complete lines from the per-stream buffer; a trailing
// partial line stays buffered until its newline arrives.
func (t *tailer) emitLines(buf *bytes.Buffer, stderr bool) {
	for {
		line, err := buf.ReadString('\n')
		if err != nil {
			// partial line: put it back
			buf.Reset()
			buf.WriteString(line)
			return
		}
		msg, ok := NewContainerMessage(line, stderr, t.appID, t.svc.ServiceID,
			t.svc.ServiceName, t.svc.ContainerID)
		if ok {
			t.sink.Log(msg)
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
