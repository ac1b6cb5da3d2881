// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package logs

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotistic/edge-agent/pkg/state"
)

func muxFrame(stderr bool, payload string) []byte {
	streamType := byte(1)
	if stderr {
		streamType = 2
	}
	header := []byte{streamType, 0, 0, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

type captureSink struct {
	m        sync.Mutex
	messages []Message
}

func (s *captureSink) Log(msg Message) {
	s.m.Lock()
	s.messages = append(s.messages, msg)
	s.m.Unlock()
}

func (s *captureSink) all() []Message {
	s.m.Lock()
	defer s.m.Unlock()
	return append([]Message{}, s.messages...)
}

type fakeLogRuntime struct {
	m       sync.Mutex
	current state.CurrentState
	streams map[string][]byte
}

func (f *fakeLogRuntime) CurrentState(context.Context) (state.CurrentState, error) {
	f.m.Lock()
	defer f.m.Unlock()
	return f.current, nil
}

func (f *fakeLogRuntime) ContainerLogs(_ context.Context, id string, _ time.Time) (io.ReadCloser, error) {
	f.m.Lock()
	defer f.m.Unlock()
	return io.NopCloser(bytes.NewReader(f.streams[id])), nil
}

func runningService(id int, name, containerID string) state.CurrentService {
	return state.CurrentService{
		Service:     state.Service{ServiceID: id, ServiceName: name},
		ContainerID: containerID,
		Status:      "running",
	}
}

func TestTailerEmitsLinesAcrossFrames(t *testing.T) {
	var stream []byte
	stream = append(stream, muxFrame(false, "hel")...)
	stream = append(stream, muxFrame(false, "lo\nworld\n")...)
	stream = append(stream, muxFrame(true, "[ERROR] boom\n")...)

	rt := &fakeLogRuntime{streams: map[string][]byte{"cid-1": stream}}
	sink := &captureSink{}

	tl := newTailer(rt, sink, 1001, runningService(1, "nginx", "cid-1"))
	tl.start(context.Background())
	<-tl.done

	msgs := sink.all()
	require.Len(t, msgs, 3)
	assert.Equal(t, "hello", msgs[0].Message, "partial frame completed by the next one")
	assert.Equal(t, "world", msgs[1].Message)
	assert.Equal(t, "[ERROR] boom", msgs[2].Message)
	assert.Equal(t, LevelError, msgs[2].Level)
	assert.True(t, msgs[2].IsStdErr)
	assert.Equal(t, 1001, msgs[0].AppID)
	assert.Equal(t, 1001001, msgs[0].ServiceID)
	assert.Equal(t, "nginx", msgs[0].ServiceName)
}

func TestMonitorAttachesAndDetaches(t *testing.T) {
	rt := &fakeLogRuntime{
		current: state.CurrentState{Apps: map[int]state.CurrentApp{
			1001: {AppID: 1001, Services: []state.CurrentService{
				runningService(1, "nginx", "cid-1"),
			}},
		}},
		streams: map[string][]byte{"cid-1": nil},
	}
	m := NewMonitor(rt, &captureSink{}, clock.NewMock())

	m.sweep(context.Background())
	assert.Equal(t, 1, m.Attached())

	// container gone: tailer detaches on the next sweep
	rt.m.Lock()
	rt.current = state.CurrentState{Apps: map[int]state.CurrentApp{}}
	rt.m.Unlock()
	m.sweep(context.Background())
	assert.Equal(t, 0, m.Attached())
}

func TestMonitorIgnoresStoppedContainers(t *testing.T) {
	exited := runningService(1, "nginx", "cid-1")
	exited.Status = "exited"
	rt := &fakeLogRuntime{
		current: state.CurrentState{Apps: map[int]state.CurrentApp{
			1001: {AppID: 1001, Services: []state.CurrentService{exited}},
		}},
	}
	m := NewMonitor(rt, &captureSink{}, clock.NewMock())
	m.sweep(context.Background())
	assert.Equal(t, 0, m.Attached())
}
