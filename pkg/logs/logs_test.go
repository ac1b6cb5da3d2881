// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package logs

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectLevel(t *testing.T) {
	cases := []struct {
		line   string
		stderr bool
		want   string
	}{
		{"[ERROR] db unreachable", false, LevelError},
		{"error: bad input", false, LevelError},
		{"[warn] disk filling up", false, LevelWarn},
		{"WARNING: deprecated flag", false, LevelWarn},
		{"[debug] cache hit", false, LevelDebug},
		{"[INFO] started", true, LevelInfo},
		{"plain stdout line", false, LevelInfo},
		{"plain stderr line", true, LevelWarn},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DetectLevel(c.line, c.stderr), c.line)
	}
}

func TestNewContainerMessageDropsEmptyLines(t *testing.T) {
	_, ok := NewContainerMessage("   \r\n", false, 1, 2, "svc", "cid")
	assert.False(t, ok)

	msg, ok := NewContainerMessage("hello\n", true, 1001, 2, "nginx", "cid")
	require.True(t, ok)
	assert.Equal(t, "hello", msg.Message)
	assert.Equal(t, LevelWarn, msg.Level)
	assert.Equal(t, SourceContainer, msg.Source)
	assert.Equal(t, 1001, msg.AppID)
	assert.Equal(t, 1001002, msg.ServiceID, "serviceId is app-scoped")
	assert.True(t, msg.IsStdErr)
	assert.NotZero(t, msg.Timestamp)
}

func TestEncodeServiceID(t *testing.T) {
	assert.Equal(t, 1001002, EncodeServiceID(1001, 2))
	assert.Equal(t, 1000, EncodeServiceID(1, 0))
}

func TestLocalBackendCountEviction(t *testing.T) {
	b := NewLocalBackend(LocalConfig{MaxLogs: 3, MaxAge: time.Hour}, clock.NewMock())
	for i := 0; i < 5; i++ {
		b.Log(Message{Message: string(rune('a' + i)), Timestamp: int64(i)})
	}
	got := b.Query(Filter{})
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Message, "oldest evicted first")
	assert.Equal(t, "e", got[2].Message)
}

func TestLocalBackendAgeEviction(t *testing.T) {
	clk := clock.NewMock()
	b := NewLocalBackend(LocalConfig{MaxLogs: 100, MaxAge: time.Minute}, clk)

	b.Log(Message{Message: "old", Timestamp: clk.Now().UnixMilli()})
	clk.Add(2 * time.Minute)
	b.Log(Message{Message: "fresh", Timestamp: clk.Now().UnixMilli()})

	b.evictExpired()
	got := b.Query(Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].Message)
}

func TestLocalBackendQueryFilters(t *testing.T) {
	b := NewLocalBackend(LocalConfig{MaxLogs: 100, MaxAge: time.Hour}, clock.NewMock())
	b.Log(Message{Message: "e1", Level: LevelError, AppID: 1001, ServiceID: 1, Timestamp: 100})
	b.Log(Message{Message: "i1", Level: LevelInfo, AppID: 1001, ServiceID: 1, Timestamp: 200})
	b.Log(Message{Message: "e2", Level: LevelError, AppID: 2002, ServiceID: 7, Timestamp: 300})

	errors := b.Query(Filter{Level: LevelError})
	require.Len(t, errors, 2)

	app := b.Query(Filter{AppID: 2002})
	require.Len(t, app, 1)
	assert.Equal(t, "e2", app[0].Message)

	since := b.Query(Filter{Since: 150})
	require.Len(t, since, 2)

	last := b.Query(Filter{Count: 1})
	require.Len(t, last, 1)
	assert.Equal(t, "e2", last[0].Message, "count keeps the newest")
}

func TestLocalBackendQueryFiltersByStream(t *testing.T) {
	b := NewLocalBackend(LocalConfig{MaxLogs: 100, MaxAge: time.Hour}, clock.NewMock())
	b.Log(Message{Message: "out", IsStdErr: false, Timestamp: 100})
	b.Log(Message{Message: "err", IsStdErr: true, Timestamp: 200})

	both := b.Query(Filter{})
	require.Len(t, both, 2)

	stderrOnly := true
	got := b.Query(Filter{StdErr: &stderrOnly})
	require.Len(t, got, 1)
	assert.Equal(t, "err", got[0].Message)

	stdoutOnly := false
	got = b.Query(Filter{StdErr: &stdoutOnly})
	require.Len(t, got, 1)
	assert.Equal(t, "out", got[0].Message)
}

func TestLocalBackendFileRotation(t *testing.T) {
	dir := t.TempDir()
	b := NewLocalBackend(LocalConfig{
		MaxLogs:     100,
		MaxAge:      time.Hour,
		FileLogging: true,
		Dir:         dir,
		MaxFileSize: 128,
	}, clock.NewMock())

	for i := 0; i < 10; i++ {
		b.Log(Message{Message: "a line long enough to force rotation soon", Timestamp: int64(i)})
	}

	assert.FileExists(t, dir+"/"+logFileName)
	assert.FileExists(t, dir+"/"+logFileName+".1")
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	connected bool
	published []published
	err       error
}

func (f *fakePublisher) Publish(topic string, qos byte, _ bool, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, published{topic, qos, payload})
	return nil
}

func (f *fakePublisher) Connected() bool { return f.connected }

func TestMQTTBackendDropsWhileDisconnected(t *testing.T) {
	pub := &fakePublisher{connected: false}
	b := NewMQTTBackend(pub, DefaultLogQoS, clock.NewMock())
	b.Log(Message{Message: "x", AppID: 1, ServiceName: "s", Level: LevelInfo})
	assert.Empty(t, b.queue)
}

func TestMQTTBackendSingleAndBatchTopics(t *testing.T) {
	pub := &fakePublisher{connected: true}
	b := NewMQTTBackend(pub, DefaultLogQoS, clock.NewMock())

	one := Message{Message: "solo", AppID: 1001, ServiceName: "nginx", Level: LevelInfo}
	b.batches[logTopic(one)] = []Message{one}
	b.flushAll()

	require.Len(t, pub.published, 1)
	assert.Equal(t, "container-manager/logs/1001/nginx/info", pub.published[0].topic)

	pub.published = nil
	two := Message{Message: "m", AppID: 1001, ServiceName: "nginx", Level: LevelError}
	b.batches[logTopic(two)] = []Message{two, two}
	b.flushAll()

	require.Len(t, pub.published, 1)
	assert.Equal(t, "container-manager/logs/1001/nginx/error/batch", pub.published[0].topic)
}

func TestMQTTBackendPublishesAtConfiguredQoS(t *testing.T) {
	pub := &fakePublisher{connected: true}
	b := NewMQTTBackend(pub, DefaultLogQoS, clock.NewMock())

	one := Message{Message: "solo", AppID: 1001, ServiceName: "nginx", Level: LevelInfo}
	batch := Message{Message: "m", AppID: 1001, ServiceName: "nginx", Level: LevelError}
	b.batches[logTopic(one)] = []Message{one}
	b.batches[logTopic(batch)] = []Message{batch, batch}
	b.flushAll()

	require.Len(t, pub.published, 2)
	for _, p := range pub.published {
		assert.Equal(t, byte(1), p.qos, p.topic)
	}

	pub.published = nil
	b = NewMQTTBackend(pub, 2, clock.NewMock())
	b.batches[logTopic(one)] = []Message{one}
	b.flushAll()
	require.Len(t, pub.published, 1)
	assert.Equal(t, byte(2), pub.published[0].qos)
}
