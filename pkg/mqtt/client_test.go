// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package mqtt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWhileDisconnectedFailsFast(t *testing.T) {
	c := NewClient("tcp://127.0.0.1:1883", "u", "p", "dev-1")
	err := c.Publish("some/topic", 1, false, []byte("x"))
	require.Error(t, err)
	assert.False(t, c.Connected())
}

func TestSubscribeBeforeConnectIsDeferred(t *testing.T) {
	c := NewClient("tcp://127.0.0.1:1883", "u", "p", "dev-1")
	require.NoError(t, c.Subscribe("a/b", 1, func(string, []byte) {}))
	assert.Contains(t, c.subs, "a/b")
}

func TestStatusStartsDisconnected(t *testing.T) {
	c := NewClient("tcp://broker:1883", "u", "p", "dev-1")
	st := c.Status()
	assert.Equal(t, StatusDisconnected, st.Status)
	assert.Equal(t, "tcp://broker:1883", st.Broker)
	assert.Empty(t, st.LastError)
}

func TestLastErrorSurvivesStatusReads(t *testing.T) {
	c := NewClient("tcp://broker:1883", "u", "p", "dev-1")
	c.setError(errors.New("broken pipe"))

	st := c.Status()
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, "broken pipe", st.LastError)

	// recovery flips the status but keeps the incident visible
	c.m.Lock()
	c.status = StatusConnected
	c.m.Unlock()
	st = c.Status()
	assert.Equal(t, StatusConnected, st.Status)
	assert.Equal(t, "broken pipe", st.LastError)
}

func TestReconfigureKeepsUnsetCredentials(t *testing.T) {
	c := NewClient("tcp://old:1883", "u1", "p1", "dev-1")

	// no live connection: Reconfigure swaps the target and tries to dial.
	// The dial fails (nothing listens) but the new settings must stick.
	err := c.Reconfigure("tcp://127.0.0.1:1", "", "")
	require.Error(t, err)

	c.m.RLock()
	defer c.m.RUnlock()
	assert.Equal(t, "tcp://127.0.0.1:1", c.broker)
	assert.Equal(t, "u1", c.username)
	assert.Equal(t, "p1", c.password)
}
