// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package device

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	device []byte
	saves  int
}

func (s *memStore) SaveDevice(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.device = data
	s.saves++
	return nil
}

func (s *memStore) LoadDevice(v interface{}) (bool, error) {
	if s.device == nil {
		return false, nil
	}
	return true, json.Unmarshal(s.device, v)
}

func TestEnsureDeviceRegistersOnFirstBoot(t *testing.T) {
	var body map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/device/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		json.NewEncoder(w).Encode(registerResponse{ //nolint:errcheck
			APIKey:        "key-abc",
			MQTTBrokerURL: "mqtt://broker:1883",
			MQTTUsername:  "u1",
			MQTTPassword:  "p1",
		})
	}))
	defer server.Close()

	store := &memStore{}
	p := NewProvisioner(server.URL, "pk_test_1", store)

	dev, err := p.EnsureDevice(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, dev.UUID)
	assert.Equal(t, "key-abc", dev.APIKey)
	assert.Equal(t, "mqtt://broker:1883", dev.MQTTBrokerURL)
	assert.Equal(t, "pk_test_1", body["provisioningKey"])
	assert.Equal(t, dev.UUID, body["uuid"])
	assert.Equal(t, 1, store.saves)
}

func TestEnsureDeviceReusesPersistedIdentity(t *testing.T) {
	store := &memStore{}
	require.NoError(t, store.SaveDevice(&Device{UUID: "existing", APIKey: "key-old"}))
	store.saves = 0

	// endpoint deliberately unreachable: no registration must happen
	p := NewProvisioner("http://127.0.0.1:1", "pk_test_1", store)

	dev, err := p.EnsureDevice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "existing", dev.UUID)
	assert.Equal(t, 0, store.saves)
}

func TestRegisterRejectedKeyIsUnrecoverable(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	p := NewProvisioner(server.URL, "pk_bad", &memStore{})
	_, err := p.EnsureDevice(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProvisioning))
	assert.Equal(t, 1, requests, "401 must not be retried")
}

func TestRegisterRetriesServerErrors(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(registerResponse{APIKey: "key-after-retry"}) //nolint:errcheck
	}))
	defer server.Close()

	p := NewProvisioner(server.URL, "pk_test_1", &memStore{})
	dev, err := p.EnsureDevice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "key-after-retry", dev.APIKey)
	assert.Equal(t, 3, requests)
}

func TestReprovisionKeepsUUID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(registerResponse{APIKey: "key-new"}) //nolint:errcheck
	}))
	defer server.Close()

	store := &memStore{}
	p := NewProvisioner(server.URL, "pk_test_1", store)
	dev := &Device{UUID: "keep-me", APIKey: "key-old"}

	require.NoError(t, p.Reprovision(context.Background(), dev))
	assert.Equal(t, "keep-me", dev.UUID)
	assert.Equal(t, "key-new", dev.APIKey)
	assert.Equal(t, 1, store.saves)
}

func TestMissingProvisioningKeyFailsFast(t *testing.T) {
	p := NewProvisioner("http://127.0.0.1:1", "", &memStore{})
	_, err := p.EnsureDevice(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProvisioning))
}
