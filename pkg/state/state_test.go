// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFillsCollections(t *testing.T) {
	svc := Service{ServiceID: 1, ServiceName: "nginx", ImageName: "nginx:latest"}
	svc.Normalize()

	assert.NotNil(t, svc.Config.Ports)
	assert.NotNil(t, svc.Config.Environment)
	assert.NotNil(t, svc.Config.Volumes)
	assert.NotNil(t, svc.Config.Networks)
	assert.NotNil(t, svc.Config.Labels)
	assert.Equal(t, "nginx:latest", svc.Config.Image)
}

func TestNormalizeMirrorsImageFromConfig(t *testing.T) {
	svc := Service{ServiceID: 1, Config: ServiceConfig{Image: "redis:7"}}
	svc.Normalize()
	assert.Equal(t, "redis:7", svc.ImageName)
}

func TestNormalizeSortsAndDedupsPorts(t *testing.T) {
	svc := Service{
		ImageName: "nginx:latest",
		Config:    ServiceConfig{Ports: []string{"8080:80", "443:443", "8080:80"}},
	}
	svc.Normalize()
	assert.Equal(t, []string{"443:443", "8080:80"}, svc.Config.Ports)
}

func TestValidateRejectsDuplicateServiceIDs(t *testing.T) {
	target := TargetState{
		Apps: map[int]App{
			1001: {AppID: 1001, Services: []Service{
				{ServiceID: 1, ImageName: "a"},
				{ServiceID: 1, ImageName: "b"},
			}},
		},
	}
	assert.Error(t, target.Validate())
}

func TestValidateRejectsMissingImage(t *testing.T) {
	target := TargetState{
		Apps: map[int]App{1001: {AppID: 1001, Services: []Service{{ServiceID: 1}}}},
	}
	assert.Error(t, target.Validate())
}

func TestNetworksForApp(t *testing.T) {
	app := App{Services: []Service{
		{Config: ServiceConfig{Networks: []string{"backend", "frontend"}}},
		{Config: ServiceConfig{Networks: []string{"backend"}}},
	}}
	assert.Equal(t, []string{"backend", "frontend"}, NetworksForApp(app))
}

func TestNetworkName(t *testing.T) {
	assert.Equal(t, "1001_backend", NetworkName(1001, "backend"))
}

func normalizedPair(target, current Service) (Service, Service) {
	target.Normalize()
	current.Normalize()
	return target, current
}

func TestServicesEqualIgnoresRuntimeEnvironment(t *testing.T) {
	target, current := normalizedPair(
		Service{ImageName: "nginx:1", Config: ServiceConfig{Environment: map[string]string{"FOO": "bar"}}},
		Service{ImageName: "nginx:1", Config: ServiceConfig{Environment: map[string]string{
			"FOO":      "bar",
			"PATH":     "/usr/bin",
			"HOSTNAME": "abcd",
		}}},
	)
	assert.True(t, ServicesEqual(target, current))
}

func TestServicesEqualDetectsEnvironmentChange(t *testing.T) {
	target, current := normalizedPair(
		Service{ImageName: "nginx:1", Config: ServiceConfig{Environment: map[string]string{"FOO": "baz"}}},
		Service{ImageName: "nginx:1", Config: ServiceConfig{Environment: map[string]string{"FOO": "bar"}}},
	)
	assert.False(t, ServicesEqual(target, current))
}

func TestServicesEqualComparesImageByteForByte(t *testing.T) {
	target, current := normalizedPair(
		Service{ImageName: "nginx@sha256:aaa"},
		Service{ImageName: "nginx:latest"},
	)
	assert.False(t, ServicesEqual(target, current), "digest and tag references differ even for the same image")
}

func TestServicesEqualEmptyVersusNilCollections(t *testing.T) {
	target, current := normalizedPair(
		Service{ImageName: "nginx:1", Config: ServiceConfig{Ports: nil}},
		Service{ImageName: "nginx:1", Config: ServiceConfig{Ports: []string{}}},
	)
	assert.True(t, ServicesEqual(target, current))
}

func TestServicesEqualPortsOrderInsensitive(t *testing.T) {
	target, current := normalizedPair(
		Service{ImageName: "nginx:1", Config: ServiceConfig{Ports: []string{"80:80", "443:443"}}},
		Service{ImageName: "nginx:1", Config: ServiceConfig{Ports: []string{"443:443", "80:80"}}},
	)
	require.True(t, ServicesEqual(target, current))
}
