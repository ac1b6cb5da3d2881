// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package docker

import (
	"errors"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"

	"github.com/iotistic/edge-agent/pkg/state"
)

func serviceFixture() state.Service {
	svc := state.Service{ServiceID: 1, ServiceName: "nginx", ImageName: "nginx:latest"}
	svc.Normalize()
	return svc
}

func TestParseEnv(t *testing.T) {
	env := parseEnv([]string{"FOO=bar", "EMPTY=", "PATH=/usr/bin:/bin", "garbage"})

	assert.Equal(t, "bar", env["FOO"])
	assert.Equal(t, "", env["EMPTY"])
	assert.Equal(t, "/usr/bin:/bin", env["PATH"])
	assert.NotContains(t, env, "garbage")
}

func inspectWithPorts(ports nat.PortMap) types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{},
		NetworkSettings: &types.NetworkSettings{
			NetworkSettingsBase: types.NetworkSettingsBase{Ports: ports},
		},
	}
}

func TestExtractPortsKeepsCompleteMappings(t *testing.T) {
	inspect := inspectWithPorts(nat.PortMap{
		"80/tcp":   []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "8080"}},
		"9000/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		"443/tcp":  nil,
	})

	assert.Equal(t, []string{"8080:80"}, extractPorts(inspect))
}

func TestExtractPortsDeduplicates(t *testing.T) {
	inspect := inspectWithPorts(nat.PortMap{
		"80/tcp": []nat.PortBinding{
			{HostIP: "0.0.0.0", HostPort: "8080"},
			{HostIP: "::", HostPort: "8080"},
		},
	})

	assert.Equal(t, []string{"8080:80"}, extractPorts(inspect))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(errors.New("Get http://docker.sock: connection refused")))
	assert.True(t, IsTransient(errors.New("toomanyrequests: rate limit exceeded")))
	assert.True(t, IsTransient(errors.New("request timeout while pulling")))
	assert.False(t, IsTransient(errors.New("manifest for nginx@sha256:aaa not found")))
	assert.False(t, IsTransient(nil))
}

func TestContainerName(t *testing.T) {
	name := containerName(1001, serviceFixture())
	assert.Equal(t, "nginx_1_1001", name)
}

func TestManagedLabels(t *testing.T) {
	labels := managedLabels(1001, "web", 1, "nginx")

	assert.Equal(t, "true", labels[LabelManaged])
	assert.Equal(t, "1001", labels[LabelAppID])
	assert.Equal(t, "web", labels[LabelAppName])
	assert.Equal(t, "1", labels[LabelServiceID])
	assert.Equal(t, "nginx", labels[LabelServiceName])
}

func TestRestartPolicyMapsThrough(t *testing.T) {
	// sanity check that target restart strings are valid daemon policies
	for _, policy := range []string{"no", "always", "unless-stopped", "on-failure"} {
		rp := container.RestartPolicy{Name: container.RestartPolicyMode(policy)}
		assert.NoError(t, container.ValidateRestartPolicy(rp))
	}
}
