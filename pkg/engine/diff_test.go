// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotistic/edge-agent/pkg/state"
)

func targetWith(services ...state.Service) state.TargetState {
	target := state.TargetState{
		Apps:    map[int]state.App{1001: {AppID: 1001, AppName: "web", Services: services}},
		Version: 2,
	}
	target.Normalize()
	return target
}

func currentWith(services ...state.CurrentService) state.CurrentState {
	current := state.CurrentState{}
	if len(services) > 0 {
		current.Apps = map[int]state.CurrentApp{
			1001: {AppID: 1001, AppName: "web", Services: services},
		}
	}
	current.Normalize()
	return current
}

func runningService(id int, name, image string) state.CurrentService {
	svc := state.CurrentService{
		Service:     state.Service{ServiceID: id, ServiceName: name, ImageName: image},
		ContainerID: "c-" + name,
		Status:      "running",
	}
	svc.Normalize()
	return svc
}

func stepStrings(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.String()
	}
	return out
}

func TestPlanNewServiceFetchesThenStarts(t *testing.T) {
	target := targetWith(state.Service{
		ServiceID:   1,
		ServiceName: "nginx",
		ImageName:   "nginx@sha256:aaa",
		Config:      state.ServiceConfig{Ports: []string{"80:80"}},
	})

	plan := ComputePlan(currentWith(), nil, target)

	require.Len(t, plan.Services, 1)
	assert.Equal(t, []string{
		"Fetch(nginx@sha256:aaa)",
		"StartContainer(1001/nginx)",
	}, stepStrings(plan.Services[0].Steps))
	assert.Empty(t, plan.NetworkCreates)
	assert.Empty(t, plan.NetworkRemoves)
}

func TestPlanNoChangesIsEmpty(t *testing.T) {
	target := targetWith(state.Service{ServiceID: 1, ServiceName: "nginx", ImageName: "nginx@sha256:aaa"})

	plan := ComputePlan(currentWith(runningService(1, "nginx", "nginx@sha256:aaa")), nil, target)

	assert.True(t, plan.Empty(), "identical states must produce no steps, got %v", stepStrings(plan.Steps()))
}

func TestPlanImageChangeReplacesContainer(t *testing.T) {
	target := targetWith(state.Service{ServiceID: 1, ServiceName: "nginx", ImageName: "nginx@sha256:bbb"})

	plan := ComputePlan(currentWith(runningService(1, "nginx", "nginx@sha256:aaa")), nil, target)

	require.Len(t, plan.Services, 1)
	assert.Equal(t, []string{
		"StopContainer(c-nginx)",
		"RemoveContainer(c-nginx)",
		"Fetch(nginx@sha256:bbb)",
		"StartContainer(1001/nginx)",
	}, stepStrings(plan.Services[0].Steps))
}

func TestPlanRemovedServiceIsGarbageCollected(t *testing.T) {
	plan := ComputePlan(currentWith(runningService(1, "nginx", "nginx@sha256:aaa")), nil, state.TargetState{
		Apps: map[int]state.App{}, Config: map[string]interface{}{},
	})

	require.Len(t, plan.Services, 1)
	assert.Equal(t, []string{
		"StopContainer(c-nginx)",
		"RemoveContainer(c-nginx)",
	}, stepStrings(plan.Services[0].Steps))
}

func TestPlanExitedContainerIsReplaced(t *testing.T) {
	exited := runningService(1, "nginx", "nginx@sha256:aaa")
	exited.Status = "exited"
	target := targetWith(state.Service{ServiceID: 1, ServiceName: "nginx", ImageName: "nginx@sha256:aaa"})

	plan := ComputePlan(currentWith(exited), nil, target)

	require.Len(t, plan.Services, 1)
	assert.Len(t, plan.Services[0].Steps, 4)
}

func TestPlanNetworkOrdering(t *testing.T) {
	target := targetWith(state.Service{
		ServiceID:   1,
		ServiceName: "nginx",
		ImageName:   "nginx:1",
		Config:      state.ServiceConfig{Networks: []string{"frontend"}},
	})

	plan := ComputePlan(currentWith(), map[int][]string{1001: {"stale"}}, target)

	assert.Equal(t, []string{"CreateNetwork(1001_frontend)"}, stepStrings(plan.NetworkCreates))
	assert.Equal(t, []string{"RemoveNetwork(1001_stale)"}, stepStrings(plan.NetworkRemoves))

	// flattened plan keeps creates first and removes last
	all := stepStrings(plan.Steps())
	assert.Equal(t, "CreateNetwork(1001_frontend)", all[0])
	assert.Equal(t, "RemoveNetwork(1001_stale)", all[len(all)-1])
}

func TestPlanRemovesNetworksOfDeletedApps(t *testing.T) {
	plan := ComputePlan(currentWith(), map[int][]string{2002: {"backend"}}, state.TargetState{
		Apps: map[int]state.App{}, Config: map[string]interface{}{},
	})

	assert.Equal(t, []string{"RemoveNetwork(2002_backend)"}, stepStrings(plan.NetworkRemoves))
}

func TestPlanCosmeticDiffDoesNotRestart(t *testing.T) {
	running := runningService(1, "nginx", "nginx:1")
	running.Config.Environment = map[string]string{"PATH": "/bin", "HOSTNAME": "c1", "FOO": "bar"}

	target := targetWith(state.Service{
		ServiceID:   1,
		ServiceName: "nginx",
		ImageName:   "nginx:1",
		Config:      state.ServiceConfig{Environment: map[string]string{"FOO": "bar"}},
	})

	plan := ComputePlan(currentWith(running), nil, target)
	assert.True(t, plan.Empty(), "runtime-injected env vars must not trigger a restart")
}
