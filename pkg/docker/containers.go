// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	cache "github.com/patrickmn/go-cache"

	"github.com/iotistic/edge-agent/pkg/state"
	"github.com/iotistic/edge-agent/pkg/util/log"
)

// StartService pulls nothing: the image must already be present (a Fetch step
// runs first). It creates and starts the container with the managed labels
// and returns the container id.
func (d *DockerUtil) StartService(ctx context.Context, appID int, appName string, svc state.Service) (string, error) {
	exposed, bindings, err := nat.ParsePortSpecs(svc.Config.Ports)
	if err != nil {
		return "", fmt.Errorf("parsing ports for service %s: %w", svc.ServiceName, err)
	}

	env := make([]string, 0, len(svc.Config.Environment))
	for k, v := range svc.Config.Environment {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	labels := managedLabels(appID, appName, svc.ServiceID, svc.ServiceName)
	for k, v := range svc.Config.Labels {
		labels[k] = v
	}

	config := &container.Config{
		Image:        svc.ImageName,
		Env:          env,
		Labels:       labels,
		ExposedPorts: exposed,
	}
	if len(svc.Config.Command) > 0 {
		config.Cmd = svc.Config.Command
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Binds:        svc.Config.Volumes,
	}
	if svc.Config.Restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(svc.Config.Restart),
		}
	}

	networking := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{},
	}
	for _, n := range svc.Config.Networks {
		networking.EndpointsConfig[state.NetworkName(appID, n)] = &network.EndpointSettings{}
	}

	name := containerName(appID, svc)
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	created, err := d.cli.ContainerCreate(ctx, config, hostConfig, networking, nil, name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", name, err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return created.ID, fmt.Errorf("starting container %s: %w", name, err)
	}
	d.inspectCache.Delete(created.ID)
	return created.ID, nil
}

// StopContainer stops a container, waiting up to the default stop timeout
// before the daemon kills it.
func (d *DockerUtil) StopContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	timeout := defaultStopTimeout
	err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	d.inspectCache.Delete(id)
	if err != nil && !IsErrNotFound(err) {
		return fmt.Errorf("stopping container %s: %w", shortID(id), err)
	}
	return nil
}

// RestartContainer restarts a container in place.
func (d *DockerUtil) RestartContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	timeout := defaultStopTimeout
	err := d.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout})
	d.inspectCache.Delete(id)
	if err != nil {
		return fmt.Errorf("restarting container %s: %w", shortID(id), err)
	}
	return nil
}

// RemoveContainer force-removes a container. Not-found is not an error: the
// desired outcome is already true.
func (d *DockerUtil) RemoveContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	d.inspectCache.Delete(id)
	if err != nil && !IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", shortID(id), err)
	}
	return nil
}

// PullImage pulls an image reference, draining the progress stream to
// completion. No timeout: large images on slow links are legitimate.
func (d *DockerUtil) PullImage(ctx context.Context, ref string) error {
	reader, err := d.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

// ContainerLogs attaches to the container's multiplexed stdio stream. The
// caller demultiplexes with a Demuxer.
func (d *DockerUtil) ContainerLogs(ctx context.Context, id string, since time.Time) (io.ReadCloser, error) {
	options := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	}
	if !since.IsZero() {
		options.Since = since.UTC().Format(time.RFC3339Nano)
	}
	return d.cli.ContainerLogs(ctx, id, options)
}

// CurrentState inspects every managed container and returns the normalized
// observed state.
func (d *DockerUtil) CurrentState(ctx context.Context) (state.CurrentState, error) {
	current := state.CurrentState{
		Apps:   map[int]state.CurrentApp{},
		Config: map[string]interface{}{},
	}

	listCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	containers, err := d.cli.ContainerList(listCtx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return current, fmt.Errorf("listing managed containers: %w", err)
	}

	for _, c := range containers {
		appID, err := strconv.Atoi(c.Labels[LabelAppID])
		if err != nil {
			log.Warnf("Skipping managed container %s with bad app id label: %v", shortID(c.ID), err)
			continue
		}
		svc, err := d.inspectService(ctx, c.ID)
		if err != nil {
			if IsErrNotFound(err) {
				// removed between list and inspect
				continue
			}
			return current, err
		}
		app := current.Apps[appID]
		app.AppID = appID
		if app.AppName == "" {
			app.AppName = c.Labels[LabelAppName]
		}
		app.Services = append(app.Services, svc)
		current.Apps[appID] = app
	}

	for id, app := range current.Apps {
		sort.Slice(app.Services, func(i, j int) bool {
			return app.Services[i].ServiceID < app.Services[j].ServiceID
		})
		current.Apps[id] = app
	}
	current.Normalize()
	return current, nil
}

func (d *DockerUtil) inspectService(ctx context.Context, id string) (state.CurrentService, error) {
	inspect, err := d.inspect(ctx, id)
	if err != nil {
		return state.CurrentService{}, err
	}

	serviceID, _ := strconv.Atoi(inspect.Config.Labels[LabelServiceID])
	svc := state.CurrentService{
		Service: state.Service{
			ServiceID:   serviceID,
			ServiceName: inspect.Config.Labels[LabelServiceName],
			ImageName:   inspect.Config.Image,
			Config: state.ServiceConfig{
				Image:       inspect.Config.Image,
				Ports:       extractPorts(inspect),
				Environment: parseEnv(inspect.Config.Env),
				Volumes:     inspect.HostConfig.Binds,
				Networks:    extractNetworks(inspect),
				Restart:     string(inspect.HostConfig.RestartPolicy.Name),
				Command:     inspect.Config.Cmd,
				Labels:      inspect.Config.Labels,
			},
		},
		ContainerID: inspect.ID,
		Status:      strings.ToLower(inspect.State.Status),
	}
	if t, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		svc.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
		svc.StartedAt = t
	}
	return svc, nil
}

func (d *DockerUtil) inspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	if cached, found := d.inspectCache.Get(id); found {
		return cached.(types.ContainerJSON), nil
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return types.ContainerJSON{}, err
	}
	d.inspectCache.Set(id, inspect, cache.DefaultExpiration)
	return inspect, nil
}

// extractPorts keeps only mappings with both a public and a private port,
// formatted "host:container", deduplicated and sorted.
func extractPorts(inspect types.ContainerJSON) []string {
	if inspect.NetworkSettings == nil {
		return nil
	}
	set := map[string]bool{}
	for port, bindings := range inspect.NetworkSettings.Ports {
		for _, binding := range bindings {
			if binding.HostPort == "" || port.Port() == "" {
				continue
			}
			set[binding.HostPort+":"+port.Port()] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// parseEnv turns the runtime's KEY=VALUE list into a map.
func parseEnv(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// extractNetworks returns the app-local names of the container's managed
// network attachments, stripping the "{appId}_" prefix.
func extractNetworks(inspect types.ContainerJSON) []string {
	if inspect.NetworkSettings == nil {
		return nil
	}
	appID := inspect.Config.Labels[LabelAppID]
	out := []string{}
	for name := range inspect.NetworkSettings.Networks {
		if local, ok := strings.CutPrefix(name, appID+"_"); ok {
			out = append(out, local)
		}
	}
	sort.Strings(out)
	return out
}

func containerName(appID int, svc state.Service) string {
	return fmt.Sprintf("%s_%d_%d", svc.ServiceName, svc.ServiceID, appID)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
