// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package docker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"

	"github.com/iotistic/edge-agent/pkg/state"
)

// CreateNetwork creates an app-scoped bridge network labeled as managed.
// Already-exists is not an error.
func (d *DockerUtil) CreateNetwork(ctx context.Context, appID int, name string) error {
	runtimeName := state.NetworkName(appID, name)

	existing, err := d.listManagedNetworks(ctx, appID)
	if err != nil {
		return err
	}
	for _, n := range existing {
		if n.Name == runtimeName {
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	_, err = d.cli.NetworkCreate(ctx, runtimeName, types.NetworkCreate{
		Driver: "bridge",
		Labels: map[string]string{
			LabelManaged: "true",
			LabelAppID:   strconv.Itoa(appID),
		},
	})
	if err != nil {
		return fmt.Errorf("creating network %s: %w", runtimeName, err)
	}
	return nil
}

// RemoveNetwork removes an app-scoped managed network. Not-found is not an
// error.
func (d *DockerUtil) RemoveNetwork(ctx context.Context, appID int, name string) error {
	runtimeName := state.NetworkName(appID, name)

	networks, err := d.listManagedNetworks(ctx, appID)
	if err != nil {
		return err
	}
	for _, n := range networks {
		if n.Name != runtimeName {
			continue
		}
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		if err := d.cli.NetworkRemove(ctx, n.ID); err != nil && !IsErrNotFound(err) {
			return fmt.Errorf("removing network %s: %w", runtimeName, err)
		}
		return nil
	}
	return nil
}

// ManagedNetworks returns, per app, the app-local names of managed networks
// currently present in the runtime.
func (d *DockerUtil) ManagedNetworks(ctx context.Context) (map[int][]string, error) {
	networks, err := d.listManagedNetworks(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := map[int][]string{}
	for _, n := range networks {
		appID, err := strconv.Atoi(n.Labels[LabelAppID])
		if err != nil {
			continue
		}
		prefix := strconv.Itoa(appID) + "_"
		if len(n.Name) > len(prefix) && n.Name[:len(prefix)] == prefix {
			out[appID] = append(out[appID], n.Name[len(prefix):])
		}
	}
	return out, nil
}

// listManagedNetworks lists managed networks, optionally scoped to one app
// (appID 0 means all).
func (d *DockerUtil) listManagedNetworks(ctx context.Context, appID int) ([]types.NetworkResource, error) {
	args := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	if appID != 0 {
		args.Add("label", LabelAppID+"="+strconv.Itoa(appID))
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	networks, err := d.cli.NetworkList(ctx, types.NetworkListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("listing managed networks: %w", err)
	}
	return networks, nil
}
