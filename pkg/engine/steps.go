// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package engine computes and executes the step plans that converge the
// container runtime onto the target state.
package engine

import (
	"context"
	"fmt"

	"github.com/iotistic/edge-agent/pkg/state"
)

// Runtime is the narrow container-runtime surface the engine drives. The
// docker adapter implements it; tests substitute a fake.
type Runtime interface {
	CurrentState(ctx context.Context) (state.CurrentState, error)
	ManagedNetworks(ctx context.Context) (map[int][]string, error)
	StartService(ctx context.Context, appID int, appName string, svc state.Service) (string, error)
	StopContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	PullImage(ctx context.Context, ref string) error
	CreateNetwork(ctx context.Context, appID int, name string) error
	RemoveNetwork(ctx context.Context, appID int, name string) error
}

// Step is a single reconciliation action.
type Step interface {
	Apply(ctx context.Context, rt Runtime) error
	String() string
}

// CreateNetworkStep creates an app-scoped network.
type CreateNetworkStep struct {
	AppID int
	Name  string
}

// Apply implements Step.
func (s CreateNetworkStep) Apply(ctx context.Context, rt Runtime) error {
	return rt.CreateNetwork(ctx, s.AppID, s.Name)
}

func (s CreateNetworkStep) String() string {
	return fmt.Sprintf("CreateNetwork(%s)", state.NetworkName(s.AppID, s.Name))
}

// RemoveNetworkStep removes an app-scoped network.
type RemoveNetworkStep struct {
	AppID int
	Name  string
}

// Apply implements Step.
func (s RemoveNetworkStep) Apply(ctx context.Context, rt Runtime) error {
	return rt.RemoveNetwork(ctx, s.AppID, s.Name)
}

func (s RemoveNetworkStep) String() string {
	return fmt.Sprintf("RemoveNetwork(%s)", state.NetworkName(s.AppID, s.Name))
}

// FetchStep pulls a service's image.
type FetchStep struct {
	Image string
}

// Apply implements Step.
func (s FetchStep) Apply(ctx context.Context, rt Runtime) error {
	return rt.PullImage(ctx, s.Image)
}

func (s FetchStep) String() string { return fmt.Sprintf("Fetch(%s)", s.Image) }

// StartContainerStep creates and starts a service container.
type StartContainerStep struct {
	AppID   int
	AppName string
	Service state.Service
}

// Apply implements Step.
func (s StartContainerStep) Apply(ctx context.Context, rt Runtime) error {
	_, err := rt.StartService(ctx, s.AppID, s.AppName, s.Service)
	return err
}

func (s StartContainerStep) String() string {
	return fmt.Sprintf("StartContainer(%d/%s)", s.AppID, s.Service.ServiceName)
}

// StopContainerStep stops a container.
type StopContainerStep struct {
	ContainerID string
}

// Apply implements Step.
func (s StopContainerStep) Apply(ctx context.Context, rt Runtime) error {
	return rt.StopContainer(ctx, s.ContainerID)
}

func (s StopContainerStep) String() string {
	return fmt.Sprintf("StopContainer(%s)", shortID(s.ContainerID))
}

// RemoveContainerStep removes a container.
type RemoveContainerStep struct {
	ContainerID string
}

// Apply implements Step.
func (s RemoveContainerStep) Apply(ctx context.Context, rt Runtime) error {
	return rt.RemoveContainer(ctx, s.ContainerID)
}

func (s RemoveContainerStep) String() string {
	return fmt.Sprintf("RemoveContainer(%s)", shortID(s.ContainerID))
}

// RestartContainerStep restarts a container in place.
type RestartContainerStep struct {
	ContainerID string
}

// Apply implements Step.
func (s RestartContainerStep) Apply(ctx context.Context, rt Runtime) error {
	return rt.RestartContainer(ctx, s.ContainerID)
}

func (s RestartContainerStep) String() string {
	return fmt.Sprintf("RestartContainer(%s)", shortID(s.ContainerID))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
