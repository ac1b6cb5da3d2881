// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package engine

import (
	"sort"

	"github.com/iotistic/edge-agent/pkg/state"
)

// ServiceKey identifies a service within a target snapshot.
type ServiceKey struct {
	AppID     int
	ServiceID int
}

// ServiceSeq is the ordered mutation sequence for one service. Steps within
// a sequence depend on each other: a failure aborts the remainder of the
// sequence, never the rest of the plan.
type ServiceSeq struct {
	Key   ServiceKey
	Steps []Step
}

// Plan is the full step set of one reconciliation cycle, in execution order:
// network creations, per-service container mutations, network removals.
type Plan struct {
	NetworkCreates []Step
	Services       []ServiceSeq
	NetworkRemoves []Step
}

// Empty reports whether the plan contains no steps at all.
func (p Plan) Empty() bool {
	return len(p.NetworkCreates) == 0 && len(p.Services) == 0 && len(p.NetworkRemoves) == 0
}

// Steps flattens the plan in execution order, for logging and tests.
func (p Plan) Steps() []Step {
	var out []Step
	out = append(out, p.NetworkCreates...)
	for _, seq := range p.Services {
		out = append(out, seq.Steps...)
	}
	out = append(out, p.NetworkRemoves...)
	return out
}

// ComputePlan diffs the observed state against the target and returns the
// minimum step set converging one onto the other. Both states must be
// normalized.
func ComputePlan(current state.CurrentState, currentNetworks map[int][]string, target state.TargetState) Plan {
	var plan Plan

	// networks: create missing before containers, remove obsolete after
	for _, appID := range sortedAppIDs(target.Apps) {
		desired := state.NetworksForApp(target.Apps[appID])
		existing := toSet(currentNetworks[appID])
		for _, n := range desired {
			if !existing[n] {
				plan.NetworkCreates = append(plan.NetworkCreates, CreateNetworkStep{AppID: appID, Name: n})
			}
		}
		desiredSet := toSet(desired)
		for _, n := range sortedStrings(currentNetworks[appID]) {
			if !desiredSet[n] {
				plan.NetworkRemoves = append(plan.NetworkRemoves, RemoveNetworkStep{AppID: appID, Name: n})
			}
		}
	}
	// networks of apps no longer in the target at all
	for appID, names := range currentNetworks {
		if _, ok := target.Apps[appID]; ok {
			continue
		}
		for _, n := range sortedStrings(names) {
			plan.NetworkRemoves = append(plan.NetworkRemoves, RemoveNetworkStep{AppID: appID, Name: n})
		}
	}
	sort.Slice(plan.NetworkRemoves, func(i, j int) bool {
		a, b := plan.NetworkRemoves[i].(RemoveNetworkStep), plan.NetworkRemoves[j].(RemoveNetworkStep)
		if a.AppID != b.AppID {
			return a.AppID < b.AppID
		}
		return a.Name < b.Name
	})

	// services, matched by (appId, serviceId)
	observed := map[ServiceKey]state.CurrentService{}
	for appID, app := range current.Apps {
		for _, svc := range app.Services {
			observed[ServiceKey{AppID: appID, ServiceID: svc.ServiceID}] = svc
		}
	}

	matched := map[ServiceKey]bool{}
	for _, appID := range sortedAppIDs(target.Apps) {
		app := target.Apps[appID]
		for _, svc := range app.Services {
			key := ServiceKey{AppID: appID, ServiceID: svc.ServiceID}
			matched[key] = true

			running, ok := observed[key]
			if !ok {
				plan.Services = append(plan.Services, ServiceSeq{Key: key, Steps: []Step{
					FetchStep{Image: svc.ImageName},
					StartContainerStep{AppID: appID, AppName: app.AppName, Service: svc},
				}})
				continue
			}
			if state.ServicesEqual(svc, running.Service) && isHealthy(running.Status) {
				continue
			}
			plan.Services = append(plan.Services, ServiceSeq{Key: key, Steps: []Step{
				StopContainerStep{ContainerID: running.ContainerID},
				RemoveContainerStep{ContainerID: running.ContainerID},
				FetchStep{Image: svc.ImageName},
				StartContainerStep{AppID: appID, AppName: app.AppName, Service: svc},
			}})
		}
	}

	// garbage collection: managed containers with no matching target service
	orphans := make([]ServiceKey, 0)
	for key := range observed {
		if !matched[key] {
			orphans = append(orphans, key)
		}
	}
	sort.Slice(orphans, func(i, j int) bool {
		if orphans[i].AppID != orphans[j].AppID {
			return orphans[i].AppID < orphans[j].AppID
		}
		return orphans[i].ServiceID < orphans[j].ServiceID
	})
	for _, key := range orphans {
		running := observed[key]
		plan.Services = append(plan.Services, ServiceSeq{Key: key, Steps: []Step{
			StopContainerStep{ContainerID: running.ContainerID},
			RemoveContainerStep{ContainerID: running.ContainerID},
		}})
	}

	return plan
}

// isHealthy reports whether a container status needs no intervention.
// Restarting is left to the daemon's restart policy.
func isHealthy(status string) bool {
	switch status {
	case "running", "created", "restarting":
		return true
	}
	return false
}

func sortedAppIDs(apps map[int]state.App) []int {
	ids := make([]int, 0, len(apps))
	for id := range apps {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func toSet(in []string) map[string]bool {
	set := make(map[string]bool, len(in))
	for _, s := range in {
		set[s] = true
	}
	return set
}
