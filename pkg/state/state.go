// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package state defines the target and current state models exchanged with
// the cloud and compared by the reconciliation engine.
package state

import (
	"fmt"
	"sort"
	"time"
)

// TargetState is a versioned snapshot of what the device should run,
// authored by the cloud.
type TargetState struct {
	Apps    map[int]App            `json:"apps"`
	Config  map[string]interface{} `json:"config"`
	Version int64                  `json:"version"`
}

// App groups the services of one application.
type App struct {
	AppID    int       `json:"appId"`
	AppName  string    `json:"appName"`
	Services []Service `json:"services"`
}

// Service describes one container to run.
type Service struct {
	ServiceID   int           `json:"serviceId"`
	ServiceName string        `json:"serviceName"`
	ImageName   string        `json:"imageName"`
	Config      ServiceConfig `json:"config"`
}

// ServiceConfig holds the recognized container options.
type ServiceConfig struct {
	Image       string            `json:"image,omitempty"`
	Ports       []string          `json:"ports,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Volumes     []string          `json:"volumes,omitempty"`
	Networks    []string          `json:"networks,omitempty"`
	Restart     string            `json:"restart,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// CurrentState mirrors TargetState without a version, observed from the
// container runtime.
type CurrentState struct {
	Apps   map[int]CurrentApp     `json:"apps"`
	Config map[string]interface{} `json:"config"`
}

// CurrentApp is an App as observed at runtime.
type CurrentApp struct {
	AppID    int              `json:"appId"`
	AppName  string           `json:"appName"`
	Services []CurrentService `json:"services"`
}

// CurrentService is a Service plus the runtime fields of its container.
type CurrentService struct {
	Service
	ContainerID string    `json:"containerId"`
	Status      string    `json:"status"`
	Degraded    bool      `json:"degraded,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt"`
}

// NetworkName returns the runtime name of an app-scoped network.
func NetworkName(appID int, name string) string {
	return fmt.Sprintf("%d_%s", appID, name)
}

// Normalize canonicalizes a ServiceConfig so that equal intents compare
// equal: absent collections become empty, port strings are deduplicated and
// sorted, and the image name is mirrored into the config.
func (c *ServiceConfig) Normalize(imageName string) {
	if c.Image == "" {
		c.Image = imageName
	}
	if c.Ports == nil {
		c.Ports = []string{}
	}
	c.Ports = dedupSorted(c.Ports)
	if c.Environment == nil {
		c.Environment = map[string]string{}
	}
	if c.Volumes == nil {
		c.Volumes = []string{}
	}
	if c.Networks == nil {
		c.Networks = []string{}
	}
	sort.Strings(c.Networks)
	if c.Command == nil {
		c.Command = []string{}
	}
	if c.Labels == nil {
		c.Labels = map[string]string{}
	}
}

// Normalize canonicalizes the service and enforces the imageName/config.image
// invariant.
func (s *Service) Normalize() {
	if s.ImageName == "" {
		s.ImageName = s.Config.Image
	}
	s.Config.Normalize(s.ImageName)
}

// Normalize canonicalizes every app and service in the snapshot.
func (t *TargetState) Normalize() {
	if t.Apps == nil {
		t.Apps = map[int]App{}
	}
	if t.Config == nil {
		t.Config = map[string]interface{}{}
	}
	for id, app := range t.Apps {
		if app.AppID == 0 {
			app.AppID = id
		}
		for i := range app.Services {
			app.Services[i].Normalize()
		}
		t.Apps[id] = app
	}
}

// Normalize canonicalizes the observed snapshot the same way targets are.
func (c *CurrentState) Normalize() {
	if c.Apps == nil {
		c.Apps = map[int]CurrentApp{}
	}
	if c.Config == nil {
		c.Config = map[string]interface{}{}
	}
	for id, app := range c.Apps {
		for i := range app.Services {
			app.Services[i].Normalize()
		}
		c.Apps[id] = app
	}
}

// Validate rejects malformed snapshots: duplicate (appId, serviceId) pairs or
// services without an image.
func (t *TargetState) Validate() error {
	seen := map[[2]int]bool{}
	for appID, app := range t.Apps {
		for _, svc := range app.Services {
			if svc.ImageName == "" && svc.Config.Image == "" {
				return fmt.Errorf("app %d service %d has no image", appID, svc.ServiceID)
			}
			key := [2]int{appID, svc.ServiceID}
			if seen[key] {
				return fmt.Errorf("duplicate service %d in app %d", svc.ServiceID, appID)
			}
			seen[key] = true
		}
	}
	return nil
}

// NetworksForApp returns the union of network names referenced by the
// services of one target app.
func NetworksForApp(app App) []string {
	set := map[string]bool{}
	for _, svc := range app.Services {
		for _, n := range svc.Config.Networks {
			set[n] = true
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func dedupSorted(in []string) []string {
	set := map[string]bool{}
	for _, s := range in {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
