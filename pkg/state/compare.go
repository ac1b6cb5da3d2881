// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package state

// ServicesEqual reports whether a running service still matches the target
// intent. Both sides must be normalized first.
//
// The comparison is intentionally asymmetric on environment: the runtime
// injects variables the target never declared (PATH, HOSTNAME, ...), so only
// keys the target explicitly sets are compared. Everything else is compared
// structurally; the image reference is compared byte for byte, so a digest
// pinned reference differs from a tag reference even when the underlying
// image is identical.
func ServicesEqual(target, current Service) bool {
	if target.ImageName != current.ImageName {
		return false
	}
	if !stringSlicesEqual(target.Config.Ports, current.Config.Ports) {
		return false
	}
	if !stringSlicesEqual(target.Config.Volumes, current.Config.Volumes) {
		return false
	}
	if !stringSetsEqual(target.Config.Networks, current.Config.Networks) {
		return false
	}
	if target.Config.Restart != current.Config.Restart {
		return false
	}
	if len(target.Config.Command) > 0 && !stringSlicesEqual(target.Config.Command, current.Config.Command) {
		return false
	}
	for k, v := range target.Config.Environment {
		if current.Config.Environment[k] != v {
			return false
		}
	}
	for k, v := range target.Config.Labels {
		if current.Config.Labels[k] != v {
			return false
		}
	}
	return true
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringSetsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}
