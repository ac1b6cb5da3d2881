// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package version holds the agent version, set at build time.
package version

// AgentVersion is the version of the running agent. Overridden with
// -ldflags "-X github.com/iotistic/edge-agent/pkg/version.AgentVersion=x.y.z".
var AgentVersion = "1.4.0"
