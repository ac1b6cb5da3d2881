// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package logs implements the container log pipeline: capture from the
// runtime's multiplexed stdio streams, level detection and fan-out to the
// local, MQTT and cloud backends.
package logs

import (
	"strings"
	"time"
)

// Log sources.
const (
	SourceContainer = "container"
	SourceSystem    = "system"
	SourceManager   = "manager"
)

// Log levels.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Message is one log line flowing through the pipeline.
type Message struct {
	ID          string `json:"id,omitempty"`
	Message     string `json:"message"`
	Timestamp   int64  `json:"timestamp"` // epoch milliseconds
	Level       string `json:"level"`
	Source      string `json:"source"`
	AppID       int    `json:"appId,omitempty"`
	ServiceID   int    `json:"serviceId,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
	IsStdErr    bool   `json:"isStdErr,omitempty"`
	IsSystem    bool   `json:"isSystem,omitempty"`
}

var levelMarkers = []struct {
	marker string
	level  string
}{
	{"[error]", LevelError},
	{"error:", LevelError},
	{"[warn]", LevelWarn},
	{"[warning]", LevelWarn},
	{"warn:", LevelWarn},
	{"warning:", LevelWarn},
	{"[debug]", LevelDebug},
	{"debug:", LevelDebug},
	{"[info]", LevelInfo},
	{"info:", LevelInfo},
}

// DetectLevel infers a level from the line content, falling back to warn
// for stderr and info for stdout.
func DetectLevel(line string, stderr bool) string {
	lower := strings.ToLower(line)
	for _, m := range levelMarkers {
		if strings.Contains(lower, m.marker) {
			return m.level
		}
	}
	if stderr {
		return LevelWarn
	}
	return LevelInfo
}

// NewContainerMessage builds a Message for one demultiplexed log line.
// Empty lines produce ok == false and are dropped. The serviceId carried on
// the message is app-scoped: appId*1000 plus the service's id in the target.
func NewContainerMessage(line string, stderr bool, appID, serviceID int, serviceName, containerID string) (Message, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Message{}, false
	}
	return Message{
		Message:     line,
		Timestamp:   time.Now().UnixMilli(),
		Level:       DetectLevel(line, stderr),
		Source:      SourceContainer,
		AppID:       appID,
		ServiceID:   EncodeServiceID(appID, serviceID),
		ServiceName: serviceName,
		ContainerID: containerID,
		IsStdErr:    stderr,
	}, true
}

// EncodeServiceID folds a service's app into its log identifier so log
// consumers can address a service with a single integer.
func EncodeServiceID(appID, serviceID int) int {
	return appID*1000 + serviceID
}

// NewSystemMessage builds an agent-internal Message.
func NewSystemMessage(line, level string) Message {
	return Message{
		Message:   line,
		Timestamp: time.Now().UnixMilli(),
		Level:     level,
		Source:    SourceSystem,
		IsSystem:  true,
	}
}
