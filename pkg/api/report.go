// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package api

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/iotistic/edge-agent/pkg/engine"
	"github.com/iotistic/edge-agent/pkg/metrics"
	"github.com/iotistic/edge-agent/pkg/state"
	"github.com/iotistic/edge-agent/pkg/util/backoff"
	"github.com/iotistic/edge-agent/pkg/util/log"
	"github.com/iotistic/edge-agent/pkg/version"
)

// StateProvider supplies the observed state for reports; the container
// manager implements it.
type StateProvider interface {
	CurrentState(ctx context.Context) (state.CurrentState, error)
	Status() engine.UpdateStatus
}

// MetricsCollector samples host metrics; pkg/metrics implements it.
type MetricsCollector interface {
	Collect(ctx context.Context) metrics.SystemMetrics
}

// staticFields are values that rarely change. They are sent on the first
// report and after that only when they differ from the last transmitted
// value.
type staticFields struct {
	OSVersion    string
	AgentVersion string
	LocalIP      string
}

// Reporter is the long-running state report loop.
type Reporter struct {
	client          *Client
	uuid            string
	provider        StateProvider
	collector       MetricsCollector
	clock           clock.Clock
	interval        time.Duration
	metricsInterval time.Duration
	tracker         *backoff.Tracker

	// owned by the report loop exclusively
	sent        bool
	lastStatic  staticFields
	lastMetrics time.Time
	lastSentAt  time.Time
}

// NewReporter returns a Reporter.
func NewReporter(client *Client, uuid string, provider StateProvider, collector MetricsCollector,
	interval, metricsInterval time.Duration, clk clock.Clock) *Reporter {
	if clk == nil {
		clk = clock.New()
	}
	return &Reporter{
		client:          client,
		uuid:            uuid,
		provider:        provider,
		collector:       collector,
		clock:           clk,
		interval:        interval,
		metricsInterval: metricsInterval,
		tracker:         backoff.NewTracker(backoff.NewPolicy(backoff.DefaultBase, backoff.DefaultMax)),
		// metrics first piggyback one metricsInterval after start, not on
		// the first report
		lastMetrics: clk.Now(),
	}
}

// Run reports until the context is canceled.
func (r *Reporter) Run(ctx context.Context) {
	for {
		wait := r.interval
		if err := r.ReportOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = r.tracker.Error()
			log.Warnf("State report failed (attempt %d, next in %s): %v",
				r.tracker.NumErrors(), wait.Round(time.Millisecond), err)
		} else {
			r.tracker.Success()
		}

		timer := r.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ReportOnce builds and sends a single state report.
func (r *Reporter) ReportOnce(ctx context.Context) error {
	current, err := r.provider.CurrentState(ctx)
	if err != nil {
		return err
	}

	device := map[string]interface{}{
		"apps":          current.Apps,
		"config":        current.Config,
		"is_online":     true,
		"update_status": r.provider.Status(),
	}

	includeMetrics := r.collector != nil && r.clock.Now().Sub(r.lastMetrics) >= r.metricsInterval
	var sampled metrics.SystemMetrics
	if includeMetrics {
		sampled = r.collector.Collect(ctx)
		device["cpu_usage"] = sampled.CPUUsage
		device["memory_usage"] = sampled.MemoryUsage
		device["memory_total"] = sampled.MemoryTotal
		device["storage_usage"] = sampled.StorageUsage
		device["storage_total"] = sampled.StorageTotal
		device["temperature"] = sampled.Temperature
		device["uptime"] = sampled.Uptime
		device["top_processes"] = sampled.TopProcesses
	}

	static := staticFields{
		OSVersion:    metrics.OSVersion(ctx),
		AgentVersion: version.AgentVersion,
		LocalIP:      metrics.LocalIP(),
	}
	if !r.sent || static.OSVersion != r.lastStatic.OSVersion {
		device["os_version"] = static.OSVersion
	}
	if !r.sent || static.AgentVersion != r.lastStatic.AgentVersion {
		device["agent_version"] = static.AgentVersion
	}
	if !r.sent || static.LocalIP != r.lastStatic.LocalIP || includeMetrics {
		device["local_ip"] = static.LocalIP
	}

	report := map[string]interface{}{r.uuid: device}
	if err := r.client.ReportState(ctx, report); err != nil {
		return err
	}

	r.sent = true
	r.lastStatic = static
	r.lastSentAt = r.clock.Now()
	if includeMetrics {
		r.lastMetrics = r.clock.Now()
	}
	log.Debugf("Reported state (%d apps, metrics=%v)", len(current.Apps), includeMetrics)
	return nil
}
