// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package metrics collects the host metrics piggybacked on state reports.
package metrics

import (
	"context"
	"net"
	"runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/iotistic/edge-agent/pkg/util/log"
)

const topProcessCount = 5

// SystemMetrics is the metrics section of a state report.
type SystemMetrics struct {
	CPUUsage     float64      `json:"cpu_usage"`
	MemoryUsage  uint64       `json:"memory_usage"`
	MemoryTotal  uint64       `json:"memory_total"`
	StorageUsage uint64       `json:"storage_usage"`
	StorageTotal uint64       `json:"storage_total"`
	Temperature  float64      `json:"temperature,omitempty"`
	Uptime       uint64       `json:"uptime"`
	LocalIP      string       `json:"local_ip,omitempty"`
	TopProcesses []TopProcess `json:"top_processes,omitempty"`
}

// TopProcess is one entry of the top-processes list, ranked by combined CPU
// and memory usage.
type TopProcess struct {
	PID    int32   `json:"pid"`
	Name   string  `json:"name"`
	CPU    float64 `json:"cpu"`
	Memory float32 `json:"memory"`
}

// Collector samples host metrics. Collect is cheap enough to run at the
// metrics interval (5 min default); each failure degrades to a partial
// sample rather than an error.
type Collector struct {
	storagePath string
}

// NewCollector returns a Collector measuring storage at the given mount
// point ("/" when empty).
func NewCollector(storagePath string) *Collector {
	if storagePath == "" {
		storagePath = "/"
	}
	return &Collector{storagePath: storagePath}
}

// Collect samples all metrics. Individual probe failures are logged and the
// corresponding fields left at their zero value.
func (c *Collector) Collect(ctx context.Context) SystemMetrics {
	var m SystemMetrics

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		m.CPUUsage = percents[0]
	} else if err != nil {
		log.Debugf("cpu sample failed: %v", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemoryUsage = vm.Used
		m.MemoryTotal = vm.Total
	} else {
		log.Debugf("memory sample failed: %v", err)
	}

	if usage, err := disk.UsageWithContext(ctx, c.storagePath); err == nil {
		m.StorageUsage = usage.Used
		m.StorageTotal = usage.Total
	} else {
		log.Debugf("storage sample failed: %v", err)
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		m.Uptime = uptime
	}

	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		for _, t := range temps {
			if t.Temperature > m.Temperature {
				m.Temperature = t.Temperature
			}
		}
	}

	m.LocalIP = LocalIP()
	m.TopProcesses = topProcesses(ctx)
	return m
}

// LocalIP returns the primary outbound IP of the host, empty when offline.
func LocalIP() string {
	// no packet is sent: UDP connect only resolves the route
	conn, err := net.Dial("udp", "203.0.113.1:9")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

// OSVersion returns a human readable platform description.
func OSVersion(ctx context.Context) string {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return runtime.GOOS
	}
	return info.Platform + " " + info.PlatformVersion
}

func topProcesses(ctx context.Context) []TopProcess {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		log.Debugf("process listing failed: %v", err)
		return nil
	}

	all := make([]TopProcess, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		memPct, _ := p.MemoryPercentWithContext(ctx)
		all = append(all, TopProcess{PID: p.Pid, Name: name, CPU: cpuPct, Memory: memPct})
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].CPU+float64(all[i].Memory) > all[j].CPU+float64(all[j].Memory)
	})
	if len(all) > topProcessCount {
		all = all[:topProcessCount]
	}
	return all
}

// Uptime is a convenience wrapper used by the device API.
func Uptime(ctx context.Context) time.Duration {
	seconds, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
