// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package config loads the agent configuration from the environment with
// viper. Every recognized variable gets a default here, and the rest of the
// agent only ever reads through the typed accessors.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the read-only view of the agent configuration. It is built once
// by the supervisor and threaded through constructors.
type Config struct {
	v *viper.Viper
}

// New returns a Config populated from defaults and environment variables.
func New() *Config {
	v := viper.New()

	v.SetDefault("cloud_api_endpoint", "http://localhost:3002")
	v.SetDefault("provisioning_api_key", "")
	v.SetDefault("poll_interval_ms", 10_000)
	v.SetDefault("report_interval_ms", 10_000)
	v.SetDefault("metrics_interval_ms", 300_000)
	v.SetDefault("reconciliation_interval_ms", 30_000)

	v.SetDefault("data_dir", "/var/lib/edge-agent")

	v.SetDefault("max_logs", 10_000)
	v.SetDefault("log_max_age", 24*time.Hour)
	v.SetDefault("enable_file_logging", false)
	v.SetDefault("log_dir", "/var/log/edge-agent")
	v.SetDefault("max_log_file_size", 10*1024*1024)
	v.SetDefault("enable_cloud_logging", true)
	v.SetDefault("log_compression", true)

	v.SetDefault("mqtt_broker", "")
	v.SetDefault("mqtt_username", "")
	v.SetDefault("mqtt_password", "")
	v.SetDefault("mqtt_log_qos", 1)

	v.SetDefault("enable_shadow", true)
	v.SetDefault("shadow_name", "device-state")
	v.SetDefault("shadow_sync_on_delta", true)
	v.SetDefault("shadow_publish_interval", time.Minute)

	v.SetDefault("log_level", "info")
	v.SetDefault("device_api_port", 48484)

	for _, envVar := range []string{
		"cloud_api_endpoint",
		"provisioning_api_key",
		"poll_interval_ms",
		"report_interval_ms",
		"metrics_interval_ms",
		"reconciliation_interval_ms",
		"data_dir",
		"max_logs",
		"log_max_age",
		"enable_file_logging",
		"log_dir",
		"max_log_file_size",
		"enable_cloud_logging",
		"log_compression",
		"mqtt_broker",
		"mqtt_username",
		"mqtt_password",
		"mqtt_log_qos",
		"enable_shadow",
		"shadow_name",
		"shadow_sync_on_delta",
		"shadow_publish_interval",
		"log_level",
		"device_api_port",
	} {
		v.BindEnv(envVar) //nolint:errcheck
	}

	return &Config{v: v}
}

// Set overrides a value, for tests.
func (c *Config) Set(key string, value interface{}) { c.v.Set(key, value) }

// CloudAPIEndpoint is the base URL for all cloud HTTP calls.
func (c *Config) CloudAPIEndpoint() string { return c.v.GetString("cloud_api_endpoint") }

// ProvisioningAPIKey is the bootstrap credential for /device/register.
func (c *Config) ProvisioningAPIKey() string { return c.v.GetString("provisioning_api_key") }

// PollInterval is the cadence of the target-state poll loop.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.v.GetInt64("poll_interval_ms")) * time.Millisecond
}

// ReportInterval is the cadence of the state report loop.
func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.v.GetInt64("report_interval_ms")) * time.Millisecond
}

// MetricsInterval is how often system metrics piggyback on a report.
func (c *Config) MetricsInterval() time.Duration {
	return time.Duration(c.v.GetInt64("metrics_interval_ms")) * time.Millisecond
}

// ReconciliationInterval is the period of the reconcile loop.
func (c *Config) ReconciliationInterval() time.Duration {
	return time.Duration(c.v.GetInt64("reconciliation_interval_ms")) * time.Millisecond
}

// DataDir holds the embedded store.
func (c *Config) DataDir() string { return c.v.GetString("data_dir") }

// MaxLogs caps the local in-memory log buffer.
func (c *Config) MaxLogs() int { return c.v.GetInt("max_logs") }

// LogMaxAge is the eviction age for locally retained logs.
func (c *Config) LogMaxAge() time.Duration { return c.v.GetDuration("log_max_age") }

// EnableFileLogging toggles NDJSON persistence of the local log backend.
func (c *Config) EnableFileLogging() bool { return c.v.GetBool("enable_file_logging") }

// LogDir is where persisted NDJSON log files are rotated.
func (c *Config) LogDir() string { return c.v.GetString("log_dir") }

// MaxLogFileSize is the rotation threshold for persisted log files.
func (c *Config) MaxLogFileSize() int64 { return c.v.GetInt64("max_log_file_size") }

// EnableCloudLogging toggles the cloud log backend.
func (c *Config) EnableCloudLogging() bool { return c.v.GetBool("enable_cloud_logging") }

// LogCompression toggles gzip on cloud log uploads.
func (c *Config) LogCompression() bool { return c.v.GetBool("log_compression") }

// MQTTBroker overrides the provisioned broker URL when set.
func (c *Config) MQTTBroker() string { return c.v.GetString("mqtt_broker") }

// MQTTUsername overrides the provisioned username when set.
func (c *Config) MQTTUsername() string { return c.v.GetString("mqtt_username") }

// MQTTPassword overrides the provisioned password when set.
func (c *Config) MQTTPassword() string { return c.v.GetString("mqtt_password") }

// MQTTLogQoS is the delivery guarantee for MQTT log publishes.
func (c *Config) MQTTLogQoS() int { return c.v.GetInt("mqtt_log_qos") }

// EnableShadow toggles the shadow engine.
func (c *Config) EnableShadow() bool { return c.v.GetBool("enable_shadow") }

// ShadowName is the named shadow the engine synchronizes.
func (c *Config) ShadowName() string { return c.v.GetString("shadow_name") }

// ShadowSyncOnDelta reports back immediately after applying a delta.
func (c *Config) ShadowSyncOnDelta() bool { return c.v.GetBool("shadow_sync_on_delta") }

// ShadowPublishInterval is the periodic reported-state publish cadence.
func (c *Config) ShadowPublishInterval() time.Duration {
	return c.v.GetDuration("shadow_publish_interval")
}

// LogLevel is the minimum agent-internal log level.
func (c *Config) LogLevel() string { return c.v.GetString("log_level") }

// DeviceAPIPort is the loopback introspection API port.
func (c *Config) DeviceAPIPort() int { return c.v.GetInt("device_api_port") }
