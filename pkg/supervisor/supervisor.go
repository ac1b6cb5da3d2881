// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package supervisor constructs every subsystem in dependency order, runs
// them and maps fatal failures to the agent's exit codes.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/iotistic/edge-agent/pkg/api"
	"github.com/iotistic/edge-agent/pkg/config"
	"github.com/iotistic/edge-agent/pkg/device"
	"github.com/iotistic/edge-agent/pkg/deviceapi"
	"github.com/iotistic/edge-agent/pkg/docker"
	"github.com/iotistic/edge-agent/pkg/engine"
	"github.com/iotistic/edge-agent/pkg/logs"
	"github.com/iotistic/edge-agent/pkg/metrics"
	"github.com/iotistic/edge-agent/pkg/mqtt"
	"github.com/iotistic/edge-agent/pkg/shadow"
	"github.com/iotistic/edge-agent/pkg/store"
	"github.com/iotistic/edge-agent/pkg/util/log"
	"github.com/iotistic/edge-agent/pkg/version"
)

// Exit codes.
const (
	ExitOK           = 0
	ExitProvisioning = 1
	ExitStore        = 2
	ExitRuntime      = 3
)

const (
	dockerConnectWait = 30 * time.Second
	shutdownDeadline  = 10 * time.Second
)

// mqttCredentials persists broker credentials changed by a shadow-driven
// migration.
type mqttCredentials struct {
	store *store.Store
	dev   *device.Device
}

func (c *mqttCredentials) UpdateMQTTCredentials(broker, username, password string) error {
	c.dev.MQTTBrokerURL = broker
	if username != "" {
		c.dev.MQTTUsername = username
	}
	if password != "" {
		c.dev.MQTTPassword = password
	}
	return c.store.SaveDevice(c.dev)
}

// Run boots the agent and blocks until ctx is canceled or a fatal error
// occurs. The returned value is the process exit code.
func Run(ctx context.Context, cfg *config.Config) int {
	logger, err := log.BuildLogger(cfg.LogLevel())
	if err == nil {
		log.SetupLogger(logger, cfg.LogLevel())
	}
	defer log.Flush()

	log.Infof("Starting edge agent %s", version.AgentVersion)

	st, err := store.Open(cfg.DataDir())
	if err != nil {
		log.Errorf("Opening local store: %v", err)
		return ExitStore
	}
	defer st.Close()

	provisioner := device.NewProvisioner(cfg.CloudAPIEndpoint(), cfg.ProvisioningAPIKey(), st)
	dev, err := provisioner.EnsureDevice(ctx)
	if err != nil {
		log.Errorf("Provisioning: %v", err)
		return ExitProvisioning
	}

	dockerUtil, err := docker.NewDockerUtil(ctx, dockerConnectWait)
	if err != nil {
		log.Errorf("Container runtime: %v", err)
		return ExitRuntime
	}
	defer dockerUtil.Close()

	manager := engine.NewManager(dockerUtil, st, cfg.ReconciliationInterval(), nil)

	client := api.NewClient(cfg.CloudAPIEndpoint())
	client.SetAPIKey(dev.APIKey)
	reprovision := func(ctx context.Context) error {
		if err := provisioner.Reprovision(ctx, dev); err != nil {
			return err
		}
		client.SetAPIKey(dev.APIKey)
		return nil
	}
	poller := api.NewPoller(client, dev.UUID, manager, st, cfg.PollInterval(), nil, reprovision)
	reporter := api.NewReporter(client, dev.UUID, manager, metrics.NewCollector("/"),
		cfg.ReportInterval(), cfg.MetricsInterval(), nil)

	// environment overrides win over provisioned broker credentials
	broker := cfg.MQTTBroker()
	username, password := cfg.MQTTUsername(), cfg.MQTTPassword()
	if broker == "" {
		broker = dev.MQTTBrokerURL
		username, password = dev.MQTTUsername, dev.MQTTPassword
	}

	var (
		mqttClient   *mqtt.Client
		shadowEngine *shadow.Engine
	)
	if broker != "" {
		mqttClient = mqtt.NewClient(broker, username, password, dev.UUID)
		if cfg.EnableShadow() {
			shadowEngine = shadow.NewEngine(mqttClient, dev.UUID, cfg.ShadowName(),
				cfg.ShadowSyncOnDelta(), cfg.ShadowPublishInterval(), nil)
			creds := &mqttCredentials{store: st, dev: dev}
			shadowEngine.Handle("mqtt", shadow.MigrationHandler(mqttClient, creds, shadowEngine.Report))
			shadowEngine.Handle("logging", shadow.LogLevelHandler())
			shadowEngine.Handle("sensors", shadow.NewSensorSettings().Handler())
			shadowEngine.Handle("features", shadow.NewFeatureFlags().Handler())
			if err := shadowEngine.Start(ctx); err != nil {
				log.Errorf("Shadow engine: %v", err)
				shadowEngine = nil
			}
		}
	}

	localBackend := logs.NewLocalBackend(logs.LocalConfig{
		MaxLogs:     cfg.MaxLogs(),
		MaxAge:      cfg.LogMaxAge(),
		FileLogging: cfg.EnableFileLogging(),
		Dir:         cfg.LogDir(),
		MaxFileSize: cfg.MaxLogFileSize(),
	}, nil)
	backends := []logs.Backend{localBackend}
	if mqttClient != nil {
		backends = append(backends, logs.NewMQTTBackend(mqttClient, byte(cfg.MQTTLogQoS()), nil))
	}
	if cfg.EnableCloudLogging() {
		backends = append(backends,
			logs.NewCloudBackend(cfg.CloudAPIEndpoint(), dev.UUID, dev.APIKey, cfg.LogCompression(), nil))
	}
	pipeline := logs.NewPipeline(backends...)
	monitor := logs.NewMonitor(dockerUtil, pipeline, nil)

	var connReporter deviceapi.ConnectionReporter
	if mqttClient != nil {
		connReporter = mqttClient
	}
	apiServer := deviceapi.NewServer(cfg.DeviceAPIPort(), deviceapi.DeviceInfo{
		UUID:       dev.UUID,
		DeviceName: dev.DeviceName,
		DeviceType: dev.DeviceType,
	}, manager, localBackend, connReporter)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
			log.Debugf("Task %s stopped", name)
		}()
	}

	start("reconciler", manager.Run)
	start("poll", poller.Run)
	start("report", reporter.Run)
	start("log-pipeline", pipeline.Run)
	start("log-monitor", monitor.Run)
	start("device-api", func(ctx context.Context) {
		if err := apiServer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("Device API: %v", err)
		}
	})

	if mqttClient != nil {
		start("mqtt-connect", func(ctx context.Context) { connectBroker(ctx, mqttClient) })
		if shadowEngine != nil {
			start("shadow", shadowEngine.Run)
			start("shadow-status", func(ctx context.Context) {
				reportStatus(ctx, shadowEngine, mqttClient, cfg.ShadowPublishInterval())
			})
		}
	}

	<-ctx.Done()
	log.Info("Shutdown requested")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDeadline):
		log.Warn("Shutdown deadline exceeded, terminating")
	}

	if mqttClient != nil {
		mqttClient.Disconnect()
	}
	log.Info("Agent stopped")
	return ExitOK
}

// connectBroker dials the broker, retrying until it succeeds or ctx ends.
// Once connected, paho's auto-reconnect takes over.
func connectBroker(ctx context.Context, client *mqtt.Client) {
	wait := 5 * time.Second
	for {
		err := client.Connect()
		if err == nil {
			return
		}
		log.Warnf("MQTT connect failed (retry in %s): %v", wait, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if wait < 5*time.Minute {
			wait *= 2
		}
	}
}

// reportStatus publishes the broker connection and agent heartbeat into the
// shadow's reported section at the publish interval.
func reportStatus(ctx context.Context, eng *shadow.Engine, client *mqtt.Client, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !client.Connected() {
				continue
			}
			eng.Report(map[string]interface{}{
				"mqtt": client.Status(),
				"agent": map[string]interface{}{
					"version":       version.AgentVersion,
					"uptimeSeconds": int64(metrics.Uptime(ctx).Seconds()),
				},
			})
		}
	}
}
