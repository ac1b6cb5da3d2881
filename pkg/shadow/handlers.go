// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/iotistic/edge-agent/pkg/mqtt"
	"github.com/iotistic/edge-agent/pkg/util/log"
)

// Migrator reconnects the MQTT layer to a different broker. The shared
// client implements it.
type Migrator interface {
	Reconfigure(broker, username, password string) error
	Status() mqtt.ConnectionStatus
}

// CredentialStore persists broker credentials obtained through migration so
// they survive restarts.
type CredentialStore interface {
	UpdateMQTTCredentials(broker, username, password string) error
}

// MigrationHandler returns the handler for the "mqtt" delta section: broker
// migration with status reporting at each step.
func MigrationHandler(migrator Migrator, creds CredentialStore, report func(map[string]interface{})) DeltaHandler {
	return func(ctx context.Context, section json.RawMessage) (interface{}, error) {
		var target struct {
			Broker   string `json:"broker"`
			BrokerID string `json:"brokerId"`
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.Unmarshal(section, &target); err != nil {
			return nil, fmt.Errorf("malformed mqtt delta: %w", err)
		}
		if target.Broker == "" {
			return nil, fmt.Errorf("mqtt delta missing broker")
		}

		previous := migrator.Status()
		report(map[string]interface{}{"mqtt": map[string]interface{}{
			"status": mqtt.StatusMigrating,
			"broker": previous.Broker,
		}})
		log.Infof("Broker migration requested: %s -> %s", previous.Broker, target.Broker)

		if err := migrator.Reconfigure(target.Broker, target.Username, target.Password); err != nil {
			return map[string]interface{}{
				"status":    mqtt.StatusError,
				"broker":    target.Broker,
				"lastError": err.Error(),
			}, err
		}

		if creds != nil {
			if err := creds.UpdateMQTTCredentials(target.Broker, target.Username, target.Password); err != nil {
				log.Warnf("Could not persist migrated broker credentials: %v", err)
			}
		}
		return map[string]interface{}{
			"brokerId":   target.BrokerID,
			"status":     mqtt.StatusConnected,
			"migratedAt": time.Now().UTC().Format(time.RFC3339),
		}, nil
	}
}

// LogLevelHandler returns the handler for the "logging" delta section.
func LogLevelHandler() DeltaHandler {
	return func(_ context.Context, section json.RawMessage) (interface{}, error) {
		var cfg struct {
			Level string `json:"level"`
		}
		if err := json.Unmarshal(section, &cfg); err != nil {
			return nil, fmt.Errorf("malformed logging delta: %w", err)
		}
		if cfg.Level == "" {
			return nil, nil
		}
		if err := log.ChangeLogLevel(cfg.Level); err != nil {
			return nil, err
		}
		log.Infof("Log level changed to %s via shadow", cfg.Level)
		return map[string]interface{}{"level": cfg.Level}, nil
	}
}

// SensorConfig is the sensor publishing configuration driven through the
// shadow.
type SensorConfig struct {
	Enabled    bool               `json:"enabled"`
	IntervalMS int                `json:"intervalMs,omitempty"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
}

// SensorSettings holds the current sensor configuration for readers (the
// sensor publisher) while the shadow mutates it.
type SensorSettings struct {
	m   sync.RWMutex
	cfg SensorConfig
}

// NewSensorSettings returns settings with sensors enabled at a 30 s
// cadence.
func NewSensorSettings() *SensorSettings {
	return &SensorSettings{cfg: SensorConfig{Enabled: true, IntervalMS: 30_000}}
}

// Current returns the active configuration.
func (s *SensorSettings) Current() SensorConfig {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.cfg
}

// Handler returns the delta handler for the "sensors" section. Fields
// absent from the delta keep their current value.
func (s *SensorSettings) Handler() DeltaHandler {
	return func(_ context.Context, section json.RawMessage) (interface{}, error) {
		s.m.Lock()
		defer s.m.Unlock()
		cfg := s.cfg
		if err := json.Unmarshal(section, &cfg); err != nil {
			return nil, fmt.Errorf("malformed sensors delta: %w", err)
		}
		s.cfg = cfg
		log.Infof("Sensor configuration updated: enabled=%v interval=%dms", cfg.Enabled, cfg.IntervalMS)
		return cfg, nil
	}
}

// FeatureFlags is the feature-flag table driven through the "features"
// delta section.
type FeatureFlags struct {
	m     sync.RWMutex
	flags map[string]bool
}

// NewFeatureFlags returns an empty flag table.
func NewFeatureFlags() *FeatureFlags {
	return &FeatureFlags{flags: map[string]bool{}}
}

// Enabled reports whether a flag is on.
func (f *FeatureFlags) Enabled(name string) bool {
	f.m.RLock()
	defer f.m.RUnlock()
	return f.flags[name]
}

// Handler returns the delta handler for the "features" section.
func (f *FeatureFlags) Handler() DeltaHandler {
	return func(_ context.Context, section json.RawMessage) (interface{}, error) {
		var incoming map[string]bool
		if err := json.Unmarshal(section, &incoming); err != nil {
			return nil, fmt.Errorf("malformed features delta: %w", err)
		}
		f.m.Lock()
		for name, on := range incoming {
			f.flags[name] = on
		}
		snapshot := make(map[string]bool, len(f.flags))
		for name, on := range f.flags {
			snapshot[name] = on
		}
		f.m.Unlock()
		return snapshot, nil
	}
}
