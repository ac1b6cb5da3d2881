// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package device holds the device identity and the provisioning client that
// obtains it from the cloud.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/iotistic/edge-agent/pkg/util/log"
)

// ErrProvisioning marks an unrecoverable provisioning failure. The
// supervisor maps it to exit code 1.
var ErrProvisioning = errors.New("provisioning failed")

// Device is the identity assigned by the cloud at provisioning, persisted
// locally and reused across restarts.
type Device struct {
	UUID          string `json:"uuid"`
	DeviceName    string `json:"deviceName"`
	DeviceType    string `json:"deviceType"`
	APIKey        string `json:"apiKey"`
	MQTTBrokerURL string `json:"mqttBrokerUrl"`
	MQTTUsername  string `json:"mqttUsername"`
	MQTTPassword  string `json:"mqttPassword"`
}

// Store is the slice of the local store the provisioner needs.
type Store interface {
	SaveDevice(v interface{}) error
	LoadDevice(v interface{}) (bool, error)
}

// Provisioner registers the device against the cloud using the bootstrap
// provisioning key and persists the resulting identity.
type Provisioner struct {
	endpoint        string
	provisioningKey string
	store           Store
	http            *http.Client
}

// NewProvisioner returns a Provisioner for the given cloud endpoint.
func NewProvisioner(endpoint, provisioningKey string, store Store) *Provisioner {
	return &Provisioner{
		endpoint:        endpoint,
		provisioningKey: provisioningKey,
		store:           store,
		http:            &http.Client{Timeout: 30 * time.Second},
	}
}

// EnsureDevice returns the persisted identity, registering a new one on
// first boot.
func (p *Provisioner) EnsureDevice(ctx context.Context) (*Device, error) {
	var dev Device
	found, err := p.store.LoadDevice(&dev)
	if err != nil {
		return nil, err
	}
	if found {
		log.Infof("Device %s already provisioned", dev.UUID)
		return &dev, nil
	}

	dev = Device{
		UUID:       uuid.NewString(),
		DeviceName: hostname(),
		DeviceType: "linux-" + runtime.GOARCH,
	}
	if err := p.register(ctx, &dev); err != nil {
		return nil, err
	}
	if err := p.store.SaveDevice(&dev); err != nil {
		return nil, err
	}
	log.Infof("Provisioned as %s (%s)", dev.UUID, dev.DeviceName)
	return &dev, nil
}

// Reprovision re-registers an existing device, keeping its UUID but
// refreshing credentials. Used when the cloud starts rejecting the API key.
func (p *Provisioner) Reprovision(ctx context.Context, dev *Device) error {
	if err := p.register(ctx, dev); err != nil {
		return err
	}
	return p.store.SaveDevice(dev)
}

type registerResponse struct {
	APIKey        string `json:"apiKey"`
	MQTTBrokerURL string `json:"mqttBrokerUrl"`
	MQTTUsername  string `json:"mqttUsername"`
	MQTTPassword  string `json:"mqttPassword"`
}

// register POSTs /device/register, retrying transient failures. A rejected
// provisioning key is unrecoverable.
func (p *Provisioner) register(ctx context.Context, dev *Device) error {
	if p.provisioningKey == "" {
		return fmt.Errorf("%w: no provisioning key configured", ErrProvisioning)
	}

	body, err := json.Marshal(map[string]string{
		"uuid":            dev.UUID,
		"deviceName":      dev.DeviceName,
		"deviceType":      dev.DeviceType,
		"provisioningKey": p.provisioningKey,
	})
	if err != nil {
		return err
	}

	var reply registerResponse
	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				p.endpoint+"/device/register", bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := p.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				return retry.Unrecoverable(fmt.Errorf("%w: provisioning key rejected (HTTP %d)",
					ErrProvisioning, resp.StatusCode))
			case resp.StatusCode >= 400:
				return fmt.Errorf("registration: HTTP %d", resp.StatusCode)
			}
			return json.NewDecoder(resp.Body).Decode(&reply)
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("Registration attempt %d failed: %v", n+1, err)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrProvisioning) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	dev.APIKey = reply.APIKey
	dev.MQTTBrokerURL = reply.MQTTBrokerURL
	dev.MQTTUsername = reply.MQTTUsername
	dev.MQTTPassword = reply.MQTTPassword
	return nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "edge-device"
	}
	return name
}
