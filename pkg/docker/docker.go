// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package docker wraps the docker engine API behind the narrow surface the
// reconciliation engine and the log monitor need, and normalizes runtime
// state into the agent's state model.
package docker

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/client"
	cache "github.com/patrickmn/go-cache"

	"github.com/iotistic/edge-agent/pkg/util/retry"
)

const (
	// LabelManaged marks containers and networks owned by the agent.
	LabelManaged = "io.iotistic.managed"
	// LabelAppID carries the application id of a managed resource.
	LabelAppID = "io.iotistic.app-id"
	// LabelAppName carries the application name of a managed container.
	LabelAppName = "io.iotistic.app-name"
	// LabelServiceID carries the service id of a managed container.
	LabelServiceID = "io.iotistic.service-id"
	// LabelServiceName carries the service name of a managed container.
	LabelServiceName = "io.iotistic.service-name"
)

const (
	requestTimeout     = 30 * time.Second
	defaultStopTimeout = 10 // seconds, docker API wants an int
	inspectCacheTTL    = 5 * time.Second
)

// ErrNotAvailable is returned when the docker socket cannot be reached. The
// supervisor maps a persistent occurrence to exit code 3.
var ErrNotAvailable = errors.New("docker not available")

// DockerUtil is the concrete adapter over the docker engine API.
type DockerUtil struct {
	cli          *client.Client
	initRetry    retry.Retrier
	inspectCache *cache.Cache
}

// NewDockerUtil connects to the local docker daemon. The connection attempt
// is retried with backoff for up to the given wait, since the daemon may
// still be starting when the agent boots.
func NewDockerUtil(ctx context.Context, wait time.Duration) (*DockerUtil, error) {
	d := &DockerUtil{
		inspectCache: cache.New(inspectCacheTTL, 30*time.Second),
	}
	d.initRetry.SetupRetrier(&retry.Config{ //nolint:errcheck
		Name:              "dockerutil",
		AttemptMethod:     func() error { return d.connect(ctx) },
		InitialRetryDelay: time.Second,
		MaxRetryDelay:     10 * time.Second,
	})

	deadline := time.Now().Add(wait)
	for {
		err := d.initRetry.TriggerRetry()
		if err == nil {
			return d, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.Join(ErrNotAvailable, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Until(d.initRetry.NextRetry())):
		}
	}
}

func (d *DockerUtil) connect(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return err
	}
	d.cli = cli
	return nil
}

// Close releases the underlying client.
func (d *DockerUtil) Close() error {
	if d.cli != nil {
		return d.cli.Close()
	}
	return nil
}

// IsErrNotFound reports whether the error is the daemon's not-found error.
func IsErrNotFound(err error) bool {
	return client.IsErrNotFound(err)
}

// IsTransient reports whether an operation is worth retrying on a later
// reconcile cycle: network trouble, timeouts, daemon rate limiting. Image
// not-found and invalid-reference errors are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"temporarily unavailable",
		"too many requests",
		"toomanyrequests",
		"connection refused",
		"connection reset",
		"i/o error",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func managedLabels(appID int, appName string, serviceID int, serviceName string) map[string]string {
	return map[string]string{
		LabelManaged:     "true",
		LabelAppID:       strconv.Itoa(appID),
		LabelAppName:     appName,
		LabelServiceID:   strconv.Itoa(serviceID),
		LabelServiceName: serviceName,
	}
}
