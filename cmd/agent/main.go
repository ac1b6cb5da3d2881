// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// The edge agent keeps a device's containers, configuration and telemetry
// in sync with the Iotistic cloud.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/iotistic/edge-agent/pkg/config"
	"github.com/iotistic/edge-agent/pkg/supervisor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(supervisor.Run(ctx, config.New()))
}
