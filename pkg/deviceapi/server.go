// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package deviceapi serves the loopback introspection API used by on-device
// tooling.
package deviceapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/iotistic/edge-agent/pkg/engine"
	"github.com/iotistic/edge-agent/pkg/logs"
	"github.com/iotistic/edge-agent/pkg/metrics"
	"github.com/iotistic/edge-agent/pkg/mqtt"
	"github.com/iotistic/edge-agent/pkg/state"
	"github.com/iotistic/edge-agent/pkg/util/log"
	"github.com/iotistic/edge-agent/pkg/version"
)

// StateProvider exposes the reconciler's view for /v2/applications/state.
type StateProvider interface {
	CurrentState(ctx context.Context) (state.CurrentState, error)
	Status() engine.UpdateStatus
}

// LogQuerier answers /v2/logs from the local buffer.
type LogQuerier interface {
	Query(f logs.Filter) []logs.Message
}

// ConnectionReporter exposes the broker connection for /v2/device.
type ConnectionReporter interface {
	Status() mqtt.ConnectionStatus
}

// DeviceInfo is the static identity served by /v2/device.
type DeviceInfo struct {
	UUID       string `json:"uuid"`
	DeviceName string `json:"deviceName"`
	DeviceType string `json:"deviceType"`
}

// Server is the loopback HTTP server.
type Server struct {
	info     DeviceInfo
	provider StateProvider
	querier  LogQuerier
	conn     ConnectionReporter
	http     *http.Server
}

// NewServer returns a Server bound to 127.0.0.1:port.
func NewServer(port int, info DeviceInfo, provider StateProvider, querier LogQuerier, conn ConnectionReporter) *Server {
	s := &Server{
		info:     info,
		provider: provider,
		querier:  querier,
		conn:     conn,
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/healthy", s.handleHealthy).Methods(http.MethodGet)
	r.HandleFunc("/v2/device", s.handleDevice).Methods(http.MethodGet)
	r.HandleFunc("/v2/applications/state", s.handleApplications).Methods(http.MethodGet)
	r.HandleFunc("/v2/logs", s.handleLogs).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("device api listen: %w", err)
	}
	log.Infof("Device API listening on %s", s.http.Addr)

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHealthy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]interface{}{"healthy": true})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"uuid":          s.info.UUID,
		"deviceName":    s.info.DeviceName,
		"deviceType":    s.info.DeviceType,
		"agentVersion":  version.AgentVersion,
		"osVersion":     metrics.OSVersion(r.Context()),
		"localIp":       metrics.LocalIP(),
		"uptimeSeconds": int64(metrics.Uptime(r.Context()).Seconds()),
	}
	if s.conn != nil {
		payload["mqtt"] = s.conn.Status()
	}
	writeJSON(w, payload)
}

func (s *Server) handleApplications(w http.ResponseWriter, r *http.Request) {
	current, err := s.provider.CurrentState(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"apps":   current.Apps,
		"config": current.Config,
		"status": s.provider.Status(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	messages := s.querier.Query(filter)
	if messages == nil {
		messages = []logs.Message{}
	}
	writeJSON(w, messages)
}

func parseLogFilter(r *http.Request) (logs.Filter, error) {
	var f logs.Filter
	q := r.URL.Query()
	f.Level = q.Get("level")
	for param, dst := range map[string]*int{
		"appId":     &f.AppID,
		"serviceId": &f.ServiceID,
		"count":     &f.Count,
	} {
		if raw := q.Get(param); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				return f, fmt.Errorf("invalid %s: %q", param, raw)
			}
			*dst = v
		}
	}
	if raw := q.Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid since: %q", raw)
		}
		f.Since = v
	}
	if raw := q.Get("stderr"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fmt.Errorf("invalid stderr: %q", raw)
		}
		f.StdErr = &v
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("Device API response write failed: %v", err)
	}
}
