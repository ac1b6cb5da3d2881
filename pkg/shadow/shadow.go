// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package shadow implements the desired/reported/delta synchronization
// protocol over MQTT for one named device shadow.
package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/iotistic/edge-agent/pkg/mqtt"
	"github.com/iotistic/edge-agent/pkg/util/log"
)

// Shadow engine states.
const (
	StateDisconnected  = "disconnected"
	StateConnected     = "connected"
	StateUpdating      = "updating"
	StateDeltaHandling = "delta-handling"
)

// Connection is the slice of the MQTT client the engine needs.
type Connection interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.Handler) error
	OnConnect(fn func())
	Reconfigure(broker, username, password string) error
	Status() mqtt.ConnectionStatus
}

// DeltaHandler applies one top-level delta section. The returned value is
// published back under the same key as the reported acknowledgement; a nil
// value acknowledges nothing.
type DeltaHandler func(ctx context.Context, section json.RawMessage) (reported interface{}, err error)

// shadowDocument is the wire shape of updates, accepted replies and deltas.
type shadowDocument struct {
	State struct {
		Desired  map[string]json.RawMessage `json:"desired,omitempty"`
		Reported map[string]interface{}     `json:"reported,omitempty"`
	} `json:"state"`
	Version     int64  `json:"version,omitempty"`
	ClientToken string `json:"clientToken,omitempty"`
	Code        int    `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Engine synchronizes one named shadow. At most one update is in flight;
// writes issued meanwhile coalesce per-field and go out with the next
// update.
type Engine struct {
	conn            Connection
	uuid            string
	name            string
	syncOnDelta     bool
	publishInterval time.Duration
	clock           clock.Clock

	m        sync.Mutex
	state    string
	version  int64
	reported map[string]interface{}
	queued   map[string]interface{}
	handlers map[string]DeltaHandler

	// in-flight update bookkeeping
	pendingToken    string
	pendingSnapshot map[string]interface{}
	retryPending    bool
}

// NewEngine returns an Engine for the given shadow name. Call Start before
// connecting the MQTT client.
func NewEngine(conn Connection, deviceUUID, name string, syncOnDelta bool,
	publishInterval time.Duration, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		conn:            conn,
		uuid:            deviceUUID,
		name:            name,
		syncOnDelta:     syncOnDelta,
		publishInterval: publishInterval,
		clock:           clk,
		state:           StateDisconnected,
		reported:        map[string]interface{}{},
		queued:          map[string]interface{}{},
		handlers:        map[string]DeltaHandler{},
	}
}

// Handle registers a delta handler for one top-level section key.
func (e *Engine) Handle(section string, h DeltaHandler) {
	e.m.Lock()
	e.handlers[section] = h
	e.m.Unlock()
}

// Start subscribes to the shadow topics and arranges a document fetch after
// every (re)connect. Must be called before the MQTT client connects.
func (e *Engine) Start(ctx context.Context) error {
	subs := map[string]mqtt.Handler{
		e.topic("update/accepted"): e.onAccepted,
		e.topic("update/rejected"): e.onRejected,
		e.topic("update/delta"):    func(t string, p []byte) { e.onDelta(ctx, t, p) },
		e.topic("get/accepted"):    func(t string, p []byte) { e.onGetAccepted(ctx, t, p) },
	}
	for topic, handler := range subs {
		if err := e.conn.Subscribe(topic, 1, handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}
	e.conn.OnConnect(e.onConnected)
	return nil
}

// Run drives the periodic publish: queued writes that coalesced behind an
// in-flight update, and retries after a rejection. Blocks until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clock.Ticker(e.publishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.flush()
		}
	}
}

// Report merges fields into the reported section and publishes an update.
// If an update is already in flight the fields coalesce and go out once it
// resolves.
func (e *Engine) Report(fields map[string]interface{}) {
	e.m.Lock()
	if e.pendingToken != "" {
		for k, v := range fields {
			e.queued[k] = v
		}
		e.m.Unlock()
		return
	}
	doc := e.beginUpdateLocked(fields)
	e.m.Unlock()
	e.publishUpdate(doc)
}

// State returns the engine state for introspection.
func (e *Engine) State() string {
	e.m.Lock()
	defer e.m.Unlock()
	return e.state
}

// Version returns the last accepted shadow version.
func (e *Engine) Version() int64 {
	e.m.Lock()
	defer e.m.Unlock()
	return e.version
}

// Reported returns a copy of the local reported snapshot.
func (e *Engine) Reported() map[string]interface{} {
	e.m.Lock()
	defer e.m.Unlock()
	out := make(map[string]interface{}, len(e.reported))
	for k, v := range e.reported {
		out[k] = v
	}
	return out
}

func (e *Engine) topic(suffix string) string {
	return fmt.Sprintf("$iot/device/%s/shadow/name/%s/%s", e.uuid, e.name, suffix)
}

// beginUpdateLocked applies fields to the reported snapshot and builds the
// update document. The pre-update snapshot is kept for revert on rejection.
func (e *Engine) beginUpdateLocked(fields map[string]interface{}) shadowDocument {
	snapshot := make(map[string]interface{}, len(e.reported))
	for k, v := range e.reported {
		snapshot[k] = v
	}
	for k, v := range fields {
		e.reported[k] = v
	}

	var doc shadowDocument
	doc.State.Reported = fields
	doc.ClientToken = uuid.NewString()

	e.pendingToken = doc.ClientToken
	e.pendingSnapshot = snapshot
	e.state = StateUpdating
	return doc
}

func (e *Engine) publishUpdate(doc shadowDocument) {
	payload, err := json.Marshal(doc)
	if err != nil {
		log.Errorf("Encoding shadow update: %v", err)
		return
	}
	if err := e.conn.Publish(e.topic("update"), 1, false, payload); err != nil {
		// token stays pending; a reconnect resynthesizes the update
		log.Warnf("Shadow %s update publish failed: %v", e.name, err)
		e.m.Lock()
		e.retryPending = true
		e.m.Unlock()
	}
}

// flush sends coalesced writes and retries failed or rejected updates.
func (e *Engine) flush() {
	e.m.Lock()
	if e.pendingToken != "" && !e.retryPending {
		e.m.Unlock()
		return
	}
	if len(e.queued) == 0 && !e.retryPending {
		e.m.Unlock()
		return
	}
	// resynthesize from the current snapshot rather than replaying the
	// original payload
	fields := e.queued
	e.queued = map[string]interface{}{}
	if e.retryPending {
		for k, v := range e.reported {
			if _, ok := fields[k]; !ok {
				fields[k] = v
			}
		}
		e.retryPending = false
		e.pendingToken = ""
	}
	doc := e.beginUpdateLocked(fields)
	e.m.Unlock()
	e.publishUpdate(doc)
}

// onConnected runs after every successful (re)connection: fetch the shadow
// document and resynthesize any update that was lost in transit.
func (e *Engine) onConnected() {
	e.m.Lock()
	e.state = StateConnected
	resend := e.pendingToken != ""
	e.pendingToken = ""
	if resend {
		e.retryPending = true
	}
	e.m.Unlock()

	var get shadowDocument
	get.ClientToken = uuid.NewString()
	payload, _ := json.Marshal(get)
	if err := e.conn.Publish(e.topic("get"), 1, false, payload); err != nil {
		log.Warnf("Shadow %s get failed: %v", e.name, err)
	}
	if resend {
		e.flush()
	}
}

func (e *Engine) onAccepted(_ string, payload []byte) {
	var doc shadowDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		log.Warnf("Malformed shadow accepted message: %v", err)
		return
	}

	e.m.Lock()
	if doc.ClientToken != "" && doc.ClientToken != e.pendingToken {
		e.m.Unlock()
		return
	}
	e.pendingToken = ""
	e.pendingSnapshot = nil
	if doc.Version > e.version {
		e.version = doc.Version
	}
	e.state = StateConnected
	more := len(e.queued) > 0
	e.m.Unlock()

	log.Debugf("Shadow %s update accepted (version %d)", e.name, doc.Version)
	if more {
		e.flush()
	}
}

// onRejected reverts the reported snapshot to its pre-update value; the
// periodic flush retries later.
func (e *Engine) onRejected(_ string, payload []byte) {
	var doc shadowDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		log.Warnf("Malformed shadow rejected message: %v", err)
		return
	}

	e.m.Lock()
	if doc.ClientToken != "" && doc.ClientToken != e.pendingToken {
		e.m.Unlock()
		return
	}
	if e.pendingSnapshot != nil {
		e.reported = e.pendingSnapshot
	}
	e.pendingToken = ""
	e.pendingSnapshot = nil
	e.retryPending = true
	e.state = StateConnected
	e.m.Unlock()

	log.Warnf("Shadow %s update rejected (code %d): %s", e.name, doc.Code, doc.Message)
}

// onDelta dispatches each top-level section of a delta to its handler and
// acknowledges the outcome as reported state.
func (e *Engine) onDelta(ctx context.Context, _ string, payload []byte) {
	var doc struct {
		State   map[string]json.RawMessage `json:"state"`
		Version int64                      `json:"version"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		log.Warnf("Malformed shadow delta: %v", err)
		return
	}

	e.m.Lock()
	e.state = StateDeltaHandling
	e.m.Unlock()
	defer func() {
		e.m.Lock()
		if e.state == StateDeltaHandling {
			e.state = StateConnected
		}
		e.m.Unlock()
	}()

	log.Infof("Shadow %s delta received (version %d, %d sections)",
		e.name, doc.Version, len(doc.State))

	ack := map[string]interface{}{}
	for section, raw := range doc.State {
		e.m.Lock()
		handler, ok := e.handlers[section]
		e.m.Unlock()
		if !ok {
			log.Debugf("No handler for shadow delta section %q", section)
			continue
		}
		reported, err := handler(ctx, raw)
		if err != nil {
			log.Errorf("Delta handler %q failed: %v", section, err)
		}
		if reported != nil {
			ack[section] = reported
		}
	}

	if len(ack) > 0 {
		e.Report(ack)
	}
}

// onGetAccepted processes a full shadow document. When desired diverges
// from reported it is treated like a delta.
func (e *Engine) onGetAccepted(ctx context.Context, _ string, payload []byte) {
	var doc shadowDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		log.Warnf("Malformed shadow document: %v", err)
		return
	}

	e.m.Lock()
	if doc.Version > e.version {
		e.version = doc.Version
	}
	syncDesired := e.syncOnDelta
	reported := make(map[string]interface{}, len(e.reported))
	for k, v := range e.reported {
		reported[k] = v
	}
	e.m.Unlock()

	if !syncDesired || len(doc.State.Desired) == 0 {
		return
	}

	// synthesize a delta from the sections where desired diverges
	divergent := map[string]json.RawMessage{}
	for section, raw := range doc.State.Desired {
		current, ok := reported[section]
		if ok {
			if cur, err := json.Marshal(current); err == nil && string(cur) == string(raw) {
				continue
			}
		}
		divergent[section] = raw
	}
	if len(divergent) == 0 {
		return
	}
	synthetic, err := json.Marshal(map[string]interface{}{
		"state":   divergent,
		"version": doc.Version,
	})
	if err != nil {
		return
	}
	e.onDelta(ctx, e.topic("update/delta"), synthetic)
}
