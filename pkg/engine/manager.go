// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"github.com/iotistic/edge-agent/pkg/docker"
	"github.com/iotistic/edge-agent/pkg/state"
	"github.com/iotistic/edge-agent/pkg/util/log"
)

const (
	// maxStepFailures is the soft cap after which a persistently failing
	// service is marked degraded in reports. It keeps being retried every
	// cycle; degraded only changes how it is reported.
	maxStepFailures = 3

	// targetHistoryKeep bounds the snapshot history in the local store.
	targetHistoryKeep = 10
)

// Store is the persistence surface the manager needs.
type Store interface {
	SaveTarget(version int64, v interface{}) error
	LatestTarget(v interface{}) (int64, bool, error)
	PruneTargets(keep int) error
	SaveCurrent(v interface{}) error
}

// UpdateStatus summarizes reconcile health for state reports.
type UpdateStatus struct {
	AppliedVersion int64    `json:"applied_version"`
	TargetVersion  int64    `json:"target_version"`
	Degraded       []string `json:"degraded,omitempty"`
	LastError      string   `json:"last_error,omitempty"`
}

// Manager owns the target state and runs the reconcile loop. It is the
// single writer of the target and current-state cache; readers get
// snapshots.
type Manager struct {
	runtime  Runtime
	store    Store
	clock    clock.Clock
	interval time.Duration

	m           sync.RWMutex
	target      state.TargetState
	haveTarget  bool
	applied     int64
	lastError   string
	failures    map[ServiceKey]int
	serviceName map[ServiceKey]string

	applyLock sync.Mutex
	poke      chan struct{}
}

// NewManager returns a Manager. The target survives restarts: the latest
// persisted snapshot is loaded on first Reconcile.
func NewManager(runtime Runtime, store Store, interval time.Duration, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		runtime:     runtime,
		store:       store,
		clock:       clk,
		interval:    interval,
		failures:    map[ServiceKey]int{},
		serviceName: map[ServiceKey]string{},
		poke:        make(chan struct{}, 1),
	}
}

// SetTarget validates, normalizes and persists a new target snapshot. A
// version lower than the current one is rejected.
func (m *Manager) SetTarget(target state.TargetState) error {
	target.Normalize()
	if err := target.Validate(); err != nil {
		return fmt.Errorf("rejecting malformed target state: %w", err)
	}

	m.m.Lock()
	if m.haveTarget && target.Version < m.target.Version {
		current := m.target.Version
		m.m.Unlock()
		return fmt.Errorf("rejecting stale target version %d (have %d)", target.Version, current)
	}
	m.target = target
	m.haveTarget = true
	m.m.Unlock()

	if err := m.store.SaveTarget(target.Version, target); err != nil {
		return fmt.Errorf("persisting target state: %w", err)
	}
	if err := m.store.PruneTargets(targetHistoryKeep); err != nil {
		log.Warnf("Could not prune target history: %v", err)
	}

	log.Infof("Accepted target state version %d (%d apps)", target.Version, len(target.Apps))
	m.Poke()
	return nil
}

// Target returns a snapshot of the accepted target, if any.
func (m *Manager) Target() (state.TargetState, bool) {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.target, m.haveTarget
}

// Poke asks the reconcile loop to run a cycle soon. Never blocks.
func (m *Manager) Poke() {
	select {
	case m.poke <- struct{}{}:
	default:
	}
}

// CurrentState inspects the runtime, decorates persistently failing services
// as degraded, and caches the snapshot.
func (m *Manager) CurrentState(ctx context.Context) (state.CurrentState, error) {
	current, err := m.runtime.CurrentState(ctx)
	if err != nil {
		return current, err
	}

	m.m.RLock()
	for appID, app := range current.Apps {
		for i, svc := range app.Services {
			if m.failures[ServiceKey{AppID: appID, ServiceID: svc.ServiceID}] >= maxStepFailures {
				app.Services[i].Degraded = true
			}
		}
		current.Apps[appID] = app
	}
	m.m.RUnlock()

	if err := m.store.SaveCurrent(current); err != nil {
		log.Warnf("Could not cache current state: %v", err)
	}
	return current, nil
}

// Status returns the reconcile health summary included in state reports.
func (m *Manager) Status() UpdateStatus {
	m.m.RLock()
	defer m.m.RUnlock()
	status := UpdateStatus{
		AppliedVersion: m.applied,
		TargetVersion:  m.target.Version,
		LastError:      m.lastError,
	}
	for key, count := range m.failures {
		if count >= maxStepFailures {
			status.Degraded = append(status.Degraded,
				fmt.Sprintf("%d/%s", key.AppID, m.serviceName[key]))
		}
	}
	return status
}

// ApplyTargetState computes and executes the step plan for the current
// target. Step execution is best-effort: a failing step aborts only its own
// service sequence, the cycle always completes. Idempotent: applying twice
// with no intervening change executes nothing the second time.
func (m *Manager) ApplyTargetState(ctx context.Context) error {
	m.applyLock.Lock()
	defer m.applyLock.Unlock()

	target, ok := m.Target()
	if !ok {
		return nil
	}

	current, err := m.runtime.CurrentState(ctx)
	if err != nil {
		return fmt.Errorf("inspecting current state: %w", err)
	}
	networks, err := m.runtime.ManagedNetworks(ctx)
	if err != nil {
		return fmt.Errorf("listing managed networks: %w", err)
	}

	plan := ComputePlan(current, networks, target)
	if plan.Empty() {
		m.recordApplied(target.Version, nil)
		return nil
	}
	log.Infof("Applying target state version %d: %d steps", target.Version, len(plan.Steps()))

	var errs *multierror.Error
	for _, step := range plan.NetworkCreates {
		if err := m.applyStep(ctx, step); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	for _, seq := range plan.Services {
		m.noteService(seq.Key, seq)
		if err := m.applySequence(ctx, seq); err != nil {
			errs = multierror.Append(errs, err)
			m.recordFailure(seq.Key)
		} else {
			m.recordSuccess(seq.Key)
		}
		if ctx.Err() != nil {
			return multierror.Append(errs, ctx.Err()).ErrorOrNil()
		}
	}

	for _, step := range plan.NetworkRemoves {
		if err := m.applyStep(ctx, step); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	m.recordApplied(target.Version, errs.ErrorOrNil())
	return errs.ErrorOrNil()
}

// Reconcile is setTarget-less convergence: load the persisted target if none
// was accepted yet, apply it, refresh the current-state cache.
func (m *Manager) Reconcile(ctx context.Context) error {
	if _, ok := m.Target(); !ok {
		var persisted state.TargetState
		if _, found, err := m.store.LatestTarget(&persisted); err == nil && found {
			persisted.Normalize()
			m.m.Lock()
			m.target = persisted
			m.haveTarget = true
			m.m.Unlock()
			log.Infof("Recovered target state version %d from local store", persisted.Version)
		}
	}

	err := m.ApplyTargetState(ctx)
	if _, stateErr := m.CurrentState(ctx); stateErr != nil && err == nil {
		err = stateErr
	}
	return err
}

// Run drives the reconcile loop until the context is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
			log.Warnf("Reconcile cycle finished with errors: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.poke:
		}
	}
}

func (m *Manager) applyStep(ctx context.Context, step Step) error {
	log.Debugf("Step: %s", step)
	if err := step.Apply(ctx, m.runtime); err != nil {
		log.Warnf("Step %s failed: %v", step, err)
		return fmt.Errorf("%s: %w", step, err)
	}
	return nil
}

func (m *Manager) applySequence(ctx context.Context, seq ServiceSeq) error {
	for _, step := range seq.Steps {
		if err := m.applyStep(ctx, step); err != nil {
			// remaining steps of this service depend on the failed one
			if _, isFetch := step.(FetchStep); isFetch && !docker.IsTransient(err) {
				log.Errorf("Image fetch for service %d/%d failed with a non-transient error: %v",
					seq.Key.AppID, seq.Key.ServiceID, err)
			}
			return err
		}
	}
	return nil
}

func (m *Manager) noteService(key ServiceKey, seq ServiceSeq) {
	for _, step := range seq.Steps {
		if start, ok := step.(StartContainerStep); ok {
			m.m.Lock()
			m.serviceName[key] = start.Service.ServiceName
			m.m.Unlock()
			return
		}
	}
}

func (m *Manager) recordFailure(key ServiceKey) {
	m.m.Lock()
	m.failures[key]++
	if m.failures[key] == maxStepFailures {
		log.Warnf("Service %d/%d failed %d consecutive cycles, marking degraded",
			key.AppID, key.ServiceID, maxStepFailures)
	}
	m.m.Unlock()
}

func (m *Manager) recordSuccess(key ServiceKey) {
	m.m.Lock()
	delete(m.failures, key)
	m.m.Unlock()
}

func (m *Manager) recordApplied(version int64, err error) {
	m.m.Lock()
	defer m.m.Unlock()
	if err == nil {
		m.applied = version
		// lastError is preserved across successful cycles so operators can
		// see what previously went wrong; a new error overwrites it
	} else {
		m.lastError = err.Error()
	}
}
