// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package api

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/iotistic/edge-agent/pkg/state"
	"github.com/iotistic/edge-agent/pkg/util/backoff"
	"github.com/iotistic/edge-agent/pkg/util/log"
)

const metaKeyETag = "target_etag"

// TargetSetter accepts new target states; the container manager implements
// it.
type TargetSetter interface {
	SetTarget(state.TargetState) error
}

// MetaStore persists small binder values (the last ETag) across restarts.
type MetaStore interface {
	SetMeta(key, value string) error
	GetMeta(key string) (string, error)
}

// Poller is the long-running target-state poll loop: conditional GET with
// the last ETag, exponential backoff on transient failures, one
// re-provisioning attempt on 401.
type Poller struct {
	client      *Client
	uuid        string
	manager     TargetSetter
	meta        MetaStore
	clock       clock.Clock
	interval    time.Duration
	tracker     *backoff.Tracker
	reprovision func(ctx context.Context) error

	etag string
}

// NewPoller returns a Poller. reprovision may be nil when re-provisioning is
// not available (tests).
func NewPoller(client *Client, uuid string, manager TargetSetter, meta MetaStore,
	interval time.Duration, clk clock.Clock, reprovision func(ctx context.Context) error) *Poller {
	if clk == nil {
		clk = clock.New()
	}
	p := &Poller{
		client:      client,
		uuid:        uuid,
		manager:     manager,
		meta:        meta,
		clock:       clk,
		interval:    interval,
		tracker:     backoff.NewTracker(backoff.NewPolicy(backoff.DefaultBase, backoff.DefaultMax)),
		reprovision: reprovision,
	}
	if meta != nil {
		if etag, err := meta.GetMeta(metaKeyETag); err == nil {
			p.etag = etag
		}
	}
	return p
}

// Run polls until the context is canceled.
func (p *Poller) Run(ctx context.Context) {
	for {
		wait := p.interval
		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if IsTransient(err) {
				wait = p.tracker.Error()
				log.Warnf("Target state poll failed (attempt %d, next in %s): %v",
					p.tracker.NumErrors(), wait.Round(time.Millisecond), err)
			} else {
				log.Errorf("Target state poll failed: %v", err)
			}
		} else {
			p.tracker.Success()
		}

		timer := p.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// PollOnce performs a single conditional fetch and hands any new target to
// the manager.
func (p *Poller) PollOnce(ctx context.Context) error {
	result, err := p.client.GetTargetState(ctx, p.uuid, p.etag)
	if errors.Is(err, ErrUnauthorized) && p.reprovision != nil {
		log.Warn("Cloud rejected credentials, attempting re-provisioning")
		if rerr := p.reprovision(ctx); rerr != nil {
			return rerr
		}
		result, err = p.client.GetTargetState(ctx, p.uuid, p.etag)
	}
	if err != nil {
		return err
	}
	if result.NotModified {
		log.Debugf("Target state unchanged (etag %s)", p.etag)
		return nil
	}

	if err := p.manager.SetTarget(result.Target); err != nil {
		return err
	}
	p.etag = result.ETag
	if p.meta != nil {
		if err := p.meta.SetMeta(metaKeyETag, p.etag); err != nil {
			log.Warnf("Could not persist target etag: %v", err)
		}
	}
	return nil
}
