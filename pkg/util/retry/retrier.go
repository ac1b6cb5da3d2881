// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package retry provides a retrier for subsystem initialization that may
// legitimately fail for a while, such as reaching the docker socket right
// after boot.
package retry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status describes where the retrier is in its lifecycle.
type Status int

const (
	// NeedSetup means SetupRetrier was not called yet.
	NeedSetup Status = iota
	// Idle means the retrier is ready for a first attempt.
	Idle
	// OK means the attempt method succeeded.
	OK
	// FailWillRetry means the last attempt failed and a later one may succeed.
	FailWillRetry
)

// Config holds the parameters for a Retrier.
type Config struct {
	Name              string
	AttemptMethod     func() error
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
}

// Retrier calls an attempt method, doubling the delay between failed attempts
// up to a maximum. TriggerRetry is cheap to call in a loop: before the retry
// deadline it returns the last error without attempting.
type Retrier struct {
	sync.RWMutex
	cfg       Config
	status    Status
	lastError error
	nextRetry time.Time
	delay     time.Duration
}

// SetupRetrier must be called once before TriggerRetry.
func (r *Retrier) SetupRetrier(cfg *Config) error {
	if cfg == nil || cfg.AttemptMethod == nil {
		return errors.New("retrier needs an attempt method")
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 5 * time.Minute
	}

	r.Lock()
	defer r.Unlock()
	r.cfg = *cfg
	r.status = Idle
	r.delay = cfg.InitialRetryDelay
	return nil
}

// Status returns the current status.
func (r *Retrier) Status() Status {
	r.RLock()
	defer r.RUnlock()
	return r.status
}

// LastError returns the error from the latest failed attempt.
func (r *Retrier) LastError() error {
	r.RLock()
	defer r.RUnlock()
	return r.lastError
}

// NextRetry returns when the next attempt is allowed.
func (r *Retrier) NextRetry() time.Time {
	r.RLock()
	defer r.RUnlock()
	return r.nextRetry
}

// TriggerRetry attempts the method if the retry deadline has passed and
// returns nil on success.
func (r *Retrier) TriggerRetry() error {
	r.Lock()
	defer r.Unlock()

	switch r.status {
	case NeedSetup:
		return errors.New("retrier not set up")
	case OK:
		return nil
	case FailWillRetry:
		if time.Now().Before(r.nextRetry) {
			return r.lastError
		}
	}

	err := r.cfg.AttemptMethod()
	if err == nil {
		r.status = OK
		// keep lastError: callers inspect it to report the recovered failure
		return nil
	}

	r.lastError = fmt.Errorf("%s init error: %w", r.cfg.Name, err)
	r.status = FailWillRetry
	r.nextRetry = time.Now().Add(r.delay)
	r.delay *= 2
	if r.delay > r.cfg.MaxRetryDelay {
		r.delay = r.cfg.MaxRetryDelay
	}
	return r.lastError
}
