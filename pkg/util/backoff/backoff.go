// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

// Package backoff implements the exponential backoff policy shared by the
// cloud poll/report loops and the cloud log backend.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultBase is the delay after the first consecutive failure.
	DefaultBase = 500 * time.Millisecond
	// DefaultMax caps the delay regardless of the number of failures.
	DefaultMax = 5 * time.Minute
)

// Policy computes how long to wait before the next attempt given a number of
// consecutive errors. The delay grows as base * 2^(n-1), capped at max, with
// a +/-20% jitter to avoid synchronized retries across devices.
type Policy struct {
	base time.Duration
	max  time.Duration
}

// NewPolicy returns a Policy. Out of range arguments are clamped to the
// defaults (base >= 500ms, max <= 5min per the binder contract).
func NewPolicy(base, max time.Duration) Policy {
	if base < DefaultBase {
		base = DefaultBase
	}
	if max <= 0 || max > DefaultMax {
		max = DefaultMax
	}
	return Policy{base: base, max: max}
}

// Duration returns the delay for the given number of consecutive errors.
// Zero or negative means no failure yet, so no delay.
func (p Policy) Duration(numErrors int) time.Duration {
	if numErrors <= 0 {
		return 0
	}
	backoff := float64(p.base) * math.Pow(2, float64(numErrors-1))
	if backoff > float64(p.max) {
		backoff = float64(p.max)
	}
	// full delay is jittered in [0.8, 1.2] of the computed value
	backoff *= 0.8 + 0.4*rand.Float64()
	if backoff > float64(p.max) {
		backoff = float64(p.max)
	}
	return time.Duration(backoff)
}

// Tracker couples a Policy with a consecutive-error counter. It is safe for
// concurrent use.
type Tracker struct {
	policy    Policy
	numErrors int
	m         sync.Mutex
}

// NewTracker returns a Tracker over the given policy.
func NewTracker(policy Policy) *Tracker {
	return &Tracker{policy: policy}
}

// Error records a failure and returns the delay to wait before retrying.
func (t *Tracker) Error() time.Duration {
	t.m.Lock()
	defer t.m.Unlock()
	t.numErrors++
	return t.policy.Duration(t.numErrors)
}

// Success resets the consecutive-error counter.
func (t *Tracker) Success() {
	t.m.Lock()
	defer t.m.Unlock()
	t.numErrors = 0
}

// NumErrors returns the current consecutive-error count.
func (t *Tracker) NumErrors() int {
	t.m.Lock()
	defer t.m.Unlock()
	return t.numErrors
}
