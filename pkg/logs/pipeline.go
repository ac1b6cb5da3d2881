// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package logs

import (
	"context"
	"sync"
)

// Backend is one log sink. Log must never block the caller; slow backends
// buffer internally and drop on overflow.
type Backend interface {
	Name() string
	Log(msg Message)
	Run(ctx context.Context)
}

// Pipeline fans messages out to every registered backend. Ordering is
// preserved within a backend, not across backends.
type Pipeline struct {
	m        sync.RWMutex
	backends []Backend
}

// NewPipeline returns a Pipeline over the given backends.
func NewPipeline(backends ...Backend) *Pipeline {
	return &Pipeline{backends: backends}
}

// Log dispatches one message to all backends.
func (p *Pipeline) Log(msg Message) {
	p.m.RLock()
	backends := p.backends
	p.m.RUnlock()
	for _, b := range backends {
		b.Log(msg)
	}
}

// Run starts every backend's flush loop and blocks until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) {
	p.m.RLock()
	backends := p.backends
	p.m.RUnlock()

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b Backend) {
			defer wg.Done()
			b.Run(ctx)
		}(b)
	}
	wg.Wait()
}
