// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"encoding/json"
	"sync"

	"github.com/sentinelstore/console/lib/clock"
)

// ackResult is what a pending request resolves to.
type ackResult struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	event  string
	result chan ackResult
	timer  *clock.Timer
}

// pendingTable correlates outstanding requests with their
// acknowledgements. Every entry is resolved exactly once: by its ack,
// by its timeout, or by failAll when the connection goes away.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

func (p *pendingTable) add(id string, request *pendingRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[id] = request
}

// arm attaches the timeout timer for id. If id was resolved before
// its timer could be attached, the timer is stopped.
func (p *pendingTable) arm(id string, timer *clock.Timer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	request, ok := p.entries[id]
	if !ok {
		timer.Stop()
		return
	}
	request.timer = timer
}

// eventFor returns the event name of the outstanding request id.
func (p *pendingTable) eventFor(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	request, ok := p.entries[id]
	if !ok {
		return "", false
	}
	return request.event, true
}

// resolve completes the entry for id, reporting whether one existed.
func (p *pendingTable) resolve(id string, result ackResult) bool {
	p.mu.Lock()
	request, ok := p.entries[id]
	delete(p.entries, id)
	var timer *clock.Timer
	if ok {
		timer = request.timer
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	if timer != nil {
		timer.Stop()
	}
	request.result <- result
	return true
}

// remove drops an entry without resolving it (the caller gave up).
func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	request, ok := p.entries[id]
	delete(p.entries, id)
	var timer *clock.Timer
	if ok {
		timer = request.timer
	}
	p.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

// failAll resolves every outstanding entry with err.
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*pendingRequest)
	p.mu.Unlock()

	for _, request := range entries {
		if request.timer != nil {
			request.timer.Stop()
		}
		request.result <- ackResult{err: err}
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
