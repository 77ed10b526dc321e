// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package tokenstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store. The zero value is ready to use.
type Memory struct {
	mu     sync.Mutex
	tokens Tokens
}

// NewMemory returns a Memory store seeded with tokens.
func NewMemory(tokens Tokens) *Memory {
	return &Memory{tokens: normalize(tokens)}
}

func (m *Memory) Load(ctx context.Context) (Tokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens, nil
}

func (m *Memory) Save(ctx context.Context, tokens Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = normalize(tokens)
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = Tokens{}
	return nil
}
