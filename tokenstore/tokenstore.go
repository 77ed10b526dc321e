// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokenstore persists the session's access/refresh token pair
// across process restarts.
//
// Three backends implement [Store]: [Memory] for tests and ephemeral
// sessions, [File] for a single operator workstation (optionally
// sealed with age), and [Redis] for consoles that share a session
// across hosts. Every backend writes and clears the pair atomically,
// and Load never returns one token without the other.
package tokenstore

import "context"

// Key names for the two persisted values. They match the names the
// storefront web client uses in browser storage so that tooling can
// inspect either.
const (
	KeyAccessToken  = "token"
	KeyRefreshToken = "refreshToken"
)

// Tokens is the persisted credential pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// Empty reports whether no usable pair is present.
func (t Tokens) Empty() bool {
	return t.AccessToken == "" || t.RefreshToken == ""
}

// Store is durable storage for one token pair.
type Store interface {
	// Load returns the stored pair. A missing or partial pair is
	// returned as zero Tokens with a nil error.
	Load(ctx context.Context) (Tokens, error)

	// Save replaces the stored pair.
	Save(ctx context.Context, tokens Tokens) error

	// Clear removes the stored pair. Clearing an empty store is not
	// an error.
	Clear(ctx context.Context) error
}

// normalize drops a half-present pair.
func normalize(tokens Tokens) Tokens {
	if tokens.Empty() {
		return Tokens{}
	}
	return tokens
}
