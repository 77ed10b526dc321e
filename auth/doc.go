// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth owns the console's authenticated session: one access
// token, one refresh token, and the identity they belong to.
//
// [Client] is a thin REST client for the backend's /auth endpoints.
// [Manager] wraps a Client with session state. It restores a persisted
// session at startup, performs login, registration, and logout, and
// renews the access token when the backend rejects it. Renewal is
// coalesced: however many requests fail with 401 during one expiry
// window, exactly one /auth/refresh call is made and every waiter
// observes its outcome.
//
// Other components never hold tokens. They either call [Manager.Do]
// for JSON requests or wrap their transport with [Manager.Transport];
// both attach the bearer token, refresh on 401, and retry the request
// at most once. Session changes are published as [Snapshot] values on
// channels returned by [Manager.Subscribe].
//
// Tokens live in mmap-backed secret buffers while in memory and are
// persisted through a tokenstore.Store. Logs identify a token only by
// its [Fingerprint].
package auth
