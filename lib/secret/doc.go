// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds credentials (access tokens, refresh tokens,
// age identities) in memory allocated outside the Go heap.
//
// A [Buffer] is an anonymous mmap region excluded from core dumps and,
// where the process's RLIMIT_MEMLOCK allows, locked against swap. On
// Close the region is zeroed and unmapped. The garbage collector never
// sees the bytes, so closing a Buffer really does remove the secret
// from the process.
//
// Access goes through [Buffer.Bytes] (a slice into the mapping) or
// [Buffer.String] (a heap copy, for API boundaries such as an
// Authorization header). Both panic after Close.
package secret
