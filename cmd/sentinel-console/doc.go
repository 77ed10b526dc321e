// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

// sentinel-console is the terminal client for the SentinelStore
// backend: it signs the operator in, keeps the session's tokens in the
// configured store, and runs an interactive chat session over the
// realtime channel.
//
// Subcommands:
//
//	login      sign in and persist the token pair
//	register   create an account and sign in
//	logout     end the session and clear the stored tokens
//	whoami     print the signed-in user
//	chat       interactive chat (rooms, direct messages, typing)
//	keygen     create an age identity for sealing the token file
//	version    print version information
//
// Configuration comes from the file named by SENTINEL_CONFIG (YAML or
// JSONC), or built-in defaults pointing at a local backend.
package main
