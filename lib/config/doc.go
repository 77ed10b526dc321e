// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the console's configuration.
//
// Configuration comes from exactly one file, named by the --config flag
// or the SENTINEL_CONFIG environment variable. There is no discovery
// and no environment-variable override of individual values: what the
// file says is what runs.
//
// Files ending in .json or .jsonc are parsed as JSON with comments and
// trailing commas; anything else is YAML. The file may carry
// development, staging, and production sections whose non-empty
// fields override the base values when the environment matches.
package config
