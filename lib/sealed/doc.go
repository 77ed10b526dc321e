// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts small records at rest with age X25519 keys.
//
// The file token store uses it to keep the persisted access and
// refresh tokens unreadable to anything that does not hold the
// console's identity. Identities and decrypted plaintext are returned
// as *secret.Buffer values; ciphertext is raw age binary format, ready
// to be written to disk.
package sealed
