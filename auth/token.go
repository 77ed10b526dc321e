// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zeebo/blake3"
)

// Fingerprint returns a short, stable, non-reversible label for a
// token, suitable for logs. The empty token has the empty fingerprint.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

// tokenExpiry reads the exp claim of a JWT without verifying its
// signature. The backend remains the authority on validity; the client
// only uses exp to skip a request it knows will be rejected. Opaque
// tokens report ok=false.
func tokenExpiry(token string) (expiry time.Time, ok bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	expiration, err := parsed.Claims.GetExpirationTime()
	if err != nil || expiration == nil {
		return time.Time{}, false
	}
	return expiration.Time, true
}

// expired reports whether token is a JWT whose exp is at or before now.
func expired(token string, now time.Time) bool {
	expiry, ok := tokenExpiry(token)
	return ok && !now.Before(expiry)
}
