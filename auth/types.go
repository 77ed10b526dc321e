// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"fmt"

	"github.com/sentinelstore/console/lib/secret"
)

// User is the identity record returned by the backend.
type User struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	StoreID  string `json:"store_id,omitempty"`
	Role     string `json:"role,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// Identifier returns the ID the realtime channel knows this user by.
// Backends that omit id from /auth/me key users by username.
func (u *User) Identifier() string {
	if u.ID != "" {
		return u.ID
	}
	return u.Username
}

// State is the session lifecycle position.
//
//	Unknown -> Authenticating -> Authenticated | Unauthenticated
//	Authenticated -> Unauthenticated   (logout, failed refresh)
type State int

const (
	StateUnknown State = iota
	StateAuthenticating
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Snapshot is an immutable view of the session published to
// subscribers.
type Snapshot struct {
	State State

	// User is non-nil exactly when State is StateAuthenticated. The
	// pointee is never mutated after publication.
	User *User

	// Generation changes whenever the identity behind the session
	// changes (login, logout, failed refresh). A token refresh for
	// the same identity keeps the generation.
	Generation uint64
}

// Authenticated reports whether the snapshot carries a usable
// identity.
func (s Snapshot) Authenticated() bool {
	return s.State == StateAuthenticated && s.User != nil
}

// RegisterRequest is the profile submitted to /auth/register.
type RegisterRequest struct {
	Username string
	Email    string
	FullName string
	Role     string
	StoreID  string

	// Password is held in protected memory and converted to a string
	// only at the JSON serialization boundary. The caller owns the
	// buffer.
	Password *secret.Buffer
}

// MarshalJSON produces the backend's snake_case registration body.
func (r RegisterRequest) MarshalJSON() ([]byte, error) {
	body := map[string]string{
		"username": r.Username,
		"email":    r.Email,
		"store_id": r.StoreID,
	}
	if r.FullName != "" {
		body["full_name"] = r.FullName
	}
	if r.Role != "" {
		body["role"] = r.Role
	}
	if r.Password != nil {
		body["password"] = r.Password.String()
	}
	return json.Marshal(body)
}

// TokenResponse is the body of /auth/login, /auth/register, and
// /auth/refresh. User and RefreshToken are optional: some backends
// return only the access token.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	User         *User  `json:"user,omitempty"`
}
