// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by this package that belongs to
// one of these kinds matches it with errors.Is.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("already registered")
	ErrNetwork            = errors.New("network error")
	ErrAuthExpired        = errors.New("authentication expired")
	ErrNoRefreshToken     = errors.New("no refresh token")
)

// APIError is a non-2xx response from the backend. It unwraps to the
// error kind the status maps to (nil when the status has no kind), so
// both errors.As and errors.Is work:
//
//	var apiErr *auth.APIError
//	if errors.As(err, &apiErr) { fmt.Println(apiErr.Detail) }
//	if errors.Is(err, auth.ErrConflict) { ... }
type APIError struct {
	StatusCode int
	// Detail is the server's human-readable message, empty when the
	// body carried none.
	Detail string

	kind error
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("auth: server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("auth: server returned %d: %s", e.StatusCode, e.Detail)
}

func (e *APIError) Unwrap() error { return e.kind }

// IsStatus reports whether err is an *APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}
	return false
}

// parseDetail extracts the message from an error body. FastAPI-style
// backends send {"detail": "..."} for handled errors and
// {"detail": [{"msg": "..."}]} for request validation failures.
func parseDetail(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil {
		return text
	}

	var items []struct {
		Message string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &items); err == nil {
		messages := make([]string, 0, len(items))
		for _, item := range items {
			if item.Message != "" {
				messages = append(messages, item.Message)
			}
		}
		return strings.Join(messages, "; ")
	}
	return ""
}

// Fallback messages shown when the server supplied no detail.
const (
	messageInvalidCredentials = "Incorrect username or password."
	messageConflict           = "That username is already registered."
	messageValidation         = "Please check the details and try again."
	messageNetwork            = "Unable to reach the server. Check your connection and try again."
	messageExpired            = "Your session has expired. Please sign in again."
	messageGeneric            = "Something went wrong. Please try again."
)

// UserMessage returns display text for a login, registration, or
// session error: the server's own message when it sent one, a generic
// message for the error kind otherwise.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return messageInvalidCredentials
	case errors.Is(err, ErrConflict):
		return messageConflict
	case errors.Is(err, ErrValidation):
		return messageValidation
	case errors.Is(err, ErrNetwork):
		return messageNetwork
	case errors.Is(err, ErrAuthExpired), errors.Is(err, ErrNoRefreshToken):
		return messageExpired
	default:
		return messageGeneric
	}
}
