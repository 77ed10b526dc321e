// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sentinelstore/console/lib/netutil"
)

// sendFunc performs one attempt of an authorized request. attempt is 0
// for the first send and 1 for the single retry.
type sendFunc func(token string, attempt int) (*http.Response, error)

// authorized runs send with the current bearer token. A 401 triggers
// one coalesced refresh and, if that succeeds and the request can be
// replayed, exactly one retry with the new token. When the refresh
// fails the caller gets the original 401 response and the session
// ends.
func (m *Manager) authorized(ctx context.Context, replayable bool, send sendFunc) (*http.Response, error) {
	token, err := m.bearer(ctx)
	if err != nil {
		return nil, err
	}

	response, err := send(token, 0)
	if err != nil || response.StatusCode != http.StatusUnauthorized {
		return response, err
	}

	if err := m.refreshFrom(ctx, token); err != nil {
		m.logger.Info("request rejected and session could not be renewed",
			"error", err, "access_token", Fingerprint(token))
		if ctx.Err() == nil {
			m.expire(context.WithoutCancel(ctx), token)
		}
		return response, nil
	}
	current := m.AccessToken()
	if current == "" || !replayable {
		return response, nil
	}

	discard(response)
	return send(current, 1)
}

// bearer returns the access token to send, refreshing first when the
// token is a JWT that has already expired.
func (m *Manager) bearer(ctx context.Context) (string, error) {
	token := m.AccessToken()
	if token == "" {
		return "", fmt.Errorf("auth: no active session: %w", ErrAuthExpired)
	}
	if !expired(token, m.clock.Now()) {
		return token, nil
	}

	m.logger.Debug("access token expired, refreshing before request", "access_token", Fingerprint(token))
	if err := m.refreshFrom(ctx, token); err != nil {
		if ctx.Err() == nil {
			m.expire(context.WithoutCancel(ctx), token)
		}
		return "", err
	}
	token = m.AccessToken()
	if token == "" {
		return "", fmt.Errorf("auth: session ended during refresh: %w", ErrAuthExpired)
	}
	return token, nil
}

func discard(response *http.Response) {
	io.Copy(io.Discard, io.LimitReader(response.Body, 64<<10))
	response.Body.Close()
}

// Do sends an authenticated JSON request to the backend. body, when
// non-nil, is encoded as the request body; out, when non-nil, receives
// the decoded 2xx response. Non-2xx responses are returned as
// *APIError; a 401 that survives the refresh-and-retry matches
// ErrAuthExpired.
func (m *Manager) Do(ctx context.Context, method, path string, body, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("auth: encoding request body: %w", err)
		}
	}

	response, err := m.authorized(ctx, true, func(token string, attempt int) (*http.Response, error) {
		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		request, err := http.NewRequestWithContext(ctx, method, m.client.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		if encoded != nil {
			request.Header.Set("Content-Type", "application/json")
		}
		request.Header.Set("Accept", "application/json")
		request.Header.Set("Authorization", "Bearer "+token)

		response, err := m.client.httpClient.Do(request)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		return response, nil
	})
	if err != nil {
		return fmt.Errorf("auth: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	data, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return fmt.Errorf("auth: %s %s: reading response: %w: %w", method, path, ErrNetwork, err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return newAPIError(response.StatusCode, data, classifySession)
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("auth: %s %s: parsing response: %w", method, path, err)
		}
	}
	return nil
}

// Transport returns an http.RoundTripper that authorizes every request
// through the session, for collaborators that build their own
// requests (uploads, report downloads). If base is nil,
// http.DefaultTransport is used.
//
// Requests whose body cannot be replayed (a non-nil Body without
// GetBody) are not retried after a refresh; the caller receives the
// 401 and can resend.
func (m *Manager) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &sessionTransport{manager: m, base: base}
}

type sessionTransport struct {
	manager *Manager
	base    http.RoundTripper
}

func (t *sessionTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	replayable := request.Body == nil || request.Body == http.NoBody || request.GetBody != nil

	response, err := t.manager.authorized(request.Context(), replayable, func(token string, attempt int) (*http.Response, error) {
		clone := request.Clone(request.Context())
		if attempt > 0 && request.GetBody != nil {
			body, err := request.GetBody()
			if err != nil {
				return nil, fmt.Errorf("auth: replaying request body: %w", err)
			}
			clone.Body = body
		}
		clone.Header.Set("Authorization", "Bearer "+token)
		return t.base.RoundTrip(clone)
	})
	if err != nil && response == nil && request.Body != nil {
		request.Body.Close()
	}
	return response, err
}
