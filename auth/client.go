// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/sentinelstore/console/lib/netutil"
	"github.com/sentinelstore/console/lib/secret"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the backend root (e.g., "http://localhost:8000").
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is a stateless client for the /auth endpoints. It never
// retries and never refreshes; that is the Manager's job.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("auth: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("auth: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// BaseURL returns the backend root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// Login exchanges a username and password for tokens. The body is
// form-encoded, matching OAuth2 password-grant backends.
func (c *Client) Login(ctx context.Context, username string, password *secret.Buffer) (*TokenResponse, error) {
	if username == "" {
		return nil, fmt.Errorf("auth: username is required: %w", ErrValidation)
	}
	if password == nil || password.Len() == 0 {
		return nil, fmt.Errorf("auth: password is required: %w", ErrValidation)
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password.String())

	body, err := c.send(ctx, http.MethodPost, "/auth/login", "",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()), classifyLogin)
	if err != nil {
		return nil, fmt.Errorf("auth: login failed: %w", err)
	}
	return decodeTokens(body)
}

// Register creates an account and returns its first tokens.
func (c *Client) Register(ctx context.Context, request RegisterRequest) (*TokenResponse, error) {
	if request.Username == "" {
		return nil, fmt.Errorf("auth: username is required: %w", ErrValidation)
	}
	if request.Password == nil || request.Password.Len() == 0 {
		return nil, fmt.Errorf("auth: password is required: %w", ErrValidation)
	}

	body, err := c.sendJSON(ctx, http.MethodPost, "/auth/register", "", request, classifyRegister)
	if err != nil {
		return nil, fmt.Errorf("auth: registration failed: %w", err)
	}
	return decodeTokens(body)
}

// Refresh mints a new access token from a refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	body, err := c.sendJSON(ctx, http.MethodPost, "/auth/refresh", "",
		map[string]string{"refresh_token": refreshToken}, classifyRefresh)
	if err != nil {
		return nil, fmt.Errorf("auth: refresh failed: %w", err)
	}
	return decodeTokens(body)
}

// Me returns the user the access token belongs to. Both a bare user
// record and a {"user": {...}} wrapper are accepted.
func (c *Client) Me(ctx context.Context, accessToken string) (*User, error) {
	body, err := c.send(ctx, http.MethodGet, "/auth/me", accessToken, "", nil, classifySession)
	if err != nil {
		return nil, fmt.Errorf("auth: fetching current user: %w", err)
	}

	var wrapped struct {
		User *User `json:"user"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.User != nil {
		return wrapped.User, nil
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("auth: parsing current user: %w", err)
	}
	if user.Username == "" && user.ID == "" {
		return nil, fmt.Errorf("auth: current user response carries no identity")
	}
	return &user, nil
}

func decodeTokens(body []byte) (*TokenResponse, error) {
	var response TokenResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("auth: parsing token response: %w", err)
	}
	if response.AccessToken == "" {
		return nil, fmt.Errorf("auth: token response carries no access_token")
	}
	return &response, nil
}

// classifier maps a non-2xx status and server detail to an error kind.
type classifier func(status int, detail string) error

func classifyLogin(status int, detail string) error {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return ErrInvalidCredentials
	case http.StatusUnprocessableEntity:
		return ErrValidation
	}
	return nil
}

func classifyRegister(status int, detail string) error {
	switch {
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(detail), "already"):
		// Some backends report a duplicate username as a plain 400.
		return ErrConflict
	case status >= 400 && status < 500:
		return ErrValidation
	}
	return nil
}

func classifyRefresh(status int, detail string) error {
	if status >= 400 && status < 500 {
		return ErrAuthExpired
	}
	return nil
}

func classifySession(status int, detail string) error {
	if status == http.StatusUnauthorized {
		return ErrAuthExpired
	}
	return nil
}

func (c *Client) sendJSON(ctx context.Context, method, path, accessToken string, requestBody any, classify classifier) ([]byte, error) {
	encoded, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	defer secret.Zero(encoded)
	return c.send(ctx, method, path, accessToken, "application/json", bytes.NewReader(encoded), classify)
}

// send performs one request and returns the body of a 2xx response.
// Transport failures wrap ErrNetwork; other statuses are returned as
// *APIError.
func (c *Client) send(ctx context.Context, method, path, accessToken, contentType string, body io.Reader, classify classifier) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	request.Header.Set("Accept", "application/json")
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, ErrNetwork, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading response: %w: %w", method, path, ErrNetwork, err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}
	return nil, newAPIError(response.StatusCode, responseBody, classify)
}

func newAPIError(status int, body []byte, classify classifier) *APIError {
	detail := parseDetail(body)
	apiErr := &APIError{StatusCode: status, Detail: detail}
	if classify != nil {
		apiErr.kind = classify(status, detail)
	}
	return apiErr
}
