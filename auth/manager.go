// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/sentinelstore/console/lib/clock"
	"github.com/sentinelstore/console/lib/pubsub"
	"github.com/sentinelstore/console/lib/secret"
	"github.com/sentinelstore/console/tokenstore"
)

var tracer = otel.Tracer("github.com/sentinelstore/console/auth")

// ManagerConfig holds configuration for creating a Manager.
type ManagerConfig struct {
	// Client performs the /auth calls. Required.
	Client *Client
	// Store persists the token pair. If nil, an in-memory store is
	// used and sessions do not survive the process.
	Store tokenstore.Store
	// Clock is consulted for access-token expiry. If nil, the real
	// clock is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Manager owns the session. It is safe for concurrent use; one Manager
// serves one console process.
type Manager struct {
	client *Client
	store  tokenstore.Store
	clock  clock.Clock
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	user         *User
	accessToken  *secret.Buffer
	refreshToken *secret.Buffer
	// generation increments on every identity change. Work started
	// under an older generation must not commit.
	generation uint64

	// persistMu serializes store writes so that a Save racing a
	// Logout cannot land after the Clear.
	persistMu sync.Mutex

	refreshes singleflight.Group
	updates   *pubsub.Hub[Snapshot]
}

// NewManager creates a Manager in StateUnknown. Call Restore to load a
// persisted session.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("auth: Client is required")
	}
	store := config.Store
	if store == nil {
		store = &tokenstore.Memory{}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client:  config.Client,
		store:   store,
		clock:   clk,
		logger:  logger,
		state:   StateUnknown,
		updates: pubsub.New[Snapshot](0),
	}, nil
}

// Client returns the REST client the manager authenticates with.
func (m *Manager) Client() *Client { return m.client }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// User returns the authenticated identity, or nil.
func (m *Manager) User() *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated {
		return nil
	}
	return m.user
}

// AccessToken returns the bearer token for outbound requests, or ""
// when the session is not authenticated. Tokens held during login or
// restore are never exposed.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated {
		return ""
	}
	return m.rawAccessLocked()
}

// Snapshot returns the current session view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe returns a channel of session snapshots, starting with the
// current one. A subscriber that falls behind skips intermediate
// snapshots but always receives the latest. Call the returned function
// to unsubscribe.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates.Subscribe(m.snapshotLocked())
}

// Restore loads the persisted token pair and re-establishes the
// session: /auth/me with the stored access token, then one refresh if
// that fails. Ending up unauthenticated is the normal logged-out case
// and is not reported as an error; the returned snapshot says which
// way it went.
func (m *Manager) Restore(ctx context.Context) Snapshot {
	ctx, span := tracer.Start(ctx, "auth.Restore")
	defer span.End()

	m.mu.Lock()
	if m.state == StateAuthenticated || m.state == StateAuthenticating {
		snapshot := m.snapshotLocked()
		m.mu.Unlock()
		return snapshot
	}
	m.state = StateAuthenticating
	generation := m.generation
	m.publishLocked()
	m.mu.Unlock()

	tokens, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("loading persisted session failed", "error", err)
	}
	if err != nil || tokens.Empty() {
		m.abandon(generation)
		span.SetAttributes(attribute.Bool("auth.restored", false))
		return m.Snapshot()
	}

	m.mu.Lock()
	if m.generation != generation {
		snapshot := m.snapshotLocked()
		m.mu.Unlock()
		return snapshot
	}
	m.setTokensLocked(tokens.AccessToken, tokens.RefreshToken)
	m.mu.Unlock()

	if expired(tokens.AccessToken, m.clock.Now()) {
		m.logger.Debug("persisted access token already expired",
			"access_token", Fingerprint(tokens.AccessToken))
	} else {
		user, err := m.client.Me(ctx, tokens.AccessToken)
		if err == nil {
			if m.commit(ctx, &generation, tokens, user) {
				span.SetAttributes(attribute.Bool("auth.restored", true))
				m.logger.Info("session restored", "user", user.Username,
					"access_token", Fingerprint(tokens.AccessToken))
			}
			return m.Snapshot()
		}
		m.logger.Debug("persisted access token rejected, trying refresh", "error", err)
	}

	if err := m.refreshFrom(ctx, tokens.AccessToken); err != nil {
		m.logger.Info("no session restored", "reason", err)
		m.abandon(generation)
	}
	snapshot := m.Snapshot()
	span.SetAttributes(attribute.Bool("auth.restored", snapshot.Authenticated()))
	return snapshot
}

// Login authenticates with a username and password. On success the
// new tokens are persisted and every subscriber sees an Authenticated
// snapshot. Logging in while already authenticated replaces the
// identity; a failed login leaves an existing session untouched.
func (m *Manager) Login(ctx context.Context, username string, password *secret.Buffer) (*User, error) {
	ctx, span := tracer.Start(ctx, "auth.Login", trace.WithAttributes(
		attribute.String("auth.username", username),
	))
	defer span.End()

	generation := m.beginAuthenticating()
	response, err := m.client.Login(ctx, username, password)
	var user *User
	if err == nil {
		user, err = m.establish(ctx, response)
	}
	if err != nil {
		m.abandon(generation)
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		return nil, err
	}

	span.SetStatus(codes.Ok, "authenticated")
	m.logger.Info("logged in", "user", user.Username, "access_token", Fingerprint(response.AccessToken))
	return user, nil
}

// Register creates an account and authenticates as it, with the same
// post-conditions as Login.
func (m *Manager) Register(ctx context.Context, request RegisterRequest) (*User, error) {
	ctx, span := tracer.Start(ctx, "auth.Register", trace.WithAttributes(
		attribute.String("auth.username", request.Username),
		attribute.String("auth.store_id", request.StoreID),
	))
	defer span.End()

	generation := m.beginAuthenticating()
	response, err := m.client.Register(ctx, request)
	var user *User
	if err == nil {
		user, err = m.establish(ctx, response)
	}
	if err != nil {
		m.abandon(generation)
		span.RecordError(err)
		span.SetStatus(codes.Error, "registration failed")
		return nil, err
	}

	span.SetStatus(codes.Ok, "authenticated")
	m.logger.Info("registered", "user", user.Username, "store_id", user.StoreID)
	return user, nil
}

// Logout ends the session: both tokens and the user are dropped from
// memory and storage before it returns. It never fails and is
// idempotent. A refresh in flight when Logout runs is discarded when
// it completes.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	changed := m.state != StateUnauthenticated || m.accessToken != nil || m.refreshToken != nil
	m.generation++
	m.clearLocked()
	m.state = StateUnauthenticated
	if changed {
		m.publishLocked()
	}
	m.mu.Unlock()

	m.clearStore(ctx)
	if changed {
		m.logger.Info("logged out")
	}
}

// RefreshAccessToken exchanges the refresh token for a new pair and
// re-fetches the user. Concurrent callers share one network call and
// observe the same result. Without a refresh token it fails with
// ErrNoRefreshToken and makes no call. Any other failure ends the
// session, as Logout would.
//
// Cancelling ctx abandons the wait, not the shared refresh.
func (m *Manager) RefreshAccessToken(ctx context.Context) error {
	m.mu.Lock()
	stale := m.rawAccessLocked()
	m.mu.Unlock()
	return m.refreshFrom(ctx, stale)
}

// refreshFrom refreshes the session unless the access token has
// already moved on from stale, in which case some other caller
// refreshed it first and there is nothing to do.
func (m *Manager) refreshFrom(ctx context.Context, stale string) error {
	m.mu.Lock()
	generation := m.generation
	current := m.rawAccessLocked()
	hasRefresh := m.refreshToken != nil
	m.mu.Unlock()

	if current != "" && current != stale {
		return nil
	}
	if !hasRefresh {
		return fmt.Errorf("auth: cannot refresh: %w", ErrNoRefreshToken)
	}

	key := strconv.FormatUint(generation, 10) + "/" + Fingerprint(stale)
	result := m.refreshes.DoChan(key, func() (any, error) {
		return nil, m.refresh(context.WithoutCancel(ctx), generation, stale)
	})
	select {
	case outcome := <-result:
		return outcome.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refresh is the body of the single shared refresh call.
func (m *Manager) refresh(ctx context.Context, generation uint64, stale string) error {
	ctx, span := tracer.Start(ctx, "auth.Refresh")
	defer span.End()

	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		return fmt.Errorf("auth: session changed before refresh: %w", ErrAuthExpired)
	}
	if current := m.rawAccessLocked(); current != "" && current != stale {
		// A refresh for this token finished between the caller's
		// check and this call starting.
		m.mu.Unlock()
		return nil
	}
	if m.refreshToken == nil {
		m.mu.Unlock()
		return fmt.Errorf("auth: cannot refresh: %w", ErrNoRefreshToken)
	}
	refreshToken := m.refreshToken.String()
	m.mu.Unlock()

	response, err := m.client.Refresh(ctx, refreshToken)
	var user *User
	if err == nil {
		user, err = m.client.Me(ctx, response.AccessToken)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		m.logger.Warn("token refresh failed, ending session",
			"error", err, "refresh_token", Fingerprint(refreshToken))
		m.end(ctx, generation)
		return err
	}

	next := tokenstore.Tokens{AccessToken: response.AccessToken, RefreshToken: response.RefreshToken}
	if next.RefreshToken == "" {
		next.RefreshToken = refreshToken
	}
	if !m.commit(ctx, &generation, next, user) {
		span.SetStatus(codes.Error, "session ended during refresh")
		return fmt.Errorf("auth: session ended during refresh: %w", ErrAuthExpired)
	}

	span.SetStatus(codes.Ok, "refreshed")
	m.logger.Info("access token refreshed",
		"old", Fingerprint(stale), "new", Fingerprint(next.AccessToken))
	return nil
}

// establish turns a login or registration response into a session.
// Backends that omit the user from the token response are asked for
// it with the new access token.
func (m *Manager) establish(ctx context.Context, response *TokenResponse) (*User, error) {
	user := response.User
	if user == nil {
		var err error
		user, err = m.client.Me(ctx, response.AccessToken)
		if err != nil {
			return nil, err
		}
	}
	tokens := tokenstore.Tokens{AccessToken: response.AccessToken, RefreshToken: response.RefreshToken}
	if tokens.RefreshToken == "" {
		m.logger.Warn("backend issued no refresh token; the session will not be persisted or renewed")
	}
	m.commit(ctx, nil, tokens, user)
	return user, nil
}

// beginAuthenticating moves a session that is not yet authenticated
// into StateAuthenticating and returns the generation to compare
// against when the attempt settles.
func (m *Manager) beginAuthenticating() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated {
		m.state = StateAuthenticating
		m.publishLocked()
	}
	return m.generation
}

// abandon settles a failed authentication attempt. If nothing else
// has claimed the session since the attempt began, it becomes
// Unauthenticated.
func (m *Manager) abandon(generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != generation || m.state != StateAuthenticating {
		return
	}
	m.clearLocked()
	m.state = StateUnauthenticated
	m.publishLocked()
}

// commit installs tokens and user as the authenticated session and
// persists them. When expected is non-nil the commit only happens if
// the generation still matches; it reports whether it happened.
// Moving into Authenticated from any other state, or a commit without
// an expected generation (login, register), starts a new generation.
func (m *Manager) commit(ctx context.Context, expected *uint64, tokens tokenstore.Tokens, user *User) bool {
	m.mu.Lock()
	if expected != nil && *expected != m.generation {
		m.mu.Unlock()
		return false
	}
	if expected == nil || m.state != StateAuthenticated {
		m.generation++
	}
	m.setTokensLocked(tokens.AccessToken, tokens.RefreshToken)
	m.user = user
	m.state = StateAuthenticated
	generation := m.generation
	m.publishLocked()
	m.mu.Unlock()

	m.persist(ctx, generation, tokens)
	return true
}

// end clears a session that failed to renew, unless it has already
// been replaced.
func (m *Manager) end(ctx context.Context, generation uint64) {
	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		return
	}
	m.generation++
	m.clearLocked()
	m.state = StateUnauthenticated
	m.publishLocked()
	m.mu.Unlock()

	m.clearStore(ctx)
}

// expire ends the session if it still holds stale as its access
// token. It is used when a rejected or expired token cannot be
// renewed for a reason refresh itself does not settle, such as a
// session that never received a refresh token.
func (m *Manager) expire(ctx context.Context, stale string) {
	m.mu.Lock()
	if m.state != StateAuthenticated || m.rawAccessLocked() != stale {
		m.mu.Unlock()
		return
	}
	generation := m.generation
	m.mu.Unlock()

	m.logger.Info("session cannot be renewed, ending it", "access_token", Fingerprint(stale))
	m.end(ctx, generation)
}

func (m *Manager) persist(ctx context.Context, generation uint64, tokens tokenstore.Tokens) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	current := m.generation
	m.mu.Unlock()
	if current != generation {
		return
	}
	if err := m.store.Save(ctx, tokens); err != nil {
		m.logger.Error("persisting session failed", "error", err)
	}
}

func (m *Manager) clearStore(ctx context.Context) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if err := m.store.Clear(context.WithoutCancel(ctx)); err != nil {
		m.logger.Error("clearing persisted session failed", "error", err)
	}
}

func (m *Manager) snapshotLocked() Snapshot {
	snapshot := Snapshot{State: m.state, Generation: m.generation}
	if m.state == StateAuthenticated {
		snapshot.User = m.user
	}
	return snapshot
}

func (m *Manager) publishLocked() {
	m.updates.Publish(m.snapshotLocked())
}

func (m *Manager) rawAccessLocked() string {
	if m.accessToken == nil {
		return ""
	}
	return m.accessToken.String()
}

func (m *Manager) setTokensLocked(access, refresh string) {
	m.clearTokensLocked()
	m.accessToken = m.protect(access)
	m.refreshToken = m.protect(refresh)
}

func (m *Manager) protect(token string) *secret.Buffer {
	if token == "" {
		return nil
	}
	buffer, err := secret.NewFromString(token)
	if err != nil {
		// mmap failure leaves the session without the token, which
		// surfaces as a 401 and an ordinary refresh or logout.
		m.logger.Error("protecting token failed", "error", err)
		return nil
	}
	return buffer
}

func (m *Manager) clearTokensLocked() {
	if m.accessToken != nil {
		m.accessToken.Close()
		m.accessToken = nil
	}
	if m.refreshToken != nil {
		m.refreshToken.Close()
		m.refreshToken = nil
	}
}

func (m *Manager) clearLocked() {
	m.clearTokensLocked()
	m.user = nil
}
