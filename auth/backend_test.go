// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sentinelstore/console/lib/clock"
	"github.com/sentinelstore/console/lib/secret"
	"github.com/sentinelstore/console/tokenstore"
)

// fakeBackend is an in-process stand-in for the /auth endpoints plus a
// bearer-protected /protected resource.
type fakeBackend struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	passwords map[string]string
	logins    map[string]TokenResponse
	// access maps valid access tokens to their user.
	access map[string]User
	// rotations maps a refresh token to the pair it mints.
	rotations map[string]TokenResponse
	// wrapMe makes /auth/me answer {"user": {...}}.
	wrapMe bool
	// rejectProtected makes /protected answer 401 regardless of token.
	rejectProtected bool

	// refreshHook, when set, runs inside the /auth/refresh handler
	// before it answers.
	refreshHook func()

	loginCalls      atomic.Int32
	refreshCalls    atomic.Int32
	meCalls         atomic.Int32
	protectedCalls  atomic.Int32
	protected401s   atomic.Int32
	lastRefreshBody atomic.Value
	protectedBodies chan string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	backend := &fakeBackend{
		t:               t,
		passwords:       map[string]string{},
		logins:          map[string]TokenResponse{},
		access:          map[string]User{},
		rotations:       map[string]TokenResponse{},
		protectedBodies: make(chan string, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", backend.handleLogin)
	mux.HandleFunc("POST /auth/register", backend.handleRegister)
	mux.HandleFunc("POST /auth/refresh", backend.handleRefresh)
	mux.HandleFunc("GET /auth/me", backend.handleMe)
	mux.HandleFunc("/protected", backend.handleProtected)
	backend.server = httptest.NewServer(mux)
	t.Cleanup(backend.server.Close)
	return backend
}

var alice = User{ID: "u1", Username: "alice", Email: "alice@example.test", StoreID: "store_1", Role: "manager"}

// withAlice registers alice with password secret123 whose login mints
// t1/r1 and whose r1 rotates to t2/r2.
func (b *fakeBackend) withAlice() *fakeBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	user := alice
	b.passwords["alice"] = "secret123"
	b.logins["alice"] = TokenResponse{AccessToken: "t1", RefreshToken: "r1", User: &user}
	b.access["t1"] = alice
	b.access["t2"] = alice
	b.rotations["r1"] = TokenResponse{AccessToken: "t2", RefreshToken: "r2"}
	return b
}

func (b *fakeBackend) setRefreshHook(hook func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshHook = hook
}

func (b *fakeBackend) revoke(accessToken string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.access, accessToken)
}

func (b *fakeBackend) userFor(request *http.Request) (User, string, bool) {
	token, ok := strings.CutPrefix(request.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return User{}, "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	user, valid := b.access[token]
	return user, token, valid
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (b *fakeBackend) handleLogin(w http.ResponseWriter, request *http.Request) {
	b.loginCalls.Add(1)
	if request.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
		writeDetail(w, http.StatusUnprocessableEntity, "expected form body")
		return
	}
	if err := request.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	username := request.PostForm.Get("username")

	b.mu.Lock()
	password, known := b.passwords[username]
	response := b.logins[username]
	b.mu.Unlock()

	if !known || password != request.PostForm.Get("password") {
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (b *fakeBackend) handleRegister(w http.ResponseWriter, request *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.passwords[body["username"]]; exists {
		writeDetail(w, http.StatusBadRequest, "Username already registered")
		return
	}
	if body["password"] == "" || body["store_id"] == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "password and store_id are required")
		return
	}
	b.passwords[body["username"]] = body["password"]
	user := User{Username: body["username"], Email: body["email"], StoreID: body["store_id"]}
	b.access["reg-access"] = user
	// The token response deliberately omits the user.
	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: "reg-access", RefreshToken: "reg-refresh", TokenType: "bearer"})
}

func (b *fakeBackend) handleRefresh(w http.ResponseWriter, request *http.Request) {
	b.refreshCalls.Add(1)
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	b.lastRefreshBody.Store(body.RefreshToken)

	b.mu.Lock()
	hook := b.refreshHook
	b.mu.Unlock()
	if hook != nil {
		hook()
	}

	b.mu.Lock()
	response, ok := b.rotations[body.RefreshToken]
	b.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (b *fakeBackend) handleMe(w http.ResponseWriter, request *http.Request) {
	b.meCalls.Add(1)
	user, _, ok := b.userFor(request)
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	b.mu.Lock()
	wrap := b.wrapMe
	b.mu.Unlock()
	if wrap {
		writeJSON(w, http.StatusOK, map[string]any{"user": user})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (b *fakeBackend) handleProtected(w http.ResponseWriter, request *http.Request) {
	b.protectedCalls.Add(1)
	body, _ := io.ReadAll(request.Body)
	b.protectedBodies <- string(body)

	_, token, ok := b.userFor(request)
	b.mu.Lock()
	reject := b.rejectProtected
	b.mu.Unlock()
	if !ok || reject {
		b.protected401s.Add(1)
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

var testEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, backend *fakeBackend, store tokenstore.Store) (*Manager, *clock.FakeClock) {
	t.Helper()
	client, err := NewClient(ClientConfig{BaseURL: backend.server.URL + "/"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	fakeClock := clock.Fake(testEpoch)
	manager, err := NewManager(ManagerConfig{Client: client, Store: store, Clock: fakeClock})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager, fakeClock
}

func password(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromString(value)
	if err != nil {
		t.Fatalf("secret.NewFromString: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

// loginAlice logs in as alice and fails the test otherwise.
func loginAlice(t *testing.T, manager *Manager) {
	t.Helper()
	if _, err := manager.Login(context.Background(), "alice", password(t, "secret123")); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func loadTokens(t *testing.T, store tokenstore.Store) tokenstore.Tokens {
	t.Helper()
	tokens, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	return tokens
}
