// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package tokenstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sentinelstore/console/lib/sealed"
)

var pair = Tokens{AccessToken: "access-1", RefreshToken: "refresh-1"}

// exerciseStore runs the behaviour every backend shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		loaded, err := store.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if loaded != (Tokens{}) {
			t.Fatalf("Load on empty store = %+v", loaded)
		}
	})

	t.Run("save and load", func(t *testing.T) {
		if err := store.Save(ctx, pair); err != nil {
			t.Fatalf("Save: %v", err)
		}
		loaded, err := store.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if loaded != pair {
			t.Fatalf("Load = %+v, want %+v", loaded, pair)
		}
	})

	t.Run("replace", func(t *testing.T) {
		next := Tokens{AccessToken: "access-2", RefreshToken: "refresh-2"}
		if err := store.Save(ctx, next); err != nil {
			t.Fatalf("Save: %v", err)
		}
		loaded, _ := store.Load(ctx)
		if loaded != next {
			t.Fatalf("Load = %+v, want %+v", loaded, next)
		}
	})

	t.Run("clear twice", func(t *testing.T) {
		for range 2 {
			if err := store.Clear(ctx); err != nil {
				t.Fatalf("Clear: %v", err)
			}
		}
		loaded, _ := store.Load(ctx)
		if loaded != (Tokens{}) {
			t.Fatalf("Load after Clear = %+v", loaded)
		}
	})

	t.Run("half pair saves as empty", func(t *testing.T) {
		if err := store.Save(ctx, Tokens{AccessToken: "only-access"}); err != nil {
			t.Fatalf("Save: %v", err)
		}
		loaded, _ := store.Load(ctx)
		if loaded != (Tokens{}) {
			t.Fatalf("Load = %+v, want empty", loaded)
		}
	})
}

func TestMemory(t *testing.T) {
	exerciseStore(t, &Memory{})
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.cbor")
	store, err := NewFile(path, nil)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	exerciseStore(t, store)
}

func TestFilePermissions(t *testing.T) {
	directory := filepath.Join(t.TempDir(), "sentinel")
	path := filepath.Join(directory, "session.cbor")
	store, err := NewFile(path, nil)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := store.Save(context.Background(), pair); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("file mode = %o, want 600", mode)
	}
	directoryInfo, err := os.Stat(directory)
	if err != nil {
		t.Fatalf("Stat directory: %v", err)
	}
	if mode := directoryInfo.Mode().Perm(); mode&0o077 != 0 {
		t.Errorf("directory mode = %o, want no group/other bits", mode)
	}

	entries, _ := os.ReadDir(directory)
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want only the session file", len(entries))
	}
}

func TestFileSealed(t *testing.T) {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	path := filepath.Join(t.TempDir(), "session.age")
	store, err := NewFile(path, keypair.Identity)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if !store.Sealed() {
		t.Fatal("Sealed() = false")
	}
	exerciseStore(t, store)

	if err := store.Save(context.Background(), pair); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if bytes.Contains(raw, []byte(pair.RefreshToken)) {
		t.Error("sealed file contains the refresh token in plaintext")
	}

	unsealed, _ := NewFile(path, nil)
	if _, err := unsealed.Load(context.Background()); err == nil {
		t.Error("loading a sealed file without the identity should fail")
	}
}

func TestFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cbor")
	if err := os.WriteFile(path, []byte{0xff, 0x00, 0x13}, 0o600); err != nil {
		t.Fatal(err)
	}
	store, _ := NewFile(path, nil)
	if _, err := store.Load(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, "test:"), server
}

func TestRedis(t *testing.T) {
	store, _ := newRedisStore(t)
	exerciseStore(t, store)
}

func TestRedisKeys(t *testing.T) {
	store, server := newRedisStore(t)
	if err := store.Save(context.Background(), pair); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got, _ := server.Get("test:token"); got != pair.AccessToken {
		t.Errorf("test:token = %q", got)
	}
	if got, _ := server.Get("test:refreshToken"); got != pair.RefreshToken {
		t.Errorf("test:refreshToken = %q", got)
	}
}

func TestRedisHalfPairLoadsEmpty(t *testing.T) {
	store, server := newRedisStore(t)
	server.Set("test:token", "orphan")

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != (Tokens{}) {
		t.Fatalf("Load = %+v, want empty", loaded)
	}
}
