// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sentinelstore/console/lib/codec"
	"github.com/sentinelstore/console/lib/sealed"
	"github.com/sentinelstore/console/lib/secret"
)

// record is the on-disk shape. The CBOR keys use the same names as
// the web client's storage keys.
type record struct {
	AccessToken  string `cbor:"token"`
	RefreshToken string `cbor:"refreshToken"`
}

// File stores the pair as one CBOR record in a single file. When an
// age identity is configured the record is encrypted to that
// identity's recipient.
type File struct {
	path      string
	identity  *secret.Buffer
	recipient string
}

// NewFile returns a File store at path. identity may be nil for an
// unsealed file; otherwise it must hold an AGE-SECRET-KEY-1... string
// and remains owned by the caller.
func NewFile(path string, identity *secret.Buffer) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("tokenstore: file path is required")
	}
	store := &File{path: path, identity: identity}
	if identity != nil {
		recipient, err := sealed.RecipientFor(identity)
		if err != nil {
			return nil, fmt.Errorf("tokenstore: %w", err)
		}
		store.recipient = recipient
	}
	return store, nil
}

// Path returns the token file location.
func (f *File) Path() string { return f.path }

// Sealed reports whether the file is encrypted at rest.
func (f *File) Sealed() bool { return f.identity != nil }

func (f *File) Load(ctx context.Context) (Tokens, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Tokens{}, nil
	}
	if err != nil {
		return Tokens{}, fmt.Errorf("tokenstore: reading %s: %w", f.path, err)
	}
	defer secret.Zero(data)

	plaintext := data
	if f.identity != nil {
		opened, err := sealed.Open(data, f.identity)
		if err != nil {
			return Tokens{}, fmt.Errorf("tokenstore: opening %s: %w", f.path, err)
		}
		defer opened.Close()
		plaintext = opened.Bytes()
	}

	var stored record
	if err := codec.Unmarshal(plaintext, &stored); err != nil {
		return Tokens{}, fmt.Errorf("tokenstore: decoding %s: %w", f.path, err)
	}
	return normalize(Tokens{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
	}), nil
}

func (f *File) Save(ctx context.Context, tokens Tokens) error {
	tokens = normalize(tokens)
	if tokens.Empty() {
		return f.Clear(ctx)
	}

	data, err := codec.Marshal(record{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("tokenstore: encoding record: %w", err)
	}
	defer secret.Zero(data)

	if f.recipient != "" {
		ciphertext, err := sealed.Seal(data, f.recipient)
		if err != nil {
			return fmt.Errorf("tokenstore: %w", err)
		}
		data = ciphertext
	}
	return writeAtomic(f.path, data)
}

func (f *File) Clear(ctx context.Context) error {
	err := os.Remove(f.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenstore: removing %s: %w", f.path, err)
	}
	return nil
}

// writeAtomic writes data to a temp file beside path and renames it
// into place, so a reader sees either the old pair or the new one.
func writeAtomic(path string, data []byte) error {
	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("tokenstore: creating %s: %w", directory, err)
	}

	temp, err := os.CreateTemp(directory, ".session-*")
	if err != nil {
		return fmt.Errorf("tokenstore: creating temp file: %w", err)
	}
	tempPath := temp.Name()
	defer os.Remove(tempPath)

	if err := temp.Chmod(0o600); err != nil {
		temp.Close()
		return fmt.Errorf("tokenstore: chmod temp file: %w", err)
	}
	if _, err := temp.Write(data); err != nil {
		temp.Close()
		return fmt.Errorf("tokenstore: writing temp file: %w", err)
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		return fmt.Errorf("tokenstore: syncing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("tokenstore: closing temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("tokenstore: renaming into %s: %w", path, err)
	}
	return nil
}
