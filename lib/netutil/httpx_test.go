// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
)

func TestDecodeResponse(t *testing.T) {
	var out struct {
		Detail string `json:"detail"`
	}
	if err := DecodeResponse(strings.NewReader(`{"detail":"nope"}`), &out); err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if out.Detail != "nope" {
		t.Errorf("Detail = %q", out.Detail)
	}
	if err := DecodeResponse(strings.NewReader(`not json`), &out); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"closed", net.ErrClosed, true},
		{"reset", syscall.ECONNRESET, true},
		{"pipe", syscall.EPIPE, true},
		{"other", errors.New("boom"), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsExpectedCloseError(test.err); got != test.want {
				t.Errorf("IsExpectedCloseError(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}
