// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalIsDeterministic(t *testing.T) {
	first, err := Marshal(map[string]string{"token": "t1", "refreshToken": "r1"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(map[string]string{"refreshToken": "r1", "token": "t1"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("equal maps encoded differently")
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]any{"token": "t1", "extra": 7})
	if err != nil {
		t.Fatal(err)
	}
	var record struct {
		Token string `cbor:"token"`
	}
	if err := Unmarshal(data, &record); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if record.Token != "t1" {
		t.Errorf("Token = %q", record.Token)
	}
}
