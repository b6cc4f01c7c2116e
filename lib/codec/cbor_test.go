// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type record struct {
	Scope  string `cbor:"scope"`
	Secret []byte `cbor:"secret"`
	Expiry int64  `cbor:"expiry,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	value := record{Scope: "remote", Secret: []byte{1, 2, 3}, Expiry: 99}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("same value marshaled to different bytes")
	}
}

func TestRoundTrip(t *testing.T) {
	original := record{Scope: "local", Secret: []byte("master secret")}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded record
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Scope != original.Scope || !bytes.Equal(decoded.Secret, original.Secret) {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, original)
	}
}

func TestAnyMapDecodesWithStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"multipoint": true, "traffic": uint64(1)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type %T, want map[string]any", decoded)
	}
	if m["multipoint"] != true {
		t.Fatalf("multipoint = %v", m["multipoint"])
	}
}

func TestStreamEncoding(t *testing.T) {
	var buf bytes.Buffer
	encoder := NewEncoder(&buf)
	for _, r := range []record{{Scope: "local"}, {Scope: "remote"}} {
		if err := encoder.Encode(r); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buf)
	var scopes []string
	for {
		var r record
		if err := decoder.Decode(&r); err != nil {
			break
		}
		scopes = append(scopes, r.Scope)
	}
	if len(scopes) != 2 || scopes[0] != "local" || scopes[1] != "remote" {
		t.Fatalf("decoded scopes = %v", scopes)
	}
}
