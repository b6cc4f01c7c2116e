// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package guid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the length of a GUID in bytes.
const Size = 16

// ShortLength is the number of hex characters in the short string
// form used in peer exchanges and unique-name minting.
const ShortLength = 8

// deriveKey is the 32-byte key for BLAKE3 keyed derivation. Domain
// separation keeps GUIDs derived from key material distinct from any
// other BLAKE3 use of the same bytes. The value is the ASCII domain
// name zero-padded to 32 bytes; changing it changes every derived
// GUID.
var deriveKey = [32]byte{
	'm', 'e', 's', 'h', 'b', 'u', 's', '.',
	'g', 'u', 'i', 'd', 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0,
}

// GUID is a 128-bit globally unique identifier for a bus attachment.
// The zero value is not a valid GUID; construct with New, Derive, or
// Parse.
type GUID [Size]byte

// New returns a random GUID.
func New() (GUID, error) {
	var g GUID
	if _, err := rand.Read(g[:]); err != nil {
		return GUID{}, fmt.Errorf("generating guid: %w", err)
	}
	return g, nil
}

// Derive returns the GUID deterministically derived from material
// (typically a public key). The same material always yields the same
// GUID.
func Derive(material []byte) GUID {
	hasher, err := blake3.NewKeyed(deriveKey[:])
	if err != nil {
		panic("guid: BLAKE3 keyed hasher initialization failed: " + err.Error())
	}
	hasher.Write(material)
	var g GUID
	copy(g[:], hasher.Sum(nil))
	return g
}

// Parse decodes a GUID from its 32-character lowercase hex string
// form.
func Parse(s string) (GUID, error) {
	if len(s) != 2*Size {
		return GUID{}, fmt.Errorf("guid %q: want %d hex characters, got %d", s, 2*Size, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return GUID{}, fmt.Errorf("guid %q: %w", s, err)
	}
	var g GUID
	copy(g[:], raw)
	return g, nil
}

// String returns the full 32-character lowercase hex form.
func (g GUID) String() string {
	return hex.EncodeToString(g[:])
}

// Short returns the 8-character short form used to identify the
// attachment in peer exchanges.
func (g GUID) Short() string {
	return g.String()[:ShortLength]
}

// IsZero reports whether g is the all-zero GUID.
func (g GUID) IsZero() bool {
	return g == GUID{}
}

// MarshalText implements encoding.TextMarshaler using the full hex
// form.
func (g GUID) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *GUID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}
