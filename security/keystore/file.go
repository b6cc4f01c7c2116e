// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"github.com/meshbus-foundation/meshbus/lib/codec"
	"github.com/meshbus-foundation/meshbus/lib/guid"
)

// digestKey is the BLAKE3 key for record integrity digests. ASCII
// domain name zero-padded to 32 bytes.
var digestKey = [32]byte{
	'm', 'e', 's', 'h', 'b', 'u', 's', '.',
	'k', 'e', 'y', 's', 't', 'o', 'r', 'e',
	0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0,
}

// fileRecord is one persisted key entry: a deterministic CBOR payload
// plus its keyed digest. A record whose digest does not match is a
// corruption and fails the load.
type fileRecord struct {
	Payload codec.RawMessage `cbor:"payload"`
	Digest  []byte           `cbor:"digest"`
}

// recordPayload is the decoded payload of a fileRecord.
type recordPayload struct {
	Scope     string    `cbor:"scope"`
	Peer      guid.GUID `cbor:"peer"`
	Mechanism string    `cbor:"mechanism"`
	Secret    []byte    `cbor:"secret"`
	// Expiry is an absolute Unix second; zero means no expiration.
	Expiry int64 `cbor:"expiry,omitempty"`
}

// File is the key store's backing file, owned exclusively through an
// advisory lock for as long as it is open.
type File struct {
	path   string
	handle *os.File
}

// openFile opens (creating if needed) and exclusively locks the key
// store file. A file already locked by another attachment fails
// immediately rather than blocking.
func openFile(path string) (*File, error) {
	handle, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening key store: %w", err)
	}
	if err := unix.Flock(int(handle.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		handle.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("key store %s is locked by another attachment", path)
		}
		return nil, fmt.Errorf("locking key store: %w", err)
	}
	return &File{path: path, handle: handle}, nil
}

// Close releases the lock and the handle.
func (f *File) Close() error {
	if f.handle == nil {
		return nil
	}
	unix.Flock(int(f.handle.Fd()), unix.LOCK_UN)
	err := f.handle.Close()
	f.handle = nil
	return err
}

// load replays the record stream into store. Called with the store
// lock not required (open happens before the store is shared).
func (f *File) load(store *Store) error {
	if _, err := f.handle.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking key store: %w", err)
	}
	decoder := codec.NewDecoder(f.handle)
	for {
		var record fileRecord
		if err := decoder.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading key store record: %w", err)
		}
		if !bytes.Equal(record.Digest, recordDigest(record.Payload)) {
			return fmt.Errorf("key store record digest mismatch")
		}
		var payload recordPayload
		if err := codec.Unmarshal(record.Payload, &payload); err != nil {
			return fmt.Errorf("decoding key store record: %w", err)
		}
		stored := entry{
			secret:    payload.Secret,
			mechanism: payload.Mechanism,
		}
		if payload.Expiry != 0 {
			stored.expiry = time.Unix(payload.Expiry, 0)
		}
		store.entries[tableKey{Scope(payload.Scope), payload.Peer}] = stored
	}
}

// persistLocked rewrites the record stream from the in-memory table.
// Called with the store lock held; no-op for in-memory stores.
func (s *Store) persistLocked() error {
	if s.file == nil {
		return nil
	}
	var buffer bytes.Buffer
	encoder := codec.NewEncoder(&buffer)
	for key, stored := range s.entries {
		payload := recordPayload{
			Scope:     string(key.scope),
			Peer:      key.peer,
			Mechanism: stored.mechanism,
			Secret:    stored.secret,
		}
		if !stored.expiry.IsZero() {
			payload.Expiry = stored.expiry.Unix()
		}
		encoded, err := codec.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding key store record: %w", err)
		}
		record := fileRecord{Payload: encoded, Digest: recordDigest(encoded)}
		if err := encoder.Encode(record); err != nil {
			return fmt.Errorf("writing key store record: %w", err)
		}
	}
	if err := s.file.handle.Truncate(0); err != nil {
		return fmt.Errorf("truncating key store: %w", err)
	}
	if _, err := s.file.handle.WriteAt(buffer.Bytes(), 0); err != nil {
		return fmt.Errorf("writing key store: %w", err)
	}
	return s.file.handle.Sync()
}

func recordDigest(payload []byte) []byte {
	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("keystore: BLAKE3 keyed hasher initialization failed: " + err.Error())
	}
	hasher.Write(payload)
	return hasher.Sum(nil)[:32]
}
