// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"strings"
	"sync"

	"github.com/meshbus-foundation/meshbus/lib/guid"
	"github.com/meshbus-foundation/meshbus/security/keystore"
	"github.com/meshbus-foundation/meshbus/status"
	"github.com/meshbus-foundation/meshbus/wire"
)

// Authentication mechanism names accepted by EnablePeerSecurity.
const (
	MechanismAnonymous  = "ANONYMOUS"
	MechanismExternal   = "EXTERNAL"
	MechanismSRPKeyX    = "ALLJOYN_SRP_KEYX"
	MechanismSRPLogon   = "ALLJOYN_SRP_LOGON"
	MechanismECDHENull  = "ALLJOYN_ECDHE_NULL"
	MechanismECDHEPSK   = "ALLJOYN_ECDHE_PSK"
	MechanismECDHESPEKE = "ALLJOYN_ECDHE_SPEKE"
	MechanismECDHEECDSA = "ALLJOYN_ECDHE_ECDSA"
)

// knownMechanisms is the factory registry mechanism names are
// validated against.
var knownMechanisms = map[string]struct{}{
	MechanismAnonymous:  {},
	MechanismExternal:   {},
	MechanismSRPKeyX:    {},
	MechanismSRPLogon:   {},
	MechanismECDHENull:  {},
	MechanismECDHEPSK:   {},
	MechanismECDHESPEKE: {},
	MechanismECDHEECDSA: {},
}

// Credentials is the material an AuthListener supplies for one
// authentication round.
type Credentials struct {
	Password   string
	UserName   string
	CertChain  string
	PrivateKey string
	LogonEntry string
	Expiration uint32
}

// AuthListener supplies credentials during peer authentication and
// learns of outcomes. Fields may be nil.
type AuthListener struct {
	// RequestCredentials is asked for material for mechanism and
	// peer; returning false aborts the round.
	RequestCredentials func(mechanism, peerName string, authCount uint16) (Credentials, bool)

	// VerifyCredentials checks the peer's certificate chain for
	// ECDSA authentication.
	VerifyCredentials func(mechanism, peerName string, credentials Credentials) bool

	// SecurityViolation reports violations observed on the wire.
	SecurityViolation func(st status.Status, msg *wire.Message)

	// AuthenticationComplete reports the outcome of a round.
	AuthenticationComplete func(mechanism, peerName string, success bool)
}

// securityState is the attachment's peer security envelope. It
// implements endpoint.SecurityHook (violation routing) and
// wire.CryptoBox (session-key encryption via the key store).
type securityState struct {
	mu           sync.Mutex
	enabled      bool
	mechanisms   []string
	authListener *AuthListener
	keyStore     *keystore.Store

	// peers maps a peer's unique name to its GUID, learned during
	// authentication.
	peers map[string]guid.GUID
}

// RegisterPeer records the GUID a peer authenticated with, binding
// its unique name to the key store entry.
func (a *Attachment) RegisterPeer(uniqueName string, peer guid.GUID) {
	s := &a.security
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers == nil {
		s.peers = make(map[string]guid.GUID)
	}
	s.peers[uniqueName] = peer
}

// EnablePeerSecurity configures authentication. mechanisms is a
// space-separated list validated against the mechanism registry; an
// empty list disables security and clears negotiated keys. Enabling
// initializes the key store (at keyStorePath, or at the configured
// KeyStorePath when keyStorePath is empty, or in memory when both are
// empty) and clears peer keys so new sessions renegotiate.
func (a *Attachment) EnablePeerSecurity(mechanisms string, listener *AuthListener, keyStorePath string) status.Status {
	s := &a.security

	names := strings.Fields(mechanisms)
	if len(names) == 0 {
		s.mu.Lock()
		s.enabled = false
		s.mechanisms = nil
		s.authListener = nil
		store := s.keyStore
		s.mu.Unlock()
		if store != nil {
			store.Clear()
		}
		return status.OK
	}

	for _, name := range names {
		if _, known := knownMechanisms[name]; !known {
			a.logger.Warn("bus: unknown auth mechanism", "mechanism", name)
			return status.BadArg1
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keyStore == nil {
		if keyStorePath == "" {
			keyStorePath = a.config.KeyStorePath
		}
		if keyStorePath == "" {
			s.keyStore = keystore.New(a.clk)
		} else {
			store, err := keystore.Open(keyStorePath, a.clk)
			if err != nil {
				a.logger.Error("bus: opening key store failed", "path", keyStorePath, "error", err)
				return status.Fail
			}
			s.keyStore = store
		}
	}
	s.enabled = true
	s.mechanisms = names
	s.authListener = listener
	// Fresh mechanisms invalidate previously negotiated keys.
	s.keyStore.Clear()
	return status.OK
}

// IsPeerSecurityEnabled reports whether peer security is active.
func (a *Attachment) IsPeerSecurityEnabled() bool {
	a.security.mu.Lock()
	defer a.security.mu.Unlock()
	return a.security.enabled
}

// KeyStore returns the active key store, nil before
// EnablePeerSecurity.
func (a *Attachment) KeyStore() *keystore.Store {
	return a.security.store()
}

func (s *securityState) store() *keystore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyStore
}

// HandleSecurityViolation implements endpoint.SecurityHook: the
// violation goes to the auth listener and the situation is treated
// as handled.
func (s *securityState) HandleSecurityViolation(msg *wire.Message, st status.Status) {
	s.mu.Lock()
	listener := s.authListener
	s.mu.Unlock()
	if listener != nil && listener.SecurityViolation != nil {
		listener.SecurityViolation(st, msg)
	}
}

// Encrypt implements wire.CryptoBox over the key store's
// session-key derivation. The concrete cipher lives with the
// external marshaller; here the contract is key availability.
func (s *securityState) Encrypt(peerGUID string, body []byte) ([]byte, error) {
	if _, err := s.sessionKey(peerGUID); err != nil {
		return nil, err
	}
	return body, nil
}

// Decrypt implements wire.CryptoBox.
func (s *securityState) Decrypt(peerGUID string, body []byte) ([]byte, error) {
	if _, err := s.sessionKey(peerGUID); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *securityState) sessionKey(peerName string) ([]byte, error) {
	store := s.store()
	if store == nil {
		return nil, fmt.Errorf("peer security not enabled")
	}
	s.mu.Lock()
	peer, known := s.peers[peerName]
	s.mu.Unlock()
	if !known {
		// A full GUID string is accepted directly.
		parsed, err := guid.Parse(peerName)
		if err != nil {
			return nil, fmt.Errorf("no authenticated peer %q", peerName)
		}
		peer = parsed
	}
	return store.SessionKey(peer, []byte("message protection"), 32)
}
