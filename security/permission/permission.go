// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/meshbus-foundation/meshbus/lib/codec"
	"github.com/meshbus-foundation/meshbus/security/cert"
	"github.com/meshbus-foundation/meshbus/status"
)

// ApplicationState is the security posture of the application.
type ApplicationState int

const (
	// NotClaimable: security is enabled but the application refuses
	// claiming.
	NotClaimable ApplicationState = iota
	// Claimable: ready for the one-time claim ceremony.
	Claimable
	// Claimed: a certificate authority installed a policy.
	Claimed
	// NeedUpdate: the application requests a policy or identity
	// refresh from its authority.
	NeedUpdate
)

func (s ApplicationState) String() string {
	switch s {
	case NotClaimable:
		return "not-claimable"
	case Claimable:
		return "claimable"
	case Claimed:
		return "claimed"
	case NeedUpdate:
		return "need-update"
	default:
		return "unknown"
	}
}

// ClaimCapability is the bitmask of bootstrap authentication
// mechanisms acceptable for claiming.
type ClaimCapability uint16

const (
	// CapableECDHENull accepts unauthenticated ECDHE claiming.
	CapableECDHENull ClaimCapability = 1 << iota
	// CapableECDHEPSK accepts pre-shared-key claiming.
	CapableECDHEPSK
	// CapableECDHESPEKE accepts password-based SPEKE claiming.
	CapableECDHESPEKE
)

// Listener observes permission configuration changes. All callbacks
// are optional.
type Listener struct {
	FactoryReset    func()
	PolicyChanged   func()
	StartManagement func()
	EndManagement   func()
}

// speke secret constraints: the password-based claim path requires
// the application to expose a generated secret of at least six hex
// digits.
const (
	spekeSecretMinDigits = 6
	spekeSecretDigits    = 16
)

// Configurator is the permission/claim state machine: application
// state, claim capabilities, the manifest template the application
// offers, and the CA-installed policy. State persists in a bbolt
// database when a path is supplied.
type Configurator struct {
	mu           sync.Mutex
	state        ApplicationState
	capabilities ClaimCapability
	manifest     ManifestTemplate
	policy       *Policy
	identity     []*cert.Certificate
	listeners    []Listener
	managing     bool
	stopped      bool
	stateChanged *sync.Cond

	db *bolt.DB
}

var (
	bucketPermission = []byte("permission")
	keyState         = []byte("state")
	keyManifest      = []byte("manifest")
	keyPolicy        = []byte("policy")
	keyIdentity      = []byte("identity")
)

// NewConfigurator builds a Configurator. A non-empty dbPath persists
// state across restarts.
func NewConfigurator(dbPath string) (*Configurator, error) {
	c := &Configurator{state: NotClaimable}
	c.stateChanged = sync.NewCond(&c.mu)

	if dbPath != "" {
		db, err := bolt.Open(dbPath, 0o600, nil)
		if err != nil {
			return nil, fmt.Errorf("opening permission store: %w", err)
		}
		c.db = db
		if err := c.loadPersisted(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return c, nil
}

// Close releases the persistence handle and wakes waiters with
// Stopping.
func (c *Configurator) Close() error {
	c.mu.Lock()
	c.stopped = true
	c.stateChanged.Broadcast()
	db := c.db
	c.db = nil
	c.mu.Unlock()
	if db != nil {
		return db.Close()
	}
	return nil
}

// AddListener registers a configuration listener.
func (c *Configurator) AddListener(listener Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// State returns the current application state.
func (c *Configurator) State() ApplicationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState requests a state transition. Moving from Claimed back to
// Claimable is forbidden (factory reset is the only path); an
// application may always move itself to NeedUpdate while claimed.
func (c *Configurator) SetState(next ApplicationState) status.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	allowed := false
	switch c.state {
	case NotClaimable:
		allowed = next == Claimable || next == NotClaimable
	case Claimable:
		allowed = next == NotClaimable || next == Claimable
	case Claimed:
		allowed = next == NeedUpdate || next == Claimed
	case NeedUpdate:
		allowed = next == Claimed || next == NeedUpdate
	}
	if !allowed {
		return status.InvalidApplicationState
	}
	c.setStateLocked(next)
	return status.OK
}

func (c *Configurator) setStateLocked(next ApplicationState) {
	c.state = next
	c.persistLocked()
	c.stateChanged.Broadcast()
}

// SetClaimCapabilities declares the acceptable bootstrap mechanisms.
// Only meaningful before claiming.
func (c *Configurator) SetClaimCapabilities(capabilities ClaimCapability) status.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Claimed || c.state == NeedUpdate {
		return status.InvalidApplicationState
	}
	c.capabilities = capabilities
	c.persistLocked()
	return status.OK
}

// ClaimCapabilities returns the declared bitmask.
func (c *Configurator) ClaimCapabilities() ClaimCapability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// SetManifestTemplate installs the template the application is
// willing to grant, and makes a not-claimable application claimable.
func (c *Configurator) SetManifestTemplate(template ManifestTemplate) status.Status {
	if err := template.Validate(); err != nil {
		return status.BadArg1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manifest = template
	if c.state == NotClaimable {
		c.setStateLocked(Claimable)
	} else {
		c.persistLocked()
	}
	return status.OK
}

// Manifest returns the offered template.
func (c *Configurator) Manifest() ManifestTemplate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(ManifestTemplate(nil), c.manifest...)
}

// Claim performs the one-time bootstrap: validates the identity
// chain the authority issued, verifies the CA-signed policy, and
// installs both, moving Claimable to Claimed. Claiming in any other
// state fails with InvalidApplicationState; an unusable identity
// chain fails with BadArg2.
func (c *Configurator) Claim(signed *SignedPolicy, identity []*cert.Certificate, authority *ecdsa.PublicKey) status.Status {
	leafKey, err := certChainPublicKey(identity)
	if err != nil || leafKey == nil {
		return status.BadArg2
	}

	c.mu.Lock()
	if c.state != Claimable {
		c.mu.Unlock()
		return status.InvalidApplicationState
	}
	policy, err := signed.Verify(authority)
	if err != nil {
		c.mu.Unlock()
		return status.NotAuthorized
	}
	c.policy = policy
	c.identity = identity
	c.setStateLocked(Claimed)
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, listener := range listeners {
		if listener.PolicyChanged != nil {
			listener.PolicyChanged()
		}
	}
	return status.OK
}

// IdentityChain returns the identity certificates installed at claim
// time, leaf first. Nil before claiming.
func (c *Configurator) IdentityChain() []*cert.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*cert.Certificate(nil), c.identity...)
}

// UpdatePolicy installs a fresh policy on a claimed (or
// need-update) application, returning it to Claimed.
func (c *Configurator) UpdatePolicy(signed *SignedPolicy, authority *ecdsa.PublicKey) status.Status {
	c.mu.Lock()
	if c.state != Claimed && c.state != NeedUpdate {
		c.mu.Unlock()
		return status.InvalidApplicationState
	}
	policy, err := signed.Verify(authority)
	if err != nil {
		c.mu.Unlock()
		return status.NotAuthorized
	}
	if c.policy != nil && policy.Version <= c.policy.Version {
		c.mu.Unlock()
		return status.InvalidData
	}
	c.policy = policy
	c.setStateLocked(Claimed)
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, listener := range listeners {
		if listener.PolicyChanged != nil {
			listener.PolicyChanged()
		}
	}
	return status.OK
}

// Policy returns the installed policy, or nil before claiming.
func (c *Configurator) Policy() *Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// FactoryReset discards the policy and identity and returns to
// Claimable. This is the only path out of Claimed.
func (c *Configurator) FactoryReset() status.Status {
	c.mu.Lock()
	c.policy = nil
	c.identity = nil
	c.setStateLocked(Claimable)
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, listener := range listeners {
		if listener.FactoryReset != nil {
			listener.FactoryReset()
		}
	}
	return status.OK
}

// StartManagement brackets a management session. A second start
// without an end fails.
func (c *Configurator) StartManagement() status.Status {
	c.mu.Lock()
	if c.managing {
		c.mu.Unlock()
		return status.InvalidApplicationState
	}
	c.managing = true
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, listener := range listeners {
		if listener.StartManagement != nil {
			listener.StartManagement()
		}
	}
	return status.OK
}

// EndManagement closes a management session.
func (c *Configurator) EndManagement() status.Status {
	c.mu.Lock()
	if !c.managing {
		c.mu.Unlock()
		return status.InvalidApplicationState
	}
	c.managing = false
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, listener := range listeners {
		if listener.EndManagement != nil {
			listener.EndManagement()
		}
	}
	return status.OK
}

// WaitForClaimedState blocks until the application reaches Claimed,
// or returns Stopping when the configurator closes first.
func (c *Configurator) WaitForClaimedState() status.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state != Claimed && !c.stopped {
		c.stateChanged.Wait()
	}
	if c.state == Claimed {
		return status.OK
	}
	return status.Stopping
}

// GenerateSPEKESecret produces the hex secret the application
// exposes for password-based claiming. Always at least the required
// six digits.
func GenerateSPEKESecret() (string, error) {
	raw := make([]byte, spekeSecretDigits/2)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating SPEKE secret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// ValidateSPEKESecret checks the minimum-length hex constraint.
func ValidateSPEKESecret(secret string) error {
	if len(secret) < spekeSecretMinDigits {
		return fmt.Errorf("SPEKE secret must be at least %d hex digits", spekeSecretMinDigits)
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return fmt.Errorf("SPEKE secret must be hex: %w", err)
	}
	return nil
}

// persistedState is the CBOR shape of the bbolt "state" value: the
// application state and the claim capabilities. The manifest, policy,
// and identity chain are stored under their own keys.
type persistedState struct {
	State        int    `cbor:"state"`
	Capabilities uint16 `cbor:"capabilities"`
}

// persistLocked writes the current state to the database. Called
// with c.mu held; no-op without persistence.
func (c *Configurator) persistLocked() {
	if c.db == nil {
		return
	}
	state, _ := codec.Marshal(persistedState{State: int(c.state), Capabilities: uint16(c.capabilities)})
	manifest, _ := codec.Marshal(c.manifest)
	var policy []byte
	if c.policy != nil {
		policy, _ = codec.Marshal(c.policy)
	}
	var identity []byte
	if len(c.identity) > 0 {
		chain := make([][]byte, 0, len(c.identity))
		for _, certificate := range c.identity {
			der, err := certificate.EncodeDER()
			if err != nil {
				continue
			}
			chain = append(chain, der)
		}
		identity, _ = codec.Marshal(chain)
	}
	c.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketPermission)
		if err != nil {
			return err
		}
		if err := bucket.Put(keyState, state); err != nil {
			return err
		}
		if err := bucket.Put(keyManifest, manifest); err != nil {
			return err
		}
		if policy != nil {
			if err := bucket.Put(keyPolicy, policy); err != nil {
				return err
			}
		} else if err := bucket.Delete(keyPolicy); err != nil {
			return err
		}
		if identity != nil {
			return bucket.Put(keyIdentity, identity)
		}
		return bucket.Delete(keyIdentity)
	})
}

// loadPersisted restores state from the database.
func (c *Configurator) loadPersisted() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPermission)
		if bucket == nil {
			return nil
		}
		if raw := bucket.Get(keyState); raw != nil {
			var state persistedState
			if err := codec.Unmarshal(raw, &state); err != nil {
				return fmt.Errorf("decoding persisted state: %w", err)
			}
			c.state = ApplicationState(state.State)
			c.capabilities = ClaimCapability(state.Capabilities)
		}
		if raw := bucket.Get(keyManifest); raw != nil {
			if err := codec.Unmarshal(raw, &c.manifest); err != nil {
				return fmt.Errorf("decoding persisted manifest: %w", err)
			}
		}
		if raw := bucket.Get(keyPolicy); raw != nil {
			c.policy = &Policy{}
			if err := codec.Unmarshal(raw, c.policy); err != nil {
				return fmt.Errorf("decoding persisted policy: %w", err)
			}
		}
		if raw := bucket.Get(keyIdentity); raw != nil {
			var chain [][]byte
			if err := codec.Unmarshal(raw, &chain); err != nil {
				return fmt.Errorf("decoding persisted identity: %w", err)
			}
			for _, der := range chain {
				certificate, err := cert.DecodeDER(der)
				if err != nil {
					return fmt.Errorf("decoding persisted identity certificate: %w", err)
				}
				c.identity = append(c.identity, certificate)
			}
		}
		return nil
	})
}

// verifySignature is shared by SignedPolicy.
func verifySignature(key *ecdsa.PublicKey, payload, signature []byte) error {
	digest := sha256.Sum256(payload)
	if !ecdsa.VerifyASN1(key, digest[:], signature) {
		return fmt.Errorf("policy signature verification failed")
	}
	return nil
}

// certChainPublicKey extracts the leaf public key of the identity
// chain installed during claiming.
func certChainPublicKey(chain []*cert.Certificate) (*ecdsa.PublicKey, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("empty identity chain")
	}
	return chain[0].PublicKey, nil
}
