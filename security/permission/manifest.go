// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/meshbus-foundation/meshbus/lib/codec"
	"github.com/meshbus-foundation/meshbus/wire"
)

// Action is the permission action mask.
type Action uint8

const (
	// ActionProvide allows serving the member.
	ActionProvide Action = 1 << iota
	// ActionObserve allows receiving signals and reading properties.
	ActionObserve
	// ActionModify allows calling methods and writing properties.
	ActionModify
)

// MemberType narrows a rule member to one member kind.
type MemberType int

const (
	// MemberAny matches methods, signals, and properties alike.
	MemberAny MemberType = iota
	// MemberMethod matches methods only.
	MemberMethod
	// MemberSignal matches signals only.
	MemberSignal
	// MemberProperty matches properties only.
	MemberProperty
)

// RuleMember grants actions on members matching Name (with "*" as
// the trailing wildcard) and Type.
type RuleMember struct {
	Name    string     `json:"name"`
	Type    MemberType `json:"type,omitempty"`
	Actions Action     `json:"actions"`
}

// Rule grants member permissions on one interface. An empty
// Interface (or "*") applies to every interface.
type Rule struct {
	Interface string       `json:"interface"`
	Members   []RuleMember `json:"members"`
}

// ManifestTemplate is the rule set the application is willing to
// grant at claim time. The CA derives the enforced policy from it.
type ManifestTemplate []Rule

// DefaultProducerManifest grants provide on all method and property
// members, the standard template for an application that serves
// secure interfaces.
func DefaultProducerManifest() ManifestTemplate {
	return ManifestTemplate{{
		Interface: "*",
		Members: []RuleMember{
			{Name: "*", Type: MemberMethod, Actions: ActionProvide},
			{Name: "*", Type: MemberProperty, Actions: ActionProvide},
		},
	}}
}

// DefaultConsumerManifest grants modify and observe on all members,
// the standard template for a client application.
func DefaultConsumerManifest() ManifestTemplate {
	return ManifestTemplate{{
		Interface: "*",
		Members: []RuleMember{
			{Name: "*", Type: MemberAny, Actions: ActionModify | ActionObserve},
		},
	}}
}

// Validate checks structural constraints: every rule needs at least
// one member, a member needs a name and a non-empty action mask, and
// a non-wildcard interface name must be legal.
func (m ManifestTemplate) Validate() error {
	for i, rule := range m {
		if rule.Interface != "" && rule.Interface != "*" && !wire.IsLegalInterfaceName(rule.Interface) {
			return fmt.Errorf("rule %d: illegal interface name %q", i, rule.Interface)
		}
		if len(rule.Members) == 0 {
			return fmt.Errorf("rule %d: no members", i)
		}
		for j, member := range rule.Members {
			if member.Name == "" {
				return fmt.Errorf("rule %d member %d: empty name", i, j)
			}
			if member.Actions == 0 {
				return fmt.Errorf("rule %d member %d: empty action mask", i, j)
			}
			if member.Actions > ActionProvide|ActionObserve|ActionModify {
				return fmt.Errorf("rule %d member %d: unknown action bits", i, j)
			}
		}
	}
	return nil
}

// LoadManifestTemplate reads a template from a JSONC file (JSON with
// comments and trailing commas, the on-disk authoring format).
func LoadManifestTemplate(path string) (ManifestTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest template: %w", err)
	}
	return ParseManifestTemplate(data)
}

// ParseManifestTemplate parses JSONC template bytes and validates
// the result.
func ParseManifestTemplate(data []byte) (ManifestTemplate, error) {
	var template ManifestTemplate
	if err := json.Unmarshal(jsonc.ToJSON(data), &template); err != nil {
		return nil, fmt.Errorf("parsing manifest template: %w", err)
	}
	if err := template.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest template: %w", err)
	}
	return template, nil
}

// Policy is the enforced rule set installed by the certificate
// authority during claiming. Unlike the template (what the
// application offers), the policy is what actually gates access.
type Policy struct {
	// Version increases with every policy update; stale versions
	// are rejected.
	Version uint32 `cbor:"version" json:"version"`

	// Rules is the enforced rule set.
	Rules []Rule `cbor:"rules" json:"rules"`
}

// IsAllowed reports whether the policy grants the action on
// (interface, member) for the given member type.
func (p *Policy) IsAllowed(ifaceName, member string, memberType MemberType, action Action) bool {
	for _, rule := range p.Rules {
		if rule.Interface != "" && rule.Interface != "*" && rule.Interface != ifaceName {
			continue
		}
		for _, ruleMember := range rule.Members {
			if ruleMember.Type != MemberAny && memberType != MemberAny && ruleMember.Type != memberType {
				continue
			}
			if !memberNameMatches(ruleMember.Name, member) {
				continue
			}
			if ruleMember.Actions&action == action {
				return true
			}
		}
	}
	return false
}

// memberNameMatches implements the trailing-wildcard match: "*"
// matches everything, "Get*" matches any member starting with Get.
func memberNameMatches(pattern, member string) bool {
	if pattern == "*" {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		return len(member) >= n-1 && member[:n-1] == pattern[:n-1]
	}
	return pattern == member
}

// SignedPolicy is a policy plus the authority's ECDSA signature over
// its deterministic CBOR encoding.
type SignedPolicy struct {
	Payload   []byte `cbor:"payload"`
	Signature []byte `cbor:"signature"`
}

// SignPolicy encodes and signs a policy with the authority key.
func SignPolicy(policy *Policy, authority *ecdsa.PrivateKey) (*SignedPolicy, error) {
	payload, err := codec.Marshal(policy)
	if err != nil {
		return nil, fmt.Errorf("encoding policy: %w", err)
	}
	digest := sha256.Sum256(payload)
	signature, err := ecdsa.SignASN1(rand.Reader, authority, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing policy: %w", err)
	}
	return &SignedPolicy{Payload: payload, Signature: signature}, nil
}

// Verify checks the signature and decodes the policy.
func (s *SignedPolicy) Verify(authority *ecdsa.PublicKey) (*Policy, error) {
	if err := verifySignature(authority, s.Payload, s.Signature); err != nil {
		return nil, err
	}
	policy := &Policy{}
	if err := codec.Unmarshal(s.Payload, policy); err != nil {
		return nil, fmt.Errorf("decoding policy: %w", err)
	}
	return policy, nil
}
