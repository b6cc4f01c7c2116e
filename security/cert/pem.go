// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package cert

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// PEM block types used by the identity material.
const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypeECPrivate   = "EC PRIVATE KEY"
	pemTypePublicKey   = "PUBLIC KEY"
)

// EncodePEM wraps the certificate's DER in a CERTIFICATE banner.
func (c *Certificate) EncodePEM() ([]byte, error) {
	der, err := c.EncodeDER()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der}), nil
}

// DecodePEM parses the first CERTIFICATE block in data.
func DecodePEM(data []byte) (*Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no certificate block found")
		}
		if block.Type == pemTypeCertificate {
			return DecodeDER(block.Bytes)
		}
	}
}

// DecodeChain extracts up to max consecutive certificates from a PEM
// blob. Decoding stops at the first non-certificate block or parse
// failure after at least one certificate.
func DecodeChain(data []byte, max int) ([]*Certificate, error) {
	var chain []*Certificate
	for len(chain) < max {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil || block.Type != pemTypeCertificate {
			break
		}
		certificate, err := DecodeDER(block.Bytes)
		if err != nil {
			if len(chain) > 0 {
				break
			}
			return nil, fmt.Errorf("decoding chain certificate: %w", err)
		}
		chain = append(chain, certificate)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no certificates in chain")
	}
	return chain, nil
}

// EncodePrivateKeyPEM serializes an EC private key with its banner.
func EncodePrivateKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeECPrivate, Bytes: der}), nil
}

// DecodePrivateKeyPEM parses an EC PRIVATE KEY block.
func DecodePrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypeECPrivate {
		return nil, fmt.Errorf("no EC private key block found")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return key, nil
}

// EncodePublicKeyPEM serializes a public key with its banner.
func EncodePublicKeyPEM(key *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: der}), nil
}

// DecodePublicKeyPEM parses a PUBLIC KEY block holding an ECDSA key.
func DecodePublicKeyPEM(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePublicKey {
		return nil, fmt.Errorf("no public key block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want *ecdsa.PublicKey", parsed)
	}
	return key, nil
}
