// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/meshbus-foundation/meshbus/lib/clock"
)

// ASN.1 object identifiers used by the identity certificate profile.
var (
	oidSignatureECDSAWithSHA256  = []int{1, 2, 840, 10045, 4, 3, 2}
	oidPublicKeyECDSA            = []int{1, 2, 840, 10045, 2, 1}
	oidNamedCurveP256            = []int{1, 2, 840, 10045, 3, 1, 7}
	oidAttributeOU               = []int{2, 5, 4, 11}
	oidAttributeCN               = []int{2, 5, 4, 3}
	oidExtensionBasicConstraints = []int{2, 5, 29, 19}
)

// generalizedTimeThreshold is the first year encoded as
// GeneralizedTime. Validity years at or below 2049 use UTCTime.
const generalizedTimeThreshold = 2050

// DistinguishedName is the two-attribute DN of the identity profile:
// organizational unit and common name. Either may be empty; empty
// attributes are omitted from the encoding.
type DistinguishedName struct {
	OU string
	CN string
}

// Certificate is an X.509 v3 ECDSA-P256 identity certificate. Only
// the fields of the identity profile are modeled; unknown extensions
// are tolerated during decode and dropped.
type Certificate struct {
	// SerialNumber is the certificate serial, big-endian.
	SerialNumber []byte

	// Issuer and Subject are the profile's two-attribute DNs.
	Issuer  DistinguishedName
	Subject DistinguishedName

	// NotBefore and NotAfter bound validity, in seconds since the
	// Unix epoch. Both bounds are inclusive.
	NotBefore int64
	NotAfter  int64

	// PublicKey is the subject's P-256 public key.
	PublicKey *ecdsa.PublicKey

	// IsCA is the basic-constraints CA flag.
	IsCA bool

	// r, s hold the ECDSA signature after Sign or Decode.
	r, s *big.Int

	// rawTBS holds the TBS bytes exactly as DecodeDER read them; nil
	// for a certificate signed locally.
	rawTBS []byte
}

// IsSigned reports whether the certificate carries a signature.
func (c *Certificate) IsSigned() bool { return c.r != nil && c.s != nil }

// Sign serializes the TBS, signs it with ECDSA-P256-SHA256, and
// stores the (r, s) pair.
func (c *Certificate) Sign(key *ecdsa.PrivateKey) error {
	if key == nil || key.Curve != elliptic.P256() {
		return fmt.Errorf("signing key must be ECDSA P-256")
	}
	tbs, err := c.encodeTBS()
	if err != nil {
		return fmt.Errorf("encoding tbs: %w", err)
	}
	digest := sha256.Sum256(tbs)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return fmt.Errorf("signing certificate: %w", err)
	}
	c.r, c.s = r, s
	c.rawTBS = nil
	return nil
}

// Verify checks the stored signature against key over the TBS bytes:
// the bytes DecodeDER read for a decoded certificate, or the encoding
// of the current fields for a certificate signed locally.
func (c *Certificate) Verify(key *ecdsa.PublicKey) error {
	if !c.IsSigned() {
		return fmt.Errorf("certificate is not signed")
	}
	tbs := c.rawTBS
	if tbs == nil {
		var err error
		if tbs, err = c.encodeTBS(); err != nil {
			return fmt.Errorf("encoding tbs: %w", err)
		}
	}
	digest := sha256.Sum256(tbs)
	if !ecdsa.Verify(key, digest[:], c.r, c.s) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// VerifyValidity checks the current time against the validity
// window. Both bounds are inclusive: a certificate is valid at
// exactly NotBefore and at exactly NotAfter.
func (c *Certificate) VerifyValidity(clk clock.Clock) error {
	now := clk.Now().Unix()
	if now < c.NotBefore {
		return fmt.Errorf("certificate not valid before %d (now %d)", c.NotBefore, now)
	}
	if now > c.NotAfter {
		return fmt.Errorf("certificate expired at %d (now %d)", c.NotAfter, now)
	}
	return nil
}

// EncodeDER serializes the signed certificate. The encoding is
// deterministic: the same certificate always produces identical
// bytes, so decode/re-encode round-trips are byte-stable.
func (c *Certificate) EncodeDER() ([]byte, error) {
	if !c.IsSigned() {
		return nil, fmt.Errorf("certificate is not signed")
	}
	tbs, err := c.encodeTBS()
	if err != nil {
		return nil, err
	}

	var builder cryptobyte.Builder
	builder.AddASN1(cryptobyte_asn1.SEQUENCE, func(certificate *cryptobyte.Builder) {
		certificate.AddBytes(tbs)
		addAlgorithmIdentifier(certificate, oidSignatureECDSAWithSHA256, false)
		certificate.AddASN1BitString(encodeECDSASignature(c.r, c.s))
	})
	return builder.Bytes()
}

// encodeTBS builds the to-be-signed portion: version 3, serial,
// signature algorithm, issuer, validity, subject, subject public key
// info, and the basic-constraints extension.
func (c *Certificate) encodeTBS() ([]byte, error) {
	if c.PublicKey == nil || c.PublicKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("subject public key must be ECDSA P-256")
	}
	var builder cryptobyte.Builder
	builder.AddASN1(cryptobyte_asn1.SEQUENCE, func(tbs *cryptobyte.Builder) {
		// version [0] EXPLICIT INTEGER 2
		tbs.AddASN1(cryptobyte_asn1.Tag(0).Constructed().ContextSpecific(), func(version *cryptobyte.Builder) {
			version.AddASN1Int64(2)
		})
		tbs.AddASN1BigInt(new(big.Int).SetBytes(c.SerialNumber))
		addAlgorithmIdentifier(tbs, oidSignatureECDSAWithSHA256, false)
		addName(tbs, c.Issuer)
		tbs.AddASN1(cryptobyte_asn1.SEQUENCE, func(validity *cryptobyte.Builder) {
			addTime(validity, c.NotBefore)
			addTime(validity, c.NotAfter)
		})
		addName(tbs, c.Subject)
		addSubjectPublicKeyInfo(tbs, c.PublicKey)
		// extensions [3] EXPLICIT
		tbs.AddASN1(cryptobyte_asn1.Tag(3).Constructed().ContextSpecific(), func(wrapper *cryptobyte.Builder) {
			wrapper.AddASN1(cryptobyte_asn1.SEQUENCE, func(extensions *cryptobyte.Builder) {
				extensions.AddASN1(cryptobyte_asn1.SEQUENCE, func(ext *cryptobyte.Builder) {
					addObjectIdentifier(ext, oidExtensionBasicConstraints)
					ext.AddASN1Boolean(true) // critical
					var body cryptobyte.Builder
					body.AddASN1(cryptobyte_asn1.SEQUENCE, func(constraints *cryptobyte.Builder) {
						if c.IsCA {
							constraints.AddASN1Boolean(true)
						}
					})
					value, err := body.Bytes()
					if err != nil {
						ext.SetError(err)
						return
					}
					ext.AddASN1OctetString(value)
				})
			})
		})
	})
	return builder.Bytes()
}

// DecodeDER parses one certificate from der. Unknown extensions and
// basic-constraints path-length fields are skipped permissively.
func DecodeDER(der []byte) (*Certificate, error) {
	input := cryptobyte.String(der)
	var certificate, rawTBS, tbs cryptobyte.String
	if !input.ReadASN1(&certificate, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("malformed certificate")
	}
	if !certificate.ReadASN1Element(&rawTBS, cryptobyte_asn1.SEQUENCE) {
		return nil, fmt.Errorf("malformed tbs")
	}
	element := rawTBS
	if !element.ReadASN1(&tbs, cryptobyte_asn1.SEQUENCE) {
		return nil, fmt.Errorf("malformed tbs")
	}

	c := &Certificate{rawTBS: append([]byte(nil), rawTBS...)}

	// version [0] EXPLICIT INTEGER
	var versionWrapper cryptobyte.String
	if !tbs.ReadASN1(&versionWrapper, cryptobyte_asn1.Tag(0).Constructed().ContextSpecific()) {
		return nil, fmt.Errorf("missing version")
	}
	var version int64
	if !versionWrapper.ReadASN1Integer(&version) || version != 2 {
		return nil, fmt.Errorf("unsupported certificate version %d", version)
	}

	serial := new(big.Int)
	if !tbs.ReadASN1Integer(serial) {
		return nil, fmt.Errorf("malformed serial")
	}
	c.SerialNumber = serial.Bytes()

	if err := skipAlgorithmIdentifier(&tbs); err != nil {
		return nil, err
	}

	issuer, err := readName(&tbs)
	if err != nil {
		return nil, fmt.Errorf("reading issuer: %w", err)
	}
	c.Issuer = issuer

	var validity cryptobyte.String
	if !tbs.ReadASN1(&validity, cryptobyte_asn1.SEQUENCE) {
		return nil, fmt.Errorf("malformed validity")
	}
	if c.NotBefore, err = readTime(&validity); err != nil {
		return nil, fmt.Errorf("reading notBefore: %w", err)
	}
	if c.NotAfter, err = readTime(&validity); err != nil {
		return nil, fmt.Errorf("reading notAfter: %w", err)
	}

	subject, err := readName(&tbs)
	if err != nil {
		return nil, fmt.Errorf("reading subject: %w", err)
	}
	c.Subject = subject

	if c.PublicKey, err = readSubjectPublicKeyInfo(&tbs); err != nil {
		return nil, err
	}

	// extensions [3] EXPLICIT, optional
	var extWrapper cryptobyte.String
	var hasExtensions bool
	if !tbs.ReadOptionalASN1(&extWrapper, &hasExtensions, cryptobyte_asn1.Tag(3).Constructed().ContextSpecific()) {
		return nil, fmt.Errorf("malformed extensions")
	}
	if hasExtensions {
		if err := c.readExtensions(extWrapper); err != nil {
			return nil, err
		}
	}

	if err := skipAlgorithmIdentifier(&certificate); err != nil {
		return nil, err
	}
	var signature []byte
	if !certificate.ReadASN1BitStringAsBytes(&signature) {
		return nil, fmt.Errorf("malformed signature")
	}
	if c.r, c.s, err = decodeECDSASignature(signature); err != nil {
		return nil, err
	}
	return c, nil
}

// readExtensions scans the extension list for basic constraints.
// Everything else is skipped.
func (c *Certificate) readExtensions(wrapper cryptobyte.String) error {
	var extensions cryptobyte.String
	if !wrapper.ReadASN1(&extensions, cryptobyte_asn1.SEQUENCE) {
		return fmt.Errorf("malformed extension list")
	}
	for !extensions.Empty() {
		var ext cryptobyte.String
		if !extensions.ReadASN1(&ext, cryptobyte_asn1.SEQUENCE) {
			return fmt.Errorf("malformed extension")
		}
		oid, err := readObjectIdentifier(&ext)
		if err != nil {
			return err
		}
		// critical flag, optional
		var critical bool
		if ext.PeekASN1Tag(cryptobyte_asn1.BOOLEAN) {
			if !ext.ReadASN1Boolean(&critical) {
				return fmt.Errorf("malformed critical flag")
			}
		}
		var value cryptobyte.String
		if !ext.ReadASN1(&value, cryptobyte_asn1.OCTET_STRING) {
			return fmt.Errorf("malformed extension value")
		}
		if !oidEqual(oid, oidExtensionBasicConstraints) {
			continue
		}
		var constraints cryptobyte.String
		if !value.ReadASN1(&constraints, cryptobyte_asn1.SEQUENCE) {
			return fmt.Errorf("malformed basic constraints")
		}
		if constraints.PeekASN1Tag(cryptobyte_asn1.BOOLEAN) {
			if !constraints.ReadASN1Boolean(&c.IsCA) {
				return fmt.Errorf("malformed CA flag")
			}
		}
		// Path length and anything after it are parsed permissively
		// and not enforced.
	}
	return nil
}

// addTime encodes epochSeconds as UTCTime for years up to 2049 and
// GeneralizedTime from 2050 on.
func addTime(builder *cryptobyte.Builder, epochSeconds int64) {
	t := time.Unix(epochSeconds, 0).UTC()
	if t.Year() < generalizedTimeThreshold {
		builder.AddASN1(cryptobyte_asn1.UTCTime, func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(t.Format("060102150405Z")))
		})
	} else {
		builder.AddASN1(cryptobyte_asn1.GeneralizedTime, func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(t.Format("20060102150405Z")))
		})
	}
}

func readTime(validity *cryptobyte.String) (int64, error) {
	var body cryptobyte.String
	switch {
	case validity.PeekASN1Tag(cryptobyte_asn1.UTCTime):
		if !validity.ReadASN1(&body, cryptobyte_asn1.UTCTime) {
			return 0, fmt.Errorf("malformed UTCTime")
		}
		t, err := time.Parse("060102150405Z", string(body))
		if err != nil {
			return 0, fmt.Errorf("parsing UTCTime: %w", err)
		}
		return t.Unix(), nil
	case validity.PeekASN1Tag(cryptobyte_asn1.GeneralizedTime):
		if !validity.ReadASN1(&body, cryptobyte_asn1.GeneralizedTime) {
			return 0, fmt.Errorf("malformed GeneralizedTime")
		}
		t, err := time.Parse("20060102150405Z", string(body))
		if err != nil {
			return 0, fmt.Errorf("parsing GeneralizedTime: %w", err)
		}
		return t.Unix(), nil
	default:
		return 0, fmt.Errorf("unsupported time encoding")
	}
}

// addName encodes the profile DN: one RDN per non-empty attribute,
// OU before CN, values as UTF8String.
func addName(builder *cryptobyte.Builder, name DistinguishedName) {
	builder.AddASN1(cryptobyte_asn1.SEQUENCE, func(rdnSequence *cryptobyte.Builder) {
		addRDN := func(oid []int, value string) {
			if value == "" {
				return
			}
			rdnSequence.AddASN1(cryptobyte_asn1.SET, func(rdn *cryptobyte.Builder) {
				rdn.AddASN1(cryptobyte_asn1.SEQUENCE, func(attribute *cryptobyte.Builder) {
					addObjectIdentifier(attribute, oid)
					attribute.AddASN1(cryptobyte_asn1.UTF8String, func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(value))
					})
				})
			})
		}
		addRDN(oidAttributeOU, name.OU)
		addRDN(oidAttributeCN, name.CN)
	})
}

func readName(input *cryptobyte.String) (DistinguishedName, error) {
	var name DistinguishedName
	var rdnSequence cryptobyte.String
	if !input.ReadASN1(&rdnSequence, cryptobyte_asn1.SEQUENCE) {
		return name, fmt.Errorf("malformed name")
	}
	for !rdnSequence.Empty() {
		var rdn, attribute cryptobyte.String
		if !rdnSequence.ReadASN1(&rdn, cryptobyte_asn1.SET) ||
			!rdn.ReadASN1(&attribute, cryptobyte_asn1.SEQUENCE) {
			return name, fmt.Errorf("malformed rdn")
		}
		oid, err := readObjectIdentifier(&attribute)
		if err != nil {
			return name, err
		}
		var value cryptobyte.String
		var tag cryptobyte_asn1.Tag
		if !attribute.ReadAnyASN1(&value, &tag) {
			return name, fmt.Errorf("malformed attribute value")
		}
		switch {
		case oidEqual(oid, oidAttributeOU):
			name.OU = string(value)
		case oidEqual(oid, oidAttributeCN):
			name.CN = string(value)
		default:
			// Unknown attributes are tolerated and dropped.
		}
	}
	return name, nil
}

func addSubjectPublicKeyInfo(builder *cryptobyte.Builder, key *ecdsa.PublicKey) {
	builder.AddASN1(cryptobyte_asn1.SEQUENCE, func(spki *cryptobyte.Builder) {
		addAlgorithmIdentifier(spki, oidPublicKeyECDSA, true)
		point := elliptic.Marshal(elliptic.P256(), key.X, key.Y)
		spki.AddASN1BitString(point)
	})
}

func readSubjectPublicKeyInfo(input *cryptobyte.String) (*ecdsa.PublicKey, error) {
	var spki cryptobyte.String
	if !input.ReadASN1(&spki, cryptobyte_asn1.SEQUENCE) {
		return nil, fmt.Errorf("malformed subject public key info")
	}
	if err := skipAlgorithmIdentifier(&spki); err != nil {
		return nil, err
	}
	var point []byte
	if !spki.ReadASN1BitStringAsBytes(&point) {
		return nil, fmt.Errorf("malformed public key bit string")
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), point)
	if x == nil {
		return nil, fmt.Errorf("public key is not an uncompressed P-256 point")
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// addAlgorithmIdentifier writes SEQUENCE { oid } with the P-256 named
// curve parameter when withCurve is set.
func addAlgorithmIdentifier(builder *cryptobyte.Builder, oid []int, withCurve bool) {
	builder.AddASN1(cryptobyte_asn1.SEQUENCE, func(algorithm *cryptobyte.Builder) {
		addObjectIdentifier(algorithm, oid)
		if withCurve {
			addObjectIdentifier(algorithm, oidNamedCurveP256)
		}
	})
}

func skipAlgorithmIdentifier(input *cryptobyte.String) error {
	var algorithm cryptobyte.String
	if !input.ReadASN1(&algorithm, cryptobyte_asn1.SEQUENCE) {
		return fmt.Errorf("malformed algorithm identifier")
	}
	return nil
}

func addObjectIdentifier(builder *cryptobyte.Builder, oid []int) {
	builder.AddASN1(cryptobyte_asn1.OBJECT_IDENTIFIER, func(b *cryptobyte.Builder) {
		b.AddBytes(marshalOID(oid))
	})
}

func readObjectIdentifier(input *cryptobyte.String) ([]int, error) {
	var body cryptobyte.String
	if !input.ReadASN1(&body, cryptobyte_asn1.OBJECT_IDENTIFIER) {
		return nil, fmt.Errorf("malformed object identifier")
	}
	return unmarshalOID(body)
}

// marshalOID encodes an OID's arc list to its DER body.
func marshalOID(oid []int) []byte {
	var out []byte
	appendBase128 := func(v int) {
		var chunk [5]byte
		i := len(chunk)
		for {
			i--
			chunk[i] = byte(v & 0x7f)
			v >>= 7
			if v == 0 {
				break
			}
		}
		for j := i; j < len(chunk); j++ {
			b := chunk[j]
			if j != len(chunk)-1 {
				b |= 0x80
			}
			out = append(out, b)
		}
	}
	appendBase128(oid[0]*40 + oid[1])
	for _, arc := range oid[2:] {
		appendBase128(arc)
	}
	return out
}

func unmarshalOID(body []byte) ([]int, error) {
	var oid []int
	value := 0
	first := true
	for i, b := range body {
		value = value<<7 | int(b&0x7f)
		if b&0x80 != 0 {
			if i == len(body)-1 {
				return nil, fmt.Errorf("truncated object identifier")
			}
			continue
		}
		if first {
			first = false
			if value < 80 {
				oid = append(oid, value/40, value%40)
			} else {
				oid = append(oid, 2, value-80)
			}
		} else {
			oid = append(oid, value)
		}
		value = 0
	}
	return oid, nil
}

func oidEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// encodeECDSASignature builds the ECDSA-Sig-Value SEQUENCE carried in
// the signature bit string.
func encodeECDSASignature(r, s *big.Int) []byte {
	var builder cryptobyte.Builder
	builder.AddASN1(cryptobyte_asn1.SEQUENCE, func(signature *cryptobyte.Builder) {
		signature.AddASN1BigInt(r)
		signature.AddASN1BigInt(s)
	})
	out, err := builder.Bytes()
	if err != nil {
		// r and s are always encodable integers.
		panic("cert: signature encoding failed: " + err.Error())
	}
	return out
}

func decodeECDSASignature(der []byte) (r, s *big.Int, err error) {
	input := cryptobyte.String(der)
	var signature cryptobyte.String
	if !input.ReadASN1(&signature, cryptobyte_asn1.SEQUENCE) {
		return nil, nil, fmt.Errorf("malformed signature sequence")
	}
	r, s = new(big.Int), new(big.Int)
	if !signature.ReadASN1Integer(r) || !signature.ReadASN1Integer(s) {
		return nil, nil, fmt.Errorf("malformed signature integers")
	}
	return r, s, nil
}
