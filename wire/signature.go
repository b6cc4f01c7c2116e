// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// MaxSignatureLength bounds a signature string, per the DBus
// specification.
const MaxSignatureLength = 255

// basic type codes of the signature alphabet.
const basicTypes = "bynqiuxtdsogh"

// ValidateSignature checks that signature is a sequence of complete
// types from the signature alphabet.
func ValidateSignature(signature string) error {
	if len(signature) > MaxSignatureLength {
		return fmt.Errorf("signature longer than %d bytes", MaxSignatureLength)
	}
	rest := signature
	for rest != "" {
		var err error
		if _, rest, err = nextCompleteType(rest); err != nil {
			return fmt.Errorf("signature %q: %w", signature, err)
		}
	}
	return nil
}

// SplitSignature splits signature into its complete single types, in
// order. A method with signature "sua{sv}" has three arguments.
func SplitSignature(signature string) ([]string, error) {
	var types []string
	rest := signature
	for rest != "" {
		complete, remaining, err := nextCompleteType(rest)
		if err != nil {
			return nil, fmt.Errorf("signature %q: %w", signature, err)
		}
		types = append(types, complete)
		rest = remaining
	}
	return types, nil
}

// CountArgs returns the number of complete types in signature.
func CountArgs(signature string) (int, error) {
	types, err := SplitSignature(signature)
	if err != nil {
		return 0, err
	}
	return len(types), nil
}

// nextCompleteType consumes one complete type from the front of s and
// returns it with the remainder.
func nextCompleteType(s string) (complete, rest string, err error) {
	if s == "" {
		return "", "", fmt.Errorf("empty type")
	}
	switch c := s[0]; {
	case isBasicType(c), c == 'v':
		return s[:1], s[1:], nil
	case c == 'a':
		element, rest, err := nextCompleteType(s[1:])
		if err != nil {
			return "", "", fmt.Errorf("array with no element type")
		}
		return "a" + element, rest, nil
	case c == '(':
		body := ""
		rest := s[1:]
		for {
			if rest == "" {
				return "", "", fmt.Errorf("unterminated struct")
			}
			if rest[0] == ')' {
				if body == "" {
					return "", "", fmt.Errorf("empty struct")
				}
				return "(" + body + ")", rest[1:], nil
			}
			var member string
			member, rest, err = nextCompleteType(rest)
			if err != nil {
				return "", "", err
			}
			body += member
		}
	case c == '{':
		// Dict entry: basic key type plus one value type, only legal
		// as an array element but validated structurally here.
		rest := s[1:]
		if rest == "" || !isBasicType(rest[0]) {
			return "", "", fmt.Errorf("dict entry key must be a basic type")
		}
		key := rest[:1]
		value, rest, err := nextCompleteType(rest[1:])
		if err != nil {
			return "", "", err
		}
		if rest == "" || rest[0] != '}' {
			return "", "", fmt.Errorf("unterminated dict entry")
		}
		return "{" + key + value + "}", rest[1:], nil
	default:
		return "", "", fmt.Errorf("unknown type code %q", string(s[0]))
	}
}

func isBasicType(c byte) bool {
	for i := 0; i < len(basicTypes); i++ {
		if basicTypes[i] == c {
			return true
		}
	}
	return false
}
