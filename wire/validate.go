// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "strings"

// MaxNameLength bounds bus names, interface names, and member names,
// per the DBus specification.
const MaxNameLength = 255

// IsLegalBusName reports whether name is a legal bus name: either a
// unique name (":" followed by dot-separated segments that may start
// with a digit) or a well-known name (two or more dot-separated
// segments of [A-Za-z0-9_-], not starting with a digit).
func IsLegalBusName(name string) bool {
	if name == "" || len(name) > MaxNameLength {
		return false
	}
	unique := strings.HasPrefix(name, ":")
	body := name
	if unique {
		body = name[1:]
	}
	segments := strings.Split(body, ".")
	if len(segments) < 2 && !unique {
		return false
	}
	if unique && body == "" {
		return false
	}
	for _, segment := range segments {
		if segment == "" {
			return false
		}
		for i := 0; i < len(segment); i++ {
			c := segment[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == '-':
			case c >= '0' && c <= '9':
				if i == 0 && !unique {
					return false
				}
			default:
				return false
			}
		}
	}
	return true
}

// IsLegalObjectPath reports whether path is a legal object path: "/"
// or "/" followed by slash-separated non-empty segments of
// [A-Za-z0-9_], no trailing slash.
func IsLegalObjectPath(path string) bool {
	if path == "" || path[0] != '/' {
		return false
	}
	if path == "/" {
		return true
	}
	if strings.HasSuffix(path, "/") {
		return false
	}
	for _, segment := range strings.Split(path[1:], "/") {
		if segment == "" {
			return false
		}
		for i := 0; i < len(segment); i++ {
			c := segment[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			default:
				return false
			}
		}
	}
	return true
}

// IsLegalInterfaceName reports whether name is a legal interface
// name: two or more dot-separated segments of [A-Za-z0-9_], segments
// not starting with a digit.
func IsLegalInterfaceName(name string) bool {
	if name == "" || len(name) > MaxNameLength {
		return false
	}
	segments := strings.Split(name, ".")
	if len(segments) < 2 {
		return false
	}
	for _, segment := range segments {
		if segment == "" {
			return false
		}
		for i := 0; i < len(segment); i++ {
			c := segment[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
			case c >= '0' && c <= '9':
				if i == 0 {
					return false
				}
			default:
				return false
			}
		}
	}
	return true
}

// IsLegalMemberName reports whether name is a legal method or signal
// name: non-empty, [A-Za-z0-9_], not starting with a digit.
func IsLegalMemberName(name string) bool {
	if name == "" || len(name) > MaxNameLength {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// IsLegalErrorName reports whether name is a legal error name. Error
// names share the interface-name grammar.
func IsLegalErrorName(name string) bool {
	return IsLegalInterfaceName(name)
}
