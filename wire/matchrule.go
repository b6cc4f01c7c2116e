// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MatchRule is a conjunction of literal equalities over message
// header fields, used to route signals to handlers and to tell the
// router which signals to forward. The canonical wire form is a
// comma-separated list of key='value' terms:
//
//	type='signal',interface='org.alljoyn.Bus',member='SessionLost'
//
// Supported keys: type, sender, interface, member, path, destination,
// sessionless, implements, and arg0 through arg9. The implements
// predicate is evaluated against an announcement's interface list
// rather than a header field.
type MatchRule struct {
	// Type matches the message type name ("signal", "method_call",
	// "method_return", "error"). Empty matches any type.
	Type string

	// Sender, Interface, Member, Path, Destination match the
	// corresponding header fields literally. Empty fields match
	// anything.
	Sender      string
	Interface   string
	Member      string
	Path        string
	Destination string

	// Sessionless is "t", "f", or empty. "t" matches only
	// sessionless signals; "f" only session-bound ones.
	Sessionless string

	// Implements names an interface the announcement must carry.
	Implements string

	// Args matches string-typed arguments by position (key argN).
	// Positions without an entry match anything.
	Args map[int]string
}

// ParseMatchRule parses the canonical key='value' form.
func ParseMatchRule(text string) (MatchRule, error) {
	rule := MatchRule{}
	for _, term := range splitTerms(text) {
		if term == "" {
			continue
		}
		key, value, ok := strings.Cut(term, "=")
		if !ok {
			return MatchRule{}, fmt.Errorf("match rule term %q: missing '='", term)
		}
		if len(value) < 2 || value[0] != '\'' || value[len(value)-1] != '\'' {
			return MatchRule{}, fmt.Errorf("match rule term %q: value must be quoted", term)
		}
		value = value[1 : len(value)-1]
		switch {
		case key == "type":
			rule.Type = value
		case key == "sender":
			rule.Sender = value
		case key == "interface":
			rule.Interface = value
		case key == "member":
			rule.Member = value
		case key == "path":
			rule.Path = value
		case key == "destination":
			rule.Destination = value
		case key == "sessionless":
			if value != "t" && value != "f" {
				return MatchRule{}, fmt.Errorf("match rule sessionless=%q: want 't' or 'f'", value)
			}
			rule.Sessionless = value
		case key == "implements":
			rule.Implements = value
		case strings.HasPrefix(key, "arg"):
			n, err := strconv.Atoi(key[3:])
			if err != nil || n < 0 || n > 9 {
				return MatchRule{}, fmt.Errorf("match rule key %q: arg index must be 0-9", key)
			}
			if rule.Args == nil {
				rule.Args = make(map[int]string)
			}
			rule.Args[n] = value
		default:
			return MatchRule{}, fmt.Errorf("match rule key %q: unknown key", key)
		}
	}
	return rule, nil
}

// splitTerms splits on commas outside single quotes.
func splitTerms(text string) []string {
	var terms []string
	var current strings.Builder
	inQuote := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			current.WriteByte(c)
		case c == ',' && !inQuote:
			terms = append(terms, current.String())
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	terms = append(terms, current.String())
	return terms
}

// String renders the canonical wire form. Terms appear in a fixed
// order so equal rules render identically.
func (r MatchRule) String() string {
	var terms []string
	add := func(key, value string) {
		if value != "" {
			terms = append(terms, key+"='"+value+"'")
		}
	}
	add("type", r.Type)
	add("sender", r.Sender)
	add("interface", r.Interface)
	add("member", r.Member)
	add("path", r.Path)
	add("destination", r.Destination)
	add("sessionless", r.Sessionless)
	add("implements", r.Implements)

	indices := make([]int, 0, len(r.Args))
	for n := range r.Args {
		indices = append(indices, n)
	}
	sort.Ints(indices)
	for _, n := range indices {
		add("arg"+strconv.Itoa(n), r.Args[n])
	}
	return strings.Join(terms, ",")
}

// Matches reports whether msg satisfies every literal term of the
// rule. The implements term is ignored here; announcement routing
// evaluates it with MatchesAnnouncement.
func (r MatchRule) Matches(msg *Message) bool {
	if r.Type != "" && r.Type != msg.Type.String() {
		return false
	}
	if r.Sender != "" && r.Sender != msg.Sender {
		return false
	}
	if r.Interface != "" && r.Interface != msg.Interface {
		return false
	}
	if r.Member != "" && r.Member != msg.Member {
		return false
	}
	if r.Path != "" && r.Path != msg.Path {
		return false
	}
	if r.Destination != "" && r.Destination != msg.Destination {
		return false
	}
	if r.Sessionless == "t" && !msg.IsSessionless() {
		return false
	}
	if r.Sessionless == "f" && msg.IsSessionless() {
		return false
	}
	for n, want := range r.Args {
		if n >= len(msg.Args) {
			return false
		}
		got, ok := msg.Args[n].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// MatchesAnnouncement evaluates the implements predicate against an
// announcement's interface list. Rules without an implements term
// match every announcement.
func (r MatchRule) MatchesAnnouncement(interfaces []string) bool {
	if r.Implements == "" {
		return true
	}
	for _, iface := range interfaces {
		if iface == r.Implements {
			return true
		}
	}
	return false
}
