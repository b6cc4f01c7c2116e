// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "testing"

func TestIsLegalBusName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"well_known", "org.alljoyn.Bus", true},
		{"two_segments", "sample.door", true},
		{"unique", ":1.42", true},
		{"unique_guid", ":abcd1234.2", true},
		{"hyphen", "com.example.my-app", true},
		{"empty", "", false},
		{"single_segment", "org", false},
		{"leading_digit_segment", "org.1alljoyn", false},
		{"empty_segment", "org..Bus", false},
		{"bare_colon", ":", false},
		{"illegal_char", "org.all joyn", false},
	}
	for _, test := range tests {
		if got := IsLegalBusName(test.input); got != test.want {
			t.Errorf("%s: IsLegalBusName(%q) = %v, want %v", test.name, test.input, got, test.want)
		}
	}
}

func TestIsLegalObjectPath(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"/", true},
		{"/door", true},
		{"/a/b/c", true},
		{"/org/alljoyn/Bus", true},
		{"", false},
		{"door", false},
		{"/door/", false},
		{"//door", false},
		{"/door front", false},
		{"/door.front", false},
	}
	for _, test := range tests {
		if got := IsLegalObjectPath(test.input); got != test.want {
			t.Errorf("IsLegalObjectPath(%q) = %v, want %v", test.input, got, test.want)
		}
	}
}

func TestIsLegalInterfaceName(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"sample.secure.Door", true},
		{"x.y", true},
		{"org.alljoyn.Bus.Application", true},
		{"", false},
		{"door", false},
		{".door", false},
		{"door.", false},
		{"a.1b", false},
		{"a.b-c", false},
	}
	for _, test := range tests {
		if got := IsLegalInterfaceName(test.input); got != test.want {
			t.Errorf("IsLegalInterfaceName(%q) = %v, want %v", test.input, got, test.want)
		}
	}
}

func TestIsLegalMemberName(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"Open", true},
		{"get_state2", true},
		{"", false},
		{"2fast", false},
		{"open.door", false},
	}
	for _, test := range tests {
		if got := IsLegalMemberName(test.input); got != test.want {
			t.Errorf("IsLegalMemberName(%q) = %v, want %v", test.input, got, test.want)
		}
	}
}
