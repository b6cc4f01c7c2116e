// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitSignature(t *testing.T) {
	tests := []struct {
		signature string
		want      []string
		wantErr   string
	}{
		{signature: "", want: nil},
		{signature: "b", want: []string{"b"}},
		{signature: "su", want: []string{"s", "u"}},
		{signature: "sqa{sv}", want: []string{"s", "q", "a{sv}"}},
		{signature: "uua{sv}", want: []string{"u", "u", "a{sv}"}},
		{signature: "a(ssy)", want: []string{"a(ssy)"}},
		{signature: "aas", want: []string{"aas"}},
		{signature: "(u(ss))v", want: []string{"(u(ss))", "v"}},
		{signature: "h", want: []string{"h"}},
		{signature: "a", wantErr: "array with no element type"},
		{signature: "(su", wantErr: "unterminated struct"},
		{signature: "()", wantErr: "empty struct"},
		{signature: "{vs}", wantErr: "key must be a basic type"},
		{signature: "{sv", wantErr: "unterminated dict entry"},
		{signature: "z", wantErr: "unknown type code"},
	}
	for _, test := range tests {
		t.Run(test.signature, func(t *testing.T) {
			got, err := SplitSignature(test.signature)
			if test.wantErr != "" {
				if err == nil {
					t.Fatalf("SplitSignature(%q) = %v, want error containing %q", test.signature, got, test.wantErr)
				}
				if !strings.Contains(err.Error(), test.wantErr) {
					t.Fatalf("error %q does not contain %q", err, test.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("SplitSignature(%q): %v", test.signature, err)
			}
			if !reflect.DeepEqual(got, test.want) {
				t.Fatalf("SplitSignature(%q) = %v, want %v", test.signature, got, test.want)
			}
		})
	}
}

func TestCountArgs(t *testing.T) {
	n, err := CountArgs("sqa{sv}")
	if err != nil {
		t.Fatalf("CountArgs: %v", err)
	}
	if n != 3 {
		t.Fatalf("CountArgs(sqa{sv}) = %d, want 3", n)
	}
}

func TestValidateSignatureLength(t *testing.T) {
	long := strings.Repeat("s", MaxSignatureLength+1)
	if err := ValidateSignature(long); err == nil {
		t.Fatal("overlong signature validated")
	}
	ok := strings.Repeat("s", MaxSignatureLength)
	if err := ValidateSignature(ok); err != nil {
		t.Fatalf("max-length signature rejected: %v", err)
	}
}

func TestReplyConstruction(t *testing.T) {
	call := NewMethodCall(":1.7", "/door", "sample.secure.Door", "Open")
	call.Serial = 42
	call.Sender = ":1.3"
	call.SessionID = 9

	ret := NewMethodReturn(call)
	if ret.Type != MethodReturn || ret.ReplySerial != 42 || ret.Destination != ":1.3" || ret.SessionID != 9 {
		t.Fatalf("NewMethodReturn built %+v", ret)
	}

	errReply := NewError(call, "org.alljoyn.Bus.Timeout", "call timed out")
	if errReply.Type != Error || errReply.ErrorName != "org.alljoyn.Bus.Timeout" {
		t.Fatalf("NewError built %+v", errReply)
	}
	if errReply.Signature != "s" || len(errReply.Args) != 1 {
		t.Fatalf("error description not attached: %+v", errReply)
	}
}
