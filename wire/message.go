// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"strconv"
)

// MessageType discriminates the four DBus message kinds.
type MessageType byte

const (
	// Invalid is the zero MessageType.
	Invalid MessageType = iota
	// MethodCall expects a MethodReturn or Error reply unless the
	// NoReplyExpected flag is set.
	MethodCall
	// MethodReturn answers a MethodCall, correlated by ReplySerial.
	MethodReturn
	// Error answers a MethodCall with a failure, correlated by
	// ReplySerial and named by the ErrorName header field.
	Error
	// Signal is a broadcast or sessioncast notification.
	Signal
)

func (t MessageType) String() string {
	switch t {
	case MethodCall:
		return "method_call"
	case MethodReturn:
		return "method_return"
	case Error:
		return "error"
	case Signal:
		return "signal"
	default:
		return "invalid"
	}
}

// Message flags. Values match the wire header flag byte.
const (
	// FlagNoReplyExpected suppresses the reply to a method call.
	FlagNoReplyExpected byte = 0x01
	// FlagSessionless marks a signal for sessionless delivery.
	FlagSessionless byte = 0x10
	// FlagEncrypted marks the body as encrypted with the peer's
	// negotiated session key.
	FlagEncrypted byte = 0x80
)

// Message is one unit of the DBus-derived wire protocol, in decoded
// form. The byte-level framing lives behind the Marshaller interface;
// the core works with header fields and decoded Args.
type Message struct {
	// Type is the message kind.
	Type MessageType

	// Serial is the sender-assigned message serial. Serials are
	// minted by the sending endpoint and remapped atomically when a
	// message is re-serialized for retransmission.
	Serial uint32

	// Flags is the header flag byte.
	Flags byte

	// Sender is the unique name of the originating attachment.
	Sender string

	// Destination is the unique or well-known name of the target,
	// empty for broadcast signals.
	Destination string

	// Path is the object path (method calls and signals).
	Path string

	// Interface names the target interface.
	Interface string

	// Member names the method or signal.
	Member string

	// ErrorName carries the error identifier on Error messages.
	ErrorName string

	// ReplySerial correlates a MethodReturn or Error with the
	// original call.
	ReplySerial uint32

	// Signature describes the argument types.
	Signature string

	// SessionID routes the message within a session. Zero means
	// no session.
	SessionID uint32

	// Args holds the decoded arguments. The external marshaller
	// fills this on receive and consumes it on send.
	Args []any

	// Body is the raw argument bytes as produced by the marshaller.
	// Nil for locally-originated messages that were never
	// serialized.
	Body []byte
}

// NewMethodCall builds a method-call message. The serial is assigned
// by the sending endpoint.
func NewMethodCall(destination, path, iface, member string) *Message {
	return &Message{
		Type:        MethodCall,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
	}
}

// NewSignal builds a signal message. Destination may be empty for
// broadcast.
func NewSignal(path, iface, member string) *Message {
	return &Message{
		Type:      Signal,
		Path:      path,
		Interface: iface,
		Member:    member,
	}
}

// NewMethodReturn builds the success reply to call.
func NewMethodReturn(call *Message) *Message {
	return &Message{
		Type:        MethodReturn,
		Destination: call.Sender,
		ReplySerial: call.Serial,
		SessionID:   call.SessionID,
	}
}

// NewError builds the error reply to call with the given wire error
// name. An optional description travels as the first argument per
// DBus convention.
func NewError(call *Message, errorName, description string) *Message {
	reply := &Message{
		Type:        Error,
		Destination: call.Sender,
		ErrorName:   errorName,
		ReplySerial: call.Serial,
		SessionID:   call.SessionID,
	}
	if description != "" {
		reply.Signature = "s"
		reply.Args = []any{description}
	}
	return reply
}

// IsEncrypted reports whether the body is encrypted.
func (m *Message) IsEncrypted() bool { return m.Flags&FlagEncrypted != 0 }

// NoReplyExpected reports whether the call suppresses its reply.
func (m *Message) NoReplyExpected() bool { return m.Flags&FlagNoReplyExpected != 0 }

// IsSessionless reports whether the signal is sessionless.
func (m *Message) IsSessionless() bool { return m.Flags&FlagSessionless != 0 }

// ExpectsReply reports whether the message is a method call that
// wants a reply.
func (m *Message) ExpectsReply() bool {
	return m.Type == MethodCall && !m.NoReplyExpected()
}

// String renders a compact description for logs.
func (m *Message) String() string {
	switch m.Type {
	case MethodCall:
		return fmt.Sprintf("method_call[%d] %s %s.%s -> %s", m.Serial, m.Path, m.Interface, m.Member, m.Destination)
	case MethodReturn:
		return fmt.Sprintf("method_return[%d] reply_to=%d -> %s", m.Serial, m.ReplySerial, m.Destination)
	case Error:
		return fmt.Sprintf("error[%d] %s reply_to=%d -> %s", m.Serial, m.ErrorName, m.ReplySerial, m.Destination)
	case Signal:
		return fmt.Sprintf("signal[%d] %s %s.%s", m.Serial, m.Path, m.Interface, m.Member)
	default:
		return "invalid[" + strconv.FormatUint(uint64(m.Serial), 10) + "]"
	}
}
