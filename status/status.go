// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package status

import "errors"

// Status is the runtime-wide result code. The zero value is OK.
// Status implements error; OK is the only value for which Err returns
// nil. Synchronous API surfaces return a Status and callbacks receive
// one as their first argument.
type Status uint32

const (
	// OK means success.
	OK Status = 0

	// Lifecycle.

	// NotStarted: the attachment has not been started.
	NotStarted Status = 0x1001
	// AlreadyStarted: Start was called on a started attachment.
	AlreadyStarted Status = 0x1002
	// Stopping: the attachment is shutting down.
	Stopping Status = 0x1003
	// NotConnected: the attachment is not connected to the router.
	NotConnected Status = 0x1004
	// AlreadyConnected: Connect was called on a connected attachment.
	AlreadyConnected Status = 0x1005
	// EndpointClosing: the local endpoint refused new work while
	// closing.
	EndpointClosing Status = 0x1006

	// Lookup.

	// NoSuchInterface: the named interface is not known.
	NoSuchInterface Status = 0x2001
	// NoSuchObject: no object is registered at the path.
	NoSuchObject Status = 0x2002
	// NoSuchMember: the interface has no such method or signal.
	NoSuchMember Status = 0x2003
	// NoSuchProperty: the interface has no such property.
	NoSuchProperty Status = 0x2004
	// InterfaceExists: an activated interface with that name is
	// already registered.
	InterfaceExists Status = 0x2005
	// UnmatchedReplySerial: a reply arrived for an unknown or
	// already-completed call.
	UnmatchedReplySerial Status = 0x2006
	// ObjectExists: an object is already registered at the path.
	ObjectExists Status = 0x2007
	// InterfaceActivated: mutation of an activated interface.
	InterfaceActivated Status = 0x2008

	// Argument.

	// BadArg1 through BadArg8 flag the offending positional argument.
	BadArg1 Status = 0x3001
	BadArg2 Status = 0x3002
	BadArg3 Status = 0x3003
	BadArg4 Status = 0x3004
	BadArg5 Status = 0x3005
	BadArg6 Status = 0x3006
	BadArg7 Status = 0x3007
	BadArg8 Status = 0x3008
	// BadBusName: the bus name violates the naming grammar.
	BadBusName Status = 0x3010
	// BadObjectPath: the object path violates the path grammar.
	BadObjectPath Status = 0x3011
	// InvalidGUID: the string is not a well-formed GUID.
	InvalidGUID Status = 0x3012
	// InvalidData: malformed payload.
	InvalidData Status = 0x3013

	// Security.

	// NotEncrypted: a message that required encryption arrived in
	// the clear.
	NotEncrypted Status = 0x4001
	// DecryptionFailed: the message could not be decrypted.
	DecryptionFailed Status = 0x4002
	// NotAuthorized: the peer is not authorized for the operation.
	NotAuthorized Status = 0x4003
	// PermissionDenied: the installed policy denies the operation.
	PermissionDenied Status = 0x4004
	// KeyUnavailable: no negotiated key exists for the peer.
	KeyUnavailable Status = 0x4005
	// InvalidApplicationState: the requested application-state
	// transition is not allowed.
	InvalidApplicationState Status = 0x4006
	// ApplicationStateListenerMissing: unregister of a listener that
	// was never registered.
	ApplicationStateListenerMissing Status = 0x4007
	// SecurityViolation: generic security failure reported to the
	// peer sub-object.
	SecurityViolation Status = 0x4008

	// Session.

	// JoinNoSession: no session bound at the requested port.
	JoinNoSession Status = 0x5001
	// JoinUnreachable: the host could not be reached.
	JoinUnreachable Status = 0x5002
	// JoinRejected: the host rejected the joiner.
	JoinRejected Status = 0x5003
	// JoinAlreadyJoined: the attachment already joined this session.
	JoinAlreadyJoined Status = 0x5004
	// JoinBadOptions: the offered session options are unacceptable.
	JoinBadOptions Status = 0x5005
	// JoinFailed: the join failed for an unclassified reason.
	JoinFailed Status = 0x5006
	// LeaveNoSession: no session with that id on the addressed side.
	LeaveNoSession Status = 0x5007
	// RemoveMemberNotBinder: only the session host may remove
	// members.
	RemoveMemberNotBinder Status = 0x5008
	// RemoveMemberNotMultipoint: members can only be removed from
	// multipoint sessions.
	RemoveMemberNotMultipoint Status = 0x5009
	// PortInUse: the session port is already bound.
	PortInUse Status = 0x500a
	// PortNotBound: unbind of a port that is not bound.
	PortNotBound Status = 0x500b

	// Discovery and names.

	// AlreadyDiscovering: a find is already active for the prefix.
	AlreadyDiscovering Status = 0x6001
	// TransportUnavailable: no transport matches the requested mask.
	TransportUnavailable Status = 0x6002
	// NameInQueue: the name request was queued behind the current
	// owner.
	NameInQueue Status = 0x6003
	// NameExists: the name is owned and do-not-queue was set.
	NameExists Status = 0x6004
	// NameAlreadyOwner: the requester already owns the name.
	NameAlreadyOwner Status = 0x6005
	// NameNotOwner: release of a name the caller does not own.
	NameNotOwner Status = 0x6006

	// Liveness.

	// Timeout: the call deadline expired.
	Timeout Status = 0x7001
	// ReplyIsError: the reply was an error message; the error name
	// carries the detail.
	ReplyIsError Status = 0x7002
	// UnexpectedDisposition: the controller returned a disposition
	// outside the documented set.
	UnexpectedDisposition Status = 0x7003
	// IncompatibleDaemon: the remote daemon announced an older
	// protocol version.
	IncompatibleDaemon Status = 0x7004
	// BlockingCallNotAllowed: a blocking call was attempted from a
	// dispatcher callback without EnableConcurrentCallbacks.
	BlockingCallNotAllowed Status = 0x7005
	// TimerExiting: a timer fired because the timer subsystem is
	// shutting down, surfaced to callers as Bus.Exiting.
	TimerExiting Status = 0x7006
	// Fail: unclassified failure.
	Fail Status = 0x7007
)

var statusText = map[Status]string{
	OK:                              "ok",
	NotStarted:                      "bus attachment not started",
	AlreadyStarted:                  "bus attachment already started",
	Stopping:                        "bus attachment stopping",
	NotConnected:                    "not connected to the bus",
	AlreadyConnected:                "already connected to the bus",
	EndpointClosing:                 "endpoint closing",
	NoSuchInterface:                 "no such interface",
	NoSuchObject:                    "no such object",
	NoSuchMember:                    "no such member",
	NoSuchProperty:                  "no such property",
	InterfaceExists:                 "interface already exists",
	UnmatchedReplySerial:            "no outstanding call matches the reply serial",
	ObjectExists:                    "object already registered at path",
	InterfaceActivated:              "interface is activated and immutable",
	BadArg1:                         "bad argument 1",
	BadArg2:                         "bad argument 2",
	BadArg3:                         "bad argument 3",
	BadArg4:                         "bad argument 4",
	BadArg5:                         "bad argument 5",
	BadArg6:                         "bad argument 6",
	BadArg7:                         "bad argument 7",
	BadArg8:                         "bad argument 8",
	BadBusName:                      "bad bus name",
	BadObjectPath:                   "bad object path",
	InvalidGUID:                     "invalid GUID",
	InvalidData:                     "invalid data",
	NotEncrypted:                    "message was not encrypted",
	DecryptionFailed:                "decryption failed",
	NotAuthorized:                   "not authorized",
	PermissionDenied:                "permission denied by policy",
	KeyUnavailable:                  "no key available for peer",
	InvalidApplicationState:         "invalid application state transition",
	ApplicationStateListenerMissing: "application state listener not registered",
	SecurityViolation:               "security violation",
	JoinNoSession:                   "no session bound at port",
	JoinUnreachable:                 "session host unreachable",
	JoinRejected:                    "session join rejected by host",
	JoinAlreadyJoined:               "already joined this session",
	JoinBadOptions:                  "incompatible session options",
	JoinFailed:                      "session join failed",
	LeaveNoSession:                  "no such session",
	RemoveMemberNotBinder:           "only the session host can remove members",
	RemoveMemberNotMultipoint:       "session is not multipoint",
	PortInUse:                       "session port already bound",
	PortNotBound:                    "session port not bound",
	AlreadyDiscovering:              "discovery already active for prefix",
	TransportUnavailable:            "no transport available for mask",
	NameInQueue:                     "name request queued",
	NameExists:                      "name already has an owner",
	NameAlreadyOwner:                "name already owned by requester",
	NameNotOwner:                    "name not owned by caller",
	Timeout:                         "method call timed out",
	ReplyIsError:                    "reply was an error message",
	UnexpectedDisposition:           "unexpected disposition from bus controller",
	IncompatibleDaemon:              "remote daemon protocol version too old",
	BlockingCallNotAllowed:          "blocking call not allowed from a dispatcher callback",
	TimerExiting:                    "timer subsystem exiting",
	Fail:                            "operation failed",
}

// String returns the human-readable description.
func (s Status) String() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return "unknown status"
}

// Error implements the error interface. OK stringifies like any other
// Status; use Err to convert OK to nil.
func (s Status) Error() string { return s.String() }

// Err returns nil for OK and s otherwise, for call sites that want a
// plain error value.
func (s Status) Err() error {
	if s == OK {
		return nil
	}
	return s
}

// FromError extracts a Status from err. Returns OK for nil, the
// Status itself when err is (or wraps) one, and Fail otherwise.
func FromError(err error) Status {
	if err == nil {
		return OK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return Fail
}
