// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package status

// Wire-visible error names. Synthetic replies and rejections carry
// these in the error-name header field; they are part of the protocol
// contract and must not change.
const (
	ErrorTimeout           = "org.alljoyn.Bus.Timeout"
	ErrorExiting           = "org.alljoyn.Bus.Exiting"
	ErrorSecurityViolation = "org.alljoyn.Bus.SecurityViolation"
	ErrorPermissionDenied  = "org.alljoyn.Bus.Security.Error.PermissionDenied"
	ErrorServiceUnknown    = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrorNoSuchInterface   = "org.alljoyn.Bus.NoSuchInterface"
	ErrorNoSuchMember      = "org.alljoyn.Bus.NoSuchMember"
	ErrorNotAuthorized     = "org.alljoyn.Bus.NotAuthorized"
	ErrorInvalidData       = "org.alljoyn.Bus.InvalidData"
	ErrorInternal          = "org.alljoyn.Bus.InternalError"
)

// wireName maps the statuses that cross the wire as error replies to
// their protocol names. Statuses without an entry report
// ErrorInternal.
var wireName = map[Status]string{
	Timeout:           ErrorTimeout,
	TimerExiting:      ErrorExiting,
	Stopping:          ErrorExiting,
	NotEncrypted:      ErrorSecurityViolation,
	DecryptionFailed:  ErrorSecurityViolation,
	SecurityViolation: ErrorSecurityViolation,
	PermissionDenied:  ErrorPermissionDenied,
	NoSuchObject:      ErrorServiceUnknown,
	NoSuchInterface:   ErrorNoSuchInterface,
	NoSuchMember:      ErrorNoSuchMember,
	NotAuthorized:     ErrorNotAuthorized,
	InvalidData:       ErrorInvalidData,
}

// nameStatus is the inverse of wireName for names that map back
// unambiguously.
var nameStatus = map[string]Status{
	ErrorTimeout:           Timeout,
	ErrorExiting:           Stopping,
	ErrorSecurityViolation: SecurityViolation,
	ErrorPermissionDenied:  PermissionDenied,
	ErrorServiceUnknown:    NoSuchObject,
	ErrorNoSuchInterface:   NoSuchInterface,
	ErrorNoSuchMember:      NoSuchMember,
	ErrorNotAuthorized:     NotAuthorized,
	ErrorInvalidData:       InvalidData,
}

// WireName returns the protocol error name for s. Statuses that never
// cross the wire report ErrorInternal.
func (s Status) WireName() string {
	if name, ok := wireName[s]; ok {
		return name
	}
	return ErrorInternal
}

// FromWireName maps a received error name back to a Status. Unknown
// names map to ReplyIsError so the caller still sees a failure.
func FromWireName(name string) Status {
	if s, ok := nameStatus[name]; ok {
		return s
	}
	return ReplyIsError
}

// RequestName dispositions returned by the bus controller.
const (
	DispositionPrimaryOwner uint32 = 1
	DispositionInQueue      uint32 = 2
	DispositionExists       uint32 = 3
	DispositionAlreadyOwner uint32 = 4
)

// FromRequestNameDisposition maps a RequestName reply code to a
// Status. PrimaryOwner is success; every other documented disposition
// is its own failure kind.
func FromRequestNameDisposition(disposition uint32) Status {
	switch disposition {
	case DispositionPrimaryOwner:
		return OK
	case DispositionInQueue:
		return NameInQueue
	case DispositionExists:
		return NameExists
	case DispositionAlreadyOwner:
		return NameAlreadyOwner
	default:
		return UnexpectedDisposition
	}
}

// ReleaseName dispositions returned by the bus controller.
const (
	DispositionReleased    uint32 = 1
	DispositionNonExistent uint32 = 2
	DispositionNotOwner    uint32 = 3
)

// FromReleaseNameDisposition maps a ReleaseName reply code to a
// Status.
func FromReleaseNameDisposition(disposition uint32) Status {
	switch disposition {
	case DispositionReleased:
		return OK
	case DispositionNonExistent:
		return BadBusName
	case DispositionNotOwner:
		return NameNotOwner
	default:
		return UnexpectedDisposition
	}
}

// JoinSession dispositions returned by the bus controller.
const (
	JoinDispositionSuccess       uint32 = 1
	JoinDispositionNoSession     uint32 = 2
	JoinDispositionUnreachable   uint32 = 3
	JoinDispositionRejected      uint32 = 4
	JoinDispositionBadOptions    uint32 = 5
	JoinDispositionAlreadyJoined uint32 = 6
	JoinDispositionFailed        uint32 = 7
)

// FromJoinDisposition maps a JoinSession reply code to a Status.
func FromJoinDisposition(disposition uint32) Status {
	switch disposition {
	case JoinDispositionSuccess:
		return OK
	case JoinDispositionNoSession:
		return JoinNoSession
	case JoinDispositionUnreachable:
		return JoinUnreachable
	case JoinDispositionRejected:
		return JoinRejected
	case JoinDispositionBadOptions:
		return JoinBadOptions
	case JoinDispositionAlreadyJoined:
		return JoinAlreadyJoined
	case JoinDispositionFailed:
		return JoinFailed
	default:
		return UnexpectedDisposition
	}
}

// LeaveSession dispositions returned by the bus controller.
const (
	LeaveDispositionSuccess   uint32 = 1
	LeaveDispositionNoSession uint32 = 2
)

// FromLeaveDisposition maps a LeaveSession reply code to a Status.
func FromLeaveDisposition(disposition uint32) Status {
	switch disposition {
	case LeaveDispositionSuccess:
		return OK
	case LeaveDispositionNoSession:
		return LeaveNoSession
	default:
		return UnexpectedDisposition
	}
}
