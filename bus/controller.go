// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"time"

	"github.com/meshbus-foundation/meshbus/status"
	"github.com/meshbus-foundation/meshbus/wire"
)

// Bus controller addresses. The routing daemon owns these fixed
// names and paths; every control-plane operation is a method call to
// one of them.
const (
	DBusName      = "org.freedesktop.DBus"
	DBusPath      = "/org/freedesktop/DBus"
	DBusInterface = "org.freedesktop.DBus"

	ControllerName      = "org.alljoyn.Bus"
	ControllerPath      = "/org/alljoyn/Bus"
	ControllerInterface = "org.alljoyn.Bus"

	PeerSessionInterface = "org.alljoyn.Bus.Peer.Session"
	ApplicationInterface = "org.alljoyn.Bus.Application"
	AboutInterface       = "org.alljoyn.About"
)

// RequestName flags.
const (
	// NameAllowReplacement lets a later requester take the name.
	NameAllowReplacement uint32 = 0x01
	// NameReplaceExisting takes the name from a willing owner.
	NameReplaceExisting uint32 = 0x02
	// NameDoNotQueue fails with Exists instead of queueing.
	NameDoNotQueue uint32 = 0x04
)

// callSync performs a synchronous control-plane method call. Inside
// a dispatcher callback without EnableConcurrentCallbacks it fails
// with BlockingCallNotAllowed; attachment stop aborts the wait with
// Stopping.
func (a *Attachment) callSync(destination, path, ifaceName, member, signature string, args []any, timeout time.Duration) ([]any, status.Status) {
	if st := a.endpoint.Queue().CheckBlockingCall(); st != status.OK {
		return nil, st
	}
	a.mu.Lock()
	if a.state != stateConnected {
		st := status.NotConnected
		if a.state == stateStopping {
			st = status.Stopping
		}
		a.mu.Unlock()
		return nil, st
	}
	stopCh := a.stopCh
	a.mu.Unlock()

	call := wire.NewMethodCall(destination, path, ifaceName, member)
	call.Signature = signature
	call.Args = args

	type outcome struct {
		st    status.Status
		reply *wire.Message
	}
	done := make(chan outcome, 1)
	st := a.endpoint.CallMethod(call, nil, func(st status.Status, reply *wire.Message, _ any) {
		done <- outcome{st, reply}
	}, nil, timeout)
	if st != status.OK {
		return nil, st
	}

	select {
	case result := <-done:
		if result.st != status.OK {
			return nil, result.st
		}
		return result.reply.Args, status.OK
	case <-stopCh:
		a.endpoint.Replies().Unregister(call.Serial)
		return nil, status.Stopping
	}
}

// callAsync fires a control-plane call whose reply is handled by
// handler on a dispatcher worker, or discarded when handler is nil.
func (a *Attachment) callAsync(destination, path, ifaceName, member, signature string, args []any, handler func(status.Status, []any), timeout time.Duration) status.Status {
	call := wire.NewMethodCall(destination, path, ifaceName, member)
	call.Signature = signature
	call.Args = args
	if handler == nil {
		call.Flags |= wire.FlagNoReplyExpected
		return a.endpoint.CallMethod(call, nil, nil, nil, timeout)
	}
	return a.endpoint.CallMethod(call, nil, func(st status.Status, reply *wire.Message, _ any) {
		handler(st, reply.Args)
	}, nil, timeout)
}

// replyUint32 extracts the single uint32 disposition of a controller
// reply.
func replyUint32(args []any, index int) (uint32, status.Status) {
	if index >= len(args) {
		return 0, status.InvalidData
	}
	value, ok := args[index].(uint32)
	if !ok {
		return 0, status.InvalidData
	}
	return value, status.OK
}

// RequestName asks the router for ownership of a well-known name.
// With NameDoNotQueue an owned name fails with NameExists; without
// it the request queues and fails with NameInQueue until ownership
// arrives.
func (a *Attachment) RequestName(name string, flags uint32) status.Status {
	if !wire.IsLegalBusName(name) {
		return status.BadBusName
	}
	args, st := a.callSync(DBusName, DBusPath, DBusInterface, "RequestName", "su", []any{name, flags}, DefaultReplyTimeout)
	if st != status.OK {
		return st
	}
	disposition, st := replyUint32(args, 0)
	if st != status.OK {
		return st
	}
	return status.FromRequestNameDisposition(disposition)
}

// ReleaseName gives a well-known name back.
func (a *Attachment) ReleaseName(name string) status.Status {
	if !wire.IsLegalBusName(name) {
		return status.BadBusName
	}
	args, st := a.callSync(DBusName, DBusPath, DBusInterface, "ReleaseName", "s", []any{name}, DefaultReplyTimeout)
	if st != status.OK {
		return st
	}
	disposition, st := replyUint32(args, 0)
	if st != status.OK {
		return st
	}
	return status.FromReleaseNameDisposition(disposition)
}

// NameHasOwner asks whether any attachment owns name.
func (a *Attachment) NameHasOwner(name string) (bool, status.Status) {
	args, st := a.callSync(DBusName, DBusPath, DBusInterface, "NameHasOwner", "s", []any{name}, DefaultReplyTimeout)
	if st != status.OK {
		return false, st
	}
	if len(args) < 1 {
		return false, status.InvalidData
	}
	owned, ok := args[0].(bool)
	if !ok {
		return false, status.InvalidData
	}
	return owned, status.OK
}

// GetNameOwner resolves the unique name owning a well-known name.
func (a *Attachment) GetNameOwner(name string) (string, status.Status) {
	args, st := a.callSync(DBusName, DBusPath, DBusInterface, "GetNameOwner", "s", []any{name}, DefaultReplyTimeout)
	if st != status.OK {
		return "", st
	}
	if len(args) < 1 {
		return "", status.InvalidData
	}
	owner, ok := args[0].(string)
	if !ok {
		return "", status.InvalidData
	}
	return owner, status.OK
}

// AddMatch installs a match rule at the router.
func (a *Attachment) AddMatch(rule string) status.Status {
	if _, err := wire.ParseMatchRule(rule); err != nil {
		return status.BadArg1
	}
	_, st := a.callSync(DBusName, DBusPath, DBusInterface, "AddMatch", "s", []any{rule}, DefaultReplyTimeout)
	return st
}

// RemoveMatch removes a match rule.
func (a *Attachment) RemoveMatch(rule string) status.Status {
	if _, err := wire.ParseMatchRule(rule); err != nil {
		return status.BadArg1
	}
	_, st := a.callSync(DBusName, DBusPath, DBusInterface, "RemoveMatch", "s", []any{rule}, DefaultReplyTimeout)
	return st
}

// Advertise and find dispositions.
const (
	advertiseDispositionSuccess uint32 = 1
	advertiseDispositionAlready uint32 = 2
	advertiseDispositionFailed  uint32 = 3
)

// AdvertiseName makes a name discoverable over the masked
// transports.
func (a *Attachment) AdvertiseName(name string, transportMask uint16) status.Status {
	if !wire.IsLegalBusName(name) {
		return status.BadBusName
	}
	args, st := a.callSync(ControllerName, ControllerPath, ControllerInterface, "AdvertiseName", "sq", []any{name, transportMask}, DefaultReplyTimeout)
	if st != status.OK {
		return st
	}
	return advertiseStatus(args)
}

// CancelAdvertiseName withdraws an advertisement.
func (a *Attachment) CancelAdvertiseName(name string, transportMask uint16) status.Status {
	args, st := a.callSync(ControllerName, ControllerPath, ControllerInterface, "CancelAdvertiseName", "sq", []any{name, transportMask}, DefaultReplyTimeout)
	if st != status.OK {
		return st
	}
	return advertiseStatus(args)
}

// FindAdvertisedName starts discovery for a name prefix; results
// arrive as FoundAdvertisedName bus listener callbacks.
func (a *Attachment) FindAdvertisedName(namePrefix string) status.Status {
	return a.FindAdvertisedNameByTransport(namePrefix, TransportAny)
}

// FindAdvertisedNameByTransport restricts discovery to masked
// transports.
func (a *Attachment) FindAdvertisedNameByTransport(namePrefix string, transportMask uint16) status.Status {
	args, st := a.callSync(ControllerName, ControllerPath, ControllerInterface, "FindAdvertisedNameByTransport", "sq", []any{namePrefix, transportMask}, DefaultReplyTimeout)
	if st != status.OK {
		return st
	}
	return advertiseStatus(args)
}

// CancelFindAdvertisedName stops discovery for a prefix.
func (a *Attachment) CancelFindAdvertisedName(namePrefix string) status.Status {
	args, st := a.callSync(ControllerName, ControllerPath, ControllerInterface, "CancelFindAdvertisedName", "s", []any{namePrefix}, DefaultReplyTimeout)
	if st != status.OK {
		return st
	}
	return advertiseStatus(args)
}

func advertiseStatus(args []any) status.Status {
	disposition, st := replyUint32(args, 0)
	if st != status.OK {
		return st
	}
	switch disposition {
	case advertiseDispositionSuccess:
		return status.OK
	case advertiseDispositionAlready:
		return status.AlreadyDiscovering
	case advertiseDispositionFailed:
		return status.Fail
	default:
		return status.UnexpectedDisposition
	}
}

// Ping tests whether a name is reachable within timeout.
func (a *Attachment) Ping(name string, timeout time.Duration) status.Status {
	if !wire.IsLegalBusName(name) {
		return status.BadBusName
	}
	args, st := a.callSync(ControllerName, ControllerPath, ControllerInterface, "Ping", "su", []any{name, uint32(timeout / time.Millisecond)}, timeout+DefaultReplyTimeout)
	if st != status.OK {
		return st
	}
	disposition, st := replyUint32(args, 0)
	if st != status.OK {
		return st
	}
	if disposition != 1 {
		return status.Timeout
	}
	return status.OK
}

// SetLinkTimeout configures idle-link detection for a session,
// returning the granted timeout in seconds.
func (a *Attachment) SetLinkTimeout(sessionID uint32, seconds uint32) (uint32, status.Status) {
	args, st := a.callSync(ControllerName, ControllerPath, ControllerInterface, "SetLinkTimeout", "uu", []any{sessionID, seconds}, DefaultReplyTimeout)
	if st != status.OK {
		return 0, st
	}
	disposition, st := replyUint32(args, 0)
	if st != status.OK {
		return 0, st
	}
	if disposition != 1 {
		return 0, status.Fail
	}
	granted, st := replyUint32(args, 1)
	if st != status.OK {
		return 0, st
	}
	return granted, status.OK
}

// GetSessionFd retrieves the raw-traffic file descriptor of a
// session.
func (a *Attachment) GetSessionFd(sessionID uint32) (uintptr, status.Status) {
	args, st := a.callSync(ControllerName, ControllerPath, ControllerInterface, "GetSessionFd", "u", []any{sessionID}, DefaultReplyTimeout)
	if st != status.OK {
		return 0, st
	}
	if len(args) < 1 {
		return 0, status.InvalidData
	}
	fd, ok := args[0].(uintptr)
	if !ok {
		return 0, status.InvalidData
	}
	return fd, status.OK
}

// OnAppSuspend tells the router the application is entering the
// background.
func (a *Attachment) OnAppSuspend() status.Status {
	args, st := a.callSync(ControllerName, ControllerPath, ControllerInterface, "OnAppSuspend", "", nil, DefaultReplyTimeout)
	if st != status.OK {
		return st
	}
	disposition, st := replyUint32(args, 0)
	if st != status.OK {
		return st
	}
	if disposition != 1 {
		return status.Fail
	}
	return status.OK
}

// OnAppResume tells the router the application is foregrounded.
func (a *Attachment) OnAppResume() status.Status {
	args, st := a.callSync(ControllerName, ControllerPath, ControllerInterface, "OnAppResume", "", nil, DefaultReplyTimeout)
	if st != status.OK {
		return st
	}
	disposition, st := replyUint32(args, 0)
	if st != status.OK {
		return st
	}
	if disposition != 1 {
		return status.Fail
	}
	return status.OK
}
