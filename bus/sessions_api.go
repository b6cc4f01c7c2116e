// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"github.com/meshbus-foundation/meshbus/endpoint"
	"github.com/meshbus-foundation/meshbus/iface"
	"github.com/meshbus-foundation/meshbus/status"
	"github.com/meshbus-foundation/meshbus/wire"
)

// BindSessionPort dispositions.
const (
	bindDispositionSuccess    uint32 = 1
	bindDispositionExists     uint32 = 2
	bindDispositionFailed     uint32 = 3
	bindDispositionInvalidOpt uint32 = 4
)

// BindSessionPort opens a session port for joiners. port may be
// SessionPortAny to let the router pick; the granted port is
// returned. The listener gates joins via AcceptSessionJoiner and
// learns of completed joins via SessionJoined.
func (a *Attachment) BindSessionPort(port uint16, opts SessionOpts, listener SessionPortListener) (uint16, status.Status) {
	listenerID := a.portListeners.add(listener)

	args, st := a.callSync(ControllerName, ControllerPath, ControllerInterface,
		"BindSessionPort", "qa{sv}", []any{port, opts.ToMap()}, DefaultReplyTimeout)
	if st != status.OK {
		a.portListeners.remove(listenerID)
		return 0, st
	}
	disposition, dispositionStatus := replyUint32(args, 0)
	if dispositionStatus != status.OK {
		a.portListeners.remove(listenerID)
		return 0, dispositionStatus
	}
	switch disposition {
	case bindDispositionSuccess:
	case bindDispositionExists:
		a.portListeners.remove(listenerID)
		return 0, status.PortInUse
	case bindDispositionInvalidOpt:
		a.portListeners.remove(listenerID)
		return 0, status.JoinBadOptions
	default:
		a.portListeners.remove(listenerID)
		return 0, status.Fail
	}

	granted := port
	if len(args) > 1 {
		if p, ok := args[1].(uint16); ok {
			granted = p
		}
	}
	a.portsMu.Lock()
	a.boundPorts[granted] = listenerID
	a.portsMu.Unlock()
	return granted, status.OK
}

// UnbindSessionPort closes a bound port and quiesces its listener.
func (a *Attachment) UnbindSessionPort(port uint16) status.Status {
	a.portsMu.Lock()
	listenerID, bound := a.boundPorts[port]
	delete(a.boundPorts, port)
	a.portsMu.Unlock()
	if !bound {
		return status.PortNotBound
	}

	_, st := a.callSync(ControllerName, ControllerPath, ControllerInterface,
		"UnbindSessionPort", "q", []any{port}, DefaultReplyTimeout)
	a.portListeners.remove(listenerID)
	return st
}

// JoinSession joins a session synchronously: the calling goroutine
// parks on its own completion event until the router answers, the
// deadline passes, or the attachment stops (which wakes every parked
// joiner with Stopping). Forbidden inside a dispatcher callback that
// has not called EnableConcurrentCallbacks.
func (a *Attachment) JoinSession(host string, port uint16, opts SessionOpts, listener SessionListener) (uint32, SessionOpts, status.Status) {
	if st := a.endpoint.Queue().CheckBlockingCall(); st != status.OK {
		return 0, SessionOpts{}, st
	}

	waiter := make(chan joinOutcome, 1)
	a.joinMu.Lock()
	a.nextJoinID++
	waiterID := a.nextJoinID
	a.joinWaiters[waiterID] = waiter
	a.joinMu.Unlock()
	defer func() {
		a.joinMu.Lock()
		delete(a.joinWaiters, waiterID)
		a.joinMu.Unlock()
	}()

	st := a.JoinSessionAsync(host, port, opts, listener, func(st status.Status, sessionID uint32, negotiated SessionOpts, _ any) {
		select {
		case waiter <- joinOutcome{st, sessionID, negotiated}:
		default:
		}
	}, nil)
	if st != status.OK {
		return 0, SessionOpts{}, st
	}

	outcome := <-waiter
	return outcome.sessionID, outcome.opts, outcome.st
}

// JoinSessionAsync sends the join and completes through callback on
// a dispatcher worker.
func (a *Attachment) JoinSessionAsync(host string, port uint16, opts SessionOpts, listener SessionListener, callback func(st status.Status, sessionID uint32, opts SessionOpts, context any), context any) status.Status {
	if !wire.IsLegalBusName(host) {
		return status.BadArg1
	}
	return a.callAsync(ControllerName, ControllerPath, ControllerInterface,
		"JoinSession", "sqa{sv}", []any{host, port, opts.ToMap()},
		func(st status.Status, args []any) {
			sessionID, negotiated, joinStatus := a.completeJoin(st, args, host, port, listener)
			if callback != nil {
				callback(joinStatus, sessionID, negotiated, context)
			}
		}, DefaultJoinTimeout)
}

// completeJoin records a successful join in the joiner table.
func (a *Attachment) completeJoin(st status.Status, args []any, host string, port uint16, listener SessionListener) (uint32, SessionOpts, status.Status) {
	if st != status.OK {
		return 0, SessionOpts{}, st
	}
	disposition, dispositionStatus := replyUint32(args, 0)
	if dispositionStatus != status.OK {
		return 0, SessionOpts{}, dispositionStatus
	}
	if joinStatus := status.FromJoinDisposition(disposition); joinStatus != status.OK {
		return 0, SessionOpts{}, joinStatus
	}
	sessionID, idStatus := replyUint32(args, 1)
	if idStatus != status.OK {
		return 0, SessionOpts{}, idStatus
	}
	negotiated := SessionOpts{}
	if len(args) > 2 {
		if m, ok := args[2].(map[string]any); ok {
			negotiated = SessionOptsFromMap(m)
		}
	}

	record := &sessionRecord{
		id:         sessionID,
		port:       port,
		multipoint: negotiated.Multipoint,
		opts:       negotiated,
	}
	if listener.SessionLost != nil || listener.SessionMemberAdded != nil || listener.SessionMemberRemoved != nil {
		record.listenerID = a.sessionListeners.add(listener)
	}
	record.addParticipant(host)
	a.sessions.addJoined(record)
	return sessionID, negotiated, status.OK
}

// LeaveSession leaves both sides of a session.
func (a *Attachment) LeaveSession(sessionID uint32) status.Status {
	return a.leave(sessionID, SideBoth, "LeaveSession")
}

// LeaveHostedSession leaves only the host side.
func (a *Attachment) LeaveHostedSession(sessionID uint32) status.Status {
	return a.leave(sessionID, SideHosted, "LeaveHostedSession")
}

// LeaveJoinedSession leaves only the joiner side.
func (a *Attachment) LeaveJoinedSession(sessionID uint32) status.Status {
	return a.leave(sessionID, SideJoined, "LeaveJoinedSession")
}

func (a *Attachment) leave(sessionID uint32, side SessionSide, method string) status.Status {
	record, _ := a.sessions.get(sessionID, side)
	if record == nil && side != SideBoth {
		return status.LeaveNoSession
	}
	if side == SideBoth && len(a.sessions.records(sessionID)) == 0 {
		return status.LeaveNoSession
	}

	args, st := a.callSync(ControllerName, ControllerPath, ControllerInterface,
		method, "u", []any{sessionID}, DefaultReplyTimeout)
	if st != status.OK {
		return st
	}
	disposition, dispositionStatus := replyUint32(args, 0)
	if dispositionStatus != status.OK {
		return dispositionStatus
	}
	if leaveStatus := status.FromLeaveDisposition(disposition); leaveStatus != status.OK {
		return leaveStatus
	}
	a.dropSessionRecords(sessionID, side)
	return status.OK
}

// dropSessionRecords removes table entries and quiesces their
// listeners.
func (a *Attachment) dropSessionRecords(sessionID uint32, side SessionSide) []*sessionRecord {
	removed := a.sessions.remove(sessionID, side)
	for _, record := range removed {
		if record.listenerID != 0 {
			a.sessionListeners.remove(record.listenerID)
		}
	}
	return removed
}

// RemoveSessionMember expels a member from a hosted multipoint
// session. Only the binder may call it, and only for multipoint
// sessions.
func (a *Attachment) RemoveSessionMember(sessionID uint32, memberName string) status.Status {
	record, _ := a.sessions.get(sessionID, SideHosted)
	if record == nil {
		return status.RemoveMemberNotBinder
	}
	if !record.multipoint {
		return status.RemoveMemberNotMultipoint
	}
	args, st := a.callSync(ControllerName, ControllerPath, ControllerInterface,
		"RemoveSessionMember", "us", []any{sessionID, memberName}, DefaultReplyTimeout)
	if st != status.OK {
		return st
	}
	disposition, dispositionStatus := replyUint32(args, 0)
	if dispositionStatus != status.OK {
		return dispositionStatus
	}
	if disposition != 1 {
		return status.Fail
	}
	return status.OK
}

// SetSessionListener replaces the listener on (sessionID, side).
// SideBoth on a self-join session is ambiguous and fails; use
// SetHostedSessionListener or SetJoinedSessionListener instead.
func (a *Attachment) SetSessionListener(sessionID uint32, side SessionSide, listener SessionListener) status.Status {
	listenerID := uint64(0)
	if listener.SessionLost != nil || listener.SessionMemberAdded != nil || listener.SessionMemberRemoved != nil {
		listenerID = a.sessionListeners.add(listener)
	}
	previous, st := a.sessions.setListener(sessionID, side, listenerID)
	if st != status.OK {
		if listenerID != 0 {
			a.sessionListeners.remove(listenerID)
		}
		return st
	}
	if previous != 0 {
		a.sessionListeners.remove(previous)
	}
	return status.OK
}

// SetHostedSessionListener sets the host-side listener.
func (a *Attachment) SetHostedSessionListener(sessionID uint32, listener SessionListener) status.Status {
	return a.SetSessionListener(sessionID, SideHosted, listener)
}

// SetJoinedSessionListener sets the joiner-side listener.
func (a *Attachment) SetJoinedSessionListener(sessionID uint32, listener SessionListener) status.Status {
	return a.SetSessionListener(sessionID, SideJoined, listener)
}

// SessionInfo describes one side of a tracked session.
type SessionInfo struct {
	ID           uint32
	Port         uint16
	Host         bool
	Multipoint   bool
	SelfJoin     bool
	Participants []string
}

// SessionInfo returns a snapshot of the record for (sessionID,
// side), and whether it exists.
func (a *Attachment) SessionInfo(sessionID uint32, side SessionSide) (SessionInfo, bool) {
	record, ambiguous := a.sessions.get(sessionID, side)
	if record == nil || ambiguous {
		return SessionInfo{}, false
	}
	a.sessions.mu.Lock()
	defer a.sessions.mu.Unlock()
	info := SessionInfo{
		ID:         record.id,
		Port:       record.port,
		Host:       record.host,
		Multipoint: record.multipoint,
		SelfJoin:   record.selfJoin,
	}
	for name := range record.participants {
		info.Participants = append(info.Participants, name)
	}
	return info, true
}

// registerControlPlaneHandlers subscribes the attachment to the
// router's control-plane signals after connect, and registers the
// peer-session object that answers AcceptSession.
func (a *Attachment) registerControlPlaneHandlers() {
	raw := a.endpoint.RegisterRawSignalHandler
	rule := func(text string) wire.MatchRule {
		parsed, _ := wire.ParseMatchRule(text)
		return parsed
	}

	raw(DBusInterface, "NameOwnerChanged", a.handleNameOwnerChanged, rule("type='signal'"))
	raw(ControllerInterface, "FoundAdvertisedName", a.handleFoundAdvertisedName, rule("type='signal'"))
	raw(ControllerInterface, "LostAdvertisedName", a.handleLostAdvertisedName, rule("type='signal'"))
	raw(ControllerInterface, "SessionLostWithReasonAndDisposition", a.handleSessionLost, rule("type='signal'"))
	raw(ControllerInterface, "MPSessionChangedWithReason", a.handleMPSessionChanged, rule("type='signal'"))
	raw(ControllerInterface, "SessionJoined", a.handleSessionJoined, rule("type='signal'"))
	raw(AboutInterface, "Announce", a.handleAnnounce, rule("type='signal'"))
	raw(ApplicationInterface, "State", a.handleApplicationState, rule("type='signal',sessionless='t'"))

	a.registerPeerSessionObject()
}

// addStandingMatches installs the wire-visible standing match rules.
// Failures are logged, not fatal: a plain DBus daemon may reject the
// AllJoyn rules.
func (a *Attachment) addStandingMatches() {
	for _, rule := range []string{
		"type='signal',interface='org.freedesktop.DBus'",
		"type='signal',interface='org.alljoyn.Bus'",
	} {
		if st := a.callAsync(DBusName, DBusPath, DBusInterface, "AddMatch", "s", []any{rule}, nil, DefaultReplyTimeout); st != status.OK {
			a.logger.Debug("bus: standing match rule rejected", "rule", rule, "status", st.String())
		}
	}
}

// registerPeerSessionObject installs the object the router calls to
// gate inbound joins on bound ports.
func (a *Attachment) registerPeerSessionObject() {
	peerSession, st := iface.New(PeerSessionInterface)
	if st != status.OK {
		return
	}
	peerSession.AddMethod("AcceptSession", "qusa{sv}", "b")
	peerSession.Activate()

	a.endpoint.RegisterObject(endpoint.ObjectConfig{
		Path: "/",
		Interfaces: []endpoint.ObjectInterface{{
			Interface: peerSession,
			Handlers: map[string]endpoint.MethodHandler{
				"AcceptSession": a.handleAcceptSession,
			},
		}},
	})
}

// handleAcceptSession consults the port listener for an inbound
// join.
func (a *Attachment) handleAcceptSession(member *iface.Member, msg *wire.Message) {
	accept := false
	if len(msg.Args) >= 3 {
		port, _ := msg.Args[0].(uint16)
		sessionID, _ := msg.Args[1].(uint32)
		joiner, _ := msg.Args[2].(string)
		opts := SessionOpts{}
		if len(msg.Args) > 3 {
			if m, ok := msg.Args[3].(map[string]any); ok {
				opts = SessionOptsFromMap(m)
			}
		}
		accept = a.acceptJoiner(port, sessionID, joiner, opts)
	}
	a.endpoint.Reply(msg, member.OutSignature, accept)
}

func (a *Attachment) acceptJoiner(port uint16, sessionID uint32, joiner string, opts SessionOpts) bool {
	a.portsMu.Lock()
	listenerID, bound := a.boundPorts[port]
	a.portsMu.Unlock()
	if !bound {
		return false
	}
	listener, release, ok := a.portListeners.get(listenerID)
	if !ok {
		return false
	}
	defer release()

	accept := true
	if listener.AcceptSessionJoiner != nil {
		accept = listener.AcceptSessionJoiner(port, joiner, opts)
	}
	if accept {
		record := &sessionRecord{
			id:         sessionID,
			port:       port,
			multipoint: opts.Multipoint,
			opts:       opts,
		}
		record.addParticipant(joiner)
		a.sessions.addHosted(record)
	}
	return accept
}

// handleSessionJoined fires the port listener's SessionJoined after
// the router completes an accepted join.
func (a *Attachment) handleSessionJoined(_ *iface.Member, msg *wire.Message) {
	if len(msg.Args) < 3 {
		return
	}
	port, _ := msg.Args[0].(uint16)
	sessionID, _ := msg.Args[1].(uint32)
	joiner, _ := msg.Args[2].(string)

	a.portsMu.Lock()
	listenerID, bound := a.boundPorts[port]
	a.portsMu.Unlock()
	if !bound {
		return
	}
	listener, release, ok := a.portListeners.get(listenerID)
	if !ok {
		return
	}
	defer release()
	if listener.SessionJoined != nil {
		listener.SessionJoined(port, sessionID, joiner)
	}
}

// handleSessionLost removes the affected table entries and delivers
// exactly one SessionLost per removed record.
func (a *Attachment) handleSessionLost(_ *iface.Member, msg *wire.Message) {
	if len(msg.Args) < 3 {
		return
	}
	sessionID, _ := msg.Args[0].(uint32)
	reasonCode, _ := msg.Args[1].(uint32)
	disposition, _ := msg.Args[2].(uint32)

	side := SideBoth
	switch {
	case disposition&lostDispositionHost != 0 && disposition&lostDispositionJoiner == 0:
		side = SideHosted
	case disposition&lostDispositionJoiner != 0 && disposition&lostDispositionHost == 0:
		side = SideJoined
	}

	removed := a.sessions.remove(sessionID, side)
	for _, record := range removed {
		if record.listenerID == 0 {
			continue
		}
		listener, release, ok := a.sessionListeners.get(record.listenerID)
		if ok {
			if listener.SessionLost != nil {
				listener.SessionLost(sessionID, SessionLostReason(reasonCode))
			}
			release()
		}
		a.sessionListeners.remove(record.listenerID)
	}
}

// handleMPSessionChanged updates membership on both tables, applying
// the self-join filters: the host does not see its own name unless
// the router reports the add as remote-member-added, and removes are
// filtered symmetrically. The multipoint flag is set eagerly on the
// first change notification for the session.
func (a *Attachment) handleMPSessionChanged(_ *iface.Member, msg *wire.Message) {
	if len(msg.Args) < 4 {
		return
	}
	sessionID, _ := msg.Args[0].(uint32)
	memberName, _ := msg.Args[1].(string)
	isAdd, _ := msg.Args[2].(bool)
	reason, _ := msg.Args[3].(uint32)

	own := a.UniqueName()
	for _, record := range a.sessions.records(sessionID) {
		a.sessions.mu.Lock()
		record.multipoint = true
		selfJoin := record.selfJoin
		if isAdd {
			record.addParticipant(memberName)
		} else {
			record.removeParticipant(memberName)
		}
		listenerID := record.listenerID
		a.sessions.mu.Unlock()

		if memberName == own && selfJoin {
			remoteReason := MemberReasonRemoteAdded
			if !isAdd {
				remoteReason = MemberReasonRemoteRemoved
			}
			if reason != remoteReason {
				continue
			}
		}
		if listenerID == 0 {
			continue
		}
		listener, release, ok := a.sessionListeners.get(listenerID)
		if !ok {
			continue
		}
		if isAdd {
			if listener.SessionMemberAdded != nil {
				listener.SessionMemberAdded(sessionID, memberName)
			}
		} else if listener.SessionMemberRemoved != nil {
			listener.SessionMemberRemoved(sessionID, memberName)
		}
		release()
	}
}

func (a *Attachment) handleNameOwnerChanged(_ *iface.Member, msg *wire.Message) {
	if len(msg.Args) < 3 {
		return
	}
	name, _ := msg.Args[0].(string)
	previous, _ := msg.Args[1].(string)
	current, _ := msg.Args[2].(string)
	a.notifyBusListeners(func(listener BusListener) {
		if listener.NameOwnerChanged != nil {
			listener.NameOwnerChanged(name, previous, current)
		}
	})
}

func (a *Attachment) handleFoundAdvertisedName(_ *iface.Member, msg *wire.Message) {
	if len(msg.Args) < 3 {
		return
	}
	name, _ := msg.Args[0].(string)
	transportMask, _ := msg.Args[1].(uint16)
	prefix, _ := msg.Args[2].(string)
	a.notifyBusListeners(func(listener BusListener) {
		if listener.FoundAdvertisedName != nil {
			listener.FoundAdvertisedName(name, transportMask, prefix)
		}
	})
}

func (a *Attachment) handleLostAdvertisedName(_ *iface.Member, msg *wire.Message) {
	if len(msg.Args) < 3 {
		return
	}
	name, _ := msg.Args[0].(string)
	transportMask, _ := msg.Args[1].(uint16)
	prefix, _ := msg.Args[2].(string)
	a.notifyBusListeners(func(listener BusListener) {
		if listener.LostAdvertisedName != nil {
			listener.LostAdvertisedName(name, transportMask, prefix)
		}
	})
}

// handleAnnounce routes About announcements to listeners whose
// implements filter accepts the announced interface list.
func (a *Attachment) handleAnnounce(_ *iface.Member, msg *wire.Message) {
	if len(msg.Args) < 3 {
		return
	}
	version, _ := msg.Args[0].(uint16)
	port, _ := msg.Args[1].(uint16)
	interfaces, _ := msg.Args[2].([]string)

	registrations, release := a.aboutListeners.snapshot()
	defer release()
	for _, registration := range registrations {
		rule := wire.MatchRule{}
		matched := len(registration.implements) == 0
		for _, implemented := range registration.implements {
			rule.Implements = implemented
			if rule.MatchesAnnouncement(interfaces) {
				matched = true
				break
			}
		}
		if matched && registration.listener.Announced != nil {
			registration.listener.Announced(msg.Sender, version, port, interfaces)
		}
	}
}

func (a *Attachment) handleApplicationState(_ *iface.Member, msg *wire.Message) {
	if len(msg.Args) < 2 {
		return
	}
	publicKey, _ := msg.Args[0].([]byte)
	state64, _ := msg.Args[1].(uint32)

	listeners, release := a.appStateListeners.snapshot()
	defer release()
	for _, listener := range listeners {
		if listener.State != nil {
			listener.State(msg.Sender, publicKey, int(state64))
		}
	}
}

// RegisterAboutListener subscribes to announcements. WhoImplements
// narrows the delivered set.
func (a *Attachment) RegisterAboutListener(listener AboutListener, implements []string) uint64 {
	return a.aboutListeners.add(aboutRegistration{
		listener:   listener,
		implements: append([]string(nil), implements...),
	})
}

// UnregisterAboutListener removes an about listener with the usual
// quiescence guarantee.
func (a *Attachment) UnregisterAboutListener(id uint64) {
	a.aboutListeners.remove(id)
}

// WhoImplements asks the router to forward announcements of
// applications implementing every named interface.
func (a *Attachment) WhoImplements(interfaces []string) status.Status {
	for _, name := range interfaces {
		rule := wire.MatchRule{Type: "signal", Interface: AboutInterface, Implements: name}
		if st := a.AddMatch(rule.String()); st != status.OK {
			return st
		}
	}
	return status.OK
}

// applicationStateRule is the standing match rule added when the
// first application-state listener registers.
const applicationStateRule = "type='signal',interface='org.alljoyn.Bus.Application',member='State',sessionless='t'"

// RegisterApplicationStateListener subscribes to application State
// signals, adding the sessionless match rule on first registration.
func (a *Attachment) RegisterApplicationStateListener(listener ApplicationStateListener) (uint64, status.Status) {
	wasEmpty := a.appStateListeners.empty()
	id := a.appStateListeners.add(listener)
	if wasEmpty && a.IsConnected() {
		a.callAsync(DBusName, DBusPath, DBusInterface, "AddMatch", "s", []any{applicationStateRule}, nil, DefaultReplyTimeout)
	}
	return id, status.OK
}

// UnregisterApplicationStateListener removes a state listener.
// Unregistering a handle that was never registered fails with
// ApplicationStateListenerMissing; removing the last listener
// removes the match rule.
func (a *Attachment) UnregisterApplicationStateListener(id uint64) status.Status {
	if !a.appStateListeners.remove(id) {
		return status.ApplicationStateListenerMissing
	}
	if a.appStateListeners.empty() && a.IsConnected() {
		a.callAsync(DBusName, DBusPath, DBusInterface, "RemoveMatch", "s", []any{applicationStateRule}, nil, DefaultReplyTimeout)
	}
	return status.OK
}
