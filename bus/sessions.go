// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"sync"

	"github.com/meshbus-foundation/meshbus/status"
)

// TrafficType selects the data plane of a session.
type TrafficType uint8

const (
	// TrafficMessages carries ordered, reliable messages.
	TrafficMessages TrafficType = 0x01
	// TrafficRawUnreliable carries an unreliable raw byte stream.
	TrafficRawUnreliable TrafficType = 0x02
	// TrafficRawReliable carries a reliable raw byte stream.
	TrafficRawReliable TrafficType = 0x04
)

// Proximity masks.
const (
	ProximityAny      uint8 = 0xFF
	ProximityPhysical uint8 = 0x01
	ProximityNetwork  uint8 = 0x02
)

// Transport masks for session options and advertising.
const (
	TransportNone  uint16 = 0x0000
	TransportLocal uint16 = 0x0001
	TransportTCP   uint16 = 0x0004
	TransportUDP   uint16 = 0x0100
	TransportAny   uint16 = 0xFFFF
)

// SessionPortAny asks the router to pick a free port at bind time.
const SessionPortAny uint16 = 0

// SessionOpts are the negotiated options of a session, carried on
// the wire as a dict of variants.
type SessionOpts struct {
	Traffic       TrafficType
	Multipoint    bool
	Proximity     uint8
	TransportMask uint16
}

// DefaultSessionOpts returns the common point-to-point option set.
func DefaultSessionOpts() SessionOpts {
	return SessionOpts{
		Traffic:       TrafficMessages,
		Proximity:     ProximityAny,
		TransportMask: TransportAny,
	}
}

// ToMap encodes the options as the wire's a{sv} dictionary.
func (o SessionOpts) ToMap() map[string]any {
	return map[string]any{
		"traf":  uint8(o.Traffic),
		"multi": o.Multipoint,
		"prox":  o.Proximity,
		"trans": o.TransportMask,
	}
}

// SessionOptsFromMap decodes a received a{sv} dictionary, tolerating
// absent keys.
func SessionOptsFromMap(m map[string]any) SessionOpts {
	opts := DefaultSessionOpts()
	if v, ok := m["traf"].(uint8); ok {
		opts.Traffic = TrafficType(v)
	}
	if v, ok := m["multi"].(bool); ok {
		opts.Multipoint = v
	}
	if v, ok := m["prox"].(uint8); ok {
		opts.Proximity = v
	}
	if v, ok := m["trans"].(uint16); ok {
		opts.TransportMask = v
	}
	return opts
}

// SessionLostReason explains a SessionLost event.
type SessionLostReason uint32

const (
	// LostInvalid is never delivered.
	LostInvalid SessionLostReason = iota
	// LostRemoteEndLeft: the remote end called LeaveSession.
	LostRemoteEndLeft
	// LostRemoteEndClosed: the remote end went away abruptly.
	LostRemoteEndClosed
	// LostRemovedByBinder: the host removed this member.
	LostRemovedByBinder
	// LostLinkTimeout: the link timed out.
	LostLinkTimeout
	// LostOther: unclassified.
	LostOther
)

// SessionLost disposition bits: which side of a self-join lost the
// session.
const (
	lostDispositionHost   uint32 = 0x01
	lostDispositionJoiner uint32 = 0x02
)

// MPSessionChangedWithReason reason codes.
const (
	// MemberReasonLocal marks a change caused by this attachment's
	// own join or leave.
	MemberReasonLocal uint32 = 0
	// MemberReasonRemoteAdded marks an add the router observed from
	// a remote (or self-joined) member. During self-join this is the
	// one reason for which the host does see its own name.
	MemberReasonRemoteAdded uint32 = 1
	// MemberReasonRemoteRemoved is the symmetric remove reason.
	MemberReasonRemoteRemoved uint32 = 2
)

// SessionSide selects the host table, the joiner table, or both.
type SessionSide int

const (
	// SideHosted addresses the host-side entry.
	SideHosted SessionSide = iota
	// SideJoined addresses the joiner-side entry.
	SideJoined
	// SideBoth addresses both entries. Ambiguous for self-join
	// sessions, which carry independent listeners per side.
	SideBoth
)

// sessionRecord is one entry of the host or joiner table.
type sessionRecord struct {
	id         uint32
	port       uint16
	host       bool
	multipoint bool
	selfJoin   bool
	opts       SessionOpts

	// listenerID is the handle into the attachment's session
	// listener set, zero when no listener is attached.
	listenerID uint64

	// participants holds the other members' bus names.
	participants map[string]struct{}
}

func (r *sessionRecord) addParticipant(name string) {
	if r.participants == nil {
		r.participants = make(map[string]struct{})
	}
	r.participants[name] = struct{}{}
}

func (r *sessionRecord) removeParticipant(name string) {
	delete(r.participants, name)
}

// sessionDirectory is the pair of tables tracking hosted and joined
// sessions. A self-join session id appears in both tables with
// independent records.
type sessionDirectory struct {
	mu     sync.Mutex
	hosted map[uint32]*sessionRecord
	joined map[uint32]*sessionRecord
}

func newSessionDirectory() *sessionDirectory {
	return &sessionDirectory{
		hosted: make(map[uint32]*sessionRecord),
		joined: make(map[uint32]*sessionRecord),
	}
}

// addHosted inserts a host-side record, marking self-join on both
// records when the joiner side already exists.
func (d *sessionDirectory) addHosted(record *sessionRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	record.host = true
	d.hosted[record.id] = record
	if joined, ok := d.joined[record.id]; ok {
		record.selfJoin = true
		joined.selfJoin = true
	}
}

// addJoined inserts a joiner-side record, marking self-join on both
// records when the host side already exists.
func (d *sessionDirectory) addJoined(record *sessionRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	record.host = false
	d.joined[record.id] = record
	if hosted, ok := d.hosted[record.id]; ok {
		record.selfJoin = true
		hosted.selfJoin = true
	}
}

// get returns the record for (id, side). For SideBoth it prefers the
// hosted record and reports ambiguity when both exist.
func (d *sessionDirectory) get(id uint32, side SessionSide) (record *sessionRecord, ambiguous bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hosted := d.hosted[id]
	joined := d.joined[id]
	switch side {
	case SideHosted:
		return hosted, false
	case SideJoined:
		return joined, false
	default:
		if hosted != nil && joined != nil {
			return nil, true
		}
		if hosted != nil {
			return hosted, false
		}
		return joined, false
	}
}

// remove drops the record(s) for id on the given side(s) and returns
// the removed records.
func (d *sessionDirectory) remove(id uint32, side SessionSide) []*sessionRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	var removed []*sessionRecord
	if side == SideHosted || side == SideBoth {
		if record, ok := d.hosted[id]; ok {
			delete(d.hosted, id)
			removed = append(removed, record)
		}
	}
	if side == SideJoined || side == SideBoth {
		if record, ok := d.joined[id]; ok {
			delete(d.joined, id)
			removed = append(removed, record)
		}
	}
	// Removing one side of a self-join clears the bit on the
	// survivor, keeping the two tables consistent.
	if record, ok := d.hosted[id]; ok {
		record.selfJoin = false
	}
	if record, ok := d.joined[id]; ok {
		record.selfJoin = false
	}
	return removed
}

// records returns the record(s) for id, hosted first.
func (d *sessionDirectory) records(id uint32) []*sessionRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*sessionRecord
	if record, ok := d.hosted[id]; ok {
		out = append(out, record)
	}
	if record, ok := d.joined[id]; ok {
		out = append(out, record)
	}
	return out
}

// setListener attaches a listener handle to (id, side). Fails with
// LeaveNoSession when no record exists and reports ambiguity for
// SideBoth on a self-join.
func (d *sessionDirectory) setListener(id uint32, side SessionSide, listenerID uint64) (previous uint64, st status.Status) {
	record, ambiguous := d.get(id, side)
	if ambiguous {
		return 0, status.BadArg2
	}
	if record == nil {
		return 0, status.LeaveNoSession
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	previous = record.listenerID
	record.listenerID = listenerID
	return previous, status.OK
}
