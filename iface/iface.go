// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package iface

import (
	"sync"

	"github.com/meshbus-foundation/meshbus/status"
	"github.com/meshbus-foundation/meshbus/wire"
)

// SecurityPolicy governs encryption enforcement for an interface's
// members.
type SecurityPolicy int

const (
	// Inherit takes the security of the object implementing the
	// interface. This is the default.
	Inherit SecurityPolicy = iota
	// Off exempts the interface from security even on a secure
	// object.
	Off
	// Required enforces encryption on every member regardless of the
	// object.
	Required
)

func (p SecurityPolicy) String() string {
	switch p {
	case Off:
		return "off"
	case Required:
		return "required"
	default:
		return "inherit"
	}
}

// MemberKind discriminates interface members.
type MemberKind int

const (
	// Method is a call with a reply.
	Method MemberKind = iota
	// SignalMember is a broadcast notification.
	SignalMember
	// Property is a named value with an access mode.
	Property
)

// Access is a property's access mode.
type Access int

const (
	// Read allows GetProperty only.
	Read Access = iota + 1
	// Write allows SetProperty only.
	Write
	// ReadWrite allows both.
	ReadWrite
)

// Member describes one method, signal, or property.
type Member struct {
	// Kind is the member kind.
	Kind MemberKind

	// Name is the member name.
	Name string

	// InSignature is the input signature for methods and the
	// payload signature for signals. Empty for properties.
	InSignature string

	// OutSignature is the output signature for methods and the
	// value signature for properties.
	OutSignature string

	// ArgNames names the arguments in declaration order,
	// inputs before outputs.
	ArgNames []string

	// Access is the access mode for properties, zero otherwise.
	Access Access

	// Annotations carries free-form member annotations.
	Annotations map[string]string
}

// Interface is a named collection of members with a security policy.
// An Interface is mutable until Activate is called, after which every
// mutation fails with InterfaceActivated and registering a duplicate
// fails with InterfaceExists.
type Interface struct {
	name string

	mu        sync.Mutex
	policy    SecurityPolicy
	members   map[string]*Member
	order     []string
	activated bool
}

// New creates an interface description. An illegal name (empty, or
// not of the dot-separated x.y form) fails with BadArg1.
func New(name string) (*Interface, status.Status) {
	if !wire.IsLegalInterfaceName(name) {
		return nil, status.BadArg1
	}
	return &Interface{
		name:    name,
		members: make(map[string]*Member),
	}, status.OK
}

// Name returns the interface name.
func (i *Interface) Name() string { return i.name }

// SetSecurityPolicy sets the policy. Fails once activated.
func (i *Interface) SetSecurityPolicy(policy SecurityPolicy) status.Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.activated {
		return status.InterfaceActivated
	}
	i.policy = policy
	return status.OK
}

// SecurityPolicy returns the policy.
func (i *Interface) SecurityPolicy() SecurityPolicy {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.policy
}

// AddMethod adds a method member. inSignature and outSignature must
// be valid signatures (BadArg2/BadArg3); a duplicate member name
// fails with BadArg1.
func (i *Interface) AddMethod(name, inSignature, outSignature string, argNames ...string) status.Status {
	if err := wire.ValidateSignature(inSignature); err != nil {
		return status.BadArg2
	}
	if err := wire.ValidateSignature(outSignature); err != nil {
		return status.BadArg3
	}
	return i.addMember(&Member{
		Kind:         Method,
		Name:         name,
		InSignature:  inSignature,
		OutSignature: outSignature,
		ArgNames:     argNames,
	})
}

// AddSignal adds a signal member.
func (i *Interface) AddSignal(name, signature string, argNames ...string) status.Status {
	if err := wire.ValidateSignature(signature); err != nil {
		return status.BadArg2
	}
	return i.addMember(&Member{
		Kind:        SignalMember,
		Name:        name,
		InSignature: signature,
		ArgNames:    argNames,
	})
}

// AddProperty adds a property member with the given value signature
// and access mode.
func (i *Interface) AddProperty(name, signature string, access Access) status.Status {
	if err := wire.ValidateSignature(signature); err != nil {
		return status.BadArg2
	}
	if access < Read || access > ReadWrite {
		return status.BadArg3
	}
	return i.addMember(&Member{
		Kind:         Property,
		Name:         name,
		OutSignature: signature,
		Access:       access,
	})
}

// AnnotateMember attaches an annotation to an existing member.
func (i *Interface) AnnotateMember(member, key, value string) status.Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.activated {
		return status.InterfaceActivated
	}
	m, ok := i.members[member]
	if !ok {
		return status.NoSuchMember
	}
	if m.Annotations == nil {
		m.Annotations = make(map[string]string)
	}
	m.Annotations[key] = value
	return status.OK
}

func (i *Interface) addMember(member *Member) status.Status {
	if !wire.IsLegalMemberName(member.Name) {
		return status.BadArg1
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.activated {
		return status.InterfaceActivated
	}
	if _, exists := i.members[member.Name]; exists {
		return status.BadArg1
	}
	i.members[member.Name] = member
	i.order = append(i.order, member.Name)
	return status.OK
}

// Activate freezes the interface. After activation the description is
// immutable and safe to share across attachments.
func (i *Interface) Activate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.activated = true
}

// Activated reports whether the interface is frozen.
func (i *Interface) Activated() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.activated
}

// Member returns the named member, or nil.
func (i *Interface) Member(name string) *Member {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.members[name]
}

// Members returns the members in declaration order.
func (i *Interface) Members() []*Member {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*Member, 0, len(i.order))
	for _, name := range i.order {
		out = append(out, i.members[name])
	}
	return out
}

// Registry is an attachment's set of interface descriptions, keyed
// by name.
type Registry struct {
	mu         sync.Mutex
	interfaces map[string]*Interface
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{interfaces: make(map[string]*Interface)}
}

// Create makes a new mutable interface and registers it. Registering
// over an existing activated interface fails with InterfaceExists; an
// existing mutable interface is replaced.
func (r *Registry) Create(name string) (*Interface, status.Status) {
	created, st := New(name)
	if st != status.OK {
		return nil, st
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.interfaces[name]; ok && existing.Activated() {
		return nil, status.InterfaceExists
	}
	r.interfaces[name] = created
	return created, status.OK
}

// Get returns the named interface, or nil.
func (r *Registry) Get(name string) *Interface {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interfaces[name]
}

// Delete removes the named interface. Deleting an activated
// interface fails with InterfaceActivated; deleting an unknown name
// fails with NoSuchInterface.
func (r *Registry) Delete(name string) status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.interfaces[name]
	if !ok {
		return status.NoSuchInterface
	}
	if existing.Activated() {
		return status.InterfaceActivated
	}
	delete(r.interfaces, name)
	return status.OK
}

// Names returns the registered interface names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.interfaces))
	for name := range r.interfaces {
		names = append(names, name)
	}
	return names
}
