// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"sort"
	"strings"
	"sync"

	"github.com/meshbus-foundation/meshbus/status"
	"github.com/meshbus-foundation/meshbus/wire"
)

// Object is one node of the object tree: a path, the interfaces
// implemented there, and the flags that drive security and
// announcement. Parent and child links are path strings, not
// pointers, so the ownership graph stays a forest and destruction
// never chases cycles.
type Object struct {
	// Path is the object path.
	Path string

	// Interfaces names the interfaces the object implements.
	Interfaces []string

	// Announced marks interfaces included in About announcements.
	Announced map[string]bool

	// Secure marks the object (and transitively its descendants) as
	// requiring encrypted access for Inherit-policy interfaces.
	Secure bool

	// Placeholder marks objects auto-created to fill a path prefix.
	Placeholder bool

	// Parent is the parent path, empty for the root object.
	Parent string

	// Children holds child paths in sorted order.
	Children []string
}

// TreeListener observes object lifecycle events. Callbacks run on the
// goroutine mutating the tree after the tree lock is released.
type TreeListener struct {
	ObjectRegistered   func(path string)
	ObjectUnregistered func(path string)
}

// Tree is the registry of bus objects keyed by path. Registering
// /a/b/c auto-creates placeholder objects for /a and /a/b; a later
// real registration replaces the placeholder in place.
type Tree struct {
	listener TreeListener

	mu      sync.Mutex
	objects map[string]*Object
}

// NewTree returns a tree holding only the root placeholder.
func NewTree(listener TreeListener) *Tree {
	tree := &Tree{
		listener: listener,
		objects:  make(map[string]*Object),
	}
	tree.objects["/"] = &Object{Path: "/", Placeholder: true}
	return tree
}

// Register installs an object at path. Placeholder ancestors are
// created as needed and inherit the secure bit of the registered
// object; a secure ancestor conversely marks the new object secure.
// Registering over an existing non-placeholder object fails with
// ObjectExists.
func (t *Tree) Register(path string, interfaces []string, secure bool) status.Status {
	if !wire.IsLegalObjectPath(path) {
		return status.BadObjectPath
	}

	t.mu.Lock()
	existing := t.objects[path]
	if existing != nil && !existing.Placeholder {
		t.mu.Unlock()
		return status.ObjectExists
	}

	// A secure ancestor transitively secures this object.
	if t.hasSecureAncestorLocked(path) {
		secure = true
	}

	object := &Object{
		Path:       path,
		Interfaces: append([]string(nil), interfaces...),
		Announced:  make(map[string]bool),
		Secure:     secure,
	}
	if existing != nil {
		// Replacing a placeholder keeps its children and its
		// accumulated secure bit.
		object.Children = existing.Children
		object.Secure = object.Secure || existing.Secure
		object.Parent = existing.Parent
		t.objects[path] = object
	} else {
		t.objects[path] = object
		t.attachLocked(object, secure)
	}

	if secure {
		t.secureDescendantsLocked(path)
	}
	t.mu.Unlock()

	if t.listener.ObjectRegistered != nil {
		t.listener.ObjectRegistered(path)
	}
	return status.OK
}

// attachLocked links object to its parent, creating placeholder
// ancestors. Placeholders inherit the secure bit of the child that
// caused their creation.
func (t *Tree) attachLocked(object *Object, secure bool) {
	if object.Path == "/" {
		return
	}
	parentPath := parentOf(object.Path)
	parent := t.objects[parentPath]
	if parent == nil {
		parent = &Object{
			Path:        parentPath,
			Placeholder: true,
			Secure:      secure,
		}
		t.objects[parentPath] = parent
		t.attachLocked(parent, secure)
	}
	object.Parent = parentPath
	parent.Children = insertSorted(parent.Children, object.Path)
}

// Unregister removes the object at path: fires ObjectUnregistered,
// detaches from the parent, and deletes placeholder children. When
// real descendants remain, the record is replaced by a placeholder so
// their prefix chain stays intact.
func (t *Tree) Unregister(path string) status.Status {
	t.mu.Lock()
	object := t.objects[path]
	if object == nil || object.Placeholder {
		t.mu.Unlock()
		return status.NoSuchObject
	}

	// Placeholder children exist only to fill prefixes for their own
	// descendants; delete the ones with no remaining real
	// descendants.
	for _, child := range append([]string(nil), object.Children...) {
		childObject := t.objects[child]
		if childObject != nil && childObject.Placeholder && !t.hasRealDescendantLocked(child) {
			t.deleteSubtreeLocked(child)
		}
	}

	object = t.objects[path]
	if len(object.Children) > 0 {
		// Real descendants remain; leave a placeholder so their
		// prefix chain stays intact.
		t.objects[path] = &Object{
			Path:        path,
			Placeholder: true,
			Secure:      object.Secure,
			Parent:      object.Parent,
			Children:    object.Children,
		}
	} else {
		t.detachLocked(object)
	}
	t.mu.Unlock()

	if t.listener.ObjectUnregistered != nil {
		t.listener.ObjectUnregistered(path)
	}
	return status.OK
}

// detachLocked removes object from the map and from its parent's
// child list, then prunes parent placeholders left childless.
func (t *Tree) detachLocked(object *Object) {
	delete(t.objects, object.Path)
	if object.Parent == "" {
		return
	}
	parent := t.objects[object.Parent]
	if parent == nil {
		return
	}
	parent.Children = removeSorted(parent.Children, object.Path)
	if parent.Placeholder && len(parent.Children) == 0 && parent.Path != "/" {
		t.detachLocked(parent)
	}
}

// deleteSubtreeLocked removes an object and all its descendants,
// iteratively.
func (t *Tree) deleteSubtreeLocked(path string) {
	pending := []string{path}
	for len(pending) > 0 {
		current := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		object := t.objects[current]
		if object == nil {
			continue
		}
		pending = append(pending, object.Children...)
		delete(t.objects, current)
	}
	// Detach the subtree root from its parent.
	if parent := t.objects[parentOf(path)]; parent != nil {
		parent.Children = removeSorted(parent.Children, path)
	}
}

func (t *Tree) hasSecureAncestorLocked(path string) bool {
	for current := parentOf(path); ; current = parentOf(current) {
		if object := t.objects[current]; object != nil && object.Secure {
			return true
		}
		if current == "/" {
			return false
		}
	}
}

func (t *Tree) hasRealDescendantLocked(path string) bool {
	object := t.objects[path]
	if object == nil {
		return false
	}
	for _, child := range object.Children {
		childObject := t.objects[child]
		if childObject == nil {
			continue
		}
		if !childObject.Placeholder || t.hasRealDescendantLocked(child) {
			return true
		}
	}
	return false
}

func (t *Tree) secureDescendantsLocked(path string) {
	object := t.objects[path]
	if object == nil {
		return
	}
	for _, child := range object.Children {
		if childObject := t.objects[child]; childObject != nil {
			childObject.Secure = true
			t.secureDescendantsLocked(child)
		}
	}
}

// Get returns a copy of the object at path, and whether it exists.
func (t *Tree) Get(path string) (Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	object := t.objects[path]
	if object == nil {
		return Object{}, false
	}
	copied := *object
	copied.Interfaces = append([]string(nil), object.Interfaces...)
	copied.Children = append([]string(nil), object.Children...)
	return copied, true
}

// Paths returns every registered path in sorted order, placeholders
// included.
func (t *Tree) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	paths := make([]string, 0, len(t.objects))
	for path := range t.objects {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// SetAnnounced marks an interface of the object at path as announced.
func (t *Tree) SetAnnounced(path, ifaceName string) status.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	object := t.objects[path]
	if object == nil || object.Placeholder {
		return status.NoSuchObject
	}
	for _, name := range object.Interfaces {
		if name == ifaceName {
			object.Announced[ifaceName] = true
			return status.OK
		}
	}
	return status.NoSuchInterface
}

func parentOf(path string) string {
	if path == "/" {
		return "/"
	}
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func insertSorted(list []string, value string) []string {
	i := sort.SearchStrings(list, value)
	if i < len(list) && list[i] == value {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = value
	return list
}

func removeSorted(list []string, value string) []string {
	i := sort.SearchStrings(list, value)
	if i < len(list) && list[i] == value {
		return append(list[:i:i], list[i+1:]...)
	}
	return list
}
