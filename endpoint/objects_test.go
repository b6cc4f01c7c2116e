// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"strings"
	"testing"

	"github.com/meshbus-foundation/meshbus/status"
)

func TestRegisterCreatesPlaceholderAncestors(t *testing.T) {
	tree := NewTree(TreeListener{})
	if st := tree.Register("/a/b/c", []string{"x.y"}, false); st != status.OK {
		t.Fatalf("Register: %v", st)
	}

	// Every strict path prefix is present, as placeholder or object.
	for _, prefix := range []string{"/a", "/a/b"} {
		object, ok := tree.Get(prefix)
		if !ok {
			t.Fatalf("prefix %s not registered", prefix)
		}
		if !object.Placeholder {
			t.Fatalf("prefix %s is not a placeholder", prefix)
		}
	}
	leaf, _ := tree.Get("/a/b/c")
	if leaf.Placeholder || leaf.Parent != "/a/b" {
		t.Fatalf("leaf = %+v", leaf)
	}
}

func TestRegisterRejectsDuplicateAndBadPath(t *testing.T) {
	tree := NewTree(TreeListener{})
	if st := tree.Register("/door", nil, false); st != status.OK {
		t.Fatalf("Register: %v", st)
	}
	if st := tree.Register("/door", nil, false); st != status.ObjectExists {
		t.Fatalf("duplicate = %v, want ObjectExists", st)
	}
	if st := tree.Register("door", nil, false); st != status.BadObjectPath {
		t.Fatalf("relative path = %v, want BadObjectPath", st)
	}
	if st := tree.Register("/door/", nil, false); st != status.BadObjectPath {
		t.Fatalf("trailing slash = %v, want BadObjectPath", st)
	}
}

func TestRealRegistrationReplacesPlaceholder(t *testing.T) {
	tree := NewTree(TreeListener{})
	tree.Register("/a/b", nil, false)

	if st := tree.Register("/a", []string{"x.y"}, false); st != status.OK {
		t.Fatalf("replace placeholder = %v", st)
	}
	object, _ := tree.Get("/a")
	if object.Placeholder {
		t.Fatal("replaced object still a placeholder")
	}
	if len(object.Children) != 1 || object.Children[0] != "/a/b" {
		t.Fatalf("children lost on replace: %v", object.Children)
	}
}

func TestSecureBitPropagation(t *testing.T) {
	tree := NewTree(TreeListener{})

	// Placeholders inherit the secure bit of the child that created
	// them.
	tree.Register("/s/deep/leaf", nil, true)
	for _, path := range []string{"/s", "/s/deep", "/s/deep/leaf"} {
		object, _ := tree.Get(path)
		if !object.Secure {
			t.Fatalf("%s not secure", path)
		}
	}

	// A secure ancestor transitively secures later registrations.
	tree.Register("/s/deep/other", nil, false)
	object, _ := tree.Get("/s/deep/other")
	if !object.Secure {
		t.Fatal("descendant of secure object not secure")
	}
}

func TestUnregisterDeletesPlaceholderChildren(t *testing.T) {
	var unregistered []string
	tree := NewTree(TreeListener{
		ObjectUnregistered: func(path string) { unregistered = append(unregistered, path) },
	})
	tree.Register("/root", nil, false)
	// Child placeholder chain under /root with no real descendants
	// does not occur through Register; create one via a deeper object
	// then remove the deep object first.
	tree.Register("/root/mid/leaf", nil, false)
	if st := tree.Unregister("/root/mid/leaf"); st != status.OK {
		t.Fatalf("Unregister leaf: %v", st)
	}
	// The /root/mid placeholder lost its only real descendant.
	if _, ok := tree.Get("/root/mid"); ok {
		t.Fatal("orphan placeholder /root/mid survived")
	}

	if st := tree.Unregister("/root"); st != status.OK {
		t.Fatalf("Unregister root: %v", st)
	}
	if _, ok := tree.Get("/root"); ok {
		t.Fatal("/root still present")
	}
	if len(unregistered) != 2 || unregistered[0] != "/root/mid/leaf" || unregistered[1] != "/root" {
		t.Fatalf("unregistered callbacks = %v", unregistered)
	}

	if st := tree.Unregister("/root"); st != status.NoSuchObject {
		t.Fatalf("double unregister = %v, want NoSuchObject", st)
	}
}

func TestUnregisterKeepsRealDescendants(t *testing.T) {
	tree := NewTree(TreeListener{})
	tree.Register("/a", nil, false)
	tree.Register("/a/b", nil, false)

	if st := tree.Unregister("/a"); st != status.OK {
		t.Fatalf("Unregister: %v", st)
	}
	replaced, ok := tree.Get("/a")
	if !ok || !replaced.Placeholder {
		t.Fatalf("parent with real child = %+v, ok=%v; want placeholder", replaced, ok)
	}
	if _, ok := tree.Get("/a/b"); !ok {
		t.Fatal("real child deleted with parent")
	}
}

// Every registered path's strict prefixes are registered (as object
// or placeholder), across a mixed set of registrations.
func TestPrefixInvariant(t *testing.T) {
	tree := NewTree(TreeListener{})
	for _, path := range []string{"/a/b/c", "/a/x", "/d", "/a/b/c/e/f"} {
		if st := tree.Register(path, nil, false); st != status.OK {
			t.Fatalf("Register(%s): %v", path, st)
		}
	}
	for _, path := range tree.Paths() {
		if path == "/" {
			continue
		}
		for prefix := parentOf(path); ; prefix = parentOf(prefix) {
			if _, ok := tree.Get(prefix); !ok {
				t.Fatalf("prefix %s of %s not registered", prefix, path)
			}
			if prefix == "/" {
				break
			}
		}
	}
}

func TestSetAnnounced(t *testing.T) {
	tree := NewTree(TreeListener{})
	tree.Register("/door", []string{"sample.secure.Door"}, false)
	if st := tree.SetAnnounced("/door", "sample.secure.Door"); st != status.OK {
		t.Fatalf("SetAnnounced: %v", st)
	}
	if st := tree.SetAnnounced("/door", "other.Iface"); st != status.NoSuchInterface {
		t.Fatalf("SetAnnounced unknown iface = %v", st)
	}
	if st := tree.SetAnnounced("/missing", "x.y"); st != status.NoSuchObject {
		t.Fatalf("SetAnnounced unknown object = %v", st)
	}
	object, _ := tree.Get("/door")
	if !object.Announced["sample.secure.Door"] {
		t.Fatal("announced flag not set")
	}
}

func TestParentOf(t *testing.T) {
	tests := []struct{ path, want string }{
		{"/", "/"},
		{"/a", "/"},
		{"/a/b", "/a"},
		{"/a/b/c", "/a/b"},
	}
	for _, test := range tests {
		if got := parentOf(test.path); got != test.want {
			t.Errorf("parentOf(%q) = %q, want %q", test.path, got, test.want)
		}
	}
	if !strings.HasPrefix("/a/b", parentOf("/a/b")) {
		t.Fatal("parent is not a prefix")
	}
}
