// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package access decides whether a user may read, write or execute an
// object.
//
// Reads are always allowed: confidentiality comes from encrypting
// content, not from refusing to hand out blocks. Writes are allowed to
// the user that owns the object's inode, or to any member of the group
// that owns it. Execution requires the inode's executable flag.
//
// The Gate never changes anything; it only reads the object's inode and
// the current group memberships.
package access // import "secfs.io/access"

import (
	"context"

	"secfs.io/errors"
	"secfs.io/inode"
	"secfs.io/registry"
	"secfs.io/secfs"
)

// A Right is one kind of access to an object.
type Right int

// Rights.
const (
	Read Right = iota
	Write
	Execute
	numRights
)

// rightNames are the names of the rights, in order.
var rightNames = []string{
	"read",
	"write",
	"execute",
}

// String returns a textual representation of the right.
func (r Right) String() string {
	if r < 0 || numRights <= r {
		return "invalidRight"
	}
	return rightNames[r]
}

// An InodeLoader returns the current inode of an object.
type InodeLoader interface {
	Inode(ctx context.Context, id secfs.ObjectID) (*inode.Inode, error)
}

// LoaderFunc adapts a function to an InodeLoader.
type LoaderFunc func(ctx context.Context, id secfs.ObjectID) (*inode.Inode, error)

// Inode implements InodeLoader.
func (f LoaderFunc) Inode(ctx context.Context, id secfs.ObjectID) (*inode.Inode, error) {
	return f(ctx, id)
}

// A RegistrySource supplies the current registries.
// An *itable.View is a RegistrySource.
type RegistrySource interface {
	Registry() *registry.Registry
}

// A Gate makes access decisions against current inodes and groups.
type Gate struct {
	load     InodeLoader
	registry RegistrySource
}

// NewGate returns a Gate that reads inodes with load and group
// memberships from reg.
func NewGate(load InodeLoader, reg RegistrySource) *Gate {
	return &Gate{load: load, registry: reg}
}

func checkID(op errors.Op, user secfs.UserID, id secfs.ObjectID) error {
	if !id.Principal.Valid() {
		return errors.E(op, user, errors.TypeMismatch, errors.Str("invalid principal"))
	}
	if !id.Allocated {
		return errors.E(op, user, id, errors.TypeMismatch, errors.Str("unallocated object id"))
	}
	return nil
}

// CanRead reports whether user may read id. It is always true for a
// well-formed id.
func (g *Gate) CanRead(ctx context.Context, user secfs.UserID, id secfs.ObjectID) (bool, error) {
	const op errors.Op = "access.CanRead"
	if err := checkID(op, user, id); err != nil {
		return false, err
	}
	return true, nil
}

// CanWrite reports whether user may write id: whether the inode's owner
// is user, or a group that has user as a member.
func (g *Gate) CanWrite(ctx context.Context, user secfs.UserID, id secfs.ObjectID) (bool, error) {
	const op errors.Op = "access.CanWrite"
	if err := checkID(op, user, id); err != nil {
		return false, err
	}
	n, err := g.load.Inode(ctx, id)
	if err != nil {
		return false, errors.E(op, user, err)
	}
	var groups registry.Groups
	if reg := g.registry.Registry(); reg != nil {
		groups = reg.Groups
	}
	return OwnerCanWrite(groups, user, n.Owner), nil
}

// CanExecute reports whether user may execute id: whether it is
// readable and its inode is marked executable.
func (g *Gate) CanExecute(ctx context.Context, user secfs.UserID, id secfs.ObjectID) (bool, error) {
	const op errors.Op = "access.CanExecute"
	ok, err := g.CanRead(ctx, user, id)
	if err != nil || !ok {
		return false, err
	}
	n, err := g.load.Inode(ctx, id)
	if err != nil {
		return false, errors.E(op, user, err)
	}
	return n.Executable, nil
}

// Can reports whether user holds right on id.
func (g *Gate) Can(ctx context.Context, user secfs.UserID, right Right, id secfs.ObjectID) (bool, error) {
	switch right {
	case Read:
		return g.CanRead(ctx, user, id)
	case Write:
		return g.CanWrite(ctx, user, id)
	case Execute:
		return g.CanExecute(ctx, user, id)
	}
	return false, errors.E(errors.Op("access.Can"), errors.Invalid, errors.Errorf("unknown right %d", right))
}

// Check is like Can but reports a refusal as an error of kind Permission.
func (g *Gate) Check(ctx context.Context, user secfs.UserID, right Right, id secfs.ObjectID) error {
	const op errors.Op = "access.Check"
	ok, err := g.Can(ctx, user, right, id)
	if err != nil {
		return errors.E(op, err)
	}
	if !ok {
		return errors.E(op, user, id, errors.Permission, errors.Errorf("no %s right", right))
	}
	return nil
}

// OwnerCanWrite reports whether user may write an object whose inode
// is owned by owner, given the group memberships.
func OwnerCanWrite(groups registry.Groups, user secfs.UserID, owner secfs.Principal) bool {
	switch owner.Kind() {
	case secfs.UserKind:
		u, _ := owner.User()
		return u == user
	case secfs.GroupKind:
		g, _ := owner.Group()
		return groups.IsMember(g, user)
	}
	return false
}
