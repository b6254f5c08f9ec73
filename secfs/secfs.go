// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package secfs

import (
	"context"
	"fmt"
)

// A UserID identifies a user. Users hold signing keys.
type UserID uint32

// A GroupID identifies a group of users. Groups hold no keys of their own.
type GroupID uint32

// PrincipalKind distinguishes the two variants of a Principal.
type PrincipalKind uint8

// Kinds of principal. The zero value is not a valid principal.
const (
	NoPrincipal PrincipalKind = iota
	UserKind
	GroupKind
)

func (k PrincipalKind) String() string {
	switch k {
	case UserKind:
		return "user"
	case GroupKind:
		return "group"
	}
	return "invalid"
}

// A Principal is either a user or a group. It is comparable and may be used
// as a map key. The zero Principal is invalid.
type Principal struct {
	kind PrincipalKind
	id   uint32
}

// UserPrincipal returns the principal for user u.
func UserPrincipal(u UserID) Principal {
	return Principal{kind: UserKind, id: uint32(u)}
}

// GroupPrincipal returns the principal for group g.
func GroupPrincipal(g GroupID) Principal {
	return Principal{kind: GroupKind, id: uint32(g)}
}

// Principal returns u as a Principal.
func (u UserID) Principal() Principal { return UserPrincipal(u) }

// Principal returns g as a Principal.
func (g GroupID) Principal() Principal { return GroupPrincipal(g) }

func (u UserID) String() string  { return fmt.Sprintf("user:%d", uint32(u)) }
func (g GroupID) String() string { return fmt.Sprintf("group:%d", uint32(g)) }

// Kind reports which variant p is.
func (p Principal) Kind() PrincipalKind { return p.kind }

// Valid reports whether p is a user or a group.
func (p Principal) Valid() bool { return p.kind == UserKind || p.kind == GroupKind }

// IsUser reports whether p is a user.
func (p Principal) IsUser() bool { return p.kind == UserKind }

// IsGroup reports whether p is a group.
func (p Principal) IsGroup() bool { return p.kind == GroupKind }

// ID returns the numeric identifier of p regardless of its kind.
func (p Principal) ID() uint32 { return p.id }

// User returns the user p names, if p is a user.
func (p Principal) User() (UserID, bool) {
	if p.kind != UserKind {
		return 0, false
	}
	return UserID(p.id), true
}

// Group returns the group p names, if p is a group.
func (p Principal) Group() (GroupID, bool) {
	if p.kind != GroupKind {
		return 0, false
	}
	return GroupID(p.id), true
}

func (p Principal) String() string {
	return fmt.Sprintf("%s:%d", p.kind, p.id)
}

// HashSize is the number of bytes in a content hash.
const HashSize = 32

// A Hash names a block in the content-addressed store. It is the SHA-256
// hash of the block's bytes; see package sha256key.
type Hash [HashSize]byte

// ZeroHash is the zero-valued hash. It never names a block and is used
// as the previous handle of a genesis version structure.
var ZeroHash Hash

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == ZeroHash }

// String returns a hexadecimal representation of the hash.
func (h Hash) String() string { return fmt.Sprintf("%X", h[:]) }

// An ObjectID names a file system object within a principal's itable.
// An ObjectID that is not Allocated has not yet been assigned a slot;
// it becomes allocated when it is first written.
type ObjectID struct {
	Principal Principal
	Num       uint64
	Allocated bool
}

// NewObjectID returns an unallocated ObjectID for p.
func NewObjectID(p Principal) ObjectID {
	return ObjectID{Principal: p}
}

// ObjectIDAt returns the allocated ObjectID for slot n of p's itable.
func ObjectIDAt(p Principal, n uint64) ObjectID {
	return ObjectID{Principal: p, Num: n, Allocated: true}
}

// An ObjectKey is the identity of an allocated ObjectID.
type ObjectKey struct {
	Principal Principal
	Num       uint64
}

// Key returns the identity of id for use as a map key.
// It panics if id is unallocated: an unallocated ObjectID has no identity.
func (id ObjectID) Key() ObjectKey {
	if !id.Allocated {
		panic(fmt.Sprintf("secfs: key of unallocated object id %v", id))
	}
	return ObjectKey{Principal: id.Principal, Num: id.Num}
}

func (id ObjectID) String() string {
	if !id.Allocated {
		return fmt.Sprintf("(%v, <unallocated>)", id.Principal)
	}
	return fmt.Sprintf("(%v, %d)", id.Principal, id.Num)
}

// A UserObject is an allocated ObjectID owned by a user. It is the only
// kind of value a group's itable may hold, which bounds group indirection
// to a single level.
type UserObject struct {
	User UserID
	Num  uint64
}

// ObjectID returns u as an allocated ObjectID.
func (u UserObject) ObjectID() ObjectID {
	return ObjectIDAt(UserPrincipal(u.User), u.Num)
}

func (u UserObject) String() string { return u.ObjectID().String() }

// UserObjectOf returns id as a UserObject, if id is an allocated user object.
func UserObjectOf(id ObjectID) (UserObject, bool) {
	u, ok := id.Principal.User()
	if !ok || !id.Allocated {
		return UserObject{}, false
	}
	return UserObject{User: u, Num: id.Num}, true
}

// Store service.

// The StoreServer saves and retrieves blocks without interpretation and
// keeps, for each principal, the log of signed version structures that
// describe the principal's itable. Nothing it returns is trusted: callers
// verify every block against its hash and every log entry against its
// signature and its predecessor.
type StoreServer interface {
	// Put stores the block and returns its hash.
	Put(ctx context.Context, data []byte) (Hash, error)

	// Get returns the block with the given hash.
	// It returns an error of kind NotExist if the block is unknown.
	Get(ctx context.Context, h Hash) ([]byte, error)

	// Append adds the encoded version structure vs, whose sequence number
	// is seq, to the log of principal p. It fails with kind Conflict
	// unless seq is exactly one more than the current head of the log.
	Append(ctx context.Context, p Principal, seq uint64, vs []byte) error

	// Log returns, in sequence order, the encoded version structures of
	// p's log whose sequence number is greater than after.
	Log(ctx context.Context, p Principal, after uint64) ([][]byte, error)

	// Principals returns every principal that has a non-empty log.
	Principals(ctx context.Context) ([]Principal, error)

	// Lock acquires the server's exclusive session lock, blocking until
	// it is available or ctx is done.
	Lock(ctx context.Context) error

	// Unlock releases the session lock.
	Unlock() error

	// Close releases any resources held by the server.
	Close() error
}

// Packing.

// A Packing identifies the technique for turning the stored bytes of a
// content block into the user's data.
type Packing uint8

// Packings.
const (
	// PlainPack is the trivial, no-op packing. Bytes are copied untouched.
	PlainPack Packing = 0

	// SymmPack encrypts with XChaCha20-Poly1305 under a shared content key.
	SymmPack Packing = 1
)

// Packer provides the implementation of a Packing. The pack package binds
// Packing values to the concrete implementations of this interface.
type Packer interface {
	// Packing returns the integer identifier of this Packing algorithm.
	Packing() Packing

	// String returns the name of this packer.
	String() string

	// Pack returns the stored form of cleartext under the opaque key.
	Pack(key, cleartext []byte) ([]byte, error)

	// Unpack returns the cleartext of a block produced by Pack.
	Unpack(key, ciphertext []byte) ([]byte, error)
}
