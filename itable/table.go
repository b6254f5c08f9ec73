// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package itable

import (
	"fmt"
	"sort"

	"secfs.io/codec"
	"secfs.io/errors"
	"secfs.io/secfs"
)

// An Entry is the value of one itable slot: the hash of an inode, for a
// user's table, or a user's object, for a group's table.
type Entry struct {
	hash secfs.Hash
	link secfs.UserObject
	// isLink selects between hash and link.
	isLink bool
}

// ContentEntry returns an entry pointing at the block with hash h.
func ContentEntry(h secfs.Hash) Entry {
	return Entry{hash: h}
}

// LinkEntry returns an entry pointing at a user's object.
func LinkEntry(u secfs.UserObject) Entry {
	return Entry{link: u, isLink: true}
}

// IsLink reports whether e points at a user's object.
func (e Entry) IsLink() bool { return e.isLink }

// Hash returns the content hash e points at, if it is a content entry.
func (e Entry) Hash() (secfs.Hash, bool) {
	return e.hash, !e.isLink
}

// Link returns the user object e points at, if it is a link entry.
func (e Entry) Link() (secfs.UserObject, bool) {
	return e.link, e.isLink
}

func (e Entry) String() string {
	if e.isLink {
		return "->" + e.link.String()
	}
	return fmt.Sprintf("%.16s", e.hash)
}

// fits reports whether e may be stored in a table of principal p.
func (e Entry) fits(p secfs.Principal) bool {
	switch p.Kind() {
	case secfs.UserKind:
		return !e.isLink
	case secfs.GroupKind:
		return e.isLink
	}
	return false
}

// A Table is one principal's itable. A user's table maps slot numbers
// to content hashes; a group's table maps them to user objects.
// Tables are not safe for concurrent use.
type Table struct {
	principal secfs.Principal
	slots     map[uint64]Entry
}

// NewTable returns an empty table for p.
func NewTable(p secfs.Principal) *Table {
	return &Table{principal: p, slots: make(map[uint64]Entry)}
}

// Principal returns the owner of the table.
func (t *Table) Principal() secfs.Principal { return t.principal }

// Len returns the number of occupied slots.
func (t *Table) Len() int { return len(t.slots) }

// Get returns the entry in slot n.
func (t *Table) Get(n uint64) (Entry, bool) {
	e, ok := t.slots[n]
	return e, ok
}

// Set stores e in slot n. It fails with kind CorruptTable if e is the
// wrong kind of entry for the table's principal.
func (t *Table) Set(n uint64, e Entry) error {
	if !e.fits(t.principal) {
		return errors.E(errors.Op("itable.Set"), secfs.ObjectIDAt(t.principal, n), errors.CorruptTable,
			errors.Errorf("%v entry in %s table", e, t.principal.Kind()))
	}
	t.slots[n] = e
	return nil
}

// Free returns the smallest slot number not in use.
func (t *Table) Free() uint64 {
	var n uint64
	for {
		if _, ok := t.slots[n]; !ok {
			return n
		}
		n++
	}
}

// Slots returns the occupied slot numbers in increasing order.
func (t *Table) Slots() []uint64 {
	s := make([]uint64, 0, len(t.slots))
	for n := range t.slots {
		s = append(s, n)
	}
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s
}

// Clone returns a copy of t that shares nothing with it.
func (t *Table) Clone() *Table {
	c := &Table{principal: t.principal, slots: make(map[uint64]Entry, len(t.slots))}
	for n, e := range t.slots {
		c.slots[n] = e
	}
	return c
}

// Equal reports whether t and u hold the same entries for the same principal.
func (t *Table) Equal(u *Table) bool {
	if t.principal != u.principal || len(t.slots) != len(u.slots) {
		return false
	}
	for n, e := range t.slots {
		if f, ok := u.slots[n]; !ok || f != e {
			return false
		}
	}
	return true
}

// wireTable is the stored form of a Table. Exactly one of the maps
// may be non-empty, according to the kind of principal.
type wireTable struct {
	Principal secfs.Principal             `cbor:"1,keyasint"`
	Content   map[uint64]secfs.Hash       `cbor:"2,keyasint,omitempty"`
	Links     map[uint64]secfs.UserObject `cbor:"3,keyasint,omitempty"`
}

// Marshal returns the canonical stored form of t.
// Equal tables always marshal to the same bytes.
func (t *Table) Marshal() ([]byte, error) {
	const op errors.Op = "itable.Marshal"
	w := wireTable{Principal: t.principal}
	for n, e := range t.slots {
		if !e.fits(t.principal) {
			return nil, errors.E(op, secfs.ObjectIDAt(t.principal, n), errors.CorruptTable)
		}
		if e.isLink {
			if w.Links == nil {
				w.Links = make(map[uint64]secfs.UserObject)
			}
			w.Links[n] = e.link
		} else {
			if w.Content == nil {
				w.Content = make(map[uint64]secfs.Hash)
			}
			w.Content[n] = e.hash
		}
	}
	b, err := codec.Marshal(&w)
	if err != nil {
		return nil, errors.E(op, t.principal, err)
	}
	return b, nil
}

// Unmarshal parses a stored table. A table whose entries violate the
// user/group invariant fails with kind CorruptTable.
func Unmarshal(data []byte) (*Table, error) {
	const op errors.Op = "itable.Unmarshal"
	var w wireTable
	canonical, err := codec.Canonical(data, &w)
	if err != nil {
		return nil, errors.E(op, errors.CorruptTable, err)
	}
	if !canonical {
		return nil, errors.E(op, w.Principal, errors.CorruptTable, errors.Str("non-canonical encoding"))
	}
	t := NewTable(w.Principal)
	switch w.Principal.Kind() {
	case secfs.UserKind:
		if len(w.Links) != 0 {
			return nil, errors.E(op, w.Principal, errors.CorruptTable, errors.Str("user table holds links"))
		}
		for n, h := range w.Content {
			t.slots[n] = ContentEntry(h)
		}
	case secfs.GroupKind:
		if len(w.Content) != 0 {
			return nil, errors.E(op, w.Principal, errors.CorruptTable, errors.Str("group table holds content"))
		}
		for n, u := range w.Links {
			t.slots[n] = LinkEntry(u)
		}
	default:
		return nil, errors.E(op, errors.CorruptTable, errors.Str("table has no principal"))
	}
	return t, nil
}
