// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tree defines the contents of a directory: an ordered list of
// named object ids.
//
// Names are compared after NFC normalization, so two spellings of the
// same name cannot coexist in one directory.
package tree // import "secfs.io/tree"

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"secfs.io/codec"
	"secfs.io/errors"
	"secfs.io/secfs"
)

// Names of the self and parent entries every directory holds.
const (
	Self   = "."
	Parent = ".."
)

// MaxNameLen is the longest permitted entry name, in bytes after normalization.
const MaxNameLen = 255

// An Entry binds a name to an object.
type Entry struct {
	Name string         `cbor:"1,keyasint"`
	ID   secfs.ObjectID `cbor:"2,keyasint"`
}

// A Directory is the decoded content of a directory inode.
type Directory struct {
	Entries []Entry `cbor:"1,keyasint"`
}

// New returns a directory holding only its . and .. entries.
// The root directory is its own parent.
func New(self, parent secfs.ObjectID) *Directory {
	return &Directory{
		Entries: []Entry{
			{Name: Self, ID: self},
			{Name: Parent, ID: parent},
		},
	}
}

// CleanName returns the normalized form of name, or an error
// if name cannot appear in a directory.
func CleanName(name string) (string, error) {
	const op errors.Op = "tree.CleanName"
	n := norm.NFC.String(name)
	switch {
	case n == "":
		return "", errors.E(op, errors.Invalid, errors.Str("empty name"))
	case n == Self || n == Parent:
		return "", errors.E(op, errors.Invalid, errors.Errorf("reserved name %q", n))
	case strings.ContainsAny(n, "/\x00"):
		return "", errors.E(op, errors.Invalid, errors.Errorf("bad character in name %q", n))
	case len(n) > MaxNameLen:
		return "", errors.E(op, errors.Invalid, errors.Errorf("name too long: %d bytes", len(n)))
	}
	return n, nil
}

// Lookup returns the id bound to name.
func (d *Directory) Lookup(name string) (secfs.ObjectID, bool) {
	name = norm.NFC.String(name)
	for _, e := range d.Entries {
		if e.Name == name {
			return e.ID, true
		}
	}
	return secfs.ObjectID{}, false
}

// Add appends an entry binding name to id. It fails with kind Exist
// if the name is already bound.
func (d *Directory) Add(name string, id secfs.ObjectID) error {
	const op errors.Op = "tree.Add"
	clean, err := CleanName(name)
	if err != nil {
		return errors.E(op, err)
	}
	if !id.Allocated {
		return errors.E(op, id, errors.NotAllocated)
	}
	if _, ok := d.Lookup(clean); ok {
		return errors.E(op, errors.Exist, errors.Errorf("name %q", clean))
	}
	d.Entries = append(d.Entries, Entry{Name: clean, ID: id})
	return nil
}

// Marshal returns the stored form of d.
func (d *Directory) Marshal() ([]byte, error) {
	const op errors.Op = "tree.Marshal"
	b, err := codec.Marshal(d)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return b, nil
}

// Unmarshal parses a directory stored by Marshal.
// Duplicate names and unallocated ids are rejected.
func Unmarshal(data []byte) (*Directory, error) {
	const op errors.Op = "tree.Unmarshal"
	d := new(Directory)
	if err := codec.Unmarshal(data, d); err != nil {
		return nil, errors.E(op, err)
	}
	seen := make(map[string]bool, len(d.Entries))
	for _, e := range d.Entries {
		if seen[e.Name] {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("duplicate name %q", e.Name))
		}
		seen[e.Name] = true
		if !e.ID.Allocated || !e.ID.Principal.Valid() {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("bad id for %q", e.Name))
		}
	}
	return d, nil
}
