// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package inode defines the metadata record of a file or directory and
// its stored form.
//
// An inode is immutable once stored: changing a file means storing a new
// inode and repointing the itable slot at its hash. The inode itself is
// stored unencrypted; the content blocks it lists are packed with the
// inode's Packing.
package inode // import "secfs.io/inode"

import (
	"time"

	"secfs.io/codec"
	"secfs.io/errors"
	"secfs.io/secfs"
)

// Kind distinguishes directories from files.
type Kind uint8

// Kinds of inode.
const (
	Dir  Kind = 0
	File Kind = 1
)

func (k Kind) String() string {
	switch k {
	case Dir:
		return "dir"
	case File:
		return "file"
	}
	return "invalid"
}

// Inode is the metadata of one file system object.
type Inode struct {
	Kind       Kind            `cbor:"1,keyasint"`
	Executable bool            `cbor:"2,keyasint"`
	Owner      secfs.Principal `cbor:"3,keyasint"`
	Size       uint64          `cbor:"4,keyasint"`
	// Ctime and Mtime are in nanoseconds since the Unix epoch.
	Ctime   int64         `cbor:"5,keyasint"`
	Mtime   int64         `cbor:"6,keyasint"`
	Blocks  []secfs.Hash  `cbor:"7,keyasint"`
	Packing secfs.Packing `cbor:"8,keyasint"`
}

// New returns an empty inode of the given kind owned by owner.
// Directories are executable so that they may be searched.
func New(kind Kind, owner secfs.Principal, packing secfs.Packing, now time.Time) *Inode {
	return &Inode{
		Kind:       kind,
		Executable: kind == Dir,
		Owner:      owner,
		Ctime:      now.UnixNano(),
		Mtime:      now.UnixNano(),
		Packing:    packing,
	}
}

// IsDir reports whether the inode describes a directory.
func (n *Inode) IsDir() bool { return n.Kind == Dir }

// Clone returns a deep copy of n, for building its successor.
func (n *Inode) Clone() *Inode {
	c := *n
	c.Blocks = append([]secfs.Hash(nil), n.Blocks...)
	return &c
}

// ModTime returns Mtime as a time.Time.
func (n *Inode) ModTime() time.Time { return time.Unix(0, n.Mtime) }

// Marshal returns the stored form of n.
func (n *Inode) Marshal() ([]byte, error) {
	const op errors.Op = "inode.Marshal"
	if !n.Owner.Valid() {
		return nil, errors.E(op, errors.Invalid, errors.Str("inode has no owner"))
	}
	b, err := codec.Marshal(n)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return b, nil
}

// Unmarshal parses an inode stored by Marshal.
func Unmarshal(data []byte) (*Inode, error) {
	const op errors.Op = "inode.Unmarshal"
	n := new(Inode)
	if err := codec.Unmarshal(data, n); err != nil {
		return nil, errors.E(op, err)
	}
	if n.Kind != Dir && n.Kind != File {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("bad inode kind %d", n.Kind))
	}
	if !n.Owner.Valid() {
		return nil, errors.E(op, errors.Invalid, errors.Str("inode has no owner"))
	}
	return n, nil
}
