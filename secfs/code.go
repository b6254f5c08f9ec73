// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package secfs

// This file contains the text encodings of the basic SecFS types.

import (
	"fmt"
	"strconv"
	"strings"
)

// MarshalText implements encoding.TextMarshaler.
func (p Principal) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("secfs: cannot marshal invalid principal")
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Principal) UnmarshalText(text []byte) error {
	q, err := ParsePrincipal(string(text))
	if err != nil {
		return err
	}
	*p = q
	return nil
}

// ParsePrincipal parses the form printed by Principal.String,
// "user:N" or "group:N".
func ParsePrincipal(s string) (Principal, error) {
	kind, num, ok := strings.Cut(s, ":")
	if !ok {
		return Principal{}, fmt.Errorf("secfs: bad principal %q", s)
	}
	id, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return Principal{}, fmt.Errorf("secfs: bad principal id in %q", s)
	}
	switch kind {
	case "user":
		return UserPrincipal(UserID(id)), nil
	case "group":
		return GroupPrincipal(GroupID(id)), nil
	}
	return Principal{}, fmt.Errorf("secfs: bad principal kind in %q", s)
}

// ParseObjectID parses an allocated object id of the form "user:N:M" or
// "group:N:M", where M is the slot number.
func ParseObjectID(s string) (ObjectID, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return ObjectID{}, fmt.Errorf("secfs: bad object id %q", s)
	}
	p, err := ParsePrincipal(s[:i])
	if err != nil {
		return ObjectID{}, err
	}
	n, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return ObjectID{}, fmt.Errorf("secfs: bad slot number in %q", s)
	}
	return ObjectIDAt(p, n), nil
}

// Text returns the form parsed by ParseObjectID.
// It panics if id is unallocated.
func (id ObjectID) Text() string {
	k := id.Key()
	return fmt.Sprintf("%s:%d", k.Principal, k.Num)
}

// String returns the name of the packing.
func (p Packing) String() string {
	switch p {
	case PlainPack:
		return "plain"
	case SymmPack:
		return "symm"
	}
	return fmt.Sprintf("packing(%d)", uint8(p))
}
