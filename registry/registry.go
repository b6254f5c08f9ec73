// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry holds the share's user and group registries, the
// contents of the .users and .groups files in the share root.
//
// The .users file maps each user to the public key that signs that
// user's version structures. The .groups file holds every membership the
// share has had, oldest first; the position of a membership in that list
// is its epoch, and the last one is in force. Group log entries name the
// epoch under which they were signed, so an entry written by a member
// stays valid after that member is removed. A client refreshes both
// files before every operation and never keeps them in process-wide
// state.
package registry // import "secfs.io/registry"

import (
	"crypto/rsa"
	"sort"

	"secfs.io/codec"
	"secfs.io/errors"
	"secfs.io/factotum"
	"secfs.io/secfs"
)

// Well-known names of the registry files in the share root.
const (
	UsersFile  = ".users"
	GroupsFile = ".groups"
)

// Users maps a user to its public signing key.
type Users map[secfs.UserID]*rsa.PublicKey

// Groups maps a group to the set of its members.
type Groups map[secfs.GroupID][]secfs.UserID

// IsMember reports whether user is a member of group.
func (g Groups) IsMember(group secfs.GroupID, user secfs.UserID) bool {
	for _, u := range g[group] {
		if u == user {
			return true
		}
	}
	return false
}

// A Registry is a snapshot of both registry files.
// The zero Registry knows no users and no groups.
type Registry struct {
	Users  Users
	Groups Groups // Membership in force.

	// History holds the memberships Groups replaced, oldest first.
	// Epoch i is History[i]; Groups is epoch len(History).
	History []Groups
}

// FromMemberships returns a registry of users whose memberships, oldest
// first, are hist. The last membership is the one in force.
func FromMemberships(users Users, hist []Groups) *Registry {
	r := &Registry{Users: users}
	if n := len(hist); n > 0 {
		r.Groups = hist[n-1]
		r.History = hist[:n-1]
	}
	return r
}

// Memberships returns every membership of r, oldest first.
func (r *Registry) Memberships() []Groups {
	if r == nil {
		return []Groups{{}}
	}
	hist := make([]Groups, 0, len(r.History)+1)
	hist = append(hist, r.History...)
	return append(hist, r.Groups)
}

// Amend returns a copy of r in which groups is the membership in force
// and r's membership has moved into the history.
func (r *Registry) Amend(groups Groups) *Registry {
	if r == nil {
		return &Registry{Groups: groups}
	}
	return &Registry{
		Users:   r.Users,
		Groups:  groups,
		History: r.Memberships(),
	}
}

// Epoch returns the epoch of the membership in force.
func (r *Registry) Epoch() uint64 {
	if r == nil {
		return 0
	}
	return uint64(len(r.History))
}

// PublicKey returns the registered key of user.
func (r *Registry) PublicKey(user secfs.UserID) (*rsa.PublicKey, error) {
	const op errors.Op = "registry.PublicKey"
	if r != nil {
		if key, ok := r.Users[user]; ok {
			return key, nil
		}
	}
	return nil, errors.E(op, user, errors.NotExist, errors.Str("no registered key"))
}

// IsMember reports whether user is a member of group.
func (r *Registry) IsMember(group secfs.GroupID, user secfs.UserID) bool {
	return r != nil && r.Groups.IsMember(group, user)
}

// IsMemberAt reports whether user was a member of group at epoch.
// Epochs after the one in force have no members.
func (r *Registry) IsMemberAt(epoch uint64, group secfs.GroupID, user secfs.UserID) bool {
	if r == nil {
		return false
	}
	switch n := uint64(len(r.History)); {
	case epoch < n:
		return r.History[epoch].IsMember(group, user)
	case epoch == n:
		return r.Groups.IsMember(group, user)
	}
	return false
}

// HasGroup reports whether group is registered.
func (r *Registry) HasGroup(group secfs.GroupID) bool {
	if r == nil {
		return false
	}
	_, ok := r.Groups[group]
	return ok
}

// EncodeUsers returns the canonical encoding of users, with every key
// stored as a PEM-encoded public key.
func EncodeUsers(users Users) ([]byte, error) {
	const op errors.Op = "registry.EncodeUsers"
	wire := make(map[secfs.UserID][]byte, len(users))
	for u, key := range users {
		if key == nil {
			return nil, errors.E(op, u, errors.Invalid, errors.Str("nil public key"))
		}
		wire[u] = factotum.MarshalPublicKey(key)
	}
	b, err := codec.Marshal(wire)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return b, nil
}

// DecodeUsers parses the encoding produced by EncodeUsers.
func DecodeUsers(data []byte) (Users, error) {
	const op errors.Op = "registry.DecodeUsers"
	var wire map[secfs.UserID][]byte
	if err := codec.Unmarshal(data, &wire); err != nil {
		return nil, errors.E(op, err)
	}
	users := make(Users, len(wire))
	for u, pem := range wire {
		key, err := factotum.ParsePublicKey(pem)
		if err != nil {
			return nil, errors.E(op, u, err)
		}
		users[u] = key
	}
	return users, nil
}

// EncodeMemberships returns the canonical encoding of a membership
// history, oldest first, as stored in the .groups file.
func EncodeMemberships(hist []Groups) ([]byte, error) {
	const op errors.Op = "registry.EncodeMemberships"
	if len(hist) == 0 {
		return nil, errors.E(op, errors.Invalid, errors.Str("no memberships"))
	}
	wire := make([]map[secfs.GroupID][]secfs.UserID, len(hist))
	for i, groups := range hist {
		wire[i] = make(map[secfs.GroupID][]secfs.UserID, len(groups))
		for g, members := range groups {
			wire[i][g] = normalize(members)
		}
	}
	b, err := codec.Marshal(wire)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return b, nil
}

// DecodeMemberships parses the encoding produced by EncodeMemberships.
func DecodeMemberships(data []byte) ([]Groups, error) {
	const op errors.Op = "registry.DecodeMemberships"
	var wire []map[secfs.GroupID][]secfs.UserID
	if err := codec.Unmarshal(data, &wire); err != nil {
		return nil, errors.E(op, err)
	}
	if len(wire) == 0 {
		return nil, errors.E(op, errors.Invalid, errors.Str("no memberships"))
	}
	hist := make([]Groups, len(wire))
	for i, w := range wire {
		hist[i] = make(Groups, len(w))
		for g, members := range w {
			hist[i][g] = normalize(members)
		}
	}
	return hist, nil
}

func normalize(members []secfs.UserID) []secfs.UserID {
	out := make([]secfs.UserID, 0, len(members))
	seen := make(map[secfs.UserID]bool, len(members))
	for _, u := range members {
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
