// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fs

import (
	"context"
	"strings"

	"secfs.io/access"
	"secfs.io/errors"
	"secfs.io/factotum"
	"secfs.io/inode"
	"secfs.io/log"
	"secfs.io/registry"
	"secfs.io/secfs"
	"secfs.io/tree"
)

// A DirEntry is one entry returned by Readdir. Next is the offset at
// which to resume reading after this entry.
type DirEntry struct {
	ID   secfs.ObjectID
	Name string
	Next int
}

// Init creates the root directory of a new share owned by owner, which
// must be the session's share owner, and stores the given registries
// in it as .users and .groups. It returns the id of the root.
func (s *Session) Init(ctx context.Context, owner secfs.UserID, users registry.Users, groups registry.Groups) (secfs.ObjectID, error) {
	const op errors.Op = "fs.Init"
	if owner != s.owner {
		return secfs.ObjectID{}, errors.E(op, owner, errors.Invalid, errors.Errorf("session belongs to share of %v", s.owner))
	}
	if !factotum.SameKey(users[owner], s.ownerKey) {
		return secfs.ObjectID{}, errors.E(op, owner, errors.Invalid, errors.Str("users must hold the owner's trusted key"))
	}
	if err := s.begin(ctx); err != nil {
		return secfs.ObjectID{}, errors.E(op, err)
	}
	defer s.end()
	if s.root.Allocated {
		return secfs.ObjectID{}, errors.E(op, s.root, errors.Exist, errors.Str("share already initialized"))
	}
	reg := registry.FromMemberships(users, []registry.Groups{groups})
	s.view.SetRegistry(reg)

	root, err := s.allocate(ctx, owner, owner.Principal(), inode.Dir, secfs.ObjectID{})
	if err != nil {
		return secfs.ObjectID{}, errors.E(op, err)
	}
	usersData, err := registry.EncodeUsers(users)
	if err != nil {
		return secfs.ObjectID{}, errors.E(op, err)
	}
	groupsData, err := registry.EncodeMemberships(reg.Memberships())
	if err != nil {
		return secfs.ObjectID{}, errors.E(op, err)
	}
	for _, f := range []struct {
		name string
		data []byte
	}{
		{registry.UsersFile, usersData},
		{registry.GroupsFile, groupsData},
	} {
		id, err := s.allocate(ctx, owner, owner.Principal(), inode.File, root)
		if err != nil {
			return secfs.ObjectID{}, errors.E(op, err)
		}
		n, err := s.loadInode(ctx, id)
		if err != nil {
			return secfs.ObjectID{}, errors.E(op, err)
		}
		if err := s.replace(ctx, owner, id, n, f.data); err != nil {
			return secfs.ObjectID{}, errors.E(op, err)
		}
		if err := s.link(ctx, owner, id, root, f.name); err != nil {
			return secfs.ObjectID{}, errors.E(op, err)
		}
	}
	s.root = root
	log.Info.Printf("fs: initialized share of %v at %v", owner, root)
	return root, nil
}

// Create makes a new file named name in the directory parent, acting
// as user, and returns its id. The file is owned by owner, which is
// either user or a group user belongs to; for a group the returned id
// is the group's.
func (s *Session) Create(ctx context.Context, parent secfs.ObjectID, name string, user secfs.UserID, owner secfs.Principal) (secfs.ObjectID, error) {
	const op errors.Op = "fs.Create"
	if err := s.begin(ctx); err != nil {
		return secfs.ObjectID{}, errors.E(op, err)
	}
	defer s.end()
	id, err := s.create(ctx, parent, name, user, owner, inode.File)
	if err != nil {
		return secfs.ObjectID{}, errors.E(op, err)
	}
	return id, nil
}

// Mkdir is like Create but makes a directory holding . and .. entries.
func (s *Session) Mkdir(ctx context.Context, parent secfs.ObjectID, name string, user secfs.UserID, owner secfs.Principal) (secfs.ObjectID, error) {
	const op errors.Op = "fs.Mkdir"
	if err := s.begin(ctx); err != nil {
		return secfs.ObjectID{}, errors.E(op, err)
	}
	defer s.end()
	id, err := s.create(ctx, parent, name, user, owner, inode.Dir)
	if err != nil {
		return secfs.ObjectID{}, errors.E(op, err)
	}
	return id, nil
}

func (s *Session) create(ctx context.Context, parent secfs.ObjectID, name string, user secfs.UserID, owner secfs.Principal, kind inode.Kind) (secfs.ObjectID, error) {
	clean, err := tree.CleanName(name)
	if err != nil {
		return secfs.ObjectID{}, err
	}
	switch owner.Kind() {
	case secfs.UserKind:
		if u, _ := owner.User(); u != user {
			return secfs.ObjectID{}, errors.E(user, errors.Permission, errors.Errorf("cannot create for %v", owner))
		}
	case secfs.GroupKind:
		if g, _ := owner.Group(); !s.view.Registry().HasGroup(g) {
			return secfs.ObjectID{}, errors.E(user, errors.Permission, errors.Errorf("cannot create for unknown %v", owner))
		}
	default:
		return secfs.ObjectID{}, errors.E(user, errors.TypeMismatch, errors.Str("invalid owner"))
	}
	if err := s.gate.Check(ctx, user, access.Write, parent); err != nil {
		return secfs.ObjectID{}, err
	}
	if _, dir, err := s.readDir(ctx, parent); err != nil {
		return secfs.ObjectID{}, err
	} else if _, ok := dir.Lookup(clean); ok {
		return secfs.ObjectID{}, errors.E(parent, errors.Exist, errors.Errorf("name %q", clean))
	}
	id, err := s.allocate(ctx, user, owner, kind, parent)
	if err != nil {
		return secfs.ObjectID{}, err
	}
	if err := s.link(ctx, user, id, parent, clean); err != nil {
		return secfs.ObjectID{}, err
	}
	return id, nil
}

// allocate stores a new empty inode owned by owner, acting as user,
// and returns its final id. A directory gets its . and .. entries;
// a zero parent makes the directory its own parent.
func (s *Session) allocate(ctx context.Context, user secfs.UserID, owner secfs.Principal, kind inode.Kind, parent secfs.ObjectID) (secfs.ObjectID, error) {
	n := inode.New(kind, owner, s.packing, s.now())
	id, err := s.putInode(ctx, user, secfs.NewObjectID(owner), n)
	if err != nil {
		return secfs.ObjectID{}, err
	}
	if kind != inode.Dir {
		return id, nil
	}
	if !parent.Allocated {
		parent = id
	}
	if err := s.writeDir(ctx, user, id, n, tree.New(id, parent)); err != nil {
		return secfs.ObjectID{}, err
	}
	return id, nil
}

// Read returns up to length bytes of the file id starting at offset,
// acting as user.
func (s *Session) Read(ctx context.Context, user secfs.UserID, id secfs.ObjectID, offset int64, length int) ([]byte, error) {
	const op errors.Op = "fs.Read"
	if offset < 0 || length < 0 {
		return nil, errors.E(op, id, errors.Invalid, errors.Errorf("bad range %d+%d", offset, length))
	}
	if err := s.begin(ctx); err != nil {
		return nil, errors.E(op, err)
	}
	defer s.end()
	if err := s.gate.Check(ctx, user, access.Read, id); err != nil {
		return nil, errors.E(op, err)
	}
	_, data, err := s.readFile(ctx, id)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if offset >= int64(len(data)) {
		return []byte{}, nil
	}
	data = data[offset:]
	if length < len(data) {
		data = data[:length]
	}
	return data, nil
}

// Write writes data into the file id at offset, acting as user, and
// returns the number of bytes written. Writing past the end extends
// the file, filling any gap with zeros.
func (s *Session) Write(ctx context.Context, user secfs.UserID, id secfs.ObjectID, offset int64, data []byte) (int, error) {
	const op errors.Op = "fs.Write"
	if offset < 0 {
		return 0, errors.E(op, id, errors.Invalid, errors.Errorf("bad offset %d", offset))
	}
	if err := s.begin(ctx); err != nil {
		return 0, errors.E(op, err)
	}
	defer s.end()
	if err := s.gate.Check(ctx, user, access.Write, id); err != nil {
		return 0, errors.E(op, err)
	}
	n, old, err := s.readFile(ctx, id)
	if err != nil {
		return 0, errors.E(op, err)
	}
	end := offset + int64(len(data))
	buf := old
	if end > int64(len(old)) {
		buf = make([]byte, end)
		copy(buf, old)
	}
	copy(buf[offset:], data)
	if err := s.replace(ctx, user, id, n, buf); err != nil {
		return 0, errors.E(op, err)
	}
	return len(data), nil
}

// Truncate changes the size of the file id, acting as user.
func (s *Session) Truncate(ctx context.Context, user secfs.UserID, id secfs.ObjectID, size int64) error {
	const op errors.Op = "fs.Truncate"
	if size < 0 {
		return errors.E(op, id, errors.Invalid, errors.Errorf("bad size %d", size))
	}
	if err := s.begin(ctx); err != nil {
		return errors.E(op, err)
	}
	defer s.end()
	if err := s.gate.Check(ctx, user, access.Write, id); err != nil {
		return errors.E(op, err)
	}
	n, old, err := s.readFile(ctx, id)
	if err != nil {
		return errors.E(op, err)
	}
	buf := make([]byte, size)
	copy(buf, old)
	if err := s.replace(ctx, user, id, n, buf); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Readdir returns the entries of the directory id from offset on.
func (s *Session) Readdir(ctx context.Context, id secfs.ObjectID, offset int) ([]DirEntry, error) {
	const op errors.Op = "fs.Readdir"
	if offset < 0 {
		return nil, errors.E(op, id, errors.Invalid, errors.Errorf("bad offset %d", offset))
	}
	if err := s.begin(ctx); err != nil {
		return nil, errors.E(op, err)
	}
	defer s.end()
	_, dir, err := s.readDir(ctx, id)
	if err != nil {
		return nil, errors.E(op, err)
	}
	var entries []DirEntry
	for i := offset; i < len(dir.Entries); i++ {
		e := dir.Entries[i]
		entries = append(entries, DirEntry{ID: e.ID, Name: e.Name, Next: i + 1})
	}
	return entries, nil
}

// Link adds the existing object id to the directory parent as name,
// acting as user.
func (s *Session) Link(ctx context.Context, user secfs.UserID, id, parent secfs.ObjectID, name string) error {
	const op errors.Op = "fs.Link"
	if err := s.begin(ctx); err != nil {
		return errors.E(op, err)
	}
	defer s.end()
	if err := s.link(ctx, user, id, parent, name); err != nil {
		return errors.E(op, err)
	}
	return nil
}

func (s *Session) link(ctx context.Context, user secfs.UserID, id, parent secfs.ObjectID, name string) error {
	if err := s.gate.Check(ctx, user, access.Write, parent); err != nil {
		return err
	}
	if _, err := s.loadInode(ctx, id); err != nil {
		return err
	}
	n, dir, err := s.readDir(ctx, parent)
	if err != nil {
		return err
	}
	if err := dir.Add(name, id); err != nil {
		return errors.E(parent, err)
	}
	return s.writeDir(ctx, user, parent, n, dir)
}

// Lookup returns the id bound to name in the directory parent.
func (s *Session) Lookup(ctx context.Context, parent secfs.ObjectID, name string) (secfs.ObjectID, error) {
	const op errors.Op = "fs.Lookup"
	if err := s.begin(ctx); err != nil {
		return secfs.ObjectID{}, errors.E(op, err)
	}
	defer s.end()
	id, err := s.lookup(ctx, parent, name)
	if err != nil {
		return secfs.ObjectID{}, errors.E(op, err)
	}
	return id, nil
}

func (s *Session) lookup(ctx context.Context, parent secfs.ObjectID, name string) (secfs.ObjectID, error) {
	_, dir, err := s.readDir(ctx, parent)
	if err != nil {
		return secfs.ObjectID{}, err
	}
	id, ok := dir.Lookup(name)
	if !ok {
		return secfs.ObjectID{}, errors.E(parent, errors.NotExist, errors.Errorf("no entry %q", name))
	}
	return id, nil
}

// Walk returns the id of the object at the slash-separated path,
// relative to the root of the share.
func (s *Session) Walk(ctx context.Context, path string) (secfs.ObjectID, error) {
	const op errors.Op = "fs.Walk"
	if err := s.begin(ctx); err != nil {
		return secfs.ObjectID{}, errors.E(op, err)
	}
	defer s.end()
	if !s.root.Allocated {
		return secfs.ObjectID{}, errors.E(op, errors.NotExist, errors.Str("share not initialized"))
	}
	id := s.root
	for _, elem := range strings.Split(path, "/") {
		if elem == "" {
			continue
		}
		next, err := s.lookup(ctx, id, elem)
		if err != nil {
			return secfs.ObjectID{}, errors.E(op, err)
		}
		id = next
	}
	return id, nil
}

// Stat returns the current inode of id.
func (s *Session) Stat(ctx context.Context, id secfs.ObjectID) (*inode.Inode, error) {
	const op errors.Op = "fs.Stat"
	if err := s.begin(ctx); err != nil {
		return nil, errors.E(op, err)
	}
	defer s.end()
	n, err := s.loadInode(ctx, id)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return n, nil
}

// SetGroups replaces the share's group memberships, acting as user.
// Only the share owner may write the registry. The new membership
// starts a new epoch; entries written under earlier ones stay valid,
// and each group's log is sealed at the new epoch.
func (s *Session) SetGroups(ctx context.Context, user secfs.UserID, groups registry.Groups) error {
	const op errors.Op = "fs.SetGroups"
	if err := s.begin(ctx); err != nil {
		return errors.E(op, err)
	}
	defer s.end()
	next := s.view.Registry().Amend(groups)
	data, err := registry.EncodeMemberships(next.Memberships())
	if err != nil {
		return errors.E(op, err)
	}
	if err := s.writeRegistryFile(ctx, user, registry.GroupsFile, data); err != nil {
		return errors.E(op, err)
	}
	s.view.SetRegistry(next)
	if err := s.view.Checkpoint(ctx); err != nil {
		return errors.E(op, err)
	}
	log.Info.Printf("fs: group membership is at epoch %d", next.Epoch())
	return nil
}

// SetUsers replaces the share's user keys, acting as user. The share
// owner's key may not change.
func (s *Session) SetUsers(ctx context.Context, user secfs.UserID, users registry.Users) error {
	const op errors.Op = "fs.SetUsers"
	if !factotum.SameKey(users[s.owner], s.ownerKey) {
		return errors.E(op, s.owner, errors.Invalid, errors.Str("users must hold the owner's trusted key"))
	}
	data, err := registry.EncodeUsers(users)
	if err != nil {
		return errors.E(op, err)
	}
	if err := s.begin(ctx); err != nil {
		return errors.E(op, err)
	}
	defer s.end()
	if err := s.writeRegistryFile(ctx, user, registry.UsersFile, data); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// writeRegistryFile replaces the content of the registry file name in
// the root. The caller holds the session.
func (s *Session) writeRegistryFile(ctx context.Context, user secfs.UserID, name string, data []byte) error {
	if !s.root.Allocated {
		return errors.E(errors.NotExist, errors.Str("share not initialized"))
	}
	id, err := s.lookup(ctx, s.root, name)
	if err != nil {
		return err
	}
	if err := s.gate.Check(ctx, user, access.Write, id); err != nil {
		return err
	}
	n, err := s.loadInode(ctx, id)
	if err != nil {
		return err
	}
	return s.replace(ctx, user, id, n, data)
}

// readFile returns the inode and content of the file id.
func (s *Session) readFile(ctx context.Context, id secfs.ObjectID) (*inode.Inode, []byte, error) {
	n, err := s.loadInode(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if n.IsDir() {
		return nil, nil, errors.E(id, errors.IsDir)
	}
	data, err := s.readContent(ctx, n)
	if err != nil {
		return nil, nil, err
	}
	return n, data, nil
}

// readDir returns the inode and entries of the directory id.
func (s *Session) readDir(ctx context.Context, id secfs.ObjectID) (*inode.Inode, *tree.Directory, error) {
	n, err := s.loadInode(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !n.IsDir() {
		return nil, nil, errors.E(id, errors.NotDir)
	}
	data, err := s.readContent(ctx, n)
	if err != nil {
		return nil, nil, err
	}
	if len(data) == 0 {
		return n, &tree.Directory{}, nil
	}
	d, err := tree.Unmarshal(data)
	if err != nil {
		return nil, nil, errors.E(id, err)
	}
	return n, d, nil
}

// replace stores data as the new content of id, whose current inode
// is n, acting as user.
func (s *Session) replace(ctx context.Context, user secfs.UserID, id secfs.ObjectID, n *inode.Inode, data []byte) error {
	next := n.Clone()
	if err := s.setContent(ctx, next, data); err != nil {
		return err
	}
	next.Mtime = s.now().UnixNano()
	_, err := s.putInode(ctx, user, id, next)
	return err
}

func (s *Session) writeDir(ctx context.Context, user secfs.UserID, id secfs.ObjectID, n *inode.Inode, d *tree.Directory) error {
	data, err := d.Marshal()
	if err != nil {
		return err
	}
	return s.replace(ctx, user, id, n, data)
}
