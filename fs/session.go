// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fs implements file system operations over the itables of a
// share: creating, reading, writing and linking files and directories.
//
// Every operation runs inside a session on the store: it takes the
// store's lock, brings the view of the share up to date, checks access,
// does its work and releases the lock. Modifications are published as
// they are made, so an operation that fails part way leaves at most
// unreferenced objects behind.
package fs // import "secfs.io/fs"

import (
	"context"
	"crypto/rsa"
	"sync"
	"time"

	"secfs.io/access"
	"secfs.io/cache"
	"secfs.io/errors"
	"secfs.io/factotum"
	"secfs.io/inode"
	"secfs.io/itable"
	"secfs.io/key/sha256key"
	"secfs.io/log"
	"secfs.io/pack"
	"secfs.io/registry"
	"secfs.io/secfs"
	"secfs.io/tree"
)

// BlockSize is the largest amount of file data packed into one block.
const BlockSize = 1 << 20

// defaultCacheBlocks is the number of verified blocks a session keeps.
const defaultCacheBlocks = 256

// Options configures a Session.
type Options struct {
	// Store holds the share's blocks and logs. Required.
	Store secfs.StoreServer

	// Keys holds the private keys of the users the session acts as.
	Keys *factotum.Keyring

	// Owner is the user that owns the share.
	Owner secfs.UserID

	// OwnerKey is the trusted public key of Owner. If nil, the key
	// of Owner in Keys is used.
	OwnerKey *rsa.PublicKey

	// Root is the share's root directory, if it has been initialized.
	Root secfs.ObjectID

	// Packing is applied to the content of new files and directories.
	Packing secfs.Packing

	// ContentKey is the key handed to the packer.
	ContentKey []byte

	// CacheBlocks bounds the block cache. Zero means a default size.
	CacheBlocks int

	// Now, if set, replaces time.Now for inode timestamps.
	Now func() time.Time
}

// A Session performs file system operations on one share.
// Its methods are safe to call from multiple goroutines; they run one at a time.
type Session struct {
	store      secfs.StoreServer
	keys       *factotum.Keyring
	view       *itable.View
	gate       *access.Gate
	owner      secfs.UserID
	ownerKey   *rsa.PublicKey
	packing    secfs.Packing
	contentKey []byte
	blocks     *cache.LRU[secfs.Hash, []byte]
	now        func() time.Time

	mu   sync.Mutex
	root secfs.ObjectID
}

// New returns a session on the share described by opts.
func New(opts Options) (*Session, error) {
	const op errors.Op = "fs.New"
	if opts.Store == nil {
		return nil, errors.E(op, errors.Invalid, errors.Str("no store"))
	}
	keys := opts.Keys
	if keys == nil {
		keys = factotum.NewKeyring()
	}
	ownerKey := opts.OwnerKey
	if ownerKey == nil {
		f, err := keys.Lookup(opts.Owner)
		if err != nil {
			return nil, errors.E(op, opts.Owner, errors.Invalid, errors.Str("no trusted key for share owner"))
		}
		ownerKey = f.PublicKey()
	}
	if _, err := packer(opts.Packing); err != nil {
		return nil, errors.E(op, err)
	}
	if opts.Root.Allocated && opts.Root.Principal != opts.Owner.Principal() {
		return nil, errors.E(op, opts.Root, errors.Invalid, errors.Str("root does not belong to the share owner"))
	}
	n := opts.CacheBlocks
	if n <= 0 {
		n = defaultCacheBlocks
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Session{
		store:      opts.Store,
		keys:       keys,
		view:       itable.NewView(opts.Store, keys),
		owner:      opts.Owner,
		ownerKey:   ownerKey,
		packing:    opts.Packing,
		contentKey: opts.ContentKey,
		blocks:     cache.NewLRU[secfs.Hash, []byte](n),
		now:        now,
		root:       opts.Root,
	}
	s.view.Anchor(opts.Owner, ownerKey)
	s.view.SetOwner(opts.Owner)
	s.gate = access.NewGate(access.LoaderFunc(s.loadInode), s.view)
	return s, nil
}

// Root returns the id of the share's root directory. It is not
// allocated until Init has run.
func (s *Session) Root() secfs.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// View returns the session's view of the share's itables.
func (s *Session) View() *itable.View {
	return s.view
}

// begin starts an operation: it takes the store's lock and brings
// the view up to date. If begin succeeds the caller must call end.
func (s *Session) begin(ctx context.Context) error {
	s.mu.Lock()
	if err := s.store.Lock(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.pre(ctx); err != nil {
		s.end()
		return err
	}
	return nil
}

func (s *Session) end() {
	if err := s.store.Unlock(); err != nil {
		log.Error.Printf("fs: unlock: %v", err)
	}
	s.mu.Unlock()
}

// pre refreshes the owner's table, loads the registries from the root
// and refreshes every other table against them. A principal whose log
// is rejected does not stop the operation; only its objects become
// unreadable.
func (s *Session) pre(ctx context.Context) error {
	const op errors.Op = "fs.pre"
	if err := s.view.Refresh(ctx, s.owner.Principal()); err != nil {
		return errors.E(op, err)
	}
	if !s.root.Allocated {
		return nil
	}
	reg, err := s.loadRegistry(ctx)
	if err != nil {
		return errors.E(op, err)
	}
	s.view.SetRegistry(reg)
	if err := s.view.RefreshAll(ctx); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// loadRegistry reads .users and .groups from the root. The owner's key
// in .users must be the trusted one.
func (s *Session) loadRegistry(ctx context.Context) (*registry.Registry, error) {
	_, root, err := s.readDir(ctx, s.root)
	if err != nil {
		return nil, err
	}
	data, err := s.readNamed(ctx, root, registry.UsersFile)
	if err != nil {
		return nil, err
	}
	users, err := registry.DecodeUsers(data)
	if err != nil {
		return nil, err
	}
	if !factotum.SameKey(users[s.owner], s.ownerKey) {
		return nil, errors.E(s.owner, errors.Integrity, errors.Errorf("%s names a different key for the share owner", registry.UsersFile))
	}
	data, err = s.readNamed(ctx, root, registry.GroupsFile)
	if err != nil {
		return nil, err
	}
	hist, err := registry.DecodeMemberships(data)
	if err != nil {
		return nil, err
	}
	return registry.FromMemberships(users, hist), nil
}

func (s *Session) readNamed(ctx context.Context, dir *tree.Directory, name string) ([]byte, error) {
	id, ok := dir.Lookup(name)
	if !ok {
		return nil, errors.E(errors.NotExist, errors.Errorf("no %s in root", name))
	}
	n, err := s.loadInode(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.readContent(ctx, n)
}

// get returns the block with hash h, verified against h.
func (s *Session) get(ctx context.Context, h secfs.Hash) ([]byte, error) {
	const op errors.Op = "fs.get"
	if b, ok := s.blocks.Get(h); ok {
		return b, nil
	}
	b, err := s.store.Get(ctx, h)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if !sha256key.Verify(h, b) {
		return nil, errors.E(op, errors.Integrity, errors.Errorf("block %v does not match its hash", h))
	}
	s.blocks.Add(h, b)
	return b, nil
}

// put stores b and checks the hash the store reports.
func (s *Session) put(ctx context.Context, b []byte) (secfs.Hash, error) {
	const op errors.Op = "fs.put"
	h, err := s.store.Put(ctx, b)
	if err != nil {
		return secfs.Hash{}, errors.E(op, err)
	}
	if !sha256key.Verify(h, b) {
		return secfs.Hash{}, errors.E(op, errors.Integrity, errors.Errorf("store named block %v", h))
	}
	s.blocks.Add(h, b)
	return h, nil
}

// loadInode returns the current inode of id.
func (s *Session) loadInode(ctx context.Context, id secfs.ObjectID) (*inode.Inode, error) {
	h, err := s.view.ResolveHash(id)
	if err != nil {
		return nil, err
	}
	b, err := s.get(ctx, h)
	if err != nil {
		return nil, err
	}
	return inode.Unmarshal(b)
}

// putInode stores n and makes id refer to it, acting as user.
func (s *Session) putInode(ctx context.Context, user secfs.UserID, id secfs.ObjectID, n *inode.Inode) (secfs.ObjectID, error) {
	b, err := n.Marshal()
	if err != nil {
		return secfs.ObjectID{}, err
	}
	h, err := s.put(ctx, b)
	if err != nil {
		return secfs.ObjectID{}, err
	}
	return s.view.Modify(ctx, user.Principal(), id, itable.ContentEntry(h))
}

func packer(p secfs.Packing) (secfs.Packer, error) {
	pk := pack.Lookup(p)
	if pk == nil {
		return nil, errors.E(errors.Invalid, errors.Errorf("unknown packing %v", p))
	}
	return pk, nil
}

// readContent returns the unpacked data of n.
func (s *Session) readContent(ctx context.Context, n *inode.Inode) ([]byte, error) {
	pk, err := packer(n.Packing)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, n.Size)
	for _, h := range n.Blocks {
		b, err := s.get(ctx, h)
		if err != nil {
			return nil, err
		}
		plain, err := pk.Unpack(s.contentKey, b)
		if err != nil {
			return nil, err
		}
		data = append(data, plain...)
	}
	if uint64(len(data)) != n.Size {
		return nil, errors.E(errors.Integrity, errors.Errorf("content is %d bytes, inode says %d", len(data), n.Size))
	}
	return data, nil
}

// setContent packs and stores data as the content of n, which must not
// yet be stored.
func (s *Session) setContent(ctx context.Context, n *inode.Inode, data []byte) error {
	pk, err := packer(n.Packing)
	if err != nil {
		return err
	}
	n.Size = uint64(len(data))
	n.Blocks = nil
	for len(data) > 0 {
		chunk := data
		if len(chunk) > BlockSize {
			chunk = chunk[:BlockSize]
		}
		data = data[len(chunk):]
		b, err := pk.Pack(s.contentKey, chunk)
		if err != nil {
			return err
		}
		h, err := s.put(ctx, b)
		if err != nil {
			return err
		}
		n.Blocks = append(n.Blocks, h)
	}
	return nil
}
