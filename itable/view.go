// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package itable implements the indirection tables that map object ids
// to content, and the client's verified view of them.
//
// Every principal has a table. A user's table maps slot numbers to the
// hashes of inodes. A group's table maps slot numbers to objects in some
// user's table, so a group object is read through exactly one level of
// indirection, and any member may repoint it at an object of their own.
//
// A View holds the tables the client has accepted. Resolve reads the
// view without I/O. Modify changes one table, stores it, and appends a
// signed version structure for it to the principal's log; if that fails
// the view is left as it was. Refresh brings tables up to date from the
// logs, verifying signatures and hash links before accepting anything.
// A principal whose log fails verification is rejected on its own: the
// view keeps what it had accepted for it, and every Resolve or Modify of
// its objects fails with Integrity until a later refresh succeeds.
package itable // import "secfs.io/itable"

import (
	"context"
	"crypto/rsa"
	"sort"
	"sync"

	"secfs.io/errors"
	"secfs.io/factotum"
	"secfs.io/key/sha256key"
	"secfs.io/log"
	"secfs.io/registry"
	"secfs.io/secfs"
	"secfs.io/version"
)

// A View is a client's verified view of the itables in one store.
// It is safe for concurrent use, but Modify calls are not atomic with
// respect to each other; callers serialize whole operations.
type View struct {
	store secfs.StoreServer
	keys  *factotum.Keyring

	mu       sync.Mutex
	reg      *registry.Registry
	owner    secfs.UserID
	hasOwner bool
	anchors  map[secfs.UserID]*rsa.PublicKey
	tables   map[secfs.Principal]*Table
	heads    map[secfs.Principal]version.Head
	rejected map[secfs.Principal]error
}

// NewView returns an empty view of the tables held by store.
// Modifications are signed with keys from keys.
func NewView(store secfs.StoreServer, keys *factotum.Keyring) *View {
	return &View{
		store:   store,
		keys:    keys,
		reg:     &registry.Registry{},
		anchors:  make(map[secfs.UserID]*rsa.PublicKey),
		tables:   make(map[secfs.Principal]*Table),
		heads:    make(map[secfs.Principal]version.Head),
		rejected: make(map[secfs.Principal]error),
	}
}

// SetRegistry installs the user keys and group memberships used to
// authorize group modifications and to verify log entries.
func (v *View) SetRegistry(r *registry.Registry) {
	v.mu.Lock()
	v.reg = r
	v.mu.Unlock()
}

// Registry returns the installed registry.
func (v *View) Registry() *registry.Registry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reg
}

// Anchor pins the key of user. Entries signed by user are verified
// against pub only, and a registry that names a different key for user
// cannot be used to verify anything that user signed.
func (v *View) Anchor(user secfs.UserID, pub *rsa.PublicKey) {
	v.mu.Lock()
	v.anchors[user] = pub
	v.mu.Unlock()
}

// SetOwner names the share owner. The owner controls group membership
// and may sign checkpoint entries in any group's log.
func (v *View) SetOwner(user secfs.UserID) {
	v.mu.Lock()
	v.owner, v.hasOwner = user, true
	v.mu.Unlock()
}

// Rejected returns the error that caused the view to reject p's log,
// or nil.
func (v *View) Rejected(p secfs.Principal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rejected[p]
}

// Resolve returns the entry that id maps to. If id is a group object
// and resolveGroups is set, the group's link is followed and the user's
// content entry is returned; otherwise the link itself is returned.
func (v *View) Resolve(id secfs.ObjectID, resolveGroups bool) (Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resolve(id, resolveGroups)
}

// ResolveHash returns the content hash that id finally maps to.
func (v *View) ResolveHash(id secfs.ObjectID) (secfs.Hash, error) {
	const op errors.Op = "itable.ResolveHash"
	e, err := v.Resolve(id, true)
	if err != nil {
		return secfs.Hash{}, errors.E(op, err)
	}
	h, ok := e.Hash()
	if !ok {
		return secfs.Hash{}, errors.E(op, id, errors.CorruptTable)
	}
	return h, nil
}

func (v *View) resolve(id secfs.ObjectID, resolveGroups bool) (Entry, error) {
	const op errors.Op = "itable.Resolve"
	if !id.Principal.Valid() {
		return Entry{}, errors.E(op, errors.TypeMismatch, errors.Str("invalid principal"))
	}
	if !id.Allocated {
		return Entry{}, errors.E(op, id, errors.NotAllocated)
	}
	if err := v.rejected[id.Principal]; err != nil {
		return Entry{}, errors.E(op, id, errors.Integrity, err)
	}
	t, ok := v.tables[id.Principal]
	if !ok {
		return Entry{}, errors.E(op, id, errors.UnknownPrincipal)
	}
	e, ok := t.Get(id.Num)
	if !ok {
		return Entry{}, errors.E(op, id, errors.MissingSlot)
	}
	if !e.fits(id.Principal) {
		return Entry{}, errors.E(op, id, errors.CorruptTable, errors.Errorf("%v entry in %s table", e, id.Principal.Kind()))
	}
	if u, ok := e.Link(); ok && resolveGroups {
		return v.resolve(u.ObjectID(), true)
	}
	return e, nil
}

// Modify makes id map to value, acting as actor, and publishes the
// result. It returns the id actually written, which callers must use
// from then on: an unallocated id is assigned the lowest free slot, and
// a write to a group object may land in the actor's own table.
//
// Only users may modify. A user may modify its own objects, and the
// objects of groups it belongs to; a user's table holds only content
// entries. Modifying a group object with content stores the content in
// the actor's table and points the group slot at it, unless the slot
// already points at one of the actor's objects, in which case only that
// object is rewritten and the group table is untouched. Modifying a
// group object with a link points the slot at the linked object.
func (v *View) Modify(ctx context.Context, actor secfs.Principal, id secfs.ObjectID, value Entry) (secfs.ObjectID, error) {
	const op errors.Op = "itable.Modify"
	v.mu.Lock()
	defer v.mu.Unlock()

	user, ok := actor.User()
	if !ok {
		return secfs.ObjectID{}, errors.E(op, actor, id, errors.InvalidActor)
	}
	if !id.Principal.Valid() {
		return secfs.ObjectID{}, errors.E(op, actor, errors.TypeMismatch, errors.Str("invalid principal"))
	}
	if err := v.rejected[id.Principal]; err != nil {
		return secfs.ObjectID{}, errors.E(op, actor, id, errors.Integrity, err)
	}
	var (
		written secfs.ObjectID
		err     error
	)
	switch {
	case id.Principal == actor:
		if value.IsLink() {
			return secfs.ObjectID{}, errors.E(op, actor, id, errors.TypeMismatch, errors.Str("link in user table"))
		}
		written, err = v.write(ctx, user, id, value)
	case id.Principal.IsGroup():
		g, _ := id.Principal.Group()
		if !v.reg.IsMember(g, user) {
			return secfs.ObjectID{}, errors.E(op, actor, id, errors.Permission, errors.Str("not a member of the group"))
		}
		written, err = v.modifyGroup(ctx, user, id, value)
	default:
		return secfs.ObjectID{}, errors.E(op, actor, id, errors.Permission, errors.Str("object belongs to another user"))
	}
	if err != nil {
		return secfs.ObjectID{}, errors.E(op, actor, err)
	}
	return written, nil
}

func (v *View) modifyGroup(ctx context.Context, user secfs.UserID, id secfs.ObjectID, value Entry) (secfs.ObjectID, error) {
	if id.Allocated {
		cur, err := v.resolve(id, false)
		switch {
		case err == nil:
		case errors.Is(errors.UnknownPrincipal, err), errors.Is(errors.MissingSlot, err):
			return secfs.ObjectID{}, errors.E(id, errors.InvalidSlot, err)
		default:
			return secfs.ObjectID{}, err
		}
		ptr, ok := cur.Link()
		if !ok {
			return secfs.ObjectID{}, errors.E(id, errors.CorruptTable)
		}
		if ptr.User == user && !value.IsLink() {
			// We wrote the object last; rewrite our own copy.
			return v.write(ctx, user, ptr.ObjectID(), value)
		}
	}
	if u, ok := value.Link(); ok {
		if _, err := v.resolve(u.ObjectID(), true); err != nil {
			return secfs.ObjectID{}, err
		}
		return v.write(ctx, user, id, value)
	}
	obj, err := v.write(ctx, user, secfs.NewObjectID(user.Principal()), value)
	if err != nil {
		return secfs.ObjectID{}, err
	}
	u, _ := secfs.UserObjectOf(obj)
	return v.write(ctx, user, id, LinkEntry(u))
}

// write stores value at id in a copy of the target table and publishes
// the copy, signed by signer. The view changes only if publication
// succeeds.
func (v *View) write(ctx context.Context, signer secfs.UserID, id secfs.ObjectID, value Entry) (secfs.ObjectID, error) {
	p := id.Principal
	if err := v.rejected[p]; err != nil {
		return secfs.ObjectID{}, errors.E(id, errors.Integrity, err)
	}
	var next *Table
	if t, ok := v.tables[p]; ok {
		next = t.Clone()
	} else {
		if id.Allocated {
			return secfs.ObjectID{}, errors.E(id, errors.InvalidSlot, errors.Str("no table for principal"))
		}
		next = NewTable(p)
	}

	n := id.Num
	if id.Allocated {
		if _, ok := next.Get(n); !ok {
			return secfs.ObjectID{}, errors.E(id, errors.InvalidSlot)
		}
	} else {
		n = next.Free()
	}
	if err := next.Set(n, value); err != nil {
		return secfs.ObjectID{}, err
	}
	if err := v.publish(ctx, signer, next); err != nil {
		return secfs.ObjectID{}, err
	}
	return secfs.ObjectIDAt(p, n), nil
}

// publish stores t, appends a version structure naming it to the log
// of t's principal, and installs t in the view.
func (v *View) publish(ctx context.Context, signer secfs.UserID, t *Table) error {
	const op errors.Op = "itable.publish"
	p := t.Principal()
	f, err := v.keys.Lookup(signer)
	if err != nil {
		return errors.E(op, p, err)
	}
	data, err := t.Marshal()
	if err != nil {
		return errors.E(op, err)
	}
	handle, err := v.store.Put(ctx, data)
	if err != nil {
		return errors.E(op, p, err)
	}
	if !sha256key.Verify(handle, data) {
		return errors.E(op, p, errors.Integrity, errors.Errorf("store named table %v", handle))
	}
	head := v.heads[p]
	vs := version.Next(p, head, handle)
	if p.IsGroup() {
		vs.Epoch = v.reg.Epoch()
		if vs.Epoch < head.Epoch {
			return errors.E(op, p, errors.Conflict, errors.Errorf("registry epoch %d is behind the log's %d", vs.Epoch, head.Epoch))
		}
	}
	if err := vs.Sign(f); err != nil {
		return errors.E(op, err)
	}
	if err := v.store.Append(ctx, p, vs.Seq, vs.Marshal()); err != nil {
		return errors.E(op, p, err)
	}
	v.tables[p] = t
	v.heads[p] = vs.Head()
	log.Debug.Printf("itable: published %v", vs)
	return nil
}

// Refresh brings the tables of the given principals up to date with
// their logs. Each new log entry must follow the last one accepted, be
// signed by a key the view trusts for that principal, and the final
// entry's table must hash to its handle. If any check fails for a
// principal, nothing new is accepted for it, the principal is marked
// rejected, and Refresh returns an error of kind Integrity (or
// CorruptTable for a malformed table).
func (v *View) Refresh(ctx context.Context, principals ...secfs.Principal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range principals {
		if err := v.refresh(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// RefreshAll refreshes every principal that has a log in the store.
// Unlike Refresh it does not stop at a principal whose log is rejected;
// that principal is marked and the rest are refreshed. It fails only
// when the store cannot be read.
func (v *View) RefreshAll(ctx context.Context) error {
	const op errors.Op = "itable.RefreshAll"
	principals, err := v.store.Principals(ctx)
	if err != nil {
		return errors.E(op, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range principals {
		err := v.refresh(ctx, p)
		if err == nil || errors.Is(errors.Integrity, err) || errors.Is(errors.CorruptTable, err) {
			continue
		}
		return errors.E(op, err)
	}
	return nil
}

func (v *View) refresh(ctx context.Context, p secfs.Principal) error {
	const op errors.Op = "itable.Refresh"
	head := v.heads[p]
	entries, err := v.store.Log(ctx, p, head.Seq)
	if err != nil {
		return errors.E(op, p, err)
	}
	if len(entries) == 0 {
		delete(v.rejected, p)
		return nil
	}
	cur := head
	var last *version.Structure
	for _, raw := range entries {
		vs, err := version.Unmarshal(raw)
		if err != nil {
			return v.reject(op, p, err)
		}
		if vs.Principal != p {
			return v.reject(op, p, errors.Errorf("log entry for %v", vs.Principal))
		}
		if !vs.Follows(cur) {
			return v.reject(op, p, errors.Errorf("entry %v does not follow %v", vs, cur))
		}
		pub, err := v.signerKey(p, cur, vs)
		if err != nil {
			return v.reject(op, p, err)
		}
		if err := vs.Verify(pub); err != nil {
			return v.reject(op, p, err)
		}
		cur = vs.Head()
		last = vs
	}

	data, err := v.store.Get(ctx, last.Handle)
	if errors.Is(errors.NotExist, err) {
		return v.reject(op, p, err)
	}
	if err != nil {
		return errors.E(op, p, err)
	}
	if !sha256key.Verify(last.Handle, data) {
		return v.reject(op, p, errors.Errorf("table does not match handle %v", last.Handle))
	}
	t, err := Unmarshal(data)
	if err != nil {
		log.Error.Printf("itable: rejected table of %v: %v", p, err)
		err = errors.E(op, p, err)
		v.rejected[p] = err
		return err
	}
	if t.Principal() != p {
		return v.reject(op, p, errors.Errorf("table belongs to %v", t.Principal()))
	}
	v.tables[p] = t
	v.heads[p] = cur
	delete(v.rejected, p)
	return nil
}

// reject logs, records and returns an integrity failure for p.
func (v *View) reject(op errors.Op, p secfs.Principal, err error) error {
	log.Error.Printf("itable: rejected log of %v: %v", p, err)
	err = errors.E(op, p, errors.Integrity, err)
	v.rejected[p] = err
	return err
}

// signerKey returns the key that must have signed vs, the entry after
// cur in p's log.
//
// A user's entries are signed by that user at epoch zero. A group's
// entries are signed either by a user that was a member at the entry's
// epoch, or by the share owner; the epoch may not precede cur's nor
// follow the registry's.
func (v *View) signerKey(p secfs.Principal, cur version.Head, vs *version.Structure) (*rsa.PublicKey, error) {
	signer := vs.Signer
	switch p.Kind() {
	case secfs.UserKind:
		if u, _ := p.User(); u != signer {
			return nil, errors.Errorf("%v entry signed by %v", p, signer)
		}
		if vs.Epoch != 0 {
			return nil, errors.Errorf("%v entry at membership epoch %d", p, vs.Epoch)
		}
	case secfs.GroupKind:
		g, _ := p.Group()
		switch {
		case vs.Epoch < cur.Epoch:
			return nil, errors.Errorf("%v entry at epoch %d after epoch %d", p, vs.Epoch, cur.Epoch)
		case vs.Epoch > v.reg.Epoch():
			return nil, errors.Errorf("%v entry at epoch %d, registry is at %d", p, vs.Epoch, v.reg.Epoch())
		case v.hasOwner && signer == v.owner:
		case !v.reg.IsMemberAt(vs.Epoch, g, signer):
			return nil, errors.Errorf("%v entry signed by %v, not a member at epoch %d", p, signer, vs.Epoch)
		}
	}
	if pub, ok := v.anchors[signer]; ok {
		if reg, err := v.reg.PublicKey(signer); err == nil && !factotum.SameKey(reg, pub) {
			return nil, errors.Errorf("registry key for %v does not match its anchor", signer)
		}
		return pub, nil
	}
	pub, err := v.reg.PublicKey(signer)
	if err != nil {
		return nil, errors.Errorf("unknown signer %v", signer)
	}
	return pub, nil
}

// Checkpoint seals the log of every group the view holds at the
// registry's membership epoch. For each group whose last entry is at an
// earlier epoch it appends an entry naming the same table, signed by the
// share owner. Entries claiming an earlier membership can then no longer
// follow.
func (v *View) Checkpoint(ctx context.Context) error {
	const op errors.Op = "itable.Checkpoint"
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.hasOwner {
		return errors.E(op, errors.Invalid, errors.Str("no share owner"))
	}
	epoch := v.reg.Epoch()
	for _, p := range v.principals() {
		if !p.IsGroup() || v.heads[p].Epoch >= epoch || v.rejected[p] != nil {
			continue
		}
		if err := v.publish(ctx, v.owner, v.tables[p].Clone()); err != nil {
			return errors.E(op, err)
		}
	}
	return nil
}

// Head returns the position of p's log as accepted by the view.
func (v *View) Head(p secfs.Principal) (version.Head, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.heads[p]
	return h, ok
}

// Table returns a copy of p's table.
func (v *View) Table(p secfs.Principal) (*Table, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.tables[p]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Principals returns the principals the view holds tables for,
// users first, each kind in increasing id order.
func (v *View) Principals() []secfs.Principal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.principals()
}

func (v *View) principals() []secfs.Principal {
	ps := make([]secfs.Principal, 0, len(v.tables))
	for p := range v.tables {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Kind() != ps[j].Kind() {
			return ps[i].Kind() < ps[j].Kind()
		}
		return ps[i].ID() < ps[j].ID()
	})
	return ps
}
