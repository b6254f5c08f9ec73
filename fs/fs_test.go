// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fs

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"secfs.io/errors"
	"secfs.io/factotum"
	"secfs.io/itable"
	"secfs.io/registry"
	"secfs.io/secfs"
	"secfs.io/store/inprocess"

	_ "secfs.io/pack/plain"
	"secfs.io/pack/symm"
)

const (
	alice secfs.UserID  = 1
	bob   secfs.UserID  = 2
	carol secfs.UserID  = 3
	team  secfs.GroupID = 7
)

var (
	keysOnce sync.Once
	keys     map[secfs.UserID]*factotum.Factotum
)

func factotums() map[secfs.UserID]*factotum.Factotum {
	keysOnce.Do(func() {
		keys = make(map[secfs.UserID]*factotum.Factotum)
		for _, u := range []secfs.UserID{alice, bob, carol} {
			f, err := factotum.Generate(u)
			if err != nil {
				panic(err)
			}
			keys[u] = f
		}
	})
	return keys
}

func users() registry.Users {
	us := make(registry.Users)
	for u, f := range factotums() {
		us[u] = f.PublicKey()
	}
	return us
}

var epoch = time.Date(2016, 9, 1, 12, 0, 0, 0, time.UTC)

// newSession returns a session acting for user on a share owned by alice.
func newSession(t *testing.T, store secfs.StoreServer, user secfs.UserID, root secfs.ObjectID) *Session {
	fs := factotums()
	s, err := New(Options{
		Store:    store,
		Keys:     factotum.NewKeyring(fs[user]),
		Owner:    alice,
		OwnerKey: fs[alice].PublicKey(),
		Root:     root,
		Now:      func() time.Time { return epoch },
	})
	require.NoError(t, err)
	return s
}

func newStore(t *testing.T) *inprocess.Server {
	s, err := inprocess.New()
	require.NoError(t, err)
	return s
}

// initShare creates a share owned by alice with alice and bob in team.
func initShare(t *testing.T, store secfs.StoreServer) (*Session, secfs.ObjectID) {
	sa := newSession(t, store, alice, secfs.ObjectID{})
	root, err := sa.Init(context.Background(), alice, users(), registry.Groups{team: {alice, bob}})
	require.NoError(t, err)
	return sa, root
}

func names(entries []DirEntry) []string {
	var ns []string
	for _, e := range entries {
		ns = append(ns, e.Name)
	}
	return ns
}

func TestScenario(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	sa, root := initShare(t, store)
	require.Equal(t, alice.Principal(), root.Principal)

	docs, err := sa.Mkdir(ctx, root, "docs", alice, alice.Principal())
	require.NoError(t, err)
	require.Equal(t, alice.Principal(), docs.Principal)
	n, err := sa.Stat(ctx, docs)
	require.NoError(t, err)
	require.True(t, n.IsDir())
	require.Equal(t, alice.Principal(), n.Owner)

	shared, err := sa.Create(ctx, docs, "shared.txt", alice, team.Principal())
	require.NoError(t, err)
	require.Equal(t, team.Principal(), shared.Principal)
	e, err := sa.View().Resolve(shared, false)
	require.NoError(t, err)
	first, ok := e.Link()
	require.True(t, ok)
	require.Equal(t, alice, first.User)

	sb := newSession(t, store, bob, root)
	msg := []byte("hello from bob")
	w, err := sb.Write(ctx, bob, shared, 0, msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), w)

	e, err = sb.View().Resolve(shared, false)
	require.NoError(t, err)
	second, ok := e.Link()
	require.True(t, ok)
	require.Equal(t, bob, second.User)
	_, err = sb.View().Resolve(first.ObjectID(), true)
	require.NoError(t, err, "alice's object should still resolve")

	got, err := sa.Read(ctx, alice, shared, 0, 100)
	require.NoError(t, err)
	require.Equal(t, msg, got)
	e, err = sa.View().Resolve(shared, false)
	require.NoError(t, err)
	require.Equal(t, itable.LinkEntry(second), e)

	entries, err := sb.Readdir(ctx, docs, 0)
	require.NoError(t, err)
	require.Equal(t, []string{".", "..", "shared.txt"}, names(entries))
	require.Equal(t, []DirEntry{
		{ID: docs, Name: ".", Next: 1},
		{ID: root, Name: "..", Next: 2},
		{ID: shared, Name: "shared.txt", Next: 3},
	}, entries)
	entries, err = sb.Readdir(ctx, docs, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"shared.txt"}, names(entries))

	// Bob is not the owner of docs.
	_, err = sb.Create(ctx, docs, "mine.txt", bob, bob.Principal())
	require.True(t, errors.Is(errors.Permission, err), "got %v", err)

	// Carol is not in the group.
	sc := newSession(t, store, carol, root)
	_, err = sc.Write(ctx, carol, shared, 0, []byte("carol"))
	require.True(t, errors.Is(errors.Permission, err), "got %v", err)
	got, err = sc.Read(ctx, carol, shared, 0, 100)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestInit(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	sa, root := initShare(t, store)

	entries, err := sa.Readdir(ctx, root, 0)
	require.NoError(t, err)
	require.Equal(t, []string{".", "..", registry.UsersFile, registry.GroupsFile}, names(entries))
	require.Equal(t, root, entries[0].ID)
	require.Equal(t, root, entries[1].ID)

	_, err = sa.Init(ctx, alice, users(), nil)
	require.True(t, errors.Is(errors.Exist, err), "got %v", err)

	sb := newSession(t, store, bob, secfs.ObjectID{})
	_, err = sb.Init(ctx, bob, users(), nil)
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)

	wrong := users()
	wrong[alice] = factotums()[bob].PublicKey()
	_, err = newSession(t, newStore(t), alice, secfs.ObjectID{}).Init(ctx, alice, wrong, nil)
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)
}

func TestReadWrite(t *testing.T) {
	ctx := context.Background()
	sa, root := initShare(t, newStore(t))
	f, err := sa.Create(ctx, root, "f", alice, alice.Principal())
	require.NoError(t, err)

	tests := []struct {
		off  int64
		data string
		want string
	}{
		{0, "hello, world", "hello, world"},
		{7, "there", "hello, there"},
		{12, "!", "hello, there!"},
		{15, "x", "hello, there!\x00\x00x"},
		{0, "J", "Jello, there!\x00\x00x"},
	}
	for _, test := range tests {
		n, err := sa.Write(ctx, alice, f, test.off, []byte(test.data))
		require.NoError(t, err)
		require.Equal(t, len(test.data), n)
		got, err := sa.Read(ctx, alice, f, 0, 1000)
		require.NoError(t, err)
		require.Equal(t, test.want, string(got))
	}

	got, err := sa.Read(ctx, alice, f, 7, 5)
	require.NoError(t, err)
	require.Equal(t, "there", string(got))
	got, err = sa.Read(ctx, alice, f, 100, 5)
	require.NoError(t, err)
	require.Empty(t, got)
	_, err = sa.Read(ctx, alice, f, -1, 5)
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)

	require.NoError(t, sa.Truncate(ctx, alice, f, 5))
	got, err = sa.Read(ctx, alice, f, 0, 1000)
	require.NoError(t, err)
	require.Equal(t, "Jello", string(got))
	n, err := sa.Stat(ctx, f)
	require.NoError(t, err)
	require.EqualValues(t, 5, n.Size)
	require.True(t, epoch.Equal(n.ModTime()))

	_, err = sa.Read(ctx, alice, root, 0, 10)
	require.True(t, errors.Is(errors.IsDir, err), "got %v", err)
	_, err = sa.Readdir(ctx, f, 0)
	require.True(t, errors.Is(errors.NotDir, err), "got %v", err)
}

func TestLargeFile(t *testing.T) {
	ctx := context.Background()
	sa, root := initShare(t, newStore(t))
	f, err := sa.Create(ctx, root, "big", alice, alice.Principal())
	require.NoError(t, err)
	data := bytes.Repeat([]byte("0123456789abcdef"), (2*BlockSize+100)/16)
	_, err = sa.Write(ctx, alice, f, 0, data)
	require.NoError(t, err)
	n, err := sa.Stat(ctx, f)
	require.NoError(t, err)
	require.Len(t, n.Blocks, 3)
	got, err := sa.Read(ctx, alice, f, 0, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestCreateErrors(t *testing.T) {
	ctx := context.Background()
	sa, root := initShare(t, newStore(t))
	_, err := sa.Create(ctx, root, "f", alice, alice.Principal())
	require.NoError(t, err)

	tests := []struct {
		name  string
		user  secfs.UserID
		owner secfs.Principal
		kind  errors.Kind
	}{
		{"f", alice, alice.Principal(), errors.Exist},
		{"", alice, alice.Principal(), errors.Invalid},
		{"..", alice, alice.Principal(), errors.Invalid},
		{"a/b", alice, alice.Principal(), errors.Invalid},
		{"g", alice, bob.Principal(), errors.Permission},
		{"g", alice, secfs.GroupPrincipal(99), errors.Permission},
		{"g", alice, secfs.Principal{}, errors.TypeMismatch},
	}
	for _, test := range tests {
		_, err := sa.Create(ctx, root, test.name, test.user, test.owner)
		require.True(t, errors.Is(test.kind, err), "Create(%q, %v, %v): got %v; want %v", test.name, test.user, test.owner, err, test.kind)
	}

	_, err = sa.Create(ctx, secfs.NewObjectID(alice.Principal()), "x", alice, alice.Principal())
	require.True(t, errors.Is(errors.TypeMismatch, err), "got %v", err)
	_, err = sa.Create(ctx, secfs.ObjectIDAt(alice.Principal(), 99), "x", alice, alice.Principal())
	require.True(t, errors.Is(errors.MissingSlot, err), "got %v", err)
}

func TestGroupDirectory(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	sa, root := initShare(t, store)
	dir, err := sa.Mkdir(ctx, root, "team", alice, team.Principal())
	require.NoError(t, err)
	require.Equal(t, team.Principal(), dir.Principal)

	sb := newSession(t, store, bob, root)
	f, err := sb.Create(ctx, dir, "notes", bob, bob.Principal())
	require.NoError(t, err)
	require.Equal(t, bob.Principal(), f.Principal)

	entries, err := sa.Readdir(ctx, dir, 0)
	require.NoError(t, err)
	require.Equal(t, []DirEntry{
		{ID: dir, Name: ".", Next: 1},
		{ID: root, Name: "..", Next: 2},
		{ID: f, Name: "notes", Next: 3},
	}, entries)

	// Alice can see bob's file but not write it.
	_, err = sa.Write(ctx, alice, f, 0, []byte("x"))
	require.True(t, errors.Is(errors.Permission, err), "got %v", err)

	got, err := sb.Walk(ctx, "/team/notes")
	require.NoError(t, err)
	require.Equal(t, f, got)
	_, err = sb.Walk(ctx, "team/./notes/..")
	require.True(t, errors.Is(errors.NotDir, err), "got %v", err)
	got, err = sb.Walk(ctx, "team/..")
	require.NoError(t, err)
	require.Equal(t, root, got)
	_, err = sb.Walk(ctx, "team/missing")
	require.True(t, errors.Is(errors.NotExist, err), "got %v", err)
}

func TestLink(t *testing.T) {
	ctx := context.Background()
	sa, root := initShare(t, newStore(t))
	f, err := sa.Create(ctx, root, "f", alice, alice.Principal())
	require.NoError(t, err)
	require.NoError(t, sa.Link(ctx, alice, f, root, "g"))
	got, err := sa.Lookup(ctx, root, "g")
	require.NoError(t, err)
	require.Equal(t, f, got)

	err = sa.Link(ctx, alice, f, root, "g")
	require.True(t, errors.Is(errors.Exist, err), "got %v", err)
	err = sa.Link(ctx, alice, secfs.ObjectIDAt(alice.Principal(), 99), root, "h")
	require.True(t, errors.Is(errors.MissingSlot, err), "got %v", err)
	_, err = sa.Lookup(ctx, root, "h")
	require.True(t, errors.Is(errors.NotExist, err), "got %v", err)
}

func TestSetGroups(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	sa, root := initShare(t, store)
	f, err := sa.Create(ctx, root, "f", alice, team.Principal())
	require.NoError(t, err)

	sc := newSession(t, store, carol, root)
	_, err = sc.Write(ctx, carol, f, 0, []byte("carol"))
	require.True(t, errors.Is(errors.Permission, err), "got %v", err)

	err = sc.SetGroups(ctx, carol, registry.Groups{team: {carol}})
	require.True(t, errors.Is(errors.Permission, err), "got %v", err)

	require.NoError(t, sa.SetGroups(ctx, alice, registry.Groups{team: {alice, bob, carol}}))
	_, err = sc.Write(ctx, carol, f, 0, []byte("carol"))
	require.NoError(t, err)
	got, err := sa.Read(ctx, alice, f, 0, 10)
	require.NoError(t, err)
	require.Equal(t, "carol", string(got))

	err = sa.SetUsers(ctx, alice, registry.Users{alice: factotums()[bob].PublicKey()})
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)
}

func TestRemoveMember(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	sa, root := initShare(t, store)
	f, err := sa.Create(ctx, root, "f", alice, team.Principal())
	require.NoError(t, err)
	sb := newSession(t, store, bob, root)
	_, err = sb.Write(ctx, bob, f, 0, []byte("from bob"))
	require.NoError(t, err)

	require.NoError(t, sa.SetGroups(ctx, alice, registry.Groups{team: {alice}}))

	// What bob wrote while a member is still readable.
	fresh := newSession(t, store, alice, root)
	entries, err := fresh.Readdir(ctx, root, 0)
	require.NoError(t, err)
	require.Contains(t, names(entries), "f")
	got, err := fresh.Read(ctx, alice, f, 0, 100)
	require.NoError(t, err)
	require.Equal(t, "from bob", string(got))

	_, err = sb.Write(ctx, bob, f, 0, []byte("too late"))
	require.True(t, errors.Is(errors.Permission, err), "got %v", err)

	_, err = fresh.Write(ctx, alice, f, 0, []byte("from alice"))
	require.NoError(t, err)
	got, err = newSession(t, store, alice, root).Read(ctx, alice, f, 0, 100)
	require.NoError(t, err)
	require.Equal(t, "from alice", string(got))
	head, ok := fresh.View().Head(team.Principal())
	require.True(t, ok)
	require.Equal(t, uint64(1), head.Epoch)
}

func TestUnrelatedBadLog(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	sa, root := initShare(t, store)
	f, err := sa.Create(ctx, root, "f", alice, alice.Principal())
	require.NoError(t, err)
	_, err = sa.Write(ctx, alice, f, 0, []byte("kept"))
	require.NoError(t, err)

	junk := secfs.GroupPrincipal(99)
	require.NoError(t, store.Append(ctx, junk, 1, []byte("junk")))

	fresh := newSession(t, store, alice, root)
	entries, err := fresh.Readdir(ctx, root, 0)
	require.NoError(t, err)
	require.Contains(t, names(entries), "f")
	got, err := fresh.Read(ctx, alice, f, 0, 100)
	require.NoError(t, err)
	require.Equal(t, "kept", string(got))
	_, err = fresh.Write(ctx, alice, f, 4, []byte(" going"))
	require.NoError(t, err)

	_, err = fresh.Stat(ctx, secfs.ObjectIDAt(junk, 0))
	require.True(t, errors.Is(errors.Integrity, err), "got %v", err)
}

func TestUntrustedOwnerKey(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, root := initShare(t, store)

	fs := factotums()
	s, err := New(Options{
		Store:    store,
		Keys:     factotum.NewKeyring(fs[bob]),
		Owner:    alice,
		OwnerKey: fs[bob].PublicKey(),
		Root:     root,
	})
	require.NoError(t, err)
	_, err = s.Walk(ctx, "")
	require.True(t, errors.Is(errors.Integrity, err), "got %v", err)
}

func TestSymmetricPacking(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	key, err := symm.NewKey()
	require.NoError(t, err)
	fs := factotums()
	open := func(user secfs.UserID, root secfs.ObjectID, key []byte) *Session {
		s, err := New(Options{
			Store:      store,
			Keys:       factotum.NewKeyring(fs[user]),
			Owner:      alice,
			Root:       root,
			OwnerKey:   fs[alice].PublicKey(),
			Packing:    secfs.SymmPack,
			ContentKey: key,
		})
		require.NoError(t, err)
		return s
	}

	sa := open(alice, secfs.ObjectID{}, key)
	root, err := sa.Init(ctx, alice, users(), registry.Groups{team: {alice, bob}})
	require.NoError(t, err)
	f, err := sa.Create(ctx, root, "secret", alice, alice.Principal())
	require.NoError(t, err)
	secret := []byte("the eagle lands at midnight")
	_, err = sa.Write(ctx, alice, f, 0, secret)
	require.NoError(t, err)

	n, err := sa.Stat(ctx, f)
	require.NoError(t, err)
	require.Equal(t, secfs.SymmPack, n.Packing)
	for _, h := range n.Blocks {
		b, err := store.Get(ctx, h)
		require.NoError(t, err)
		require.False(t, bytes.Contains(b, secret), "block holds cleartext")
	}

	got, err := open(bob, root, key).Read(ctx, bob, f, 0, 100)
	require.NoError(t, err)
	require.Equal(t, secret, got)

	other, err := symm.NewKey()
	require.NoError(t, err)
	_, err = open(bob, root, other).Read(ctx, bob, f, 0, 100)
	require.True(t, errors.Is(errors.Integrity, err), "got %v", err)
}

func TestNew(t *testing.T) {
	_, err := New(Options{})
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)

	store := newStore(t)
	_, err = New(Options{Store: store, Owner: alice})
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)

	fs := factotums()
	_, err = New(Options{Store: store, Keys: factotum.NewKeyring(fs[alice]), Owner: alice, Packing: 99})
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)

	_, err = New(Options{Store: store, Keys: factotum.NewKeyring(fs[alice]), Owner: alice, Root: secfs.ObjectIDAt(bob.Principal(), 0)})
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)
}
