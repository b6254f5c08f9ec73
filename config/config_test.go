// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"secfs.io/errors"
	"secfs.io/factotum"
	"secfs.io/log"
	"secfs.io/registry"
	"secfs.io/secfs"
)

const contentKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestInitConfig(t *testing.T) {
	const config = `user: 2
owner: user:1
keyfile: /tmp/bob.pem
store: filesystem
storeroot: /var/secfs
root: user:1:0
rootkey: /tmp/alice.pub
packing: symm
contentkey: ` + contentKeyHex + `
loglevel: error
`
	cfg, err := InitConfig(strings.NewReader(config))
	require.NoError(t, err)
	require.Equal(t, secfs.UserID(2), cfg.User)
	require.Equal(t, secfs.UserID(1), cfg.Owner)
	require.Equal(t, "/tmp/bob.pem", cfg.KeyFile)
	require.Equal(t, Filesystem, cfg.Store)
	require.Equal(t, "/var/secfs", cfg.StoreRoot)
	require.Equal(t, secfs.ObjectIDAt(secfs.UserPrincipal(1), 0), cfg.Root)
	require.Equal(t, "/tmp/alice.pub", cfg.RootKey)
	require.Equal(t, secfs.SymmPack, cfg.Packing)
	require.Len(t, cfg.ContentKey, 32)
	require.Equal(t, byte(0x1f), cfg.ContentKey[31])
	require.Equal(t, "error", log.GetLevel())
	require.NoError(t, log.SetLevel("info"))
}

func TestDefaults(t *testing.T) {
	cfg, err := InitConfig(strings.NewReader("user: 5\nkeyfile: key.pem\nstoreoptions: [capacity=1000]\n"))
	require.NoError(t, err)
	require.Equal(t, secfs.UserID(5), cfg.Owner)
	require.Equal(t, InProcess, cfg.Store)
	require.Equal(t, []string{"capacity=1000"}, cfg.StoreOptions)
	require.False(t, cfg.Root.Allocated)
	require.Equal(t, secfs.PlainPack, cfg.Packing)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestBadConfig(t *testing.T) {
	tests := []string{
		"keyfile: k\n",
		"user: bob\nkeyfile: k\n",
		"user: 1\nkeyfile: k\nname: p\n",
		"user: 1\nkeyfile: k\nstore: s3\n",
		"user: 1\nkeyfile: k\nstore: badger\n",
		"user: 1\nkeyfile: k\nroot: user:2:0\n",
		"user: 1\nkeyfile: k\nroot: dir:1:0\n",
		"user: 1\nkeyfile: k\npacking: ee\n",
		"user: 1\nkeyfile: k\npacking: symm\n",
		"user: 1\nkeyfile: k\ncontentkey: xyz\n",
		"user: 1\nkeyfile: k\nloglevel: loud\n",
		"user: [1\n",
	}
	for _, config := range tests {
		_, err := InitConfig(strings.NewReader(config))
		require.Error(t, err, "config %q", config)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SECFSSTORE", Badger)
	t.Setenv("SECFSSTOREROOT", "/data")
	cfg, err := InitConfig(strings.NewReader("user: 1\nkeyfile: k\nstore: filesystem\n"))
	require.NoError(t, err)
	require.Equal(t, Badger, cfg.Store)
	require.Equal(t, "/data", cfg.StoreRoot)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config")
	require.NoError(t, os.WriteFile(file, []byte("user: 3\nkeyfile: k\n"), 0600))
	cfg, err := FromFile(file)
	require.NoError(t, err)
	require.Equal(t, secfs.UserID(3), cfg.User)

	_, err = FromFile(filepath.Join(dir, "missing"))
	require.True(t, errors.Is(errors.NotExist, err), "got %v", err)
}

func TestDial(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []string{InProcess, Badger, Filesystem} {
		cfg := &Config{Store: kind, StoreRoot: t.TempDir()}
		s, err := Dial(ctx, cfg)
		require.NoError(t, err, kind)
		h, err := s.Put(ctx, []byte(kind))
		require.NoError(t, err, kind)
		b, err := s.Get(ctx, h)
		require.NoError(t, err, kind)
		require.Equal(t, kind, string(b))
		require.NoError(t, s.Close(), kind)
	}
	_, err := Dial(ctx, &Config{Store: Filesystem, StoreRoot: t.TempDir(), StoreOptions: []string{"x=y"}})
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)
}

func TestNewSession(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	alice, err := factotum.Generate(1)
	require.NoError(t, err)
	bob, err := factotum.Generate(2)
	require.NoError(t, err)
	write := func(name string, data []byte) string {
		file := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(file, data, 0600))
		return file
	}
	aliceKey := write("alice.pem", alice.PrivateKeyPEM())
	bobKey := write("bob.pem", bob.PrivateKeyPEM())
	alicePub := write("alice.pub", alice.PublicKeyPEM())
	storeRoot := filepath.Join(dir, "store")

	cfg, err := InitConfig(strings.NewReader("user: 1\nkeyfile: " + aliceKey + "\nstore: filesystem\nstoreroot: " + storeRoot + "\npacking: symm\ncontentkey: " + contentKeyHex + "\n"))
	require.NoError(t, err)
	sa, store, err := NewSession(ctx, cfg)
	require.NoError(t, err)
	root, err := sa.Init(ctx, 1, registry.Users{1: alice.PublicKey(), 2: bob.PublicKey()}, registry.Groups{7: {1, 2}})
	require.NoError(t, err)
	shared, err := sa.Create(ctx, root, "shared", 1, secfs.GroupPrincipal(7))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	cfg, err = InitConfig(strings.NewReader("user: 2\nowner: 1\nkeyfile: " + bobKey + "\nstore: filesystem\nstoreroot: " + storeRoot +
		"\nroot: " + root.Text() + "\nrootkey: " + alicePub + "\npacking: symm\ncontentkey: " + contentKeyHex + "\n"))
	require.NoError(t, err)
	sb, store, err := NewSession(ctx, cfg)
	require.NoError(t, err)
	defer store.Close()
	id, err := sb.Walk(ctx, "shared")
	require.NoError(t, err)
	require.Equal(t, shared, id)
	_, err = sb.Write(ctx, 2, id, 0, []byte("from bob"))
	require.NoError(t, err)

	// Bob may not act for alice's share without her key.
	cfg.RootKey = ""
	_, _, err = NewSession(ctx, cfg)
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)
}
