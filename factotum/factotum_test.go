// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package factotum

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"secfs.io/errors"
	"secfs.io/secfs"
)

func TestSignVerify(t *testing.T) {
	f, err := Generate(1)
	require.NoError(t, err)
	other, err := Generate(2)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("itable handle"))
	sig, err := f.Sign(digest[:])
	require.NoError(t, err)

	require.NoError(t, Verify(f.PublicKey(), digest[:], sig))

	err = Verify(other.PublicKey(), digest[:], sig)
	require.True(t, errors.Is(errors.Integrity, err), "wrong key: got %v", err)

	bad := sha256.Sum256([]byte("another handle"))
	err = Verify(f.PublicKey(), bad[:], sig)
	require.True(t, errors.Is(errors.Integrity, err), "wrong digest: got %v", err)

	_, err = f.Sign([]byte("short"))
	require.True(t, errors.Is(errors.Invalid, err), "short digest: got %v", err)
}

func TestPEMRoundTrip(t *testing.T) {
	f, err := Generate(3)
	require.NoError(t, err)

	g, err := New(3, f.PrivateKeyPEM())
	require.NoError(t, err)
	require.True(t, SameKey(f.PublicKey(), g.PublicKey()))

	pub, err := ParsePublicKey(f.PublicKeyPEM())
	require.NoError(t, err)
	require.True(t, SameKey(pub, f.PublicKey()))
	require.Equal(t, Fingerprint(pub), Fingerprint(f.PublicKey()))

	_, err = ParsePublicKey([]byte("not a key"))
	require.True(t, errors.Is(errors.Invalid, err))
	_, err = New(3, f.PublicKeyPEM())
	require.True(t, errors.Is(errors.Invalid, err))
}

func TestLoadOrGenerate(t *testing.T) {
	file := filepath.Join(t.TempDir(), "user-4-key.pem")

	_, err := Load(4, file)
	require.True(t, errors.Is(errors.NotExist, err), "got %v", err)

	f, err := LoadOrGenerate(4, file)
	require.NoError(t, err)
	info, err := os.Stat(file)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// Second call loads the same key.
	g, err := LoadOrGenerate(4, file)
	require.NoError(t, err)
	require.True(t, SameKey(f.PublicKey(), g.PublicKey()))
}

func TestKeyring(t *testing.T) {
	f, err := Generate(5)
	require.NoError(t, err)
	k := NewKeyring(f)

	got, err := k.Lookup(5)
	require.NoError(t, err)
	require.Same(t, f, got)

	_, err = k.Lookup(secfs.UserID(6))
	require.True(t, errors.Is(errors.Permission, err), "got %v", err)
}
