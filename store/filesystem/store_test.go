// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package filesystem

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"secfs.io/errors"
	"secfs.io/secfs"
	"secfs.io/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) secfs.StoreServer {
		s, err := New(afero.NewMemMapFs())
		require.NoError(t, err)
		return s
	})
}

func TestConformanceOS(t *testing.T) {
	storetest.Run(t, func(t *testing.T) secfs.StoreServer {
		s, err := NewOS(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestSharedDirectory(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	a, err := New(fs)
	require.NoError(t, err)
	b, err := New(fs)
	require.NoError(t, err)

	// The lock file is visible to every server on the directory.
	require.NoError(t, a.Lock(ctx))
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, b.Lock(short))
	require.NoError(t, a.Unlock())
	require.NoError(t, b.Lock(ctx))
	require.NoError(t, b.Unlock())

	p := secfs.UserPrincipal(4)
	require.NoError(t, a.Append(ctx, p, 1, []byte("from a")))
	err = b.Append(ctx, p, 1, []byte("from b"))
	require.True(t, errors.Is(errors.Conflict, err), "got %v", err)
}

func TestCorruptBlock(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	s, err := New(fs)
	require.NoError(t, err)
	h, err := s.Put(ctx, []byte("original"))
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, blockPath(h), []byte("tampered"), 0600))

	_, err = s.Get(ctx, h)
	require.True(t, errors.Is(errors.Integrity, err), "got %v", err)
}

func TestStaleLock(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	s, err := New(fs)
	require.NoError(t, err)
	held := func() {
		t.Helper()
		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		require.Error(t, s.Lock(short), "lock was taken from a live holder")
	}

	// A live process on this host keeps its lock.
	require.True(t, processAlive(os.Getpid()))
	mine := fmt.Sprintf("%s %d\n", hostname(), os.Getpid())
	require.NoError(t, afero.WriteFile(fs, lockFile, []byte(mine), 0600))
	held()

	// Once it has exited, the lock is broken.
	alive := processAlive
	defer func() { processAlive = alive }()
	processAlive = func(int) bool { return false }
	require.NoError(t, s.Lock(ctx))
	require.NoError(t, s.Unlock())
	processAlive = alive

	// Another host's lock is trusted until it is old.
	require.NoError(t, afero.WriteFile(fs, lockFile, []byte("elsewhere 1\n"), 0600))
	held()
	old := time.Now().Add(-2 * staleAge)
	require.NoError(t, fs.Chtimes(lockFile, old, old))
	require.NoError(t, s.Lock(ctx))
	data, err := afero.ReadFile(fs, lockFile)
	require.NoError(t, err)
	require.Contains(t, string(data), strconv.Itoa(os.Getpid()))
	require.NoError(t, s.Unlock())

	leftovers, err := afero.Glob(fs, lockFile+"*")
	require.NoError(t, err)
	require.Empty(t, leftovers)
}
