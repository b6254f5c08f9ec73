// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package storetest provides a conformance suite for implementations of
// secfs.StoreServer, and a wrapper that injects failures.
package storetest // import "secfs.io/store/storetest"

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"secfs.io/errors"
	"secfs.io/key/sha256key"
	"secfs.io/secfs"
)

// Run runs the conformance suite. Each subtest gets a fresh, empty store
// from newStore, which should arrange for the store to be closed.
func Run(t *testing.T, newStore func(t *testing.T) secfs.StoreServer) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s secfs.StoreServer)
	}{
		{"PutGet", testPutGet},
		{"GetMissing", testGetMissing},
		{"Log", testLog},
		{"AppendConflict", testAppendConflict},
		{"Principals", testPrincipals},
		{"Lock", testLock},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			test.fn(t, newStore(t))
		})
	}
}

func testPutGet(t *testing.T, s secfs.StoreServer) {
	ctx := context.Background()
	for _, data := range []string{"", "hello", "hello", "a longer block of data"} {
		h, err := s.Put(ctx, []byte(data))
		require.NoError(t, err)
		require.Equal(t, sha256key.Of([]byte(data)), h)

		got, err := s.Get(ctx, h)
		require.NoError(t, err)
		require.Equal(t, data, string(got))
	}
}

func testGetMissing(t *testing.T, s secfs.StoreServer) {
	_, err := s.Get(context.Background(), sha256key.Of([]byte("never stored")))
	require.True(t, errors.Is(errors.NotExist, err), "got %v", err)
}

func testLog(t *testing.T, s secfs.StoreServer) {
	ctx := context.Background()
	p := secfs.UserPrincipal(1)

	l, err := s.Log(ctx, p, 0)
	require.NoError(t, err)
	require.Empty(t, l)

	entries := []string{"one", "two", "three"}
	for i, e := range entries {
		require.NoError(t, s.Append(ctx, p, uint64(i+1), []byte(e)))
	}
	for after := 0; after <= len(entries)+1; after++ {
		l, err := s.Log(ctx, p, uint64(after))
		require.NoError(t, err)
		var got []string
		for _, b := range l {
			got = append(got, string(b))
		}
		if after >= len(entries) {
			require.Empty(t, got, "after %d", after)
		} else {
			require.Equal(t, entries[after:], got, "after %d", after)
		}
	}

	// Logs of different principals are independent.
	l, err = s.Log(ctx, secfs.GroupPrincipal(1), 0)
	require.NoError(t, err)
	require.Empty(t, l)
}

func testAppendConflict(t *testing.T, s secfs.StoreServer) {
	ctx := context.Background()
	p := secfs.GroupPrincipal(7)

	err := s.Append(ctx, p, 2, []byte("skips genesis"))
	require.True(t, errors.Is(errors.Conflict, err), "got %v", err)

	require.NoError(t, s.Append(ctx, p, 1, []byte("genesis")))
	err = s.Append(ctx, p, 1, []byte("replaces genesis"))
	require.True(t, errors.Is(errors.Conflict, err), "got %v", err)

	l, err := s.Log(ctx, p, 0)
	require.NoError(t, err)
	require.Len(t, l, 1)
	require.Equal(t, "genesis", string(l[0]))
}

func testPrincipals(t *testing.T, s secfs.StoreServer) {
	ctx := context.Background()
	ps, err := s.Principals(ctx)
	require.NoError(t, err)
	require.Empty(t, ps)

	want := []secfs.Principal{secfs.UserPrincipal(1), secfs.UserPrincipal(2), secfs.GroupPrincipal(1)}
	for _, p := range want {
		require.NoError(t, s.Append(ctx, p, 1, []byte(p.String())))
	}
	ps, err = s.Principals(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, want, ps)
}

func testLock(t *testing.T, s secfs.StoreServer) {
	ctx := context.Background()
	require.NoError(t, s.Lock(ctx))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.Error(t, s.Lock(short), "second Lock succeeded while held")

	locked := make(chan error, 1)
	go func() { locked <- s.Lock(ctx) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Unlock())
	select {
	case err := <-locked:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Lock did not proceed after Unlock")
	}
	require.NoError(t, s.Unlock())
	require.Error(t, s.Unlock(), "Unlock of an unlocked store succeeded")
}

// Faulty wraps a StoreServer, failing calls on demand.
type Faulty struct {
	secfs.StoreServer

	mu         sync.Mutex
	failPut    error
	failAppend error
	failLog    error
}

var _ secfs.StoreServer = (*Faulty)(nil)

// NewFaulty returns a Faulty that passes every call through to s.
func NewFaulty(s secfs.StoreServer) *Faulty {
	return &Faulty{StoreServer: s}
}

// FailPut makes subsequent Puts fail with err; nil restores them.
func (f *Faulty) FailPut(err error) {
	f.mu.Lock()
	f.failPut = err
	f.mu.Unlock()
}

// FailAppend makes subsequent Appends fail with err; nil restores them.
func (f *Faulty) FailAppend(err error) {
	f.mu.Lock()
	f.failAppend = err
	f.mu.Unlock()
}

// FailLog makes subsequent Logs fail with err; nil restores them.
func (f *Faulty) FailLog(err error) {
	f.mu.Lock()
	f.failLog = err
	f.mu.Unlock()
}

// Put implements secfs.StoreServer.
func (f *Faulty) Put(ctx context.Context, data []byte) (secfs.Hash, error) {
	f.mu.Lock()
	err := f.failPut
	f.mu.Unlock()
	if err != nil {
		return secfs.Hash{}, err
	}
	return f.StoreServer.Put(ctx, data)
}

// Append implements secfs.StoreServer.
func (f *Faulty) Append(ctx context.Context, p secfs.Principal, seq uint64, vs []byte) error {
	f.mu.Lock()
	err := f.failAppend
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.StoreServer.Append(ctx, p, seq, vs)
}

// Log implements secfs.StoreServer.
func (f *Faulty) Log(ctx context.Context, p secfs.Principal, after uint64) ([][]byte, error) {
	f.mu.Lock()
	err := f.failLog
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.StoreServer.Log(ctx, p, after)
}
