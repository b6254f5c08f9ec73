// Copyright 2017 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package inprocess

import (
	"context"
	"testing"

	"secfs.io/errors"
	"secfs.io/secfs"
	"secfs.io/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) secfs.StoreServer {
		s, err := New()
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func TestCapacity(t *testing.T) {
	ctx := context.Background()
	store, err := New("capacity=10")
	if err != nil {
		t.Fatal(err)
	}

	var refs []secfs.Hash
	testData := []string{"12", "34", "56", "78", "90"}
	for i, d := range testData {
		h, err := store.Put(ctx, []byte(d))
		if err != nil {
			t.Fatal(err)
		}
		refs = append(refs, h)
		data, err := store.Get(ctx, h)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != d {
			t.Fatalf("%d: got = %s, want = %s", i, data, d)
		}
	}

	checkRefs := func() {
		for i, r := range refs {
			data, err := store.Get(ctx, r)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != testData[i] {
				t.Fatalf("%d: got = %s, want = %s", i, data, testData[i])
			}
		}
	}

	// Check that all refs are still around.
	checkRefs()

	// Now add something and check refs 0 and 1 had to be deleted.
	newRef, err := store.Put(ctx, []byte("777"))
	if err != nil {
		t.Fatal(err)
	}
	data, err := store.Get(ctx, newRef)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "777" {
		t.Fatalf("got = %s, want = 777", data)
	}

	// First two are now gone.
	for i := 0; i < 2; i++ {
		_, err := store.Get(ctx, refs[i])
		if !errors.Match(errors.E(errors.NotExist), err) {
			t.Fatalf("expected not exist, got = %s", err)
		}
	}

	// Verify the others are still there.
	refs = refs[2:]
	testData = testData[2:]
	checkRefs()

	if _, err := store.Put(ctx, []byte("this block exceeds the capacity")); !errors.Is(errors.IO, err) {
		t.Fatalf("oversized put: got %v", err)
	}
}

func TestOptions(t *testing.T) {
	for _, opts := range [][]string{{"capacity"}, {"capacity=big"}, {"colour=blue"}} {
		if _, err := New(opts...); !errors.Is(errors.Invalid, err) {
			t.Errorf("New(%q): got %v; want Invalid", opts, err)
		}
	}
}

func TestOpenShares(t *testing.T) {
	a, err := Open("TestOpenShares")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Open("TestOpenShares")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("Open returned distinct servers for one name")
	}
	c, err := Open("TestOpenShares-other")
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Fatal("Open returned one server for distinct names")
	}
}
