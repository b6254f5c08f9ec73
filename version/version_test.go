// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package version

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"secfs.io/errors"
	"secfs.io/factotum"
	"secfs.io/key/sha256key"
	"secfs.io/secfs"
)

func newFactotum(t *testing.T, u secfs.UserID) *factotum.Factotum {
	t.Helper()
	f, err := factotum.Generate(u)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestChain(t *testing.T) {
	p := secfs.UserPrincipal(1)
	h1 := sha256key.Of([]byte("table one"))
	h2 := sha256key.Of([]byte("table two"))

	var head Head
	genesis := Next(p, head, h1)
	if genesis.Seq != 1 || !genesis.Prev.IsZero() {
		t.Fatalf("genesis: got %v", genesis)
	}
	if !genesis.Follows(head) {
		t.Fatal("genesis does not follow the zero head")
	}
	head = genesis.Head()

	second := Next(p, head, h2)
	if !second.Follows(head) {
		t.Fatal("second entry does not follow genesis")
	}
	if genesis.Follows(head) {
		t.Fatal("genesis follows itself")
	}
	// A replayed or forked entry carries the wrong prev.
	fork := Next(p, Head{Handle: h2, Seq: 1}, h1)
	if fork.Follows(head) {
		t.Fatal("fork accepted")
	}
}

func TestSignVerify(t *testing.T) {
	a := newFactotum(t, 1)
	b := newFactotum(t, 2)

	s := Next(secfs.GroupPrincipal(7), Head{}, sha256key.Of([]byte("group table")))
	if err := s.Sign(a); err != nil {
		t.Fatal(err)
	}
	if s.Signer != 1 {
		t.Fatalf("signer = %v; want user:1", s.Signer)
	}
	if err := s.Verify(a.PublicKey()); err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(b.PublicKey()); !errors.Is(errors.Integrity, err) {
		t.Fatalf("verify with wrong key: got %v", err)
	}

	// Any change to a signed field invalidates the signature.
	s.Seq++
	if err := s.Verify(a.PublicKey()); !errors.Is(errors.Integrity, err) {
		t.Fatalf("verify after changing seq: got %v", err)
	}
	s.Seq--
	s.Epoch++
	if err := s.Verify(a.PublicKey()); !errors.Is(errors.Integrity, err) {
		t.Fatalf("verify after changing epoch: got %v", err)
	}
}

func TestEpochCarried(t *testing.T) {
	g := secfs.GroupPrincipal(7)
	s := Next(g, Head{Seq: 4, Epoch: 2}, sha256key.Of([]byte("t")))
	if s.Epoch != 2 {
		t.Fatalf("epoch = %d; want 2", s.Epoch)
	}
	s.Epoch = 3
	s.Sig = []byte("sig")
	got, err := Unmarshal(s.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if h := got.Head(); h.Epoch != 3 || h.Seq != 5 {
		t.Fatalf("head = %+v; want seq 5 at epoch 3", h)
	}
}

func TestMarshal(t *testing.T) {
	f := newFactotum(t, 3)
	s := Next(secfs.UserPrincipal(3), Head{Handle: sha256key.Of([]byte("x")), Seq: 41}, sha256key.Of([]byte("y")))
	if err := s.Sign(f); err != nil {
		t.Fatal(err)
	}
	data := s.Marshal()
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Principal != s.Principal || got.Handle != s.Handle || got.Prev != s.Prev ||
		got.Seq != 42 || got.Signer != 3 || !bytes.Equal(got.Sig, s.Sig) {
		t.Fatalf("got %v; want %v", got, s)
	}
	if err := got.Verify(f.PublicKey()); err != nil {
		t.Fatal(err)
	}
}

func TestUnmarshalRejects(t *testing.T) {
	s := Next(secfs.UserPrincipal(3), Head{}, sha256key.Of([]byte("y")))
	s.Sig = []byte("sig")
	good := s.Marshal()

	// Fields out of order.
	var reordered []byte
	reordered = protowire.AppendTag(reordered, fieldID, protowire.VarintType)
	reordered = protowire.AppendVarint(reordered, 3)
	reordered = protowire.AppendTag(reordered, fieldKind, protowire.VarintType)
	reordered = protowire.AppendVarint(reordered, uint64(secfs.UserKind))

	// Non-minimal varint for the principal kind.
	padded := append([]byte{good[0], 0x81, 0x00}, good[2:]...)

	tests := map[string][]byte{
		"empty":     nil,
		"truncated": good[:len(good)-1],
		"trailing":  append(append([]byte(nil), good...), 0),
		"reordered": reordered,
		"padded":    padded,
	}
	for name, data := range tests {
		if _, err := Unmarshal(data); !errors.Is(errors.Invalid, err) {
			t.Errorf("%s: got %v; want Invalid", name, err)
		}
	}
}
