// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package version defines the version structure, the signed record that
// publishes a principal's new itable.
//
// Each principal has a log of version structures held by the store.
// Entry n names the hash of the itable (its handle), repeats the handle
// of entry n-1, and carries sequence number n, so the log is both counted
// and hash-linked. A client accepts an entry only if it follows the last
// entry that client accepted, which detects a server that forks, replays
// or rolls back a log.
//
// User entries are signed by the user. Groups have no key: a group entry
// is signed by the member that wrote it, and names the membership epoch,
// the version of the share's group registry, under which the signer was
// a member. Epochs never decrease along a group's log. User entries
// carry epoch zero.
//
// The stored form is the protocol buffer wire encoding of
//
//	1 principal kind  varint
//	2 principal id    varint
//	3 handle          bytes
//	4 prev            bytes
//	5 seq             varint
//	6 signer          varint
//	7 epoch           varint
//	8 signature       bytes
//
// with fields in that order. The signature covers SHA-256 of a fixed
// prefix followed by the encoding of fields 1 through 7.
package version // import "secfs.io/version"

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"secfs.io/errors"
	"secfs.io/factotum"
	"secfs.io/secfs"
)

const digestPrefix = "secfs version structure v2\x00"

// Field numbers of the stored form.
const (
	fieldKind protowire.Number = iota + 1
	fieldID
	fieldHandle
	fieldPrev
	fieldSeq
	fieldSigner
	fieldEpoch
	fieldSig
)

// A Head is the position of a log: the handle, sequence number and
// membership epoch of its last accepted entry. The zero Head is the
// position before genesis.
type Head struct {
	Handle secfs.Hash
	Seq    uint64
	Epoch  uint64
}

func (h Head) String() string {
	return fmt.Sprintf("%d@%.12s", h.Seq, h.Handle)
}

// A Structure is one entry of a principal's log.
type Structure struct {
	Principal secfs.Principal
	Handle    secfs.Hash // Hash of the itable block.
	Prev      secfs.Hash // Handle of the previous entry; zero for genesis.
	Seq       uint64
	Signer    secfs.UserID
	Epoch     uint64 // Membership epoch; zero in user logs.
	Sig       []byte
}

// Next returns the unsigned entry that follows h and names handle,
// at h's epoch.
func Next(p secfs.Principal, h Head, handle secfs.Hash) *Structure {
	return &Structure{
		Principal: p,
		Handle:    handle,
		Prev:      h.Handle,
		Seq:       h.Seq + 1,
		Epoch:     h.Epoch,
	}
}

// Head returns the position of the log after s.
func (s *Structure) Head() Head {
	return Head{Handle: s.Handle, Seq: s.Seq, Epoch: s.Epoch}
}

// Follows reports whether s is the entry immediately after h.
func (s *Structure) Follows(h Head) bool {
	return s.Seq == h.Seq+1 && s.Prev == h.Handle
}

func (s *Structure) appendBody(b []byte) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Principal.Kind()))
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Principal.ID()))
	b = protowire.AppendTag(b, fieldHandle, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Handle[:])
	b = protowire.AppendTag(b, fieldPrev, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Prev[:])
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Seq)
	b = protowire.AppendTag(b, fieldSigner, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Signer))
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Epoch)
	return b
}

// Digest returns the value signed by Sign.
func (s *Structure) Digest() []byte {
	h := sha256.New()
	h.Write([]byte(digestPrefix))
	h.Write(s.appendBody(nil))
	return h.Sum(nil)
}

// Marshal returns the stored form of s.
func (s *Structure) Marshal() []byte {
	b := s.appendBody(nil)
	b = protowire.AppendTag(b, fieldSig, protowire.BytesType)
	return protowire.AppendBytes(b, s.Sig)
}

// Unmarshal parses the stored form of a Structure. It accepts only the
// exact encoding Marshal produces, so every Structure has one stored form.
func Unmarshal(data []byte) (*Structure, error) {
	const op errors.Op = "version.Unmarshal"
	s := new(Structure)
	var kind, id, signer uint64
	b := data
	for want := fieldKind; want <= fieldSig; want++ {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.E(op, errors.Invalid, protowire.ParseError(n))
		}
		if num != want {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("got field %d, want %d", num, want))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.E(op, errors.Invalid, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldKind:
				kind = v
			case fieldID:
				id = v
			case fieldSeq:
				s.Seq = v
			case fieldSigner:
				signer = v
			case fieldEpoch:
				s.Epoch = v
			default:
				return nil, errors.E(op, errors.Invalid, errors.Errorf("field %d is not a varint", num))
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.E(op, errors.Invalid, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldHandle:
				if err := setHash(&s.Handle, v); err != nil {
					return nil, errors.E(op, err)
				}
			case fieldPrev:
				if err := setHash(&s.Prev, v); err != nil {
					return nil, errors.E(op, err)
				}
			case fieldSig:
				s.Sig = append([]byte(nil), v...)
			default:
				return nil, errors.E(op, errors.Invalid, errors.Errorf("field %d is not bytes", num))
			}
		default:
			return nil, errors.E(op, errors.Invalid, errors.Errorf("unexpected wire type %d", typ))
		}
	}
	if len(b) != 0 {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("%d trailing bytes", len(b)))
	}
	if id > 1<<32-1 || signer > 1<<32-1 {
		return nil, errors.E(op, errors.Invalid, errors.Str("id out of range"))
	}
	switch secfs.PrincipalKind(kind) {
	case secfs.UserKind:
		s.Principal = secfs.UserPrincipal(secfs.UserID(id))
	case secfs.GroupKind:
		s.Principal = secfs.GroupPrincipal(secfs.GroupID(id))
	default:
		return nil, errors.E(op, errors.Invalid, errors.Errorf("bad principal kind %d", kind))
	}
	s.Signer = secfs.UserID(signer)
	if !bytes.Equal(s.Marshal(), data) {
		return nil, errors.E(op, errors.Invalid, errors.Str("non-canonical encoding"))
	}
	return s, nil
}

func setHash(h *secfs.Hash, v []byte) error {
	if len(v) != secfs.HashSize {
		return errors.E(errors.Invalid, errors.Errorf("hash is %d bytes, want %d", len(v), secfs.HashSize))
	}
	copy(h[:], v)
	return nil
}

// Sign signs s as the holder of f, recording f's user as the signer.
func (s *Structure) Sign(f *factotum.Factotum) error {
	const op errors.Op = "version.Sign"
	s.Signer = f.User()
	sig, err := f.Sign(s.Digest())
	if err != nil {
		return errors.E(op, s.Principal, err)
	}
	s.Sig = sig
	return nil
}

// Verify checks the signature of s against the signer's key.
// A bad signature is reported with kind Integrity.
func (s *Structure) Verify(pub *rsa.PublicKey) error {
	const op errors.Op = "version.Verify"
	if err := factotum.Verify(pub, s.Digest(), s.Sig); err != nil {
		return errors.E(op, s.Principal, errors.Integrity, err)
	}
	return nil
}

func (s *Structure) String() string {
	return fmt.Sprintf("%v %d %.12s<-%.12s by %v at epoch %d", s.Principal, s.Seq, s.Handle, s.Prev, s.Signer, s.Epoch)
}
