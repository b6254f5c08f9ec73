// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package plain is a simple Packing that passes the data untouched.
// Integrity of plain blocks still comes from their content hash.
package plain // import "secfs.io/pack/plain"

import (
	"secfs.io/pack"
	"secfs.io/secfs"
)

type plainPack struct{}

var _ secfs.Packer = plainPack{}

func init() {
	pack.Register(plainPack{})
}

func (plainPack) Packing() secfs.Packing {
	return secfs.PlainPack
}

func (plainPack) String() string {
	return "plain"
}

// Pack ignores the key and returns a copy of the cleartext.
func (plainPack) Pack(key, cleartext []byte) ([]byte, error) {
	return append([]byte(nil), cleartext...), nil
}

// Unpack ignores the key and returns a copy of the ciphertext.
func (plainPack) Unpack(key, ciphertext []byte) ([]byte, error) {
	return append([]byte(nil), ciphertext...), nil
}
