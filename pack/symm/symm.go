// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symm implements an XChaCha20-Poly1305 symmetric encryption packer.
//
// Every block is encrypted under its own key, derived with HKDF-SHA256
// from the shared content key and a random salt stored in the block.
// Blocks that shrink under zstd are compressed before encryption.
// The stored format is
//
//	[version 1][flags 1][salt 16][nonce 24][ciphertext+tag]
//
// and the first 18 bytes are authenticated as additional data, so a
// server cannot flip the compression flag or swap salts unnoticed.
package symm // import "secfs.io/pack/symm"

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"secfs.io/errors"
	"secfs.io/pack"
	"secfs.io/secfs"
)

const (
	// KeyLen is the length of the shared content key.
	KeyLen = 32

	version    = 0x01
	saltLen    = 16
	headerLen  = 2 + saltLen
	flagZstd   = 1 << 0
	knownFlags = flagZstd
)

var hkdfInfo = []byte("secfs.pack.symm.v1")

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

var _ secfs.Packer = symm{}

type symm struct{}

func init() {
	pack.Register(symm{})
}

func (symm) Packing() secfs.Packing {
	return secfs.SymmPack
}

func (symm) String() string {
	return "symm"
}

// Pack encrypts cleartext under a key derived from the content key.
func (symm) Pack(key, cleartext []byte) ([]byte, error) {
	const op errors.Op = "pack/symm.Pack"
	if len(key) != KeyLen {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("content key is %d bytes, want %d", len(key), KeyLen))
	}

	header := make([]byte, headerLen, headerLen+chacha20poly1305.NonceSizeX+len(cleartext)+chacha20poly1305.Overhead)
	header[0] = version
	body := cleartext
	if z := encoder.EncodeAll(cleartext, nil); len(z) < len(cleartext) {
		header[1] |= flagZstd
		body = z
	}
	salt := header[2:headerLen]
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}

	aead, err := blockCipher(key, salt)
	if err != nil {
		return nil, errors.E(op, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	out := append(header, nonce...)
	return aead.Seal(out, nonce, body, header), nil
}

// Unpack authenticates and decrypts a block produced by Pack.
// Tampered or truncated blocks, and blocks packed under another key,
// are reported with kind Integrity.
func (symm) Unpack(key, ciphertext []byte) ([]byte, error) {
	const op errors.Op = "pack/symm.Unpack"
	if len(key) != KeyLen {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("content key is %d bytes, want %d", len(key), KeyLen))
	}
	if len(ciphertext) < headerLen+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, errors.E(op, errors.Integrity, errors.Str("block too short"))
	}
	header := ciphertext[:headerLen]
	if header[0] != version {
		return nil, errors.E(op, errors.Integrity, errors.Errorf("unknown block version %d", header[0]))
	}
	if header[1]&^knownFlags != 0 {
		return nil, errors.E(op, errors.Integrity, errors.Errorf("unknown block flags %#x", header[1]))
	}
	aead, err := blockCipher(key, header[2:])
	if err != nil {
		return nil, errors.E(op, err)
	}
	nonce := ciphertext[headerLen : headerLen+aead.NonceSize()]
	body, err := aead.Open(nil, nonce, ciphertext[headerLen+aead.NonceSize():], header)
	if err != nil {
		return nil, errors.E(op, errors.Integrity, err)
	}
	if header[1]&flagZstd == 0 {
		return body, nil
	}
	clear, err := decoder.DecodeAll(body, nil)
	if err != nil {
		return nil, errors.E(op, errors.Integrity, err)
	}
	return clear, nil
}

// blockCipher derives the per-block key from the content key and salt.
func blockCipher(key, salt []byte) (cipher.AEAD, error) {
	blockKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, salt, hkdfInfo), blockKey); err != nil {
		return nil, errors.E(errors.Internal, err)
	}
	aead, err := chacha20poly1305.NewX(blockKey)
	if err != nil {
		return nil, errors.E(errors.Internal, err)
	}
	return aead, nil
}

// NewKey returns a fresh random content key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, errors.E(errors.Op("pack/symm.NewKey"), errors.IO, err)
	}
	return key, nil
}
