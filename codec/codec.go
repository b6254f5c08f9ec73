// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codec is the canonical encoding of the structured blocks SecFS
// stores: itables, inodes, directories and the registry files.
//
// Blocks are named by the hash of their bytes, so the same logical value
// must always encode to the same bytes. The encoding is CBOR with Core
// Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encodings, no indefinite-length items.
package codec // import "secfs.io/codec"

import (
	"github.com/fxamacker/cbor/v2"

	"secfs.io/errors"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Principals encode as their text form, "user:1" or "group:7".
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// A block with a repeated key has two readings; refuse it.
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v canonically.
func Marshal(v interface{}) ([]byte, error) {
	const op errors.Op = "codec.Marshal"
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	return b, nil
}

// Unmarshal decodes data into v.
// Malformed input is reported with kind Invalid.
func Unmarshal(data []byte, v interface{}) error {
	const op errors.Op = "codec.Unmarshal"
	if err := decMode.Unmarshal(data, v); err != nil {
		return errors.E(op, errors.Invalid, err)
	}
	return nil
}

// Canonical reports whether data is the canonical encoding of the value
// it decodes to into v. Blocks fetched from the server are checked with
// Canonical so that two byte strings never describe the same value.
func Canonical(data []byte, v interface{}) (bool, error) {
	if err := Unmarshal(data, v); err != nil {
		return false, err
	}
	b, err := Marshal(v)
	if err != nil {
		return false, err
	}
	return string(b) == string(data), nil
}
