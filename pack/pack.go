// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pack provides the registry for implementations of Packing algorithms.
package pack // import "secfs.io/pack"

import (
	"fmt"
	"sync"

	"secfs.io/secfs"
)

var (
	mu      sync.RWMutex
	packers = make(map[secfs.Packing]secfs.Packer)
)

// Register binds a Packing code to the implementation of its algorithm.
// It should be called in the init function of a Packer implementation.
// If multiple calls have the same Packing, Register will panic.
func Register(packer secfs.Packer) {
	mu.Lock()
	defer mu.Unlock()
	packing := packer.Packing()
	if p, present := packers[packing]; present {
		panic(fmt.Sprintf("pack: Register(%d) already installed as %q", packing, p))
	}
	packers[packing] = packer
}

// Lookup returns the implementation of the specified Packing, or nil if none is registered.
func Lookup(p secfs.Packing) secfs.Packer {
	mu.RLock()
	defer mu.RUnlock()
	return packers[p]
}

// LookupByName returns the implementation of the named Packing, or nil if none is registered.
func LookupByName(name string) secfs.Packer {
	mu.RLock()
	defer mu.RUnlock()
	for _, p := range packers {
		if p.String() == name {
			return p
		}
	}
	return nil
}
