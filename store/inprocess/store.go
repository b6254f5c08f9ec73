// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package inprocess implements a simple non-persistent in-memory store service.
//
// Blocks are held in an LRU cache bounded by a byte capacity; the version
// structure logs are never evicted.
package inprocess // import "secfs.io/store/inprocess"

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"secfs.io/cache"
	"secfs.io/errors"
	"secfs.io/key/sha256key"
	"secfs.io/log"
	"secfs.io/secfs"
)

const maxInt = int(^uint(0) >> 1)

var errBlockTooLarge = errors.E(errors.IO, errors.Str("block too large"))

// Server is an in-memory secfs.StoreServer.
type Server struct {
	// capacity is the maximum number of bytes of blocks this server can store.
	capacity int64
	// lock is the session lock; it holds a token while the lock is free.
	lock chan struct{}

	// mu protects the fields below.
	mu sync.Mutex
	// blob holds the blocks, keyed by their hash.
	blob *cache.LRU[secfs.Hash, []byte]
	// usage is how many bytes of blocks this server is currently storing.
	usage int64
	// logs holds the encoded version structures of each principal, in order.
	logs map[secfs.Principal][][]byte
}

var _ secfs.StoreServer = (*Server)(nil)

// New returns a new, empty Server. The only option is "capacity=N",
// the number of bytes of blocks to keep; the default is 100MB.
func New(options ...string) (*Server, error) {
	const op errors.Op = "store/inprocess.New"
	capacity := int64(100 * 1024 * 1024) // 100 MB by default.
	var err error
	for _, optPair := range options {
		opt := strings.Split(optPair, "=")
		if len(opt) != 2 {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("invalid option format: %q", optPair))
		}
		k, v := opt[0], opt[1]
		switch k {
		case "capacity":
			capacity, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, errors.E(op, errors.Invalid, errors.Errorf("invalid capacity %q: %s", v, err))
			}
		default:
			return nil, errors.E(op, errors.Invalid, errors.Errorf("unknown option %q", k))
		}
	}
	s := &Server{
		capacity: capacity,
		lock:     make(chan struct{}, 1),
		blob:     cache.NewLRU[secfs.Hash, []byte](maxInt),
		logs:     make(map[secfs.Principal][][]byte),
	}
	s.lock <- struct{}{}
	return s, nil
}

var (
	sharedMu sync.Mutex
	shared   = make(map[string]*Server)
)

// Open returns the Server registered under name, creating it with the
// given options on first use. Clients in one process that open the same
// name share one store, as clients of a remote server would.
func Open(name string, options ...string) (*Server, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if s, ok := shared[name]; ok {
		return s, nil
	}
	s, err := New(options...)
	if err != nil {
		return nil, err
	}
	shared[name] = s
	return s, nil
}

func copyOf(in []byte) (out []byte) {
	out = make([]byte, len(in))
	copy(out, in)
	return out
}

// Put implements secfs.StoreServer.
func (s *Server) Put(ctx context.Context, data []byte) (secfs.Hash, error) {
	const op errors.Op = "store/inprocess.Put"
	h := sha256key.Of(data)

	putSize := int64(len(data))
	// Can a single put be larger than our entire capacity?
	if putSize > s.capacity {
		return secfs.Hash{}, errors.E(op, errBlockTooLarge)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.blob.Get(h); ok {
		s.usage -= int64(len(old))
	}
	s.usage += putSize
	s.blob.Add(h, copyOf(data))
	s.maybeFreeSpace()
	return h, nil
}

// Get implements secfs.StoreServer.
func (s *Server) Get(ctx context.Context, h secfs.Hash) ([]byte, error) {
	const op errors.Op = "store/inprocess.Get"
	s.mu.Lock()
	data, ok := s.blob.Get(h)
	s.mu.Unlock()
	if !ok {
		return nil, errors.E(op, errors.NotExist, errors.Errorf("no such block: %v", h))
	}
	if !sha256key.Verify(h, data) {
		return nil, errors.E(op, errors.Integrity, errors.Str("internal hash mismatch in StoreServer.Get"))
	}
	return copyOf(data), nil
}

// Delete removes the block with hash h. It is used by tests to model a
// server that loses data.
func (s *Server) Delete(h secfs.Hash) error {
	const op errors.Op = "store/inprocess.Delete"
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blob.Remove(h)
	if !ok {
		return errors.E(op, errors.NotExist, errors.Errorf("no such block: %v", h))
	}
	s.usage -= int64(len(data))
	return nil
}

// Append implements secfs.StoreServer.
func (s *Server) Append(ctx context.Context, p secfs.Principal, seq uint64, vs []byte) error {
	const op errors.Op = "store/inprocess.Append"
	s.mu.Lock()
	defer s.mu.Unlock()
	if head := uint64(len(s.logs[p])); seq != head+1 {
		return errors.E(op, p, errors.Conflict, errors.Errorf("append of %d at head %d", seq, head))
	}
	s.logs[p] = append(s.logs[p], copyOf(vs))
	return nil
}

// Log implements secfs.StoreServer.
func (s *Server) Log(ctx context.Context, p secfs.Principal, after uint64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logs[p]
	if after >= uint64(len(l)) {
		return nil, nil
	}
	out := make([][]byte, 0, uint64(len(l))-after)
	for _, vs := range l[after:] {
		out = append(out, copyOf(vs))
	}
	return out, nil
}

// Principals implements secfs.StoreServer.
func (s *Server) Principals(ctx context.Context) ([]secfs.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := make([]secfs.Principal, 0, len(s.logs))
	for p, l := range s.logs {
		if len(l) > 0 {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].String() < ps[j].String() })
	return ps, nil
}

// Lock implements secfs.StoreServer.
func (s *Server) Lock(ctx context.Context) error {
	const op errors.Op = "store/inprocess.Lock"
	select {
	case <-s.lock:
		return nil
	case <-ctx.Done():
		return errors.E(op, errors.IO, ctx.Err())
	}
}

// Unlock implements secfs.StoreServer.
func (s *Server) Unlock() error {
	const op errors.Op = "store/inprocess.Unlock"
	select {
	case s.lock <- struct{}{}:
		return nil
	default:
		return errors.E(op, errors.Invalid, errors.Str("store is not locked"))
	}
}

// Close implements secfs.StoreServer. It does nothing: the data of a
// shared server outlives its clients.
func (s *Server) Close() error {
	return nil
}

// maybeFreeSpace ensures we don't permanently store more than the capacity.
// It frees space until capacity is back to at most full.
// s.mu must be held.
func (s *Server) maybeFreeSpace() {
	for s.usage > s.capacity {
		h, data, ok := s.blob.RemoveOldest()
		if !ok {
			log.Error.Printf("store/inprocess: usage %d with empty cache", s.usage)
			s.usage = 0
			return
		}
		log.Debug.Printf("store/inprocess: evicted %v", h)
		s.usage -= int64(len(data))
	}
}
