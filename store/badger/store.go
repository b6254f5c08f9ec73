// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package badger implements a persistent store service in a Badger
// key-value database.
//
// The database holds three kinds of record:
//
//	b/<hash>             block contents
//	l/<principal>/<seq>  encoded version structure, seq big-endian
//	h/<principal>        sequence number of the log head, big-endian
//
// Appends read and update the head in one transaction, so the log of a
// principal never has gaps or duplicates.
package badger // import "secfs.io/store/badger"

import (
	"bytes"
	"context"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"secfs.io/errors"
	"secfs.io/key/sha256key"
	"secfs.io/log"
	"secfs.io/secfs"
)

var (
	blockPrefix = []byte("b/")
	logPrefix   = []byte("l/")
	headPrefix  = []byte("h/")
)

// Server is a secfs.StoreServer backed by Badger.
type Server struct {
	db *badger.DB
	// lock is the session lock; it holds a token while the lock is free.
	// Badger's own directory lock keeps other processes out.
	lock chan struct{}
}

var _ secfs.StoreServer = (*Server)(nil)

// New opens or creates the database in dir. Options are
// "inmemory=true", which ignores dir and keeps nothing on disk, and
// "sync=true", which syncs every write.
func New(dir string, options ...string) (*Server, error) {
	const op errors.Op = "store/badger.New"
	opts := badger.DefaultOptions(dir)
	opts.Logger = badgerLogger{}
	for _, optPair := range options {
		k, v, ok := strings.Cut(optPair, "=")
		if !ok {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("invalid option format: %q", optPair))
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("invalid value for %s: %q", k, v))
		}
		switch k {
		case "inmemory":
			if b {
				opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
			}
		case "sync":
			opts = opts.WithSyncWrites(b)
		default:
			return nil, errors.E(op, errors.Invalid, errors.Errorf("unknown option %q", k))
		}
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	s := &Server{db: db, lock: make(chan struct{}, 1)}
	s.lock <- struct{}{}
	return s, nil
}

func blockKey(h secfs.Hash) []byte {
	return append(append([]byte(nil), blockPrefix...), h[:]...)
}

func principalKey(prefix []byte, p secfs.Principal) []byte {
	k := append([]byte(nil), prefix...)
	k = append(k, p.String()...)
	return append(k, '/')
}

func logKey(p secfs.Principal, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(principalKey(logPrefix, p), seq)
}

func headKey(p secfs.Principal) []byte {
	return principalKey(headPrefix, p)
}

// Put implements secfs.StoreServer.
func (s *Server) Put(ctx context.Context, data []byte) (secfs.Hash, error) {
	const op errors.Op = "store/badger.Put"
	h := sha256key.Of(data)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(h), data)
	})
	if err != nil {
		return secfs.Hash{}, errors.E(op, errors.IO, err)
	}
	return h, nil
}

// Get implements secfs.StoreServer.
func (s *Server) Get(ctx context.Context, h secfs.Hash) ([]byte, error) {
	const op errors.Op = "store/badger.Get"
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(h))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, errors.E(op, errors.NotExist, errors.Errorf("no such block: %v", h))
	}
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	if !sha256key.Verify(h, data) {
		return nil, errors.E(op, errors.Integrity, errors.Str("internal hash mismatch in StoreServer.Get"))
	}
	return data, nil
}

func readHead(txn *badger.Txn, p secfs.Principal) (uint64, error) {
	item, err := txn.Get(headKey(p))
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var head uint64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return errors.Errorf("bad head record for %v", p)
		}
		head = binary.BigEndian.Uint64(v)
		return nil
	})
	return head, err
}

// Append implements secfs.StoreServer.
func (s *Server) Append(ctx context.Context, p secfs.Principal, seq uint64, vs []byte) error {
	const op errors.Op = "store/badger.Append"
	var head uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		head, err = readHead(txn, p)
		if err != nil {
			return err
		}
		if seq != head+1 {
			return errConflict
		}
		if err := txn.Set(logKey(p, seq), vs); err != nil {
			return err
		}
		return txn.Set(headKey(p), binary.BigEndian.AppendUint64(nil, seq))
	})
	switch err {
	case nil:
		return nil
	case errConflict:
		return errors.E(op, p, errors.Conflict, errors.Errorf("append of %d at head %d", seq, head))
	case badger.ErrConflict:
		return errors.E(op, p, errors.Conflict, err)
	}
	return errors.E(op, p, errors.IO, err)
}

var errConflict = errors.Str("sequence is not head+1")

// Log implements secfs.StoreServer.
func (s *Server) Log(ctx context.Context, p secfs.Principal, after uint64) ([][]byte, error) {
	const op errors.Op = "store/badger.Log"
	prefix := principalKey(logPrefix, p)
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(logKey(p, after+1)); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, errors.E(op, p, errors.IO, err)
	}
	return out, nil
}

// Principals implements secfs.StoreServer.
func (s *Server) Principals(ctx context.Context) ([]secfs.Principal, error) {
	const op errors.Op = "store/badger.Principals"
	var ps []secfs.Principal
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = headPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			name := bytes.TrimSuffix(bytes.TrimPrefix(k, headPrefix), []byte("/"))
			p, err := secfs.ParsePrincipal(string(name))
			if err != nil {
				return err
			}
			ps = append(ps, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return ps, nil
}

// Lock implements secfs.StoreServer.
func (s *Server) Lock(ctx context.Context) error {
	const op errors.Op = "store/badger.Lock"
	select {
	case <-s.lock:
		return nil
	case <-ctx.Done():
		return errors.E(op, errors.IO, ctx.Err())
	}
}

// Unlock implements secfs.StoreServer.
func (s *Server) Unlock() error {
	const op errors.Op = "store/badger.Unlock"
	select {
	case s.lock <- struct{}{}:
		return nil
	default:
		return errors.E(op, errors.Invalid, errors.Str("store is not locked"))
	}
}

// Close implements secfs.StoreServer.
func (s *Server) Close() error {
	const op errors.Op = "store/badger.Close"
	if err := s.db.Close(); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// badgerLogger sends Badger's log messages to ours.
// Badger is chatty at info level, so only warnings and errors are kept.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, v ...interface{}) {
	log.Error.Printf("badger: "+strings.TrimSuffix(format, "\n"), v...)
}

func (badgerLogger) Warningf(format string, v ...interface{}) {
	log.Info.Printf("badger: "+strings.TrimSuffix(format, "\n"), v...)
}

func (badgerLogger) Infof(format string, v ...interface{}) {
	log.Debug.Printf("badger: "+strings.TrimSuffix(format, "\n"), v...)
}

func (badgerLogger) Debugf(format string, v ...interface{}) {}
