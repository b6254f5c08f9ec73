// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package filesystem implements a store service in a directory tree,
// accessed through an afero.Fs so that it runs on disk or in memory.
//
// The layout under the root is
//
//	blocks/<hex hash>
//	logs/<kind>.<id>/<seq>   seq zero-padded to 20 digits
//	lock                     present while the session lock is held
//
// The lock file is created exclusively, so the lock is shared by every
// process using the same directory. It names the host and process that
// hold it. A lock left by a process that has exited on this host, or
// one from another host older than an hour, is broken by the next Lock.
// Otherwise a crashed holder's lock must be removed by hand.
package filesystem // import "secfs.io/store/filesystem"

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"secfs.io/errors"
	"secfs.io/key/sha256key"
	"secfs.io/log"
	"secfs.io/secfs"
)

const (
	blockDir = "blocks"
	logDir   = "logs"
	lockFile = "lock"
)

// Lock polling backs off from minPoll to maxPoll. A lock held from
// another host is stale after staleAge.
var (
	minPoll  = 5 * time.Millisecond
	maxPoll  = 500 * time.Millisecond
	staleAge = time.Hour
)

// processAlive reports whether the process pid exists on this host.
var processAlive = func(pid int) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) != os.ErrProcessDone
}

// Server is a secfs.StoreServer over an afero file system.
type Server struct {
	fs afero.Fs

	// mu serializes appends from this process; O_EXCL creation of
	// log entries guards against other processes.
	mu sync.Mutex
}

var _ secfs.StoreServer = (*Server)(nil)

// New returns a Server storing its files in fs, creating the layout if
// needed. Use afero.NewBasePathFs to confine it to a directory.
func New(fs afero.Fs) (*Server, error) {
	const op errors.Op = "store/filesystem.New"
	for _, dir := range []string{blockDir, logDir} {
		if err := fs.MkdirAll(dir, 0700); err != nil {
			return nil, errors.E(op, errors.IO, err)
		}
	}
	return &Server{fs: fs}, nil
}

// NewOS returns a Server storing its files under root on disk.
func NewOS(root string) (*Server, error) {
	const op errors.Op = "store/filesystem.NewOS"
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), root))
}

func blockPath(h secfs.Hash) string {
	return filepath.Join(blockDir, h.String())
}

func principalDir(p secfs.Principal) string {
	return filepath.Join(logDir, fmt.Sprintf("%s.%d", p.Kind(), p.ID()))
}

func logPath(p secfs.Principal, seq uint64) string {
	return filepath.Join(principalDir(p), fmt.Sprintf("%020d", seq))
}

// writeFile writes data to a temporary file in dir and renames it to name,
// so readers never see a partial file.
func (s *Server) writeFile(name string, data []byte) error {
	dir := filepath.Dir(name)
	f, err := afero.TempFile(s.fs, dir, "put")
	if err != nil {
		return err
	}
	defer s.fs.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return s.fs.Rename(f.Name(), name)
}

// Put implements secfs.StoreServer.
func (s *Server) Put(ctx context.Context, data []byte) (secfs.Hash, error) {
	const op errors.Op = "store/filesystem.Put"
	h := sha256key.Of(data)
	name := blockPath(h)
	if ok, _ := afero.Exists(s.fs, name); ok {
		return h, nil
	}
	if err := s.writeFile(name, data); err != nil {
		return secfs.Hash{}, errors.E(op, errors.IO, err)
	}
	return h, nil
}

// Get implements secfs.StoreServer.
func (s *Server) Get(ctx context.Context, h secfs.Hash) ([]byte, error) {
	const op errors.Op = "store/filesystem.Get"
	data, err := afero.ReadFile(s.fs, blockPath(h))
	if os.IsNotExist(err) {
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

// seqs returns the sequence numbers present in p's log, in order.
func (s *Server) seqs(p secfs.Principal) ([]uint64, error) {
	infos, err := afero.ReadDir(s.fs, principalDir(p))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var seqs []uint64
	for _, fi := range infos {
		seq, err := strconv.ParseUint(fi.Name(), 10, 64)
		if err != nil {
			// Temporary files from an interrupted append.
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// Append implements secfs.StoreServer.
func (s *Server) Append(ctx context.Context, p secfs.Principal, seq uint64, vs []byte) error {
	const op errors.Op = "store/filesystem.Append"
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs, err := s.seqs(p)
	if err != nil {
		return errors.E(op, p, errors.IO, err)
	}
	head := uint64(len(seqs))
	if seq != head+1 {
		return errors.E(op, p, errors.Conflict, errors.Errorf("append of %d at head %d", seq, head))
	}
	if err := s.fs.MkdirAll(principalDir(p), 0700); err != nil {
		return errors.E(op, p, errors.IO, err)
	}
	f, err := s.fs.OpenFile(logPath(p, seq), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if os.IsExist(err) {
		return errors.E(op, p, errors.Conflict, errors.Errorf("entry %d already written", seq))
	}
	if err != nil {
		return errors.E(op, p, errors.IO, err)
	}
	if _, err := f.Write(vs); err != nil {
		f.Close()
		return errors.E(op, p, errors.IO, err)
	}
	if err := f.Close(); err != nil {
		return errors.E(op, p, errors.IO, err)
	}
	return nil
}

// Log implements secfs.StoreServer.
func (s *Server) Log(ctx context.Context, p secfs.Principal, after uint64) ([][]byte, error) {
	const op errors.Op = "store/filesystem.Log"
	seqs, err := s.seqs(p)
	if err != nil {
		return nil, errors.E(op, p, errors.IO, err)
	}
	var out [][]byte
	for _, seq := range seqs {
		if seq <= after {
			continue
		}
		data, err := afero.ReadFile(s.fs, logPath(p, seq))
		if err != nil {
			return nil, errors.E(op, p, errors.IO, err)
		}
		out = append(out, data)
	}
	return out, nil
}

// Principals implements secfs.StoreServer.
func (s *Server) Principals(ctx context.Context) ([]secfs.Principal, error) {
	const op errors.Op = "store/filesystem.Principals"
	infos, err := afero.ReadDir(s.fs, logDir)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	var ps []secfs.Principal
	for _, fi := range infos {
		if !fi.IsDir() {
			continue
		}
		p, err := secfs.ParsePrincipal(strings.Replace(fi.Name(), ".", ":", 1))
		if err != nil {
			log.Info.Printf("store/filesystem: ignoring %s: %v", fi.Name(), err)
			continue
		}
		seqs, err := s.seqs(p)
		if err != nil {
			return nil, errors.E(op, errors.IO, err)
		}
		if len(seqs) > 0 {
			ps = append(ps, p)
		}
	}
	return ps, nil
}

// Lock implements secfs.StoreServer. It polls for the lock file until
// it can create it or ctx is done, breaking a stale lock on the way.
func (s *Server) Lock(ctx context.Context) error {
	const op errors.Op = "store/filesystem.Lock"
	wait := minPoll
	for {
		f, err := s.fs.OpenFile(lockFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			fmt.Fprintf(f, "%s %d\n", hostname(), os.Getpid())
			if err := f.Close(); err != nil {
				return errors.E(op, errors.IO, err)
			}
			return nil
		}
		if !os.IsExist(err) {
			return errors.E(op, errors.IO, err)
		}
		if s.breakStaleLock() {
			continue
		}
		select {
		case <-ctx.Done():
			return errors.E(op, errors.IO, ctx.Err())
		case <-time.After(wait):
		}
		if wait *= 2; wait > maxPoll {
			wait = maxPoll
		}
	}
}

// breakStaleLock removes the lock file if its holder is gone, and
// reports whether it did. The file is first renamed aside and checked
// again, so of two processes breaking the same lock only one succeeds,
// and a lock taken in between is put back.
func (s *Server) breakStaleLock() bool {
	holder, ok := s.staleHolder(lockFile)
	if !ok {
		return false
	}
	aside := fmt.Sprintf("%s.stale.%d", lockFile, os.Getpid())
	if err := s.fs.Rename(lockFile, aside); err != nil {
		return false
	}
	if again, ok := s.staleHolder(aside); !ok || again != holder {
		if _, err := s.fs.Stat(lockFile); os.IsNotExist(err) {
			s.fs.Rename(aside, lockFile)
		}
		return false
	}
	if err := s.fs.Remove(aside); err != nil {
		log.Error.Printf("store/filesystem: removing stale lock: %v", err)
	}
	log.Info.Printf("store/filesystem: broke stale lock held by %s", holder)
	return true
}

// staleHolder returns the contents of the lock file name and whether
// its holder is gone.
func (s *Server) staleHolder(name string) (string, bool) {
	fi, err := s.fs.Stat(name)
	if err != nil {
		return "", false
	}
	data, err := afero.ReadFile(s.fs, name)
	if err != nil {
		return "", false
	}
	holder := strings.TrimSpace(string(data))
	fields := strings.Fields(holder)
	if len(fields) == 2 && fields[0] == hostname() {
		pid, err := strconv.Atoi(fields[1])
		return holder, err == nil && !processAlive(pid)
	}
	return holder, time.Since(fi.ModTime()) > staleAge
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}

// Unlock implements secfs.StoreServer.
func (s *Server) Unlock() error {
	const op errors.Op = "store/filesystem.Unlock"
	err := s.fs.Remove(lockFile)
	if os.IsNotExist(err) {
		return errors.E(op, errors.Invalid, errors.Str("store is not locked"))
	}
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// Close implements secfs.StoreServer.
func (s *Server) Close() error {
	return nil
}
