// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config creates a client configuration from various sources.
package config // import "secfs.io/config"

import (
	"context"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	osuser "os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v2"

	"secfs.io/errors"
	"secfs.io/factotum"
	"secfs.io/fs"
	"secfs.io/log"
	"secfs.io/pack"
	"secfs.io/secfs"
	"secfs.io/store/badger"
	"secfs.io/store/filesystem"
	"secfs.io/store/inprocess"

	// Packings named by the packing key.
	_ "secfs.io/pack/plain"
	"secfs.io/pack/symm"
)

// Config is a client configuration.
type Config struct {
	// User is the user the client acts as.
	User secfs.UserID

	// Owner is the user that owns the share. It defaults to User.
	Owner secfs.UserID

	// KeyFile holds User's private key in PEM form.
	KeyFile string

	// Store names the kind of store: inprocess, badger or filesystem.
	Store string

	// StoreRoot is the directory of a badger or filesystem store, or
	// the name of an in-process store.
	StoreRoot string

	// StoreOptions are passed to the store's constructor.
	StoreOptions []string

	// Root is the root directory of the share; it is unallocated
	// before the share is initialized.
	Root secfs.ObjectID

	// RootKey, if set, is the file holding Owner's public key.
	RootKey string

	// Packing is applied to new content.
	Packing secfs.Packing

	// ContentKey is the key shared by the share's users for packing.
	ContentKey []byte

	// LogLevel is the level of logging.
	LogLevel string
}

// Known keys. All others are treated as errors.
const (
	user         = "user"
	owner        = "owner"
	keyfile      = "keyfile"
	store        = "store"
	storeroot    = "storeroot"
	storeoptions = "storeoptions"
	root         = "root"
	rootkey      = "rootkey"
	packing      = "packing"
	contentkey   = "contentkey"
	loglevel     = "loglevel"
)

// Kinds of store.
const (
	InProcess  = "inprocess"
	Badger     = "badger"
	Filesystem = "filesystem"
)

// EnvPrefix prefixes the names of environment variables that override
// configuration values: SECFSSTORE overrides store, and so on.
const EnvPrefix = "SECFS"

// FromFile initializes a config using the given file. If the file cannot
// be opened but the name can be found in $HOME/secfs, that file is used.
func FromFile(name string) (*Config, error) {
	const op errors.Op = "config.FromFile"
	f, err := os.Open(name)
	if err != nil && !filepath.IsAbs(name) && os.IsNotExist(err) {
		// It's a local name, so, try adding $HOME/secfs
		home, errHome := Homedir()
		if errHome == nil {
			f, err = os.Open(filepath.Join(home, "secfs", name))
		}
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(op, errors.NotExist, err)
		}
		return nil, errors.E(op, errors.IO, err)
	}
	defer f.Close()
	return InitConfig(f)
}

// InitConfig returns a config generated from YAML read from r and
// environment variables. If r is nil, $HOME/secfs/config is read.
//
// The keys are
//	user:         numeric id of the acting user (required)
//	owner:        numeric id of the share owner (default: user)
//	keyfile:      PEM private key of user (default: $HOME/secfs/<user>.pem)
//	store:        inprocess, badger or filesystem (default: inprocess)
//	storeroot:    store directory, or in-process store name
//	storeoptions: comma-separated options for the store
//	root:         id of the share root, such as user:1:0
//	rootkey:      PEM public key of the owner (default: owner's key in keyfile)
//	packing:      plain or symm (default: plain)
//	contentkey:   hex content key for symm
//	loglevel:     debug, info, error or disabled (default: info)
//
// An environment variable named EnvPrefix followed by the upper-case
// key, such as SECFSSTORE, overrides the file's value.
func InitConfig(r io.Reader) (*Config, error) {
	const op errors.Op = "config.InitConfig"
	vals := map[string]string{
		user:         "",
		owner:        "",
		keyfile:      "",
		store:        InProcess,
		storeroot:    "",
		storeoptions: "",
		root:         "",
		rootkey:      "",
		packing:      "plain",
		contentkey:   "",
		loglevel:     "info",
	}

	// If the provided reader is nil, try $HOME/secfs/config.
	if r == nil {
		home, err := Homedir()
		if err != nil {
			return nil, errors.E(op, err)
		}
		f, err := os.Open(filepath.Join(home, "secfs", "config"))
		if err != nil {
			return nil, errors.E(op, errors.IO, err)
		}
		r = f
		defer f.Close()
	}

	// Read the YAML definition.
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	if err := valsFromYAML(vals, data); err != nil {
		return nil, errors.E(op, err)
	}
	valsFromEnv(vals)

	cfg := &Config{
		KeyFile:   vals[keyfile],
		Store:     vals[store],
		StoreRoot: vals[storeroot],
		RootKey:   vals[rootkey],
		LogLevel:  vals[loglevel],
	}
	if cfg.User, err = parseUser(user, vals[user]); err != nil {
		return nil, errors.E(op, err)
	}
	cfg.Owner = cfg.User
	if vals[owner] != "" {
		if cfg.Owner, err = parseUser(owner, vals[owner]); err != nil {
			return nil, errors.E(op, err)
		}
	}
	if cfg.KeyFile == "" {
		home, err := Homedir()
		if err != nil {
			return nil, errors.E(op, errors.Errorf("no keyfile and %v", err))
		}
		cfg.KeyFile = filepath.Join(home, "secfs", fmt.Sprintf("%d.pem", cfg.User))
	}
	switch cfg.Store {
	case InProcess, Badger, Filesystem:
	default:
		return nil, errors.E(op, errors.Invalid, errors.Errorf("unknown store %q", cfg.Store))
	}
	if cfg.Store != InProcess && cfg.StoreRoot == "" {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("%s store needs a storeroot", cfg.Store))
	}
	for _, o := range strings.Split(vals[storeoptions], ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.StoreOptions = append(cfg.StoreOptions, o)
		}
	}
	if vals[root] != "" {
		cfg.Root, err = secfs.ParseObjectID(vals[root])
		if err != nil {
			return nil, errors.E(op, err)
		}
		if cfg.Root.Principal != cfg.Owner.Principal() {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("root %v is not owned by %v", cfg.Root, cfg.Owner))
		}
	}

	packer := pack.LookupByName(vals[packing])
	if packer == nil {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("unknown packing %q", vals[packing]))
	}
	cfg.Packing = packer.Packing()
	if k := vals[contentkey]; k != "" {
		cfg.ContentKey, err = hex.DecodeString(k)
		if err != nil {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("bad content key: %v", err))
		}
	}
	if cfg.Packing == secfs.SymmPack && len(cfg.ContentKey) != symm.KeyLen {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("symm packing needs a %d-byte content key", symm.KeyLen))
	}

	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	return cfg, nil
}

func parseUser(key, s string) (secfs.UserID, error) {
	if s == "" {
		return 0, errors.E(errors.Invalid, errors.Errorf("missing %s", key))
	}
	s = strings.TrimPrefix(s, "user:")
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.E(errors.Invalid, errors.Errorf("bad %s %q", key, s))
	}
	return secfs.UserID(n), nil
}

// valsFromYAML parses YAML from the given map and puts the values
// into the provided map. Unrecognized keys generate an error.
func valsFromYAML(vals map[string]string, data []byte) error {
	newVals := map[string]interface{}{}
	if err := yaml.Unmarshal(data, newVals); err != nil {
		return errors.E(errors.Invalid, errors.Errorf("parsing YAML file: %v", err))
	}
	for k, v := range newVals {
		if _, ok := vals[k]; !ok {
			return errors.E(errors.Invalid, errors.Errorf("unrecognized key %q", k))
		}
		s, err := asString(v)
		if err != nil {
			return errors.E(errors.Invalid, errors.Errorf("%q: %v", k, err))
		}
		vals[k] = s
	}
	return nil
}

// valsFromEnv overrides vals with any set environment variables.
func valsFromEnv(vals map[string]string) {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := os.LookupEnv(EnvPrefix + strings.ToUpper(k)); ok {
			log.Debug.Printf("config: %s=%q from environment", k, v)
			vals[k] = v
		}
	}
}

// asString tries to convert a value back into its original string. This will not
// always be possible but should be for all our expected use cases.
func asString(v interface{}) (string, error) {
	switch vc := v.(type) {
	case int, int32, int64, uint, uint32, uint64, float32, float64, bool:
		return fmt.Sprintf("%v", vc), nil
	case string:
		return vc, nil
	case []interface{}:
		var elems []string
		for _, e := range vc {
			s, err := asString(e)
			if err != nil {
				return "", err
			}
			elems = append(elems, s)
		}
		return strings.Join(elems, ","), nil
	}
	return "", errors.Errorf("unrecognized value %T", v)
}

// Factotum loads the private key of the configured user.
func (cfg *Config) Factotum() (*factotum.Factotum, error) {
	return factotum.Load(cfg.User, cfg.KeyFile)
}

// OwnerKey returns the trusted public key of the share owner: the
// contents of RootKey if set, otherwise nil, meaning the owner's key is
// taken from the keyring.
func (cfg *Config) OwnerKey() (*rsa.PublicKey, error) {
	const op errors.Op = "config.OwnerKey"
	if cfg.RootKey == "" {
		if cfg.Owner != cfg.User {
			return nil, errors.E(op, cfg.Owner, errors.Invalid, errors.Str("rootkey required when acting for another user's share"))
		}
		return nil, nil
	}
	data, err := os.ReadFile(cfg.RootKey)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	pub, err := factotum.ParsePublicKey(data)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return pub, nil
}

// Dial returns the store named by cfg.
func Dial(ctx context.Context, cfg *Config) (secfs.StoreServer, error) {
	const op errors.Op = "config.Dial"
	var (
		s   secfs.StoreServer
		err error
	)
	switch cfg.Store {
	case InProcess:
		name := cfg.StoreRoot
		if name == "" {
			name = "default"
		}
		s, err = inprocess.Open(name, cfg.StoreOptions...)
	case Badger:
		s, err = badger.New(cfg.StoreRoot, cfg.StoreOptions...)
	case Filesystem:
		if len(cfg.StoreOptions) != 0 {
			return nil, errors.E(op, errors.Invalid, errors.Str("filesystem store takes no options"))
		}
		s, err = filesystem.NewOS(cfg.StoreRoot)
	default:
		return nil, errors.E(op, errors.Invalid, errors.Errorf("unknown store %q", cfg.Store))
	}
	if err != nil {
		return nil, errors.E(op, err)
	}
	return s, nil
}

// NewSession dials the configured store and returns a session on the
// configured share acting as the configured user. The caller should
// close the store when done with the session.
func NewSession(ctx context.Context, cfg *Config) (*fs.Session, secfs.StoreServer, error) {
	const op errors.Op = "config.NewSession"
	f, err := cfg.Factotum()
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	ownerKey, err := cfg.OwnerKey()
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	s, err := Dial(ctx, cfg)
	if err != nil {
		return nil, nil, errors.E(op, err)
	}
	sess, err := fs.New(fs.Options{
		Store:      s,
		Keys:       factotum.NewKeyring(f),
		Owner:      cfg.Owner,
		OwnerKey:   ownerKey,
		Root:       cfg.Root,
		Packing:    cfg.Packing,
		ContentKey: cfg.ContentKey,
	})
	if err != nil {
		s.Close()
		return nil, nil, errors.E(op, err)
	}
	return sess, s, nil
}

// Homedir returns the home directory of the OS' logged-in user.
func Homedir() (string, error) {
	u, err := osuser.Current()
	// user.Current may return an error, but we should only handle it if it
	// returns a nil user. This is because os/user is wonky without cgo,
	// but it should work well enough for our purposes.
	if u == nil {
		e := errors.Str("lookup of current user failed")
		if err != nil {
			e = errors.Errorf("%v: %v", e, err)
		}
		return "", e
	}
	h := u.HomeDir
	if h == "" {
		return "", errors.E(errors.NotExist, errors.Str("user home directory not found"))
	}
	if err := isDir(h); err != nil {
		return "", err
	}
	return h, nil
}

func isDir(p string) error {
	fi, err := os.Stat(p)
	if err != nil {
		return errors.E(errors.IO, err)
	}
	if !fi.IsDir() {
		return errors.E(errors.NotDir, errors.Str(p))
	}
	return nil
}
