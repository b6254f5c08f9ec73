// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package factotum encapsulates crypto operations on user's public/private keys.
//
// Each user holds one RSA key pair. The private key never leaves the
// Factotum; the public key is published in the share's .users file and
// is used by every client to check the user's version structures.
package factotum // import "secfs.io/factotum"

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"sync"

	"github.com/zeebo/blake3"

	"secfs.io/errors"
	"secfs.io/secfs"
)

// KeyBits is the size of generated RSA keys.
const KeyBits = 2048

// pssOptions are used for every signature and verification.
var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// A Factotum holds one user's private key and performs all operations
// that need it.
type Factotum struct {
	user secfs.UserID
	key  *rsa.PrivateKey
}

// Generate returns a Factotum holding a freshly generated key for user.
func Generate(user secfs.UserID) (*Factotum, error) {
	const op errors.Op = "factotum.Generate"
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, errors.E(op, user, err)
	}
	return &Factotum{user: user, key: key}, nil
}

// New returns a Factotum for user holding the PEM-encoded private key.
// Both PKCS #1 ("RSA PRIVATE KEY") and PKCS #8 ("PRIVATE KEY") are accepted.
func New(user secfs.UserID, privatePEM []byte) (*Factotum, error) {
	const op errors.Op = "factotum.New"
	block, _ := pem.Decode(privatePEM)
	if block == nil {
		return nil, errors.E(op, user, errors.Invalid, errors.Str("no PEM block in private key"))
	}
	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.E(op, user, errors.Invalid, err)
		}
		key = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.E(op, user, errors.Invalid, err)
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.E(op, user, errors.Invalid, errors.Errorf("private key is %T, not RSA", k))
		}
		key = rk
	default:
		return nil, errors.E(op, user, errors.Invalid, errors.Errorf("unexpected PEM block %q", block.Type))
	}
	if err := key.Validate(); err != nil {
		return nil, errors.E(op, user, errors.Invalid, err)
	}
	return &Factotum{user: user, key: key}, nil
}

// Load returns a Factotum for user from the PEM key file.
func Load(user secfs.UserID, file string) (*Factotum, error) {
	const op errors.Op = "factotum.Load"
	b, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		return nil, errors.E(op, user, errors.NotExist, err)
	}
	if err != nil {
		return nil, errors.E(op, user, errors.IO, err)
	}
	f, err := New(user, b)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return f, nil
}

// LoadOrGenerate ensures that a key pair for user exists in file.
// If the file does not exist, a new key is generated and its private
// half written there, readable only by the owner.
func LoadOrGenerate(user secfs.UserID, file string) (*Factotum, error) {
	const op errors.Op = "factotum.LoadOrGenerate"
	f, err := Load(user, file)
	if err == nil {
		return f, nil
	}
	if !errors.Is(errors.NotExist, err) {
		return nil, errors.E(op, err)
	}
	f, err = Generate(user)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if err := os.WriteFile(file, f.PrivateKeyPEM(), 0600); err != nil {
		return nil, errors.E(op, user, errors.IO, err)
	}
	return f, nil
}

// User returns the user whose key f holds.
func (f *Factotum) User() secfs.UserID { return f.user }

// PublicKey returns the public half of f's key.
func (f *Factotum) PublicKey() *rsa.PublicKey { return &f.key.PublicKey }

// PublicKeyPEM returns the PEM-encoded public key, as published in .users.
func (f *Factotum) PublicKeyPEM() []byte { return MarshalPublicKey(&f.key.PublicKey) }

// PrivateKeyPEM returns the PKCS #1 PEM encoding of the private key.
func (f *Factotum) PrivateKeyPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(f.key),
	})
}

// Sign returns an RSA-PSS signature of the SHA-256 digest.
func (f *Factotum) Sign(digest []byte) ([]byte, error) {
	const op errors.Op = "factotum.Sign"
	if len(digest) != crypto.SHA256.Size() {
		return nil, errors.E(op, f.user, errors.Invalid, errors.Errorf("digest is %d bytes", len(digest)))
	}
	sig, err := rsa.SignPSS(rand.Reader, f.key, crypto.SHA256, digest, pssOptions)
	if err != nil {
		return nil, errors.E(op, f.user, err)
	}
	return sig, nil
}

// Verify checks that sig is a signature of digest by the holder of pub.
// A bad signature is reported with kind Integrity.
func Verify(pub *rsa.PublicKey, digest, sig []byte) error {
	const op errors.Op = "factotum.Verify"
	if pub == nil {
		return errors.E(op, errors.Integrity, errors.Str("no public key"))
	}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest, sig, pssOptions); err != nil {
		return errors.E(op, errors.Integrity, err)
	}
	return nil
}

// MarshalPublicKey returns the PEM encoding ("PUBLIC KEY", PKIX) of pub.
func MarshalPublicKey(pub *rsa.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		// Only unsupported key types fail, and pub is always RSA.
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// ParsePublicKey parses a PEM-encoded RSA public key in PKIX or PKCS #1 form.
func ParsePublicKey(publicPEM []byte) (*rsa.PublicKey, error) {
	const op errors.Op = "factotum.ParsePublicKey"
	block, _ := pem.Decode(publicPEM)
	if block == nil {
		return nil, errors.E(op, errors.Invalid, errors.Str("no PEM block in public key"))
	}
	switch block.Type {
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, errors.E(op, errors.Invalid, err)
		}
		pub, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("public key is %T, not RSA", k))
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, errors.E(op, errors.Invalid, err)
		}
		return pub, nil
	}
	return nil, errors.E(op, errors.Invalid, errors.Errorf("unexpected PEM block %q", block.Type))
}

// Fingerprint returns a short, printable digest of pub, for logs and for
// comparing keys out of band.
func Fingerprint(pub *rsa.PublicKey) string {
	sum := blake3.Sum256(x509.MarshalPKCS1PublicKey(pub))
	return hex.EncodeToString(sum[:16])
}

// SameKey reports whether a and b are the same public key.
func SameKey(a, b *rsa.PublicKey) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(b)
}

// A Keyring holds the Factotums of the users a client may act as.
// It is safe for concurrent use.
type Keyring struct {
	mu   sync.RWMutex
	keys map[secfs.UserID]*Factotum
}

// NewKeyring returns a Keyring holding the given Factotums.
func NewKeyring(fs ...*Factotum) *Keyring {
	k := &Keyring{keys: make(map[secfs.UserID]*Factotum)}
	for _, f := range fs {
		k.Register(f)
	}
	return k
}

// Register adds f, replacing any Factotum for the same user.
func (k *Keyring) Register(f *Factotum) {
	k.mu.Lock()
	k.keys[f.user] = f
	k.mu.Unlock()
}

// Lookup returns the Factotum for user.
// Acting as a user whose key is not held fails with kind Permission.
func (k *Keyring) Lookup(user secfs.UserID) (*Factotum, error) {
	const op errors.Op = "factotum.Lookup"
	k.mu.RLock()
	f, ok := k.keys[user]
	k.mu.RUnlock()
	if !ok {
		return nil, errors.E(op, user, errors.Permission, errors.Str("no private key for user"))
	}
	return f, nil
}
