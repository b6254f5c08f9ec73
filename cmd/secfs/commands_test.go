// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"secfs.io/factotum"
	"secfs.io/registry"
	"secfs.io/secfs"
)

func TestParseGroups(t *testing.T) {
	groups, err := parseGroups([]string{"7=1,2", "8=", "9=3"})
	require.NoError(t, err)
	require.Equal(t, registry.Groups{7: {1, 2}, 8: nil, 9: {3}}, groups)

	for _, bad := range []string{"7", "x=1", "7=1,bob"} {
		_, err := parseGroups([]string{bad})
		require.Error(t, err, bad)
	}
}

func TestParseUsers(t *testing.T) {
	f, err := factotum.Generate(4)
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "4.pub")
	require.NoError(t, os.WriteFile(file, f.PublicKeyPEM(), 0644))

	users, err := parseUsers([]string{"4=" + file})
	require.NoError(t, err)
	require.True(t, factotum.SameKey(f.PublicKey(), users[secfs.UserID(4)]))

	_, err = parseUsers([]string{"4=" + file + ".missing"})
	require.Error(t, err)
	_, err = parseUsers([]string{file})
	require.Error(t, err)
}

// TestSession drives the commands against a share in a temporary directory.
func TestSession(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "1.pem")
	cfg := filepath.Join(dir, "config")
	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	exec := func(args ...string) string {
		out.Reset()
		rootCmd.SetArgs(append([]string{"--config", cfg}, args...))
		require.NoError(t, rootCmd.Execute(), "%v", args)
		return out.String()
	}

	exec("keygen", "--user", "1", key)
	require.FileExists(t, key+".pub")
	writeConfig := func(extra string) {
		data := "user: 1\nkeyfile: " + key + "\nstore: filesystem\nstoreroot: " + filepath.Join(dir, "store") + "\n" + extra
		require.NoError(t, os.WriteFile(cfg, []byte(data), 0600))
	}
	writeConfig("")
	root := strings.TrimSpace(exec("init", "--group", "7=1"))
	_, err := secfs.ParseObjectID(root)
	require.NoError(t, err)

	writeConfig("root: " + root + "\n")
	exec("mkdir", "--group", "0", "docs")
	ls := exec("ls", "docs")
	require.Contains(t, ls, " .\n")
	require.Contains(t, ls, " ..\n")
	ls = exec("ls")
	require.Contains(t, ls, registry.UsersFile)
	require.Contains(t, ls, "docs")
}
