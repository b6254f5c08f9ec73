// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Secfs is a command-line client for secfs shares.
//
// Most subcommands read a configuration file (see package config) that
// names the acting user, the store and the share root.
package main // import "secfs.io/cmd/secfs"

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"secfs.io/config"
	"secfs.io/fs"
	"secfs.io/secfs"
)

var params struct {
	config string
	group  uint32
}

var rootCmd = &cobra.Command{
	Use:           "secfs",
	Short:         "secfs stores files on an untrusted block server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&params.config, "config", "config", "configuration `file`")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "secfs: %v\n", err)
		os.Exit(1)
	}
}

// state is what a subcommand needs to work on the configured share.
type state struct {
	cfg   *config.Config
	sess  *fs.Session
	store secfs.StoreServer
	out   io.Writer
}

// open loads the configuration and starts a session.
func open(cmd *cobra.Command) (*state, error) {
	cfg, err := config.FromFile(params.config)
	if err != nil {
		return nil, err
	}
	sess, store, err := config.NewSession(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	return &state{cfg: cfg, sess: sess, store: store, out: cmd.OutOrStdout()}, nil
}

func (s *state) close() {
	s.store.Close()
}

// owner returns the principal that new objects are created for: the
// group given by --group, or the acting user.
func (s *state) owner() secfs.Principal {
	if params.group != 0 {
		return secfs.GroupPrincipal(secfs.GroupID(params.group))
	}
	return s.cfg.User.Principal()
}

// run adapts a function of the session to a cobra command.
func run(f func(ctx context.Context, s *state, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := open(cmd)
		if err != nil {
			return err
		}
		defer s.close()
		return f(cmd.Context(), s, args)
	}
}
