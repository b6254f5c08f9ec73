// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"secfs.io/errors"
	"secfs.io/factotum"
	"secfs.io/inode"
	"secfs.io/registry"
	"secfs.io/secfs"
	"secfs.io/version"
)

func init() {
	var keygenUser uint32
	keygenCmd := &cobra.Command{
		Use:   "keygen file",
		Short: "Generate a key pair, writing file and file.pub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := factotum.LoadOrGenerate(secfs.UserID(keygenUser), args[0])
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0]+".pub", f.PublicKeyPEM(), 0644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v %s\n", f.User(), factotum.Fingerprint(f.PublicKey()))
			return nil
		},
	}
	keygenCmd.Flags().Uint32Var(&keygenUser, "user", 0, "numeric user `id`")

	var initUsers, initGroups []string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a share owned by the configured user and print its root",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, s *state, args []string) error {
			users, err := parseUsers(initUsers)
			if err != nil {
				return err
			}
			f, err := s.cfg.Factotum()
			if err != nil {
				return err
			}
			if _, ok := users[f.User()]; !ok {
				users[f.User()] = f.PublicKey()
			}
			groups, err := parseGroups(initGroups)
			if err != nil {
				return err
			}
			root, err := s.sess.Init(ctx, s.cfg.User, users, groups)
			if err != nil {
				return err
			}
			fmt.Fprintln(s.out, root.Text())
			return nil
		}),
	}
	initCmd.Flags().StringArrayVar(&initUsers, "user", nil, "`id=keyfile` of a user's public key; repeatable")
	initCmd.Flags().StringArrayVar(&initGroups, "group", nil, "`id=user,...` group membership; repeatable")

	groupsCmd := &cobra.Command{
		Use:   "groups id=user,... ...",
		Short: "Replace the share's group memberships",
		RunE: run(func(ctx context.Context, s *state, args []string) error {
			groups, err := parseGroups(args)
			if err != nil {
				return err
			}
			return s.sess.SetGroups(ctx, s.cfg.User, groups)
		}),
	}

	mkdirCmd := &cobra.Command{
		Use:   "mkdir path...",
		Short: "Create directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: run(func(ctx context.Context, s *state, args []string) error {
			for _, p := range args {
				parent, err := s.sess.Walk(ctx, path.Dir(p))
				if err != nil {
					return err
				}
				if _, err := s.sess.Mkdir(ctx, parent, path.Base(p), s.cfg.User, s.owner()); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	mkdirCmd.Flags().Uint32Var(&params.group, "group", 0, "create for the group with this `id`")

	putCmd := &cobra.Command{
		Use:   "put path",
		Short: "Write standard input to a file, creating it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, s *state, args []string) error {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			id, err := s.sess.Walk(ctx, args[0])
			if errors.Is(errors.NotExist, err) {
				parent, err := s.sess.Walk(ctx, path.Dir(args[0]))
				if err != nil {
					return err
				}
				id, err = s.sess.Create(ctx, parent, path.Base(args[0]), s.cfg.User, s.owner())
				if err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
			if err := s.sess.Truncate(ctx, s.cfg.User, id, 0); err != nil {
				return err
			}
			_, err = s.sess.Write(ctx, s.cfg.User, id, 0, data)
			return err
		}),
	}
	putCmd.Flags().Uint32Var(&params.group, "group", 0, "create for the group with this `id`")

	catCmd := &cobra.Command{
		Use:   "cat path...",
		Short: "Print files",
		Args:  cobra.MinimumNArgs(1),
		RunE: run(func(ctx context.Context, s *state, args []string) error {
			for _, p := range args {
				id, err := s.sess.Walk(ctx, p)
				if err != nil {
					return err
				}
				n, err := s.sess.Stat(ctx, id)
				if err != nil {
					return err
				}
				data, err := s.sess.Read(ctx, s.cfg.User, id, 0, int(n.Size))
				if err != nil {
					return err
				}
				s.out.Write(data)
			}
			return nil
		}),
	}

	lsCmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: run(func(ctx context.Context, s *state, args []string) error {
			p := "/"
			if len(args) == 1 {
				p = args[0]
			}
			id, err := s.sess.Walk(ctx, p)
			if err != nil {
				return err
			}
			entries, err := s.sess.Readdir(ctx, id, 0)
			if err != nil {
				return err
			}
			for _, e := range entries {
				n, err := s.sess.Stat(ctx, e.ID)
				if err != nil {
					return err
				}
				fmt.Fprintln(s.out, formatEntry(e.Name, e.ID, n))
			}
			return nil
		}),
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), version.Release())
		},
	}

	rootCmd.AddCommand(keygenCmd, initCmd, groupsCmd, mkdirCmd, putCmd, catCmd, lsCmd, versionCmd)
}

// formatEntry returns a line of ls output.
func formatEntry(name string, id secfs.ObjectID, n *inode.Inode) string {
	mode := "-"
	if n.IsDir() {
		mode = "d"
	}
	if n.Executable {
		mode += "x"
	} else {
		mode += "-"
	}
	return fmt.Sprintf("%s %-10v %8d %s %-16s %s", mode, n.Owner, n.Size, n.ModTime().Format("Jan _2 15:04"), id.Text(), name)
}

// parseUsers parses id=keyfile pairs.
func parseUsers(args []string) (registry.Users, error) {
	users := make(registry.Users)
	for _, arg := range args {
		id, file, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, errors.E(errors.Invalid, errors.Errorf("bad user %q, want id=keyfile", arg))
		}
		u, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return nil, errors.E(errors.Invalid, errors.Errorf("bad user id %q", id))
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.E(errors.IO, err)
		}
		pub, err := factotum.ParsePublicKey(data)
		if err != nil {
			return nil, err
		}
		users[secfs.UserID(u)] = pub
	}
	return users, nil
}

// parseGroups parses id=user,user,... memberships.
func parseGroups(args []string) (registry.Groups, error) {
	groups := make(registry.Groups)
	for _, arg := range args {
		id, list, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, errors.E(errors.Invalid, errors.Errorf("bad group %q, want id=user,...", arg))
		}
		g, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return nil, errors.E(errors.Invalid, errors.Errorf("bad group id %q", id))
		}
		var members []secfs.UserID
		for _, m := range strings.Split(list, ",") {
			if m == "" {
				continue
			}
			u, err := strconv.ParseUint(m, 10, 32)
			if err != nil {
				return nil, errors.E(errors.Invalid, errors.Errorf("bad member %q of group %s", m, id))
			}
			members = append(members, secfs.UserID(u))
		}
		groups[secfs.GroupID(g)] = members
	}
	return groups, nil
}
