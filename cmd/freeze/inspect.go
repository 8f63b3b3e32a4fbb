// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bpowers/freeze"
	"github.com/bpowers/freeze/internal/tree"
)

var flagModules bool

var lsCmd = &cobra.Command{
	Use:   "ls MANIFEST",
	Short: "List the assets of a frozen application",
	Args:  cobra.ExactArgs(1),
	RunE:  runLs,
}

var catCmd = &cobra.Command{
	Use:   "cat MANIFEST KEY...",
	Short: "Write frozen assets to stdout",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runCat,
}

var treeCmd = &cobra.Command{
	Use:   "tree MANIFEST",
	Short: "Show the directory tree of a frozen application",
	Args:  cobra.ExactArgs(1),
	RunE:  runTree,
}

var verifyCmd = &cobra.Command{
	Use:   "verify MANIFEST",
	Short: "Check every asset against its recorded location and checksum",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	lsCmd.Flags().BoolVar(&flagModules, "modules", false, "Show the module name of each source asset")
	for _, c := range []*cobra.Command{lsCmd, catCmd, treeCmd, verifyCmd} {
		c.Flags().StringVarP(&flagLibDir, "lib", "L", "", "Directory holding the data file (default: the manifest's directory)")
		rootCmd.AddCommand(c)
	}
}

func runLs(cmd *cobra.Command, args []string) error {
	m, err := readManifest(args[0])
	if err != nil {
		return err
	}
	keys := make([]string, m.Len())
	for i := range keys {
		keys[i] = m.Key(i)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, key := range keys {
		r, _ := m.Lookup(key)
		if flagModules {
			module, _ := freeze.ModuleForKey(key)
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.Kind, r.Size, key, module)
		} else {
			fmt.Fprintf(w, "%s\t%d\t%s\n", r.Kind, r.Size, key)
		}
	}
	return w.Flush()
}

func runCat(cmd *cobra.Command, args []string) error {
	m, store, err := openApp(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	for _, key := range args[1:] {
		r, ok := m.Lookup(key)
		if !ok {
			return fmt.Errorf("%s: no asset %q", args[0], key)
		}
		data, err := store.Read(r.Offset, r.Size)
		if err != nil {
			return err
		}
		if _, err := cmd.OutOrStdout().Write(data); err != nil {
			return err
		}
	}
	return nil
}

func runTree(cmd *cobra.Command, args []string) error {
	m, err := readManifest(args[0])
	if err != nil {
		return err
	}
	t, err := tree.Decode(m.Tree)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	t.Walk(func(path string, depth int, isDir bool) {
		name := path[strings.LastIndexByte(path, '/')+1:]
		if isDir {
			name += "/"
		}
		fmt.Fprintf(out, "%s%s\n", strings.Repeat("  ", depth), name)
	})
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	m, store, err := openApp(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Verify(m.Extents()); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok: %d assets, build ID %s\n", m.Len(), m.BuildID)
	return nil
}
