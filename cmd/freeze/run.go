// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bpowers/freeze"
	"github.com/bpowers/freeze/internal/datafile"
	"github.com/bpowers/freeze/internal/manifest"
)

var flagLibDir string

var runCmd = &cobra.Command{
	Use:   "run MANIFEST [-- ARGS...]",
	Short: "Run a frozen application without building a launcher",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVarP(&flagLibDir, "lib", "L", "", "Directory holding the data file (default: the manifest's directory)")
	rootCmd.AddCommand(runCmd)
}

func libDirFor(manifestPath string) string {
	if flagLibDir != "" {
		return flagLibDir
	}
	return filepath.Dir(manifestPath)
}

func readManifest(path string) (*manifest.Manifest, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return manifest.Decode(encoded)
}

func runRun(cmd *cobra.Command, args []string) error {
	m, err := readManifest(args[0])
	if err != nil {
		return err
	}
	status := freeze.Run(m,
		freeze.WithLibDir(libDirFor(args[0])),
		freeze.WithArgs(args[1:]),
		freeze.WithOutput(cmd.OutOrStdout(), cmd.ErrOrStderr()),
		freeze.WithLogger(logger))
	if status != 0 {
		return exitStatus(status)
	}
	return nil
}

// openApp maps the data file belonging to the manifest at manifestPath.
// The caller must Close the store.
func openApp(manifestPath string) (*manifest.Manifest, *datafile.Store, error) {
	m, err := readManifest(manifestPath)
	if err != nil {
		return nil, nil, err
	}
	store := datafile.NewStore(m.Tree, m.BuildID)
	if _, err := store.Open(filepath.Join(libDirFor(manifestPath), m.DataFile)); err != nil {
		return nil, nil, err
	}
	logger.Debug("opened data file", "program", m.Program, "assets", m.Len(), "bytes", store.Len())
	if err := m.Validate(uint64(store.Len())); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("manifest does not match data file: %w", err)
	}
	return m, store, nil
}
