// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bpowers/freeze"
)

var (
	flagConfig   string
	flagLauncher string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Freeze the application described by a freeze.yaml",
	Args:  cobra.NoArgs,
	RunE:  runBuild,
}

func init() {
	buildCmd.Flags().StringVarP(&flagConfig, "config", "c", freeze.ConfigFile, "Build configuration")
	buildCmd.Flags().StringVar(&flagLauncher, "launcher", "", "Also generate a launcher main package in this directory")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := freeze.LoadConfig(flagConfig)
	if err != nil {
		return err
	}
	m, err := freeze.Build(cfg, logger)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	out := cmd.OutOrStdout()
	manifestPath := filepath.Join(cfg.OutputDir(), m.Program+freeze.ManifestExt)
	fmt.Fprintf(out, "froze %d assets into %s\n", m.Len(), filepath.Join(cfg.OutputDir(), m.DataFile))
	fmt.Fprintf(out, "manifest: %s\n", manifestPath)
	fmt.Fprintf(out, "build ID: %s\n", m.BuildID)

	if flagLauncher != "" {
		if err := freeze.GenerateLauncher(flagLauncher, manifestPath, ""); err != nil {
			return fmt.Errorf("generating launcher: %w", err)
		}
		fmt.Fprintf(out, "launcher: %s\n", filepath.Join(flagLauncher, freeze.LauncherFile))
	}
	return nil
}
