// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command freeze builds, runs and inspects frozen Starlark applications.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagVerbose bool
	logger      = slog.New(slog.NewTextHandler(io.Discard, nil))
)

var rootCmd = &cobra.Command{
	Use:           "freeze",
	Short:         "Package Starlark applications into a single read-only data file",
	SilenceUsage:  true, // don't print usage on operational errors
	SilenceErrors: true, // main reports them
	Long: `freeze packs an application's modules and resources into a memory-mapped
data file plus a manifest that is embedded in a launcher binary.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagVerbose {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Log progress to stderr")
}

// exitStatus carries an application's exit status out of a command.
type exitStatus int

func (s exitStatus) Error() string {
	return fmt.Sprintf("exit status %d", int(s))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var status exitStatus
		if errors.As(err, &status) {
			os.Exit(int(status))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
