// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package freeze packages a Starlark application and its resources into a
// single read-only data file, and runs applications packaged that way.
//
// A Builder writes the data file together with a manifest: the perfect hash
// index over every asset key, each asset's location in the data file, and a
// precompiled bootstrap program. The manifest is compiled into a launcher
// binary (see GenerateLauncher) which calls Main. At run time the data file is
// memory mapped once and modules are loaded from it directly; nothing is
// extracted to disk.
package freeze

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bpowers/freeze/internal/lifecycle"
	"github.com/bpowers/freeze/internal/manifest"
)

// Option configures Main.
type Option func(*options)

type options struct {
	lifecycle []lifecycle.Option
	stderr    io.Writer
}

// WithLibDir sets the directory containing the data file. It defaults to
// "lib" next to the executable.
func WithLibDir(dir string) Option {
	return func(opts *options) {
		opts.lifecycle = append(opts.lifecycle, lifecycle.WithLibDir(dir))
	}
}

// WithArgs sets the application's arguments, not including the program
// name. It defaults to os.Args[1:].
func WithArgs(args []string) Option {
	return func(opts *options) {
		opts.lifecycle = append(opts.lifecycle, lifecycle.WithArgs(args))
	}
}

// WithOutput sets the application's standard output and error.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(opts *options) {
		opts.stderr = stderr
		opts.lifecycle = append(opts.lifecycle, lifecycle.WithOutput(stdout, stderr))
	}
}

// WithLogger sets a logger for startup progress. If not provided, no
// logging output will be produced.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.lifecycle = append(opts.lifecycle, lifecycle.WithLogger(logger))
	}
}

// Main runs the frozen application described by the encoded manifest and
// returns its exit status.
func Main(encodedManifest []byte, opts ...Option) int {
	m, err := manifest.Decode(encodedManifest)
	if err != nil {
		o := newOptions(opts)
		_, _ = fmt.Fprintf(o.stderr, "Failed to start the application: %v\n", err)
		return lifecycle.StatusBootstrapFailure
	}
	return Run(m, opts...)
}

// Run runs the application described by an already decoded manifest.
func Run(m *manifest.Manifest, opts ...Option) int {
	o := newOptions(opts)
	return lifecycle.New(m, o.lifecycle...).Run()
}

func newOptions(opts []Option) options {
	o := options{
		lifecycle: []lifecycle.Option{lifecycle.WithArgs(os.Args[1:])},
		stderr:    os.Stderr,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
