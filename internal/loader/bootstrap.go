// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package loader

import (
	"bytes"
	_ "embed"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/bpowers/freeze/internal/runtime"
)

// BootstrapVersion identifies the contract between the bootstrap program and
// the _frozen_importer module. A launcher refuses a manifest whose
// bootstrap was compiled for a different version.
const BootstrapVersion = 1

// BootstrapFilename names the bootstrap program in diagnostics.
const BootstrapFilename = "<frozen bootstrap>"

// LibDirVar is the single name injected into the bootstrap namespace.
const LibDirVar = "libdir"

//go:embed bootstrap.star
var bootstrapSource []byte

// CompileBootstrap compiles the bootstrap program for embedding in a
// manifest. Only the builder calls this; launchers carry the compiled form.
func CompileBootstrap() ([]byte, error) {
	_, prog, err := starlark.SourceProgramOptions(runtime.FileOptions(), BootstrapFilename, bootstrapSource, func(name string) bool {
		return name == LibDirVar
	})
	if err != nil {
		return nil, fmt.Errorf("compiling bootstrap: %w", err)
	}
	var buf bytes.Buffer
	if err := prog.Write(&buf); err != nil {
		return nil, fmt.Errorf("prog.Write: %w", err)
	}
	return buf.Bytes(), nil
}

// BootstrapEnv returns the namespace the bootstrap program runs in.
func BootstrapEnv(libDir string) starlark.StringDict {
	return starlark.StringDict{LibDirVar: starlark.String(libDir)}
}
