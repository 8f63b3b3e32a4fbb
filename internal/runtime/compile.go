// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package runtime

import (
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Names every module sees in its global scope besides the universe.
const (
	NameVar    = "__name__"
	FileVar    = "__file__"
	PackageVar = "__package__"
)

// MainName is the __name__ of the module run by RunMain.
const MainName = "__main__"

// FileOptions returns the dialect every frozen module is compiled with.
// The builder and the loader must agree, or precompiled programs would
// behave differently from source loaded in develop mode.
func FileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}

// IsPredeclared reports whether name is predeclared in every module.
func IsPredeclared(name string) bool {
	switch name {
	case NameVar, FileVar, PackageVar:
		return true
	}
	return false
}

// ModulePredeclared returns the predeclared environment for one module.
func ModulePredeclared(name, file, pkg string) starlark.StringDict {
	return starlark.StringDict{
		NameVar:    starlark.String(name),
		FileVar:    starlark.String(file),
		PackageVar: starlark.String(pkg),
	}
}

// CompileModule compiles module source text.
func CompileModule(filename string, src []byte) (*starlark.Program, error) {
	_, prog, err := starlark.SourceProgramOptions(FileOptions(), filename, src, IsPredeclared)
	if err != nil {
		return nil, err
	}
	return prog, nil
}
