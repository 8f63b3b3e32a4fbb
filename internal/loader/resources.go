// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"go.starlark.net/starlark"

	"github.com/bpowers/freeze/internal/mph"
	"github.com/bpowers/freeze/internal/runtime"
)

// ResourceError reports a resource that is not in the data file.
type ResourceError struct {
	Package string
	Name    string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s is not present in %s", e.Name, e.Package)
}

func (e *ResourceError) Is(target error) bool {
	return target == fs.ErrNotExist
}

func resourceKey(pkg, name string) string {
	if pkg == "" {
		return path.Clean(name)
	}
	return path.Clean(KeyForModule(pkg) + "/" + name)
}

// ReadResource returns the contents of the named file in package pkg, where
// pkg is a dotted package name and name may contain slashes. The returned
// slice aliases the read-only mapping.
func (s *State) ReadResource(pkg, name string) ([]byte, error) {
	key := resourceKey(pkg, name)
	i := s.m.IndexForKey(key)
	if i == mph.NotFound {
		return nil, &ResourceError{Package: pkg, Name: name}
	}
	rec := s.m.RecordForIndex(i)
	data, err := s.store.Read(rec.Offset, rec.Size)
	if err != nil {
		return nil, fmt.Errorf("store.Read(%s): %w", key, err)
	}
	return data, nil
}

// Contents lists the entries of package pkg.
func (s *State) Contents(pkg string) ([]string, error) {
	names, ok := s.tree.Contents(KeyForModule(pkg))
	if !ok {
		return nil, &ResourceError{Package: pkg, Name: "."}
	}
	return names, nil
}

// IsResource reports whether name is a file in package pkg.
func (s *State) IsResource(pkg, name string) bool {
	dir, file := path.Split(resourceKey(pkg, name))
	return s.tree.IsResource(strings.TrimSuffix(dir, "/"), file)
}

func (in *Installer) requireState(b *starlark.Builtin) (*State, error) {
	s := in.state.Load()
	if s == nil {
		return nil, fmt.Errorf("%s: frozen loader is not installed", b.Name())
	}
	return s, nil
}

func (in *Installer) resourcesModule(*runtime.Runtime) (starlark.StringDict, error) {
	unpack := func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (*State, string, string, error) {
		var pkg, name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "package", &pkg, "name", &name); err != nil {
			return nil, "", "", err
		}
		s, err := in.requireState(b)
		return s, pkg, name, err
	}

	read := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		s, pkg, name, err := unpack(b, args, kwargs)
		if err != nil {
			return nil, err
		}
		data, err := s.ReadResource(pkg, name)
		if err != nil {
			return nil, err
		}
		return starlark.Bytes(data), nil
	}

	readText := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		s, pkg, name, err := unpack(b, args, kwargs)
		if err != nil {
			return nil, err
		}
		data, err := s.ReadResource(pkg, name)
		if err != nil {
			return nil, err
		}
		return starlark.String(data), nil
	}

	isResource := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		s, pkg, name, err := unpack(b, args, kwargs)
		if err != nil {
			return nil, err
		}
		return starlark.Bool(s.IsResource(pkg, name)), nil
	}

	contents := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var pkg string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "package", &pkg); err != nil {
			return nil, err
		}
		s, err := in.requireState(b)
		if err != nil {
			return nil, err
		}
		names, err := s.Contents(pkg)
		if err != nil {
			return nil, err
		}
		elems := make([]starlark.Value, len(names))
		for i, n := range names {
			elems[i] = starlark.String(n)
		}
		return starlark.NewList(elems), nil
	}

	// resource_path always fails: frozen resources have no filesystem path.
	resourcePath := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		_, _, name, err := unpack(b, args, kwargs)
		if err != nil {
			return nil, err
		}
		return nil, errors.New(name + " is not available as a filesystem path in frozen builds")
	}

	return starlark.StringDict{
		"read":          starlark.NewBuiltin("read", read),
		"read_text":     starlark.NewBuiltin("read_text", readText),
		"is_resource":   starlark.NewBuiltin("is_resource", isResource),
		"contents":      starlark.NewBuiltin("contents", contents),
		"resource_path": starlark.NewBuiltin("resource_path", resourcePath),
	}, nil
}
