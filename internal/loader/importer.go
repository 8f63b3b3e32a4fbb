// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package loader

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.starlark.net/starlark"

	"github.com/bpowers/freeze/internal/datafile"
	"github.com/bpowers/freeze/internal/manifest"
	"github.com/bpowers/freeze/internal/runtime"
	"github.com/bpowers/freeze/internal/tree"
)

// Extension module names provided by an Installer.
const (
	ImporterModule  = "_frozen_importer"
	ResourcesModule = "resources"
)

// Option configures an Installer.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used by the installed loader.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Installer provides the extension modules the bootstrap program uses to
// open the data file and install the loader. The store is owned by the
// caller, which must Close it on every exit path.
type Installer struct {
	m      *manifest.Manifest
	store  *datafile.Store
	logger *slog.Logger

	state atomic.Pointer[State]
}

func NewInstaller(m *manifest.Manifest, store *datafile.Store, opts ...Option) *Installer {
	var o options
	o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, opt := range opts {
		opt(&o)
	}
	return &Installer{m: m, store: store, logger: o.logger}
}

// Register adds the _frozen_importer and resources modules to rt.
func (in *Installer) Register(rt *runtime.Runtime) error {
	if err := rt.RegisterExtension(ImporterModule, in.importerModule); err != nil {
		return err
	}
	return rt.RegisterExtension(ResourcesModule, in.resourcesModule)
}

// State returns the installed loader, or nil before install is called.
func (in *Installer) State() *State {
	return in.state.Load()
}

func (in *Installer) install(rt *runtime.Runtime, libDir, dataLoc string, treeBytes []byte) (*State, error) {
	t, err := tree.Decode(treeBytes)
	if err != nil {
		return nil, err
	}
	s := &State{
		rt:      rt,
		libDir:  libDir,
		dataLoc: dataLoc,
		store:   in.store,
		m:       in.m,
		tree:    t,
		logger:  in.logger,
		cache:   make(map[string]*entry),
	}

	// The develop override is read from the process environment even when
	// the runtime is isolated.
	if env := in.m.DevelopEnv; env != "" {
		if dir := os.Getenv(env); dir != "" {
			if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
				if abs, err := filepath.Abs(dir); err == nil {
					s.developDir = abs
					in.logger.Info("develop mode", "env", env, "dir", abs)
				}
			}
		}
	}

	if !in.state.CompareAndSwap(nil, s) {
		return nil, errors.New("loader already installed")
	}
	if err := rt.SetImporter(s); err != nil {
		in.state.Store(nil)
		return nil, err
	}
	return s, nil
}

func (in *Installer) importerModule(rt *runtime.Runtime) (starlark.StringDict, error) {
	initializeDataAccess := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &path); err != nil {
			return nil, err
		}
		treeBytes, err := in.store.Open(path)
		if err != nil {
			return nil, err
		}
		return starlark.Bytes(treeBytes), nil
	}

	indexForName := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var key string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &key); err != nil {
			return nil, err
		}
		return starlark.MakeInt(in.m.IndexForKey(key)), nil
	}

	offsetsForIndex := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var i int
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &i); err != nil {
			return nil, err
		}
		if i < 0 || i >= in.m.Len() {
			return nil, fmt.Errorf("%s: index %d out of range [0, %d)", b.Name(), i, in.m.Len())
		}
		rec := in.m.RecordForIndex(i)
		return starlark.Tuple{starlark.MakeUint64(rec.Offset), starlark.MakeUint64(rec.Size)}, nil
	}

	getDataAt := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var off, size int
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &off, &size); err != nil {
			return nil, err
		}
		if !in.store.IsOpen() {
			return nil, fmt.Errorf("%s: %w", b.Name(), datafile.ErrNotOpen)
		}
		if n := in.store.Len(); off < 0 || size < 0 || off > n || size > n-off {
			return nil, fmt.Errorf("%s: range [%d, +%d) out of bounds", b.Name(), off, size)
		}
		data, err := in.store.Read(uint64(off), uint64(size))
		if err != nil {
			return nil, err
		}
		return starlark.Bytes(data), nil
	}

	pathJoin := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
		}
		parts := make([]string, 0, len(args))
		for _, arg := range args {
			s, ok := starlark.AsString(arg)
			if !ok {
				return nil, fmt.Errorf("%s: got %s, want string", b.Name(), arg.Type())
			}
			if s != "" {
				parts = append(parts, strings.TrimRight(s, `/\`))
			}
		}
		return starlark.String(strings.Join(parts, string(os.PathSeparator))), nil
	}

	install := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var libDir, dataLoc string
		var treeBytes starlark.Bytes
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &libDir, &dataLoc, &treeBytes); err != nil {
			return nil, err
		}
		if _, err := in.install(rt, libDir, dataLoc, []byte(treeBytes)); err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlark.None, nil
	}

	return starlark.StringDict{
		"initialize_data_access": starlark.NewBuiltin("initialize_data_access", initializeDataAccess),
		"index_for_name":         starlark.NewBuiltin("index_for_name", indexForName),
		"offsets_for_index":      starlark.NewBuiltin("offsets_for_index", offsetsForIndex),
		"get_data_at":            starlark.NewBuiltin("get_data_at", getDataAt),
		"path_join":              starlark.NewBuiltin("path_join", pathJoin),
		"install":                starlark.NewBuiltin("install", install),
		"data_file":              starlark.String(in.m.DataFile),
		"path_sep":               starlark.String(string(os.PathSeparator)),
	}, nil
}
