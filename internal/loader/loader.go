// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package loader resolves Starlark load statements against a frozen data
// file, falling back through a fixed list of strategies.
package loader

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.starlark.net/starlark"

	"github.com/bpowers/freeze/internal/datafile"
	"github.com/bpowers/freeze/internal/manifest"
	"github.com/bpowers/freeze/internal/mph"
	"github.com/bpowers/freeze/internal/runtime"
	"github.com/bpowers/freeze/internal/tree"
)

// SourceExt is the file extension of module source.
const SourceExt = ".star"

// compiledPrefix begins the filename recorded in precompiled modules. The
// data file location is only known at run time, so DiagnosticFilename
// substitutes it when errors are rendered.
const compiledPrefix = "<frozen>/"

// loadStackKey is the thread-local holding the chain of modules being
// loaded, for cycle detection.
const loadStackKey = "freeze.loader.stack"

// Strategy is one way of finding a module.
type Strategy int

const (
	// StrategyExtension finds modules in the runtime's extension table.
	StrategyExtension Strategy = iota
	// StrategyDevelop finds module source in an on-disk override directory.
	StrategyDevelop
	// StrategyFrozen finds modules in the data file.
	StrategyFrozen
)

// strategies is the resolution order.
var strategies = [...]Strategy{StrategyExtension, StrategyDevelop, StrategyFrozen}

func (s Strategy) String() string {
	switch s {
	case StrategyExtension:
		return "extension"
	case StrategyDevelop:
		return "develop"
	case StrategyFrozen:
		return "frozen"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ModuleNotFoundError is returned when no strategy can find a module.
type ModuleNotFoundError struct {
	Name string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("no module named %q", e.Name)
}

func (e *ModuleNotFoundError) Is(target error) bool {
	return target == runtime.ErrNoModule
}

// ModuleSpec describes where a module was found.
type ModuleSpec struct {
	Name      string
	Strategy  Strategy
	IsPackage bool
	// Key is the data file key, for StrategyFrozen.
	Key string
	// Filename is used in diagnostics and as __file__. For frozen modules
	// it is synthetic and does not exist on disk.
	Filename string

	record manifest.Record
}

// Package returns the __package__ value of the module.
func (spec *ModuleSpec) Package() string {
	if spec.IsPackage {
		return spec.Name
	}
	if i := strings.LastIndexByte(spec.Name, '.'); i >= 0 {
		return spec.Name[:i]
	}
	return ""
}

type entry struct {
	ready   chan struct{}
	globals starlark.StringDict
	err     error
}

// State is the installed loader: the open store and everything needed to
// turn module names into executed globals.
type State struct {
	rt         *runtime.Runtime
	libDir     string
	dataLoc    string
	store      *datafile.Store
	m          *manifest.Manifest
	tree       *tree.Tree
	developDir string
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]*entry
}

// KeyForModule converts a dotted module name to a data file key.
func KeyForModule(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}

func validModuleName(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" || strings.ContainsAny(part, `/\`) {
			return false
		}
	}
	return true
}

// SyntheticFilename is the diagnostic path of a frozen key.
func (s *State) SyntheticFilename(key string) string {
	return s.dataLoc + string(os.PathSeparator) + filepath.FromSlash(key)
}

// CompiledFilename is the filename the module stored under key is
// precompiled with.
func CompiledFilename(key string) string {
	return compiledPrefix + key
}

// DiagnosticFilename maps a filename recorded in a precompiled module to the
// module's synthetic filename. Other names are returned unchanged.
func (s *State) DiagnosticFilename(name string) string {
	if key, ok := strings.CutPrefix(name, compiledPrefix); ok {
		return s.SyntheticFilename(key)
	}
	return name
}

// DevelopDir returns the on-disk override directory, or "" if develop mode
// is off.
func (s *State) DevelopDir() string {
	return s.developDir
}

// Tree returns the data file's directory tree.
func (s *State) Tree() *tree.Tree {
	return s.tree
}

// Resolve finds module without executing it.
func (s *State) Resolve(name string) (*ModuleSpec, error) {
	if !validModuleName(name) {
		return nil, &ModuleNotFoundError{Name: name}
	}
	for _, strategy := range strategies {
		var spec *ModuleSpec
		switch strategy {
		case StrategyExtension:
			if _, ok := s.rt.Extension(name); ok {
				spec = &ModuleSpec{Name: name, Strategy: StrategyExtension, Filename: "<extension " + name + ">"}
			}
		case StrategyDevelop:
			spec = s.findDevelop(name)
		case StrategyFrozen:
			spec = s.findFrozen(name)
		}
		if spec != nil {
			return spec, nil
		}
	}
	return nil, &ModuleNotFoundError{Name: name}
}

func (s *State) findDevelop(name string) *ModuleSpec {
	if s.developDir == "" {
		return nil
	}
	base := filepath.Join(s.developDir, filepath.FromSlash(KeyForModule(name)))
	pkgPath := filepath.Join(base, tree.InitFile)
	if isFile(pkgPath) {
		return &ModuleSpec{Name: name, Strategy: StrategyDevelop, IsPackage: true, Filename: pkgPath}
	}
	if path := base + SourceExt; isFile(path) {
		return &ModuleSpec{Name: name, Strategy: StrategyDevelop, Filename: path}
	}
	return nil
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func (s *State) findFrozen(name string) *ModuleSpec {
	key := KeyForModule(name)
	for _, candidate := range [...]struct {
		key       string
		isPackage bool
	}{
		{key + "/" + tree.InitFile, true},
		{key + SourceExt, false},
	} {
		i := s.m.IndexForKey(candidate.key)
		if i == mph.NotFound {
			continue
		}
		rec := s.m.RecordForIndex(i)
		if !rec.Kind.IsModule() {
			continue
		}
		return &ModuleSpec{
			Name:      name,
			Strategy:  StrategyFrozen,
			IsPackage: candidate.isPackage,
			Key:       candidate.key,
			Filename:  s.SyntheticFilename(candidate.key),
			record:    rec,
		}
	}
	return nil
}

func (s *State) program(spec *ModuleSpec) (*starlark.Program, error) {
	switch spec.Strategy {
	case StrategyDevelop:
		src, err := os.ReadFile(spec.Filename)
		if err != nil {
			return nil, fmt.Errorf("os.ReadFile: %w", err)
		}
		return runtime.CompileModule(spec.Filename, src)
	case StrategyFrozen:
		data, err := s.store.Read(spec.record.Offset, spec.record.Size)
		if err != nil {
			return nil, fmt.Errorf("store.Read(%s): %w", spec.Key, err)
		}
		switch spec.record.Kind {
		case manifest.KindSource:
			return runtime.CompileModule(spec.Filename, data)
		case manifest.KindCompiled:
			return starlark.CompiledProgram(bytes.NewReader(data))
		}
		return nil, fmt.Errorf("%s has kind %s, not a module", spec.Key, spec.record.Kind)
	}
	return nil, fmt.Errorf("strategy %s has no program", spec.Strategy)
}

func loadStack(thread *starlark.Thread) []string {
	stack, _ := thread.Local(loadStackKey).([]string)
	return stack
}

// Load implements starlark.Thread.Load. Each module executes at most once
// and every caller sees the same frozen globals.
func (s *State) Load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	stack := loadStack(thread)
	if slices.Contains(stack, module) {
		return nil, fmt.Errorf("cycle in load graph: %s -> %s", strings.Join(stack, " -> "), module)
	}

	s.mu.Lock()
	e, ok := s.cache[module]
	if ok {
		s.mu.Unlock()
		<-e.ready
		return e.globals, e.err
	}
	e = &entry{ready: make(chan struct{})}
	s.cache[module] = e
	s.mu.Unlock()

	e.globals, e.err = s.load(thread, stack, module, module)
	close(e.ready)
	return e.globals, e.err
}

// Exec executes module under the given __name__ without caching it. Its
// parent packages are loaded normally.
func (s *State) Exec(thread *starlark.Thread, module, name string) (starlark.StringDict, error) {
	return s.load(thread, loadStack(thread), module, name)
}

func (s *State) load(thread *starlark.Thread, stack []string, module, name string) (starlark.StringDict, error) {
	spec, err := s.Resolve(module)
	if err != nil {
		return nil, err
	}
	if spec.Strategy == StrategyExtension {
		members, _ := s.rt.Extension(module)
		return members, nil
	}

	child := &starlark.Thread{
		Name:  module,
		Print: thread.Print,
		Load:  s.Load,
	}
	child.SetLocal(loadStackKey, append(slices.Clip(stack), module))

	if err := s.loadParents(child, module); err != nil {
		return nil, err
	}

	prog, err := s.program(spec)
	if err != nil {
		return nil, fmt.Errorf("loading %s from %s: %w", module, spec.Filename, err)
	}

	s.logger.Debug("executing module", "module", module, "strategy", spec.Strategy, "file", spec.Filename)
	globals, err := prog.Init(child, runtime.ModulePredeclared(name, spec.Filename, spec.Package()))
	if err != nil {
		return nil, err
	}
	globals.Freeze()
	return globals, nil
}

// loadParents executes the packages enclosing module, outermost first.
// Directories without an __init__ are namespace packages and are skipped,
// as are packages already being loaded further up the stack.
func (s *State) loadParents(thread *starlark.Thread, module string) error {
	stack := loadStack(thread)
	for i := 0; i < len(module); i++ {
		if module[i] != '.' {
			continue
		}
		parent := module[:i]
		if slices.Contains(stack, parent) {
			continue
		}
		if spec, err := s.Resolve(parent); err != nil || !spec.IsPackage {
			continue
		}
		if _, err := s.Load(thread, parent); err != nil {
			return err
		}
	}
	return nil
}
