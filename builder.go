// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package freeze

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/bpowers/freeze/internal/datafile"
	"github.com/bpowers/freeze/internal/loader"
	"github.com/bpowers/freeze/internal/manifest"
	"github.com/bpowers/freeze/internal/mph"
	"github.com/bpowers/freeze/internal/runtime"
	"github.com/bpowers/freeze/internal/tree"
)

const (
	sourceExt  = loader.SourceExt
	initModule = "__init__"

	// DataFileExt and ManifestExt are appended to the program name to name
	// the build outputs.
	DataFileExt = ".frozen"
	ManifestExt = ".manifest"

	lockName    = ".freeze.lock"
	lockTimeout = 10 * time.Second
)

var (
	errFinalized  = errors.New("builder already finalized")
	errNoProgram  = errors.New("program name is required")
	errNoMainName = errors.New("main module is required")
)

// BuilderOption configures the Builder.
type BuilderOption func(*builderOptions)

type builderOptions struct {
	logger     *slog.Logger
	program    string
	mainModule string
	developEnv string
	precompile bool
}

// WithBuilderLogger sets an optional logger for the builder to use for progress updates.
// If not provided, no logging output will be produced.
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(opts *builderOptions) {
		opts.logger = logger
	}
}

// WithProgram sets the application name. The data file and manifest are
// named after it.
func WithProgram(name string) BuilderOption {
	return func(opts *builderOptions) {
		opts.program = name
	}
}

// WithMainModule sets the dotted name of the module run as __main__.
func WithMainModule(name string) BuilderOption {
	return func(opts *builderOptions) {
		opts.mainModule = name
	}
}

// WithDevelopEnv names the environment variable that, when set to a
// directory at run time, overrides frozen modules with files on disk.
func WithDevelopEnv(env string) BuilderOption {
	return func(opts *builderOptions) {
		opts.developEnv = env
	}
}

// WithPrecompile stores modules in compiled form rather than as source.
func WithPrecompile(precompile bool) BuilderOption {
	return func(opts *builderOptions) {
		opts.precompile = precompile
	}
}

type pending struct {
	key    string
	record manifest.Record
}

// Builder packs an application's modules and resources into a data file and
// the manifest describing it.
type Builder struct {
	libDir   string
	dataPath string
	dataFile *os.File
	w        *datafile.Writer
	opts     builderOptions
	logger   *slog.Logger

	keys   stringSet
	folded map[string]string
	assets []pending
	done   bool
}

// NewBuilder creates a Builder whose outputs are written to libDir. Building
// should happen once; call Finalize to produce the outputs or Close to
// abandon the build.
func NewBuilder(libDir string, opts ...BuilderOption) (*Builder, error) {
	var options builderOptions
	options.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, opt := range opts {
		opt(&options)
	}
	if options.program == "" {
		return nil, errNoProgram
	}
	if options.mainModule == "" {
		return nil, errNoMainName
	}

	libDir, err := filepath.Abs(libDir)
	if err != nil {
		return nil, fmt.Errorf("filepath.Abs: %w", err)
	}
	if err := os.MkdirAll(libDir, 0o755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll: %w", err)
	}
	// we want to write to a new file and do an atomic rename when we're done on disk
	dataFile, err := os.CreateTemp(libDir, "freeze-builder.*.data")
	if err != nil {
		return nil, fmt.Errorf("CreateTemp failed (may need permissions for dir %q): %w", libDir, err)
	}
	w, err := datafile.NewWriter(dataFile)
	if err != nil {
		_ = dataFile.Close()
		_ = os.Remove(dataFile.Name())
		return nil, fmt.Errorf("datafile.NewWriter: %w", err)
	}
	return &Builder{
		libDir:   libDir,
		dataPath: filepath.Join(libDir, options.program+DataFileExt),
		dataFile: dataFile,
		w:        w,
		opts:     options,
		logger:   options.logger,
		keys:     make(stringSet),
		folded:   make(map[string]string),
	}, nil
}

// DataPath returns where Finalize writes the data file.
func (b *Builder) DataPath() string {
	return b.dataPath
}

// ManifestPath returns where Finalize writes the encoded manifest.
func (b *Builder) ManifestPath() string {
	return filepath.Join(b.libDir, b.opts.program+ManifestExt)
}

// Len returns the number of assets added so far.
func (b *Builder) Len() int {
	return len(b.assets)
}

// Put adds an asset under key. Keys are unique, also when compared without
// regard to case, so that the application behaves the same when developed on
// a case-insensitive filesystem.
func (b *Builder) Put(key string, kind manifest.Kind, value []byte) error {
	if b.done {
		return errFinalized
	}
	key, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	if b.keys.Contains(key) {
		return fmt.Errorf("duplicate asset key %q", key)
	}
	fold := strings.ToLower(key)
	if other, ok := b.folded[fold]; ok {
		return fmt.Errorf("asset key %q differs from %q only in case", key, other)
	}
	if kind.IsModule() && !strings.HasSuffix(key, sourceExt) {
		return fmt.Errorf("module %q must have a %s suffix", key, sourceExt)
	}

	off, size, err := b.w.Write(value)
	if err != nil {
		return fmt.Errorf("datafile.Write: %w", err)
	}
	b.keys.Add(key)
	b.folded[fold] = key
	b.assets = append(b.assets, pending{
		key:    key,
		record: manifest.Record{Offset: off, Size: size, Kind: kind, Checksum: datafile.Checksum(value)},
	})
	b.logger.Debug("added asset", "key", key, "kind", kind, "size", size)
	return nil
}

// AddSource adds a module's source text, compiling it first if the builder
// precompiles. Syntax errors are reported here rather than at run time.
func (b *Builder) AddSource(key string, src []byte) error {
	key, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	prog, err := runtime.CompileModule(loader.CompiledFilename(key), src)
	if err != nil {
		return fmt.Errorf("compiling %s: %w", key, err)
	}
	if !b.opts.precompile {
		return b.Put(key, manifest.KindSource, src)
	}
	var buf bytes.Buffer
	if err := prog.Write(&buf); err != nil {
		return fmt.Errorf("prog.Write(%s): %w", key, err)
	}
	return b.Put(key, manifest.KindCompiled, buf.Bytes())
}

// AddResource adds a file the application reads through the resources
// module.
func (b *Builder) AddResource(key string, data []byte) error {
	return b.Put(key, manifest.KindResource, data)
}

// AddDir adds every file under root, keyed by its path relative to root.
// Files ending in .star become modules and everything else a resource.
// Hidden files and directories, and any path matching one of the exclude
// patterns (see path.Match), are skipped.
func (b *Builder) AddDir(root string, exclude ...string) error {
	for _, pattern := range exclude {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("bad exclude pattern %q: %w", pattern, err)
		}
	}
	excluded := func(rel string) bool {
		base := path.Base(rel)
		for _, pattern := range exclude {
			if ok, _ := path.Match(pattern, rel); ok {
				return true
			}
			if ok, _ := path.Match(pattern, base); ok {
				return true
			}
		}
		return false
	}

	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("filepath.Rel: %w", err)
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(d.Name(), ".") || excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if strings.HasSuffix(rel, sourceExt) {
			return b.AddSource(rel, data)
		}
		return b.AddResource(rel, data)
	})
}

// Finalize writes the data file and the manifest, returning the manifest.
// The library directory is locked while its outputs are replaced.
func (b *Builder) Finalize() (*manifest.Manifest, error) {
	if b.done {
		return nil, errFinalized
	}
	b.done = true

	m, err := b.finalize()
	if err != nil {
		b.cleanup()
		return nil, err
	}
	return m, nil
}

// Close abandons an unfinished build, removing its temporary file.
func (b *Builder) Close() error {
	if b.dataFile == nil {
		// nothing to do - already cleaned up
		return nil
	}
	b.done = true
	b.cleanup()
	return nil
}

func (b *Builder) cleanup() {
	if b.dataFile == nil {
		return
	}
	_ = b.dataFile.Close()
	_ = os.Remove(b.dataFile.Name())
	b.dataFile = nil
}

func (b *Builder) checkMain() error {
	key := loader.KeyForModule(b.opts.mainModule)
	for _, candidate := range []string{key + "/" + initModule + sourceExt, key + sourceExt} {
		if b.keys.Contains(candidate) {
			return nil
		}
	}
	return fmt.Errorf("main module %q not found among %d assets", b.opts.mainModule, len(b.assets))
}

func (b *Builder) finalize() (*manifest.Manifest, error) {
	if err := b.checkMain(); err != nil {
		return nil, err
	}
	if err := b.w.Finish(); err != nil {
		return nil, fmt.Errorf("datafile.Finish: %w", err)
	}

	keys := make([]string, len(b.assets))
	for i, a := range b.assets {
		keys[i] = a.key
	}
	sort.Strings(keys)

	b.logger.Info("building index", "assets", len(keys))
	table, err := mph.Build(keys)
	if err != nil {
		return nil, fmt.Errorf("mph.Build: %w", err)
	}
	records := make([]manifest.Record, table.Len())
	for _, a := range b.assets {
		records[table.Lookup(a.key)] = a.record
	}

	t, err := tree.Build(keys)
	if err != nil {
		return nil, fmt.Errorf("tree.Build: %w", err)
	}
	treeBytes, err := t.Encode()
	if err != nil {
		return nil, fmt.Errorf("tree.Encode: %w", err)
	}
	bootstrap, err := loader.CompileBootstrap()
	if err != nil {
		return nil, fmt.Errorf("loader.CompileBootstrap: %w", err)
	}

	m, err := manifest.New(table, records)
	if err != nil {
		return nil, fmt.Errorf("manifest.New: %w", err)
	}
	m.BuildID = b.w.BuildID()
	m.Program = b.opts.program
	m.MainModule = b.opts.mainModule
	m.DataFile = filepath.Base(b.dataPath)
	m.DevelopEnv = b.opts.developEnv
	m.BootstrapVersion = loader.BootstrapVersion
	m.Bootstrap = bootstrap
	m.Tree = treeBytes

	fi, err := b.dataFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("dataFile.Stat: %w", err)
	}
	if err := m.Validate(uint64(fi.Size())); err != nil {
		return nil, err
	}
	encoded, err := m.Encode()
	if err != nil {
		return nil, fmt.Errorf("manifest.Encode: %w", err)
	}

	unlock, err := lockDir(b.libDir, lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := b.dataFile.Sync(); err != nil {
		return nil, fmt.Errorf("dataFile.Sync: %w", err)
	}
	// make the file read-only
	if err := os.Chmod(b.dataFile.Name(), 0444); err != nil {
		return nil, fmt.Errorf("os.Chmod(0444): %w", err)
	}
	if err := os.Rename(b.dataFile.Name(), b.dataPath); err != nil {
		return nil, fmt.Errorf("os.Rename: %w", err)
	}
	_ = b.dataFile.Close()
	b.dataFile = nil

	if err := writeFileAtomic(b.ManifestPath(), encoded); err != nil {
		return nil, err
	}

	b.logger.Info("froze application",
		"program", m.Program,
		"assets", m.Len(),
		"build_id", m.BuildID.String(),
		"data_file", b.dataPath)
	return m, nil
}

// lockDir holds an exclusive lock on dir, polling until timeout. The
// returned function releases it.
func lockDir(dir string, timeout time.Duration) (func(), error) {
	lockPath := filepath.Join(dir, lockName)
	l := flock.New(lockPath)
	deadline := time.Now().Add(timeout)
	for {
		locked, err := l.TryLock()
		if err != nil {
			return nil, fmt.Errorf("cannot acquire build lock: %w", err)
		}
		if locked {
			return func() { _ = l.Unlock() }, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("another build is in progress (lock: %s)", lockPath)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func writeFileAtomic(dst string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(dst), "freeze-builder.*.manifest")
	if err != nil {
		return fmt.Errorf("os.CreateTemp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("manifest write: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("manifest close: %w", err)
	}
	if err := os.Chmod(f.Name(), 0444); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("os.Chmod(0444): %w", err)
	}
	if err := os.Rename(f.Name(), dst); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("os.Rename: %w", err)
	}
	return nil
}
