// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package loader

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"github.com/bpowers/freeze/internal/datafile"
	"github.com/bpowers/freeze/internal/manifest"
	"github.com/bpowers/freeze/internal/mph"
	"github.com/bpowers/freeze/internal/runtime"
	"github.com/bpowers/freeze/internal/tree"
)

const (
	testDataFile   = "app.frozen"
	testDevelopEnv = "FREEZE_LOADER_TEST_DEVELOP"
)

type asset struct {
	kind manifest.Kind
	data string
}

func src(s string) asset      { return asset{kind: manifest.KindSource, data: s} }
func compiled(s string) asset { return asset{kind: manifest.KindCompiled, data: s} }
func resource(s string) asset { return asset{kind: manifest.KindResource, data: s} }

// buildFixture writes a data file for assets into a new library directory
// and returns the directory and matching manifest.
func buildFixture(t *testing.T, assets map[string]asset) (string, *manifest.Manifest) {
	t.Helper()

	keys := make([]string, 0, len(assets))
	for k := range assets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table, err := mph.Build(keys)
	require.NoError(t, err)

	libDir := t.TempDir()
	f, err := os.Create(filepath.Join(libDir, testDataFile))
	require.NoError(t, err)
	w, err := datafile.NewWriter(f)
	require.NoError(t, err)

	records := make([]manifest.Record, table.Len())
	for i := 0; i < table.Len(); i++ {
		key := table.Key(i)
		a := assets[key]
		value := []byte(a.data)
		if a.kind == manifest.KindCompiled {
			prog, err := runtime.CompileModule(CompiledFilename(key), value)
			require.NoError(t, err)
			var buf bytes.Buffer
			require.NoError(t, prog.Write(&buf))
			value = buf.Bytes()
		}
		off, size, err := w.Write(value)
		require.NoError(t, err)
		records[i] = manifest.Record{Offset: off, Size: size, Kind: a.kind, Checksum: datafile.Checksum(value)}
	}
	require.NoError(t, w.Finish())
	require.NoError(t, f.Close())

	tr, err := tree.Build(keys)
	require.NoError(t, err)
	treeBytes, err := tr.Encode()
	require.NoError(t, err)

	bootstrap, err := CompileBootstrap()
	require.NoError(t, err)

	m, err := manifest.New(table, records)
	require.NoError(t, err)
	m.BuildID = w.BuildID()
	m.Program = "app"
	m.MainModule = "app.main"
	m.DataFile = testDataFile
	m.DevelopEnv = testDevelopEnv
	m.BootstrapVersion = BootstrapVersion
	m.Bootstrap = bootstrap
	m.Tree = treeBytes
	return libDir, m
}

type harness struct {
	rt     *runtime.Runtime
	in     *Installer
	store  *datafile.Store
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// bringUp runs every bring-up step up to, but not including, the bootstrap.
func bringUp(t *testing.T, m *manifest.Manifest, cfg runtime.Config) *harness {
	t.Helper()

	h := &harness{rt: runtime.New()}
	h.store = datafile.NewStore(m.Tree, m.BuildID)
	t.Cleanup(func() { _ = h.store.Close() })
	h.in = NewInstaller(m, h.store)

	require.NoError(t, h.in.Register(h.rt))
	require.NoError(t, h.rt.PreConfigure(runtime.PreConfig{Encoding: runtime.EncodingUTF8}))
	if cfg.MainModule == "" {
		cfg.MainModule = m.MainModule
	}
	cfg.Stdout = &h.stdout
	cfg.Stderr = &h.stderr
	require.NoError(t, h.rt.Configure(cfg))
	require.NoError(t, h.rt.InitializeCore())
	return h
}

func (h *harness) bootstrap(m *manifest.Manifest, libDir string) error {
	return h.rt.ExecBootstrap(m.Bootstrap, BootstrapFilename, BootstrapEnv(libDir))
}

// install brings up a runtime with the frozen loader installed.
func install(t *testing.T, assets map[string]asset, cfg runtime.Config) (*harness, *State, string) {
	t.Helper()
	libDir, m := buildFixture(t, assets)
	h := bringUp(t, m, cfg)
	require.NoError(t, h.bootstrap(m, libDir))
	s := h.in.State()
	require.NotNil(t, s)
	return h, s, libDir
}

func (h *harness) run(t *testing.T) int {
	t.Helper()
	require.NoError(t, h.rt.InitializeMain())
	return h.rt.RunMain()
}

var isolated = runtime.Config{Isolated: true}

func TestBootstrap_InstallsLoader(t *testing.T) {
	h, s, libDir := install(t, map[string]asset{
		"app/__init__.star": src(""),
		"app/main.star":     src("print('hi')\n"),
	}, isolated)

	assert.True(t, h.rt.HasImporter())
	assert.True(t, h.store.IsOpen())
	assert.Equal(t, "", s.DevelopDir())
	assert.True(t, s.Tree().IsPackage("app"))
	assert.Equal(t, filepath.Join(libDir, testDataFile), s.dataLoc)
}

func TestBootstrap_MissingDataFile(t *testing.T) {
	_, m := buildFixture(t, map[string]asset{"app/main.star": src("")})
	h := bringUp(t, m, isolated)

	missing := filepath.Join(t.TempDir(), "nowhere")
	err := h.bootstrap(m, missing)
	require.Error(t, err)

	var openErr *datafile.OpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, filepath.Join(missing, testDataFile), openErr.Path)
	assert.False(t, h.store.IsOpen())
	assert.Nil(t, h.in.State())
	assert.False(t, h.rt.HasImporter())
	require.NoError(t, h.store.Close())
}

func TestBootstrap_Twice(t *testing.T) {
	libDir, m := buildFixture(t, map[string]asset{"app/main.star": src("")})
	h := bringUp(t, m, isolated)
	require.NoError(t, h.bootstrap(m, libDir))

	err := h.bootstrap(m, libDir)
	assert.ErrorIs(t, err, datafile.ErrAlreadyOpen)
}

func TestEndToEnd(t *testing.T) {
	for _, kind := range []manifest.Kind{manifest.KindSource, manifest.KindCompiled} {
		t.Run(kind.String(), func(t *testing.T) {
			h, _, _ := install(t, map[string]asset{
				"app/__init__.star": {kind: kind, data: ""},
				"app/main.star":     {kind: kind, data: "print(\"hi\")\n"},
			}, isolated)
			assert.Equal(t, 0, h.run(t))
			assert.Equal(t, "hi\n", h.stdout.String())
			assert.Empty(t, h.stderr.String())
		})
	}
}

func TestResolve_PackagePrecedence(t *testing.T) {
	h, s, libDir := install(t, map[string]asset{
		"pkg/__init__.star": src("form = 'package'\n"),
		"pkg.star":          src("form = 'plain'\n"),
		"plain.star":        src("form = 'plain'\n"),
		"app/main.star":     src(""),
	}, isolated)

	spec, err := s.Resolve("pkg")
	require.NoError(t, err)
	assert.Equal(t, StrategyFrozen, spec.Strategy)
	assert.True(t, spec.IsPackage)
	assert.Equal(t, "pkg/__init__.star", spec.Key)
	assert.Equal(t, filepath.Join(libDir, testDataFile, "pkg", "__init__.star"), spec.Filename)
	_, err = os.Stat(spec.Filename)
	assert.Error(t, err, "synthetic filenames never exist on disk")

	g, err := s.Load(h.rt.NewThread("test"), "pkg")
	require.NoError(t, err)
	assert.Equal(t, starlark.String("package"), g["form"])

	spec, err = s.Resolve("plain")
	require.NoError(t, err)
	assert.False(t, spec.IsPackage)
	assert.Equal(t, "plain.star", spec.Key)
}

func TestResolve_NotFound(t *testing.T) {
	h, s, _ := install(t, map[string]asset{
		"app/main.star":  src(""),
		"app/data.star":  resource("not a module"),
		"app/notes.txt":  resource("notes"),
		"other/mod.star": src(""),
	}, isolated)

	for _, name := range []string{"app.missing", "app.data", "app.notes", "other", "", "app..main", "app/main"} {
		_, err := s.Resolve(name)
		require.Error(t, err, name)

		var notFound *ModuleNotFoundError
		assert.True(t, errors.As(err, &notFound), name)
		assert.ErrorIs(t, err, runtime.ErrNoModule)
	}

	_, err := s.Load(h.rt.NewThread("test"), "app.missing")
	require.Error(t, err)
	assert.Equal(t, `no module named "app.missing"`, err.Error())
}

func TestResolve_ResourcePackageForm(t *testing.T) {
	h, s, _ := install(t, map[string]asset{
		"app/main.star":     src(""),
		"lib/__init__.star": resource("template, not code"),
		"lib.star":          src("form = 'plain'\n"),
	}, isolated)

	spec, err := s.Resolve("lib")
	require.NoError(t, err)
	assert.False(t, spec.IsPackage)
	assert.Equal(t, "lib.star", spec.Key)

	g, err := s.Load(h.rt.NewThread("test"), "lib")
	require.NoError(t, err)
	assert.Equal(t, starlark.String("plain"), g["form"])
}

func TestResolve_Extension(t *testing.T) {
	h, s, _ := install(t, map[string]asset{
		"app/main.star": src(""),
		// an extension always wins over a frozen module of the same name
		"sys.star": src("fail('shadowed')\n"),
	}, isolated)

	spec, err := s.Resolve("sys")
	require.NoError(t, err)
	assert.Equal(t, StrategyExtension, spec.Strategy)

	g, err := s.Load(h.rt.NewThread("test"), "sys")
	require.NoError(t, err)
	assert.Equal(t, starlark.True, g["frozen"])
}

func TestLoad_ModuleGlobals(t *testing.T) {
	h, s, libDir := install(t, map[string]asset{
		"app/__init__.star":      src(""),
		"app/main.star":          src("load('app.util.strings', 'info')\nprint(__name__, __package__)\nprint(info)\n"),
		"app/util/__init__.star": src(""),
		"app/util/strings.star":  src("info = (__name__, __package__, __file__)\n"),
	}, isolated)

	require.Equal(t, 0, h.run(t), h.stderr.String())
	file := filepath.Join(libDir, testDataFile, "app", "util", "strings.star")
	want := "__main__ app\n(\"app.util.strings\", \"app.util\", \"" + file + "\")\n"
	assert.Equal(t, want, h.stdout.String())

	spec, err := s.Resolve("app.util")
	require.NoError(t, err)
	assert.Equal(t, "app.util", spec.Package())
}

func TestLoad_ParentsFirst(t *testing.T) {
	h, _, _ := install(t, map[string]asset{
		"app/__init__.star":      src("print('init app')\n"),
		"app/main.star":          src("load('app.util.strings', 'x')\nprint('main', x)\n"),
		"app/util/__init__.star": src("print('init app.util')\n"),
		"app/util/strings.star":  src("print('strings')\nx = 1\n"),
	}, isolated)

	require.Equal(t, 0, h.run(t), h.stderr.String())
	assert.Equal(t, "init app\ninit app.util\nstrings\nmain 1\n", h.stdout.String())
}

func TestLoad_PackageLoadsChild(t *testing.T) {
	h, _, _ := install(t, map[string]asset{
		"app/__init__.star": src("load('app.version', 'v')\nversion = v\n"),
		"app/version.star":  src("v = '1.0'\n"),
		"app/main.star":     src("load('app', 'version')\nprint(version)\n"),
	}, isolated)

	require.Equal(t, 0, h.run(t), h.stderr.String())
	assert.Equal(t, "1.0\n", h.stdout.String())
}

func TestLoad_Cached(t *testing.T) {
	h, _, _ := install(t, map[string]asset{
		"app/main.star":   src("load('app.a', 'a')\nload('app.b', 'b')\nprint(a, b)\n"),
		"app/a.star":      src("load('app.once', 'n')\na = n\n"),
		"app/b.star":      src("load('app.once', 'n')\nb = n\n"),
		"app/once.star":   src("print('once')\nn = [1]\n"),
		"app/unused.star": src(""),
	}, isolated)

	require.Equal(t, 0, h.run(t), h.stderr.String())
	assert.Equal(t, "once\n[1] [1]\n", h.stdout.String())
}

func TestLoad_GlobalsFrozen(t *testing.T) {
	h, _, _ := install(t, map[string]asset{
		"app/main.star": src("load('app.data', 'items')\nitems.append(2)\n"),
		"app/data.star": src("items = [1]\n"),
	}, isolated)

	assert.Equal(t, runtime.StatusError, h.run(t))
	assert.Contains(t, h.stderr.String(), "frozen")
}

func TestLoad_Cycle(t *testing.T) {
	h, _, _ := install(t, map[string]asset{
		"app/main.star": src("load('app.a', 'a')\n"),
		"app/a.star":    src("load('app.b', 'b')\na = 1\n"),
		"app/b.star":    src("load('app.a', 'a')\nb = 1\n"),
	}, isolated)

	assert.Equal(t, runtime.StatusError, h.run(t))
	assert.Contains(t, h.stderr.String(), "cycle in load graph: app.main -> app.a -> app.b -> app.a")
}

func TestLoad_Concurrent(t *testing.T) {
	h, s, _ := install(t, map[string]asset{
		"app/main.star":   src(""),
		"app/shared.star": src("print('executed')\nvalue = {'k': 'v'}\n"),
	}, isolated)

	const n = 16
	results := make([]starlark.StringDict, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Load(h.rt.NewThread("worker"), "app.shared")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0]["value"], results[i]["value"])
	}
	assert.Equal(t, "executed\n", h.stdout.String())
}

func TestDevelopMode(t *testing.T) {
	devDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(devDir, "app", "util"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "app", "main.star"), []byte("load('app.util', 'where')\nprint('develop', where)\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "app", "util", "__init__.star"), []byte("where = __file__\n"), 0o644))
	t.Setenv(testDevelopEnv, devDir)

	assets := map[string]asset{
		"app/main.star":          src("print('frozen')\n"),
		"app/util/__init__.star": src("where = 'frozen'\n"),
	}

	h, s, _ := install(t, assets, runtime.Config{NoUserSite: true})
	assert.Equal(t, devDir, s.DevelopDir())

	spec, err := s.Resolve("app.util")
	require.NoError(t, err)
	assert.Equal(t, StrategyDevelop, spec.Strategy)
	assert.True(t, spec.IsPackage)

	require.Equal(t, 0, h.run(t), h.stderr.String())
	assert.Equal(t, "develop "+filepath.Join(devDir, "app", "util", "__init__.star")+"\n", h.stdout.String())

	// develop mode applies to isolated runtimes too
	h, s, _ = install(t, assets, isolated)
	assert.Equal(t, devDir, s.DevelopDir())

	t.Setenv(testDevelopEnv, "")
	h, s, _ = install(t, assets, isolated)
	assert.Equal(t, "", s.DevelopDir())
	require.Equal(t, 0, h.run(t), h.stderr.String())
	assert.Equal(t, "frozen\n", h.stdout.String())
}

func TestResources(t *testing.T) {
	_, s, _ := install(t, map[string]asset{
		"app/__init__.star":    src(""),
		"app/main.star":        src(""),
		"app/data/config.json": resource(`{"debug": true}`),
		"app/README":           resource("readme"),
	}, isolated)

	data, err := s.ReadResource("app", "data/config.json")
	require.NoError(t, err)
	assert.Equal(t, `{"debug": true}`, string(data))

	_, err = s.ReadResource("app", "missing.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	names, err := s.Contents("app")
	require.NoError(t, err)
	assert.Equal(t, []string{"README", "__init__.star", "data", "main.star"}, names)

	_, err = s.Contents("nope")
	assert.Error(t, err)

	assert.True(t, s.IsResource("app", "README"))
	assert.True(t, s.IsResource("app", "data/config.json"))
	assert.False(t, s.IsResource("app", "data"))
	assert.False(t, s.IsResource("app", "missing"))
}

func TestResourcesModule(t *testing.T) {
	h, _, _ := install(t, map[string]asset{
		"app/__init__.star": src(""),
		"app/main.star": src(strings.Join([]string{
			`load("resources", "read", "read_text", "contents", "is_resource", "resource_path")`,
			`load("json", "decode")`,
			`print(decode(read_text("app", "data/config.json"))["debug"])`,
			`print(len(read("app", "data/config.json")))`,
			`print(contents("app.data"))`,
			`print(is_resource(package = "app", name = "main.star"), is_resource("app", "data"))`,
			`resource_path("app", "main.star")`,
		}, "\n")),
		"app/data/config.json": resource(`{"debug": true}`),
	}, isolated)

	assert.Equal(t, runtime.StatusError, h.run(t))
	assert.Equal(t, "True\n15\n[\"config.json\"]\nTrue False\n", h.stdout.String())
	assert.Contains(t, h.stderr.String(), "not available as a filesystem path")
}

func TestImporterModule(t *testing.T) {
	h, _, _ := install(t, map[string]asset{
		"app/main.star": src(strings.Join([]string{
			`load("_frozen_importer", "index_for_name", "offsets_for_index", "get_data_at", "path_join", "path_sep", "data_file")`,
			`i = index_for_name("app/blob.bin")`,
			`off, size = offsets_for_index(i)`,
			`print(get_data_at(off, size))`,
			`print(index_for_name("app/none"))`,
			`print(path_join("a/", "", "b") == "a" + path_sep + "b", data_file)`,
		}, "\n")),
		"app/blob.bin": resource("payload"),
	}, isolated)

	require.Equal(t, 0, h.run(t), h.stderr.String())
	assert.Equal(t, "payload\n-1\nTrue app.frozen\n", h.stdout.String())
}

func TestCompileBootstrap(t *testing.T) {
	code, err := CompileBootstrap()
	require.NoError(t, err)
	assert.NotContains(t, string(code), "_bootstrap()\n", "bootstrap is stored compiled, not as text")

	prog, err := starlark.CompiledProgram(bytes.NewReader(code))
	require.NoError(t, err)
	assert.Equal(t, BootstrapFilename, prog.Filename())
}

func TestTraceback_SyntheticFilename(t *testing.T) {
	const failing = "def f():\n    fail('boom')\n\nf()\n"
	for _, tc := range []struct {
		name  string
		asset asset
	}{
		{"source", src(failing)},
		{"compiled", compiled(failing)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h, _, libDir := install(t, map[string]asset{
				"app/__init__.star": src(""),
				"app/main.star":     tc.asset,
			}, isolated)

			assert.Equal(t, runtime.StatusError, h.run(t))
			stderr := h.stderr.String()
			mainFile := filepath.Join(libDir, testDataFile, "app", "main.star")
			assert.Contains(t, stderr, mainFile+":2:")
			assert.Contains(t, stderr, mainFile+":4:")
			assert.Contains(t, stderr, "boom")
			assert.NotContains(t, stderr, "<frozen>")
		})
	}
}

func TestGetDataAt_OutOfBounds(t *testing.T) {
	h, _, _ := install(t, map[string]asset{
		"app/main.star": src(strings.Join([]string{
			`load("_frozen_importer", "get_data_at")`,
			`get_data_at(1 << 62, 1 << 62)`,
		}, "\n")),
	}, isolated)

	assert.Equal(t, runtime.StatusError, h.run(t))
	assert.Contains(t, h.stderr.String(), "out of bounds")
}

func TestGetDataAt_NotOpen(t *testing.T) {
	_, m := buildFixture(t, map[string]asset{
		"app/main.star": src(""),
	})
	h := bringUp(t, m, isolated)

	prog, err := runtime.CompileModule(BootstrapFilename, []byte(strings.Join([]string{
		`load("_frozen_importer", "get_data_at")`,
		`get_data_at(0, 1)`,
	}, "\n")))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, prog.Write(&buf))

	err = h.rt.ExecBootstrap(buf.Bytes(), BootstrapFilename, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, datafile.ErrNotOpen)
}
