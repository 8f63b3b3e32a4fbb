// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package runtime embeds the Starlark interpreter behind a fixed bring-up
// contract: register extension modules, pre-configure, configure, bring
// up the core, run a bootstrap program, accept an importer, then run the
// main module.
package runtime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// StatusError is the exit status for an uncaught error in the application.
const StatusError = 1

// ErrNoModule is matched by errors.Is when an importer cannot find a module.
var ErrNoModule = errors.New("no such module")

// ExtensionFactory creates an extension module's members. Factories run
// once, during InitializeCore.
type ExtensionFactory func(rt *Runtime) (starlark.StringDict, error)

// Importer resolves load statements once the loader is installed.
type Importer interface {
	// Load returns the globals of module, executing it at most once.
	Load(thread *starlark.Thread, module string) (starlark.StringDict, error)
	// Exec executes module without caching it, under the given __name__.
	Exec(thread *starlark.Thread, module, name string) (starlark.StringDict, error)
}

// FilenameMapper is implemented by importers whose programs record
// filenames other than the ones diagnostics should show.
type FilenameMapper interface {
	DiagnosticFilename(name string) string
}

type phase int

const (
	phaseNew phase = iota
	phasePreConfigured
	phaseConfigured
	phaseCore
	phaseMain
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseNew:
		return "new"
	case phasePreConfigured:
		return "pre-configured"
	case phaseConfigured:
		return "configured"
	case phaseCore:
		return "core"
	case phaseMain:
		return "main"
	case phaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Option configures a Runtime.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for bring-up progress.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Runtime is a single embedded interpreter instance.
type Runtime struct {
	phase  phase
	logger *slog.Logger

	factories map[string]ExtensionFactory
	modules   map[string]starlark.StringDict

	pre PreConfig
	cfg Config

	importer Importer
	thread   *starlark.Thread
}

func New(opts ...Option) *Runtime {
	var o options
	o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, opt := range opts {
		opt(&o)
	}

	rt := &Runtime{
		logger:    o.logger,
		factories: make(map[string]ExtensionFactory),
		modules:   make(map[string]starlark.StringDict),
	}
	for name, f := range stdlibModules() {
		rt.factories[name] = f
	}
	rt.factories["sys"] = (*Runtime).sysModule
	return rt
}

func (rt *Runtime) require(p phase, op string) error {
	if rt.phase != p {
		return fmt.Errorf("runtime: %s called in phase %s, want %s", op, rt.phase, p)
	}
	return nil
}

// RegisterExtension adds a module to the extension table. Extensions must
// be registered before InitializeCore, which instantiates them.
func (rt *Runtime) RegisterExtension(name string, factory ExtensionFactory) error {
	if rt.phase >= phaseCore {
		return fmt.Errorf("runtime: extension %q registered after core initialization", name)
	}
	if name == "" || factory == nil {
		return errors.New("runtime: extension needs a name and a factory")
	}
	if _, ok := rt.factories[name]; ok {
		return fmt.Errorf("runtime: extension %q already registered", name)
	}
	rt.factories[name] = factory
	return nil
}

// PreConfigure applies the baseline settings.
func (rt *Runtime) PreConfigure(pre PreConfig) error {
	if err := rt.require(phaseNew, "PreConfigure"); err != nil {
		return err
	}
	if err := pre.validate(); err != nil {
		return err
	}
	if pre.CoerceLocale {
		if coerceLocale() {
			rt.logger.Debug("coerced locale", "LC_CTYPE", "C.UTF-8")
		}
	}
	rt.pre = pre
	rt.phase = phasePreConfigured
	return nil
}

// Configure records the full configuration. The configuration is only
// committed if it is valid.
func (rt *Runtime) Configure(cfg Config) error {
	if err := rt.require(phasePreConfigured, "Configure"); err != nil {
		return err
	}
	cfg.Args = append([]string(nil), cfg.Args...)
	if err := cfg.normalize(); err != nil {
		return err
	}
	rt.cfg = cfg
	rt.phase = phaseConfigured
	return nil
}

// Config returns the committed configuration.
func (rt *Runtime) Config() Config {
	return rt.cfg
}

// InitializeCore instantiates every registered extension module.
func (rt *Runtime) InitializeCore() error {
	if err := rt.require(phaseConfigured, "InitializeCore"); err != nil {
		return err
	}

	names := make([]string, 0, len(rt.factories))
	for name := range rt.factories {
		names = append(names, name)
	}
	sort.Strings(names)

	modules := make(map[string]starlark.StringDict, len(names))
	for _, name := range names {
		members, err := rt.factories[name](rt)
		if err != nil {
			return fmt.Errorf("runtime: extension %q: %w", name, err)
		}
		modules[name] = members
	}
	rt.modules = modules

	rt.thread = rt.newThread("main")
	rt.phase = phaseCore
	rt.logger.Debug("core initialized", "extensions", names)
	return nil
}

// Extension returns the members of an instantiated extension module.
func (rt *Runtime) Extension(name string) (starlark.StringDict, bool) {
	members, ok := rt.modules[name]
	return members, ok
}

// Extensions lists instantiated extension module names, sorted.
func (rt *Runtime) Extensions() []string {
	names := make([]string, 0, len(rt.modules))
	for name := range rt.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (rt *Runtime) newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			_, _ = fmt.Fprintln(rt.cfg.Stdout, msg)
		},
		Load: rt.loadExtension,
	}
}

// NewThread returns a thread for executing application code, printing to
// the configured stdout and loading through the installed importer.
func (rt *Runtime) NewThread(name string) *starlark.Thread {
	t := rt.newThread(name)
	if rt.importer != nil {
		t.Load = rt.importer.Load
	}
	return t
}

func (rt *Runtime) loadExtension(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	if members, ok := rt.modules[module]; ok {
		return members, nil
	}
	return nil, fmt.Errorf("%w: %q is not an extension module and no importer is installed", ErrNoModule, module)
}

// ExecBootstrap executes a program compiled with Program.Write in a private
// namespace whose only predeclared names are those in inject. load
// statements in the bootstrap can only reach extension modules.
func (rt *Runtime) ExecBootstrap(code []byte, filename string, inject starlark.StringDict) error {
	if err := rt.require(phaseCore, "ExecBootstrap"); err != nil {
		return err
	}
	prog, err := starlark.CompiledProgram(bytes.NewReader(code))
	if err != nil {
		return fmt.Errorf("runtime: decoding %s: %w", filename, err)
	}
	thread := rt.newThread(filename)
	if _, err := prog.Init(thread, inject); err != nil {
		return err
	}
	return nil
}

// SetImporter installs the importer used for every load after bootstrap.
func (rt *Runtime) SetImporter(imp Importer) error {
	if err := rt.require(phaseCore, "SetImporter"); err != nil {
		return err
	}
	if rt.importer != nil {
		return errors.New("runtime: importer already installed")
	}
	rt.importer = imp
	rt.thread.Load = imp.Load
	return nil
}

// HasImporter reports whether SetImporter has been called.
func (rt *Runtime) HasImporter() bool {
	return rt.importer != nil
}

// InitializeMain finishes bring-up now that the importer is installed,
// running the usercustomize module when user customization is enabled.
func (rt *Runtime) InitializeMain() error {
	if err := rt.require(phaseCore, "InitializeMain"); err != nil {
		return err
	}
	if rt.importer == nil {
		return errors.New("runtime: InitializeMain without an importer")
	}
	if !rt.cfg.NoUserSite {
		_, err := rt.importer.Load(rt.thread, "usercustomize")
		if err != nil && !errors.Is(err, ErrNoModule) {
			return fmt.Errorf("runtime: usercustomize: %w", err)
		}
	}
	rt.phase = phaseMain
	return nil
}

// RunMain executes the main module as __main__ and returns the process
// exit status: 0 on success, the sys.exit code if one was requested, or
// StatusError after printing a backtrace to stderr.
func (rt *Runtime) RunMain() int {
	if err := rt.require(phaseMain, "RunMain"); err != nil {
		_, _ = fmt.Fprintln(rt.stderr(), err)
		return StatusError
	}
	rt.phase = phaseDone

	rt.logger.Debug("running main module", "module", rt.cfg.MainModule)
	_, err := rt.importer.Exec(rt.thread, rt.cfg.MainModule, MainName)
	return rt.exitStatus(err)
}

func (rt *Runtime) stderr() io.Writer {
	if rt.cfg.Stderr != nil {
		return rt.cfg.Stderr
	}
	return io.Discard
}

func (rt *Runtime) exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		if exit.Msg != "" {
			_, _ = fmt.Fprintln(rt.stderr(), exit.Msg)
		}
		return exit.Code
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		_, _ = fmt.Fprintln(rt.stderr(), Relocate(evalErr, rt.DiagnosticFilename).Backtrace())
	} else {
		_, _ = fmt.Fprintf(rt.stderr(), "Error: %v\n", err)
	}
	return StatusError
}

// DiagnosticFilename returns the name diagnostics show for a filename
// recorded in a program, as decided by the installed importer.
func (rt *Runtime) DiagnosticFilename(name string) string {
	if m, ok := rt.importer.(FilenameMapper); ok {
		return m.DiagnosticFilename(name)
	}
	return name
}

// Relocate returns a copy of e whose call stack filenames are passed through
// mapName. e is returned as is when no filename changes.
func Relocate(e *starlark.EvalError, mapName func(string) string) *starlark.EvalError {
	var stack starlark.CallStack
	for i, fr := range e.CallStack {
		name := fr.Pos.Filename()
		mapped := mapName(name)
		if mapped == name {
			continue
		}
		if stack == nil {
			stack = slices.Clone(e.CallStack)
		}
		stack[i].Pos = syntax.MakePosition(&mapped, fr.Pos.Line, fr.Pos.Col)
	}
	if stack == nil {
		return e
	}
	relocated := *e
	relocated.CallStack = stack
	return &relocated
}
