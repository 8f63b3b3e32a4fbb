// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package lifecycle drives a frozen application from process start to
// exit: pre-initialization, configuration, loader installation, running
// the main module and releasing everything acquired along the way.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bpowers/freeze/internal/datafile"
	"github.com/bpowers/freeze/internal/loader"
	"github.com/bpowers/freeze/internal/manifest"
	"github.com/bpowers/freeze/internal/runtime"
)

// StatusBootstrapFailure is the exit status when the application could not
// be started.
const StatusBootstrapFailure = 1

// DefaultLibDir is the library directory name next to the executable.
const DefaultLibDir = "lib"

// Option configures a Controller.
type Option func(*options)

type options struct {
	libDir     string
	executable string
	args       []string
	stdout     io.Writer
	stderr     io.Writer
	terminal   *os.File
	logger     *slog.Logger
}

// WithLibDir sets the directory containing the data file. It defaults to
// DefaultLibDir next to the executable.
func WithLibDir(dir string) Option {
	return func(opts *options) {
		opts.libDir = dir
	}
}

// WithExecutable overrides the path reported as the running executable.
func WithExecutable(path string) Option {
	return func(opts *options) {
		opts.executable = path
	}
}

// WithArgs sets the arguments passed to the application.
func WithArgs(args []string) Option {
	return func(opts *options) {
		opts.args = args
	}
}

// WithOutput sets the application's standard output and error.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(opts *options) {
		opts.stdout = stdout
		opts.stderr = stderr
	}
}

// WithTerminal sets the file whose terminal state is saved at startup and
// restored at exit. Pass nil to disable.
func WithTerminal(f *os.File) Option {
	return func(opts *options) {
		opts.terminal = f
	}
}

// WithLogger sets the logger used for lifecycle progress.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Controller owns every process-lifetime resource of a frozen application.
// It is driven from a single goroutine.
type Controller struct {
	phase Phase

	m          *manifest.Manifest
	libDir     string
	executable string
	args       []string
	stdout     io.Writer
	stderr     io.Writer
	terminal   *os.File
	logger     *slog.Logger

	store     *datafile.Store
	rt        *runtime.Runtime
	installer *loader.Installer
	screen    *presentation
}

func New(m *manifest.Manifest, opts ...Option) *Controller {
	o := options{
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		terminal: os.Stdin,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Controller{
		m:          m,
		libDir:     o.libDir,
		executable: o.executable,
		args:       o.args,
		stdout:     o.stdout,
		stderr:     o.stderr,
		terminal:   o.terminal,
		logger:     o.logger,
	}
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	return c.phase
}

// Store returns the data store. It is nil before PreInitialize.
func (c *Controller) Store() *datafile.Store {
	return c.store
}

func (c *Controller) advance(to Phase) error {
	if !canTransition(c.phase, to) {
		return &TransitionError{From: c.phase, To: to}
	}
	c.logger.Debug("lifecycle transition", "from", c.phase, "to", to)
	c.phase = to
	return nil
}

func (c *Controller) expect(from, to Phase) error {
	if c.phase != from {
		return &TransitionError{From: c.phase, To: to}
	}
	return nil
}

// PreInitialize registers the frozen loader's extension modules and
// applies the baseline runtime settings.
func (c *Controller) PreInitialize() error {
	if err := c.expect(Unstarted, PreInitialized); err != nil {
		return err
	}

	c.screen = savePresentation(c.terminal)

	if c.executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("os.Executable: %w", err)
		}
		c.executable = exe
	}
	if c.libDir == "" {
		c.libDir = filepath.Join(filepath.Dir(c.executable), DefaultLibDir)
	}

	c.store = datafile.NewStore(c.m.Tree, c.m.BuildID)
	c.installer = loader.NewInstaller(c.m, c.store, loader.WithLogger(c.logger))
	rt := runtime.New(runtime.WithLogger(c.logger))
	if err := c.installer.Register(rt); err != nil {
		return fmt.Errorf("installer.Register: %w", err)
	}
	if err := rt.PreConfigure(runtime.PreConfig{Encoding: runtime.EncodingUTF8, CoerceLocale: true}); err != nil {
		return fmt.Errorf("rt.PreConfigure: %w", err)
	}
	c.rt = rt

	return c.advance(PreInitialized)
}

// Configure builds the isolated runtime configuration and brings up the
// core runtime.
func (c *Controller) Configure() error {
	if err := c.expect(PreInitialized, Configured); err != nil {
		return err
	}

	cfg := runtime.Config{
		Program:       c.m.Program,
		Executable:    c.executable,
		Home:          filepath.Dir(c.libDir),
		MainModule:    c.m.MainModule,
		Args:          c.args,
		Isolated:      true,
		WriteBytecode: false,
		Stdout:        c.stdout,
		Stderr:        c.stderr,
	}
	if err := c.rt.Configure(cfg); err != nil {
		c.rt = nil
		return fmt.Errorf("rt.Configure: %w", err)
	}
	if err := c.rt.InitializeCore(); err != nil {
		c.rt = nil
		return fmt.Errorf("rt.InitializeCore: %w", err)
	}

	return c.advance(Configured)
}

// InstallLoader runs the precompiled bootstrap program, which opens the
// data file and installs the frozen loader.
func (c *Controller) InstallLoader() error {
	if err := c.expect(Configured, LoaderInstalled); err != nil {
		return err
	}

	if c.m.BootstrapVersion != loader.BootstrapVersion {
		return fmt.Errorf("bootstrap version %d is not supported (want %d)", c.m.BootstrapVersion, loader.BootstrapVersion)
	}
	if err := c.rt.ExecBootstrap(c.m.Bootstrap, loader.BootstrapFilename, loader.BootstrapEnv(c.libDir)); err != nil {
		return err
	}
	if !c.rt.HasImporter() {
		return errors.New("bootstrap completed without installing the frozen loader")
	}

	return c.advance(LoaderInstalled)
}

// RunMain finishes runtime bring-up and runs the main module, blocking
// until it returns. The error is non-nil only if the main module could
// not be started; the application's own failures are reported through the
// status.
func (c *Controller) RunMain() (int, error) {
	if err := c.expect(LoaderInstalled, MainRunning); err != nil {
		return 0, err
	}
	if err := c.rt.InitializeMain(); err != nil {
		return 0, fmt.Errorf("rt.InitializeMain: %w", err)
	}
	if err := c.advance(MainRunning); err != nil {
		return 0, err
	}
	return c.rt.RunMain(), nil
}

// release frees the store mapping and presentation state. It is safe to
// call more than once.
func (c *Controller) release() {
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Warn("closing data store", "err", err)
		}
	}
	if err := c.screen.restore(); err != nil {
		c.logger.Warn("restoring terminal state", "err", err)
	}
}

// Terminate releases every acquired resource and returns status.
func (c *Controller) Terminate(status int) (int, error) {
	if err := c.advance(Terminated); err != nil {
		return status, err
	}
	c.release()
	return status, nil
}

// fail is the fatal path for any failure before the main module runs.
func (c *Controller) fail(err error) int {
	phase := c.phase
	mapName := func(name string) string { return name }
	if c.rt != nil {
		mapName = c.rt.DiagnosticFilename
	}
	writeDiagnostics(c.stderr, phase, err, mapName)
	c.logger.Error("bootstrap failed", "phase", phase, "err", err)
	c.release()
	c.phase = Terminated
	return StatusBootstrapFailure
}

// Run drives every phase in order and returns the process exit status.
func (c *Controller) Run() int {
	defer c.release()

	for _, step := range []func() error{c.PreInitialize, c.Configure, c.InstallLoader} {
		if err := step(); err != nil {
			return c.fail(err)
		}
	}
	status, err := c.RunMain()
	if err != nil {
		return c.fail(err)
	}
	status, err = c.Terminate(status)
	if err != nil {
		return c.fail(err)
	}
	return status
}
