// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package freeze

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/bpowers/freeze/internal/manifest"
)

// ConfigFile is the conventional name of a build configuration.
const ConfigFile = "freeze.yaml"

// Config describes how to freeze one application. Relative paths are
// resolved against the directory containing the configuration file.
type Config struct {
	Name       string   `yaml:"name"`
	Main       string   `yaml:"main"`
	Root       string   `yaml:"root"`
	LibDir     string   `yaml:"lib"`
	Precompile bool     `yaml:"precompile"`
	DevelopEnv string   `yaml:"develop_env,omitempty"`
	Exclude    []string `yaml:"exclude,omitempty"`

	dir string
}

// LoadConfig reads and parses a build configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("filepath.Abs: %w", err)
	}
	cfg.dir = filepath.Dir(abs)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.Main == "" {
		return errors.New("main is required")
	}
	return nil
}

func (c *Config) resolve(p, def string) string {
	if p == "" {
		p = def
	}
	if filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// RootDir returns the directory holding the application's files.
func (c *Config) RootDir() string {
	return c.resolve(c.Root, ".")
}

// OutputDir returns the directory the data file and manifest are written to.
func (c *Config) OutputDir() string {
	return c.resolve(c.LibDir, "lib")
}

// BuilderOptions returns the options that apply c to a Builder.
func (c *Config) BuilderOptions() []BuilderOption {
	return []BuilderOption{
		WithProgram(c.Name),
		WithMainModule(c.Main),
		WithPrecompile(c.Precompile),
		WithDevelopEnv(c.DevelopEnv),
	}
}

// Build freezes the application c describes. The output directory is never
// scanned, even when it lies under the root.
func Build(c *Config, logger *slog.Logger) (*manifest.Manifest, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	opts := c.BuilderOptions()
	if logger != nil {
		opts = append(opts, WithBuilderLogger(logger))
	}

	root, out := c.RootDir(), c.OutputDir()
	exclude := append([]string(nil), c.Exclude...)
	if rel, err := filepath.Rel(root, out); err == nil && filepath.IsLocal(rel) {
		exclude = append(exclude, filepath.ToSlash(rel))
	}

	b, err := NewBuilder(out, opts...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = b.Close() }()

	if err := b.AddDir(root, exclude...); err != nil {
		return nil, fmt.Errorf("AddDir(%s): %w", root, err)
	}
	return b.Finalize()
}
