// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package freeze

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

// LauncherFile is the name of the generated launcher source.
const LauncherFile = "main.go"

//go:embed launcher.go.tmpl
var launcherSource string

var launcherTemplate = template.Must(template.New("launcher").Parse(launcherSource))

type launcherParams struct {
	Manifest string
	LibDir   string
}

// GenerateLauncher writes a main package to dir that embeds the manifest at
// manifestPath and runs it. The manifest is copied next to the generated
// source, as go:embed requires. An empty libDir means the default of "lib"
// next to the executable.
func GenerateLauncher(dir, manifestPath, libDir string) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("os.ReadFile: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("os.MkdirAll: %w", err)
	}

	name := filepath.Base(manifestPath)
	var src bytes.Buffer
	if err := launcherTemplate.Execute(&src, launcherParams{Manifest: name, LibDir: libDir}); err != nil {
		return fmt.Errorf("launcherTemplate.Execute: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("os.WriteFile: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, LauncherFile), src.Bytes(), 0o644); err != nil {
		return fmt.Errorf("os.WriteFile: %w", err)
	}
	return nil
}
