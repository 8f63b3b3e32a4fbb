// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	flagLibDir = ""
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	// running the application may coerce the locale
	t.Setenv("LC_CTYPE", os.Getenv("LC_CTYPE"))

	dir := t.TempDir()
	for name, content := range map[string]string{
		"freeze.yaml":           "name: hello\nmain: hello.main\nlib: lib\nexclude: [freeze.yaml]\n",
		"hello/__init__.star":   "",
		"hello/main.star":       "load('sys', 'argv', 'exit')\nprint('hello', argv[1])\nexit(len(argv) - 1)\n",
		"hello/assets/logo.txt": "<logo>",
	} {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	launcher := filepath.Join(dir, "cmd", "hello")
	manifestPath := filepath.Join(dir, "lib", "hello.manifest")

	out, err := execute(t, "build", "-c", filepath.Join(dir, "freeze.yaml"), "--launcher", launcher)
	require.NoError(t, err, out)
	assert.Contains(t, out, "froze 3 assets")
	assert.FileExists(t, filepath.Join(launcher, "main.go"))
	assert.FileExists(t, filepath.Join(launcher, "hello.manifest"))

	out, err = execute(t, "ls", "--modules", manifestPath)
	require.NoError(t, err)
	assert.Contains(t, out, "hello/main.star")
	assert.Contains(t, out, "hello.main")
	assert.Contains(t, out, "hello/assets/logo.txt")

	out, err = execute(t, "cat", manifestPath, "hello/assets/logo.txt")
	require.NoError(t, err)
	assert.Equal(t, "<logo>", out)

	_, err = execute(t, "cat", manifestPath, "hello/missing.txt")
	assert.ErrorContains(t, err, "no asset")

	out, err = execute(t, "tree", manifestPath)
	require.NoError(t, err)
	assert.Equal(t, "hello/\n  __init__.star\n  assets/\n    logo.txt\n  main.star\n", out)

	out, err = execute(t, "verify", manifestPath)
	require.NoError(t, err)
	assert.Contains(t, out, "ok: 3 assets")

	out, err = execute(t, "run", manifestPath, "--", "world")
	var status exitStatus
	require.True(t, errors.As(err, &status), "%v", err)
	assert.Equal(t, exitStatus(1), status)
	assert.Contains(t, out, "hello world\n")
}
