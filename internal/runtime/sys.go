// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package runtime

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// ExitError is returned through the interpreter when the application calls
// sys.exit.
type ExitError struct {
	Code int
	// Msg is printed to stderr when sys.exit is called with a string.
	Msg string
}

func (e *ExitError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func sysExit(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var code starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &code); err != nil {
		return nil, err
	}
	switch c := code.(type) {
	case starlark.NoneType:
		return nil, &ExitError{Code: 0}
	case starlark.Int:
		n, ok := c.Int64()
		if !ok {
			return nil, fmt.Errorf("%s: exit code out of range", b.Name())
		}
		return nil, &ExitError{Code: int(n)}
	case starlark.String:
		return nil, &ExitError{Code: 1, Msg: string(c)}
	default:
		return nil, fmt.Errorf("%s: got %s, want int, string or None", b.Name(), code.Type())
	}
}

func (rt *Runtime) sysModule() (starlark.StringDict, error) {
	cfg := rt.cfg

	argv := make([]starlark.Value, 0, len(cfg.Args)+1)
	argv = append(argv, starlark.String(cfg.Program))
	for _, a := range cfg.Args {
		argv = append(argv, starlark.String(a))
	}

	environ := starlark.NewDict(0)
	if !cfg.IgnoreEnvironment {
		env := os.Environ()
		sort.Strings(env)
		for _, kv := range env {
			k, v, _ := strings.Cut(kv, "=")
			if err := environ.SetKey(starlark.String(k), starlark.String(v)); err != nil {
				return nil, fmt.Errorf("environ.SetKey: %w", err)
			}
		}
	}

	flags := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"isolated":            starlark.Bool(cfg.Isolated),
		"ignore_environment":  starlark.Bool(cfg.IgnoreEnvironment),
		"no_user_site":        starlark.Bool(cfg.NoUserSite),
		"dont_write_bytecode": starlark.Bool(!cfg.WriteBytecode),
	})

	members := starlark.StringDict{
		"argv":       starlark.NewList(argv),
		"executable": starlark.String(cfg.Executable),
		"home":       starlark.String(cfg.Home),
		"frozen":     starlark.True,
		"encoding":   starlark.String(EncodingUTF8),
		"environ":    environ,
		"flags":      flags,
		"exit":       starlark.NewBuiltin("sys.exit", sysExit),
	}
	members.Freeze()
	return members, nil
}
