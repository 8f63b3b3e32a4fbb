// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package runtime

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// EncodingUTF8 is the only text encoding supported.
const EncodingUTF8 = "utf-8"

// PreConfig is applied before anything else about the runtime is known.
type PreConfig struct {
	// Encoding is the text encoding for source and standard streams.
	Encoding string
	// CoerceLocale switches a C or POSIX locale to C.UTF-8 for the
	// process.
	CoerceLocale bool
}

// Config is the full runtime configuration.
type Config struct {
	// Program is the name the application is invoked as.
	Program string
	// Executable is the path of the running launcher.
	Executable string
	// Home is the install-root hint; the library directory lives under it.
	Home string
	// MainModule is the dotted name of the module RunMain executes.
	MainModule string
	// Args are the arguments following the program name.
	Args []string

	// Isolated implies IgnoreEnvironment and NoUserSite.
	Isolated bool
	// IgnoreEnvironment hides the process environment from sys.environ.
	IgnoreEnvironment bool
	// NoUserSite skips the usercustomize module.
	NoUserSite bool
	// WriteBytecode is reported through sys.flags. Nothing is ever written
	// when running from a frozen store.
	WriteBytecode bool

	Stdout io.Writer
	Stderr io.Writer
}

func (c *Config) normalize() error {
	if c.MainModule == "" {
		return fmt.Errorf("runtime: no main module configured")
	}
	if c.Isolated {
		c.IgnoreEnvironment = true
		c.NoUserSite = true
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	return nil
}

func (p PreConfig) validate() error {
	if enc := strings.ToLower(strings.ReplaceAll(p.Encoding, "_", "-")); enc != EncodingUTF8 && enc != "utf8" {
		return fmt.Errorf("runtime: unsupported text encoding %q", p.Encoding)
	}
	return nil
}

// localeVars are consulted in priority order, as setlocale does.
var localeVars = []string{"LC_ALL", "LC_CTYPE", "LANG"}

func coerceLocale() bool {
	for _, name := range localeVars {
		if v := os.Getenv(name); v != "" {
			if v != "C" && v != "POSIX" {
				return false
			}
			break
		}
	}
	if os.Getenv("LC_ALL") != "" {
		// LC_ALL overrides LC_CTYPE, so coercion cannot take effect
		return false
	}
	return os.Setenv("LC_CTYPE", "C.UTF-8") == nil
}
