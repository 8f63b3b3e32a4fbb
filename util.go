// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package freeze

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

type stringSet map[string]struct{}

func (set stringSet) Contains(s string) bool {
	_, ok := set[s]
	return ok
}

func (set stringSet) Add(s string) {
	set[s] = struct{}{}
}

// NormalizeKey turns a path relative to the application root into an asset
// key: forward slashes, cleaned, relative, and never escaping the root.
func NormalizeKey(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty asset key")
	}
	key := filepath.ToSlash(name)
	if path.IsAbs(key) || filepath.IsAbs(name) {
		return "", fmt.Errorf("asset key %q must be relative", name)
	}
	key = path.Clean(key)
	if key == "." || key == ".." || strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("asset key %q escapes the application root", name)
	}
	return key, nil
}

// ModuleForKey returns the dotted module name a source key is loaded as.
func ModuleForKey(key string) (string, bool) {
	base, ok := strings.CutSuffix(key, sourceExt)
	if !ok {
		return "", false
	}
	base = strings.TrimSuffix(base, "/"+initModule)
	if base == initModule || base == "" {
		return "", false
	}
	return strings.ReplaceAll(base, "/", "."), true
}
