// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package runtime

import (
	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// structModule exposes a library module both ways:
// load("json", "json") and load("json", "encode").
func structModule(m *starlarkstruct.Module) ExtensionFactory {
	return func(*Runtime) (starlark.StringDict, error) {
		members := make(starlark.StringDict, len(m.Members)+1)
		for k, v := range m.Members {
			members[k] = v
		}
		members[m.Name] = m
		return members, nil
	}
}

func stdlibModules() map[string]ExtensionFactory {
	return map[string]ExtensionFactory{
		"json": structModule(json.Module),
		"math": structModule(math.Module),
		"time": structModule(time.Module),
	}
}
