// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"go.starlark.net/starlark"
)

// writeDiagnostics renders err without relying on the interpreter's own
// formatting, which may not be usable when bring-up failed. mapName turns
// recorded filenames into the ones shown.
func writeDiagnostics(w io.Writer, phase Phase, err error, mapName func(string) string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Failed to start the application during %s\n", phase)

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) && len(evalErr.CallStack) > 0 {
		b.WriteString("Traceback (most recent call last):\n")
		for _, fr := range evalErr.CallStack {
			switch {
			case !fr.Pos.IsValid():
				fmt.Fprintf(&b, "  File <unknown>, in %s\n", fr.Name)
			case fr.Pos.Line == 0:
				// builtins have no line
				fmt.Fprintf(&b, "  File %q, in %s\n", mapName(fr.Pos.Filename()), fr.Name)
			default:
				fmt.Fprintf(&b, "  File %q, line %d, in %s\n", mapName(fr.Pos.Filename()), fr.Pos.Line, fr.Name)
			}
		}
	}
	fmt.Fprintf(&b, "Error: %v\n", err)

	_, _ = io.WriteString(w, b.String())
}
