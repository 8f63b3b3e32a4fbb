// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package unsafestring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToBytes(t *testing.T) {
	for _, input := range []string{
		"",
		"abc",
		"app/__init__",
		"😀",
	} {
		allocs := testing.AllocsPerRun(1, func() {
			b := ToBytes(input)
			if input != string(b) {
				t.Fatal("expected contents equal")
			}
			if len(input) != len(b) {
				t.Fatal("expected lens equal")
			}
		})
		require.Zero(t, allocs)
	}
}
