// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bitset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitset(t *testing.T) {
	b := New(100)

	require.Equal(t, 2, len(b.words))
	require.Equal(t, uint32(100), b.Len())

	// out of range: ignored
	b.Set(132)
	require.Equal(t, 0, b.Count())

	require.False(t, b.IsSet(7))
	b.Set(7)
	require.True(t, b.IsSet(7))
	b.Set(64)
	require.True(t, b.IsSet(64))
	require.Equal(t, 2, b.Count())
	b.Clear(7)
	require.False(t, b.IsSet(7))
	require.True(t, b.IsSet(64))
	b.Clear(64)
	require.Equal(t, []uint64{0, 0}, b.words)

	for i := uint32(0); i < 100; i++ {
		b.Set(i)
	}
	require.Equal(t, 100, b.Count())

	b.Clear(137)
	require.Equal(t, 100, b.Count())
	require.False(t, b.IsSet(100))
}
