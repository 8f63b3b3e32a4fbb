// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"errors"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAsset struct {
	value []byte
	off   uint64
	size  uint64
}

// writeTestFile writes values to a data file under t.TempDir and returns
// its path, contents, build ID and where each value landed.
func writeTestFile(t *testing.T, values [][]byte) (string, []byte, BuildID, []testAsset) {
	t.Helper()

	var fileBytes safeBuffer
	w, err := NewWriter(&fileBytes)
	require.NoError(t, err)

	assets := make([]testAsset, 0, len(values))
	for _, v := range values {
		off, size, err := w.Write(v)
		require.NoError(t, err)
		assets = append(assets, testAsset{value: v, off: off, size: size})
	}
	require.NoError(t, w.Finish())

	contents := []byte(fileBytes.String())
	path := filepath.Join(t.TempDir(), "lib.frozen")
	require.NoError(t, os.WriteFile(path, contents, 0o444))

	return path, contents, w.BuildID(), assets
}

func testValues() [][]byte {
	return [][]byte{
		[]byte("print('hi')\n"),
		{},
		[]byte("x"),
		[]byte(strings.Repeat("abcdefg", 1000)),
		{0, 1, 2, 3, 4, 5, 6, 7, 8},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	path, _, id, assets := writeTestFile(t, testValues())

	tree := []byte("tree bytes")
	s := NewStore(tree, id)
	got, err := s.Open(path)
	require.NoError(t, err)
	assert.Equal(t, tree, got)
	assert.True(t, s.IsOpen())

	for _, a := range assets {
		v, err := s.Read(a.off, a.size)
		require.NoError(t, err)
		assert.Equal(t, len(a.value), len(v))
		if len(a.value) > 0 {
			assert.Equal(t, a.value, v)
		}
	}

	fileID, err := s.BuildID()
	require.NoError(t, err)
	assert.Equal(t, id, fileID)

	n, err := s.AssetCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(assets)), n)

	require.NoError(t, s.Close())
	assert.False(t, s.IsOpen())
	assert.Equal(t, 0, s.Len())

	_, err = s.Read(assets[0].off, assets[0].size)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestStore_ReadBeforeOpen(t *testing.T) {
	s := NewStore(nil, BuildID{})
	_, err := s.Read(fileHeaderSize, 1)
	assert.ErrorIs(t, err, ErrNotOpen)

	_, err = s.BuildID()
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = s.AssetCount()
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, s.Verify(nil), ErrNotOpen)
}

func TestStore_CloseIdempotent(t *testing.T) {
	// without a prior Open
	s := NewStore(nil, BuildID{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	path, _, id, _ := writeTestFile(t, testValues())
	s = NewStore(nil, id)
	_, err := s.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestStore_OpenMissingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.frozen")

	s := NewStore(nil, BuildID{})
	_, err := s.Open(path)
	require.Error(t, err)

	var openErr *OpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, path, openErr.Path)
	assert.Contains(t, err.Error(), path)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	assert.False(t, s.IsOpen())
	_, err = s.Read(fileHeaderSize, 0)
	assert.ErrorIs(t, err, ErrNotOpen)
	require.NoError(t, s.Close())
}

func TestStore_OpenErrors(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("too short"), 0o644))
	_, err := NewStore(nil, BuildID{}).Open(short)
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, make([]byte, 4096), 0o644))
	_, err = NewStore(nil, BuildID{}).Open(garbage)
	assert.Error(t, err)

	path, contents, id, _ := writeTestFile(t, testValues())

	truncated := filepath.Join(dir, "truncated")
	require.NoError(t, os.WriteFile(truncated, contents[:len(contents)-1], 0o644))
	_, err = NewStore(nil, id).Open(truncated)
	assert.Error(t, err)

	wrongID := id
	wrongID[0] ^= 0xff
	s := NewStore(nil, wrongID)
	_, err = s.Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build ID mismatch")
	assert.False(t, s.IsOpen())

	// the zero build ID accepts any data file
	s = NewStore(nil, BuildID{})
	_, err = s.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestStore_OpenOnce(t *testing.T) {
	path, _, id, _ := writeTestFile(t, testValues())

	s := NewStore(nil, id)
	_, err := s.Open(path)
	require.NoError(t, err)

	_, err = s.Open(path)
	assert.ErrorIs(t, err, ErrAlreadyOpen)
	assert.True(t, s.IsOpen())

	require.NoError(t, s.Close())
	_, err = s.Open(path)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStore_ConcurrentReads(t *testing.T) {
	values := make([][]byte, 0, 64)
	for i := 0; i < 64; i++ {
		v := make([]byte, 100+i*37)
		for j := range v {
			v[j] = byte(i + j)
		}
		values = append(values, v)
	}
	path, contents, id, _ := writeTestFile(t, values)

	s := NewStore(nil, id)
	_, err := s.Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	type rng struct{ off, size uint64 }
	r := rand.New(rand.NewSource(1))
	ranges := make([]rng, 2000)
	for i := range ranges {
		off := uint64(fileHeaderSize + r.Intn(len(contents)-fileHeaderSize))
		size := uint64(r.Intn(len(contents) - int(off) + 1))
		ranges[i] = rng{off, size}
	}

	// workers stride by 3, so most ranges are read by more than one goroutine
	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(ranges); i += 3 {
				rg := ranges[i]
				got, err := s.Read(rg.off, rg.size)
				if err != nil {
					errs <- err
					return
				}
				if string(got) != string(contents[rg.off:rg.off+rg.size]) {
					errs <- errors.New("read does not match baseline")
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestStore_Verify(t *testing.T) {
	path, _, id, assets := writeTestFile(t, testValues())

	s := NewStore(nil, id)
	_, err := s.Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	extents := make([]Extent, 0, len(assets))
	for _, a := range assets {
		extents = append(extents, Extent{Offset: a.off, Size: a.size, Checksum: Checksum(a.value)})
	}
	require.NoError(t, s.Verify(extents))

	bad := append([]Extent(nil), extents...)
	bad[0].Checksum++
	assert.Error(t, s.Verify(bad))

	bad = append([]Extent(nil), extents...)
	bad[3].Size = uint64(s.Len())
	assert.Error(t, s.Verify(bad))

	assert.Error(t, s.Verify([]Extent{{Offset: 0, Size: 1}}))
}

func TestMapFile(t *testing.T) {
	content := []byte(strings.Repeat("frozen application data ", 1000))
	path := filepath.Join(t.TempDir(), "mapped")
	require.NoError(t, os.WriteFile(path, content, 0o444))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	data, err := mapFile(f, len(content))
	require.NoError(t, err)
	assert.Equal(t, content, data)
	require.NoError(t, unmapFile(data))
	require.NoError(t, unmapFile(nil))
}
