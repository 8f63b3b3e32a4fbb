// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

var (
	// ErrNotOpen is returned by Read before a successful Open.
	ErrNotOpen = errors.New("datafile: store is not open")

	// ErrAlreadyOpen is returned by a second Open on the same Store.
	ErrAlreadyOpen = errors.New("datafile: store already opened")

	// ErrClosed is returned by Open after Close.
	ErrClosed = errors.New("datafile: store is closed")
)

// OpenError describes a failure to open, size, map or validate a data file.
type OpenError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("datafile: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

type mapping struct {
	f    *os.File
	data []byte
	h    fileHeader
}

// Store owns the read-only mapping of a data file for the life of a
// process. Reads are lock-free: the mapping is immutable once published
// and never remapped.
type Store struct {
	tree    []byte
	buildID BuildID

	mu     sync.Mutex // serializes Open and Close
	closed bool
	m      atomic.Pointer[mapping]
}

// NewStore returns a Store that will only accept a data file whose build ID
// matches buildID. A zero buildID accepts any data file. tree is the
// encoded directory tree returned by a successful Open.
func NewStore(tree []byte, buildID BuildID) *Store {
	return &Store{
		tree:    tree,
		buildID: buildID,
	}
}

// Open maps the data file at path and returns the directory tree bytes.
// On failure every partially acquired resource is released and the error
// is an *OpenError naming path.
func (s *Store) Open(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &OpenError{Op: "open", Path: path, Err: ErrClosed}
	}
	if s.m.Load() != nil {
		return nil, &OpenError{Op: "open", Path: path, Err: ErrAlreadyOpen}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &OpenError{Op: "open", Path: path, Err: err}
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, &OpenError{Op: "stat", Path: path, Err: err}
	}
	size := fi.Size()
	if size < fileHeaderSize {
		_ = f.Close()
		return nil, &OpenError{Op: "size", Path: path, Err: fmt.Errorf("data file too short: %d < %d", size, fileHeaderSize)}
	}
	if int64(int(size)) != size {
		_ = f.Close()
		return nil, &OpenError{Op: "size", Path: path, Err: fmt.Errorf("data file too large to map: %d bytes", size)}
	}

	data, err := mapFile(f, int(size))
	if err != nil {
		_ = f.Close()
		return nil, &OpenError{Op: "mmap", Path: path, Err: err}
	}

	m := &mapping{f: f, data: data}
	if err := s.validate(m); err != nil {
		_ = m.release()
		return nil, &OpenError{Op: "validate", Path: path, Err: err}
	}

	s.m.Store(m)
	return s.tree, nil
}

func (s *Store) validate(m *mapping) error {
	if err := m.h.UnmarshalBytes(m.data); err != nil {
		return fmt.Errorf("fileHeader.UnmarshalBytes: %w", err)
	}
	if m.h.dataEnd > uint64(len(m.data)) {
		return fmt.Errorf("data file truncated: header claims %d bytes, have %d", m.h.dataEnd, len(m.data))
	}
	if !s.buildID.IsZero() && m.h.buildID != s.buildID {
		return fmt.Errorf("build ID mismatch: data file is %s, expected %s", m.h.buildID, s.buildID)
	}
	return nil
}

func (m *mapping) release() error {
	err := unmapFile(m.data)
	m.data = nil
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Read returns a zero-copy view of size bytes at the absolute offset off.
// The view aliases the read-only mapping and must not be written to or used
// after Close. Offsets come from the manifest, so the only bounds check is
// the one slicing performs.
func (s *Store) Read(off, size uint64) ([]byte, error) {
	m := s.m.Load()
	if m == nil {
		return nil, ErrNotOpen
	}
	return m.data[off : off+size : off+size], nil
}

// IsOpen reports whether a mapping is currently held.
func (s *Store) IsOpen() bool {
	return s.m.Load() != nil
}

// Len returns the size of the mapping, or 0 when not open.
func (s *Store) Len() int {
	if m := s.m.Load(); m != nil {
		return len(m.data)
	}
	return 0
}

// BuildID returns the build ID recorded in the open data file's header.
func (s *Store) BuildID() (BuildID, error) {
	m := s.m.Load()
	if m == nil {
		return BuildID{}, ErrNotOpen
	}
	return m.h.buildID, nil
}

// AssetCount returns the number of assets recorded in the open data file's
// header.
func (s *Store) AssetCount() (uint64, error) {
	m := s.m.Load()
	if m == nil {
		return 0, ErrNotOpen
	}
	return m.h.assetCount, nil
}

// Close unmaps the data file and releases its descriptor. It is safe to
// call without a prior Open and safe to call more than once. Once closed a
// Store cannot be reopened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	m := s.m.Swap(nil)
	if m == nil {
		return nil
	}
	if err := m.release(); err != nil {
		return fmt.Errorf("datafile: release: %w", err)
	}
	return nil
}

// Extent is the location and expected checksum of one asset.
type Extent struct {
	Offset   uint64
	Size     uint64
	Checksum uint64
}

// Verify checks that every extent lies within the data region and that its
// contents match the recorded checksum.
func (s *Store) Verify(extents []Extent) error {
	m := s.m.Load()
	if m == nil {
		return ErrNotOpen
	}
	end := m.h.dataEnd
	for i, e := range extents {
		if e.Offset < fileHeaderSize || e.Offset > end || e.Size > end-e.Offset {
			return fmt.Errorf("extent %d [%d, +%d) outside data region [%d, %d)", i, e.Offset, e.Size, fileHeaderSize, end)
		}
		if sum := Checksum(m.data[e.Offset : e.Offset+e.Size]); sum != e.Checksum {
			return fmt.Errorf("extent %d at %d checksum failed (%x != %x): data file corrupted", i, e.Offset, e.Checksum, sum)
		}
	}
	return nil
}
