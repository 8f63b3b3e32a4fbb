// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/zeebo/blake3"
)

const (
	defaultBufferSize = 1024 * 1024

	// assetAlign keeps every asset start 8-byte aligned in the mapping.
	assetAlign = 8
)

var errFinished = errors.New("datafile: write after Finish")

type nopWriter struct{}

func (nopWriter) Write([]byte) (int, error) {
	return 0, io.EOF
}

// FileWriter is usually an *os.File, but specified as an interface for easier testing.
type FileWriter interface {
	io.Writer
	io.WriterAt
}

// Writer appends assets to a data file. Assets are stored back to back with
// no delimiters; callers address them by the (offset, size) pair Write
// returns.
type Writer struct {
	f        FileWriter
	h        *fileHeader
	w        *bufio.Writer
	hasher   *blake3.Hasher
	off      uint64
	count    uint64
	buildID  BuildID
	finished atomic.Bool
}

func NewWriter(f FileWriter) (*Writer, error) {
	w := &Writer{
		f:      f,
		h:      newFileHeader(),
		w:      bufio.NewWriterSize(f, defaultBufferSize),
		hasher: blake3.New(),
	}

	if headerLen, err := w.h.WriteTo(w.w); err != nil {
		return nil, fmt.Errorf("fileHeader.WriteTo: %w", err)
	} else {
		w.off = uint64(headerLen)
	}

	// try to expose errors when writing to the backing file early
	if err := w.w.Flush(); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	return w, nil
}

func (w *Writer) write(p []byte) error {
	if _, err := w.w.Write(p); err != nil {
		return fmt.Errorf("bufio.Write: %w", err)
	}
	_, _ = w.hasher.Write(p)
	w.off += uint64(len(p))
	return nil
}

// Write appends value and returns the absolute offset and size it was
// stored at. Empty values are allowed.
func (w *Writer) Write(value []byte) (off, size uint64, err error) {
	if w.finished.Load() {
		return 0, 0, errFinished
	}

	if pad := w.off % assetAlign; pad != 0 {
		var zeroes [assetAlign]byte
		if err := w.write(zeroes[:assetAlign-pad]); err != nil {
			return 0, 0, err
		}
	}

	off = w.off
	if err := w.write(value); err != nil {
		return 0, 0, err
	}
	w.count++

	return off, uint64(len(value)), nil
}

// Len returns the number of assets written so far.
func (w *Writer) Len() uint64 {
	return w.count
}

// Finish flushes buffered data and rewrites the header with the final asset
// count and build ID. Calling Finish more than once is a no-op.
func (w *Writer) Finish() error {
	if alreadyFinished := w.finished.Swap(true); alreadyFinished {
		// nothing to do - already cleaned up
		return nil
	}

	defer func() {
		w.w.Reset(&nopWriter{})
		w.w = nil
	}()

	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("bufio.Flush: %w", err)
	}

	copy(w.buildID[:], w.hasher.Sum(nil))

	return w.h.Finalize(w.count, w.off, w.buildID, w.f)
}

// BuildID returns the digest of the data written. It is only meaningful
// after Finish.
func (w *Writer) BuildID() BuildID {
	return w.buildID
}
