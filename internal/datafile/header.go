// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	magicDataHeader   = 0xF4EE2E01
	fileFormatVersion = 1

	// fileHeaderSize is the minimum cache-width we expect to see, and keeps
	// the first asset 8-byte aligned.
	fileHeaderSize = 128

	headerAssetCountOff = 8
	headerDataEndOff    = 16
	headerBuildIDOff    = 24
)

type fileHeader struct {
	magic         uint32
	formatVersion uint32
	assetCount    uint64
	dataEnd       uint64
	buildID       BuildID
}

func newFileHeader() *fileHeader {
	return &fileHeader{
		magic:         magicDataHeader,
		formatVersion: fileFormatVersion,
	}
}

// MarshalTo writes the header into the first fileHeaderSize bytes of buf.
func (h *fileHeader) MarshalTo(buf []byte) error {
	if len(buf) < fileHeaderSize {
		return fmt.Errorf("buf too short: %d < %d", len(buf), fileHeaderSize)
	}
	buf = buf[:fileHeaderSize]
	clear(buf)
	binary.LittleEndian.PutUint32(buf[:4], h.magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.formatVersion)
	binary.LittleEndian.PutUint64(buf[headerAssetCountOff:headerAssetCountOff+8], h.assetCount)
	binary.LittleEndian.PutUint64(buf[headerDataEndOff:headerDataEndOff+8], h.dataEnd)
	copy(buf[headerBuildIDOff:headerBuildIDOff+len(h.buildID)], h.buildID[:])
	return nil
}

func (h *fileHeader) WriteTo(w io.Writer) (n int64, err error) {
	var headerBuf [fileHeaderSize]byte
	if err := h.MarshalTo(headerBuf[:]); err != nil {
		return 0, err
	}
	if _, err = w.Write(headerBuf[:]); err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	return int64(fileHeaderSize), nil
}

// Finalize records the asset count, data end and build ID, and rewrites the
// header in place at the start of w.
func (h *fileHeader) Finalize(assetCount, dataEnd uint64, id BuildID, w io.WriterAt) error {
	h.assetCount = assetCount
	h.dataEnd = dataEnd
	h.buildID = id

	var headerBuf [fileHeaderSize]byte
	if err := h.MarshalTo(headerBuf[:]); err != nil {
		return err
	}
	if _, err := w.WriteAt(headerBuf[:], 0); err != nil {
		return fmt.Errorf("f.WriteAt: %w", err)
	}
	return nil
}

func (h *fileHeader) UnmarshalBytes(headerBytes []byte) error {
	if len(headerBytes) < fileHeaderSize {
		return fmt.Errorf("headerBytes too short: %d < %d", len(headerBytes), fileHeaderSize)
	}

	headerBytes = headerBytes[:fileHeaderSize]

	h.magic = binary.LittleEndian.Uint32(headerBytes[:4])
	if h.magic != magicDataHeader {
		return fmt.Errorf("bad magic number on data file (%x) -- not a frozen data file or corrupted", h.magic)
	}

	h.formatVersion = binary.LittleEndian.Uint32(headerBytes[4:8])
	if h.formatVersion != fileFormatVersion {
		return fmt.Errorf("this version of freeze can only read v%d data files; found v%d", fileFormatVersion, h.formatVersion)
	}

	h.assetCount = binary.LittleEndian.Uint64(headerBytes[headerAssetCountOff : headerAssetCountOff+8])
	h.dataEnd = binary.LittleEndian.Uint64(headerBytes[headerDataEndOff : headerDataEndOff+8])
	copy(h.buildID[:], headerBytes[headerBuildIDOff:headerBuildIDOff+len(h.buildID)])

	if h.dataEnd < fileHeaderSize {
		return fmt.Errorf("data end %d precedes the end of the header", h.dataEnd)
	}

	return nil
}
