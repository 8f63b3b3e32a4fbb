// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package manifest defines the build-time constant compiled into every
// launcher: the perfect hash index over asset keys, the record table it
// indexes, the encoded directory tree and the precompiled bootstrap
// program.
package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/bpowers/freeze/internal/codec"
	"github.com/bpowers/freeze/internal/datafile"
	"github.com/bpowers/freeze/internal/mph"
)

const (
	magicManifest = 0xF4EE2E02

	// FormatVersion is bumped whenever the encoded layout changes.
	FormatVersion = 1

	// manifestHeaderSize covers the magic, format version and the
	// uncompressed body length.
	manifestHeaderSize = 4 + 4 + 8

	// maxBodySize bounds decompression of a corrupt manifest.
	maxBodySize = 1 << 30
)

// Kind records how an asset's bytes are to be interpreted.
type Kind uint8

const (
	// KindSource is module source text, compiled on load.
	KindSource Kind = iota + 1
	// KindCompiled is a module precompiled at build time.
	KindCompiled
	// KindResource is an arbitrary file. Resources are never modules.
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindCompiled:
		return "compiled"
	case KindResource:
		return "resource"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// IsModule reports whether assets of this kind can be loaded as modules.
func (k Kind) IsModule() bool {
	return k == KindSource || k == KindCompiled
}

// Record locates one asset in the data file.
type Record struct {
	Offset   uint64 `cbor:"1,keyasint"`
	Size     uint64 `cbor:"2,keyasint"`
	Kind     Kind   `cbor:"3,keyasint"`
	Checksum uint64 `cbor:"4,keyasint"`
}

// Manifest is everything the launcher knows about its frozen application
// before the data file is opened.
type Manifest struct {
	BuildID          datafile.BuildID `cbor:"1,keyasint"`
	Program          string           `cbor:"2,keyasint"`
	MainModule       string           `cbor:"3,keyasint"`
	DataFile         string           `cbor:"4,keyasint"`
	DevelopEnv       string           `cbor:"5,keyasint,omitempty"`
	BootstrapVersion int              `cbor:"6,keyasint"`
	Bootstrap        []byte           `cbor:"7,keyasint"`
	Index            []byte           `cbor:"8,keyasint"`
	Records          []Record         `cbor:"9,keyasint"`
	Tree             []byte           `cbor:"10,keyasint"`

	table *mph.Table
}

// New returns a Manifest for the given index and records, which must be
// parallel: records[i] belongs to table.Key(i).
func New(table *mph.Table, records []Record) (*Manifest, error) {
	if table.Len() != len(records) {
		return nil, fmt.Errorf("manifest: %d index slots but %d records", table.Len(), len(records))
	}
	index, err := table.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("manifest: table.MarshalBinary: %w", err)
	}
	return &Manifest{
		Index:   index,
		Records: records,
		table:   table,
	}, nil
}

// zstdEncoder and zstdDecoder are reused across calls; both are safe for
// concurrent use through EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("manifest: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxBodySize),
	)
	if err != nil {
		panic("manifest: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes the manifest as a fixed header followed by the
// zstd-compressed CBOR body.
func (m *Manifest) Encode() ([]byte, error) {
	body, err := codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("manifest: codec.Marshal: %w", err)
	}

	out := make([]byte, manifestHeaderSize, manifestHeaderSize+len(body)/2)
	binary.LittleEndian.PutUint32(out[0:4], magicManifest)
	binary.LittleEndian.PutUint32(out[4:8], FormatVersion)
	binary.LittleEndian.PutUint64(out[8:16], uint64(len(body)))
	return zstdEncoder.EncodeAll(body, out), nil
}

// Decode parses a manifest produced by Encode and decodes its index.
func Decode(b []byte) (*Manifest, error) {
	if len(b) < manifestHeaderSize {
		return nil, fmt.Errorf("manifest: too short: %d < %d", len(b), manifestHeaderSize)
	}
	if magic := binary.LittleEndian.Uint32(b[0:4]); magic != magicManifest {
		return nil, fmt.Errorf("manifest: bad magic number (%x) -- not a freeze manifest or corrupted", magic)
	}
	if version := binary.LittleEndian.Uint32(b[4:8]); version != FormatVersion {
		return nil, fmt.Errorf("manifest: this version of freeze can only read v%d manifests; found v%d", FormatVersion, version)
	}
	bodyLen := binary.LittleEndian.Uint64(b[8:16])
	if bodyLen > maxBodySize {
		return nil, fmt.Errorf("manifest: body of %d bytes exceeds limit", bodyLen)
	}

	body, err := zstdDecoder.DecodeAll(b[manifestHeaderSize:], make([]byte, 0, bodyLen))
	if err != nil {
		return nil, fmt.Errorf("manifest: zstd.DecodeAll: %w", err)
	}
	if uint64(len(body)) != bodyLen {
		return nil, fmt.Errorf("manifest: body is %d bytes, header says %d", len(body), bodyLen)
	}

	var m Manifest
	if err := codec.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("manifest: codec.Unmarshal: %w", err)
	}

	m.table = new(mph.Table)
	if err := m.table.UnmarshalBinary(m.Index); err != nil {
		return nil, fmt.Errorf("manifest: table.UnmarshalBinary: %w", err)
	}
	if m.table.Len() != len(m.Records) {
		return nil, fmt.Errorf("manifest: %d index slots but %d records", m.table.Len(), len(m.Records))
	}

	return &m, nil
}

// IndexForKey returns the record index for key, or -1 if key is not part of
// the frozen application.
func (m *Manifest) IndexForKey(key string) int {
	return m.table.Lookup(key)
}

// RecordForIndex returns the record at i. It is only defined for indices
// returned by IndexForKey.
func (m *Manifest) RecordForIndex(i int) Record {
	return m.Records[i]
}

// Lookup combines IndexForKey and RecordForIndex.
func (m *Manifest) Lookup(key string) (Record, bool) {
	i := m.table.Lookup(key)
	if i == mph.NotFound {
		return Record{}, false
	}
	return m.Records[i], true
}

// Key returns the asset key at record index i.
func (m *Manifest) Key(i int) string {
	return m.table.Key(i)
}

// Len returns the number of assets.
func (m *Manifest) Len() int {
	return len(m.Records)
}

var errNoBuildID = errors.New("manifest: missing build ID")

// Validate checks that every record lies within a data file of blobLen
// bytes and has a known kind.
func (m *Manifest) Validate(blobLen uint64) error {
	if m.BuildID.IsZero() {
		return errNoBuildID
	}
	if m.MainModule == "" {
		return errors.New("manifest: missing main module")
	}
	for i, r := range m.Records {
		if r.Kind < KindSource || r.Kind > KindResource {
			return fmt.Errorf("manifest: record %d (%q) has unknown kind %d", i, m.Key(i), r.Kind)
		}
		if r.Offset > blobLen || r.Size > blobLen-r.Offset {
			return fmt.Errorf("manifest: record %d (%q) [%d, +%d) exceeds data file length %d", i, m.Key(i), r.Offset, r.Size, blobLen)
		}
	}
	return nil
}

// Extents returns the data file extents of every record, for verification
// against an open store.
func (m *Manifest) Extents() []datafile.Extent {
	extents := make([]datafile.Extent, len(m.Records))
	for i, r := range m.Records {
		extents[i] = datafile.Extent{Offset: r.Offset, Size: r.Size, Checksum: r.Checksum}
	}
	return extents
}
