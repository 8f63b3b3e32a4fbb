// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"encoding/hex"
	"fmt"

	"github.com/dgryski/go-farm"
)

// BuildID is the BLAKE3 digest of every byte following the data file
// header. The manifest carries the same value, which binds a launcher to
// the one data file it was built with.
type BuildID [32]byte

func (id BuildID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is unset.
func (id BuildID) IsZero() bool {
	return id == BuildID{}
}

// ParseBuildID parses the hex form produced by String.
func ParseBuildID(s string) (BuildID, error) {
	var id BuildID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("hex.DecodeString: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("build ID is %d bytes, want %d", len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

// Checksum is the per-asset checksum stored alongside each record.
func Checksum(value []byte) uint64 {
	return farm.Fingerprint64(value)
}
