// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build !unix

package datafile

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

func mapFile(f *os.File, size int) ([]byte, error) {
	data, err := mmap.MapRegion(f, size, mmap.RDONLY, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap.MapRegion: %w", err)
	}
	return data, nil
}

func unmapFile(data []byte) error {
	if data == nil {
		return nil
	}
	m := mmap.MMap(data)
	if err := m.Unmap(); err != nil {
		return fmt.Errorf("mmap.Unmap: %w", err)
	}
	return nil
}
