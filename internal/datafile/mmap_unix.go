// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build unix

package datafile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("unix.Mmap: %w", err)
	}
	// lookups jump around the file; readahead mostly wastes page cache
	if err := unix.Madvise(data, unix.MADV_RANDOM); err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("unix.Madvise: %w", err)
	}
	return data, nil
}

func unmapFile(data []byte) error {
	if data == nil {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("unix.Munmap: %w", err)
	}
	return nil
}
