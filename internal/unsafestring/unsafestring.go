// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package unsafestring converts strings to byte slices without copying, for
// hashing keys on lookup paths that must not allocate.
package unsafestring

import "unsafe"

// ToBytes returns a byte slice referring to the contents of the input string.
// SAFETY: the returned byte slice must never be written to, only read.
func ToBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
