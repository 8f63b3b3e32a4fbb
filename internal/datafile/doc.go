// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package datafile contains the build-side writer and the runtime-side
// store for the blob of a frozen application: every module source,
// precompiled program and resource file, concatenated.
//
// A datafile looks like:
//
//	┌───────────────────┐
//	│ file header       │ 128 bytes
//	├───────────────────┤
//	│ asset             │
//	├───────────────────┤
//	│ padding to 8      │
//	├───────────────────┤
//	│ asset             │
//	│ ...               │
//	└───────────────────┘
//
// The header looks like:
//
//	 0    1    2    3    4    5    6    7
//	+----+----+----+----+----+----+----+----+
//	| magic             | format version    |
//	+----+----+----+----+----+----+----+----+
//	| asset count                           |
//	+----+----+----+----+----+----+----+----+
//	| data end                              |
//	+----+----+----+----+----+----+----+----+
//	| build ID (32 bytes)                   |
//	+----+----+----+----+----+----+----+----+
//
// followed by zeroes. Assets carry no in-band framing: the manifest compiled
// into the launcher holds each asset's (offset, size) and checksum.
package datafile
