// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package tree implements the nested directory structure of a frozen
// library. It answers structural questions (is this a package, what does
// this directory contain) but is never used to resolve module lookups: the
// perfect hash index is authoritative for that.
package tree

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bpowers/freeze/internal/codec"
)

// InitFile is the key component that marks a directory as a package.
const InitFile = "__init__.star"

// node maps child names to their subtrees. A leaf is a node with no
// children.
type node map[string]node

// Tree is an immutable directory tree built from a set of slash-separated
// asset keys.
type Tree struct {
	root node
}

// Build constructs a Tree containing one node per path component of keys.
func Build(keys []string) (*Tree, error) {
	root := node{}
	for _, key := range keys {
		if key == "" {
			return nil, errors.New("tree: empty key")
		}
		cur := root
		parts := strings.Split(key, "/")
		for i, part := range parts {
			if part == "" {
				return nil, fmt.Errorf("tree: key %q has an empty path component", key)
			}
			child, ok := cur[part]
			if !ok {
				child = node{}
				cur[part] = child
			} else if i == len(parts)-1 && len(child) > 0 {
				return nil, fmt.Errorf("tree: key %q is also a directory", key)
			} else if i < len(parts)-1 && len(child) == 0 {
				return nil, fmt.Errorf("tree: key %q descends through file %q", key, strings.Join(parts[:i+1], "/"))
			}
			cur = child
		}
	}
	return &Tree{root: root}, nil
}

// wireTree is the serialized form. The nesting is implied by the leaf
// paths, which keeps the encoded type non-recursive.
type wireTree struct {
	Version int      `cbor:"1,keyasint"`
	Leaves  []string `cbor:"2,keyasint"`
}

const wireVersion = 1

// Encode returns the deterministic CBOR encoding of the tree.
func (t *Tree) Encode() ([]byte, error) {
	w := wireTree{Version: wireVersion, Leaves: []string{}}
	t.Walk(func(path string, _ int, isDir bool) {
		if !isDir {
			w.Leaves = append(w.Leaves, path)
		}
	})
	b, err := codec.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("tree: codec.Marshal: %w", err)
	}
	return b, nil
}

// Decode parses bytes produced by Encode.
func Decode(b []byte) (*Tree, error) {
	var w wireTree
	if err := codec.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("tree: codec.Unmarshal: %w", err)
	}
	if w.Version != wireVersion {
		return nil, fmt.Errorf("tree: unsupported encoding version %d", w.Version)
	}
	return Build(w.Leaves)
}

func (t *Tree) find(path string) (node, bool) {
	cur := t.root
	if path == "" {
		return cur, true
	}
	for _, part := range strings.Split(path, "/") {
		child, ok := cur[part]
		if !ok {
			return nil, false
		}
		cur = child
	}
	return cur, true
}

// IsDir reports whether path names a directory. The empty path is the root.
func (t *Tree) IsDir(path string) bool {
	n, ok := t.find(path)
	return ok && (len(n) > 0 || path == "")
}

// IsPackage reports whether the directory at path has an __init__.star entry.
func (t *Tree) IsPackage(path string) bool {
	n, ok := t.find(path)
	if !ok {
		return false
	}
	_, ok = n[InitFile]
	return ok
}

// Contents lists the names directly under the directory at path, sorted.
// It returns false if path is not a directory.
func (t *Tree) Contents(path string) ([]string, bool) {
	if !t.IsDir(path) {
		return nil, false
	}
	n, _ := t.find(path)
	names := make([]string, 0, len(n))
	for name := range n {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, true
}

// IsResource reports whether name is a file (not a directory) directly
// under the directory at path.
func (t *Tree) IsResource(path, name string) bool {
	n, ok := t.find(path)
	if !ok || len(n) == 0 {
		return false
	}
	child, ok := n[name]
	return ok && len(child) == 0
}

// Walk calls fn for every entry in depth-first, name-sorted order. depth is
// 0 for children of the root.
func (t *Tree) Walk(fn func(path string, depth int, isDir bool)) {
	walk(t.root, "", 0, fn)
}

func walk(n node, prefix string, depth int, fn func(string, int, bool)) {
	names := make([]string, 0, len(n))
	for name := range n {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		child := n[name]
		path := name
		if prefix != "" {
			path = prefix + "/" + name
		}
		fn(path, depth, len(child) > 0)
		walk(child, path, depth+1, fn)
	}
}
