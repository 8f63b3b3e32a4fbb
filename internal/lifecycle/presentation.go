// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package lifecycle

import (
	"os"

	"golang.org/x/term"
)

// presentation holds the terminal state captured at startup, so whatever
// the application does to the console is undone at exit.
type presentation struct {
	fd    int
	state *term.State
}

func savePresentation(f *os.File) *presentation {
	if f == nil {
		return nil
	}
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	state, err := term.GetState(fd)
	if err != nil {
		return nil
	}
	return &presentation{fd: fd, state: state}
}

func (p *presentation) restore() error {
	if p == nil || p.state == nil {
		return nil
	}
	state := p.state
	p.state = nil
	return term.Restore(p.fd, state)
}
