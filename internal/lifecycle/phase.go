// Copyright 2024 The freeze Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package lifecycle

import (
	"fmt"
)

// Phase is a lifecycle state. Phases only move forward.
type Phase int

const (
	Unstarted Phase = iota
	PreInitialized
	Configured
	LoaderInstalled
	MainRunning
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Unstarted:
		return "UNSTARTED"
	case PreInitialized:
		return "PRE_INITIALIZED"
	case Configured:
		return "CONFIGURED"
	case LoaderInstalled:
		return "LOADER_INSTALLED"
	case MainRunning:
		return "MAIN_RUNNING"
	case Terminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// TransitionError reports an attempt to move between phases out of order.
// It indicates a programming error in the caller.
type TransitionError struct {
	From Phase
	To   Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("lifecycle: invalid transition %s -> %s", e.From, e.To)
}

// canTransition reports whether to directly follows from. Terminated is
// reachable from every other phase, since every fatal path ends there.
func canTransition(from, to Phase) bool {
	if from == Terminated {
		return false
	}
	if to == Terminated {
		return true
	}
	return to == from+1
}
