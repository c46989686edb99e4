// Copyright (c) Echobridge, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package fd contains a reference counted container for file descriptors.
//
// Raw operating system descriptor numbers must never be stored or passed
// around on their own. Descriptor numbers get recycled, so a close with
// lingering references in memory can silently redirect reads and writes to
// an unrelated file or socket. Calling (*FD).FD() within IncRef/DecRef
// guards makes that mistake harder.
//
// The counter tracks in-flight uses, not ownership: an idle open
// descriptor has zero references. Close callers use ClosingIncRef to win
// the right to close, Lock to wait out concurrent users, close(2), and a
// final DecRef to retire the descriptor.
package fd

import (
	"fmt"
	"sync"
)

type FD struct {
	mu   sync.Mutex
	cond sync.Cond

	raw     int
	refs    int
	closing bool

	origFD int // purely for logging purposes
}

// NewFD returns a FD with the reference counter initialized to 1. The
// caller owns that first reference and usually drops it as soon as the
// descriptor has been handed to its long-term holder.
func NewFD(raw int) *FD {
	fd := &FD{raw: raw, refs: 1, origFD: raw}
	fd.cond.L = &fd.mu
	return fd
}

func (fd *FD) String() string {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.raw == -1 {
		return fmt.Sprintf("fd_%d[closed]", fd.origFD)
	}
	return fmt.Sprintf("fd_%d", fd.raw)
}

// IncRef increments the ref counter. If fd is closed or closing, it's a
// no-op and returns false.
func (fd *FD) IncRef() bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.closing {
		return false
	}
	fd.refs++
	return true
}

// FD returns the underlying operating system file descriptor number. It
// panics if the descriptor has already been retired.
func (fd *FD) FD() int {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.raw == -1 {
		panic("file descriptor misuse outside IncRef/DecRef guards: file closed")
	}
	return fd.raw
}

// DecRef decrements the ref counter.
//
// If this call corresponds to a ClosingIncRef, future fd.FD() calls will
// panic, so remember to call Lock and close(2) the descriptor inbetween.
func (fd *FD) DecRef() {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.refs <= 0 {
		panic(fmt.Sprintf("fd_%d: ref counter underflow", fd.origFD))
	}
	fd.refs--
	if fd.closing {
		switch fd.refs {
		case 1:
			// The closer may be waiting in Lock for the last concurrent
			// user to finish.
			fd.cond.Broadcast()
		case 0:
			fd.raw = -1
		}
	}
}

// ClosingIncRef increments the ref counter and marks fd as closing in one
// step, so that all future IncRef calls fail. If fd was already closed or
// is being closed by a different goroutine, it returns false. At most one
// caller ever gets true, and that caller owns the close(2).
func (fd *FD) ClosingIncRef() bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.closing {
		return false
	}
	fd.closing = true
	fd.refs++
	return true
}

// Lock waits until there is exactly one pending ref (the caller's). It
// panics if fd isn't already marked as closing. In most situations, Lock
// should be called after the ClosingIncRef and before the close(2)
// syscall.
func (fd *FD) Lock() {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if !fd.closing {
		panic("Lock called without marking file as closing")
	}
	for fd.refs > 1 {
		fd.cond.Wait()
	}
}
