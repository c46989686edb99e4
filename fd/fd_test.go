// Copyright (c) Echobridge, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package fd

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestLifecycle(t *testing.T) {
	fd := NewFD(42)
	if got := fd.FD(); got != 42 {
		t.Fatalf("FD: got %d, want 42", got)
	}
	fd.DecRef() // constructor ref

	if !fd.IncRef() {
		t.Fatalf("IncRef failed on open descriptor")
	}
	if got := fd.FD(); got != 42 {
		t.Fatalf("FD: got %d, want 42", got)
	}
	fd.DecRef()

	if !fd.ClosingIncRef() {
		t.Fatalf("ClosingIncRef failed on open descriptor")
	}
	fd.Lock()
	if got := fd.FD(); got != 42 {
		t.Fatalf("FD during close: got %d, want 42", got)
	}
	fd.DecRef()
}

func TestIncRefAfterClosing(t *testing.T) {
	fd := NewFD(7)
	fd.DecRef()
	if !fd.ClosingIncRef() {
		t.Fatalf("ClosingIncRef failed")
	}
	if fd.IncRef() {
		t.Fatalf("IncRef succeeded on closing descriptor")
	}
}

func TestClosingIncRefSingleWinner(t *testing.T) {
	fd := NewFD(7)
	fd.DecRef()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if fd.ClosingIncRef() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("got %d ClosingIncRef winners, want 1", wins.Load())
	}
}

func TestLockWaitsForUsers(t *testing.T) {
	fd := NewFD(7)
	fd.DecRef()

	const users = 8
	var active atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		if !fd.IncRef() {
			t.Fatalf("IncRef failed")
		}
		active.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = fd.FD()
			}
			active.Add(-1)
			fd.DecRef()
		}()
	}

	if !fd.ClosingIncRef() {
		t.Fatalf("ClosingIncRef failed")
	}
	fd.Lock()
	if n := active.Load(); n != 0 {
		t.Fatalf("Lock returned with %d users still active", n)
	}
	fd.DecRef()
	wg.Wait()
}

func TestUseAfterClosePanics(t *testing.T) {
	fd := NewFD(7)
	fd.DecRef()
	if !fd.ClosingIncRef() {
		t.Fatalf("ClosingIncRef failed")
	}
	fd.Lock()
	fd.DecRef()

	defer func() {
		if recover() == nil {
			t.Fatalf("FD after close did not panic")
		}
	}()
	fd.FD()
}

func TestString(t *testing.T) {
	fd := NewFD(9)
	if got := fd.String(); got != "fd_9" {
		t.Fatalf("got %q, want %q", got, "fd_9")
	}
	fd.DecRef()
	if !fd.ClosingIncRef() {
		t.Fatalf("ClosingIncRef failed")
	}
	fd.Lock()
	fd.DecRef()
	if got := fd.String(); got != "fd_9[closed]" {
		t.Fatalf("got %q, want %q", got, "fd_9[closed]")
	}
}

func TestStress(t *testing.T) {
	for iter := 0; iter < 100; iter++ {
		fd := NewFD(iter)
		fd.DecRef()

		var using atomic.Int32
		var misuse atomic.Int32

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					if !fd.IncRef() {
						return
					}
					using.Add(1)
					_ = fd.FD()
					using.Add(-1)
					fd.DecRef()
				}
			}()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if !fd.ClosingIncRef() {
				misuse.Add(1)
				return
			}
			fd.Lock()
			if using.Load() != 0 {
				misuse.Add(1)
			}
			fd.DecRef()
		}()

		wg.Wait()
		if misuse.Load() != 0 {
			t.Fatalf("iter %d: descriptor in use at close time", iter)
		}
	}
}
