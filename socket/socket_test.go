// Copyright (c) Echobridge, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package socket

import (
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"echobridge.dev/bridge"
	"echobridge.dev/event"
)

type collector struct {
	mu     sync.Mutex
	events []*event.Event
	done   chan struct{}
}

func newCollector() *collector {
	return &collector{done: make(chan struct{})}
}

func (c *collector) Name() string { return "collector" }

func (c *collector) HandleEvent(ev *event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) Done() <-chan struct{} { return c.done }

func (c *collector) msgs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []string
	for _, ev := range c.events {
		msgs = append(msgs, ev.Get("msg"))
	}
	return msgs
}

func (c *collector) contains(substr string) bool {
	for _, m := range c.msgs() {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func testBus(t *testing.T) (*bridge.Bus, *collector) {
	t.Helper()
	bus := bridge.NewBus()
	c := newCollector()
	bus.Connect(c, bridge.WithBufferSize(-1))
	return bus, c
}

func TestEphemeralBind(t *testing.T) {
	bus, c := testBus(t)
	s, err := New(bus, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	if err := s.Bind(0); err != nil {
		t.Fatalf("bind: %v", err)
	}
	port, err := s.LocalPort()
	if err != nil {
		t.Fatalf("local port: %v", err)
	}
	if port == 0 {
		t.Fatalf("discovered port is 0")
	}

	again, err := s.LocalPort()
	if err != nil {
		t.Fatalf("local port again: %v", err)
	}
	if again != port {
		t.Fatalf("port changed between calls: %d then %d", port, again)
	}

	if !c.contains("Bound to random port "+strconv.Itoa(int(port))) {
		t.Fatalf("missing discovery line, have:\n%s", strings.Join(c.msgs(), "\n"))
	}
}

func TestFixedPortBind(t *testing.T) {
	// Grab an ephemeral port first; a bound but never listened socket
	// leaves no TIME_WAIT state behind, so the port is immediately
	// reusable.
	a, err := New(nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Bind(0); err != nil {
		t.Fatalf("bind: %v", err)
	}
	port, err := a.LocalPort()
	if err != nil {
		t.Fatalf("local port: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := New(nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Close()
	if err := b.Bind(port); err != nil {
		t.Fatalf("bind %d: %v", port, err)
	}
	got, err := b.LocalPort()
	if err != nil {
		t.Fatalf("local port: %v", err)
	}
	if got != port {
		t.Fatalf("bound port: got %d, want %d", got, port)
	}
}

func TestBindInUse(t *testing.T) {
	a, err := New(nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()
	if err := a.Bind(0); err != nil {
		t.Fatalf("bind: %v", err)
	}
	port, err := a.LocalPort()
	if err != nil {
		t.Fatalf("local port: %v", err)
	}

	b, err := New(nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Close()

	err = b.Bind(port)
	var ioerr *bridge.IOError
	if !errors.As(err, &ioerr) {
		t.Fatalf("bind returned %v (%T), want *bridge.IOError", err, err)
	}
	if ioerr.Op != "bind" {
		t.Fatalf("op: got %q, want %q", ioerr.Op, "bind")
	}
	if !errors.Is(err, unix.EADDRINUSE) {
		t.Fatalf("errno: got %v, want EADDRINUSE", ioerr.Errno)
	}
}

func TestAcceptRecvSend(t *testing.T) {
	bus, c := testBus(t)
	s, err := New(bus, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	if err := s.Bind(0); err != nil {
		t.Fatalf("bind: %v", err)
	}
	port, err := s.LocalPort()
	if err != nil {
		t.Fatalf("local port: %v", err)
	}
	if err := s.Listen(4); err != nil {
		t.Fatalf("listen: %v", err)
	}

	type dialResult struct {
		reply []byte
		err   error
	}
	results := make(chan dialResult, 1)
	go func() {
		conn, err := net.Dial("tcp4", "127.0.0.1:"+strconv.Itoa(int(port)))
		if err != nil {
			results <- dialResult{err: err}
			return
		}
		defer conn.Close()
		if _, err := conn.Write([]byte("ping")); err != nil {
			results <- dialResult{err: err}
			return
		}
		reply := make([]byte, 4)
		if _, err := io.ReadFull(conn, reply); err != nil {
			results <- dialResult{err: err}
			return
		}
		results <- dialResult{reply: reply}
	}()

	conn, err := s.Accept()
	if conn != nil {
		defer conn.Close()
	}
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	buf := make([]byte, 80)
	n, err := conn.Recv(buf[:79])
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("recv: got %q, want %q", buf[:n], "ping")
	}
	sent, err := conn.Send(buf[:n])
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent != n {
		t.Fatalf("send: wrote %d of %d bytes", sent, n)
	}

	select {
	case r := <-results:
		if r.err != nil {
			t.Fatalf("dial side: %v", r.err)
		}
		if string(r.reply) != "ping" {
			t.Fatalf("dial side reply: got %q, want %q", r.reply, "ping")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("dial side did not finish")
	}

	n, err = conn.Recv(buf[:79])
	if err != nil {
		t.Fatalf("recv after close: %v", err)
	}
	if n != 0 {
		t.Fatalf("recv after close: got %d bytes, want 0", n)
	}

	for _, want := range []string{
		"Waiting for a client connection...",
		"Client connection from 127.0.0.1:",
		"Received 4 bytes: ping",
		"Sent 4 bytes: ping",
		"Client disconnected.",
	} {
		if !c.contains(want) {
			t.Fatalf("missing transcript line %q, have:\n%s", want, strings.Join(c.msgs(), "\n"))
		}
	}
}

func TestRecvChunkLimit(t *testing.T) {
	s, err := New(nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	if err := s.Bind(0); err != nil {
		t.Fatalf("bind: %v", err)
	}
	port, err := s.LocalPort()
	if err != nil {
		t.Fatalf("local port: %v", err)
	}
	if err := s.Listen(4); err != nil {
		t.Fatalf("listen: %v", err)
	}

	payload := strings.Repeat("x", 200)
	go func() {
		conn, err := net.Dial("tcp4", "127.0.0.1:"+strconv.Itoa(int(port)))
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(payload))
		// Hold the connection open until the reader is done.
		io.Copy(io.Discard, conn)
	}()

	conn, err := s.Accept()
	if conn != nil {
		defer conn.Close()
	}
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	buf := make([]byte, 80)
	total := 0
	for total < len(payload) {
		n, err := conn.Recv(buf[:79])
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if n == 0 {
			t.Fatalf("peer disconnected after %d of %d bytes", total, len(payload))
		}
		if n > 79 {
			t.Fatalf("recv returned %d bytes, limit is 79", n)
		}
		total += n
	}
	if total != len(payload) {
		t.Fatalf("received %d bytes, want %d", total, len(payload))
	}
}

func TestOpsAfterClose(t *testing.T) {
	s, err := New(nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	err = s.Bind(0)
	var ioerr *bridge.IOError
	if !errors.As(err, &ioerr) {
		t.Fatalf("bind after close returned %v (%T), want *bridge.IOError", err, err)
	}
	if !errors.Is(err, unix.EBADF) {
		t.Fatalf("errno: got %v, want EBADF", ioerr.Errno)
	}

	if _, err := s.Recv(make([]byte, 16)); !errors.Is(err, unix.EBADF) {
		t.Fatalf("recv after close: got %v, want EBADF", err)
	}
}

func TestConnect(t *testing.T) {
	lis, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	accepted := make(chan error, 1)
	go func() {
		conn, err := lis.Accept()
		if err == nil {
			conn.Close()
		}
		accepted <- err
	}()

	bus, c := testBus(t)
	s, err := New(bus, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	addr, err := Resolve("127.0.0.1", uint16(lis.Addr().(*net.TCPAddr).Port))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.Connect(addr); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case err := <-accepted:
		if err != nil {
			t.Fatalf("accept side: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("accept side did not finish")
	}

	if !c.contains("Connecting to 127.0.0.1:") {
		t.Fatalf("missing connect line, have:\n%s", strings.Join(c.msgs(), "\n"))
	}
}

func TestResolve(t *testing.T) {
	addr, err := Resolve("127.0.0.1", 4049)
	if err != nil {
		t.Fatalf("resolve literal: %v", err)
	}
	if got, want := addr.String(), "127.0.0.1:4049"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if _, err := Resolve("localhost", 4049); err != nil {
		t.Fatalf("resolve localhost: %v", err)
	}

	_, err = Resolve("host.invalid.", 4049)
	var ioerr *bridge.IOError
	if !errors.As(err, &ioerr) {
		t.Fatalf("resolve returned %v (%T), want *bridge.IOError", err, err)
	}
	if ioerr.Op != "resolve" {
		t.Fatalf("op: got %q, want %q", ioerr.Op, "resolve")
	}
}
