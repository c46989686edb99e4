// Copyright (c) Echobridge, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package socket implements blocking IPv4 TCP socket operations directly
// on top of the socket(2) family of syscalls. Every operation narrates
// itself on the bridge bus before it runs, so the session transcript reads
// in the order things actually happened, and every failure surfaces as a
// bridge.IOError carrying the platform errno.
package socket

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"echobridge.dev/bridge"
	"echobridge.dev/event"
	"echobridge.dev/fd"
)

// Socket is a stream socket plus the bus it narrates to. The zero value is
// not usable; construct with New or receive one from Accept.
type Socket struct {
	FD *fd.FD

	bus  *bridge.Bus
	tmpl *event.Event
}

// New creates a blocking IPv4 TCP socket.
func New(bus *bridge.Bus, tmpl *event.Event) (*Socket, error) {
	if bus == nil {
		bus = bridge.NewBus()
	}
	bus.Note(tmpl, "socket", "Constructing a new TCP socket...")

	ret, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, ioError("socket", err)
	}

	s := &Socket{FD: fd.NewFD(ret), bus: bus, tmpl: tmpl}
	defer s.FD.DecRef()

	slog.Debug("created socket", "sock", s)
	return s, nil
}

func (s *Socket) LogValue() slog.Value {
	return slog.GroupValue(slog.String("fd", s.FD.String()))
}

// Bind binds the socket to the given port on all local interfaces. Port 0
// asks the kernel for an ephemeral port; use LocalPort to discover which
// one it picked.
func (s *Socket) Bind(port uint16) error {
	if !s.FD.IncRef() {
		return &bridge.IOError{Op: "bind", Errno: unix.EBADF}
	}
	defer s.FD.DecRef()

	s.bus.Note(s.tmpl, "bind", fmt.Sprintf("Binding to port %d.", port), "port", strconv.Itoa(int(port)))

	if err := unix.Bind(s.FD.FD(), &unix.SockaddrInet4{Port: int(port)}); err != nil {
		return ioError("bind", err)
	}
	return nil
}

// LocalPort reports the port the socket is actually bound to.
func (s *Socket) LocalPort() (uint16, error) {
	if !s.FD.IncRef() {
		return 0, &bridge.IOError{Op: "getsockname", Errno: unix.EBADF}
	}
	defer s.FD.DecRef()

	sa, err := unix.Getsockname(s.FD.FD())
	if err != nil {
		return 0, ioError("getsockname", err)
	}
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, &bridge.IOError{Op: "getsockname", Errno: unix.EAFNOSUPPORT}
	}

	port := uint16(inet4.Port)
	s.bus.Note(s.tmpl, "port", fmt.Sprintf("Bound to random port %d.", port), "port", strconv.Itoa(int(port)))
	return port, nil
}

// Listen marks the socket as passive with the given backlog of pending
// connections.
func (s *Socket) Listen(backlog int) error {
	if !s.FD.IncRef() {
		return &bridge.IOError{Op: "listen", Errno: unix.EBADF}
	}
	defer s.FD.DecRef()

	s.bus.Note(s.tmpl, "listen", fmt.Sprintf("Listening on socket with a backlog of %d pending connections.", backlog), "backlog", strconv.Itoa(backlog))

	if err := unix.Listen(s.FD.FD(), backlog); err != nil {
		return ioError("listen", err)
	}
	return nil
}

// Accept blocks until a client connects and returns the connected socket.
//
// If the peer address cannot be interpreted, Accept returns the accepted
// socket AND a non-nil error: the descriptor is already open at that
// point, so the caller must still close it.
func (s *Socket) Accept() (*Socket, error) {
	if !s.FD.IncRef() {
		return nil, &bridge.IOError{Op: "accept", Errno: unix.EBADF}
	}
	defer s.FD.DecRef()

	s.bus.Note(s.tmpl, "accept", "Waiting for a client connection...")

	ret, sa, err := unix.Accept4(s.FD.FD(), unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, ioError("accept", err)
	}

	conn := &Socket{FD: fd.NewFD(ret), bus: s.bus, tmpl: s.tmpl}
	defer conn.FD.DecRef()

	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return conn, &bridge.IOError{Op: "peer address", Errno: unix.EAFNOSUPPORT}
	}
	peer := netip.AddrPortFrom(netip.AddrFrom4(inet4.Addr), uint16(inet4.Port))

	s.bus.Note(s.tmpl, "peer", fmt.Sprintf("Client connection from %s:%d.", peer.Addr(), peer.Port()), "peer", peer.String())
	slog.Debug("accepted connection", "sock", conn, "peer", peer)
	return conn, nil
}

// Connect blocks until the connection to addr is established or fails.
func (s *Socket) Connect(addr netip.AddrPort) error {
	if !s.FD.IncRef() {
		return &bridge.IOError{Op: "connect", Errno: unix.EBADF}
	}
	defer s.FD.DecRef()

	ip := addr.Addr().Unmap()
	if !ip.Is4() {
		return &bridge.IOError{Op: "connect", Errno: unix.EAFNOSUPPORT}
	}

	s.bus.Note(s.tmpl, "connect", fmt.Sprintf("Connecting to %s:%d...", ip, addr.Port()), "peer", addr.String())

	if err := unix.Connect(s.FD.FD(), &unix.SockaddrInet4{Addr: ip.As4(), Port: int(addr.Port())}); err != nil {
		return ioError("connect", err)
	}
	return nil
}

// Recv blocks until data arrives and reads at most len(buf) bytes. A zero
// return count with a nil error means the peer disconnected in an orderly
// way, which is not a failure.
func (s *Socket) Recv(buf []byte) (int, error) {
	if !s.FD.IncRef() {
		return 0, &bridge.IOError{Op: "recv", Errno: unix.EBADF}
	}
	defer s.FD.DecRef()

	s.bus.Note(s.tmpl, "recv", "Receiving from the socket...")

	n, err := unix.Read(s.FD.FD(), buf)
	if err != nil {
		return 0, ioError("recv", err)
	}
	if n == 0 {
		s.bus.Note(s.tmpl, "disconnect", "Client disconnected.")
		return 0, nil
	}

	s.bus.Note(s.tmpl, "recv", fmt.Sprintf("Received %d bytes: %s", n, buf[:n]), "size", strconv.Itoa(n))
	return n, nil
}

// Send blocks until the kernel accepts at least some of buf. The returned
// count may fall short of len(buf); the remainder is not retried.
func (s *Socket) Send(buf []byte) (int, error) {
	if !s.FD.IncRef() {
		return 0, &bridge.IOError{Op: "send", Errno: unix.EBADF}
	}
	defer s.FD.DecRef()

	s.bus.Note(s.tmpl, "send", "Sending to the socket...")

	n, err := unix.Write(s.FD.FD(), buf)
	if err != nil {
		return 0, ioError("send", err)
	}
	if n == 0 {
		s.bus.Note(s.tmpl, "disconnect", "Client disconnected.")
		return 0, nil
	}

	s.bus.Note(s.tmpl, "send", fmt.Sprintf("Sent %d bytes: %s", n, buf), "size", strconv.Itoa(n))
	return n, nil
}

// Close releases the descriptor. It is idempotent: only the first call
// closes, and it waits for concurrent operations on the socket to finish
// before the descriptor number is allowed to be reused.
func (s *Socket) Close() error {
	if !s.FD.ClosingIncRef() {
		return nil
	}
	defer s.FD.DecRef()

	s.FD.Lock()
	if err := unix.Close(s.FD.FD()); err != nil {
		return ioError("close", err)
	}

	slog.Debug("closed socket", "sock", s)
	return nil
}

// Resolve turns a host name or address literal plus a port into an IPv4
// endpoint.
func Resolve(host string, port uint16) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if !addr.Is4() {
			return netip.AddrPort{}, &bridge.IOError{Op: "resolve", Errno: unix.EAFNOSUPPORT}
		}
		return netip.AddrPortFrom(addr, port), nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return netip.AddrPort{}, &bridge.IOError{Op: "resolve", Errno: unix.EHOSTUNREACH}
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return netip.AddrPortFrom(netip.AddrFrom4([4]byte(ip4)), port), nil
		}
	}
	return netip.AddrPort{}, &bridge.IOError{Op: "resolve", Errno: unix.EAFNOSUPPORT}
}

func ioError(op string, err error) error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &bridge.IOError{Op: op, Errno: errno}
}
