// Copyright (c) Echobridge, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package echo implements the echo endpoint: a server that handles one
// client session over a blocking TCP socket and echoes everything it
// receives, and the matching one-shot client. All progress is narrated as
// events on a bridge bus, and every failure is reported as a single
// bridge.IOError return.
package echo

import (
	"github.com/google/uuid"

	"echobridge.dev/bridge"
	"echobridge.dev/event"
	"echobridge.dev/socket"
)

const (
	// BufferSize is the capacity of the session transfer buffer. A single
	// receive takes at most BufferSize-1 bytes.
	BufferSize = 80

	// Backlog is the listen(2) queue depth for pending connections.
	Backlog = 4
)

// Server speaks one echo session per Serve call: bind, listen, accept one
// client, echo until it disconnects.
type Server struct {
	bus  *bridge.Bus
	tmpl *event.Event
}

func NewServer(bus *bridge.Bus, tmpl *event.Event) *Server {
	if bus == nil {
		bus = bridge.NewBus()
	}
	return &Server{bus: bus, tmpl: tmpl}
}

// Serve runs a full server session on the given port. Port 0 binds to a
// kernel-assigned ephemeral port and announces the discovered port on the
// bus. Serve blocks until the client disconnects or an operation fails,
// and releases every descriptor it opened on all return paths, the
// listener last.
func (s *Server) Serve(port uint16) error {
	tmpl := event.New()
	tmpl.CopyFrom(s.tmpl)
	tmpl.Set("session", uuid.NewString())

	sock, err := socket.New(s.bus, tmpl)
	if err != nil {
		return err
	}
	defer sock.Close()

	if err := sock.Bind(port); err != nil {
		return err
	}
	if port == 0 {
		if _, err := sock.LocalPort(); err != nil {
			return err
		}
	}
	if err := sock.Listen(Backlog); err != nil {
		return err
	}

	conn, err := sock.Accept()
	if conn != nil {
		defer conn.Close()
	}
	if err != nil {
		return err
	}

	return s.echo(conn)
}

// state tracks where the echo loop is in its receive/send alternation.
type state uint8

const (
	stateReceiving state = iota
	stateSending
	stateDone
	stateFailed
)

func (s *Server) echo(conn *socket.Socket) error {
	buf := make([]byte, BufferSize)

	st := stateReceiving
	var n int
	var err error
	for {
		switch st {
		case stateReceiving:
			n, err = conn.Recv(buf[:BufferSize-1])
			switch {
			case err != nil:
				st = stateFailed
			case n == 0:
				st = stateDone
			default:
				st = stateSending
			}

		case stateSending:
			var sent int
			sent, err = conn.Send(buf[:n])
			switch {
			case err != nil:
				st = stateFailed
			case sent == 0:
				st = stateDone
			default:
				// A short send still counts as progress. The unsent
				// tail is not retried.
				st = stateReceiving
			}

		case stateDone:
			return nil

		case stateFailed:
			return err
		}
	}
}

// Client speaks one echo session from the other side: connect, send one
// message, wait for the echoed reply, disconnect.
type Client struct {
	bus  *bridge.Bus
	tmpl *event.Event
}

func NewClient(bus *bridge.Bus, tmpl *event.Event) *Client {
	if bus == nil {
		bus = bridge.NewBus()
	}
	return &Client{bus: bus, tmpl: tmpl}
}

// Run connects to the echo server at host:port, sends message, waits for
// one echoed chunk, and disconnects. The message must not be empty. Like
// Serve, it releases the socket on every return path.
func (c *Client) Run(host string, port uint16, message string) error {
	tmpl := event.New()
	tmpl.CopyFrom(c.tmpl)
	tmpl.Set("session", uuid.NewString())

	sock, err := socket.New(c.bus, tmpl)
	if err != nil {
		return err
	}
	defer sock.Close()

	addr, err := socket.Resolve(host, port)
	if err != nil {
		return err
	}
	if err := sock.Connect(addr); err != nil {
		return err
	}

	if _, err := sock.Send([]byte(message)); err != nil {
		return err
	}

	buf := make([]byte, BufferSize)
	if _, err := sock.Recv(buf[:BufferSize-1]); err != nil {
		return err
	}
	return nil
}
