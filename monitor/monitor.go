// Copyright (c) Echobridge, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package monitor streams the session transcript to websocket clients so
// that a browser or any websocket tool can watch the echo endpoint live.
package monitor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"echobridge.dev/bridge"
	"echobridge.dev/event"
)

func page(msg string) []byte {
	b := new(bytes.Buffer)
	fmt.Fprintf(b, `<!DOCTYPE html>`)
	fmt.Fprintf(b, `<html>`)
	fmt.Fprintf(b, `<head><meta charset="utf-8"><title>Echobridge</title></head>`)
	fmt.Fprintf(b, `<style>*    { box-sizing: border-box; }</style>`)
	fmt.Fprintf(b, `<style>body { margin: 2rem 1rem; display: flex; justify-content: center; font-family: monospace; font-size: 11px; }</style>`)
	fmt.Fprintf(b, `<style>div  { padding: 1rem; width: 100%%; max-width: 24rem; border: 1px solid #00000020; border-radius: 2px; text-align: center; }</style>`)
	fmt.Fprintf(b, `<body><div>%s</div></body>`, msg)
	fmt.Fprintf(b, `</html>`)
	return b.Bytes()
}

// Server fans the transcript out to every connected websocket client. It
// is both an http.Handler (for the upgrade endpoint) and a bridge.Sink
// (for the events).
type Server struct {
	mu    sync.Mutex
	conns []*websocket.Conn
	done  chan struct{}
}

var _ http.Handler = new(Server)
var _ bridge.Sink = new(Server)

func NewServer() *Server {
	return &Server{done: make(chan struct{})}
}

func (s *Server) Name() string { return "monitor" }

func (s *Server) HandleEvent(ev *event.Event) {
	s.Send([]byte(ev.String()))
}

func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) add(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = append(s.conns, conn)
}

func (s *Server) remove(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conns {
		if s.conns[i] == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

func (s *Server) snapshot() []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*websocket.Conn{}, s.conns...)
}

func (s *Server) clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Send broadcasts b to all connected clients as one text frame.
func (s *Server) Send(b []byte) {
	var wg sync.WaitGroup
	for _, conn := range s.snapshot() {
		conn := conn
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.Write(context.Background(), websocket.MessageText, b)
		}()
	}
	wg.Wait()
}

func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		w.Header().Set("content-type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "failed to accept websocket: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.add(conn)
	defer s.remove(conn)

	go func() {
		for {
			if _, msg, err := conn.Read(r.Context()); err != nil {
				return
			} else {
				slog.Debug("monitor client message", "msg", string(msg))
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.Ping(r.Context()); err != nil {
				return
			}
		}
	}
}

func (s *Server) html(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.Write(page("Connect a websocket client to this address to stream echo session events."))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("upgrade") == "websocket" {
		s.websocket(w, r)
	} else {
		s.html(w, r)
	}
}
