package serve

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"echobridge.dev/event"
)

// boxSink watches the transcript for the listen event and prints a ready
// banner on the terminal with the port a client should connect to.
type boxSink struct {
	monitorAddr string
	port        string
	once        sync.Once
	done        chan struct{}
}

func newBoxSink(monitorAddr string) *boxSink {
	return &boxSink{monitorAddr: monitorAddr, done: make(chan struct{})}
}

func (s *boxSink) Name() string { return "box" }

func (s *boxSink) Done() <-chan struct{} { return s.done }

func (s *boxSink) HandleEvent(ev *event.Event) {
	switch ev.Get("kind") {
	case "bind", "port":
		if p := ev.Get("port"); p != "" && p != "0" {
			s.port = p
		}
	case "listen":
		s.once.Do(func() {
			body := []string{
				"Echo server ready. Connect a client to this port:",
				"",
				"    " + s.port,
			}
			if s.monitorAddr != "" {
				body = append(body, "", "Live transcript: http://"+s.monitorAddr)
			}
			box("ECHOBRIDGE", body...)
		})
	}
}

func box(title string, body ...string) {
	const (
		HH = "─"
		VV = "│"
		LT = "╭"
		RT = "╮"
		LB = "╰"
		RB = "╯"
	)

	width := 60
	for _, line := range body {
		if 2+len(line)+2 > width {
			width = 2 + len(line) + 2
		}
	}

	prefix, suffix := "", ""
	if term.IsTerminal(int(os.Stderr.Fd())) {
		prefix, suffix = "\033[0;34m", "\033[0m"
	}

	var lines []string
	lines = append(lines, "")
	lines = append(lines, body...)
	lines = append(lines, "")

	b := new(bytes.Buffer)
	fmt.Fprintf(b, "\n")
	fmt.Fprintf(b, "%s%s%s %s %s%s%s\n", prefix, LT, strings.Repeat(HH, (width-(1+1+len(title)+1+1))/2), title, strings.Repeat(HH, (width-(1+1+len(title)+1+1))/2), RT, suffix)
	for _, line := range lines {
		lp, ls := "", ""
		if term.IsTerminal(int(os.Stderr.Fd())) && strings.Contains(line, "http://") {
			lp, ls = "\033[0;34m", "\033[0m"
		}
		fmt.Fprintf(b, "%s%s%s  %s"+fmt.Sprintf("%%-%ds", width-3-3)+"%s  %s%s%s\n", prefix, VV, suffix, lp, line, ls, prefix, VV, suffix)
	}
	fmt.Fprintf(b, "%s%s%s%s%s\n", prefix, LB, strings.Repeat(HH, (width-(1+1))), RB, suffix)
	fmt.Fprintf(b, "\n")

	// Write it out all at once so that it doesn't interleave with log lines.
	os.Stderr.Write(b.Bytes())
}
