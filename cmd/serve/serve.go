// Copyright (c) Echobridge, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package serve implements the echobridge serve command: one echo server
// session for one client, narrated on the terminal and optionally on a
// websocket monitor.
package serve

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"golang.org/x/term"

	"echobridge.dev/bridge"
	"echobridge.dev/cmd/version"
	"echobridge.dev/config"
	"echobridge.dev/echo"
	"echobridge.dev/logging"
	"echobridge.dev/monitor"
)

type Command struct {
	flags struct {
		port    int
		config  string
		monitor string
	}

	config *config.Config

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "serve"
	c.ShortUsage = "echobridge serve [flags]"
	c.ShortHelp = "run the echo server for one client session"

	c.FlagSet = flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	c.FlagSet.IntVar(&c.flags.port, "port", 0, "TCP port to listen on (0 asks the kernel for an ephemeral port)")
	c.FlagSet.StringVar(&c.flags.config, "config", "", "configuration file path")
	c.FlagSet.StringVar(&c.flags.monitor, "monitor", "", "address to serve the websocket transcript monitor on")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose debug logging")
	c.UsageFunc = func(fc *ffcli.Command) string {
		return ffcli.DefaultUsageFunc(fc) + ExtraHelp()
	}

	c.Options = []ff.Option{ff.WithEnvVarPrefix("ECHOBRIDGE")}
	c.Exec = c.entrypoint
	return &c.Command
}

func ExtraHelp() string {
	return strings.Join([]string{
		"",
		"EXAMPLES",
		"  $ echobridge serve -port 4049",
		"  $ echobridge serve -monitor localhost:8080",
		"  $ echobridge send -port 4049 ping",
		"",
	}, "\n")
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()

	if len(args) != 0 {
		fmt.Fprintf(os.Stderr, "error: unexpected argument %q\n", args[0])
		return flag.ErrHelp
	}
	if c.flags.port < 0 || c.flags.port > 65535 {
		return fmt.Errorf("port %d out of range (0-65535)", c.flags.port)
	}

	c.config = new(config.Config)
	if c.flags.config != "" {
		if err := c.config.Load(c.flags.config); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	slog.Debug("starting echo server", "port", c.flags.port, "release", version.Release, slog.Group("commit", "hash", version.CommitHash, "time", version.CommitTime), "build", version.BuildTime)

	bus := bridge.NewBus()
	bus.SetFilter(c.config.Allow)
	bus.Connect(&bridge.LogSink{}, bridge.WithBufferSize(-1))

	if term.IsTerminal(int(os.Stderr.Fd())) {
		bus.Connect(newBoxSink(c.flags.monitor), bridge.WithBufferSize(-1))
	}

	if c.flags.monitor != "" {
		lis, err := net.Listen("tcp", c.flags.monitor)
		if err != nil {
			return fmt.Errorf("monitor: listen: %w", err)
		}
		defer lis.Close()

		mon := monitor.NewServer()
		bus.Connect(mon)
		go func() {
			if err := http.Serve(lis, mon); err != nil {
				slog.Debug("monitor server exited", "err", err)
			}
		}()
		slog.Debug("monitor listening", "addr", lis.Addr().String())
	}

	tmpl := c.config.Template()
	bus.Note(tmpl, "status", "Starting server.")

	err := echo.NewServer(bus, tmpl).Serve(uint16(c.flags.port))
	if err != nil {
		bus.Note(tmpl, "error", err.Error())
	}
	bus.Note(tmpl, "status", "Server terminated.")
	return err
}
