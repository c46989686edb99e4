// Copyright (c) Echobridge, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package send implements the echobridge send command: the one-shot echo
// client that sends a message and waits for the reply.
package send

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"echobridge.dev/bridge"
	"echobridge.dev/cmd/version"
	"echobridge.dev/config"
	"echobridge.dev/echo"
	"echobridge.dev/logging"
)

type Command struct {
	flags struct {
		host   string
		port   int
		config string
	}

	config *config.Config

	ffcli.Command
}

func NewCommand() *ffcli.Command {
	c := new(Command)

	c.Name = "send"
	c.ShortUsage = "echobridge send [flags] <message>"
	c.ShortHelp = "send one message to an echo server and wait for the reply"

	c.FlagSet = flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.host, "host", "127.0.0.1", "echo server host name or address")
	c.FlagSet.IntVar(&c.flags.port, "port", 0, "echo server TCP port")
	c.FlagSet.StringVar(&c.flags.config, "config", "", "configuration file path")
	c.FlagSet.BoolVar(&logging.Verbose, "v", false, "enable verbose debug logging")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("ECHOBRIDGE")}
	c.Exec = c.entrypoint
	return &c.Command
}

func (c *Command) entrypoint(ctx context.Context, args []string) error {
	logging.Init()

	message := strings.Join(args, " ")
	if message == "" {
		fmt.Fprintf(os.Stderr, "error: missing message\n")
		return flag.ErrHelp
	}
	if c.flags.port <= 0 || c.flags.port > 65535 {
		return fmt.Errorf("port %d out of range (1-65535)", c.flags.port)
	}

	c.config = new(config.Config)
	if c.flags.config != "" {
		if err := c.config.Load(c.flags.config); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	slog.Debug("starting echo client", "host", c.flags.host, "port", c.flags.port, "release", version.Release)

	bus := bridge.NewBus()
	bus.SetFilter(c.config.Allow)
	bus.Connect(&bridge.LogSink{}, bridge.WithBufferSize(-1))

	tmpl := c.config.Template()
	bus.Note(tmpl, "status", "Starting client.")

	err := echo.NewClient(bus, tmpl).Run(c.flags.host, uint16(c.flags.port), message)
	if err != nil {
		bus.Note(tmpl, "error", err.Error())
	}
	bus.Note(tmpl, "status", "Client terminated.")
	return err
}
