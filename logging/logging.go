// Copyright (c) Echobridge, Inc.
// SPDX-License-Identifier: BSD-3-Clause

// Package logging initializes the process-wide slog handler that the
// commands and the transcript log sink write through.
package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Verbose enables debug level logging. Commands wire this to their -v
// flag before calling Init.
var Verbose bool

func Init() {
	// Trim the source file paths down to module-relative names.
	_, path, _, _ := runtime.Caller(0)
	prefix := strings.TrimSuffix(path, "/logging/logging.go")

	level := slog.LevelInfo
	if Verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case "source":
				src := attr.Value.Any().(*slog.Source)
				src.File = strings.TrimPrefix(src.File, prefix+"/")
				src.File = strings.TrimPrefix(src.File, filepath.Dir(prefix)+"/")
				return slog.Attr{Key: "src", Value: attr.Value}
			case "msg":
				if attr.Value.Any().(string) == "" {
					return slog.Attr{}
				}
			}
			return attr
		},
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))
}
