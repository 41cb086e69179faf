package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// newLogger builds the process logger. --log-level overrides the manifest
// level; --log-file switches output to an unstyled logfmt file.
func newLogger(cmd *cobra.Command, manifestLevel log.Level) (*log.Logger, func() error, error) {
	flags := cmd.Root().PersistentFlags()
	levelStr, err := flags.GetString("log-level")
	if err != nil {
		return nil, nil, err
	}
	logPath, err := flags.GetString("log-file")
	if err != nil {
		return nil, nil, err
	}
	level := manifestLevel
	if levelStr != "" {
		if level, err = log.ParseLevel(levelStr); err != nil {
			return nil, nil, fmt.Errorf("parse log level %q: %w", levelStr, err)
		}
	}

	var (
		out       io.Writer = cmd.ErrOrStderr()
		formatter           = log.TextFormatter
		closeFile           = func() error { return nil }
	)
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) // #nosec G304 -- path from --log-file
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, formatter, closeFile = f, log.LogfmtFormatter, f.Close
	}

	logger := log.NewWithOptions(out, log.Options{
		Level:           level,
		Prefix:          "buildd",
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	})
	return logger, closeFile, nil
}
