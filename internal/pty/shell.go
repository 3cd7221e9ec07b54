// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package pty

import (
	"errors"
	"fmt"
	"os"

	"mvdan.cc/sh/v3/shell"
)

// DefaultShell returns the preferred shell for PTY sessions.
// Honors SHELL env var when available, otherwise falls back to /bin/bash or /bin/sh.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash"
	}
	return "/bin/sh"
}

// ParseCommand splits a configured shell command line into argv using
// POSIX shell quoting, so "zsh -l" or "'/opt/my shell/bin/sh'" both work.
// Environment references are expanded from the server's environment.
func ParseCommand(line string) ([]string, error) {
	if line == "" {
		line = DefaultShell()
	}
	argv, err := shell.Fields(line, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("parse shell command %q: %w", line, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("shell command is empty")
	}
	return argv, nil
}
