// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package config loads server settings from the environment and .env.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable name, e.g. BROCKSTON_PORT.
// Only GITHUB_TOKEN is also read without the prefix.
const Prefix = "BROCKSTON"

type Settings struct {
	Host      string `split_words:"true" default:"127.0.0.1"`
	Port      int    `split_words:"true" default:"7777"`
	Workspace string `split_words:"true" default:"~/Code"`
	Shell     string `split_words:"true" default:""`

	LogLevel  string `split_words:"true" default:"info"`
	LogPretty bool   `split_words:"true" default:"false"`

	AllowedOrigins []string `split_words:"true" default:"http://localhost:*,http://127.0.0.1:*"`
	FrontendDir    string   `split_words:"true" default:""`
	// The explicit name makes envconfig fall back to the bare GITHUB_TOKEN.
	GitHubToken string   `envconfig:"GITHUB_TOKEN" default:""`
	TreeIgnore  []string `split_words:"true" default:".*,__pycache__,venv"`

	// Terminal and clone timing
	CloneTimeout    time.Duration `split_words:"true" default:"5m"`
	WriteTimeout    time.Duration `split_words:"true" default:"5s"`
	TerminateGrace  time.Duration `split_words:"true" default:"3s"`
	KillGrace       time.Duration `split_words:"true" default:"2s"`
	ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
}

// Addr returns the listen address.
func (s *Settings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Load reads .env from the working directory when present, then the
// process environment.
func Load() (*Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &s, nil
}

// PrepareWorkspace expands a leading ~, makes the path absolute and
// creates the directory if it does not exist yet.
func (s *Settings) PrepareWorkspace() error {
	path, err := ExpandHome(s.Workspace)
	if err != nil {
		return err
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("workspace %s: %w", s.Workspace, err)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("create workspace %s: %w", path, err)
	}
	s.Workspace = path
	return nil
}

// ExpandHome replaces a leading "~" or "~/" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
