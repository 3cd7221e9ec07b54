// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package git clones repositories into the workspace and reports their
// status. Every destination and repository path goes through the workspace
// guard before git is run.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/brockston/studio/internal/fs"
)

var (
	ErrInvalidURL        = errors.New("invalid git url")
	ErrInvalidFolder     = errors.New("invalid folder name")
	ErrDestinationExists = errors.New("destination already exists")
	ErrGitNotFound       = errors.New("git command not found")
	ErrCloneFailed       = errors.New("git clone failed")
	ErrNotRepository     = errors.New("not a git repository")
)

const (
	DefaultCloneTimeout = 5 * time.Minute
	statusTimeout       = 10 * time.Second
)

// DefaultHosts are the hosts repositories may be cloned from.
var DefaultHosts = []string{"github.com", "www.github.com"}

// Status is the state of a working copy
type Status struct {
	Branch     string `json:"branch"`
	HasChanges bool   `json:"has_changes"`
	IsRepo     bool   `json:"is_repo"`
}

// CloneResult describes a finished clone
type CloneResult struct {
	LocalPath     string `json:"local_path"`
	WorkspaceName string `json:"workspace_name"`
}

// Client runs git against the workspace.
type Client struct {
	guard        *fs.Guard
	token        string
	timeout      time.Duration
	allowedHosts []string
	gitPath      string
	log          zerolog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithToken authenticates clones from github.com with a personal access token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithCloneTimeout bounds how long a clone may run.
func WithCloneTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAllowedHosts replaces the clone host allowlist. Entries are host or
// host:port.
func WithAllowedHosts(hosts ...string) Option {
	return func(c *Client) {
		c.allowedHosts = hosts
	}
}

// WithGitPath runs the named binary instead of "git" from PATH.
func WithGitPath(path string) Option {
	return func(c *Client) {
		c.gitPath = path
	}
}

func New(guard *fs.Guard, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		guard:        guard,
		timeout:      DefaultCloneTimeout,
		allowedHosts: DefaultHosts,
		gitPath:      "git",
		log:          log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Clone clones gitURL into the workspace. folder defaults to the repository
// name from the URL. The destination must not exist yet; a failed clone
// leaves nothing behind.
func (c *Client) Clone(ctx context.Context, gitURL, folder string) (*CloneResult, error) {
	u, err := c.validateURL(gitURL)
	if err != nil {
		return nil, err
	}
	if folder == "" {
		folder = repoName(u)
	}
	if err := validateFolder(folder); err != nil {
		return nil, err
	}

	dest, err := c.guard.Resolve(folder)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(dest.Path); err == nil {
		return nil, fmt.Errorf("%s: %w", folder, ErrDestinationExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	git, err := c.lookGit()
	if err != nil {
		return nil, err
	}

	cloneURL := c.authenticate(u)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, git, "clone", "--", cloneURL, dest.Path)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.log.Info().
		Str("url", u.Redacted()).
		Str("dest", dest.Path).
		Bool("authenticated", cloneURL != u.String()).
		Msg("cloning repository")

	if err := cmd.Run(); err != nil {
		// Remove whatever the partial clone left.
		if rmErr := os.RemoveAll(dest.Path); rmErr != nil {
			c.log.Warn().Err(rmErr).Str("dest", dest.Path).Msg("failed to clean up partial clone")
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timed out after %s", ErrCloneFailed, c.timeout)
		}
		msg := c.redact(strings.TrimSpace(stderr.String()))
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%w: %s", ErrCloneFailed, msg)
	}

	c.log.Info().Str("dest", dest.Path).Msg("repository cloned")
	return &CloneResult{LocalPath: dest.Path, WorkspaceName: folder}, nil
}

// Status reports the current branch and whether the working copy is dirty.
// path must be the repository root.
func (c *Client) Status(ctx context.Context, path string) (*Status, error) {
	repo, err := c.guard.Resolve(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(repo.Path, ".git")); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", c.guard.Rel(repo.Path), ErrNotRepository)
		}
		return nil, err
	}

	git, err := c.lookGit()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	status := &Status{Branch: "unknown", IsRepo: true}
	if out, err := exec.CommandContext(ctx, git, "-C", repo.Path, "rev-parse", "--abbrev-ref", "HEAD").Output(); err == nil {
		status.Branch = strings.TrimSpace(string(out))
	}
	out, err := exec.CommandContext(ctx, git, "-C", repo.Path, "status", "--porcelain").Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("git status timed out: %w", ctx.Err())
		}
		c.log.Debug().Err(err).Str("repo", repo.Path).Msg("git status failed")
		return status, nil
	}
	status.HasChanges = len(bytes.TrimSpace(out)) > 0
	return status, nil
}

func (c *Client) lookGit() (string, error) {
	path, err := exec.LookPath(c.gitPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGitNotFound, err)
	}
	return path, nil
}

func (c *Client) validateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("%w: only http(s) urls are supported", ErrInvalidURL)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: credentials in url are not allowed", ErrInvalidURL)
	}
	if !c.hostAllowed(u.Host) {
		return nil, fmt.Errorf("%w: host %q is not allowed", ErrInvalidURL, u.Host)
	}
	if strings.Trim(u.Path, "/") == "" {
		return nil, fmt.Errorf("%w: missing repository path", ErrInvalidURL)
	}
	return u, nil
}

func (c *Client) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, h := range c.allowedHosts {
		if strings.ToLower(h) == host {
			return true
		}
	}
	return false
}

// authenticate returns the URL git should use. The token is only ever
// sent to github.com over https.
func (c *Client) authenticate(u *url.URL) string {
	if c.token == "" || u.Scheme != "https" || !strings.EqualFold(u.Hostname(), "github.com") {
		return u.String()
	}
	authed := *u
	authed.User = url.User(c.token)
	return authed.String()
}

func (c *Client) redact(msg string) string {
	if c.token == "" {
		return msg
	}
	return strings.ReplaceAll(msg, c.token, "***")
}

// repoName derives a folder name from the last path segment, without ".git".
func repoName(u *url.URL) string {
	name := path.Base(strings.TrimRight(u.Path, "/"))
	return strings.TrimSuffix(name, ".git")
}

func validateFolder(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidFolder, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q", ErrInvalidFolder, name)
	}
	return nil
}
