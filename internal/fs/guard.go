// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package fs confines every user-supplied path to the workspace root and
// provides the file operations the editor uses on top of that guard.
package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	ErrOutsideWorkspace = errors.New("path is outside the workspace")
	ErrNotFound         = errors.New("file or directory not found")
	ErrIsDirectory      = errors.New("path is a directory")
	ErrNotDirectory     = errors.New("path is not a directory")
	ErrNotText          = errors.New("file is not a text file")
)

// ResolvedPath is the canonical absolute form of a candidate path.
// Inside reports whether Path is the root or a descendant of it.
type ResolvedPath struct {
	Path   string
	Inside bool
}

// Guard resolves paths against a fixed, canonical workspace root.
// It is safe for concurrent use.
type Guard struct {
	root string
}

// NewGuard canonicalizes root (symlinks included, e.g. /var -> /private/var
// on macOS) and returns a guard for it. The root must exist and be a directory.
func NewGuard(root string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s: %w", canonical, ErrNotDirectory)
	}
	return &Guard{root: canonical}, nil
}

// Root returns the canonical workspace root.
func (g *Guard) Root() string {
	return g.root
}

// Resolve resolves candidate against the guard's root.
func (g *Guard) Resolve(candidate string) (ResolvedPath, error) {
	return Resolve(candidate, g.root)
}

// Rel returns the root-relative, slash-prefixed form of a resolved path.
func (g *Guard) Rel(resolved string) string {
	rel, err := filepath.Rel(g.root, resolved)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// Resolve canonicalizes candidate and reports whether it lies within root.
// root must already be canonical. Relative candidates are taken relative to
// root; an empty candidate means root itself.
//
// Components are walked one at a time the way the kernel would: symlinks
// are followed as they are met and ".." steps back from the canonical
// prefix. Components that do not exist yet are appended as-is, so paths for
// files that do not exist yet still resolve. A ".." after a missing
// component fails with ErrNotFound, like it would in the kernel.
//
// The returned error is ErrOutsideWorkspace when the canonical path is not
// inside root. Resolve never reads or writes file contents.
func Resolve(candidate, root string) (ResolvedPath, error) {
	var full string
	switch {
	case candidate == "":
		full = root
	case filepath.IsAbs(candidate):
		full = candidate
	default:
		full = strings.TrimSuffix(root, string(filepath.Separator)) + string(filepath.Separator) + candidate
	}

	canonical, err := canonicalize(full)
	if err != nil {
		return ResolvedPath{}, fmt.Errorf("%s: %w", candidate, err)
	}

	resolved := ResolvedPath{Path: canonical, Inside: isPathWithin(canonical, root)}
	if !resolved.Inside {
		return resolved, fmt.Errorf("%s: %w", candidate, ErrOutsideWorkspace)
	}
	return resolved, nil
}

// maxLinkHops bounds symlink chains, mirroring the kernel's ELOOP.
const maxLinkHops = 40

// canonicalize resolves an absolute path component by component.
func canonicalize(path string) (string, error) {
	sep := string(filepath.Separator)
	pending := splitRaw(path)
	resolved := sep
	// absent is set once a component does not exist. Nothing below it can
	// be a symlink, so later components are appended without lookups.
	absent := false
	hops := 0

	for len(pending) > 0 {
		part := pending[0]
		pending = pending[1:]

		switch part {
		case ".":
			continue
		case "..":
			if absent {
				return "", fmt.Errorf("resolve %s: %w", path, ErrNotFound)
			}
			resolved = filepath.Dir(resolved)
			continue
		}

		next := filepath.Join(resolved, part)
		if absent {
			resolved = next
			continue
		}

		info, err := os.Lstat(next)
		switch {
		case err != nil && missing(err):
			absent = true
			resolved = next
		case err != nil:
			return "", fmt.Errorf("resolve %s: %w", path, err)
		case info.Mode()&os.ModeSymlink != 0:
			hops++
			if hops > maxLinkHops {
				return "", fmt.Errorf("resolve %s: %w", path, syscall.ELOOP)
			}
			target, err := os.Readlink(next)
			if err != nil {
				return "", fmt.Errorf("resolve %s: %w", path, err)
			}
			if filepath.IsAbs(target) {
				resolved = sep
			}
			pending = append(splitRaw(target), pending...)
		default:
			resolved = next
		}
	}
	return resolved, nil
}

// splitRaw splits a path into its components without cleaning, dropping
// empty segments produced by repeated separators.
func splitRaw(path string) []string {
	raw := strings.Split(path, string(filepath.Separator))
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func missing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// isPathWithin checks if path is equal to or inside root.
// This is safer than strings.HasPrefix which would incorrectly match
// /workspace-evil as being within /workspace.
func isPathWithin(path, root string) bool {
	if path == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
