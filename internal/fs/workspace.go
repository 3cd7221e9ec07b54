// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package fs

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

// DefaultIgnore hides dotfiles and Python build clutter from the tree.
var DefaultIgnore = []string{".*", "__pycache__", "venv"}

// FileInfo is one entry of a directory listing
type FileInfo struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

// OpenedFile is the result of opening a text file
type OpenedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Workspace provides guarded filesystem access for the editor.
// Every operation resolves its path through the Guard before any I/O.
type Workspace struct {
	guard  *Guard
	fs     afero.Fs
	ignore []string
	cache  *TreeCache
}

// Option configures a Workspace
type Option func(*Workspace)

// WithIgnore replaces the tree ignore globs.
func WithIgnore(patterns []string) Option {
	return func(w *Workspace) {
		w.ignore = patterns
	}
}

// WithTreeCache enables cached directory listings.
func WithTreeCache(c *TreeCache) Option {
	return func(w *Workspace) {
		w.cache = c
	}
}

// NewWorkspace creates a workspace over the OS filesystem.
func NewWorkspace(guard *Guard, opts ...Option) *Workspace {
	w := &Workspace{
		guard:  guard,
		fs:     afero.NewOsFs(),
		ignore: DefaultIgnore,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Root returns the workspace root path
func (w *Workspace) Root() string {
	return w.guard.Root()
}

// Guard returns the guard the workspace resolves paths with.
func (w *Workspace) Guard() *Guard {
	return w.guard
}

// Tree returns the visible entries of a directory, directories first,
// then files, each group ordered by case-insensitive name.
func (w *Workspace) Tree(path string) ([]FileInfo, error) {
	resolved, err := w.guard.Resolve(path)
	if err != nil {
		return nil, err
	}

	var (
		gen     uint64
		watched bool
	)
	if w.cache != nil {
		if entries, ok := w.cache.Get(resolved.Path); ok {
			return entries, nil
		}
	}

	info, err := w.fs.Stat(resolved.Path)
	if err != nil {
		return nil, mapError(err)
	}
	if !info.IsDir() {
		return nil, ErrNotDirectory
	}
	if w.cache != nil {
		gen, watched = w.cache.Watch(resolved.Path)
	}

	infos, err := afero.ReadDir(w.fs, resolved.Path)
	if err != nil {
		return nil, mapError(err)
	}

	entries := make([]FileInfo, 0, len(infos))
	for _, info := range infos {
		if w.ignored(info.Name()) {
			continue
		}
		entries = append(entries, FileInfo{
			Name:  info.Name(),
			Path:  strings.TrimPrefix(w.guard.Rel(filepath.Join(resolved.Path, info.Name())), "/"),
			IsDir: info.IsDir(),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})

	if watched {
		w.cache.Put(resolved.Path, entries, gen)
	}
	return entries, nil
}

func (w *Workspace) ignored(name string) bool {
	for _, pattern := range w.ignore {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Open reads a UTF-8 text file.
func (w *Workspace) Open(path string) (*OpenedFile, error) {
	resolved, err := w.guard.Resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := w.fs.Stat(resolved.Path)
	if err != nil {
		return nil, mapError(err)
	}
	if info.IsDir() {
		return nil, ErrIsDirectory
	}

	data, err := afero.ReadFile(w.fs, resolved.Path)
	if err != nil {
		return nil, mapError(err)
	}
	if !utf8.Valid(data) {
		return nil, ErrNotText
	}

	return &OpenedFile{Path: resolved.Path, Content: string(data)}, nil
}

// Save writes content to a file, creating parent directories as needed,
// and returns the canonical path written.
func (w *Workspace) Save(path string, content []byte) (string, error) {
	resolved, err := w.guard.Resolve(path)
	if err != nil {
		return "", err
	}
	if resolved.Path == w.guard.Root() {
		return "", ErrIsDirectory
	}

	if err := w.fs.MkdirAll(filepath.Dir(resolved.Path), 0755); err != nil {
		return "", mapError(err)
	}
	if info, err := w.fs.Stat(resolved.Path); err == nil && info.IsDir() {
		return "", ErrIsDirectory
	}
	if err := afero.WriteFile(w.fs, resolved.Path, content, 0644); err != nil {
		return "", mapError(err)
	}
	if w.cache != nil {
		w.cache.Invalidate(filepath.Dir(resolved.Path))
	}
	return resolved.Path, nil
}

// Dir resolves path and requires it to be an existing directory.
func (w *Workspace) Dir(path string) (string, error) {
	resolved, err := w.guard.Resolve(path)
	if err != nil {
		return "", err
	}
	info, err := w.fs.Stat(resolved.Path)
	if err != nil {
		return "", mapError(err)
	}
	if !info.IsDir() {
		return "", ErrNotDirectory
	}
	return resolved.Path, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, syscall.ENOTDIR):
		return ErrNotDirectory
	}
	return err
}
