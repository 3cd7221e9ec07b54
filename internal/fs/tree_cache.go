// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package fs

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// maxCachedDirs caps how many directories are watched.
const maxCachedDirs = 256

// TreeCache keeps directory listings for the file tree and drops them as
// soon as fsnotify reports a change inside the directory.
//
// A directory is watched before it is read. Every change bumps the
// directory's generation, and a listing is only stored if no change
// happened since its read began.
type TreeCache struct {
	log     zerolog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	entries map[string][]FileInfo
	gens    map[string]uint64 // watched directories

	stopOnce sync.Once
	done     chan struct{}
}

// NewTreeCache starts the watcher goroutine. Close releases it.
func NewTreeCache(log zerolog.Logger) (*TreeCache, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	c := &TreeCache{
		log:     log,
		watcher: w,
		entries: make(map[string][]FileInfo),
		gens:    make(map[string]uint64),
		done:    make(chan struct{}),
	}
	go c.watchLoop()
	return c, nil
}

// Get returns a copy of the cached listing for dir.
func (c *TreeCache) Get(dir string) ([]FileInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.entries[dir]
	if !ok {
		return nil, false
	}
	return append([]FileInfo(nil), entries...), true
}

// Watch starts watching dir, if it is not watched yet, and returns its
// current generation. It must be called before dir is read. ok is false
// when dir cannot be watched, since nothing would invalidate its listing.
func (c *TreeCache) Watch(dir string) (gen uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen, ok := c.gens[dir]; ok {
		return gen, true
	}
	if len(c.gens) >= maxCachedDirs {
		c.resetLocked()
	}
	if err := c.watcher.Add(dir); err != nil {
		c.log.Debug().Err(err).Str("dir", dir).Msg("tree cache: watch failed")
		return 0, false
	}
	c.gens[dir] = 0
	return 0, true
}

// Put caches a listing read after Watch returned gen. It is dropped if dir
// changed in the meantime.
func (c *TreeCache) Put(dir string, entries []FileInfo, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.gens[dir]; !ok || current != gen {
		return
	}
	c.entries[dir] = append([]FileInfo(nil), entries...)
}

// Invalidate drops the listing for dir.
func (c *TreeCache) Invalidate(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changedLocked(dir)
}

func (c *TreeCache) changedLocked(dir string) {
	delete(c.entries, dir)
	if _, ok := c.gens[dir]; ok {
		c.gens[dir]++
	}
}

func (c *TreeCache) unwatchLocked(dir string) {
	if _, ok := c.gens[dir]; !ok {
		return
	}
	delete(c.entries, dir)
	delete(c.gens, dir)
	// The watch may already be gone if dir was deleted.
	_ = c.watcher.Remove(dir)
}

func (c *TreeCache) resetLocked() {
	for dir := range c.gens {
		c.unwatchLocked(dir)
	}
}

func (c *TreeCache) watchLoop() {
	defer close(c.done)
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.mu.Lock()
			c.changedLocked(filepath.Dir(ev.Name))
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				c.unwatchLocked(ev.Name)
			}
			c.mu.Unlock()

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn().Err(err).Msg("tree cache: watcher error")
			// Events may have been lost.
			c.mu.Lock()
			c.resetLocked()
			c.mu.Unlock()
		}
	}
}

// Close stops the watcher. Safe to call multiple times.
func (c *TreeCache) Close() error {
	var err error
	c.stopOnce.Do(func() {
		err = c.watcher.Close()
		<-c.done
	})
	return err
}
