// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package sessions

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/brockston/studio/internal/metrics"
	"github.com/brockston/studio/internal/pty"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrShuttingDown    = errors.New("server is shutting down")
)

// Workspace resolves a requested working directory to a canonical,
// existing directory inside the workspace root. *fs.Workspace implements it.
type Workspace interface {
	Dir(path string) (string, error)
}

// Config controls how shells are started and stopped
type Config struct {
	// Command is the shell argv.
	Command []string
	// Env is added to every shell's environment.
	Env []string

	WriteTimeout   time.Duration
	TerminateGrace time.Duration
	KillGrace      time.Duration
}

// SpawnOptions are the per-session creation parameters.
type SpawnOptions struct {
	// Dir is the working directory, root-relative or absolute.
	// Empty means the workspace root.
	Dir  string
	Rows uint16
	Cols uint16
}

// Registry maps session ids to live sessions and connection keys to the
// session they own. One mutex guards both maps.
type Registry struct {
	ws      Workspace
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	byConn   map[ConnID]string
	closed   bool
}

// New creates an empty registry.
func New(ws Workspace, cfg Config, log zerolog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		ws:       ws,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		sessions: make(map[string]*Session),
		byConn:   make(map[ConnID]string),
	}
}

// Create starts a shell for conn and registers it. The working directory
// is resolved through the workspace guard before anything is spawned. If
// conn already owns a session, that session is destroyed once the new one
// is registered, so a connection never ends up with zero or two sessions.
func (r *Registry) Create(conn ConnID, opts SpawnOptions) (*Session, error) {
	if r.isClosed() {
		return nil, ErrShuttingDown
	}

	dir, err := r.ws.Dir(opts.Dir)
	if err != nil {
		return nil, err
	}

	proc, err := pty.Spawn(pty.Config{
		Command:        r.cfg.Command,
		Dir:            dir,
		Env:            r.cfg.Env,
		Rows:           opts.Rows,
		Cols:           opts.Cols,
		WriteTimeout:   r.cfg.WriteTimeout,
		TerminateGrace: r.cfg.TerminateGrace,
		KillGrace:      r.cfg.KillGrace,
	})
	if err != nil {
		r.metrics.SpawnFailed()
		r.log.Error().Err(err).Str("client", string(conn)).Str("cwd", dir).Msg("failed to spawn shell")
		return nil, err
	}

	rows, cols := opts.Rows, opts.Cols
	if rows == 0 || cols == 0 {
		rows, cols = 24, 80
	}
	s := newSession(uuid.New().String(), conn, proc, dir, rows, cols)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		proc.Terminate()
		return nil, ErrShuttingDown
	}
	prev, hadPrev := r.byConn[conn]
	r.sessions[s.ID] = s
	r.byConn[conn] = s.ID
	r.mu.Unlock()

	r.metrics.SessionCreated()
	r.log.Info().
		Str("session", s.ID).
		Str("client", string(conn)).
		Str("cwd", dir).
		Int("pid", proc.Pid()).
		Msg("session created")

	if hadPrev {
		r.DestroyWithReason(prev, ReasonReplaced)
	}

	go r.watch(s)
	return s, nil
}

// Replace destroys the session owned by conn, waits until its shell is
// gone, and then creates a fresh one.
func (r *Registry) Replace(conn ConnID, opts SpawnOptions) (*Session, error) {
	if s, ok := r.Lookup(conn); ok {
		r.DestroyWithReason(s.ID, ReasonReplaced)
	}
	return r.Create(conn, opts)
}

// watch tears the session down when its shell exits on its own, whether
// or not a pump is attached.
func (r *Registry) watch(s *Session) {
	select {
	case <-s.Exited():
		r.DestroyWithReason(s.ID, ReasonProcessExited)
	case <-s.finished:
	}
}

// Destroy tears down a session with ReasonClosed.
func (r *Registry) Destroy(id string) {
	r.DestroyWithReason(id, ReasonClosed)
}

// DestroyWithReason terminates the shell, closes the pty and removes the
// entry, in that order. Unknown ids are ignored. Concurrent callers for the
// same id all return after teardown has finished. The first reason wins.
func (r *Registry) DestroyWithReason(id, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if s.closing {
		r.mu.Unlock()
		<-s.finished
		return
	}
	s.closing = true
	r.mu.Unlock()

	s.setCloseReason(reason)
	start := time.Now()
	if err := s.proc.Terminate(); err != nil {
		r.log.Error().Err(err).Str("session", s.ID).Msg("shell did not terminate")
	}

	r.mu.Lock()
	delete(r.sessions, id)
	if r.byConn[s.Conn] == id {
		delete(r.byConn, s.Conn)
	}
	r.mu.Unlock()

	r.metrics.SessionDestroyed(s.CloseReason())
	r.log.Info().
		Str("session", s.ID).
		Str("client", string(s.Conn)).
		Str("reason", s.CloseReason()).
		Dur("took", time.Since(start)).
		Msg("session destroyed")
	close(s.finished)
}

// Get retrieves a session by ID
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Lookup returns the session owned by conn.
func (r *Registry) Lookup(conn ConnID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[conn]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// List returns a snapshot of all registered sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown refuses new sessions and destroys every live one in parallel.
// It returns once all of them are gone.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.DestroyWithReason(id, ReasonShutdown)
		}(id)
	}
	wg.Wait()
	r.log.Info().Int("sessions", len(ids)).Msg("registry drained")
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
