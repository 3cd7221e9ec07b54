// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package sessions manages terminal session lifecycle.
//
// A Session pairs one browser connection with one shell running on its own
// pty. Sessions live only in memory. The Registry is the single owner of
// every Session: it creates them, and it is the only thing that destroys
// them, always in the same order (signal the shell, close the pty, drop the
// entry).
package sessions

import (
	"sync"
	"time"

	"github.com/brockston/studio/internal/pty"
)

// ConnID identifies the connection that owns a session.
type ConnID string

// Close reasons recorded on a session and sent to its client.
const (
	ReasonProcessExited = "process exited"
	ReasonClosed        = "session closed"
	ReasonReplaced      = "session replaced"
	ReasonDisconnected  = "client disconnected"
	ReasonUnresponsive  = "process unresponsive"
	ReasonShutdown      = "server shutdown"
)

// Info is a read-only snapshot of a session
type Info struct {
	ID        string    `json:"id"`
	Conn      ConnID    `json:"client"`
	CreatedAt time.Time `json:"created_at"`
	Dir       string    `json:"cwd"`
	Rows      uint16    `json:"rows"`
	Cols      uint16    `json:"cols"`
	Pid       int       `json:"pid"`
}

// Session is a live terminal: one connection key, one shell process.
type Session struct {
	ID        string
	Conn      ConnID
	CreatedAt time.Time

	proc *pty.Process
	dir  string

	mu          sync.Mutex
	rows        uint16
	cols        uint16
	closeReason string

	// closing and finished are owned by the Registry.
	closing  bool
	finished chan struct{}
}

func newSession(id string, conn ConnID, proc *pty.Process, dir string, rows, cols uint16) *Session {
	return &Session{
		ID:        id,
		Conn:      conn,
		CreatedAt: time.Now(),
		proc:      proc,
		dir:       dir,
		rows:      rows,
		cols:      cols,
		finished:  make(chan struct{}),
	}
}

// Write forwards client input to the shell in call order.
func (s *Session) Write(data []byte) error {
	return s.proc.Write(data)
}

// Resize changes the terminal geometry.
func (s *Session) Resize(rows, cols uint16) error {
	if err := s.proc.Resize(rows, cols); err != nil {
		return err
	}
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	s.mu.Unlock()
	return nil
}

// Output returns the shell's output stream. It closes when the shell has
// exited or the session was destroyed.
func (s *Session) Output() <-chan []byte {
	return s.proc.Output()
}

// Exited is closed once the shell process has been reaped.
func (s *Session) Exited() <-chan struct{} {
	return s.proc.Exited()
}

// Done is closed once the session has been torn down and removed.
func (s *Session) Done() <-chan struct{} {
	return s.finished
}

// CloseReason returns why the session is being or was destroyed, or "".
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

func (s *Session) setCloseReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason == "" {
		s.closeReason = reason
	}
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:        s.ID,
		Conn:      s.Conn,
		CreatedAt: s.CreatedAt,
		Dir:       s.dir,
		Rows:      s.rows,
		Cols:      s.cols,
		Pid:       s.proc.Pid(),
	}
}
