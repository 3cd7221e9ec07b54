// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package pty owns one pseudo-terminal and the shell attached to it.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

var (
	ErrSpawnFailed  = errors.New("spawn failed")
	ErrUnresponsive = errors.New("process unresponsive")
	ErrClosed       = errors.New("pty closed")
)

const (
	DefaultWriteTimeout   = 5 * time.Second
	DefaultTerminateGrace = 3 * time.Second
	DefaultKillGrace      = 2 * time.Second
	DefaultDrainGrace     = 500 * time.Millisecond

	defaultOutputBuffer = 64
	inputQueueDepth     = 64
	readBufferSize      = 32 * 1024
)

// Config describes the shell to start
type Config struct {
	// Command is the shell argv. Command[0] is looked up in PATH.
	Command []string
	// Dir is the working directory; it must already be validated.
	Dir string
	// Env is appended to the server's environment.
	Env []string

	Rows uint16
	Cols uint16

	// WriteTimeout bounds how long input may wait on a stuck child.
	WriteTimeout time.Duration
	// TerminateGrace is how long the child gets after SIGHUP/SIGTERM.
	TerminateGrace time.Duration
	// KillGrace is how long to wait for reaping after SIGKILL.
	KillGrace time.Duration
	// DrainGrace is how long to keep reading after the child exited.
	DrainGrace time.Duration
	// OutputBuffer is the number of chunks buffered ahead of the consumer.
	OutputBuffer int
}

func (c *Config) withDefaults() {
	if c.Rows == 0 {
		c.Rows = 24
	}
	if c.Cols == 0 {
		c.Cols = 80
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = DefaultTerminateGrace
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	if c.OutputBuffer <= 0 {
		c.OutputBuffer = defaultOutputBuffer
	}
}

// Process is a shell running on the slave side of a pty.
// Write, Resize and Terminate may be called from different goroutines,
// but Write must only be called from one goroutine to keep input ordered.
type Process struct {
	cfg  Config
	file *os.File
	cmd  *exec.Cmd

	input    chan []byte
	inflight atomic.Int64 // unix nanos when the current write started, 0 if idle

	output   chan []byte
	readDone chan struct{}

	exited   chan struct{}
	exitCode int
	exitErr  error

	closing   chan struct{}
	closeOnce sync.Once
	termMu    sync.Mutex
	termErr   error
	termDone  bool
	fileOnce  sync.Once
}

// Spawn starts cfg.Command on a new pty with the requested geometry.
// The child becomes a session leader with the pty as controlling terminal.
func Spawn(cfg Config) (*Process, error) {
	cfg.withDefaults()
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("%w: empty shell command", ErrSpawnFailed)
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, cfg.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: cfg.Rows,
		Cols: cfg.Cols,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	p := &Process{
		cfg:      cfg,
		file:     ptmx,
		cmd:      cmd,
		input:    make(chan []byte, inputQueueDepth),
		output:   make(chan []byte, cfg.OutputBuffer),
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
		closing:  make(chan struct{}),
	}

	go p.readLoop()
	go p.writeLoop()
	go p.waitLoop()

	return p, nil
}

// Pid returns the child's process id
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Output returns the stream of output chunks. It is closed once the child
// has exited and its output has been drained, or the pty was closed.
func (p *Process) Output() <-chan []byte {
	return p.output
}

// Exited returns a channel closed when the child has been reaped
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitCode returns the child's exit code, or -1 while it is running or
// when it was killed by a signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.exited:
		return p.exitCode
	default:
		return -1
	}
}

// Write queues data for the child's input. It only blocks while the queue
// is full, and at most WriteTimeout before reporting ErrUnresponsive.
func (p *Process) Write(data []byte) error {
	select {
	case <-p.closing:
		return ErrClosed
	default:
	}

	if started := p.inflight.Load(); started != 0 {
		if time.Since(time.Unix(0, started)) > p.cfg.WriteTimeout {
			return ErrUnresponsive
		}
	}

	chunk := make([]byte, len(data))
	copy(chunk, data)

	select {
	case p.input <- chunk:
		return nil
	default:
	}

	timer := time.NewTimer(p.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case p.input <- chunk:
		return nil
	case <-p.closing:
		return ErrClosed
	case <-timer.C:
		return ErrUnresponsive
	}
}

// writeLoop is the only writer to the pty, which keeps input in order.
func (p *Process) writeLoop() {
	for {
		select {
		case chunk := <-p.input:
			p.inflight.Store(time.Now().UnixNano())
			_, err := p.file.Write(chunk)
			p.inflight.Store(0)
			if err != nil {
				return
			}
		case <-p.closing:
			return
		}
	}
}

// readLoop copies pty output to the output channel until the pty fails,
// which happens once every holder of the slave side is gone or the master
// is closed.
func (p *Process) readLoop() {
	defer close(p.readDone)
	defer close(p.output)

	buf := make([]byte, readBufferSize)
	for {
		n, err := p.file.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case p.output <- data:
			case <-p.closing:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the child. Background jobs can keep the slave open after
// the shell exits, so the master is closed once DrainGrace has passed.
func (p *Process) waitLoop() {
	err := p.cmd.Wait()
	p.exitCode = p.cmd.ProcessState.ExitCode()
	p.exitErr = err
	close(p.exited)

	select {
	case <-p.readDone:
	case <-time.After(p.cfg.DrainGrace):
	case <-p.closing:
		return
	}
	p.closeFile()
}

// Resize changes the pty window size. It is a no-op once the child exited.
func (p *Process) Resize(rows, cols uint16) error {
	select {
	case <-p.exited:
		return nil
	case <-p.closing:
		return nil
	default:
	}
	err := pty.Setsize(p.file, &pty.Winsize{
		Rows: rows,
		Cols: cols,
	})
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// Terminate stops the child and closes the pty, in that order.
// Every process in the child's session gets SIGHUP and SIGTERM, then
// SIGKILL after TerminateGrace. Processes the child left behind are swept
// the same way, also when the child had already exited. ErrUnresponsive
// is returned if the child is still not reaped KillGrace after SIGKILL.
// Safe to call multiple times; later calls return the first result.
func (p *Process) Terminate() error {
	p.termMu.Lock()
	defer p.termMu.Unlock()
	if p.termDone {
		return p.termErr
	}
	p.termDone = true

	select {
	case <-p.exited:
		// Let the reader pick up the last of the output before closing.
		select {
		case <-p.readDone:
		case <-time.After(p.cfg.DrainGrace):
		}
	default:
		p.termErr = p.stop()
	}
	// Jobs the shell left behind, in any process group of its session.
	sweepSession(p.cmd.Process.Pid, p.cfg.TerminateGrace)

	p.closeOnce.Do(func() { close(p.closing) })
	p.closeFile()
	return p.termErr
}

func (p *Process) stop() error {
	pid := p.cmd.Process.Pid
	signalSession(pid, unix.SIGHUP)
	signalSession(pid, unix.SIGTERM)

	select {
	case <-p.exited:
		return nil
	case <-time.After(p.cfg.TerminateGrace):
	}

	signalSession(pid, unix.SIGKILL)
	_ = p.cmd.Process.Kill()

	select {
	case <-p.exited:
		return nil
	case <-time.After(p.cfg.KillGrace):
		return fmt.Errorf("pid %d: %w", pid, ErrUnresponsive)
	}
}

func (p *Process) closeFile() {
	p.fileOnce.Do(func() {
		p.file.Close()
	})
}
