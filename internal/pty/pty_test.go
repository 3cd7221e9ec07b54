// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package pty

import (
	"bytes"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func spawnTest(t *testing.T, cfg Config) *Process {
	t.Helper()
	p, err := Spawn(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Terminate() })
	return p
}

// readUntil consumes output until want appears or the stream ends.
func readUntil(t *testing.T, p *Process, want string, timeout time.Duration) []byte {
	t.Helper()
	var got []byte
	deadline := time.After(timeout)
	for {
		select {
		case chunk, ok := <-p.Output():
			if !ok {
				return got
			}
			got = append(got, chunk...)
			if want != "" && bytes.Contains(got, []byte(want)) {
				return got
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %q, got %q", want, got)
			return got
		}
	}
}

func processGone(pid int) bool {
	return unix.Kill(pid, 0) == unix.ESRCH
}

func TestSpawnEcho(t *testing.T) {
	p := spawnTest(t, Config{Command: []string{"/bin/sh", "-c", "echo hi"}})

	out := readUntil(t, p, "", 3*time.Second)
	assert.Contains(t, string(out), "hi")

	select {
	case <-p.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 0, p.ExitCode())
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := Spawn(Config{Command: []string{"/definitely/not/a/shell"}})
	assert.ErrorIs(t, err, ErrSpawnFailed)

	_, err = Spawn(Config{})
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestSpawnWorkingDir(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	p := spawnTest(t, Config{Command: []string{"/bin/sh", "-c", "pwd"}, Dir: dir})
	out := readUntil(t, p, "", 3*time.Second)
	assert.Contains(t, string(out), dir)
}

func TestInputOrderPreserved(t *testing.T) {
	p := spawnTest(t, Config{Command: []string{"/bin/cat"}})

	const lines = 100
	for i := 0; i < lines; i++ {
		require.NoError(t, p.Write([]byte(fmt.Sprintf("L%03d\n", i))))
	}
	out := readUntil(t, p, fmt.Sprintf("L%03d", lines-1), 5*time.Second)

	last := -1
	for i := 0; i < lines; i++ {
		idx := bytes.Index(out, []byte(fmt.Sprintf("L%03d", i)))
		require.Greater(t, idx, last, "line %d out of order", i)
		last = idx
	}
}

func TestResize(t *testing.T) {
	p := spawnTest(t, Config{Command: []string{"/bin/sh"}, Rows: 24, Cols: 80})

	require.NoError(t, p.Resize(40, 132))
	require.NoError(t, p.Write([]byte("stty size\n")))
	readUntil(t, p, "40 132", 3*time.Second)
}

func TestTerminate(t *testing.T) {
	p := spawnTest(t, Config{Command: []string{"/bin/sh"}})
	pid := p.Pid()

	require.NoError(t, p.Write([]byte("echo ready\n")))
	readUntil(t, p, "ready", 3*time.Second)

	require.NoError(t, p.Terminate())
	assert.True(t, processGone(pid), "shell should be reaped")

	// Idempotent, and the output stream ends.
	assert.NoError(t, p.Terminate())
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-p.Output():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, p.Write([]byte("ls\n")), ErrClosed)
	assert.NoError(t, p.Resize(10, 10))
}

func TestTerminateEscalatesToKill(t *testing.T) {
	p := spawnTest(t, Config{
		Command:        []string{"/bin/sh", "-c", "trap '' HUP TERM; echo trapped; while :; do sleep 1; done"},
		TerminateGrace: 200 * time.Millisecond,
		KillGrace:      2 * time.Second,
	})
	pid := p.Pid()
	readUntil(t, p, "trapped", 3*time.Second)

	start := time.Now()
	require.NoError(t, p.Terminate())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.True(t, processGone(pid))
}

func TestOutOfBandKill(t *testing.T) {
	p := spawnTest(t, Config{Command: []string{"/bin/sh"}})
	require.NoError(t, unix.Kill(p.Pid(), unix.SIGKILL))

	select {
	case <-p.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("exit not observed")
	}
	assert.Equal(t, -1, p.ExitCode())

	// Output ends without an error value, and resize is a no-op.
	readUntil(t, p, "", 3*time.Second)
	assert.NoError(t, p.Resize(30, 90))
	assert.NoError(t, p.Terminate())
}

func TestParseCommand(t *testing.T) {
	t.Setenv("STUDIO_TEST_SHELL", "/bin/zsh")

	tests := []struct {
		line string
		want []string
	}{
		{"/bin/bash", []string{"/bin/bash"}},
		{"zsh -l", []string{"zsh", "-l"}},
		{"'/opt/my shell/sh' -i", []string{"/opt/my shell/sh", "-i"}},
		{"$STUDIO_TEST_SHELL --login", []string{"/bin/zsh", "--login"}},
	}
	for _, tt := range tests {
		got, err := ParseCommand(tt.line)
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}

	_, err := ParseCommand("'unterminated")
	assert.Error(t, err)
}

func TestDefaultShell(t *testing.T) {
	t.Setenv("SHELL", "/bin/fish")
	assert.Equal(t, "/bin/fish", DefaultShell())

	t.Setenv("SHELL", "")
	assert.Contains(t, []string{"/bin/bash", "/bin/sh"}, DefaultShell())

	argv, err := ParseCommand("")
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultShell()}, argv)
}

func TestTerminateSweepsOtherProcessGroups(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs /proc")
	}
	// set -m puts the background job in its own process group.
	p := spawnTest(t, Config{
		Command:        []string{"/bin/sh", "-c", "set -m; sleep 987651 & echo started; wait"},
		TerminateGrace: 300 * time.Millisecond,
	})
	readUntil(t, p, "started", 3*time.Second)

	require.Eventually(t, func() bool {
		return len(sessionMembers(p.Pid())) == 2
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, p.Terminate())
	assert.Eventually(t, func() bool {
		return len(sessionMembers(p.Pid())) == 0
	}, 3*time.Second, 20*time.Millisecond)
}
