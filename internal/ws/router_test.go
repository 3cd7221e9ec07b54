// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/brockston/studio/internal/fs"
	"github.com/brockston/studio/internal/metrics"
	"github.com/brockston/studio/internal/sessions"
)

type testEnv struct {
	server   *httptest.Server
	registry *sessions.Registry
	metrics  *metrics.Metrics
	root     string
}

func setupTestServer(t *testing.T, command ...string) *testEnv {
	t.Helper()
	if len(command) == 0 {
		command = []string{"/bin/sh"}
	}
	guard, err := fs.NewGuard(t.TempDir())
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())
	reg := sessions.New(fs.NewWorkspace(guard), sessions.Config{
		Command:        command,
		TerminateGrace: 500 * time.Millisecond,
		KillGrace:      time.Second,
	}, zerolog.Nop(), m)

	router := NewRouter(reg, []string{"http://localhost:*"}, zerolog.Nop(), m, PumpOptions{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/terminal", router.HandleTerminal)
	server := httptest.NewServer(mux)

	// Cleanups run in reverse: drain sessions before closing the server.
	t.Cleanup(server.Close)
	t.Cleanup(reg.Shutdown)
	return &testEnv{server: server, registry: reg, metrics: m, root: guard.Root()}
}

func (e *testEnv) url(query url.Values) string {
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/terminal"
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (e *testEnv) dial(t *testing.T, query url.Values) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url(query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// session waits for the registry to hold a session for client.
func (e *testEnv) session(t *testing.T, client string) *sessions.Session {
	t.Helper()
	var s *sessions.Session
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = e.registry.Lookup(sessions.ConnID(client))
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	return s
}

func sendInput(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	msg, err := json.Marshal(map[string]string{"type": "input", "data": data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
}

func readOutputUntil(t *testing.T, conn *websocket.Conn, want string) string {
	t.Helper()
	var got bytes.Buffer
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q, got %q", want, got.String())
		require.Equal(t, websocket.TextMessage, mt)

		var msg struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, TypeOutput, msg.Type)
		got.WriteString(msg.Data)
		if strings.Contains(got.String(), want) {
			return got.String()
		}
	}
}

// readBytesUntil collects shell output from text and binary frames until
// want appears.
func readBytesUntil(t *testing.T, conn *websocket.Conn, want []byte) []byte {
	t.Helper()
	var got []byte
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q, got %q", want, got)
		switch mt {
		case websocket.BinaryMessage:
			got = append(got, data...)
		case websocket.TextMessage:
			var msg struct {
				Data string `json:"data"`
			}
			require.NoError(t, json.Unmarshal(data, &msg))
			got = append(got, msg.Data...)
		}
		if bytes.Contains(got, want) {
			return got
		}
	}
}

// expectClose reads until the server closes the connection and returns the
// close frame.
func expectClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce
	}
}

func processGone(pid int) bool {
	return unix.Kill(pid, 0) == unix.ESRCH
}

func TestTerminalEcho(t *testing.T) {
	env := setupTestServer(t)
	conn := env.dial(t, nil)

	sendInput(t, conn, "echo hi\n")
	out := readOutputUntil(t, conn, "hi")
	assert.Contains(t, out, "hi")

	sendInput(t, conn, "echo $((40+2))\n")
	readOutputUntil(t, conn, "42")
}

func TestTerminalBinaryInput(t *testing.T) {
	env := setupTestServer(t)
	conn := env.dial(t, nil)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("echo $((6*7))\n")))
	readOutputUntil(t, conn, "42")
}

func TestTerminalPreservesOrder(t *testing.T) {
	env := setupTestServer(t)
	conn := env.dial(t, nil)

	const n = 50
	for i := 0; i < n; i++ {
		sendInput(t, conn, fmt.Sprintf("echo M%03d\n", i))
	}
	out := readOutputUntil(t, conn, fmt.Sprintf("M%03d\r\n", n-1))

	last := -1
	for i := 0; i < n; i++ {
		idx := strings.Index(out, fmt.Sprintf("M%03d", i))
		require.Greater(t, idx, last, "marker %d out of order", i)
		last = idx
	}
}

func TestTerminalResize(t *testing.T) {
	env := setupTestServer(t)
	conn := env.dial(t, url.Values{"client": {"resizer"}, "rows": {"30"}, "cols": {"90"}})

	s := env.session(t, "resizer")
	assert.Equal(t, uint16(30), s.Info().Rows)
	assert.Equal(t, uint16(90), s.Info().Cols)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"resize","data":{"rows":33,"cols":99}}`)))
	sendInput(t, conn, "stty size\n")
	readOutputUntil(t, conn, "33 99")

	// Flat form
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"resize","rows":44,"cols":120}`)))
	sendInput(t, conn, "stty size\n")
	readOutputUntil(t, conn, "44 120")
	assert.Equal(t, uint16(44), s.Info().Rows)
}

func TestTerminalMalformedMessagesAreDropped(t *testing.T) {
	env := setupTestServer(t)
	conn := env.dial(t, nil)

	for _, frame := range []string{
		`not json`,
		`{"type":"output","data":"spoofed"}`,
		`{"type":"launch_missiles"}`,
		`{"type":"resize","data":{"rows":0,"cols":80}}`,
		`{"type":"input","data":42}`,
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	}

	// The session survives and keeps serving input.
	sendInput(t, conn, "echo still-$((1+1))\n")
	readOutputUntil(t, conn, "still-2")
	assert.Equal(t, 5.0, testutil.ToFloat64(env.metrics.MalformedMessages))
	assert.Equal(t, 1, env.registry.Len())
}

func TestTerminalProcessExit(t *testing.T) {
	env := setupTestServer(t)
	conn := env.dial(t, nil)

	sendInput(t, conn, "exit\n")
	ce := expectClose(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, sessions.ReasonProcessExited, ce.Text)

	assert.Eventually(t, func() bool { return env.registry.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestTerminalOutOfBandKill(t *testing.T) {
	env := setupTestServer(t)
	conn := env.dial(t, url.Values{"client": {"victim"}})
	s := env.session(t, "victim")

	require.NoError(t, unix.Kill(s.Info().Pid, unix.SIGKILL))

	ce := expectClose(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Eventually(t, func() bool { return env.registry.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestTerminalDisconnectTerminatesShell(t *testing.T) {
	env := setupTestServer(t)
	conn := env.dial(t, url.Values{"client": {"leaver"}})
	pid := env.session(t, "leaver").Info().Pid

	conn.Close()

	assert.Eventually(t, func() bool {
		return env.registry.Len() == 0 && processGone(pid)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTerminalNewReplacesSession(t *testing.T) {
	env := setupTestServer(t)
	first := env.dial(t, url.Values{"client": {"tab"}})
	old := env.session(t, "tab")
	oldPid := old.Info().Pid

	second := env.dial(t, url.Values{"client": {"tab"}, "new": {"1"}})

	ce := expectClose(t, first)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, sessions.ReasonReplaced, ce.Text)
	// The close frame can race the reaping of the old shell.
	assert.Eventually(t, func() bool { return processGone(oldPid) }, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		s, ok := env.registry.Lookup("tab")
		return ok && s.ID != old.ID
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.registry.Len())

	sendInput(t, second, "echo fresh-$((2+3))\n")
	readOutputUntil(t, second, "fresh-5")
}

func TestTerminalDestroyedSessionClosesConnection(t *testing.T) {
	env := setupTestServer(t)
	conn := env.dial(t, url.Values{"client": {"doomed"}})
	s := env.session(t, "doomed")

	env.registry.Destroy(s.ID)

	ce := expectClose(t, conn)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, sessions.ReasonClosed, ce.Text)
}

func TestTerminalShutdownClosesConnection(t *testing.T) {
	env := setupTestServer(t)
	conn := env.dial(t, url.Values{"client": {"c"}})
	env.session(t, "c")

	env.registry.Shutdown()

	ce := expectClose(t, conn)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, sessions.ReasonShutdown, ce.Text)
}

func TestTerminalRawOutput(t *testing.T) {
	env := setupTestServer(t)
	raw := []byte("S\xff\xfe\x80E")
	require.NoError(t, os.WriteFile(env.root+"/bin.dat", raw, 0644))

	conn := env.dial(t, nil)
	sendInput(t, conn, "cat bin.dat\n")
	readBytesUntil(t, conn, raw)
}

func TestTerminalWorkingDirectory(t *testing.T) {
	env := setupTestServer(t)
	require.NoError(t, unix.Mkdir(env.root+"/proj", 0755))

	conn := env.dial(t, url.Values{"cwd": {"proj"}})
	sendInput(t, conn, "pwd\n")
	readOutputUntil(t, conn, env.root+"/proj")
}

func TestTerminalRejectsOutsideWorkingDirectory(t *testing.T) {
	env := setupTestServer(t)
	outside := t.TempDir()
	require.NoError(t, unix.Symlink(outside, env.root+"/evil"))

	for _, cwd := range []string{"../", "/etc", "does-not-exist", "evil", "nonexist/../evil"} {
		conn := env.dial(t, url.Values{"cwd": {cwd}})
		ce := expectClose(t, conn)
		assert.Equal(t, websocket.ClosePolicyViolation, ce.Code, cwd)
	}
	assert.Equal(t, 0, env.registry.Len())
}

func TestTerminalSpawnFailure(t *testing.T) {
	env := setupTestServer(t, "/no/such/shell")
	conn := env.dial(t, nil)

	ce := expectClose(t, conn)
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)
	assert.Contains(t, ce.Text, "spawn failed")
	assert.Equal(t, 0, env.registry.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SpawnFailures))
}

func TestTerminalOriginCheck(t *testing.T) {
	env := setupTestServer(t)

	header := http.Header{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(env.url(nil), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": {"http://localhost:5173"}}
	conn, _, err := websocket.DefaultDialer.Dial(env.url(nil), header)
	require.NoError(t, err)
	conn.Close()
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"http://localhost:*", "https://studio.local"}

	assert.True(t, originAllowed("http://localhost:3000", allowed))
	assert.True(t, originAllowed("https://studio.local", allowed))
	assert.False(t, originAllowed("http://localhost:", allowed))
	assert.False(t, originAllowed("http://localhost:3000.evil.com", allowed))
	assert.False(t, originAllowed("http://localhost.evil.com:80", allowed))
	assert.True(t, originAllowed("http://anything", []string{"*"}))
	assert.False(t, originAllowed("http://localhost:1", nil))
}
