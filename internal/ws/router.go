// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package ws bridges browser terminals to shell sessions over websockets.
package ws

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/brockston/studio/internal/fs"
	"github.com/brockston/studio/internal/metrics"
	"github.com/brockston/studio/internal/sessions"
)

// Sessions creates and destroys terminal sessions. *sessions.Registry
// implements it.
type Sessions interface {
	Create(conn sessions.ConnID, opts sessions.SpawnOptions) (*sessions.Session, error)
	Replace(conn sessions.ConnID, opts sessions.SpawnOptions) (*sessions.Session, error)
	Destroyer
}

// Router handles WebSocket connections to terminal sessions
type Router struct {
	sessions Sessions
	upgrader websocket.Upgrader
	allowed  []string
	log      zerolog.Logger
	metrics  *metrics.Metrics
	opts     PumpOptions
}

// NewRouter creates a new WebSocket router. allowedOrigins holds exact
// origins, "*", or "scheme://host:*" patterns.
func NewRouter(s Sessions, allowedOrigins []string, log zerolog.Logger, m *metrics.Metrics, opts PumpOptions) *Router {
	r := &Router{
		sessions: s,
		allowed:  allowedOrigins,
		log:      log,
		metrics:  m,
		opts:     opts,
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

// checkOrigin validates the Origin header against allowed origins
func (r *Router) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		// Not a browser; the server only listens on localhost.
		return true
	}
	return originAllowed(origin, r.allowed)
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == origin || a == "*" {
			return true
		}
		// Support wildcard port matching (e.g., "http://localhost:*")
		if strings.HasSuffix(a, ":*") {
			prefix := strings.TrimSuffix(a, "*")
			if strings.HasPrefix(origin, prefix) {
				remainder := strings.TrimPrefix(origin, prefix)
				if len(remainder) > 0 && isNumeric(remainder) {
					return true
				}
			}
		}
	}
	return false
}

// isNumeric checks if a string contains only digits
func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// HandleTerminal upgrades to a WebSocket, starts a shell for the client and
// pumps until either side goes away.
//
// Query parameters: client (connection key, generated when absent), new=1
// (replace the client's session), cwd, rows, cols.
func (r *Router) HandleTerminal(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	conn := sessions.ConnID(q.Get("client"))
	if conn == "" {
		conn = sessions.ConnID(uuid.New().String())
	}
	opts := sessions.SpawnOptions{
		Dir:  q.Get("cwd"),
		Rows: parseDimension(q.Get("rows"), 24),
		Cols: parseDimension(q.Get("cols"), 80),
	}
	fresh := q.Get("new") == "1" || q.Get("new") == "true"

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		r.log.Warn().Err(err).Str("origin", req.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}

	var session *sessions.Session
	if fresh {
		session, err = r.sessions.Replace(conn, opts)
	} else {
		session, err = r.sessions.Create(conn, opts)
	}
	if err != nil {
		code := createFailureCode(err)
		r.log.Warn().Err(err).Str("client", string(conn)).Int("code", code).Msg("terminal session not started")
		msg := websocket.FormatCloseMessage(code, truncateReason(err.Error()))
		_ = ws.WriteControl(websocket.CloseMessage, msg, deadline(r.opts))
		ws.Close()
		return
	}

	pump := NewPump(ws, session, r.sessions, r.log, r.metrics, r.opts)
	if err := pump.Run(req.Context()); err != nil {
		r.log.Warn().Err(err).Str("session", session.ID).Msg("terminal pump ended with error")
	}
}

// createFailureCode picks the close code for a session that could not be
// started.
func createFailureCode(err error) int {
	switch {
	case errors.Is(err, fs.ErrOutsideWorkspace),
		errors.Is(err, fs.ErrNotFound),
		errors.Is(err, fs.ErrNotDirectory):
		return websocket.ClosePolicyViolation
	case errors.Is(err, sessions.ErrShuttingDown):
		return websocket.CloseGoingAway
	default:
		return websocket.CloseInternalServerErr
	}
}

func parseDimension(s string, fallback uint16) uint16 {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 0xFFFF {
		return fallback
	}
	return uint16(n)
}
