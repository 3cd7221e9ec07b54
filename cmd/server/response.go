// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/brockston/studio/internal/fs"
	"github.com/brockston/studio/internal/git"
	"github.com/brockston/studio/internal/pty"
	"github.com/brockston/studio/internal/sessions"
)

// errorResponse is the body of every failed API call
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, detail string) {
	writeJSON(w, status, errorResponse{Error: msg, Detail: detail})
}

// writeErr maps a domain error to a status code and message.
func writeErr(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	writeError(w, status, msg, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, fs.ErrOutsideWorkspace):
		return http.StatusForbidden, "Access denied"
	case errors.Is(err, fs.ErrNotFound):
		return http.StatusNotFound, "File not found"
	case errors.Is(err, fs.ErrIsDirectory):
		return http.StatusBadRequest, "Path is a directory"
	case errors.Is(err, fs.ErrNotDirectory):
		return http.StatusBadRequest, "Path is not a directory"
	case errors.Is(err, fs.ErrNotText):
		return http.StatusBadRequest, "File is not a text file"
	case errors.Is(err, git.ErrInvalidURL),
		errors.Is(err, git.ErrInvalidFolder),
		errors.Is(err, git.ErrDestinationExists),
		errors.Is(err, git.ErrNotRepository):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, git.ErrGitNotFound):
		return http.StatusInternalServerError, "Git is not installed"
	case errors.Is(err, git.ErrCloneFailed):
		return http.StatusInternalServerError, "Clone failed"
	case errors.Is(err, sessions.ErrSessionNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, sessions.ErrShuttingDown):
		return http.StatusServiceUnavailable, "Server is shutting down"
	case errors.Is(err, pty.ErrSpawnFailed):
		return http.StatusInternalServerError, "Failed to start shell"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
