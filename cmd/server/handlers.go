// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/brockston/studio/internal/fs"
)

// maxSaveBody caps the JSON body of a file save.
const maxSaveBody = 32 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   serviceName,
		"workspace": s.workspace.Root(),
		"sessions":  s.sessions.Len(),
	})
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	entries, err := s.workspace.Tree(r.URL.Query().Get("path"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []fs.FileInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": entries})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path parameter required", "")
		return
	}
	file, err := s.workspace.Open(path)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

type saveRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSaveBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required", "")
		return
	}
	saved, err := s.workspace.Save(req.Path, []byte(req.Content))
	if err != nil {
		writeErr(w, err)
		return
	}
	s.log.Info().Str("path", saved).Msg("file saved")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "path": saved})
}

type cloneRequest struct {
	GitURL     string `json:"git_url"`
	FolderName string `json:"folder_name"`
}

func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	result, err := s.git.Clone(r.Context(), req.GitURL, req.FolderName)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "ok",
		"local_path":     result.LocalPath,
		"workspace_name": result.WorkspaceName,
	})
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.git.Status(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

// handleDeleteSession tears a session down. Unknown ids are not an error.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.Destroy(chi.URLParam(r, "sessionId"))
	w.WriteHeader(http.StatusNoContent)
}
