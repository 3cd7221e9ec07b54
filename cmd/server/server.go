// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/brockston/studio/internal/config"
	"github.com/brockston/studio/internal/fs"
	"github.com/brockston/studio/internal/git"
	"github.com/brockston/studio/internal/logging"
	"github.com/brockston/studio/internal/metrics"
	"github.com/brockston/studio/internal/pty"
	"github.com/brockston/studio/internal/sessions"
	"github.com/brockston/studio/internal/ws"
)

const serviceName = "BROCKSTON Studio"

type Server struct {
	settings  *config.Settings
	workspace *fs.Workspace
	treeCache *fs.TreeCache
	sessions  *sessions.Registry
	git       *git.Client
	wsRouter  *ws.Router
	gatherer  prometheus.Gatherer
	shell     []string
	log       zerolog.Logger
}

// NewServer wires the workspace, session registry, and routers.
// settings.Workspace must already exist.
func NewServer(settings *config.Settings, reg *prometheus.Registry) (*Server, error) {
	guard, err := fs.NewGuard(settings.Workspace)
	if err != nil {
		return nil, err
	}

	shell, err := pty.ParseCommand(settings.Shell)
	if err != nil {
		return nil, err
	}

	log := logging.Component("server")
	opts := []fs.Option{fs.WithIgnore(settings.TreeIgnore)}
	cache, err := fs.NewTreeCache(logging.Component("tree-cache"))
	if err != nil {
		log.Warn().Err(err).Msg("file tree cache disabled")
	} else {
		opts = append(opts, fs.WithTreeCache(cache))
	}
	workspace := fs.NewWorkspace(guard, opts...)

	m := metrics.New(reg)
	registry := sessions.New(workspace, sessions.Config{
		Command:        shell,
		WriteTimeout:   settings.WriteTimeout,
		TerminateGrace: settings.TerminateGrace,
		KillGrace:      settings.KillGrace,
	}, logging.Component("sessions"), m)

	return &Server{
		settings:  settings,
		workspace: workspace,
		treeCache: cache,
		sessions:  registry,
		git: git.New(guard, logging.Component("git"),
			git.WithToken(settings.GitHubToken),
			git.WithCloneTimeout(settings.CloneTimeout),
		),
		wsRouter: ws.NewRouter(registry, settings.AllowedOrigins, logging.Component("terminal"), m, ws.PumpOptions{}),
		gatherer: reg,
		shell:    shell,
		log:      log,
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.settings.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/files/tree", s.handleTree)
		r.Get("/files/open", s.handleOpen)
		r.Post("/files/save", s.handleSave)

		r.Post("/git/clone", s.handleClone)
		r.Get("/git/status", s.handleGitStatus)

		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{sessionId}", s.handleDeleteSession)
	})

	// WebSocket for terminals
	r.Get("/ws/terminal", s.wsRouter.HandleTerminal)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.mountFrontend(r)
	return r
}

// mountFrontend serves the static frontend when FRONTEND_DIR exists.
func (s *Server) mountFrontend(r chi.Router) {
	dir := s.settings.FrontendDir
	if dir == "" {
		return
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		s.log.Warn().Str("dir", dir).Msg("frontend directory not found, not serving frontend")
		return
	}

	index := filepath.Join(dir, "index.html")
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		if _, err := os.Stat(index); err != nil {
			writeError(w, http.StatusNotFound, "Frontend not found", "")
			return
		}
		http.ServeFile(w, req, index)
	})
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(dir))))
}

// Close drains every terminal session and releases the tree cache.
func (s *Server) Close() {
	s.sessions.Shutdown()
	if s.treeCache != nil {
		s.treeCache.Close()
	}
}
