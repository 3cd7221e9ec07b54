// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/brockston/studio/internal/config"
	"github.com/brockston/studio/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		host      string
		port      int
		workspace string
		shell     string
	)

	cmd := &cobra.Command{
		Use:   "studio",
		Short: "BROCKSTON Studio: browser terminal and editor backend",
		Long: `Serves the BROCKSTON Studio frontend, a guarded file API for the
workspace, and interactive shell sessions over WebSocket.

Settings come from BROCKSTON_* environment variables and .env;
flags override them.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("host") {
				settings.Host = host
			}
			if flags.Changed("port") {
				settings.Port = port
			}
			if flags.Changed("workspace") {
				settings.Workspace = workspace
			}
			if flags.Changed("shell") {
				settings.Shell = shell
			}
			return serve(cmd.Context(), settings)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "address to listen on")
	cmd.Flags().IntVar(&port, "port", 7777, "port to listen on")
	cmd.Flags().StringVar(&workspace, "workspace", "~/Code", "workspace root directory")
	cmd.Flags().StringVar(&shell, "shell", "", "shell command for terminals (default $SHELL)")
	return cmd
}

func serve(ctx context.Context, settings *config.Settings) error {
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(settings.LogLevel),
		Pretty: settings.LogPretty,
	})
	log := logging.Component("server")

	if err := settings.PrepareWorkspace(); err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	server, err := NewServer(settings, promReg)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    settings.Addr(),
		Handler: server.Handler(),
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", settings.Addr()).
			Str("workspace", server.workspace.Root()).
			Strs("shell", server.shell).
			Msg("starting server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		runErr = err
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
	defer cancel()

	// Stop accepting connections. Terminal connections are hijacked and
	// are closed by the registry below.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}

	server.Close()

	log.Info().Msg("server stopped")
	return runErr
}
