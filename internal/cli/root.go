// Package cli implements the edusync command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edusync/eduauth/internal/logging"
)

type globalFlags struct {
	debug     bool
	logLevel  string
	logFormat string
}

// logger builds the process logger. Flags given on the command line win
// over the level and format loaded from the environment.
func (g *globalFlags) logger(cmd *cobra.Command, level, format string) *slog.Logger {
	if cmd.Flags().Changed("log-level") {
		level = g.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		format = g.logFormat
	}
	if g.debug {
		level = "debug"
	}
	return logging.NewLogger(logging.ParseLevel(level), format)
}

// NewRootCmd creates the root cobra command for the edusync binary.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:          "edusync",
		Short:        "EduSync web shell and development auth service",
		Long:         "edusync serves the EduSync web shell, a development auth service and a token store load test.",
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error); overrides EDUSYNC_LOG_LEVEL")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "Log format (text, json); overrides EDUSYNC_LOG_FORMAT")

	root.AddCommand(
		newServeCmd(g),
		newAuthstubCmd(g),
		newLoadtestCmd(),
	)

	return root
}

// serveHTTP runs h on addr until ctx is cancelled or the process receives
// SIGINT/SIGTERM. background, when set, runs alongside the listener.
func serveHTTP(ctx context.Context, addr string, h http.Handler, logger *slog.Logger, background func(context.Context)) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if background != nil {
		go background(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
