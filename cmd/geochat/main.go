package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/comigor/geochat/internal/applet"
	"github.com/comigor/geochat/internal/config"
	"github.com/comigor/geochat/internal/dispatch"
	"github.com/comigor/geochat/internal/llm"
	"github.com/comigor/geochat/internal/logger"
	"github.com/comigor/geochat/internal/persist"
	"github.com/comigor/geochat/internal/server"
	"github.com/comigor/geochat/internal/store"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger.L.Error("geochat failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API and drive the geometry engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	rootCmd := &cobra.Command{
		Use:           "geochat",
		Short:         "Chat with an LLM and play its GeoGebra commands",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serveCmd.RunE,
	}
	rootCmd.AddCommand(serveCmd, newExtractCmd())
	return rootCmd
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	db := persist.NewSQLite(cfg.Store.Path)
	defer func() {
		if err := db.Close(); err != nil {
			logger.L.Warn("close store database", "error", err)
		}
	}()
	st, err := store.Open(db, cfg.Store.Name, store.SettingsFrom(cfg.LLM))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	mode := dispatch.ModeStaggered
	if cfg.Applet.Sequential {
		mode = dispatch.ModeSequential
	}
	dispatcher := dispatch.New(dispatch.WithPacing(cfg.Applet.Pacing), dispatch.WithMode(mode))

	g, ctx := errgroup.WithContext(ctx)

	var engine server.Engine
	backend, err := applet.Dial(ctx, cfg.Applet)
	switch {
	case errors.Is(err, applet.ErrNoEngine):
		logger.L.Info("no geometry engine configured, commands will not be played")
	case err != nil:
		logger.L.Error("geometry engine unavailable", "error", err)
	default:
		defer backend.Close()
		h := applet.NewHandle(backend, applet.Options{
			Container:    cfg.Applet.Container,
			PollDelay:    cfg.Applet.PollDelay,
			PollInterval: cfg.Applet.PollInterval,
		})
		defer h.Close()
		engine = h
		g.Go(func() error {
			if err := h.Boot(ctx); err != nil {
				logger.L.Error("applet boot failed", "error", err)
			}
			return nil
		})
	}

	srv := server.New(st, llm.NewOpenAI(), dispatcher, engine, server.Options{
		ProviderName: cfg.LLM.Provider,
		AutoPlay:     cfg.Applet.AutoPlay,
	})
	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.L.Info("starting server", "address", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.L.Info("shutting down server")
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
