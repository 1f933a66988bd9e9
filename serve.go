package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"xandindexer/handlers"
	"xandindexer/middleware"
)

const (
	shutdownTimeout     = 10 * time.Second
	cacheHealthInterval = 30 * time.Second
)

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the indexing scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *cfgFile)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

func newServer(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover(a.logger))
	e.Use(middleware.LoggerMiddleware(a.logger))
	e.Use(middleware.CORSMiddleware(a.cfg.Server.AllowedOrigins))

	handlers.Register(e, handlers.Routes{
		Core:    handlers.NewHandler(a.store, a.cache, a.indexer, a.prpc, a.logger),
		History: handlers.NewHistoryHandlers(a.store),
		Alerts:  handlers.NewAlertHandlers(a.alerts),
		Cache:   handlers.NewCacheHandlers(a.cache),
	})
	return e
}

func (a *app) serve(ctx context.Context) error {
	go a.cache.RunHealthCheck(ctx, cacheHealthInterval)

	if a.cfg.Indexer.AutoStart {
		a.indexer.Start(a.cfg.Indexer.Interval())
	} else {
		a.logger.Info("indexer autostart disabled, use POST /api/indexer/run or set indexer.autostart")
	}

	e := newServer(a)
	addr := a.cfg.Server.Address()
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("graceful shutdown initiated")
	case serveErr = <-errCh:
		a.logger.Error("server stopped", "err", serveErr)
	}

	a.indexer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown", "err", err)
	}
	a.logger.Info("server exited")
	return serveErr
}
