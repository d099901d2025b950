package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/chartable/observability"
)

func newServeCommand(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg.Tracing.ServiceVersion = version
			tracing, err := observability.NewTracerProvider(ctx, cfg.Tracing)
			if err != nil {
				return err
			}

			st, err := openStore(ctx, cfg.Store)
			if err != nil {
				return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
			}
			a, err := buildApp(ctx, cfg, st, logger)
			if err != nil {
				_ = st.Close()
				return err
			}

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           a.handler,
				ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("http server started", "addr", srv.Addr, "store", cfg.Store.Driver)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutdown signal received")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error("http shutdown", "error", err)
				}
				if err := tracing.Shutdown(shutdownCtx); err != nil {
					logger.Error("tracing shutdown", "error", err)
				}
				return a.engine.Stop(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
