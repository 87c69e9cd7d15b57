package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fedmcp/fedmcp/pkg/api"
	"github.com/fedmcp/fedmcp/pkg/observability"
)

func newServeCmd(g *globals) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the notary HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger, err := observability.NewLogger(g.stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := build(ctx, cfg, buildOptions{auditOut: g.stdout, needSigner: true, withStore: true})
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			opts := []api.Option{api.WithAuditQuerier(rt.querier)}
			if cfg.Server.RateLimit > 0 {
				opts = append(opts, api.WithRateLimiter(api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.Burst)))
			}
			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           api.NewServer(rt.notary, opts...).Routes(),
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       cfg.Server.ReadTimeout,
				WriteTimeout:      cfg.Server.WriteTimeout,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}
			return serve(ctx, srv, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default server.addr)")
	return cmd
}

// serve runs srv until ctx is done, then drains connections for up to 10s.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "fedmcp listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.InfoContext(shutdownCtx, "shutting down")
	return srv.Shutdown(shutdownCtx)
}
