package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/deckflow/internal/config"
	"github.com/petrijr/deckflow/internal/server"
	"github.com/petrijr/deckflow/internal/telemetry"
	"github.com/petrijr/deckflow/pkg/worker"
)

func (c *CLI) serveCommand() *cobra.Command {
	var (
		addr    string
		workers int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run workers in the same process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if workers > 0 {
				cfg.Worker.Concurrency = workers
			}
			return c.serve(cmd.Context(), cfg, true)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent jobs (default from config)")
	return cmd
}

func (c *CLI) workCommand() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run workers only, against a shared store and queue",
		Long:  `Work executes queued steps without serving HTTP. It is only useful with a durable storage backend and a queue other processes can reach.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg
			if workers > 0 {
				cfg.Worker.Concurrency = workers
			}
			if cfg.Queue.Backend == config.BackendMemory {
				return errors.New("work needs a sqlite or redis queue")
			}
			return c.serve(cmd.Context(), cfg, false)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent jobs (default from config)")
	return cmd
}

// serve runs workers, and the HTTP API when withHTTP is set, until ctx is
// cancelled.
func (c *CLI) serve(ctx context.Context, cfg config.Config, withHTTP bool) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			c.logger.Warn("telemetry_shutdown_failed", slog.String("error", err.Error()))
		}
	}()

	a, err := buildApp(ctx, cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.logger.Warn("close_failed", slog.String("error", err.Error()))
		}
	}()

	n, err := a.engine.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Info("runs_recovered", slog.Int("count", n))
	}

	w := worker.NewWithConfig(a.engine, a.queue, worker.Config{
		Lease:       cfg.Worker.Lease,
		Concurrency: cfg.Worker.Concurrency,
		Logger:      c.logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })

	if withHTTP {
		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           server.New(a.engine, server.Config{Logger: c.logger, MaxBodyBytes: cfg.Server.MaxBodyBytes}),
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
			ReadTimeout:       cfg.Server.ReadTimeout,
		}
		g.Go(func() error {
			c.logger.Info("http_listening", slog.String("addr", cfg.Server.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	c.logger.Info("worker_started", slog.String("worker_id", w.ID()), slog.Int("concurrency", cfg.Worker.Concurrency))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	c.logger.Info("stopped")
	return nil
}
