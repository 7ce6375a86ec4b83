package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/sandboxd/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket API",
	Long: `Run the provisioning worker and the HTTP API.

Routes:
  POST /api/projects/{id}/sandbox          provision a sandbox (202 once created)
  POST /api/projects/{id}/sandbox/start    start a stopped sandbox
  POST /api/projects/{id}/sandbox/stop     stop a sandbox
  GET  /api/projects/{id}/sandbox/status   stored and provider status
  POST /api/projects/{id}/nodes/created    relay an editor node to subscribers
  GET  /ws/events?projectId=&userId=       status and node events
  GET  /ws/chat?projectId=&nodeId=         agent chat

SIGINT or SIGTERM cancels in-flight provisioning and shuts down gracefully.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		srv := server.New(a.store, a.orch, a.turns, a.hub, server.Config{
			Addr:            cfg.Server.Addr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			PingInterval:    cfg.Broadcast.PingInterval,
			Logger:          logger,
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := a.orch.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			return srv.Serve(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down")
			// subscribers first so their sockets do not hold up the listener
			a.hub.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return a.orch.Shutdown(shutdownCtx)
		})

		logger.Info("sandboxd started", "addr", cfg.Server.Addr, "db", cfg.Database.Path, "fake_provider", fakeProvider)
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}
