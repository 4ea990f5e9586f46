package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ansible-mcp/internal/adapter/gateway"
	"ansible-mcp/internal/adapter/history"
	"ansible-mcp/internal/domain"
	"ansible-mcp/internal/infra/logger"
	"ansible-mcp/internal/infra/tracer"
	"ansible-mcp/internal/usecase/scheduling"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP, REST, SSE and WebSocket endpoints over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	log, logCloser, err := logger.New(cfg.Logger, logger.WithService(cfg.Server.Name))
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, tracer.WithServiceName(cfg.Server.Name))
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	c := newComponents(cfg, log)
	defer c.Close()

	deps := c.handlerDeps(cfg)
	if cfg.History.Enabled {
		archive, err := history.Open(cfg.History.Path, log)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer archive.Close()
		unsubscribe := archive.Subscribe(c.bus)
		defer unsubscribe()
		deps.History = archive
	}

	sched := scheduling.NewScheduler(c.service, c.registry, c.bus, log)
	for _, sc := range cfg.Schedules {
		err := sched.Add(scheduling.Task{
			Name:          sc.Name,
			Schedule:      sc.Schedule,
			Kind:          domain.JobKind(sc.Kind),
			Request:       sc.Request,
			SkipIfRunning: sc.SkipIfRunning,
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", sc.Name, err)
		}
	}

	srv := gateway.NewServer(cfg.Server.Addr, log)
	_, protect := gateway.RegisterRoutes(ctx, srv, deps)
	shutdownMCP := c.mcp.Mount(srv.Router(), protect)

	log.Info("ansible-mcp starting",
		"addr", cfg.Server.Addr,
		"max_running", cfg.Jobs.MaxRunning,
		"auth", deps.Auth.Enabled(),
		"history", cfg.History.Enabled,
		"schedules", len(cfg.Schedules),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return c.registry.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownMCP(shutdownCtx); err != nil {
			log.Warn("mcp transport shutdown", "error", err)
		}
		c.cancelActive(shutdownCtx)
		return nil
	})

	err = g.Wait()
	log.Info("ansible-mcp stopped")
	return err
}
